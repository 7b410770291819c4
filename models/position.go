package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the derived state of one open (exchange, symbol) pair. A fully
// closed position is deleted from the ledger rather than kept at zero.
type Position struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastUpdate    time.Time       `json:"last_update"`
}

// PriceSample is the last observed trade price for a symbol.
type PriceSample struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}
