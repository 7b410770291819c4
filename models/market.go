package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a normalized market data payload dispatched to feed subscribers.
type Event interface {
	EventKind() FeedKind
}

// Candle is one OHLCV bar, either streamed or fetched historically.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval,omitempty"`
	Time     time.Time       `json:"time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

func (Candle) EventKind() FeedKind { return FeedKindCandle }

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is a normalized order book view. The venue delivers these on a
// connection-wide channel, so Symbol may be empty when the payload cannot be
// attributed to a single instrument.
type BookSnapshot struct {
	Symbol    string      `json:"symbol,omitempty"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (BookSnapshot) EventKind() FeedKind { return FeedKindDepth }

// TradePrint is one executed trade reported by the venue.
type TradePrint struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Time     time.Time       `json:"time"`
}

func (TradePrint) EventKind() FeedKind { return FeedKindTrade }
