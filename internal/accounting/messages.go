package accounting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradedeck/models"
)

// Inbound is the closed set of messages the accounting engine accepts. The
// engine is reachable only through these; it shares no mutable state with the
// feed adapter.
type Inbound interface {
	inboundType() string
}

// SubscribeSymbol starts price tracking for a symbol. A sample entry exists
// from this point on but carries no value until the first tick arrives.
type SubscribeSymbol struct {
	Symbol string `json:"symbol"`
}

// UnsubscribeSymbol stops price tracking and drops any cached sample, so a
// stale price never survives a later resubscribe.
type UnsubscribeSymbol struct {
	Symbol string `json:"symbol"`
}

// TradeTick carries one observed trade price.
type TradeTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// OrdersUpdate replaces the engine's view of the full order history.
type OrdersUpdate struct {
	Orders []models.Order `json:"orders"`
}

func (SubscribeSymbol) inboundType() string   { return "SUBSCRIBE" }
func (UnsubscribeSymbol) inboundType() string { return "UNSUBSCRIBE" }
func (TradeTick) inboundType() string         { return "TRADE_TICK" }
func (OrdersUpdate) inboundType() string      { return "ORDERS_UPDATE" }

// Outbound is the closed set of messages the engine pushes back across the
// boundary.
type Outbound interface {
	outboundType() string
}

// AggregatedPrices is the periodic snapshot of observed price samples.
type AggregatedPrices struct {
	Samples []models.PriceSample `json:"samples"`
}

// PnLUpdate is the periodic (and post-orders-update) snapshot of all open
// positions marked to the latest cached prices.
type PnLUpdate struct {
	Positions          []models.Position `json:"positions"`
	TotalUnrealizedPnL decimal.Decimal   `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal   `json:"total_realized_pnl"`
}

// PositionClosed fires exactly once per close transition of a position.
type PositionClosed struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func (AggregatedPrices) outboundType() string { return "AGGREGATED_PRICES" }
func (PnLUpdate) outboundType() string        { return "PNL_UPDATE" }
func (PositionClosed) outboundType() string   { return "POSITION_CLOSED" }

// Envelope is the tagged wire form of a boundary message, used where the
// messages leave the process (the browser gateway).
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeOutbound wraps an outbound message in its envelope.
func EncodeOutbound(msg Outbound) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msg.outboundType(), err)
	}
	return Envelope{Type: msg.outboundType(), Data: data}, nil
}

// DecodeInbound parses an envelope received from a client into the matching
// inbound message.
func DecodeInbound(env Envelope) (Inbound, error) {
	switch env.Type {
	case "SUBSCRIBE":
		var msg SubscribeSymbol
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode SUBSCRIBE: %w", err)
		}
		return msg, nil
	case "UNSUBSCRIBE":
		var msg UnsubscribeSymbol
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode UNSUBSCRIBE: %w", err)
		}
		return msg, nil
	case "TRADE_TICK":
		var msg TradeTick
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode TRADE_TICK: %w", err)
		}
		return msg, nil
	case "ORDERS_UPDATE":
		var msg OrdersUpdate
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode ORDERS_UPDATE: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown inbound message type %q", env.Type)
	}
}
