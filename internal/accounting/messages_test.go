package accounting

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedeck/models"
)

func TestEncodeOutboundEnvelope(t *testing.T) {
	env, err := EncodeOutbound(PositionClosed{Exchange: "binance", Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "POSITION_CLOSED", env.Type)

	var payload PositionClosed
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "BTCUSDT", payload.Symbol)
}

func TestDecodeInbound(t *testing.T) {
	tick := TradeTick{
		Symbol: "ETHUSDT",
		Price:  decimal.NewFromInt(3000),
		At:     time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(tick)
	require.NoError(t, err)

	msg, err := DecodeInbound(Envelope{Type: "TRADE_TICK", Data: data})
	require.NoError(t, err)
	decoded, ok := msg.(TradeTick)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", decoded.Symbol)
	assert.True(t, decoded.Price.Equal(tick.Price))
}

func TestDecodeInboundOrdersUpdate(t *testing.T) {
	update := OrdersUpdate{Orders: []models.Order{{
		ID:       "1",
		Symbol:   "BTCUSDT",
		Exchange: "binance",
		Side:     models.OrderSideBuy,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(1),
		Status:   models.OrderStatusFilled,
	}}}
	data, err := json.Marshal(update)
	require.NoError(t, err)

	msg, err := DecodeInbound(Envelope{Type: "ORDERS_UPDATE", Data: data})
	require.NoError(t, err)
	decoded, ok := msg.(OrdersUpdate)
	require.True(t, ok)
	require.Len(t, decoded.Orders, 1)
	assert.Equal(t, models.OrderStatusFilled, decoded.Orders[0].Status)
}

func TestDecodeInboundUnknownType(t *testing.T) {
	_, err := DecodeInbound(Envelope{Type: "BOGUS"})
	assert.Error(t, err)
}
