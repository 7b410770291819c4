package accounting

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestChannelsSendAndStats(t *testing.T) {
	ch := NewChannels(1, 1)
	ctx := context.Background()

	if !ch.SendIn(ctx, SubscribeSymbol{Symbol: "BTCUSDT"}) {
		t.Fatal("send into empty buffer failed")
	}
	// Buffer of one is now full.
	if ch.SendIn(ctx, SubscribeSymbol{Symbol: "ETHUSDT"}) {
		t.Fatal("send into full buffer must drop")
	}

	stats := ch.GetStats()
	if stats.InSent != 1 || stats.InDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestChannelsSendRespectsCancelledContext(t *testing.T) {
	ch := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch.SendOut(context.Background(), AggregatedPrices{})
	// Buffer full and context done: must return false without dropping stats
	// confusion.
	if ch.SendOut(ctx, PnLUpdate{TotalUnrealizedPnL: decimal.Decimal{}}) {
		t.Fatal("send with cancelled context into full buffer must fail")
	}
}

func TestChannelsClose(t *testing.T) {
	ch := NewChannels(1, 1)
	ch.Close()
	if _, ok := <-ch.In; ok {
		t.Fatal("In must be closed")
	}
}
