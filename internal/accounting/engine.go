package accounting

import (
	"context"
	"time"

	"tradedeck/config"
	"tradedeck/logger"
)

// Engine is the accounting actor. It owns the price cache and the position
// ledger, consumes the inbound boundary channel and pushes price and PnL
// snapshots back out. Everything runs on the single Run goroutine, so the
// ledger is never mutated concurrently with a snapshot by construction.
type Engine struct {
	cfg      config.AccountingConfig
	channels *Channels
	cache    *PriceCache
	ledger   *Ledger
	log      *logger.Log
}

func NewEngine(cfg config.AccountingConfig, ch *Channels) *Engine {
	return &Engine{
		cfg:      cfg,
		channels: ch,
		cache:    NewPriceCache(),
		ledger:   NewLedger(cfg.OversellPolicy),
		log:      logger.GetLogger(),
	}
}

// Run processes boundary messages until the context is cancelled or the
// inbound channel closes. A single periodic tick drives both price and PnL
// pushes; it runs only while at least one symbol is tracked, so an idle engine
// never wakes up.
func (e *Engine) Run(ctx context.Context) {
	log := e.log.WithComponent("pnl_engine")
	log.WithFields(logger.Fields{
		"push_interval":   e.cfg.PushInterval.String(),
		"oversell_policy": e.cfg.OversellPolicy,
	}).Info("accounting engine started")

	// The timer is created stopped and armed on the first subscribe.
	ticker := time.NewTicker(e.cfg.PushInterval)
	ticker.Stop()
	running := false

	syncTimer := func() {
		if e.cache.TrackedCount() > 0 && !running {
			ticker.Reset(e.cfg.PushInterval)
			running = true
			log.Debug("push timer started")
		} else if e.cache.TrackedCount() == 0 && running {
			ticker.Stop()
			running = false
			log.Debug("push timer stopped")
		}
	}

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			log.Info("accounting engine stopped")
			return

		case msg, ok := <-e.channels.In:
			if !ok {
				ticker.Stop()
				log.Info("inbound channel closed, accounting engine stopped")
				return
			}
			e.handle(ctx, msg)
			syncTimer()

		case <-ticker.C:
			e.pushPrices(ctx)
			e.pushPnL(ctx)
		}
	}
}

func (e *Engine) handle(ctx context.Context, msg Inbound) {
	switch m := msg.(type) {
	case SubscribeSymbol:
		e.cache.Track(m.Symbol)

	case UnsubscribeSymbol:
		e.cache.Drop(m.Symbol)

	case TradeTick:
		e.cache.Update(m.Symbol, m.Price, m.At)

	case OrdersUpdate:
		closed := e.ledger.Recompute(m.Orders)
		for _, key := range closed {
			e.log.WithComponent("pnl_engine").WithFields(logger.Fields{
				"exchange": key.Exchange,
				"symbol":   key.Symbol,
			}).Info("position closed")
			e.channels.SendOut(ctx, PositionClosed{Exchange: key.Exchange, Symbol: key.Symbol})
		}
		// Orders changed, push a fresh snapshot without waiting for the
		// tick. Sent even when everything is closed so the consumer can
		// clear its view.
		positions, totalUnrealized, totalRealized := e.ledger.Snapshot(e.cache.Price)
		e.channels.SendOut(ctx, PnLUpdate{
			Positions:          positions,
			TotalUnrealizedPnL: totalUnrealized,
			TotalRealizedPnL:   totalRealized,
		})

	default:
		e.log.WithComponent("pnl_engine").WithFields(logger.Fields{
			"type": msg.inboundType(),
		}).Warn("unhandled inbound message")
	}
}

func (e *Engine) pushPrices(ctx context.Context) {
	if e.cache.TrackedCount() == 0 {
		return
	}
	samples := e.cache.Samples()
	if len(samples) == 0 {
		return
	}
	e.channels.SendOut(ctx, AggregatedPrices{Samples: samples})
}

func (e *Engine) pushPnL(ctx context.Context) {
	if e.ledger.OpenCount() == 0 {
		return
	}
	positions, totalUnrealized, totalRealized := e.ledger.Snapshot(e.cache.Price)
	e.channels.SendOut(ctx, PnLUpdate{
		Positions:          positions,
		TotalUnrealizedPnL: totalUnrealized,
		TotalRealizedPnL:   totalRealized,
	})
}
