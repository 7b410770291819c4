package accounting

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradedeck/config"
	"tradedeck/logger"
	"tradedeck/models"
)

// PositionKey identifies one position: a symbol on a venue.
type PositionKey struct {
	Exchange string
	Symbol   string
}

type ledgerEntry struct {
	quantity   decimal.Decimal // signed open quantity
	cost       decimal.Decimal // cost basis of the open quantity
	lastUpdate time.Time
}

// Ledger derives per (exchange, symbol) position state from the full order
// history. Positions are recomputed from scratch on every update; orders are
// never mutated here. Owned by the engine goroutine, no locking.
type Ledger struct {
	oversellPolicy string
	positions      map[PositionKey]*ledgerEntry
	realized       map[PositionKey]decimal.Decimal
	closedOut      map[PositionKey]bool
	log            *logger.Log
}

func NewLedger(oversellPolicy string) *Ledger {
	if oversellPolicy == "" {
		oversellPolicy = config.OversellIgnore
	}
	return &Ledger{
		oversellPolicy: oversellPolicy,
		positions:      make(map[PositionKey]*ledgerEntry),
		realized:       make(map[PositionKey]decimal.Decimal),
		closedOut:      make(map[PositionKey]bool),
		log:            logger.GetLogger(),
	}
}

// Recompute rebuilds the ledger from the given order history and returns the
// keys of positions that closed in this pass. A close is reported exactly once
// per zero-crossing: recomputing from the same history again does not repeat
// it, while a position that reopens can close again later.
func (l *Ledger) Recompute(orders []models.Order) []PositionKey {
	groups := make(map[PositionKey][]models.Order)
	for _, o := range orders {
		if o.Status != models.OrderStatusFilled {
			continue
		}
		key := PositionKey{Exchange: o.Exchange, Symbol: o.Symbol}
		groups[key] = append(groups[key], o)
	}

	// Positions whose orders disappeared from the history are a retraction,
	// not a close.
	for key := range l.positions {
		if _, ok := groups[key]; !ok {
			l.log.WithComponent("position_ledger").WithFields(logger.Fields{
				"exchange": key.Exchange,
				"symbol":   key.Symbol,
			}).Warn("open position has no filled orders in history, dropping")
			delete(l.positions, key)
			delete(l.realized, key)
		}
	}

	// A key with no orders left cannot stay in the closed-out state: if the
	// same fills are ever replayed they form a fresh position whose close
	// must be announced again.
	for key := range l.closedOut {
		if _, ok := groups[key]; !ok {
			delete(l.closedOut, key)
		}
	}

	var closed []PositionKey
	for key, group := range groups {
		if l.recomputeGroup(key, group) {
			closed = append(closed, key)
		}
	}

	sort.Slice(closed, func(i, j int) bool {
		if closed[i].Exchange != closed[j].Exchange {
			return closed[i].Exchange < closed[j].Exchange
		}
		return closed[i].Symbol < closed[j].Symbol
	})
	return closed
}

// recomputeGroup walks one key's fills chronologically and reports whether the
// position closed in this pass.
func (l *Ledger) recomputeGroup(key PositionKey, group []models.Order) bool {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Timestamp.Before(group[j].Timestamp)
	})

	var (
		qty         decimal.Decimal
		cost        decimal.Decimal
		realized    decimal.Decimal
		hadPosition bool
		lastUpdate  time.Time
	)

	for _, o := range group {
		if o.Timestamp.After(lastUpdate) {
			lastUpdate = o.Timestamp
		}

		fill := o.Quantity
		switch o.Side {
		case models.OrderSideBuy:
			if qty.Sign() >= 0 {
				qty = qty.Add(fill)
				cost = cost.Add(fill.Mul(o.Price))
			} else {
				// Buying against a short covers it.
				qty, cost, realized = l.reduce(qty, cost, realized, fill, o.Price, 1, &hadPosition, key)
			}
		case models.OrderSideSell:
			if qty.Sign() > 0 {
				qty, cost, realized = l.reduce(qty, cost, realized, fill, o.Price, -1, &hadPosition, key)
			} else if l.oversellPolicy == config.OversellShort {
				qty = qty.Sub(fill)
				cost = cost.Add(fill.Mul(o.Price))
			} else {
				l.log.WithComponent("position_ledger").WithFields(logger.Fields{
					"exchange": key.Exchange,
					"symbol":   key.Symbol,
					"order_id": o.ID,
					"quantity": fill.String(),
				}).Warn("sell without open position, ignoring")
			}
		default:
			l.log.WithComponent("position_ledger").WithFields(logger.Fields{
				"order_id": o.ID,
				"side":     string(o.Side),
			}).Warn("unknown order side, skipping")
		}

		if !qty.IsZero() {
			hadPosition = true
		}
	}

	l.realized[key] = realized

	if qty.IsZero() {
		delete(l.positions, key)
		if hadPosition && !l.closedOut[key] {
			l.closedOut[key] = true
			return true
		}
		return false
	}

	l.positions[key] = &ledgerEntry{quantity: qty, cost: cost, lastUpdate: lastUpdate}
	delete(l.closedOut, key)
	return false
}

// reduce closes fill quantity against the open position, realizing PnL on the
// offset amount, and applies the configured policy to any excess that would
// flip the position's direction. fillSign is +1 for a buy fill, -1 for a sell.
func (l *Ledger) reduce(
	qty, cost, realized decimal.Decimal,
	fill, price decimal.Decimal,
	fillSign int,
	hadPosition *bool,
	key PositionKey,
) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	absQty := qty.Abs()
	offset := decimal.Min(fill, absQty)
	avg := cost.Div(absQty)

	if qty.Sign() > 0 {
		realized = realized.Add(price.Sub(avg).Mul(offset))
		qty = qty.Sub(offset)
	} else {
		realized = realized.Add(avg.Sub(price).Mul(offset))
		qty = qty.Add(offset)
	}
	cost = cost.Sub(avg.Mul(offset))
	if qty.IsZero() {
		// Clear any residual from average-cost rounding on a full close.
		cost = decimal.Decimal{}
	}
	*hadPosition = true

	excess := fill.Sub(offset)
	if excess.Sign() <= 0 {
		return qty, cost, realized
	}

	if l.oversellPolicy == config.OversellShort {
		// The offset consumed the whole prior position; the excess opens a
		// fresh one in the fill's direction.
		qty = excess.Mul(decimal.NewFromInt(int64(fillSign)))
		cost = excess.Mul(price)
		return qty, cost, realized
	}

	l.log.WithComponent("position_ledger").WithFields(logger.Fields{
		"exchange": key.Exchange,
		"symbol":   key.Symbol,
		"excess":   excess.String(),
	}).Warn("fill exceeds open position, dropping excess")
	return qty, cost, realized
}

// RealizedPnL reports the realized profit accumulated over the current order
// history for one position key.
func (l *Ledger) RealizedPnL(exchange, symbol string) decimal.Decimal {
	return l.realized[PositionKey{Exchange: exchange, Symbol: symbol}]
}

// OpenCount reports the number of open positions.
func (l *Ledger) OpenCount() int {
	return len(l.positions)
}

// Position returns the open position for a key, if any, without PnL marking.
func (l *Ledger) Position(exchange, symbol string) (models.Position, bool) {
	entry, ok := l.positions[PositionKey{Exchange: exchange, Symbol: symbol}]
	if !ok {
		return models.Position{}, false
	}
	return models.Position{
		Exchange:    exchange,
		Symbol:      symbol,
		Quantity:    entry.quantity,
		AverageCost: entry.cost.Div(entry.quantity.Abs()),
		LastUpdate:  entry.lastUpdate,
	}, true
}

// Snapshot marks every open position to the prices supplied by price and
// returns them sorted by key together with the unrealized and realized totals.
// A position with no observed price contributes zero unrealized PnL but still
// appears in the snapshot.
func (l *Ledger) Snapshot(price func(symbol string) (decimal.Decimal, bool)) ([]models.Position, decimal.Decimal, decimal.Decimal) {
	positions := make([]models.Position, 0, len(l.positions))
	var totalUnrealized decimal.Decimal

	for key, entry := range l.positions {
		avg := entry.cost.Div(entry.quantity.Abs())
		pos := models.Position{
			Exchange:    key.Exchange,
			Symbol:      key.Symbol,
			Quantity:    entry.quantity,
			AverageCost: avg,
			LastUpdate:  entry.lastUpdate,
		}
		if current, ok := price(key.Symbol); ok {
			pos.UnrealizedPnL = current.Sub(avg).Mul(entry.quantity)
			totalUnrealized = totalUnrealized.Add(pos.UnrealizedPnL)
		}
		positions = append(positions, pos)
	}

	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Exchange != positions[j].Exchange {
			return positions[i].Exchange < positions[j].Exchange
		}
		return positions[i].Symbol < positions[j].Symbol
	})

	var totalRealized decimal.Decimal
	for _, r := range l.realized {
		totalRealized = totalRealized.Add(r)
	}

	return positions, totalUnrealized, totalRealized
}
