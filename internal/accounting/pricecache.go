package accounting

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradedeck/models"
)

type priceEntry struct {
	price      decimal.Decimal
	observedAt time.Time
	observed   bool
}

// PriceCache holds the last known trade price per tracked symbol. It is owned
// by the engine goroutine and is never accessed concurrently, so it carries no
// locking.
type PriceCache struct {
	entries map[string]*priceEntry
}

func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[string]*priceEntry)}
}

// Track creates an empty entry for the symbol. The entry carries no value
// until the first tick is observed. Tracking an already tracked symbol keeps
// whatever value it has.
func (pc *PriceCache) Track(symbol string) {
	if _, ok := pc.entries[symbol]; !ok {
		pc.entries[symbol] = &priceEntry{}
	}
}

// Drop removes the symbol entirely so a stale price never survives a
// resubscribe.
func (pc *PriceCache) Drop(symbol string) {
	delete(pc.entries, symbol)
}

// Update records a trade price for a tracked symbol. Ticks for untracked
// symbols are ignored; the subscription is the tracking lifecycle.
func (pc *PriceCache) Update(symbol string, price decimal.Decimal, at time.Time) bool {
	entry, ok := pc.entries[symbol]
	if !ok {
		return false
	}
	entry.price = price
	entry.observedAt = at
	entry.observed = true
	return true
}

// Price returns the last observed price for symbol, if any.
func (pc *PriceCache) Price(symbol string) (decimal.Decimal, bool) {
	entry, ok := pc.entries[symbol]
	if !ok || !entry.observed {
		return decimal.Decimal{}, false
	}
	return entry.price, true
}

// TrackedCount reports how many symbols are tracked, observed or not.
func (pc *PriceCache) TrackedCount() int {
	return len(pc.entries)
}

// Samples returns all observed samples sorted by symbol for stable output.
func (pc *PriceCache) Samples() []models.PriceSample {
	samples := make([]models.PriceSample, 0, len(pc.entries))
	for symbol, entry := range pc.entries {
		if !entry.observed {
			continue
		}
		samples = append(samples, models.PriceSample{
			Symbol:     symbol,
			Price:      entry.price,
			ObservedAt: entry.observedAt,
		})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Symbol < samples[j].Symbol })
	return samples
}
