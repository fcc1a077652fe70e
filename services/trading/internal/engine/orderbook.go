package engine

import (
	"sort"
	"time"

	"github.com/sharex/sharex/services/trading/internal/storage"
)

// BookView is a read-only aggregation of live orders for one instrument.
// It is rebuilt from order rows on every read and never mutated.
type BookView struct {
	Instrument string
	Bids       []storage.BookLevel
	Asks       []storage.BookLevel
	AsOf       time.Time
}

// BuildBookView groups open limit orders into price levels: bids best
// (highest) first, asks best (lowest) first.
func BuildBookView(instrument string, orders []storage.Order, now time.Time) BookView {
	bids := map[string]*storage.BookLevel{}
	asks := map[string]*storage.BookLevel{}

	for i := range orders {
		o := &orders[i]
		if o.Instrument != instrument || o.Kind != storage.KindLimit || !o.Open() {
			continue
		}
		if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			continue
		}
		levels := bids
		if o.Side == storage.SideSell {
			levels = asks
		}
		key := o.Price().String()
		lvl, ok := levels[key]
		if !ok {
			lvl = &storage.BookLevel{Price: o.Price()}
			levels[key] = lvl
		}
		lvl.Quantity += o.Remaining
		lvl.Orders++
	}

	return BookView{
		Instrument: instrument,
		Bids:       sortedLevels(bids, true),
		Asks:       sortedLevels(asks, false),
		AsOf:       now,
	}
}

func sortedLevels(levels map[string]*storage.BookLevel, descending bool) []storage.BookLevel {
	out := make([]storage.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, *lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Depth truncates each side to at most n levels. n <= 0 keeps everything.
func (b BookView) Depth(n int) BookView {
	if n <= 0 {
		return b
	}
	if len(b.Bids) > n {
		b.Bids = b.Bids[:n]
	}
	if len(b.Asks) > n {
		b.Asks = b.Asks[:n]
	}
	return b
}
