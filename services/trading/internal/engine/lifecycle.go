package engine

import (
	"fmt"
	"time"

	"github.com/sharex/sharex/services/trading/internal/storage"
)

// Lifecycle transitions:
//
//	pending -> partial -> filled
//	pending|partial -> cancelled
//	pending|partial -> expired (limit only)

func IsTerminal(status string) bool {
	switch status {
	case storage.OrderStatusFilled, storage.OrderStatusCancelled, storage.OrderStatusExpired:
		return true
	}
	return false
}

// ApplyFill records qty traded against o.
func ApplyFill(o *storage.Order, qty int64, now time.Time) error {
	if IsTerminal(o.Status) {
		return fmt.Errorf("fill on %s order %s", o.Status, o.ID)
	}
	if qty <= 0 || qty > o.Remaining {
		return fmt.Errorf("fill of %d exceeds remaining %d on order %s", qty, o.Remaining, o.ID)
	}
	o.Filled += qty
	o.Remaining -= qty
	if o.Remaining == 0 {
		o.Status = storage.OrderStatusFilled
	} else {
		o.Status = storage.OrderStatusPartial
	}
	o.UpdatedAt = now
	return nil
}

// Cancel closes an open order at the owner's request. The filled quantity
// is kept.
func Cancel(o *storage.Order, now time.Time) error {
	if err := checkOpen(o); err != nil {
		return err
	}
	closeRemainder(o, storage.OrderStatusCancelled, now)
	return nil
}

// Expire closes an open limit order whose expiry has passed.
func Expire(o *storage.Order, now time.Time) error {
	if err := checkOpen(o); err != nil {
		return err
	}
	if o.Kind != storage.KindLimit {
		return fmt.Errorf("expire on %s order %s", o.Kind, o.ID)
	}
	if o.ExpiresAt == nil || o.ExpiresAt.After(now) {
		return fmt.Errorf("order %s not yet expired", o.ID)
	}
	closeRemainder(o, storage.OrderStatusExpired, now)
	return nil
}

// closeMarketRemainder cancels whatever a market order could not fill.
func closeMarketRemainder(o *storage.Order, now time.Time) {
	if o.Remaining > 0 {
		closeRemainder(o, storage.OrderStatusCancelled, now)
	}
}

func checkOpen(o *storage.Order) error {
	switch o.Status {
	case storage.OrderStatusFilled:
		return ErrOrderAlreadyFilled
	case storage.OrderStatusCancelled:
		return ErrOrderAlreadyCancelled
	case storage.OrderStatusExpired:
		return ErrOrderAlreadyExpired
	}
	return nil
}

func closeRemainder(o *storage.Order, status string, now time.Time) {
	o.Cancelled += o.Remaining
	o.Remaining = 0
	o.Status = status
	o.UpdatedAt = now
}
