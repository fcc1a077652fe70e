package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharex/sharex/services/trading/internal/storage"
)

const (
	skipSelfTrade          = "self_trade"
	skipInsufficientFunds  = "insufficient_funds"
	skipInsufficientShares = "insufficient_shares"
)

type passResult struct {
	trades   []storage.Trade
	resting  []storage.Order
	eligible int
}

// matchPass walks resting orders in priority order and settles each match
// inside tx. It stops when the incoming order is filled, candidates run out,
// or a limit order's price no longer crosses.
func (e *Engine) matchPass(ctx context.Context, tx storage.Tx, incoming *storage.Order, now time.Time) (*passResult, error) {
	candidates, err := tx.MatchCandidates(ctx, storage.CandidateQuery{
		Instrument:   incoming.Instrument,
		Side:         opposite(incoming.Side),
		Now:          now,
		ExcludeOwner: incoming.OwnerID,
		LimitPrice:   incoming.LimitPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	res := &passResult{}
	for i := range candidates {
		if incoming.Remaining == 0 {
			break
		}
		candidate := &candidates[i]
		if candidate.OwnerID == incoming.OwnerID {
			e.metrics.IncSettlementSkip(skipSelfTrade)
			continue
		}
		if !candidate.Open() {
			continue
		}
		res.eligible++
		if !priceCrosses(incoming, candidate) {
			break
		}

		qty := min(incoming.Remaining, candidate.Remaining)
		price := executionPrice(incoming, candidate)

		buy, sell := incoming, candidate
		if incoming.Side == storage.SideSell {
			buy, sell = candidate, incoming
		}

		trade, err := e.settle(ctx, tx, buy, sell, qty, price, now)
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInsufficientShares) {
				reason := skipInsufficientFunds
				if errors.Is(err, ErrInsufficientShares) {
					reason = skipInsufficientShares
				}
				e.metrics.IncSettlementSkip(reason)
				e.logger.Info("match skipped",
					"reason", reason,
					"incoming_order_id", incoming.ID,
					"resting_order_id", candidate.ID,
					"quantity", qty,
				)
				continue
			}
			return nil, err
		}

		if err := ApplyFill(incoming, qty, now); err != nil {
			return nil, err
		}
		if err := ApplyFill(candidate, qty, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrder(ctx, candidate); err != nil {
			return nil, fmt.Errorf("update resting order: %w", err)
		}
		res.trades = append(res.trades, *trade)
		res.resting = append(res.resting, *candidate)
	}
	return res, nil
}

func opposite(side string) string {
	if side == storage.SideBuy {
		return storage.SideSell
	}
	return storage.SideBuy
}

// priceCrosses reports whether the resting candidate satisfies the incoming
// order's limit. Market orders accept any price.
func priceCrosses(incoming, candidate *storage.Order) bool {
	if incoming.Kind == storage.KindMarket {
		return true
	}
	limit := incoming.Price()
	if incoming.Side == storage.SideBuy {
		return candidate.Price().Cmp(limit) <= 0
	}
	return candidate.Price().Cmp(limit) >= 0
}

// executionPrice is the price of whichever order reached the book first.
// Equal timestamps fall back to insertion sequence.
func executionPrice(incoming, resting *storage.Order) decimal.Decimal {
	if incoming.Kind == storage.KindMarket {
		return resting.Price()
	}
	if earlier(incoming, resting) {
		return incoming.Price()
	}
	return resting.Price()
}

func earlier(a, b *storage.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
