package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharex/sharex/services/trading/internal/storage"
)

// settle moves cash, shares and fees for one match and records the trade,
// the new instrument price and a price tick. Preconditions are checked
// before anything is written, so INSUFFICIENT_* leaves tx untouched.
func (e *Engine) settle(ctx context.Context, tx storage.Tx, buy, sell *storage.Order, qty int64, price decimal.Decimal, now time.Time) (*storage.Trade, error) {
	gross := e.fees.Gross(price, qty)
	buyerFee := e.fees.Fee(gross)
	sellerFee := e.fees.Fee(gross)
	cost := gross.Add(buyerFee)

	buyerBalance, err := tx.GetBalanceForUpdate(ctx, buy.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("lock buyer balance: %w", err)
	}
	if buyerBalance.Available.LessThan(cost) {
		return nil, newError(ErrInsufficientFunds, "buyer %s needs %s, has %s", buy.OwnerID, cost, buyerBalance.Available)
	}

	sellerHolding, err := tx.GetHoldingForUpdate(ctx, sell.OwnerID, sell.Instrument)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lock seller holding: %w", err)
	}
	if sellerHolding == nil || sellerHolding.Shares < qty {
		return nil, newError(ErrInsufficientShares, "seller %s cannot deliver %d shares", sell.OwnerID, qty)
	}

	trade := &storage.Trade{
		ID:          uuid.New(),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.OwnerID,
		SellerID:    sell.OwnerID,
		Instrument:  buy.Instrument,
		Quantity:    qty,
		Price:       price,
		Gross:       gross,
		BuyerFee:    buyerFee,
		SellerFee:   sellerFee,
		ExecutedAt:  now,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	buyerBalance.Available = buyerBalance.Available.Sub(cost)
	buyerBalance.UpdatedAt = now
	if err := tx.UpdateBalance(ctx, buyerBalance); err != nil {
		return nil, fmt.Errorf("debit buyer: %w", err)
	}
	if err := e.credit(ctx, tx, sell.OwnerID, gross.Sub(sellerFee), now); err != nil {
		return nil, fmt.Errorf("credit seller: %w", err)
	}
	if err := e.credit(ctx, tx, e.cfg.PlatformAccountID, buyerFee.Add(sellerFee), now); err != nil {
		return nil, fmt.Errorf("credit platform fee: %w", err)
	}

	sellerHolding.Invested = reduceInvested(sellerHolding.Invested, sellerHolding.Shares, qty)
	sellerHolding.Shares -= qty
	sellerHolding.UpdatedAt = now
	if err := tx.UpsertHolding(ctx, sellerHolding); err != nil {
		return nil, fmt.Errorf("update seller holding: %w", err)
	}

	buyerHolding, err := tx.GetHoldingForUpdate(ctx, buy.OwnerID, buy.Instrument)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("lock buyer holding: %w", err)
		}
		buyerHolding = &storage.Holding{
			OwnerID:    buy.OwnerID,
			Instrument: buy.Instrument,
			Invested:   decimal.Zero,
			CreatedAt:  now,
		}
	}
	buyerHolding.Shares += qty
	buyerHolding.Invested = buyerHolding.Invested.Add(gross)
	buyerHolding.AverageCost = averageCost(buyerHolding.Invested, buyerHolding.Shares)
	buyerHolding.UpdatedAt = now
	if err := tx.UpsertHolding(ctx, buyerHolding); err != nil {
		return nil, fmt.Errorf("update buyer holding: %w", err)
	}

	if err := tx.UpdateInstrumentPrice(ctx, trade.Instrument, price, now); err != nil {
		return nil, fmt.Errorf("update instrument price: %w", err)
	}
	if err := tx.InsertPriceTick(ctx, &storage.PriceTick{
		Instrument: trade.Instrument,
		Price:      price,
		Volume:     qty,
		TradeID:    trade.ID,
		RecordedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("insert price tick: %w", err)
	}

	return trade, nil
}

func (e *Engine) credit(ctx context.Context, tx storage.Tx, ownerID uuid.UUID, amount decimal.Decimal, now time.Time) error {
	if amount.IsZero() {
		return nil
	}
	bal, err := tx.GetBalanceForUpdate(ctx, ownerID)
	if err != nil {
		return err
	}
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = now
	return tx.UpdateBalance(ctx, bal)
}
