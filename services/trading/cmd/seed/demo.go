package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharex/sharex/services/trading/internal/storage"
)

var (
	demoOwnerID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderOwnerID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

var demoInstruments = []storage.Instrument{
	{Symbol: "ACME", Name: "Acme Corp", Price: decimal.RequireFromString("10.00"), Status: storage.InstrumentStatusOpen},
	{Symbol: "GLOBX", Name: "Globex Holdings", Price: decimal.RequireFromString("25.50"), Status: storage.InstrumentStatusOpen},
	{Symbol: "INITE", Name: "Initech", Price: decimal.RequireFromString("4.20"), Status: storage.InstrumentStatusHalted},
}

type demoPosition struct {
	owner      uuid.UUID
	cash       decimal.Decimal
	instrument string
	shares     int64
	cost       decimal.Decimal
}

var demoPositions = []demoPosition{
	{owner: demoOwnerID, cash: decimal.RequireFromString("10000"), instrument: "ACME", shares: 1000, cost: decimal.RequireFromString("9.50")},
	{owner: traderOwnerID, cash: decimal.RequireFromString("25000"), instrument: "GLOBX", shares: 400, cost: decimal.RequireFromString("24.00")},
}

type seedStore interface {
	Begin(ctx context.Context) (storage.Tx, error)
	UpsertInstrument(ctx context.Context, inst storage.Instrument) error
}

// seedDemo loads the demo book. Balances and holdings are set, not added,
// so running it twice leaves the same state.
func seedDemo(ctx context.Context, store seedStore, now time.Time) error {
	for _, inst := range demoInstruments {
		inst.UpdatedAt = now
		if err := store.UpsertInstrument(ctx, inst); err != nil {
			return fmt.Errorf("seed instrument %s: %w", inst.Symbol, err)
		}
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, p := range demoPositions {
		bal, err := tx.GetBalanceForUpdate(ctx, p.owner)
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		bal.Available = p.cash
		bal.UpdatedAt = now
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return fmt.Errorf("seed balance: %w", err)
		}

		holding, err := tx.GetHoldingForUpdate(ctx, p.owner, p.instrument)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			holding = &storage.Holding{OwnerID: p.owner, Instrument: p.instrument, CreatedAt: now}
		case err != nil:
			return fmt.Errorf("load holding: %w", err)
		}
		holding.Shares = p.shares
		holding.AverageCost = p.cost
		holding.Invested = p.cost.Mul(decimal.NewFromInt(p.shares))
		holding.UpdatedAt = now
		if err := tx.UpsertHolding(ctx, holding); err != nil {
			return fmt.Errorf("seed holding: %w", err)
		}
	}
	return tx.Commit(ctx)
}
