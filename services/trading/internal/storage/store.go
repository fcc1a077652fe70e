package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrSerialization = errors.New("serialization failure")
	ErrTxDone        = errors.New("transaction already closed")
)

// Store is the order store. Every write goes through a Tx opened by Begin,
// which runs at serializable isolation.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error

	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, ownerID uuid.UUID, filter OrderFilter) ([]Order, error)
	OpenOrders(ctx context.Context, instrument string) ([]Order, error)
	ListTradesForOrder(ctx context.Context, orderID uuid.UUID) ([]Trade, error)
	ListTrades(ctx context.Context, instrument string, limit int) ([]Trade, error)
	ListHoldings(ctx context.Context, ownerID uuid.UUID) ([]Holding, error)
	GetBalance(ctx context.Context, ownerID uuid.UUID) (Balance, error)
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	ListPriceTicks(ctx context.Context, symbol string, limit int) ([]PriceTick, error)
	UpsertInstrument(ctx context.Context, inst Instrument) error
}

// Tx is one serializable unit of work. Rollback after Commit is a no-op.
type Tx interface {
	InsertOrder(ctx context.Context, order *Order) error
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	UpdateOrder(ctx context.Context, order *Order) error
	MatchCandidates(ctx context.Context, q CandidateQuery) ([]Order, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]Order, error)

	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	UpdateInstrumentPrice(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error
	InsertPriceTick(ctx context.Context, tick *PriceTick) error

	GetBalanceForUpdate(ctx context.Context, ownerID uuid.UUID) (*Balance, error)
	UpdateBalance(ctx context.Context, balance *Balance) error
	GetHoldingForUpdate(ctx context.Context, ownerID uuid.UUID, instrument string) (*Holding, error)
	UpsertHolding(ctx context.Context, holding *Holding) error
	InsertTrade(ctx context.Context, trade *Trade) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// IsSerializationFailure reports whether err is a transaction conflict that
// is safe to retry from the start.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSerialization) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
