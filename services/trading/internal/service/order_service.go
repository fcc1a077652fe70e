package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sharex/sharex/services/trading/internal/engine"
	"github.com/sharex/sharex/services/trading/internal/events"
	"github.com/sharex/sharex/services/trading/internal/storage"
)

var ErrInstrumentNotFound = errors.New("instrument not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Engine interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error)
	Cancel(ctx context.Context, orderID, requesterID uuid.UUID) (*storage.Order, error)
	ExpireDue(ctx context.Context) ([]storage.Order, error)
}

// ReadStore is the read side of the order store.
type ReadStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, ownerID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, error)
	OpenOrders(ctx context.Context, instrument string) ([]storage.Order, error)
	ListTradesForOrder(ctx context.Context, orderID uuid.UUID) ([]storage.Trade, error)
	ListTrades(ctx context.Context, instrument string, limit int) ([]storage.Trade, error)
	ListHoldings(ctx context.Context, ownerID uuid.UUID) ([]storage.Holding, error)
	GetBalance(ctx context.Context, ownerID uuid.UUID) (storage.Balance, error)
	GetInstrument(ctx context.Context, symbol string) (*storage.Instrument, error)
	ListPriceTicks(ctx context.Context, symbol string, limit int) ([]storage.PriceTick, error)
}

// EventQueue takes events for delivery after the producing transaction commits.
type EventQueue interface {
	Enqueue(evs ...events.Event)
}

type OrderService struct {
	engine  Engine
	store   ReadStore
	events  EventQueue
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewOrderService(eng Engine, store ReadStore, queue EventQueue, logger *slog.Logger, metrics *Metrics) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		engine:  eng,
		store:   store,
		events:  queue,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *OrderService) Submit(ctx context.Context, req engine.SubmitRequest) (*engine.SubmitResult, error) {
	res, err := s.engine.Submit(ctx, req)
	if s.metrics != nil {
		s.metrics.OrderSubmissions.WithLabelValues(outcomeLabel(err)).Inc()
	}
	if err != nil {
		return nil, err
	}
	s.publish(events.FromSubmit(res)...)
	return res, nil
}

func (s *OrderService) Cancel(ctx context.Context, ownerID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.engine.Cancel(ctx, orderID, ownerID)
	if s.metrics != nil {
		s.metrics.OrderCancellations.WithLabelValues(outcomeLabel(err)).Inc()
	}
	if err != nil {
		return nil, err
	}
	s.publish(events.FromOrders([]storage.Order{*order})...)
	return order, nil
}

// GetOrder returns the order only to its owner; to anyone else it does not exist.
func (s *OrderService) GetOrder(ctx context.Context, ownerID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, engine.ErrOrderNotFound
		}
		return nil, err
	}
	if order.OwnerID != ownerID {
		return nil, engine.ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, ownerID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, error) {
	filter.Instrument = strings.ToUpper(strings.TrimSpace(filter.Instrument))
	filter.Status = strings.ToLower(strings.TrimSpace(filter.Status))
	filter.Limit = clampLimit(filter.Limit)
	return s.store.ListOrders(ctx, ownerID, filter)
}

func (s *OrderService) TradesForOrder(ctx context.Context, ownerID, orderID uuid.UUID) ([]storage.Trade, error) {
	if _, err := s.GetOrder(ctx, ownerID, orderID); err != nil {
		return nil, err
	}
	return s.store.ListTradesForOrder(ctx, orderID)
}

func (s *OrderService) Holdings(ctx context.Context, ownerID uuid.UUID) ([]storage.Holding, error) {
	return s.store.ListHoldings(ctx, ownerID)
}

func (s *OrderService) Balance(ctx context.Context, ownerID uuid.UUID) (storage.Balance, error) {
	return s.store.GetBalance(ctx, ownerID)
}

func (s *OrderService) Instrument(ctx context.Context, symbol string) (*storage.Instrument, error) {
	inst, err := s.store.GetInstrument(ctx, normalizeSymbol(symbol))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInstrumentNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *OrderService) PriceTicks(ctx context.Context, symbol string, limit int) ([]storage.PriceTick, error) {
	inst, err := s.Instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return s.store.ListPriceTicks(ctx, inst.Symbol, clampLimit(limit))
}

func (s *OrderService) RecentTrades(ctx context.Context, symbol string, limit int) ([]storage.Trade, error) {
	inst, err := s.Instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return s.store.ListTrades(ctx, inst.Symbol, clampLimit(limit))
}

// Book aggregates the instrument's live limit orders. depth <= 0 keeps every level.
func (s *OrderService) Book(ctx context.Context, symbol string, depth int) (engine.BookView, error) {
	inst, err := s.Instrument(ctx, symbol)
	if err != nil {
		return engine.BookView{}, err
	}
	orders, err := s.store.OpenOrders(ctx, inst.Symbol)
	if err != nil {
		return engine.BookView{}, fmt.Errorf("load open orders: %w", err)
	}
	return engine.BuildBookView(inst.Symbol, orders, s.now()).Depth(depth), nil
}

func (s *OrderService) publish(evs ...events.Event) {
	if s.events == nil || len(evs) == 0 {
		return
	}
	s.events.Enqueue(evs...)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := engine.CodeOf(err); ok {
		return strings.ToLower(string(code))
	}
	return "error"
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
