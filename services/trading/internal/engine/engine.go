package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sharex/sharex/libs/trace"
	"github.com/sharex/sharex/services/trading/internal/storage"
)

// TxBeginner opens serializable transactions on the order store.
type TxBeginner interface {
	Begin(ctx context.Context) (storage.Tx, error)
}

type Metrics interface {
	ObservePass(op, outcome string, duration time.Duration)
	ObserveTrades(instrument string, count int)
	IncSettlementSkip(reason string)
	IncTxRetry(op string)
}

type Config struct {
	Fees              FeeSchedule
	PlatformAccountID uuid.UUID
	MinQuantity       int64
	MaxQuantity       int64
	DefaultExpiry     time.Duration
	// MaxPriceDeviation is the largest allowed |limit-ref|/ref. Zero disables the check.
	MaxPriceDeviation decimal.Decimal
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	ExpiryBatch       int
}

func DefaultConfig() Config {
	return Config{
		Fees:              FeeSchedule{Rate: decimal.RequireFromString("0.005"), Places: 2},
		PlatformAccountID: uuid.MustParse("00000000-0000-0000-0000-0000000000fe"),
		MinQuantity:       1,
		MaxQuantity:       1_000_000,
		DefaultExpiry:     30 * 24 * time.Hour,
		MaxPriceDeviation: decimal.RequireFromString("0.5"),
		RetryAttempts:     3,
		RetryBaseDelay:    50 * time.Millisecond,
		ExpiryBatch:       500,
	}
}

type SubmitRequest struct {
	OrderID    uuid.UUID
	OwnerID    uuid.UUID
	Instrument string
	Kind       string
	Side       string
	Quantity   int64
	LimitPrice *decimal.Decimal
	ExpiresAt  *time.Time
}

type SubmitResult struct {
	Order  storage.Order
	Trades []storage.Trade
	// Resting holds the opposing orders filled by this pass, after the fill.
	Resting []storage.Order
}

type Engine struct {
	store   TxBeginner
	cfg     Config
	fees    FeeSchedule
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store TxBeginner, cfg Config, logger *slog.Logger, metrics Metrics, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	e := &Engine{
		store:   store,
		cfg:     cfg,
		fees:    cfg.Fees,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Fees() FeeSchedule { return e.fees }

// Submit validates, persists and matches one incoming order in a single
// serializable transaction.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	ctx, span := trace.Start(ctx, "engine.Submit",
		attribute.String("instrument", req.Instrument),
		attribute.String("side", req.Side),
		attribute.String("kind", req.Kind),
		attribute.Int64("quantity", req.Quantity),
	)
	start := time.Now()
	defer func() {
		e.metrics.ObservePass("submit", outcomeOf(err), time.Since(start))
		trace.End(span, err)
	}()

	if err := e.validate(&req); err != nil {
		return nil, err
	}
	if req.OrderID == uuid.Nil {
		req.OrderID = uuid.New()
	}

	err = e.runInTx(ctx, "submit", func(ctx context.Context, tx storage.Tx) error {
		now := e.now()
		inst, err := tx.GetInstrument(ctx, req.Instrument)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return newError(ErrInstrumentNotTradable, "unknown instrument %s", req.Instrument)
			}
			return fmt.Errorf("load instrument: %w", err)
		}
		if !inst.Tradable() {
			return newError(ErrInstrumentNotTradable, "instrument %s is %s", inst.Symbol, inst.Status)
		}
		if req.Kind == storage.KindLimit {
			if err := e.checkDeviation(*req.LimitPrice, inst.Price); err != nil {
				return err
			}
		}

		order := e.newOrder(req, now)
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		pass, err := e.matchPass(ctx, tx, order, now)
		if err != nil {
			return err
		}
		if order.Kind == storage.KindMarket {
			if pass.eligible == 0 {
				return ErrNoLiquidity
			}
			closeMarketRemainder(order, now)
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return fmt.Errorf("update incoming order: %w", err)
		}

		res = &SubmitResult{Order: *order, Trades: pass.trades, Resting: pass.resting}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(res.Trades) > 0 {
		e.metrics.ObserveTrades(res.Order.Instrument, len(res.Trades))
	}
	span.SetAttributes(
		attribute.String("order_id", res.Order.ID.String()),
		attribute.String("status", res.Order.Status),
		attribute.Int("trades", len(res.Trades)),
	)
	e.logger.Info("order processed",
		"order_id", res.Order.ID,
		"instrument", res.Order.Instrument,
		"side", res.Order.Side,
		"kind", res.Order.Kind,
		"status", res.Order.Status,
		"filled", res.Order.Filled,
		"trades", len(res.Trades),
	)
	return res, nil
}

// Cancel closes an open order on behalf of its owner.
func (e *Engine) Cancel(ctx context.Context, orderID, requesterID uuid.UUID) (out *storage.Order, err error) {
	ctx, span := trace.Start(ctx, "engine.Cancel", attribute.String("order_id", orderID.String()))
	start := time.Now()
	defer func() {
		e.metrics.ObservePass("cancel", outcomeOf(err), time.Since(start))
		trace.End(span, err)
	}()

	err = e.runInTx(ctx, "cancel", func(ctx context.Context, tx storage.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("load order: %w", err)
		}
		if order.OwnerID != requesterID {
			return ErrUnauthorized
		}
		if err := Cancel(order, e.now()); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("order cancelled", "order_id", out.ID, "filled", out.Filled, "cancelled", out.Cancelled)
	return out, nil
}

// ExpireDue expires limit orders whose expiry has passed, one batch per call.
func (e *Engine) ExpireDue(ctx context.Context) (expired []storage.Order, err error) {
	ctx, span := trace.Start(ctx, "engine.ExpireDue")
	start := time.Now()
	defer func() {
		e.metrics.ObservePass("expire", outcomeOf(err), time.Since(start))
		trace.End(span, err)
	}()

	err = e.runInTx(ctx, "expire", func(ctx context.Context, tx storage.Tx) error {
		expired = nil
		now := e.now()
		due, err := tx.DueForExpiry(ctx, now, e.cfg.ExpiryBatch)
		if err != nil {
			return fmt.Errorf("load expired orders: %w", err)
		}
		for i := range due {
			if err := Expire(&due[i], now); err != nil {
				return err
			}
			if err := tx.UpdateOrder(ctx, &due[i]); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			expired = append(expired, due[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (e *Engine) validate(req *SubmitRequest) error {
	req.Instrument = strings.ToUpper(strings.TrimSpace(req.Instrument))
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	req.Side = strings.ToLower(strings.TrimSpace(req.Side))

	if req.Kind != storage.KindMarket && req.Kind != storage.KindLimit {
		return ErrInvalidOrderType
	}
	if req.Side != storage.SideBuy && req.Side != storage.SideSell {
		return ErrInvalidSide
	}
	if req.Instrument == "" {
		return newError(ErrInstrumentNotTradable, "instrument is required")
	}
	if req.Quantity < e.cfg.MinQuantity || req.Quantity <= 0 {
		return newError(ErrInvalidQuantity, "quantity must be at least %d", max(e.cfg.MinQuantity, 1))
	}
	if e.cfg.MaxQuantity > 0 && req.Quantity > e.cfg.MaxQuantity {
		return newError(ErrInvalidQuantity, "quantity must be at most %d", e.cfg.MaxQuantity)
	}

	if req.Kind == storage.KindMarket {
		if req.LimitPrice != nil {
			return newError(ErrInvalidPrice, "market orders do not take a limit price")
		}
		req.ExpiresAt = nil
		return nil
	}

	if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
		return newError(ErrInvalidPrice, "limit orders require a positive price")
	}
	if !req.LimitPrice.Equal(e.fees.Round(*req.LimitPrice)) {
		return newError(ErrInvalidPrice, "price has more than %d decimal places", e.fees.Places)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(e.now()) {
		return newError(ErrInvalidExpiry, "expiry must be in the future")
	}
	return nil
}

func (e *Engine) checkDeviation(price, reference decimal.Decimal) error {
	if !e.cfg.MaxPriceDeviation.IsPositive() || !reference.IsPositive() {
		return nil
	}
	deviation := price.Sub(reference).Abs().Div(reference)
	if deviation.GreaterThan(e.cfg.MaxPriceDeviation) {
		return newError(ErrPriceOutOfRange, "price %s deviates more than %s from reference %s", price, e.cfg.MaxPriceDeviation, reference)
	}
	return nil
}

func (e *Engine) newOrder(req SubmitRequest, now time.Time) *storage.Order {
	order := &storage.Order{
		ID:         req.OrderID,
		OwnerID:    req.OwnerID,
		Instrument: req.Instrument,
		Kind:       req.Kind,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		Status:     storage.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Kind == storage.KindLimit {
		price := *req.LimitPrice
		order.LimitPrice = &price
		switch {
		case req.ExpiresAt != nil:
			exp := req.ExpiresAt.UTC()
			order.ExpiresAt = &exp
		case e.cfg.DefaultExpiry > 0:
			exp := now.Add(e.cfg.DefaultExpiry)
			order.ExpiresAt = &exp
		}
	}
	return order
}

// runInTx runs fn in a fresh transaction, retrying serialization failures
// with exponential backoff until the attempt budget is spent.
func (e *Engine) runInTx(ctx context.Context, op string, fn func(context.Context, storage.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		err := e.inTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !storage.IsSerializationFailure(err) {
			return err
		}
		lastErr = err
		e.metrics.IncTxRetry(op)
		e.logger.Warn("transaction conflict", "op", op, "attempt", attempt, "error", err)
		if attempt == e.cfg.RetryAttempts {
			break
		}

		timer := time.NewTimer(e.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &Error{
		Code:    CodeTradeExecutionFailed,
		Message: fmt.Sprintf("%s failed after %d attempts", op, e.cfg.RetryAttempts),
		Err:     lastErr,
	}
}

func (e *Engine) inTx(ctx context.Context, fn func(context.Context, storage.Tx) error) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (e *Engine) backoff(attempt int) time.Duration {
	base := e.cfg.RetryBaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	return base << (attempt - 1)
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := CodeOf(err); ok {
		return strings.ToLower(string(code))
	}
	return "error"
}

type noopMetrics struct{}

func (noopMetrics) ObservePass(string, string, time.Duration) {}
func (noopMetrics) ObserveTrades(string, int)                 {}
func (noopMetrics) IncSettlementSkip(string)                  {}
func (noopMetrics) IncTxRetry(string)                         {}
