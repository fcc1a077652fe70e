package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sharex/sharex/services/trading/internal/events"
)

// ExpirySweeper periodically expires limit orders whose expiry has passed.
type ExpirySweeper struct {
	engine   Engine
	events   EventQueue
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *Metrics
}

func NewExpirySweeper(eng Engine, queue EventQueue, interval time.Duration, batch int, logger *slog.Logger, metrics *Metrics) *ExpirySweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		engine:   eng,
		events:   queue,
		interval: interval,
		batch:    batch,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep expires due orders batch by batch until a short batch signals the
// backlog is cleared. It returns the number of orders expired.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := s.engine.ExpireDue(ctx)
		if err != nil {
			return total, err
		}
		total += len(expired)
		if len(expired) > 0 {
			if s.metrics != nil {
				s.metrics.OrdersExpired.Add(float64(len(expired)))
			}
			if s.events != nil {
				s.events.Enqueue(events.FromOrders(expired)...)
			}
		}
		if s.batch <= 0 || len(expired) < s.batch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("orders expired", "count", total)
	}
	return total, nil
}
