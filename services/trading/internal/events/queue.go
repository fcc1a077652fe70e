package events

import (
	"context"
	"log/slog"
	"time"
)

const drainTimeout = 5 * time.Second

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

type Metrics interface {
	IncPublished(sink, eventType, status string)
	IncDropped(eventType string)
}

// Queue decouples event delivery from the transactions that produce them.
// Enqueue never blocks: when the buffer is full the event is dropped.
type Queue struct {
	ch      chan Event
	sinks   []Sink
	logger  *slog.Logger
	metrics Metrics
}

func NewQueue(buffer int, logger *slog.Logger, metrics Metrics, sinks ...Sink) *Queue {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Queue{
		ch:      make(chan Event, buffer),
		sinks:   sinks,
		logger:  logger,
		metrics: metrics,
	}
}

func (q *Queue) Enqueue(events ...Event) {
	for _, ev := range events {
		select {
		case q.ch <- ev:
		default:
			q.metrics.IncDropped(ev.Type)
			q.logger.Warn("event queue full, dropping event", "type", ev.Type, "key", ev.Key)
		}
	}
}

// Run delivers events until ctx is cancelled, then flushes what is still
// buffered within a bounded time.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case ev := <-q.ch:
			q.deliver(ctx, ev)
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-q.ch:
			q.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, ev Event) {
	for _, sink := range q.sinks {
		status := "ok"
		if err := sink.Publish(ctx, ev); err != nil {
			status = "error"
			q.logger.Error("publish event failed", "sink", sink.Name(), "type", ev.Type, "key", ev.Key, "error", err)
		}
		q.metrics.IncPublished(sink.Name(), ev.Type, status)
	}
}

// Len reports how many events are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

type noopMetrics struct{}

func (noopMetrics) IncPublished(string, string, string) {}
func (noopMetrics) IncDropped(string)                   {}
