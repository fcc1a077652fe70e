package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/sharex/sharex/libs/kafka"
	"github.com/sharex/sharex/services/trading/internal/service"
	"github.com/sharex/sharex/services/trading/internal/storage"
)

const instrumentStatusEventType = "instrument.status"

// InstrumentStatusEvent is published by the listing workflow when an
// instrument is listed, halted or reopened.
type InstrumentStatusEvent struct {
	kafka.Envelope
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Price  string `json:"price,omitempty"`
}

type Store interface {
	UpsertInstrument(ctx context.Context, inst storage.Instrument) error
}

type InstrumentConsumer struct {
	store   Store
	logger  *slog.Logger
	metrics *service.Metrics
}

func NewInstrumentConsumer(store Store, logger *slog.Logger, metrics *service.Metrics) *InstrumentConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstrumentConsumer{store: store, logger: logger, metrics: metrics}
}

// HandleMessage applies one status update. Malformed payloads go straight
// to the dead-letter topic; store failures are retried by the consumer.
func (c *InstrumentConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("empty kafka message"), kafka.ReasonInvalidPayload)
	}

	var event InstrumentStatusEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.record("invalid")
		return kafka.DLQ(fmt.Errorf("decode instrument.status: %w", err), kafka.ReasonInvalidPayload)
	}
	inst, err := event.toInstrument()
	if err != nil {
		c.record("invalid")
		return kafka.DLQ(err, kafka.ReasonInvalidPayload)
	}

	if err := c.store.UpsertInstrument(ctx, inst); err != nil {
		c.record("error")
		return fmt.Errorf("upsert instrument %s: %w", inst.Symbol, err)
	}
	c.logger.Info("instrument status applied", "symbol", inst.Symbol, "status", inst.Status, "event_id", event.EventID)
	c.record(inst.Status)
	return nil
}

func (e *InstrumentStatusEvent) toInstrument() (storage.Instrument, error) {
	if err := e.Envelope.Validate(); err != nil {
		return storage.Instrument{}, err
	}
	if e.EventType != instrumentStatusEventType {
		return storage.Instrument{}, fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	symbol := strings.ToUpper(strings.TrimSpace(e.Symbol))
	if symbol == "" {
		return storage.Instrument{}, fmt.Errorf("symbol is required")
	}
	status := strings.ToLower(strings.TrimSpace(e.Status))
	if status != storage.InstrumentStatusOpen && status != storage.InstrumentStatusHalted {
		return storage.Instrument{}, fmt.Errorf("status must be open or halted")
	}

	inst := storage.Instrument{
		Symbol: symbol,
		Name:   strings.TrimSpace(e.Name),
		Status: status,
		Price:  decimal.Zero,
	}
	if raw := strings.TrimSpace(e.Price); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil || price.IsNegative() {
			return storage.Instrument{}, fmt.Errorf("price must be a non-negative decimal")
		}
		inst.Price = price
	}
	if !e.Timestamp.IsZero() {
		inst.UpdatedAt = e.Timestamp.UTC()
	}
	return inst, nil
}

func (c *InstrumentConsumer) record(status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.InstrumentUpdates.WithLabelValues(status).Inc()
}
