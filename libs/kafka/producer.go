package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	Published      *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	DeadLettered   *prometheus.CounterVec
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sharex",
				Subsystem: "kafka",
				Name:      "published_total",
				Help:      "Kafka publish attempts by topic and status.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sharex",
				Subsystem: "kafka",
				Name:      "publish_latency_seconds",
				Help:      "Kafka publish latency by topic.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"topic"},
		),
		DeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sharex",
				Subsystem: "kafka",
				Name:      "dead_lettered_total",
				Help:      "Records written to the dead-letter topic by stage.",
			},
			[]string{"stage"},
		),
	}

	registry.MustRegister(m.Published, m.PublishLatency, m.DeadLettered)
	return m
}

// Publisher writes one JSON record. Values embedding Envelope also get the
// event_id/event_type/event_version record headers.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// DeadLetterPublisher forwards to primary and, when that fails, writes a
// DeadLetter record to the dead-letter topic. The original error is still
// returned so callers can count the failure.
type DeadLetterPublisher struct {
	primary Publisher
	topic   string
	logger  *slog.Logger
	metrics *ProducerMetrics
	now     func() time.Time
}

func NewDeadLetterPublisher(primary Publisher, topic string, logger *slog.Logger, metrics *ProducerMetrics) *DeadLetterPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterPublisher{
		primary: primary,
		topic:   topic,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (p *DeadLetterPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	if p == nil || p.primary == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	err := p.primary.Publish(ctx, topic, key, value)
	if err == nil || p.topic == "" || topic == p.topic {
		return err
	}
	p.write(ctx, publishDeadLetter(topic, key, value, err, p.now()))
	return err
}

// write publishes a dead letter record directly on primary.
func (p *DeadLetterPublisher) write(ctx context.Context, dl DeadLetter) {
	if err := p.primary.Publish(ctx, p.topic, dl.Key, dl); err != nil {
		p.logger.Error("dead letter publish failed", "topic", p.topic, "stage", dl.Stage, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.DeadLettered.WithLabelValues(dl.Stage).Inc()
	}
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "sharex-trading"
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

// Publish keys the record by key so events of one instrument or order keep
// their order within a partition.
func (p *SyncProducer) Publish(ctx context.Context, topic, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal kafka payload: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(payload),
		Headers: recordHeaders(value),
	}

	start := time.Now()
	_, _, err = p.producer.SendMessage(msg)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.Published.WithLabelValues(topic, status).Inc()
		p.metrics.PublishLatency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
