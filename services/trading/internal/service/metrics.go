package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sharex/sharex/libs/metrics"
)

// Metrics implements both engine.Metrics and events.Metrics so the whole
// trading path reports into one registry.
type Metrics struct {
	OrderSubmissions   *prometheus.CounterVec
	OrderCancellations *prometheus.CounterVec
	PassDuration       *prometheus.HistogramVec
	TradesExecuted     *prometheus.CounterVec
	SettlementSkips    *prometheus.CounterVec
	TxRetries          *prometheus.CounterVec
	OrdersExpired      prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	InstrumentUpdates  *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "order_submissions_total",
				Help:      "Total order submissions by outcome.",
			},
			[]string{"outcome"},
		),
		OrderCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "order_cancellations_total",
				Help:      "Total order cancellation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		PassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Name:      "engine_pass_duration_seconds",
				Help:      "Duration of engine transactions in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op", "outcome"},
		),
		TradesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "trades_executed_total",
				Help:      "Total trades settled.",
			},
			[]string{"instrument"},
		),
		SettlementSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "settlement_skips_total",
				Help:      "Candidates skipped during settlement.",
			},
			[]string{"reason"},
		),
		TxRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "tx_retries_total",
				Help:      "Transactions retried after a serialization failure.",
			},
			[]string{"op"},
		),
		OrdersExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "orders_expired_total",
				Help:      "Total orders expired by the sweeper.",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "events_published_total",
				Help:      "Events delivered to each sink.",
			},
			[]string{"sink", "type", "status"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the outbound queue was full.",
			},
			[]string{"type"},
		),
		InstrumentUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "instrument_updates_total",
				Help:      "Instrument status messages processed.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.OrderSubmissions,
		m.OrderCancellations,
		m.PassDuration,
		m.TradesExecuted,
		m.SettlementSkips,
		m.TxRetries,
		m.OrdersExpired,
		m.EventsPublished,
		m.EventsDropped,
		m.InstrumentUpdates,
	)
	return m
}

func (m *Metrics) ObservePass(op, outcome string, duration time.Duration) {
	m.PassDuration.WithLabelValues(op, outcome).Observe(duration.Seconds())
}

func (m *Metrics) ObserveTrades(instrument string, count int) {
	m.TradesExecuted.WithLabelValues(instrument).Add(float64(count))
}

func (m *Metrics) IncSettlementSkip(reason string) {
	m.SettlementSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncTxRetry(op string) {
	m.TxRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) IncPublished(sink, eventType, status string) {
	m.EventsPublished.WithLabelValues(sink, eventType, status).Inc()
}

func (m *Metrics) IncDropped(eventType string) {
	m.EventsDropped.WithLabelValues(eventType).Inc()
}
