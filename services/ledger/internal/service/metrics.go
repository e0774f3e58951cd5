package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Recalculations    *prometheus.CounterVec
	OversellWarnings  prometheus.Counter
	PublishFailures   *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total ledger operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		Recalculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_position_recalculations_total",
				Help: "Total holding recalculations by mode.",
			},
			[]string{"mode"},
		),
		OversellWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_oversell_warnings_total",
				Help: "Total sells clamped to the held quantity during rebuilds.",
			},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_event_publish_failures_total",
				Help: "Total ledger events that failed to publish.",
			},
			[]string{"event"},
		),
	}

	registry.MustRegister(
		m.Operations,
		m.OperationDuration,
		m.Recalculations,
		m.OversellWarnings,
		m.PublishFailures,
	)
	return m
}

func (m *Metrics) ObserveOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) IncRecalculation(mode string) {
	if m == nil {
		return
	}
	m.Recalculations.WithLabelValues(mode).Inc()
}

func (m *Metrics) AddOversellWarnings(n int) {
	if m == nil || n == 0 {
		return
	}
	m.OversellWarnings.Add(float64(n))
}

func (m *Metrics) IncPublishFailure(event string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(event).Inc()
}
