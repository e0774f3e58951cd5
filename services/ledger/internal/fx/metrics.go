package fx

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Resolutions      *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_rate_resolutions_total",
				Help: "Total exchange rate resolutions by answering tier.",
			},
			[]string{"tier"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_provider_calls_total",
				Help: "Total live rate provider calls.",
			},
			[]string{"provider", "status"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fx_provider_call_duration_seconds",
				Help:    "Live rate provider call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(m.Resolutions, m.ProviderCalls, m.ProviderDuration)
	return m
}

func (m *Metrics) IncResolution(tier Tier) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(tier.String()).Inc()
}

func (m *Metrics) ObserveProviderCall(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, status).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
