// Package metrics exposes Prometheus collectors for the relay.
//
// A nil *Metrics is valid and records nothing, so components can be built
// in tests without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "synochat_relay"

// Metrics bundles the relay collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	TransportAttempts *prometheus.CounterVec
	Events            *prometheus.CounterVec
	ProviderCalls     *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	SweptTotal        prometheus.Counter
	Conversations     prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TransportAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "Outbound HTTP attempts by outcome.",
		}, []string{"outcome"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound webhook events by terminal outcome.",
		}, []string{"outcome"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Backend exchanges by provider and result kind.",
		}, []string{"provider", "result"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Backend exchange latency, retries included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		SweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "expired_total",
			Help:      "Conversations removed by the expiry sweep.",
		}),
		Conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "active",
			Help:      "Conversations currently held in memory.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TransportAttempts,
		m.Events,
		m.ProviderCalls,
		m.ProviderLatency,
		m.SweptTotal,
		m.Conversations,
	)
	return m
}

// TransportAttempt counts one outbound HTTP attempt.
func (m *Metrics) TransportAttempt(outcome string) {
	if m == nil {
		return
	}
	m.TransportAttempts.WithLabelValues(outcome).Inc()
}

// Event counts one inbound event by its terminal outcome.
func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

// ProviderCall records a backend exchange.
func (m *Metrics) ProviderCall(provider, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, result).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(took.Seconds())
}

// Swept records a sweep that removed n conversations and left active in the store.
func (m *Metrics) Swept(n, active int) {
	if m == nil {
		return
	}
	m.SweptTotal.Add(float64(n))
	m.Conversations.Set(float64(active))
}

// Active sets the number of conversations held in memory.
func (m *Metrics) Active(n int) {
	if m == nil {
		return
	}
	m.Conversations.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
