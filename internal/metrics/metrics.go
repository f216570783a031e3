// Package metrics exposes Prometheus instrumentation for the combat engine
// and its realtime delivery layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Operations        *prometheus.CounterVec
	EntriesPublished  prometheus.Counter
	PublishFailures   prometheus.Counter
	FramesDropped     prometheus.Counter
	SubscribersActive prometheus.Gauge
	CombatsActive     prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "combat_operations_total",
			Help: "Combat state machine operations by name and result.",
		}, []string{"op", "result"}),
		EntriesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "combat_log_entries_published_total",
			Help: "Log entries handed to the broadcaster.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "combat_log_publish_failures_total",
			Help: "Log entries that failed to serialize for delivery.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "combat_stream_frames_dropped_total",
			Help: "Frames dropped from slow subscriber queues.",
		}),
		SubscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "combat_stream_subscribers",
			Help: "Currently connected stream subscribers.",
		}),
		CombatsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "combats_active",
			Help: "Combats currently held in memory.",
		}),
	}

	registry.MustRegister(
		m.Operations,
		m.EntriesPublished,
		m.PublishFailures,
		m.FramesDropped,
		m.SubscribersActive,
		m.CombatsActive,
	)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one state machine operation outcome.
func (m *Metrics) RecordOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
}
