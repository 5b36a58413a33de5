// Package metrics defines the Prometheus collectors the recorder and
// aggregator export, and the shared helper for serving them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds every collector the recorder process updates while
// consuming ring-buffer events. It is safe for concurrent use via the
// underlying Prometheus collector types.
type Recorder struct {
	RingFillPercent   prometheus.Gauge
	EventsDropped     *prometheus.CounterVec
	PipelineErrors    *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	QueueDepth        prometheus.Gauge
}

// NewRecorder constructs and registers the recorder's collectors against
// registry. Passing prometheus.NewRegistry() (rather than the global
// DefaultRegisterer) keeps tests free of cross-test collector collisions.
func NewRecorder(registry prometheus.Registerer) *Recorder {
	m := &Recorder{
		RingFillPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mina_recorder",
			Name:      "ring_fill_percent",
			Help:      "Most recently observed fill percentage of the eBPF ring buffer.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mina_recorder",
			Name:      "events_dropped_total",
			Help:      "Events discarded before reaching the demultiplexer, by reason.",
		}, []string{"reason"}),
		PipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mina_recorder",
			Name:      "pipeline_errors_total",
			Help:      "Connection pipeline errors, by layer.",
		}, []string{"layer"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mina_recorder",
			Name:      "connections_active",
			Help:      "Number of connections currently tracked by the demultiplexer.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mina_recorder",
			Name:      "queue_depth",
			Help:      "Number of rows waiting in the local durable queue to ship upstream.",
		}),
	}

	registry.MustRegister(
		m.RingFillPercent,
		m.EventsDropped,
		m.PipelineErrors,
		m.ConnectionsActive,
		m.QueueDepth,
	)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
