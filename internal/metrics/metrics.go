// Package metrics exposes the Prometheus surface of the server process:
// query submissions, cache lease outcomes, fan-out load and the live
// websocket connection count.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors on a private registry so tests can run
// side by side without default-registry collisions.
type Metrics struct {
	registry *prometheus.Registry

	queries      *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	exports      *prometheus.CounterVec

	fanoutTotal   *prometheus.CounterVec
	fanoutBytes   prometheus.Histogram
	fanoutSeconds prometheus.Histogram
}

// New creates the metric set. connections, when non-nil, feeds the live
// websocket connection gauge.
func New(connections func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutor_queries_total",
			Help: "Query submissions by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutor_cache_lookups_total",
			Help: "Fingerprint lease lookups by outcome.",
		}, []string{"outcome"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutor_exports_total",
			Help: "Export jobs by outcome.",
		}, []string{"outcome"}),
		fanoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrutor_fanout_messages_total",
			Help: "Payloads routed by the listener, by action.",
		}, []string{"action"}),
		fanoutBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrutor_fanout_bytes",
			Help:    "Size of routed payloads.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
		fanoutSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrutor_fanout_seconds",
			Help:    "Handling time per routed payload.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queries,
		m.cacheLookups,
		m.exports,
		m.fanoutTotal,
		m.fanoutBytes,
		m.fanoutSeconds,
	)

	if connections != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scrutor_websocket_connections",
			Help: "Live websocket connections.",
		}, func() float64 { return float64(connections()) }))
	}

	return m
}

// ObserveFanout implements the listener's observer contract.
func (m *Metrics) ObserveFanout(action string, bytes int, seconds float64) {
	m.fanoutTotal.WithLabelValues(action).Inc()
	m.fanoutBytes.Observe(float64(bytes))
	m.fanoutSeconds.Observe(seconds)
}

// CountQuery records one query submission outcome
// (accepted, replayed, refused, invalid, error).
func (m *Metrics) CountQuery(outcome string) {
	m.queries.WithLabelValues(outcome).Inc()
}

// CountCacheLookup records one lease lookup outcome (hit, attach, miss).
func (m *Metrics) CountCacheLookup(outcome string) {
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// CountExport records one export outcome (scheduled, complete, failed).
func (m *Metrics) CountExport(outcome string) {
	m.exports.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
