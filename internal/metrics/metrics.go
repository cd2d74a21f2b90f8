// Package metrics exposes Prometheus instrumentation for the recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the recorder. It satisfies
// store.MetricsHook.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	appendsTotal      prometheus.Counter
	appendFailures    prometheus.Counter
	appendBytes       prometheus.Counter
	appendDuration    prometheus.Histogram
	skippedLinesTotal prometheus.Counter
	manifestsTotal    *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

// New creates and registers the recorder metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsrec_requests_total",
			Help: "HTTP requests received, by route pattern and method",
		}, []string{"route", "method"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsrec_errors_total",
			Help: "HTTP responses with status >= 400, by route pattern and status class",
		}, []string{"route", "class"}),
		appendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsrec_entries_appended_total",
			Help: "Total number of entries appended to session logs",
		}),
		appendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsrec_entry_write_failures_total",
			Help: "Entries indexed in memory whose log write or sync failed",
		}),
		appendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsrec_segment_bytes_total",
			Help: "Sum of segment sizes reported by appended entries",
		}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hlsrec_append_duration_seconds",
			Help:    "Time spent writing and syncing one entry",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		skippedLinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsrec_replay_skipped_lines_total",
			Help: "Malformed log lines skipped during replay",
		}),
		manifestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsrec_manifests_total",
			Help: "Manifests rendered, by playlist type",
		}, []string{"type"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hlsrec_active_sessions",
			Help: "Number of open recording sessions",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.appendsTotal,
		m.appendFailures,
		m.appendBytes,
		m.appendDuration,
		m.skippedLinesTotal,
		m.manifestsTotal,
		m.activeSessions,
	)

	return m
}

// ObserveAppend records one append attempt.
func (m *Metrics) ObserveAppend(elapsed time.Duration, bytes uint64, failed bool) {
	m.appendsTotal.Inc()
	m.appendBytes.Add(float64(bytes))
	m.appendDuration.Observe(elapsed.Seconds())
	if failed {
		m.appendFailures.Inc()
	}
}

// ObserveSkippedLine records one malformed line found during replay.
func (m *Metrics) ObserveSkippedLine() {
	m.skippedLinesTotal.Inc()
}

// IncManifests counts a rendered manifest.
func (m *Metrics) IncManifests(vod bool) {
	if vod {
		m.manifestsTotal.WithLabelValues("vod").Inc()
		return
	}
	m.manifestsTotal.WithLabelValues("event").Inc()
}

// ObserveRequest counts one served request. route is the matched route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(route, method string, status int) {
	m.requestsTotal.WithLabelValues(route, method).Inc()
	switch {
	case status >= 500:
		m.errorsTotal.WithLabelValues(route, "5xx").Inc()
	case status >= 400:
		m.errorsTotal.WithLabelValues(route, "4xx").Inc()
	}
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
