// Package metrics exposes Prometheus instrumentation plus a rolling latency
// window for the health endpoint's percentile report.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const latencyWindowSize = 200

// Metrics bundles the gateway's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
	RequestSeconds *prometheus.HistogramVec
	FirstByteMs    prometheus.Histogram
	BreakersOpen   prometheus.Gauge
	RateLimited    prometheus.Counter

	mu      sync.Mutex
	samples []float64 // ring of recent request durations (ms)
	next    int
	filled  bool
}

// New creates and registers the gateway metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_requests_total",
			Help: "Gateway requests by path and status code.",
		}, []string{"path", "status"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_upstream_errors_total",
			Help: "Upstream failures by provider and class.",
		}, []string{"provider", "class"}),
		RequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermes_request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		FirstByteMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hermes_stream_first_byte_ms",
			Help:    "Time to first streamed byte.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		BreakersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hermes_breakers_open",
			Help: "Number of providers currently in the open circuit state.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		samples: make([]float64, latencyWindowSize),
	}

	registry.MustRegister(m.RequestsTotal, m.UpstreamErrors, m.RequestSeconds, m.FirstByteMs, m.BreakersOpen, m.RateLimited)
	return m
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLatency records one request duration into the rolling window.
func (m *Metrics) ObserveLatency(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[m.next] = ms
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
}

// Percentiles reports P50/P90/P99 over the rolling window, in milliseconds.
func (m *Metrics) Percentiles() (p50, p90, p99 float64) {
	m.mu.Lock()
	n := m.next
	if m.filled {
		n = len(m.samples)
	}
	window := append([]float64(nil), m.samples[:n]...)
	m.mu.Unlock()

	if len(window) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(window)
	return pick(window, 0.5), pick(window, 0.9), pick(window, 0.99)
}

func pick(sorted []float64, q float64) float64 {
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
