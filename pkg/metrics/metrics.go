// Package metrics defines the Prometheus collectors used by the index
// builder, the index reader and the HTTP lookup service, and exposes an
// HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. The Observe* helpers accept a
// nil receiver so storage code can run without instrumentation.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	PostingsWrittenTotal prometheus.Counter
	PostingBytesTotal    prometheus.Counter
	SegmentsCreatedTotal prometheus.Counter
	CommitsTotal         *prometheus.CounterVec
	CommitDuration       prometheus.Histogram
	IndexTokens          prometheus.Gauge
	IndexSegments        prometheus.Gauge
	LookupsTotal         *prometheus.CounterVec
	LookupLatency        prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	DocsIndexedTotal     prometheus.Counter
	BatchFlushesTotal    *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PostingsWrittenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ivt_postings_written_total",
				Help: "Total posting lists appended to segments.",
			},
		),
		PostingBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ivt_posting_bytes_written_total",
				Help: "Total bytes appended to segment files.",
			},
		),
		SegmentsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ivt_segments_created_total",
				Help: "Total segments created by builders.",
			},
		),
		CommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ivt_commits_total",
				Help: "Total index commits by status.",
			},
			[]string{"status"},
		),
		CommitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ivt_commit_duration_seconds",
				Help:    "Time spent consolidating spools into the offset matrix.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		IndexTokens: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ivt_index_tokens",
				Help: "Distinct tokens in the most recently committed or opened index.",
			},
		),
		IndexSegments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ivt_index_segments",
				Help: "Segments in the most recently committed or opened index.",
			},
		),
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ivt_lookups_total",
				Help: "Total token lookups by result (hit, miss, error).",
			},
			[]string{"result"},
		),
		LookupLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ivt_lookup_latency_seconds",
				Help:    "Token lookup latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of posting cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of posting cache misses.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Total documents accepted by the ingest batcher.",
			},
		),
		BatchFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ivt_batch_flushes_total",
				Help: "Total ingest batch flushes by status.",
			},
			[]string{"status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PostingsWrittenTotal,
		m.PostingBytesTotal,
		m.SegmentsCreatedTotal,
		m.CommitsTotal,
		m.CommitDuration,
		m.IndexTokens,
		m.IndexSegments,
		m.LookupsTotal,
		m.LookupLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocsIndexedTotal,
		m.BatchFlushesTotal,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) ObservePut(bytes int) {
	if m == nil {
		return
	}
	m.PostingsWrittenTotal.Inc()
	m.PostingBytesTotal.Add(float64(bytes))
}

func (m *Metrics) ObserveSegmentCreated() {
	if m == nil {
		return
	}
	m.SegmentsCreatedTotal.Inc()
}

// ObserveCommit records a finished commit. segments and tokens are only
// applied on success.
func (m *Metrics) ObserveCommit(err error, d time.Duration, segments, tokens int) {
	if m == nil {
		return
	}
	if err != nil {
		m.CommitsTotal.WithLabelValues("error").Inc()
		return
	}
	m.CommitsTotal.WithLabelValues("ok").Inc()
	m.CommitDuration.Observe(d.Seconds())
	m.SetIndexShape(segments, tokens)
}

func (m *Metrics) SetIndexShape(segments, tokens int) {
	if m == nil {
		return
	}
	m.IndexSegments.Set(float64(segments))
	m.IndexTokens.Set(float64(tokens))
}

// ObserveLookup records one lookup; result is "hit", "miss" or "error".
func (m *Metrics) ObserveLookup(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(result).Inc()
	m.LookupLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

func (m *Metrics) ObserveFlush(err error, docs int) {
	if m == nil {
		return
	}
	if err != nil {
		m.BatchFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.BatchFlushesTotal.WithLabelValues("ok").Inc()
	m.DocsIndexedTotal.Add(float64(docs))
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
