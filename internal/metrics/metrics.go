// Package metrics exposes Prometheus collectors for the ingestion pipeline
// and the retrieval engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestPagesTotal       *prometheus.CounterVec
	ingestChunksTotal      prometheus.Counter
	ingestDedupSkipsTotal  prometheus.Counter
	ingestJobsTotal        *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	searchDurationSeconds  *prometheus.HistogramVec
	rateLimitDelaysSeconds *prometheus.HistogramVec
	embeddingRequestsTotal *prometheus.CounterVec
	activeWorkers          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		ingestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pages_total",
				Help: "Total pages and files processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		ingestChunksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_chunks_total",
				Help: "Total chunks persisted.",
			},
		)

		ingestDedupSkipsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_dedup_skips_total",
				Help: "Total documents skipped because their content hash was unchanged.",
			},
		)

		ingestJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Total jobs finished, labeled by kind and final state.",
			},
			[]string{"kind", "state"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		searchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_duration_seconds",
				Help:    "Histogram of search latencies, labeled by mode.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"mode"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		embeddingRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedding_requests_total",
				Help: "Total embedding provider calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL for use as a label.
// Returns "unknown" for unparseable input.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one processed page or file.
func ObservePage(site, status string) {
	if ingestPagesTotal == nil {
		return
	}
	ingestPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveChunks counts persisted chunks.
func ObserveChunks(n int) {
	if ingestChunksTotal == nil || n <= 0 {
		return
	}
	ingestChunksTotal.Add(float64(n))
}

// ObserveDedupSkip counts a dedup short-circuit.
func ObserveDedupSkip() {
	if ingestDedupSkipsTotal == nil {
		return
	}
	ingestDedupSkipsTotal.Inc()
}

// ObserveJob counts a finished job.
func ObserveJob(kind, state string) {
	if ingestJobsTotal == nil {
		return
	}
	ingestJobsTotal.WithLabelValues(kind, state).Inc()
}

// ObserveHTTPRequest counts one API request.
func ObserveHTTPRequest(method string, code int) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveSearch records a search latency sample.
func ObserveSearch(mode string, duration time.Duration) {
	if searchDurationSeconds == nil {
		return
	}
	searchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveEmbedding counts an embedding provider call.
func ObserveEmbedding(outcome string) {
	if embeddingRequestsTotal == nil {
		return
	}
	embeddingRequestsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}
