// Package metrics exposes Prometheus collectors for the scraping service.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	promotionsTotal            prometheus.Counter
	cacheLookupsTotal          *prometheus.CounterVec
	cacheWritesTotal           *prometheus.CounterVec
	cacheStoreInitFailures     *prometheus.CounterVec
	llmCleansTotal             *prometheus.CounterVec
	discoveredURLsTotal        *prometheus.CounterVec
	rateLimitedTotal           *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         prometheus.Histogram
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper
// calls it.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_pages_total",
				Help: "Total number of pages processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_fetches_total",
				Help: "Fetch attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webtomd_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		)

		promotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webtomd_headless_promotions_total",
				Help: "Lightweight fetches promoted to a headless render.",
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_cache_lookups_total",
				Help: "Cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		cacheWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_cache_writes_total",
				Help: "Cache writes, labeled by result (ok, error).",
			},
			[]string{"result"},
		)

		cacheStoreInitFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_cache_store_init_failures_total",
				Help: "Cache store setup steps that failed at startup, labeled by store.",
			},
			[]string{"store"},
		)

		llmCleansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_llm_cleans_total",
				Help: "LLM markdown cleaning calls, labeled by outcome (ok, error).",
			},
			[]string{"outcome"},
		)

		discoveredURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_discovered_urls_total",
				Help: "URLs yielded by discovery, labeled by source.",
			},
			[]string{"source"},
		)

		rateLimitedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_rate_limited_total",
				Help: "Requests denied by the rate limiter, labeled by budget.",
			},
			[]string{"budget"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webtomd_jobs_total",
				Help: "Total number of crawl jobs, labeled by status.",
			},
			[]string{"status"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webtomd_job_duration_seconds",
				Help:    "Histogram of crawl job durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webtomd_active_workers",
				Help: "Number of workers currently processing a page.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts a processed page.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetch records one strategy attempt.
func ObserveFetch(strategy, outcome string, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(strategy, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObservePromotion counts a shell page sent to the headless renderer.
func ObservePromotion() {
	Init()
	promotionsTotal.Inc()
}

// ObserveCacheLookup records a cache read result.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheWrite records a cache write result.
func ObserveCacheWrite(result string) {
	Init()
	cacheWritesTotal.WithLabelValues(result).Inc()
}

// ObserveCacheStoreInitFailure counts a cache store that came up degraded.
func ObserveCacheStoreInitFailure(store string) {
	Init()
	cacheStoreInitFailures.WithLabelValues(store).Inc()
}

// ObserveLLMClean records the outcome of one LLM cleaning call.
func ObserveLLMClean(outcome string) {
	Init()
	llmCleansTotal.WithLabelValues(outcome).Inc()
}

// ObserveDiscovered counts URLs yielded by a discovery source.
func ObserveDiscovered(source string, count int) {
	Init()
	if count > 0 {
		discoveredURLsTotal.WithLabelValues(source).Add(float64(count))
	}
}

// ObserveRateLimited counts a denied request.
func ObserveRateLimited(budget string) {
	Init()
	rateLimitedTotal.WithLabelValues(budget).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status and records
// its duration.
func ObserveJob(status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
