// Package metrics exposes Prometheus collectors for the scraper service.
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

// Acquisition paths.
const (
	PathCache  = "cache"
	PathSolver = "solver"
	PathDirect = "direct"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	extractTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	proxyPoolSize              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	recordCacheTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_total",
				Help: "Acquisition attempts, labeled by path (cache, solver, direct) and outcome.",
			},
			[]string{"path", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Latency of network acquisition attempts, labeled by path.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"path"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_bytes_total",
				Help: "Bytes of HTML acquired from the network, labeled by site.",
			},
			[]string{"site"},
		)

		extractTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_extract_total",
				Help: "Extraction attempts per site descriptor, labeled by outcome.",
			},
			[]string{"site", "outcome"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by kind and state.",
			},
			[]string{"kind", "state"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_job_duration_seconds",
				Help:    "Wall time of executed jobs, labeled by kind.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		proxyPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_proxy_pool_size",
				Help: "Number of proxies currently loaded.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		recordCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_record_cache_total",
				Help: "Record cache lookups at submission, labeled by kind and result.",
			},
			[]string{"kind", "result"},
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

// ObserveFetch records one acquisition step.
func ObserveFetch(path, outcome string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(path, outcome).Inc()
	if path != PathCache {
		fetchDurationSeconds.WithLabelValues(path).Observe(duration.Seconds())
	}
}

// ObserveBytes counts HTML acquired for a site.
func ObserveBytes(site string, n int) {
	if n <= 0 {
		return
	}
	Init()
	fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}

// ObserveExtract records the outcome of one site descriptor.
func ObserveExtract(site, outcome string) {
	Init()
	extractTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob records a terminal job state.
func ObserveJob(kind, state string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(kind, state).Inc()
	if duration > 0 {
		jobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// ObserveRecordCache records a submission-time record cache lookup.
func ObserveRecordCache(kind string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	recordCacheTotal.WithLabelValues(kind, result).Inc()
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

// SetProxyPoolSize publishes the loaded proxy count.
func SetProxyPoolSize(n int) {
	Init()
	proxyPoolSize.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
