// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerCacheLookupsTotal      *prometheus.CounterVec
	crawlerRobotsExcludedTotal    *prometheus.CounterVec
	crawlerFetchRetriesTotal      *prometheus.CounterVec
	crawlerCrawlDelaySeconds      *prometheus.HistogramVec
	crawlerCheckpointsTotal       *prometheus.CounterVec
	crawlerFrontierURLs           *prometheus.GaugeVec
	crawlerActiveWorkers          prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerPersistenceErrorsTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages completed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched from the network, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_cache_lookups_total",
				Help: "Page cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		crawlerRobotsExcludedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_excluded_total",
				Help: "URLs rejected by robots.txt, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_retries_total",
				Help: "Fetch attempts retried after a transient failure, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerCrawlDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_crawl_delay_seconds",
				Help:    "Histogram of per-host crawl-delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		crawlerCheckpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_checkpoints_total",
				Help: "Session checkpoint writes, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerPersistenceErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_persistence_errors_total",
				Help: "Failed output writes, labeled by operation.",
			},
			[]string{"op"},
		)

		crawlerFrontierURLs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_urls",
				Help: "URL records in the frontier, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
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

// ObservePage counts a completed URL and the bytes fetched for it.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveCacheLookup records a page cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	crawlerCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsExcluded counts a URL rejected by robots.txt.
func ObserveRobotsExcluded(site string) {
	Init()
	crawlerRobotsExcludedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRetry counts a retried fetch.
func ObserveRetry(site string) {
	Init()
	crawlerFetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveCrawlDelay records the duration of a crawl-delay wait.
func ObserveCrawlDelay(site string, duration time.Duration) {
	Init()
	crawlerCrawlDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveFetch records a network fetch latency.
func ObserveFetch(site string, duration time.Duration) {
	Init()
	crawlerFetchDurationSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveCheckpoint counts a checkpoint write.
func ObserveCheckpoint(err error) {
	Init()
	result := "success"
	if err != nil {
		result = "error"
	}
	crawlerCheckpointsTotal.WithLabelValues(result).Inc()
}

// ObservePersistenceError counts a failed output write.
func ObservePersistenceError(op string) {
	Init()
	crawlerPersistenceErrorsTotal.WithLabelValues(op).Inc()
}

// SetFrontier publishes frontier gauges.
func SetFrontier(pending, inFlight, visited, failed int) {
	Init()
	crawlerFrontierURLs.WithLabelValues("pending").Set(float64(pending))
	crawlerFrontierURLs.WithLabelValues("in-flight").Set(float64(inFlight))
	crawlerFrontierURLs.WithLabelValues("visited").Set(float64(visited))
	crawlerFrontierURLs.WithLabelValues("failed").Set(float64(failed))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
