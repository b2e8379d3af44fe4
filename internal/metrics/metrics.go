// Package metrics exposes Prometheus collectors for the scraper.
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
	scraperJobsTotal              *prometheus.CounterVec
	scraperBytesTotal             *prometheus.CounterVec
	scraperChunksTotal            *prometheus.CounterVec
	scraperActiveWorkers          prometheus.Gauge
	scraperRateLimitDelaysSeconds *prometheus.HistogramVec
	scraperCrawlNodesTotal        *prometheus.CounterVec
	scraperRobotsFailuresTotal    prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total number of download jobs that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		scraperBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Total number of media bytes written, labeled by domain.",
			},
			[]string{"domain"},
		)

		scraperChunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_chunks_total",
				Help: "Total number of chunk attempts, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scraperRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of time spent waiting for a per-domain permit.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		scraperCrawlNodesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_crawl_nodes_total",
				Help: "Total number of discovery nodes processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperRobotsFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_robots_fetch_failures_total",
				Help: "Total robots.txt fetches that failed and fell back to allow-all.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeDomain extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if the input cannot be parsed.
func SanitizeDomain(rawURL string) string {
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
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	if scraperJobsTotal == nil {
		return
	}
	scraperJobsTotal.WithLabelValues(status).Inc()
}

// ObserveChunk records one chunk attempt and, on success, its bytes.
func ObserveChunk(domain string, ok bool, bytes int64) {
	if scraperChunksTotal == nil {
		return
	}
	domain = SanitizeDomain(domain)
	outcome := "retry"
	if ok {
		outcome = "ok"
		if bytes > 0 {
			scraperBytesTotal.WithLabelValues(domain).Add(float64(bytes))
		}
	}
	scraperChunksTotal.WithLabelValues(domain, outcome).Inc()
}

// ObserveCrawlNode increments the discovery counter ("recorded" or "failed").
func ObserveCrawlNode(outcome string) {
	if scraperCrawlNodesTotal == nil {
		return
	}
	scraperCrawlNodesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRobotsFailure counts a robots.txt fetch that fell back to allow-all.
func ObserveRobotsFailure() {
	if scraperRobotsFailuresTotal == nil {
		return
	}
	scraperRobotsFailuresTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if scraperActiveWorkers == nil {
		return
	}
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if scraperActiveWorkers == nil {
		return
	}
	scraperActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a permit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if scraperRateLimitDelaysSeconds == nil {
		return
	}
	scraperRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
