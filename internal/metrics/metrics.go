// Package metrics exposes Prometheus collectors for the HTTP surface and
// repository throttling.
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
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	searchRequestsTotal           *prometheus.CounterVec
	uploadBytesTotal              prometheus.Counter
	repositoryRateLimitDelaysSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		searchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_search_requests_total",
				Help: "Search requests served, labeled by mode.",
			},
			[]string{"mode"},
		)

		uploadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_upload_bytes_total",
				Help: "Bytes received through the upload endpoint.",
			},
		)

		repositoryRateLimitDelaysSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_repository_rate_limit_delay_seconds",
				Help:    "Histogram of repository rate limit waits, labeled by host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a repository or HTTP URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSearch counts a search request.
func ObserveSearch(mode string) {
	Init()
	searchRequestsTotal.WithLabelValues(mode).Inc()
}

// ObserveUpload records the size of an accepted upload.
func ObserveUpload(bytes int64) {
	Init()
	if bytes > 0 {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// ObserveRateLimitDelay records the duration of a repository rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	repositoryRateLimitDelaysSecs.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}
