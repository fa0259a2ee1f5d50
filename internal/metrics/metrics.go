// Package metrics exposes Prometheus collectors for the image service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	imagesStoredTotal          *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            prometheus.Counter
	proxyBlacklistedTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		imagesStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixvault_images_stored_total",
				Help: "Total number of images persisted, labeled by entry point.",
			},
			[]string{"source"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixvault_fetch_attempts_total",
				Help: "Total outbound fetch attempts, labeled by pool and outcome.",
			},
			[]string{"pool", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pixvault_fetch_bytes_total",
				Help: "Total bytes downloaded from upstream sources.",
			},
		)

		proxyBlacklistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixvault_proxy_blacklisted_total",
				Help: "Total proxy blacklist events, labeled by pool.",
			},
			[]string{"pool"},
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

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveImageStored counts a persisted image by entry point
// (upload, fetch, bulk).
func ObserveImageStored(source string) {
	if imagesStoredTotal == nil {
		return
	}
	imagesStoredTotal.WithLabelValues(source).Inc()
}

// ObserveFetchAttempt counts one outbound attempt and its downloaded bytes.
func ObserveFetchAttempt(pool, outcome string, bytesFetched int) {
	if fetchAttemptsTotal == nil {
		return
	}
	if pool == "" {
		pool = "direct"
	}
	fetchAttemptsTotal.WithLabelValues(pool, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveProxyBlacklisted counts a proxy crossing the failure threshold.
func ObserveProxyBlacklisted(pool string) {
	if proxyBlacklistedTotal == nil {
		return
	}
	if pool == "" {
		pool = "direct"
	}
	proxyBlacklistedTotal.WithLabelValues(pool).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
