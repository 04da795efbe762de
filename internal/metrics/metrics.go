// Package metrics exposes Prometheus collectors for the edgefetch service.
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
	fetchItemsTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	rotationAttemptsTotal      *prometheus.CounterVec
	batchesTotal               prometheus.Counter
	batchDurationSeconds       prometheus.Histogram
	cacheLookupsTotal          *prometheus.CounterVec
	headlessPromotionsTotal    prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefetch_items_total",
				Help: "Total number of fetch items completed, labeled by domain and result.",
			},
			[]string{"domain", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		rotationAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefetch_rotation_attempts_total",
				Help: "Total rotation attempts, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		batchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "edgefetch_batches_total",
				Help: "Total number of batch invocations.",
			},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "edgefetch_batch_duration_seconds",
				Help:    "Histogram of end-to-end batch durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgefetch_cache_lookups_total",
				Help: "Total proxy cache lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "edgefetch_headless_promotions_total",
				Help: "Total fetches re-run through the headless browser.",
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgefetch_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeDomain sanitizes a URL or hostname to a lowercase hostname label.
// It returns "unknown" if the value is invalid.
func SanitizeDomain(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchItem records one completed fetch item.
func ObserveFetchItem(domain string, result string, bytesFetched int) {
	sanitized := SanitizeDomain(domain)
	fetchItemsTotal.WithLabelValues(sanitized, result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveRotationAttempt records one rotation attempt outcome.
func ObserveRotationAttempt(domain string, outcome string) {
	rotationAttemptsTotal.WithLabelValues(SanitizeDomain(domain), outcome).Inc()
}

// ObserveBatch records one finished batch invocation.
func ObserveBatch(duration time.Duration) {
	batchesTotal.Inc()
	batchDurationSeconds.Observe(duration.Seconds())
}

// ObserveCacheLookup records a proxy cache hit or miss.
func ObserveCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHeadlessPromotion counts a headless re-fetch.
func ObserveHeadlessPromotion() {
	headlessPromotionsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeDomain(domain)).Observe(duration.Seconds())
}
