// Package metrics exposes the Prometheus registry and HTTP instrumentation of
// the storefront cache service. Cache, rate limit and response cache metrics
// are defined in their own packages to keep them free of import cycles.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the service.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "Total HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency per mux route template.
// Requests that did not match a route are labelled "unmatched".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := RouteName(r)
		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RouteName returns the path template of the matched mux route.
func RouteName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Metrics Documentation
//
// HTTP Metrics (pkg/metrics):
//   - storefront_http_requests_total{route, method, status} (Counter): Requests by route template
//   - storefront_http_request_duration_seconds{route} (Histogram): Request latency by route template
//
// Cache Metrics (pkg/cache):
//   - storefront_cache_hits_total{backend} (Counter): Cache hits by backend
//   - storefront_cache_misses_total{backend} (Counter): Cache misses by backend
//   - storefront_cache_errors_total{backend, operation} (Counter): Swallowed backend errors
//   - storefront_cache_invalidated_keys_total{kind} (Counter): Keys removed by tag or prefix invalidation
//   - storefront_cache_connected{backend} (Gauge): 1 while the backend answers
//
// Rate Limit Metrics (pkg/ratelimit):
//   - storefront_rate_limit_allowed_total{rule} (Counter): Requests admitted per rule
//   - storefront_rate_limit_rejected_total{rule} (Counter): Requests answered with 429 per rule
//   - storefront_rate_limit_degraded_total (Counter): Requests admitted because the counter store failed
//
// Response Cache Metrics (pkg/respcache):
//   - storefront_response_cache_hits_total{route} (Counter): Responses served from cache
//   - storefront_response_cache_misses_total{route} (Counter): Responses produced by the handler
//   - storefront_response_cache_writes_total{route, result} (Counter): Background writes by outcome
//   - storefront_response_cache_coalesced_total{route} (Counter): Requests that shared an in-flight handler
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(storefront_cache_hits_total[5m])) /
//   (sum(rate(storefront_cache_hits_total[5m])) + sum(rate(storefront_cache_misses_total[5m])))
//
//   # Backend Down
//   storefront_cache_connected == 0
//
//   # Rejection Rate per Rule
//   sum by (rule) (rate(storefront_rate_limit_rejected_total[5m]))
//
//   # Fail-open Admissions
//   rate(storefront_rate_limit_degraded_total[5m]) > 0
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(storefront_http_request_duration_seconds_bucket[5m]))
