package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for rate limiting.
var (
	allowedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_rate_limit_allowed_total",
		Help: "Total number of requests allowed by the rate limiter",
	}, []string{"rule"})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_rate_limit_rejected_total",
		Help: "Total number of requests rejected with 429",
	}, []string{"rule"})

	degradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_rate_limit_degraded_total",
		Help: "Total number of requests allowed without enforcement because the cache was unavailable",
	})
)
