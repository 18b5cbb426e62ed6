package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"backend"}, // "redis", "rest"
	)

	// CacheMisses tracks cache misses (including stale envelopes)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks backend failures swallowed by the fail-open policy
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"backend", "operation"}, // "get", "set", "del", "incr", ...
	)

	// CacheInvalidations tracks keys removed by tag or prefix invalidation
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_invalidated_keys_total",
			Help: "Total number of cache keys removed by bulk invalidation",
		},
		[]string{"kind"}, // "tag", "prefix"
	)

	// CacheConnected reports the backend connectivity flag (1 connected)
	CacheConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storefront_cache_connected",
			Help: "Whether the cache backend is currently reachable",
		},
		[]string{"backend"},
	)
)
