package respcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	responseHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_response_cache_hits_total",
		Help: "Total number of responses served from cache",
	}, []string{"route"})

	responseMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_response_cache_misses_total",
		Help: "Total number of cacheable requests that ran the handler",
	}, []string{"route"})

	responseWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_response_cache_writes_total",
		Help: "Total number of background response cache writes by result",
	}, []string{"route", "result"}) // "ok", "failed"

	coalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_response_cache_coalesced_total",
		Help: "Total number of requests that shared a concurrent handler run",
	}, []string{"route"})
)
