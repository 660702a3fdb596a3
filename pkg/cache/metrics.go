package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "istex_cache_hits_total",
			Help: "Total number of search response cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "istex_cache_misses_total",
			Help: "Total number of search response cache misses",
		},
	)

	// CacheSize tracks bytes written to the cache by layer
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "istex_cache_size_bytes",
			Help: "Bytes of search responses written to the cache",
		},
		[]string{"layer"},
	)

	// ConditionalRequests tracks 304 Not Modified revalidations
	ConditionalRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "istex_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "istex_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)

	// SeenSetOperations tracks seen set calls
	SeenSetOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "istex_seen_set_operations_total",
			Help: "Total number of seen set operations",
		},
		[]string{"operation"}, // "add", "contains", "clear", "len"
	)
)
