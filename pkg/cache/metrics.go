package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks fresh cache hits by layer (redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planet_cache_hits_total",
			Help: "Total number of Planet API cache hits",
		},
		[]string{"layer"}, // "redis"
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planet_cache_misses_total",
			Help: "Total number of Planet API cache misses",
		},
	)

	// CacheStale tracks lookups that found an expired entry
	CacheStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planet_cache_stale_total",
			Help: "Total number of expired entries found in the cache",
		},
	)

	// CacheBytesWritten tracks serialized bytes stored
	CacheBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planet_cache_written_bytes_total",
			Help: "Total bytes of serialized entries written to the cache",
		},
	)

	// ConditionalRequestsSent tracks revalidation requests
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planet_conditional_requests_total",
			Help: "Total number of conditional requests sent to revalidate stale entries",
		},
	)

	// NotModifiedResponses tracks 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "planet_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planet_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
