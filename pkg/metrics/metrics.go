// Package metrics exposes the Prometheus metrics of the Planet client.
// All metrics are defined in their respective packages via promauto to
// maintain modularity and avoid circular dependencies; this package only
// serves them and documents them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all client metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the registered metrics.
var Gatherer = prometheus.DefaultGatherer

// Handler serves all registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Throttle Metrics (pkg/ratelimit):
//   - planet_throttled_until_seconds (Gauge): Unix time until which requests are throttled
//   - planet_rate_limited_responses_total (Counter): 429 responses observed
//   - planet_rate_limit_waits_total (Counter): Requests that waited out a cooldown
//   - planet_rate_limit_blocks_total (Counter): Requests refused because the cooldown exceeded the max wait
//
// Cache Metrics (pkg/cache):
//   - planet_cache_hits_total{layer="redis"} (Counter): Fresh cache hits
//   - planet_cache_misses_total (Counter): Cache misses
//   - planet_cache_stale_total (Counter): Expired entries found for revalidation
//   - planet_cache_written_bytes_total (Counter): Bytes written to Redis
//   - planet_conditional_requests_total (Counter): Conditional requests sent
//   - planet_304_responses_total (Counter): 304 Not Modified responses
//   - planet_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - planet_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - planet_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - planet_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - planet_retries_total{error_class} (Counter): Retry attempts by error class
//   - planet_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - planet_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pagination, Download and Order Metrics:
//   - planet_pages_fetched_total{key} (Counter): Collection pages decoded
//   - planet_downloads_total{result} (Counter): Downloads by result (ok, skipped, error)
//   - planet_download_bytes_total (Counter): Bytes written by downloads
//   - planet_download_duration_seconds (Histogram): Duration of completed downloads
//   - planet_orders_finished_total{state} (Counter): Orders reaching a terminal state
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(planet_cache_hits_total[5m])) /
//   (sum(rate(planet_cache_hits_total[5m])) + sum(rate(planet_cache_misses_total[5m])))
//
//   # Throttled right now
//   planet_throttled_until_seconds > time()
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(planet_request_duration_seconds_bucket[5m]))
//
//   # Download throughput
//   rate(planet_download_bytes_total[5m])
