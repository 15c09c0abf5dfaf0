// Package cache provides a Redis-backed response cache for Planet API
// metadata requests (series, mosaics, quad listings).
//
// Entries are keyed by endpoint, sorted query parameters and a fingerprint
// of the API key, so two accounts never share responses and the key itself
// never reaches Redis. Freshness comes from Cache-Control max-age or the
// Expires header, falling back to DefaultTTL. Entries that carry an ETag or
// Last-Modified value are kept for RevalidateWindow after expiry so they
// can be revalidated with a conditional request.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.KeyForURL(req.URL, cache.AccountFingerprint(apiKey))
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API
//	}
//
// # Conditional Requests
//
//	if entry.IsExpired() && cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// a 304 means entry is still valid:
//		// manager.Refresh(ctx, key, entry, cache.ParseExpires(resp.Header))
//	}
//
// # Metrics
//
//   - planet_cache_hits_total{layer="redis"}
//   - planet_cache_misses_total
//   - planet_cache_stale_total
//   - planet_cache_written_bytes_total
//   - planet_conditional_requests_total
//   - planet_304_responses_total
//   - planet_cache_errors_total{operation}
//
// Downloads are never cached; only JSON metadata goes through the manager.
package cache
