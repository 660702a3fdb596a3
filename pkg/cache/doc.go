// Package cache keeps count responses and per-partition dedup sets in Redis.
//
// Only count requests (zero-size searches returning the total and the facets)
// are cached: scroll pages belong to a server-side context that expires and
// are never stored, and CountKey refuses them. Entries honor the Expires
// header of the service and are revalidated with If-None-Match.
//
// # Count Cache
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key, ok := cache.CountKey(req.URL)
//	entry, err := manager.Get(ctx, key)
//	if err == nil {
//		cache.Revalidate(req, entry)
//	}
//	// 200: manager.Set(ctx, key, cache.NewEntry(body, resp.Header))
//	// 304: manager.Refresh(ctx, key, cache.ParseExpires(resp.Header))
//
// # Seen Sets
//
// A SeenSet records the identities already delivered for one partition of a
// harvest, so that a restarted partition skips them. Sets live under a key
// built from the harvest run ID and expire after a TTL.
//
//	seen := cache.NewSeenSet(redisClient, cache.SeenKey(runID, "3F"), time.Hour)
//	if ok, _ := seen.Contains(ctx, id); !ok {
//		deliver(item)
//		_ = seen.Add(ctx, id)
//	}
//
// # Metrics
//
//   - istex_cache_hits_total{layer="redis"}
//   - istex_cache_misses_total
//   - istex_cache_size_bytes{layer="redis"}
//   - istex_304_responses_total
//   - istex_cache_errors_total{operation}
//   - istex_seen_set_operations_total{operation}
package cache
