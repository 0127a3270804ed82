// Package redis provides the Redis integration of the service.
//
// It has three parts:
//   - Client: connection management with TLS, pooling and retry on startup
//   - Cache[T]: typed JSON cache with TTL, used for parsed CCI catalogs
//   - RateLimiter: sliding-window limiter shared by all instances, used to
//     bound document uploads per client
//
// A catalog cache is created from a client:
//
//	cache, err := redis.NewCache[CachedCatalog](client, "cci_catalog", 24*time.Hour)
//	items, err := cache.GetOrSet(ctx, digest, func(ctx context.Context) (*CachedCatalog, error) {
//		return parse(ctx, data)
//	})
//
// Services treat Redis as optional and fall back to parsing when the cache
// is unavailable.
package redis
