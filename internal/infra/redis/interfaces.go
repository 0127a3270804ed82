package redis

import (
	"context"
	"time"
)

// CacheStore is the subset of Cache used by application services.
type CacheStore[T any] interface {
	// Get returns ErrCacheMiss if the key does not exist.
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value T) error
	SetWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// GetOrSetFallback calls loader on a miss or any cache error.
	GetOrSetFallback(ctx context.Context, key string, loader func(ctx context.Context) (*T, error)) (*T, error)
}

// Limiter is implemented by RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
}

var (
	_ CacheStore[struct{}] = (*Cache[struct{}])(nil)
	_ Limiter              = (*RateLimiter)(nil)
)
