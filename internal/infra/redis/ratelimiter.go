package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openctemio/stigmap/pkg/logger"
)

// allowScript drops entries older than the window, then admits the call
// when fewer than limit remain. It returns {allowed, remaining, reset_ms}.
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local window_ms = tonumber(ARGV[3])
	local limit = tonumber(ARGV[4])
	local request_id = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	if count < limit then
		redis.call('ZADD', key, now, request_id)
		redis.call('PEXPIRE', key, window_ms)
		return {1, limit - count - 1, now + window_ms}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry_at = oldest[2] and (tonumber(oldest[2]) + window_ms) or (now + window_ms)
	return {0, 0, retry_at}
`)

// RateLimiter is a sliding-window-log limiter stored in sorted sets, so
// every instance sees the same counts.
type RateLimiter struct {
	client    *Client
	keyPrefix string
	limit     int
	window    time.Duration
	logger    *logger.Logger
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// RetryAt is only set when the call was rejected.
	RetryAt time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per window and key.
func NewRateLimiter(client *Client, prefix string, limit int, window time.Duration, log *logger.Logger) (*RateLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		return nil, errors.New("key prefix is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	return &RateLimiter{
		client:    client,
		keyPrefix: prefix,
		limit:     limit,
		window:    window,
		logger:    log,
	}, nil
}

// Allow consumes one call for key if the window has room.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}

	now := time.Now()
	result, err := allowScript.Run(ctx, rl.client.client, []string{rl.keyPrefix + ":" + key},
		now.UnixMilli(),
		now.Add(-rl.window).UnixMilli(),
		rl.window.Milliseconds(),
		rl.limit,
		uuid.New().String(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("rate limit check: unexpected reply of %d values", len(result))
	}

	res := &RateLimitResult{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
		ResetAt:   time.UnixMilli(result[2]),
	}
	if !res.Allowed {
		res.RetryAt = res.ResetAt
		rl.logger.Debug("rate limit exceeded", "key", key, "retry_at", res.RetryAt)
	}
	return res, nil
}

// Limit returns the configured maximum calls per window.
func (rl *RateLimiter) Limit() int {
	return rl.limit
}
