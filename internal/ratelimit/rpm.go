// Package ratelimit implements per-model admission rate limiting using Redis
// sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit"

// RPMLimiter caps the number of submissions per model per minute across all
// control-plane instances.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	metrics  *metrics.Registry
	log      *slog.Logger
}

// NewRPMLimiter creates a limiter allowing rpmLimit submissions per model per
// minute. rpmLimit must be > 0; values ≤ 0 block every request. reg may be nil.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, reg *metrics.Registry) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, metrics: reg, log: slog.Default()}
}

// Allow reports whether one more submission for model fits in the current
// window. Redis failures allow the request.
func (r *RPMLimiter) Allow(ctx context.Context, model string) (bool, error) {
	allowed := r.check(ctx, Key(model), r.rpmLimit)
	if r.metrics != nil {
		if allowed {
			r.metrics.RecordRateLimit("allowed")
		} else {
			r.metrics.RecordRateLimit("limited")
		}
	}
	return allowed, nil
}

// Key is the sorted-set key of model's window.
func Key(model string) string {
	return store.Key(keyPrefix, model, "rpm")
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) bool {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the request.
		r.log.WarnContext(ctx, "ratelimit_check_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		if r.metrics != nil {
			r.metrics.RecordRateLimit("error")
		}
		return true
	}

	return result == 1
}
