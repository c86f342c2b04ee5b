package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-controlplane/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, limit, nil)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "gpt-4o")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit, nil)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "gpt-4o")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	// The (limit+1)th request must be blocked.
	allowed, err := limiter.Allow(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_WindowsArePerModel(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 1, nil)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "gpt-4o"); !ok {
		t.Fatal("first gpt-4o request should pass")
	}
	if ok, _ := limiter.Allow(ctx, "gpt-4o"); ok {
		t.Error("second gpt-4o request should be limited")
	}
	if ok, _ := limiter.Allow(ctx, "claude-sonnet-4-5"); !ok {
		t.Error("another model has its own window")
	}

	if !mr.Exists("ratelimit::gpt-4o::rpm") {
		t.Errorf("expected window key %s", ratelimit.Key("gpt-4o"))
	}
}

func TestRPMLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	// Close Redis before making any calls; the limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 5, nil)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
