package store

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return NewRedisStoreFromClient(cli), mr
}

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(context.Background())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("redis", func(t *testing.T) {
		s, _ := newTestRedisStore(t)
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, newTestMemoryStore(t))
	})
}

func TestStore_GetSetDel(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
		}
		if err := s.Set(ctx, "k", "v", 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := s.Get(ctx, "k")
		if err != nil || got != "v" {
			t.Fatalf("Get = %q, %v; want v", got, err)
		}
		n, err := s.Del(ctx, "k", "missing")
		if err != nil || n != 1 {
			t.Fatalf("Del = %d, %v; want 1", n, err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Del err = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_ListFIFO(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, v := range []string{"a", "b", "c"} {
			if _, err := s.RPush(ctx, "q", v); err != nil {
				t.Fatalf("RPush: %v", err)
			}
		}
		if n, _ := s.LLen(ctx, "q"); n != 3 {
			t.Fatalf("LLen = %d, want 3", n)
		}
		if _, err := s.LPush(ctx, "q", "z"); err != nil {
			t.Fatalf("LPush: %v", err)
		}

		want := []string{"z", "a", "b", "c"}
		for _, w := range want {
			got, err := s.LPop(ctx, "q")
			if err != nil || got != w {
				t.Fatalf("LPop = %q, %v; want %q", got, err, w)
			}
		}
		if _, err := s.LPop(ctx, "q"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LPop on empty list err = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_LRangeLTrimLRem(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.RPush(ctx, "l", "1", "2", "3", "2", "5"); err != nil {
			t.Fatalf("RPush: %v", err)
		}

		all, _ := s.LRange(ctx, "l", 0, -1)
		if len(all) != 5 {
			t.Fatalf("LRange(0,-1) len = %d, want 5", len(all))
		}

		n, err := s.LRem(ctx, "l", 0, "2")
		if err != nil || n != 2 {
			t.Fatalf("LRem = %d, %v; want 2", n, err)
		}

		if err := s.LTrim(ctx, "l", -2, -1); err != nil {
			t.Fatalf("LTrim: %v", err)
		}
		got, _ := s.LRange(ctx, "l", 0, -1)
		if len(got) != 2 || got[0] != "3" || got[1] != "5" {
			t.Errorf("after LTrim = %v, want [3 5]", got)
		}

		empty, err := s.LRange(ctx, "nope", 0, -1)
		if err != nil || len(empty) != 0 {
			t.Errorf("LRange(missing) = %v, %v; want empty", empty, err)
		}
	})
}

func TestStore_IncrBy(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if n, err := s.IncrBy(ctx, "c", 1); err != nil || n != 1 {
			t.Fatalf("IncrBy = %d, %v; want 1", n, err)
		}
		if n, _ := s.IncrBy(ctx, "c", 2); n != 3 {
			t.Errorf("IncrBy = %d, want 3", n)
		}
		if n, _ := s.IncrBy(ctx, "c", -3); n != 0 {
			t.Errorf("IncrBy = %d, want 0", n)
		}
	})
}

func TestStore_ScanEscapedPattern(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_ = s.Set(ctx, Key("cache", "gpt*4", "p1"), "x", 0)
		_ = s.Set(ctx, Key("cache", "gpt-4", "p1"), "x", 0)
		_ = s.Set(ctx, Key("queue", "gpt-4", "HIGH"), "x", 0)

		keys, err := s.Scan(ctx, "cache::"+EscapePattern("gpt*4")+"::*")
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(keys) != 1 || keys[0] != "cache::gpt*4::p1" {
			t.Errorf("Scan escaped = %v, want [cache::gpt*4::p1]", keys)
		}

		keys, _ = s.Scan(ctx, "cache::*")
		sort.Strings(keys)
		if len(keys) != 2 {
			t.Errorf("Scan(cache::*) = %v, want 2 keys", keys)
		}
	})
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "ttl", "v", time.Second)
	mr.FastForward(2 * time.Second)

	if _, err := s.Get(ctx, "ttl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected key to expire, got err = %v", err)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	_ = s.Set(ctx, "ttl", "v", time.Second)
	_, _ = s.RPush(ctx, "list", "a")
	_ = s.Expire(ctx, "list", time.Second)

	now = now.Add(2 * time.Second)

	if _, err := s.Get(ctx, "ttl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected string key to expire, got err = %v", err)
	}
	if n, _ := s.LLen(ctx, "list"); n != 0 {
		t.Errorf("expected list to expire, LLen = %d", n)
	}
}

func TestMemoryStore_EvictExpired(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	_ = s.Set(ctx, "a", "1", time.Second)
	_ = s.Set(ctx, "b", "2", 0)

	now = now.Add(time.Minute)
	s.evictExpired()

	if s.Len() != 1 {
		t.Errorf("Len after evict = %d, want 1", s.Len())
	}
}

func TestMemoryStore_CloseTwice(t *testing.T) {
	s := NewMemoryStore(context.Background())
	_ = s.Close()
	_ = s.Close()
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	ctx := context.Background()
	if _, err := s.Get(ctx, "k"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get with Redis down err = %v, want a store error", err)
	}
	if err := s.Set(ctx, "k", "v", 0); err == nil {
		t.Error("Set with Redis down should fail")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("Ping with Redis down should fail")
	}
}

func TestKey(t *testing.T) {
	if got := Key("queue", "m", "HIGH"); got != "queue::m::HIGH" {
		t.Errorf("Key = %q", got)
	}
}
