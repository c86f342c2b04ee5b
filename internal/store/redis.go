package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	scanBatch           = 200
)

// RedisStore is a Store backed by a go-redis client.
//
// Every call is bounded by a short query timeout so a slow or partitioned
// Redis degrades callers quickly instead of stalling the dispatch path.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
	ownsClient   bool
}

// NewRedisStoreFromClient wraps an existing Redis client.
// The caller owns the client lifecycle; Close is a no-op.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING and returns a RedisStore that owns the client.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout, ownsClient: true}, nil
}

// Client exposes the underlying client for components that need Redis-only
// features (Lua scripts in the rate limiter).
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: GET %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("store: DEL: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store: EXPIRE %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("store: INCRBY %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.LPush(ctx, key, toArgs(values)...).Result()
	if err != nil {
		return 0, fmt.Errorf("store: LPUSH %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.RPush(ctx, key, toArgs(values)...).Result()
	if err != nil {
		return 0, fmt.Errorf("store: RPUSH %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.LPop(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: LPOP %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store: LRANGE %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: LLEN %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.LRem(ctx, key, count, value).Result()
	if err != nil {
		return 0, fmt.Errorf("store: LREM %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("store: LTRIM %s: %w", key, err)
	}
	return nil
}

// Scan walks the keyspace with SCAN MATCH. A full walk may take several round
// trips, so it gets a longer deadline than single-key commands.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*s.queryTimeout)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: SCAN %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool when the store created it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
