// Package store defines the shared key/value + list store every control-plane
// component persists its working state in.
//
// Two backends are available:
//   - RedisStore : go-redis client, shared by every control-plane replica.
//   - MemoryStore: in-process map with per-key TTL. Single instance only;
//     used for local development and tests.
//
// Only single-key operations are exposed. Nothing in the control plane relies
// on multi-key transactions, so any backend with atomic list push/pop, INCR and
// key expiry can serve.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get and LPop when the key (or list) does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the subset of Redis semantics the control plane needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A ttl ≤ 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	LPush(ctx context.Context, key string, values ...string) (int64, error)
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Scan returns every key matching a Redis glob pattern. The memory
	// backend understands '*' and '?' only; escape user input with
	// EscapePattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Separator delimits the namespaces of a key.
const Separator = "::"

// Key joins parts with the "::" namespace separator,
// e.g. Key("queue", "gpt-4o", "HIGH") → "queue::gpt-4o::HIGH".
func Key(parts ...string) string {
	return strings.Join(parts, Separator)
}

var patternEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// EscapePattern escapes glob metacharacters so s matches literally inside a
// Scan pattern (model names may contain any of them).
func EscapePattern(s string) string {
	return patternEscaper.Replace(s)
}
