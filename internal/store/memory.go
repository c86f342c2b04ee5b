package store

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memItem holds either a string value or a list, together with its expiry.
// A zero expiresAt means the key never expires.
type memItem struct {
	str       string
	list      []string
	isList    bool
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// MemoryStore is an in-process Store with per-key TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired keys to prevent unbounded memory growth.
//
// State is not shared between processes: use RedisStore when more than one
// control-plane replica serves the same queues.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewMemoryStore creates a MemoryStore and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	if ctx == nil {
		panic("store: NewMemoryStore: ctx must not be nil")
	}
	s := &MemoryStore{
		items: make(map[string]memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

// lookup returns the live item for key, evicting it when expired.
// Caller must hold s.mu.
func (s *MemoryStore) lookup(key string) (memItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return memItem{}, false
	}
	return it, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	if it.isList {
		return "", wrongType("GET", key)
	}
	return it.str, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := memItem{str: value}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = it
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := s.lookup(k); ok {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(s.items, key)
		return nil
	}
	it.expiresAt = s.now().Add(ttl)
	s.items[key] = it
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if it.isList {
		return 0, wrongType("INCRBY", key)
	}
	var cur int64
	if ok {
		v, err := strconv.ParseInt(it.str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: INCRBY %s: value is not an integer", key)
		}
		cur = v
	}
	cur += delta
	it.str = strconv.FormatInt(cur, 10)
	s.items[key] = it
	return cur, nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if ok && !it.isList {
		return 0, wrongType("LPUSH", key)
	}
	it.isList = true
	for _, v := range values {
		it.list = append([]string{v}, it.list...)
	}
	s.items[key] = it
	return int64(len(it.list)), nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if ok && !it.isList {
		return 0, wrongType("RPUSH", key)
	}
	it.isList = true
	it.list = append(it.list, values...)
	s.items[key] = it
	return int64(len(it.list)), nil
}

func (s *MemoryStore) LPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	if !it.isList {
		return "", wrongType("LPOP", key)
	}
	if len(it.list) == 0 {
		delete(s.items, key)
		return "", ErrNotFound
	}
	v := it.list[0]
	it.list = it.list[1:]
	s.putList(key, it)
	return v, nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return []string{}, nil
	}
	if !it.isList {
		return nil, wrongType("LRANGE", key)
	}
	lo, hi, ok := normalizeRange(start, stop, len(it.list))
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, it.list[lo:hi+1])
	return out, nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return 0, nil
	}
	if !it.isList {
		return 0, wrongType("LLEN", key)
	}
	return int64(len(it.list)), nil
}

// LRem follows Redis semantics: count > 0 removes from the head, count < 0
// from the tail, count == 0 removes every occurrence.
func (s *MemoryStore) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return 0, nil
	}
	if !it.isList {
		return 0, wrongType("LREM", key)
	}

	limit := count
	if limit < 0 {
		limit = -limit
	}
	var removed int64
	keep := make([]bool, len(it.list))
	for i := range keep {
		keep[i] = true
	}

	visit := func(i int) bool {
		if it.list[i] == value && (limit == 0 || removed < limit) {
			keep[i] = false
			removed++
		}
		return limit == 0 || removed < limit
	}
	if count >= 0 {
		for i := 0; i < len(it.list); i++ {
			if !visit(i) {
				break
			}
		}
	} else {
		for i := len(it.list) - 1; i >= 0; i-- {
			if !visit(i) {
				break
			}
		}
	}

	out := it.list[:0:0]
	for i, v := range it.list {
		if keep[i] {
			out = append(out, v)
		}
	}
	it.list = out
	s.putList(key, it)
	return removed, nil
}

func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return nil
	}
	if !it.isList {
		return wrongType("LTRIM", key)
	}
	lo, hi, ok := normalizeRange(start, stop, len(it.list))
	if !ok {
		delete(s.items, key)
		return nil
	}
	it.list = append([]string(nil), it.list[lo:hi+1]...)
	s.putList(key, it)
	return nil
}

// Scan supports the '*' and '?' wildcards and backslash escapes.
func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, fmt.Errorf("store: SCAN %s: %w", pattern, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	keys := make([]string, 0)
	for k, it := range s.items {
		if it.expired(now) {
			delete(s.items, k)
			continue
		}
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of keys currently held (including keys that may have
// expired but not yet been evicted).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops the background cleanup goroutine. It is safe to call twice.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// putList stores it under key, dropping the key once the list is empty
// (Redis never keeps empty lists). Caller must hold s.mu.
func (s *MemoryStore) putList(key string, it memItem) {
	if len(it.list) == 0 {
		delete(s.items, key)
		return
	}
	s.items[key] = it
}

// cleanup runs every minute and evicts all expired keys.
func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	now := s.now()
	for k, it := range s.items {
		if it.expired(now) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}

// normalizeRange converts Redis-style inclusive indexes (negative counts from
// the tail) into slice bounds. ok is false when the range is empty.
func normalizeRange(start, stop int64, n int) (lo, hi int, ok bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop), true
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '\\':
			if i+1 < len(runes) {
				i++
				b.WriteString(regexp.QuoteMeta(string(runes[i])))
			}
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func wrongType(op, key string) error {
	return fmt.Errorf("store: %s %s: wrong type", op, key)
}
