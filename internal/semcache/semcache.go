// Package semcache maps a prompt's embedding to a previously produced response
// when their cosine similarity clears a threshold.
//
// Entries are scoped by model and by the sampling parameters that change
// generation output (temperature, max tokens, top-p), so two requests with
// different generation settings never share an answer:
//
//	cache::<model>::<params-hash>::<prompt-hash>
//
// The cache is never a hard dependency: embedding or store failures turn a
// lookup into a miss and a write into a logged error.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

const (
	keyPrefix = "cache"

	DefaultThreshold = 0.85
	DefaultTTL       = time.Hour
)

// Params are the sampling parameters that scope a cache entry.
type Params struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
}

// Entry is the record persisted per cached prompt.
type Entry struct {
	Prompt     string            `json:"prompt"`
	Response   string            `json:"response"`
	Embedding  []float32         `json:"embedding"`
	Model      string            `json:"model"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	TTLSeconds int64             `json:"ttl_seconds"`
}

// Hit is a successful lookup. CachedPrompt is the prompt the response was
// originally produced for, so approximate matches can be audited.
type Hit struct {
	Response     string
	Similarity   float64
	CachedPrompt string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Options configure a Cache. Zero values select the defaults.
type Options struct {
	// Threshold is the minimum cosine similarity for a hit (default 0.85).
	Threshold float64
	// DefaultTTL applies when Store is called with ttl ≤ 0 (default 1h).
	DefaultTTL time.Duration
	// Exclusions lists models that bypass the cache.
	Exclusions *ExclusionList
	Logger     *slog.Logger
	Metrics    *metrics.Registry
	Now        func() time.Time
}

// Cache is the semantic response cache.
type Cache struct {
	st         store.Store
	embedder   Embedder
	threshold  float64
	defaultTTL time.Duration
	exclusions *ExclusionList
	log        *slog.Logger
	metrics    *metrics.Registry
	now        func() time.Time
}

// New creates a Cache over st using emb to vectorise prompts.
func New(st store.Store, emb Embedder, opts Options) *Cache {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		st:         st,
		embedder:   emb,
		threshold:  opts.Threshold,
		defaultTTL: opts.DefaultTTL,
		exclusions: opts.Exclusions,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// Threshold returns the configured similarity threshold.
func (c *Cache) Threshold() float64 { return c.threshold }

// Lookup returns the best cached response for prompt within the
// (model, params) scope whose similarity is at least the threshold.
// Any failure is reported as a miss.
func (c *Cache) Lookup(ctx context.Context, prompt, model string, params Params) (*Hit, bool) {
	if c.exclusions.Matches(model) {
		if c.metrics != nil {
			c.metrics.CacheGetBypass()
		}
		return nil, false
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		c.lookupFailed(ctx, model, "embed", err)
		return nil, false
	}

	// Fast path: the same prompt was stored before under its own key. A
	// verbatim match is a full hit even when the embedding carries no
	// signal (empty or symbol-only prompts embed to the zero vector).
	exactKey := EntryKey(model, params, prompt)
	if e, ok := c.load(ctx, exactKey); ok {
		if e.Prompt == prompt {
			return c.hit(ctx, model, e, 1), true
		}
		if sim := Cosine(vec, e.Embedding); sim >= c.threshold {
			return c.hit(ctx, model, e, sim), true
		}
	}

	keys, err := c.st.Scan(ctx, scopePattern(model, params))
	if err != nil {
		c.lookupFailed(ctx, model, "scan", err)
		return nil, false
	}

	var (
		best    *Entry
		bestSim float64
	)
	for _, key := range keys {
		if key == exactKey {
			continue
		}
		e, ok := c.load(ctx, key)
		if !ok {
			continue
		}
		sim := Cosine(vec, e.Embedding)
		if sim >= c.threshold && (best == nil || sim > bestSim) {
			best, bestSim = e, sim
		}
	}

	if best == nil {
		if c.metrics != nil {
			c.metrics.CacheGetMiss()
		}
		return nil, false
	}
	return c.hit(ctx, model, best, bestSim), true
}

// Store embeds prompt and persists the response in the (model, params) scope.
// Storing the same prompt again overwrites the previous entry. ttl ≤ 0 uses
// the default TTL. Excluded models are skipped silently.
func (c *Cache) Store(
	ctx context.Context,
	prompt, response, model string,
	params Params,
	ttl time.Duration,
	metadata map[string]string,
) error {
	if c.exclusions.Matches(model) {
		if c.metrics != nil {
			c.metrics.CacheSetBypass()
		}
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	vec, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		return c.storeFailed(ctx, model, fmt.Errorf("semcache: store: embed: %w", err))
	}

	e := Entry{
		Prompt:     prompt,
		Response:   response,
		Embedding:  vec,
		Model:      model,
		Metadata:   metadata,
		CreatedAt:  c.now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return c.storeFailed(ctx, model, fmt.Errorf("semcache: store: marshal: %w", err))
	}

	if err := c.st.Set(ctx, EntryKey(model, params, prompt), string(data), ttl); err != nil {
		return c.storeFailed(ctx, model, fmt.Errorf("semcache: store: %w", err))
	}

	if c.metrics != nil {
		c.metrics.CacheSetOK()
	}
	return nil
}

// Invalidate deletes every entry of model, or every cache entry when model
// is empty, and returns how many were removed.
func (c *Cache) Invalidate(ctx context.Context, model string) (int, error) {
	pattern := keyPrefix + "::*"
	if model != "" {
		pattern = store.Key(keyPrefix, store.EscapePattern(model), "*")
	}

	keys, err := c.st.Scan(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("semcache: invalidate: %w", err)
	}

	var removed int
	for start := 0; start < len(keys); start += 100 {
		end := min(start+100, len(keys))
		n, err := c.st.Del(ctx, keys[start:end]...)
		removed += int(n)
		if err != nil {
			return removed, fmt.Errorf("semcache: invalidate: %w", err)
		}
	}

	c.log.InfoContext(ctx, "cache_invalidated",
		slog.String("model", model),
		slog.Int("removed", removed),
	)
	if c.metrics != nil {
		c.metrics.CacheInvalidated(removed)
	}
	return removed, nil
}

func (c *Cache) load(ctx context.Context, key string) (*Entry, bool) {
	raw, err := c.st.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.log.WarnContext(ctx, "cache_entry_corrupt",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return &e, true
}

func (c *Cache) hit(ctx context.Context, model string, e *Entry, sim float64) *Hit {
	c.log.DebugContext(ctx, "cache_hit",
		slog.String("model", model),
		slog.Float64("similarity", sim),
	)
	if c.metrics != nil {
		c.metrics.CacheGetHit(sim)
	}
	return &Hit{
		Response:     e.Response,
		Similarity:   sim,
		CachedPrompt: e.Prompt,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt,
	}
}

func (c *Cache) lookupFailed(ctx context.Context, model, stage string, err error) {
	c.log.WarnContext(ctx, "cache_lookup_error",
		slog.String("model", model),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
	if c.metrics != nil {
		c.metrics.CacheGetError()
	}
}

func (c *Cache) storeFailed(ctx context.Context, model string, err error) error {
	c.log.WarnContext(ctx, "cache_store_error",
		slog.String("model", model),
		slog.String("error", err.Error()),
	)
	if c.metrics != nil {
		c.metrics.CacheSetError()
	}
	return err
}

// ParamsHash is the first 16 hex chars of SHA-256 over the sampling
// parameters. Floats are rounded to two decimals so noise such as 0.7 vs
// 0.70000001 does not split a scope.
func ParamsHash(p Params) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%.2f|%d|%.2f", p.Temperature, p.MaxTokens, p.TopP))
	return hex.EncodeToString(sum[:8])
}

// ScopeKey returns the key prefix shared by every entry of (model, params).
func ScopeKey(model string, p Params) string {
	return store.Key(keyPrefix, model, ParamsHash(p))
}

// EntryKey returns the key an entry for prompt is stored under.
func EntryKey(model string, p Params, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return store.Key(ScopeKey(model, p), hex.EncodeToString(sum[:]))
}

func scopePattern(model string, p Params) string {
	return store.Key(keyPrefix, store.EscapePattern(model), ParamsHash(p), "*")
}
