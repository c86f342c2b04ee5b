// Package config loads and validates all runtime configuration for the
// control plane.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; a .env file, when present, is loaded
// into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example QUEUE_MAX_DEPTH becomes
// queue_max_depth in YAML. Model routing (models) and provider pricing
// (providers) are nested maps and can only be set in YAML.
//
// Nothing is strictly required: the defaults run an in-process store with
// the built-in catalog and the hash embedder.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/providers"
)

// Store and sink modes.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"

	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"
	EmbedderGemini = "gemini"

	SinkSlog       = "slog"
	SinkClickHouse = "clickhouse"
	SinkNone       = "none"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port of the management API. Default: 8090.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Store          StoreConfig
	Queue          QueueConfig
	Cache          CacheConfig
	Balancer       BalancerConfig
	CircuitBreaker CircuitBreakerConfig
	Dispatch       DispatchConfig
	RateLimit      RateLimitConfig
	Events         EventsConfig

	// Provider credentials, used by health probes and embedders.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Models maps model → providers able to serve it. Empty selects the
	// built-in catalog.
	Models map[string][]string

	// Providers overrides cost and context window per provider.
	Providers map[string]providers.Spec

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to skip probing it.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string
}

// StoreConfig selects the shared state store.
type StoreConfig struct {
	// Mode is "redis" (shared across replicas) or "memory" (single process).
	// Default: memory.
	Mode string

	// RedisURL is a redis:// or rediss:// URL. When REDIS_URL is unset it is
	// built from REDIS_HOST, REDIS_PORT and REDIS_PASSWORD.
	RedisURL string
}

// QueueConfig controls the priority request queue.
type QueueConfig struct {
	// MaxDepth bounds every (model, priority) bucket. Default: 1000.
	MaxDepth int64
	// AgingThreshold is the wait after which a request is boosted one level.
	// Default: 30s.
	AgingThreshold time.Duration
	// MetadataTTL bounds request records without a deadline. Default: 24h.
	MetadataTTL time.Duration
	// MaxRetries bounds requeues per request; -1 means unlimited. Default: 3.
	MaxRetries int
	// SweepInterval is how often expired requests are cleared. Default: 10s.
	SweepInterval time.Duration
	// PromoteAged enables the relocating aging sweep. Default: false.
	PromoteAged bool
}

// CacheConfig controls the semantic cache.
type CacheConfig struct {
	// Enabled turns the semantic cache on. Default: true.
	Enabled bool
	// SimilarityThreshold is the minimum cosine similarity of a hit, in (0, 1].
	// Default: 0.85.
	SimilarityThreshold float64
	// TTL is the default lifetime of cached responses. Default: 1h.
	TTL time.Duration
	// ExcludeExact lists model names that are never cached.
	ExcludeExact []string
	// ExcludePatterns lists Go regular expressions matched against model names.
	ExcludePatterns []string
	// Embedder is one of hash, openai, gemini. Default: hash.
	Embedder string
	// EmbeddingModel overrides the embedder's default model.
	EmbeddingModel string
}

// BalancerConfig controls provider selection.
type BalancerConfig struct {
	// Strategy used by the dispatcher. Default: hybrid.
	Strategy string
	// LatencyWindow is the number of latency samples averaged. Default: 100.
	LatencyWindow int
	// AssumedMaxQuota normalises remaining quota into capacity. Default: 1000.
	AssumedMaxQuota int64
	// Weights of the hybrid strategy. Default: 0.4/0.3/0.2/0.1.
	Weights balancer.HybridWeights
	// StrictContextFit makes token_aware return no provider when none fits.
	StrictContextFit bool
	// HealthCheckInterval is the provider probe period. Default: 30s.
	HealthCheckInterval time.Duration
	// MetricsTTL bounds provider metrics without updates.
	// Default: 2 × HealthCheckInterval.
	MetricsTTL time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trips the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe dispatch. Default: 30s.
	HalfOpenTimeout time.Duration
}

// DispatchConfig controls the worker pool.
type DispatchConfig struct {
	// Workers is the number of dispatch goroutines. Default: 4.
	Workers int
	// WebhookURL receives dispatched requests. Empty disables the workers;
	// requests are then only queued.
	WebhookURL string
	// Timeout bounds one invocation. Default: 30s.
	Timeout time.Duration
	// PollInterval is the idle back-off of a worker. Default: 250ms.
	PollInterval time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum submissions per minute per model.
	// 0 disables rate limiting. Requires the redis store. Default: 0.
	RPMLimit int
}

// EventsConfig selects where dispatch events go.
type EventsConfig struct {
	// Sink is one of slog, clickhouse, none. Default: slog.
	Sink string
	// ClickHouseDSN is required when Sink is clickhouse,
	// e.g. clickhouse://default:@localhost:9000/default.
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: redisURL(v),
		},

		Queue: QueueConfig{
			MaxDepth:       v.GetInt64("QUEUE_MAX_DEPTH"),
			AgingThreshold: v.GetDuration("QUEUE_AGING_THRESHOLD"),
			MetadataTTL:    v.GetDuration("QUEUE_METADATA_TTL"),
			MaxRetries:     v.GetInt("QUEUE_MAX_RETRIES"),
			SweepInterval:  v.GetDuration("QUEUE_SWEEP_INTERVAL"),
			PromoteAged:    v.GetBool("QUEUE_PROMOTE_AGED"),
		},

		Cache: CacheConfig{
			Enabled:             v.GetBool("CACHE_ENABLED"),
			SimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
			TTL:                 v.GetDuration("CACHE_TTL"),
			ExcludeExact:        splitList(v.GetStringSlice("CACHE_EXCLUDE_EXACT")),
			ExcludePatterns:     splitList(v.GetStringSlice("CACHE_EXCLUDE_PATTERNS")),
			Embedder:            strings.ToLower(v.GetString("EMBEDDER")),
			EmbeddingModel:      v.GetString("EMBEDDING_MODEL"),
		},

		Balancer: BalancerConfig{
			Strategy:        strings.ToLower(v.GetString("LB_STRATEGY")),
			LatencyWindow:   v.GetInt("LB_LATENCY_WINDOW"),
			AssumedMaxQuota: v.GetInt64("LB_ASSUMED_MAX_QUOTA"),
			Weights: balancer.HybridWeights{
				Health:   v.GetFloat64("LB_WEIGHT_HEALTH"),
				Latency:  v.GetFloat64("LB_WEIGHT_LATENCY"),
				Cost:     v.GetFloat64("LB_WEIGHT_COST"),
				Capacity: v.GetFloat64("LB_WEIGHT_CAPACITY"),
			},
			StrictContextFit:    v.GetBool("LB_STRICT_CONTEXT_FIT"),
			HealthCheckInterval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
			MetricsTTL:          v.GetDuration("METRICS_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Dispatch: DispatchConfig{
			Workers:      v.GetInt("DISPATCH_WORKERS"),
			WebhookURL:   v.GetString("DISPATCH_WEBHOOK_URL"),
			Timeout:      v.GetDuration("DISPATCH_TIMEOUT"),
			PollInterval: v.GetDuration("DISPATCH_POLL_INTERVAL"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Events: EventsConfig{
			Sink:          strings.ToLower(v.GetString("EVENTS_SINK")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Models:      v.GetStringMapStringSlice("models"),
		CORSOrigins: splitList(v.GetStringSlice("CORS_ORIGINS")),
	}

	if v.IsSet("providers") {
		if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
			return nil, fmt.Errorf("config: invalid providers section: %w", err)
		}
	}

	if cfg.Balancer.MetricsTTL <= 0 {
		cfg.Balancer.MetricsTTL = 2 * cfg.Balancer.HealthCheckInterval
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8090)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("STORE_MODE", StoreMemory)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)

	v.SetDefault("QUEUE_MAX_DEPTH", 1000)
	v.SetDefault("QUEUE_AGING_THRESHOLD", "30s")
	v.SetDefault("QUEUE_METADATA_TTL", "24h")
	v.SetDefault("QUEUE_MAX_RETRIES", 3)
	v.SetDefault("QUEUE_SWEEP_INTERVAL", "10s")
	v.SetDefault("QUEUE_PROMOTE_AGED", false)

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.85)
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("EMBEDDER", EmbedderHash)

	v.SetDefault("LB_STRATEGY", string(balancer.StrategyHybrid))
	v.SetDefault("LB_LATENCY_WINDOW", 100)
	v.SetDefault("LB_ASSUMED_MAX_QUOTA", 1000)
	v.SetDefault("LB_WEIGHT_HEALTH", balancer.DefaultHybridWeights.Health)
	v.SetDefault("LB_WEIGHT_LATENCY", balancer.DefaultHybridWeights.Latency)
	v.SetDefault("LB_WEIGHT_COST", balancer.DefaultHybridWeights.Cost)
	v.SetDefault("LB_WEIGHT_CAPACITY", balancer.DefaultHybridWeights.Capacity)
	v.SetDefault("LB_STRICT_CONTEXT_FIT", false)
	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", providers.CBErrorThreshold)
	v.SetDefault("CB_TIME_WINDOW", providers.CBTimeWindow.String())
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", providers.CBHalfOpenTimeout.String())

	v.SetDefault("DISPATCH_WORKERS", 4)
	v.SetDefault("DISPATCH_TIMEOUT", providers.ProviderTimeout.String())
	v.SetDefault("DISPATCH_POLL_INTERVAL", "250ms")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("EVENTS_SINK", SinkSlog)
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Store.Mode {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("config: STORE_MODE=redis needs REDIS_URL or REDIS_HOST")
		}
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: redis, memory", c.Store.Mode)
	}

	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("config: QUEUE_MAX_DEPTH must be ≥ 1, got %d", c.Queue.MaxDepth)
	}
	if c.Queue.AgingThreshold <= 0 {
		return fmt.Errorf("config: QUEUE_AGING_THRESHOLD must be a positive duration")
	}
	if c.Queue.MaxRetries < -1 {
		return fmt.Errorf("config: QUEUE_MAX_RETRIES must be ≥ -1 (-1 = unlimited), got %d", c.Queue.MaxRetries)
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("config: QUEUE_SWEEP_INTERVAL must be a positive duration")
	}

	if t := c.Cache.SimilarityThreshold; t <= 0 || t > 1 || math.IsNaN(t) {
		return fmt.Errorf("config: CACHE_SIMILARITY_THRESHOLD must be in (0, 1], got %v", t)
	}
	switch c.Cache.Embedder {
	case EmbedderHash:
	case EmbedderOpenAI:
		if c.Cache.Enabled && c.OpenAI.APIKey == "" {
			return fmt.Errorf("config: EMBEDDER=openai needs OPENAI_API_KEY")
		}
	case EmbedderGemini:
		if c.Cache.Enabled && c.Gemini.APIKey == "" {
			return fmt.Errorf("config: EMBEDDER=gemini needs GOOGLE_API_KEY")
		}
	default:
		return fmt.Errorf("config: invalid EMBEDDER %q; must be one of: hash, openai, gemini", c.Cache.Embedder)
	}

	if _, err := balancer.ParseStrategy(c.Balancer.Strategy); err != nil {
		return fmt.Errorf("config: invalid LB_STRATEGY: %w", err)
	}
	if c.Balancer.LatencyWindow < 1 {
		return fmt.Errorf("config: LB_LATENCY_WINDOW must be ≥ 1, got %d", c.Balancer.LatencyWindow)
	}
	if c.Balancer.AssumedMaxQuota < 1 {
		return fmt.Errorf("config: LB_ASSUMED_MAX_QUOTA must be ≥ 1, got %d", c.Balancer.AssumedMaxQuota)
	}
	w := c.Balancer.Weights
	if w.Health < 0 || w.Latency < 0 || w.Cost < 0 || w.Capacity < 0 {
		return fmt.Errorf("config: LB_WEIGHT_* must not be negative")
	}
	if w.Health+w.Latency+w.Cost+w.Capacity == 0 {
		return fmt.Errorf("config: at least one LB_WEIGHT_* must be positive")
	}
	if c.Balancer.HealthCheckInterval <= 0 {
		return fmt.Errorf("config: HEALTH_CHECK_INTERVAL must be a positive duration")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("config: DISPATCH_WORKERS must be ≥ 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("config: DISPATCH_TIMEOUT must be a positive duration")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	switch c.Events.Sink {
	case SinkSlog, SinkNone:
	case SinkClickHouse:
		if c.Events.ClickHouseDSN == "" {
			return fmt.Errorf("config: EVENTS_SINK=clickhouse needs CLICKHOUSE_DSN")
		}
	default:
		return fmt.Errorf("config: invalid EVENTS_SINK %q; must be one of: slog, clickhouse, none", c.Events.Sink)
	}

	for model, provs := range c.Models {
		if len(provs) == 0 {
			return fmt.Errorf("config: model %q has no providers", model)
		}
	}

	return nil
}

// redisURL returns REDIS_URL, or one assembled from the host parts.
func redisURL(v *viper.Viper) string {
	if u := v.GetString("REDIS_URL"); u != "" {
		return u
	}
	host := v.GetString("REDIS_HOST")
	if host == "" {
		return ""
	}
	addr := net.JoinHostPort(host, strconv.Itoa(v.GetInt("REDIS_PORT")))
	if pw := v.GetString("REDIS_PASSWORD"); pw != "" {
		return "redis://:" + pw + "@" + addr
	}
	return "redis://" + addr
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
