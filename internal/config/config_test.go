package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// configKeys lists every env var Load reads, so tests start from a clean slate.
var configKeys = []string{
	"PORT", "LOG_LEVEL", "CORS_ORIGINS",
	"STORE_MODE", "REDIS_URL", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD",
	"QUEUE_MAX_DEPTH", "QUEUE_AGING_THRESHOLD", "QUEUE_METADATA_TTL",
	"QUEUE_MAX_RETRIES", "QUEUE_SWEEP_INTERVAL", "QUEUE_PROMOTE_AGED",
	"CACHE_ENABLED", "CACHE_SIMILARITY_THRESHOLD", "CACHE_TTL",
	"CACHE_EXCLUDE_EXACT", "CACHE_EXCLUDE_PATTERNS", "EMBEDDER", "EMBEDDING_MODEL",
	"LB_STRATEGY", "LB_LATENCY_WINDOW", "LB_ASSUMED_MAX_QUOTA",
	"LB_WEIGHT_HEALTH", "LB_WEIGHT_LATENCY", "LB_WEIGHT_COST", "LB_WEIGHT_CAPACITY",
	"LB_STRICT_CONTEXT_FIT", "HEALTH_CHECK_INTERVAL", "METRICS_TTL",
	"CB_ERROR_THRESHOLD", "CB_TIME_WINDOW", "CB_HALF_OPEN_TIMEOUT",
	"DISPATCH_WORKERS", "DISPATCH_WEBHOOK_URL", "DISPATCH_TIMEOUT", "DISPATCH_POLL_INTERVAL",
	"RPM_LIMIT", "EVENTS_SINK", "CLICKHOUSE_DSN",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL",
	"GOOGLE_API_KEY", "GEMINI_BASE_URL",
}

// cleanEnv blanks every config var and moves into an empty directory.
// Empty env vars are treated as unset by viper.
func cleanEnv(t *testing.T) string {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8090 {
		t.Errorf("Port = %d, want 8090", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Store.Mode != StoreMemory {
		t.Errorf("Store.Mode = %q, want memory", cfg.Store.Mode)
	}
	if cfg.Store.RedisURL != "redis://localhost:6379" {
		t.Errorf("Store.RedisURL = %q", cfg.Store.RedisURL)
	}
	if cfg.Queue.MaxDepth != 1000 || cfg.Queue.AgingThreshold != 30*time.Second {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.MaxRetries != 3 || cfg.Queue.MetadataTTL != 24*time.Hour {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if !cfg.Cache.Enabled || cfg.Cache.SimilarityThreshold != 0.85 || cfg.Cache.TTL != time.Hour {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Cache.Embedder != EmbedderHash {
		t.Errorf("Embedder = %q, want hash", cfg.Cache.Embedder)
	}
	if cfg.Balancer.Strategy != "hybrid" {
		t.Errorf("Strategy = %q, want hybrid", cfg.Balancer.Strategy)
	}
	if cfg.Balancer.Weights.Health != 0.4 || cfg.Balancer.Weights.Capacity != 0.1 {
		t.Errorf("unexpected weights: %+v", cfg.Balancer.Weights)
	}
	if cfg.Balancer.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v", cfg.Balancer.HealthCheckInterval)
	}
	if cfg.Balancer.MetricsTTL != time.Minute {
		t.Errorf("MetricsTTL = %v, want 2x health interval", cfg.Balancer.MetricsTTL)
	}
	if cfg.CircuitBreaker.ErrorThreshold != 5 || cfg.CircuitBreaker.TimeWindow != time.Minute {
		t.Errorf("unexpected breaker defaults: %+v", cfg.CircuitBreaker)
	}
	if cfg.Dispatch.Workers != 4 || cfg.Dispatch.Timeout != 30*time.Second {
		t.Errorf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	if cfg.Events.Sink != SinkSlog {
		t.Errorf("Events.Sink = %q, want slog", cfg.Events.Sink)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if len(cfg.Models) != 0 {
		t.Errorf("Models = %v, want empty", cfg.Models)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("STORE_MODE", "REDIS")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "s3cret")
	t.Setenv("QUEUE_AGING_THRESHOLD", "45s")
	t.Setenv("QUEUE_MAX_RETRIES", "-1")
	t.Setenv("QUEUE_PROMOTE_AGED", "true")
	t.Setenv("CACHE_EXCLUDE_EXACT", "gpt-4o, o1")
	t.Setenv("CACHE_EXCLUDE_PATTERNS", "^claude-.*")
	t.Setenv("LB_STRATEGY", "least-loaded")
	t.Setenv("HEALTH_CHECK_INTERVAL", "10s")
	t.Setenv("RPM_LIMIT", "120")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Mode != StoreRedis {
		t.Errorf("Store.Mode = %q, want redis", cfg.Store.Mode)
	}
	if cfg.Store.RedisURL != "redis://:s3cret@cache.internal:6380" {
		t.Errorf("Store.RedisURL = %q", cfg.Store.RedisURL)
	}
	if cfg.Queue.AgingThreshold != 45*time.Second || cfg.Queue.MaxRetries != -1 || !cfg.Queue.PromoteAged {
		t.Errorf("unexpected queue config: %+v", cfg.Queue)
	}
	if strings.Join(cfg.Cache.ExcludeExact, "|") != "gpt-4o|o1" {
		t.Errorf("ExcludeExact = %v", cfg.Cache.ExcludeExact)
	}
	if len(cfg.Cache.ExcludePatterns) != 1 {
		t.Errorf("ExcludePatterns = %v", cfg.Cache.ExcludePatterns)
	}
	if cfg.Balancer.Strategy != "least-loaded" {
		t.Errorf("Strategy = %q", cfg.Balancer.Strategy)
	}
	if cfg.Balancer.MetricsTTL != 20*time.Second {
		t.Errorf("MetricsTTL = %v, want 20s", cfg.Balancer.MetricsTTL)
	}
	if cfg.RateLimit.RPMLimit != 120 {
		t.Errorf("RPMLimit = %d", cfg.RateLimit.RPMLimit)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoad_RedisURLWins(t *testing.T) {
	cleanEnv(t)
	t.Setenv("STORE_MODE", "redis")
	t.Setenv("REDIS_URL", "rediss://user:pw@redis.example:6390/2")
	t.Setenv("REDIS_HOST", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.RedisURL != "rediss://user:pw@redis.example:6390/2" {
		t.Errorf("Store.RedisURL = %q", cfg.Store.RedisURL)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := cleanEnv(t)
	writeFile(t, filepath.Join(dir, "config.yaml"), `
port: 9000
lb_strategy: cost_optimized
models:
  gpt-4o: [openai, azure]
  llama-3-70b: [groq]
providers:
  azure:
    cost_per_1k: 0.004
    context_window: 128000
  groq:
    cost_per_1k: 0.0006
    context_window: 8192
`)
	t.Setenv("PORT", "9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9100 {
		t.Errorf("Port = %d, env must override yaml", cfg.Port)
	}
	if cfg.Balancer.Strategy != "cost_optimized" {
		t.Errorf("Strategy = %q", cfg.Balancer.Strategy)
	}
	if got := cfg.Models["gpt-4o"]; len(got) != 2 || got[0] != "openai" || got[1] != "azure" {
		t.Errorf("Models[gpt-4o] = %v", got)
	}
	if got := cfg.Models["llama-3-70b"]; len(got) != 1 || got[0] != "groq" {
		t.Errorf("Models[llama-3-70b] = %v", got)
	}
	groq, ok := cfg.Providers["groq"]
	if !ok {
		t.Fatalf("Providers missing groq: %v", cfg.Providers)
	}
	if groq.CostPer1K != 0.0006 || groq.ContextWindow != 8192 {
		t.Errorf("Providers[groq] = %+v", groq)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := cleanEnv(t)
	// gotenv never overrides variables that are present, even when empty.
	_ = os.Unsetenv("DISPATCH_WORKERS")
	writeFile(t, filepath.Join(dir, ".env"), "DISPATCH_WORKERS=7\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.Workers != 7 {
		t.Errorf("Workers = %d, want 7 from .env", cfg.Dispatch.Workers)
	}
}

func TestLoad_DotEnvDirectory(t *testing.T) {
	dir := cleanEnv(t)
	if err := os.Mkdir(filepath.Join(dir, ".env"), 0o700); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when .env is a directory")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad port", map[string]string{"PORT": "70000"}, "PORT"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"bad store", map[string]string{"STORE_MODE": "etcd"}, "STORE_MODE"},
		{"zero depth", map[string]string{"QUEUE_MAX_DEPTH": "0"}, "QUEUE_MAX_DEPTH"},
		{"retries below -1", map[string]string{"QUEUE_MAX_RETRIES": "-2"}, "QUEUE_MAX_RETRIES"},
		{"threshold above 1", map[string]string{"CACHE_SIMILARITY_THRESHOLD": "1.5"}, "CACHE_SIMILARITY_THRESHOLD"},
		{"bad embedder", map[string]string{"EMBEDDER": "word2vec"}, "EMBEDDER"},
		{"openai embedder without key", map[string]string{"EMBEDDER": "openai"}, "OPENAI_API_KEY"},
		{"gemini embedder without key", map[string]string{"EMBEDDER": "gemini"}, "GOOGLE_API_KEY"},
		{"bad strategy", map[string]string{"LB_STRATEGY": "random"}, "LB_STRATEGY"},
		{"negative weight", map[string]string{"LB_WEIGHT_COST": "-0.1"}, "LB_WEIGHT"},
		{"zero weights", map[string]string{
			"LB_WEIGHT_HEALTH": "0", "LB_WEIGHT_LATENCY": "0", "LB_WEIGHT_COST": "0", "LB_WEIGHT_CAPACITY": "0",
		}, "LB_WEIGHT"},
		{"zero workers", map[string]string{"DISPATCH_WORKERS": "0"}, "DISPATCH_WORKERS"},
		{"negative rpm", map[string]string{"RPM_LIMIT": "-5"}, "RPM_LIMIT"},
		{"bad sink", map[string]string{"EVENTS_SINK": "kafka"}, "EVENTS_SINK"},
		{"clickhouse without dsn", map[string]string{"EVENTS_SINK": "clickhouse"}, "CLICKHOUSE_DSN"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_EmbedderKeyNotNeededWhenCacheDisabled(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("EMBEDDER", "openai")

	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"a, b", "", " c ", "d,,e"})
	if strings.Join(got, "|") != "a|b|c|d|e" {
		t.Errorf("splitList = %v", got)
	}
}
