package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/config"
	"github.com/nulpointcorp/llm-controlplane/internal/dispatch"
	"github.com/nulpointcorp/llm-controlplane/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Port:     8090,
		LogLevel: "info",
		Store:    config.StoreConfig{Mode: config.StoreMemory},
		Queue: config.QueueConfig{
			MaxDepth:       10,
			AgingThreshold: 30 * time.Second,
			MetadataTTL:    time.Hour,
			MaxRetries:     3,
			SweepInterval:  time.Second,
		},
		Cache: config.CacheConfig{
			Enabled:             true,
			SimilarityThreshold: 0.85,
			TTL:                 time.Hour,
			Embedder:            config.EmbedderHash,
		},
		Balancer: config.BalancerConfig{
			Strategy:            "round_robin",
			LatencyWindow:       100,
			AssumedMaxQuota:     1000,
			Weights:             balancer.DefaultHybridWeights,
			HealthCheckInterval: time.Minute,
			MetricsTTL:          2 * time.Minute,
		},
		CircuitBreaker: config.CircuitBreakerConfig{ErrorThreshold: 5, TimeWindow: time.Minute},
		Dispatch:       config.DispatchConfig{Workers: 1, Timeout: time.Second, PollInterval: 10 * time.Millisecond},
		Events:         config.EventsConfig{Sink: config.SinkNone},
		Models:         map[string][]string{"gpt-4o": {"openai", "azure"}},
		CORSOrigins:    []string{"*"},
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"redis://:secret@localhost:6379":          "redis://***@localhost:6379",
		"redis://user:pw@redis.example:6380/2":    "redis://***@redis.example:6380/2",
		"redis://localhost:6379":                  "redis://localhost:6379",
		"clickhouse://default:pw@ch:9000/default": "clickhouse://***@ch:9000/default",
		"user:pw@host":                            "***@host",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew_NilContext(t *testing.T) {
	var ctx context.Context
	if _, err := New(ctx, testConfig(), discardLogger(), "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestNew_MemoryStack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(), discardLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.cache == nil {
		t.Error("expected semantic cache to be enabled")
	}
	if a.invoker != nil {
		t.Error("expected no invoker without a webhook URL")
	}
	if a.limiter != nil {
		t.Error("rate limiter must stay off in memory mode")
	}
	if a.evLogger != nil {
		t.Error("events logger must be nil for sink none")
	}
	if a.strategy != balancer.StrategyRoundRobin {
		t.Errorf("strategy = %q", a.strategy)
	}

	out, err := a.dispatch.Submit(ctx, dispatch.Submission{
		Prompt:   "summarise the release notes",
		Model:    "gpt-4o",
		Priority: queue.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.CacheHit || out.RequestID == "" {
		t.Fatalf("expected a queued request, got %+v", out)
	}

	depth, err := a.queue.BucketDepth(ctx, "gpt-4o", queue.PriorityHigh)
	if err != nil {
		t.Fatalf("BucketDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}

	// Queue-only mode never takes requests off the queue.
	if a.dispatch.DispatchOnce(ctx, "gpt-4o") {
		t.Error("DispatchOnce must be a no-op without an invoker")
	}
}

func TestNew_CacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Enabled = false

	a, err := New(context.Background(), cfg, discardLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.cache != nil || a.embedder != nil {
		t.Error("expected cache and embedder to be nil when disabled")
	}
}

func TestNew_BadExclusionPattern(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.ExcludePatterns = []string{"(unclosed"}

	_, err := New(context.Background(), cfg, discardLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "init services") {
		t.Fatalf("expected init services error, got %v", err)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Mode: config.StoreRedis, RedisURL: "redis://127.0.0.1:1"}

	_, err := New(context.Background(), cfg, discardLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "init infra") {
		t.Fatalf("expected init infra error, got %v", err)
	}
}

func TestNew_RedisEnablesRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Store = config.StoreConfig{Mode: config.StoreRedis, RedisURL: "redis://" + mr.Addr()}
	cfg.RateLimit.RPMLimit = 60
	cfg.Dispatch.WebhookURL = "http://127.0.0.1:1/dispatch"
	cfg.Events.Sink = config.SinkSlog

	a, err := New(context.Background(), cfg, discardLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.redisStore == nil {
		t.Fatal("expected redis store")
	}
	if a.limiter == nil {
		t.Error("expected rate limiter with redis and RPM_LIMIT > 0")
	}
	if a.invoker == nil {
		t.Error("expected webhook invoker")
	}
	if a.evLogger == nil {
		t.Error("expected events logger for slog sink")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(), discardLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Close()
	a.Close()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, discardLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Port)
	var up bool
	for range 100 {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			up = resp.StatusCode == http.StatusOK
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !up {
		t.Fatal("admin API never became healthy")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
