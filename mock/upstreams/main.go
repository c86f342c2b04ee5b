// Command upstreams runs lightweight HTTP mock servers for everything the
// control plane talks to. It is used for E2E/load testing without real
// credentials or a real gateway.
//
// Each upstream listens on its own port:
//
//	Dispatch webhook (gateway)  :19000
//	OpenAI                      :19001
//	Anthropic                   :19002
//	Gemini                      :19003
//
// Environment overrides (PORT_<UPSTREAM>):
//
//	PORT_WEBHOOK, PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS     : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE     : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_RESPONSE_WORDS : words in generated responses (default 10)
//	MOCK_FAIL_PROVIDERS : comma-separated providers the webhook always fails with 503
//	MOCK_QUOTA          : starting quota per provider reported by the webhook (default 1000)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS     int
	ErrorRate     float64
	ResponseWords int
	FailProviders map[string]bool
	Quota         int64
}

func loadConfig() Config {
	c := Config{ResponseWords: 10, Quota: 1000, FailProviders: map[string]bool{}}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_RESPONSE_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ResponseWords = n
		}
	}
	if v := os.Getenv("MOCK_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			c.Quota = n
		}
	}
	for _, p := range strings.Split(os.Getenv("MOCK_FAIL_PROVIDERS"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			c.FailProviders[p] = true
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock upstream listening", slog.String("upstream", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("upstream", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("response_words", cfg.ResponseWords),
		slog.Int("failing_providers", len(cfg.FailProviders)),
	)

	servers := []*http.Server{
		startServer("webhook", ":"+portFromEnv("PORT_WEBHOOK", 19000), newWebhookHandler(cfg, log), log),
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstreams")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock upstreams stopped")
}
