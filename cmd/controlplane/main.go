// Command controlplane runs the LLM control plane: a semantic response cache,
// a priority request queue and a provider load balancer behind a management
// API.
//
// It reads configuration from environment variables (or config.yaml) and
// serves the management API on the configured port.
//
// Quick-start (in-process store, hash embedder, queue only):
//
//	./controlplane
//
// Dispatching to a gateway, shared state in Redis:
//
//	STORE_MODE=redis REDIS_URL=redis://localhost:6379 \
//	DISPATCH_WEBHOOK_URL=http://gateway:8080/dispatch ./controlplane
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-controlplane/internal/app"
	"github.com/nulpointcorp/llm-controlplane/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("control plane stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
