// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    : shared store (Redis or in-process)
//  2. initProviders: health probes and the prompt embedder
//  3. initServices : metrics, events, cache, balancer, queue, rate limiter
//  4. initDispatch : dispatcher and its invoker
//  5. initAdmin    : management API
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-controlplane/internal/admin"
	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/config"
	"github.com/nulpointcorp/llm-controlplane/internal/dispatch"
	"github.com/nulpointcorp/llm-controlplane/internal/events"
	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/providers"
	"github.com/nulpointcorp/llm-controlplane/internal/queue"
	"github.com/nulpointcorp/llm-controlplane/internal/ratelimit"
	"github.com/nulpointcorp/llm-controlplane/internal/semcache"
	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st         store.Store
	redisStore *store.RedisStore // nil in memory mode

	prom     *metrics.Registry
	catalog  *providers.Catalog
	strategy balancer.Strategy
	probers  []providers.Prober
	embedder semcache.Embedder

	chSink    *events.ClickHouseSink // nil unless EVENTS_SINK=clickhouse
	evLogger  *events.Logger         // nil when EVENTS_SINK=none
	cache     *semcache.Cache        // nil when CACHE_ENABLED=false
	lb        *balancer.Balancer
	breaker   *balancer.CircuitBreaker
	health    *balancer.HealthChecker
	queue     *queue.Queue
	limiter   *ratelimit.RPMLimiter // nil when disabled
	invoker   dispatch.Invoker      // nil without DISPATCH_WEBHOOK_URL
	dispatch  *dispatch.Dispatcher
	adminSrv  *admin.Server
	closeMu   sync.Mutex
	closeDone bool
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"dispatch", a.initDispatch},
		{"admin", a.initAdmin},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the management API and the dispatcher and blocks until ctx is
// cancelled or one of them fails. It closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting control plane",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.String("strategy", string(a.strategy)),
		slog.Bool("cache_enabled", a.cache != nil),
		slog.Bool("dispatch_enabled", a.invoker != nil),
		slog.Int("models", len(a.catalog.Models())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.adminSrv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.dispatch.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.adminSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("admin shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closeDone {
		return
	}
	a.closeDone = true

	if a.health != nil {
		a.health.Close()
	}
	if a.evLogger != nil {
		if err := a.evLogger.Close(); err != nil {
			a.log.Error("events close error", slog.String("error", err.Error()))
		}
		if n := a.evLogger.Dropped(); n > 0 {
			a.log.Warn("events dropped", slog.Int64("count", n))
		}
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
	}
}

// storePinger returns a zero-argument probe function suitable for the
// HealthChecker.
func storePinger(ctx context.Context, st store.Store) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return st.Ping(pingCtx) == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
