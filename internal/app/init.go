package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nulpointcorp/llm-controlplane/internal/admin"
	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/config"
	"github.com/nulpointcorp/llm-controlplane/internal/dispatch"
	"github.com/nulpointcorp/llm-controlplane/internal/events"
	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-controlplane/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/llm-controlplane/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/llm-controlplane/internal/providers/openai"
	"github.com/nulpointcorp/llm-controlplane/internal/queue"
	"github.com/nulpointcorp/llm-controlplane/internal/ratelimit"
	"github.com/nulpointcorp/llm-controlplane/internal/semcache"
	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

// initInfra opens the shared store every component works against.
func (a *App) initInfra(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case config.StoreRedis:
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))

		rs, err := store.NewRedisStoreFromURL(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redisStore = rs
		a.st = rs
		a.log.Info("redis connected")

	case config.StoreMemory:
		// Not shared across replicas.
		a.st = store.NewMemoryStore(a.baseCtx)
		a.log.Info("store backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	return nil
}

// initProviders builds the health probes for providers with credentials and
// the embedder used by the semantic cache.
func (a *App) initProviders(ctx context.Context) error {
	a.catalog = providers.NewCatalog(a.cfg.Models, a.cfg.Providers)

	probers, err := buildProbers(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	a.probers = probers

	names := make([]string, 0, len(probers))
	for _, p := range probers {
		names = append(names, p.Name())
	}
	a.log.Info("providers loaded",
		slog.Any("probed", names),
		slog.Any("routable", a.catalog.AllProviders()),
	)

	if a.cfg.Cache.Enabled {
		emb, err := buildEmbedder(a.baseCtx, a.cfg)
		if err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
		a.embedder = emb
		a.log.Info("embedder ready", slog.String("embedder", a.cfg.Cache.Embedder))
	}

	return nil
}

// initServices creates the metrics registry and every store-backed component.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	strategy, err := balancer.ParseStrategy(a.cfg.Balancer.Strategy)
	if err != nil {
		return err
	}
	a.strategy = strategy

	// ── Events ──────────────────────────────────────────────────────────────
	var sink events.Sink
	switch a.cfg.Events.Sink {
	case config.SinkClickHouse:
		ch, err := events.OpenClickHouse(ctx, a.cfg.Events.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		a.chSink = ch
		sink = ch
		a.log.Info("events sink: clickhouse", slog.String("dsn", redactURL(a.cfg.Events.ClickHouseDSN)))
	case config.SinkSlog:
		sink = events.NewSlogSink(a.log)
	case config.SinkNone:
		a.log.Info("events sink: disabled")
	}
	if sink != nil {
		evl, err := events.New(a.baseCtx, sink, events.Options{Logger: a.log, Metrics: a.prom})
		if err != nil {
			return err
		}
		a.evLogger = evl
	}

	// ── Semantic cache ──────────────────────────────────────────────────────
	if a.cfg.Cache.Enabled {
		var excl *semcache.ExclusionList
		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			excl, err = semcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			a.log.Info("cache exclusions loaded", slog.Int("rules", excl.Len()))
		}
		a.cache = semcache.New(a.st, a.embedder, semcache.Options{
			Threshold:  a.cfg.Cache.SimilarityThreshold,
			DefaultTTL: a.cfg.Cache.TTL,
			Exclusions: excl,
			Logger:     a.log,
			Metrics:    a.prom,
		})
	} else {
		a.log.Info("semantic cache: disabled")
	}

	// ── Load balancing ──────────────────────────────────────────────────────
	a.lb = balancer.New(a.st, balancer.Options{
		LatencyWindow:    a.cfg.Balancer.LatencyWindow,
		MetricsTTL:       a.cfg.Balancer.MetricsTTL,
		AssumedMaxQuota:  a.cfg.Balancer.AssumedMaxQuota,
		Weights:          a.cfg.Balancer.Weights,
		ContextWindows:   a.catalog.ContextWindows(),
		Costs:            a.catalog.Costs(),
		StrictContextFit: a.cfg.Balancer.StrictContextFit,
		Logger:           a.log,
		Metrics:          a.prom,
	})
	a.breaker = balancer.NewCircuitBreakerWithConfig(balancer.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		Metrics:         a.prom,
	})
	a.health = balancer.NewHealthChecker(
		a.baseCtx, a.probers, storePinger(a.baseCtx, a.st), a.lb, a.cfg.Balancer.HealthCheckInterval,
	)

	// ── Queue ───────────────────────────────────────────────────────────────
	a.queue = queue.New(a.st, queue.Options{
		MaxDepth:       a.cfg.Queue.MaxDepth,
		AgingThreshold: a.cfg.Queue.AgingThreshold,
		MetadataTTL:    a.cfg.Queue.MetadataTTL,
		MaxRetries:     a.cfg.Queue.MaxRetries,
		Logger:         a.log,
		Metrics:        a.prom,
	})

	// Rate limiting: only when Redis is available.
	if a.cfg.RateLimit.RPMLimit > 0 {
		if a.redisStore == nil {
			a.log.Warn("rate limiting needs STORE_MODE=redis; RPM_LIMIT ignored",
				slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
		} else {
			a.limiter = ratelimit.NewRPMLimiter(a.redisStore.Client(), a.cfg.RateLimit.RPMLimit, a.prom)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
		}
	}

	return nil
}

// initDispatch builds the dispatcher. Without a webhook the control plane
// only queues; an external consumer drains the buckets.
func (a *App) initDispatch(_ context.Context) error {
	if a.cfg.Dispatch.WebhookURL != "" {
		a.invoker = dispatch.NewWebhookInvoker(a.cfg.Dispatch.WebhookURL, a.cfg.Dispatch.Timeout, nil)
		a.log.Info("dispatch webhook configured", slog.String("url", redactURL(a.cfg.Dispatch.WebhookURL)))
	} else {
		a.log.Info("dispatch webhook not configured; requests are queued only")
	}

	opts := dispatch.Options{
		Cache:         a.cache,
		Breaker:       a.breaker,
		Strategy:      a.strategy,
		Workers:       a.cfg.Dispatch.Workers,
		PollInterval:  a.cfg.Dispatch.PollInterval,
		SweepInterval: a.cfg.Queue.SweepInterval,
		PromoteAged:   a.cfg.Queue.PromoteAged,
		InvokeTimeout: a.cfg.Dispatch.Timeout,
		Logger:        a.log,
		Metrics:       a.prom,
	}
	// Typed nils must not leak into the interface fields.
	if a.limiter != nil {
		opts.Limiter = a.limiter
	}
	if a.evLogger != nil {
		opts.Events = a.evLogger
	}

	a.dispatch = dispatch.New(a.st, a.queue, a.lb, a.catalog, a.invoker, opts)
	return nil
}

// initAdmin builds the management API.
func (a *App) initAdmin(_ context.Context) error {
	a.adminSrv = admin.New(admin.Deps{
		Dispatcher:  a.dispatch,
		Queue:       a.queue,
		Balancer:    a.lb,
		Catalog:     a.catalog,
		Cache:       a.cache,
		Breaker:     a.breaker,
		Health:      a.health,
		Metrics:     a.prom,
		Strategy:    a.strategy,
		CORSOrigins: a.cfg.CORSOrigins,
		Logger:      a.log,
	})
	return nil
}

// buildProbers creates a health probe for every provider with an API key.
// Providers without one stay routable and keep neutral metrics.
func buildProbers(ctx context.Context, cfg *config.Config) ([]providers.Prober, error) {
	var probers []providers.Prober

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		probers = append(probers, openaiprov.New(cfg.OpenAI.APIKey, opts...))
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		probers = append(probers, anthropicprov.New(cfg.Anthropic.APIKey, opts...))
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		probers = append(probers, p)
	}

	sort.Slice(probers, func(i, j int) bool { return probers[i].Name() < probers[j].Name() })
	return probers, nil
}

// buildEmbedder returns the embedder selected by EMBEDDER.
func buildEmbedder(ctx context.Context, cfg *config.Config) (semcache.Embedder, error) {
	switch cfg.Cache.Embedder {
	case config.EmbedderOpenAI:
		opts := []openaiprov.Option{}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.Cache.EmbeddingModel != "" {
			opts = append(opts, openaiprov.WithEmbeddingModel(cfg.Cache.EmbeddingModel))
		}
		return openaiprov.New(cfg.OpenAI.APIKey, opts...), nil

	case config.EmbedderGemini:
		opts := []geminiprov.Option{}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		if cfg.Cache.EmbeddingModel != "" {
			opts = append(opts, geminiprov.WithEmbeddingModel(cfg.Cache.EmbeddingModel))
		}
		p, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil

	case config.EmbedderHash, "":
		return semcache.NewHashEmbedder(0), nil

	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Cache.Embedder)
	}
}
