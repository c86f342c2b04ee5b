// Package admin serves the control plane's management API: submission and
// inspection of queued requests, queue and cache maintenance, provider
// metrics and routing decisions, plus the health, readiness and Prometheus
// endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/dispatch"
	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/providers"
	"github.com/nulpointcorp/llm-controlplane/internal/queue"
	"github.com/nulpointcorp/llm-controlplane/internal/semcache"
)

const (
	maxBodySize    = 4 << 20
	requestTimeout = 10 * time.Second
)

// Deps are the components the API exposes. Cache, Breaker, Health and
// Metrics may be nil.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Queue
	Balancer   *balancer.Balancer
	Catalog    *providers.Catalog
	Cache      *semcache.Cache
	Breaker    *balancer.CircuitBreaker
	Health     *balancer.HealthChecker
	Metrics    *metrics.Registry

	// Strategy is the default for POST /v1/route.
	Strategy    balancer.Strategy
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server is the management API.
type Server struct {
	deps Deps
	log  *slog.Logger
	srv  *fasthttp.Server
}

// New builds the server; call ListenAndServe to start it.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Strategy == "" {
		d.Strategy = balancer.StrategyHybrid
	}
	s := &Server{deps: d, log: d.Logger}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "llm-controlplane",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		MaxRequestBodySize: maxBodySize,
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.deps.Metrics != nil {
		r.GET("/metrics", s.deps.Metrics.Handler())
	}

	v1 := r.Group("/v1")
	v1.POST("/requests", s.handleSubmit)
	v1.GET("/requests/{id}", s.handleGetRequest)
	v1.DELETE("/requests/{id}", s.handleCancel)
	v1.GET("/queues", s.handleQueues)
	v1.GET("/queues/{model}", s.handleQueueDepth)
	v1.POST("/queues/sweep", s.handleSweep)
	v1.DELETE("/cache", s.handleInvalidate)
	v1.GET("/providers", s.handleProviders)
	v1.GET("/providers/{provider}/metrics", s.handleProviderMetrics)
	v1.POST("/route", s.handleRoute)

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		observe(s.deps.Metrics),
		corsHandler(s.deps.CORSOrigins),
		securityHeaders,
	)
}

// ListenAndServe blocks serving addr (e.g. ":8090").
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("admin_listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// reqContext bounds store work done on behalf of one API call. fasthttp
// contexts are not cancelled when the client goes away, so the bound is a
// fixed timeout.
func reqContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func isStoreDown(err error) bool {
	return errors.Is(err, queue.ErrStoreUnavailable)
}
