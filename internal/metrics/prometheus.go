// Package metrics provides a Prometheus metrics registry for the control plane.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every component holds an optional *Registry; call sites check for nil.
package metrics

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// controlplane_inflight_requests
	inFlight prometheus.Gauge

	// controlplane_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// controlplane_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// controlplane_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// controlplane_cache_hit_similarity
	cacheSimilarity prometheus.Histogram

	// controlplane_queue_operations_total{model,priority,op}
	queueOps *prometheus.CounterVec

	// controlplane_queue_wait_seconds{model,priority}
	queueWait *prometheus.HistogramVec

	// controlplane_queue_depth{model,priority}
	queueDepth *prometheus.GaugeVec

	// controlplane_lb_selections_total{strategy,provider}
	selections *prometheus.CounterVec

	// controlplane_lb_no_provider_total{strategy}
	noProvider *prometheus.CounterVec

	// controlplane_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// controlplane_provider_latency_ms{provider}
	providerLatency *prometheus.GaugeVec

	// controlplane_provider_error_rate{provider}
	providerErrorRate *prometheus.GaugeVec

	// controlplane_provider_load{provider}
	providerLoad *prometheus.GaugeVec

	// circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// controlplane_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// controlplane_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// controlplane_dispatch_attempts_total{provider,outcome}
	dispatchAttempts *prometheus.CounterVec

	// controlplane_dispatch_duration_seconds{provider,outcome}
	dispatchDuration *prometheus.HistogramVec

	// controlplane_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// controlplane_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// controlplane_events_dropped_total
	eventsDropped prometheus.Counter

	// controlplane_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_inflight_requests",
			Help: "Current number of in-flight management API requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_http_requests_total",
				Help: "Total number of management API requests",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_http_request_duration_seconds",
				Help:    "Management API request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total semantic cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total semantic cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_cache_operations_total",
				Help: "Semantic cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		cacheSimilarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "controlplane_cache_hit_similarity",
			Help:    "Cosine similarity of served cache hits",
			Buckets: []float64{0.8, 0.85, 0.9, 0.925, 0.95, 0.975, 0.99, 1},
		}),

		queueOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_queue_operations_total",
				Help: "Queue operations (enqueued, rejected, dequeued, expired, promoted, requeued, abandoned, cancelled)",
			},
			[]string{"model", "priority", "op"},
		),

		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_queue_wait_seconds",
				Help:    "Time a request spent queued before dispatch",
				Buckets: durationBuckets,
			},
			[]string{"model", "priority"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_queue_depth",
				Help: "Pending requests per model and priority bucket (sampled by the sweeper)",
			},
			[]string{"model", "priority"},
		),

		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_lb_selections_total",
				Help: "Provider selections by strategy",
			},
			[]string{"strategy", "provider"},
		),

		noProvider: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_lb_no_provider_total",
				Help: "Selections that found no eligible provider",
			},
			[]string{"strategy"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_provider_health",
				Help: "Provider health score (0..1)",
			},
			[]string{"provider"},
		),

		providerLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_provider_latency_ms",
				Help: "Provider rolling average latency in milliseconds",
			},
			[]string{"provider"},
		),

		providerErrorRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_provider_error_rate",
				Help: "Provider exponentially decayed error rate (0..1)",
			},
			[]string{"provider"},
		),

		providerLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_provider_load",
				Help: "In-flight requests per provider",
			},
			[]string{"provider"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_circuit_breaker_rejections_total",
				Help: "Providers filtered out of a selection by circuit breaker state",
			},
			[]string{"provider", "state"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_dispatch_attempts_total",
				Help: "Dispatch attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_dispatch_duration_seconds",
				Help:    "Invoker call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_tokens_total",
				Help: "Token usage reported by the invoker",
			},
			[]string{"provider", "direction"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_events_dropped_total",
			Help: "Dispatch events dropped because the event buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.cacheSimilarity,
		r.queueOps,
		r.queueWait,
		r.queueDepth,
		r.selections,
		r.noProvider,
		r.providerHealth,
		r.providerLatency,
		r.providerErrorRate,
		r.providerLoad,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.dispatchAttempts,
		r.dispatchDuration,
		r.tokensTotal,
		r.rateLimitTotal,
		r.eventsDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records management API request metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit(similarity float64) {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
	r.cacheSimilarity.Observe(similarity)
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheGetError() {
	r.cacheOps.WithLabelValues("get", "error").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetBypass() {
	r.cacheOps.WithLabelValues("set", "bypass").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) CacheInvalidated(n int) {
	r.cacheOps.WithLabelValues("invalidate", "ok").Add(float64(n))
}

// RecordQueueOp counts one queue operation. op is one of enqueued, rejected,
// dequeued, expired, promoted, requeued, abandoned, cancelled.
func (r *Registry) RecordQueueOp(model, priority, op string) {
	r.queueOps.WithLabelValues(model, priority, op).Inc()
}

func (r *Registry) ObserveQueueWait(model, priority string, wait time.Duration) {
	r.queueWait.WithLabelValues(model, priority).Observe(wait.Seconds())
}

func (r *Registry) SetQueueDepth(model, priority string, depth int64) {
	r.queueDepth.WithLabelValues(model, priority).Set(float64(depth))
}

func (r *Registry) RecordSelection(strategy, provider string) {
	r.selections.WithLabelValues(strategy, provider).Inc()
}

func (r *Registry) RecordNoProvider(strategy string) {
	r.noProvider.WithLabelValues(strategy).Inc()
}

// SetProviderMetrics mirrors the balancer's view of one provider.
// A non-finite latency (no samples yet) is exported as -1.
func (r *Registry) SetProviderMetrics(provider string, health, latencyMs, errorRate float64) {
	r.providerHealth.WithLabelValues(provider).Set(health)
	if math.IsInf(latencyMs, 0) || math.IsNaN(latencyMs) {
		latencyMs = -1
	}
	r.providerLatency.WithLabelValues(provider).Set(latencyMs)
	r.providerErrorRate.WithLabelValues(provider).Set(errorRate)
}

func (r *Registry) SetProviderLoad(provider string, load int64) {
	r.providerLoad.WithLabelValues(provider).Set(float64(load))
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

// ObserveDispatch records one invoker call. outcome is ok or error.
func (r *Registry) ObserveDispatch(provider, outcome string, dur time.Duration) {
	r.dispatchAttempts.WithLabelValues(provider, outcome).Inc()
	if dur > 0 {
		r.dispatchDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
	}
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddEventsDropped(n int64) {
	r.eventsDropped.Add(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
