// Package dispatch glues the control plane together for callers.
//
// Submit consults the semantic cache and, on a miss, admits the request into
// the priority queue. Workers started by Run dequeue the most urgent request
// per model, pick a provider through the balancer, hand the request to an
// Invoker and fold the outcome back into provider metrics, the circuit
// breaker and the cache.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/events"
	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/providers"
	"github.com/nulpointcorp/llm-controlplane/internal/queue"
	"github.com/nulpointcorp/llm-controlplane/internal/semcache"
	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

const (
	DefaultWorkers       = 4
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultSweepInterval = 10 * time.Second
	DefaultInvokeTimeout = providers.ProviderTimeout
	DefaultResultTTL     = 10 * time.Minute
	// DefaultMaxHoldBackoff caps how long a model is paused after its
	// requests found every provider unavailable.
	DefaultMaxHoldBackoff = 5 * time.Second

	resultPrefix = "dispatch-result"

	// Reserved metadata keys carrying what the write-back needs.
	metaPrefix        = "cp."
	metaPrompt        = metaPrefix + "prompt"
	metaTemperature   = metaPrefix + "temperature"
	metaMaxTokens     = metaPrefix + "max_tokens"
	metaTopP          = metaPrefix + "top_p"
	metaContextTokens = metaPrefix + "context_tokens"
)

var (
	// ErrUnknownModel is returned by Submit for models without providers.
	ErrUnknownModel = errors.New("dispatch: unknown model")
	// ErrRateLimited is returned by Submit when the model's RPM budget is spent.
	ErrRateLimited = errors.New("dispatch: rate limited")
	// ErrNoResult is returned by Result for ids without a recorded completion.
	ErrNoResult = errors.New("dispatch: no result")
)

// Result is what an Invoker reports for a served request.
type Result struct {
	Response       string
	InputTokens    int
	OutputTokens   int
	RemainingQuota *int64
}

// Invoker performs inference for req on provider, out of band.
type Invoker interface {
	Invoke(ctx context.Context, provider string, req *queue.Request) (*Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, provider string, req *queue.Request) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, provider string, req *queue.Request) (*Result, error) {
	return f(ctx, provider, req)
}

// Limiter gates submissions per model.
type Limiter interface {
	Allow(ctx context.Context, model string) (bool, error)
}

// EventRecorder receives one event per dispatch decision.
type EventRecorder interface {
	Record(events.Event)
}

// Submission is an inbound request.
type Submission struct {
	Prompt string
	// Payload is forwarded to the Invoker; defaults to Prompt.
	Payload  string
	Model    string
	Params   semcache.Params
	// Priority is taken as is; the zero value is PriorityBulk. Callers
	// without a preference should pass queue.PriorityNormal.
	Priority queue.Priority
	Deadline time.Duration
	Metadata map[string]string
	// ContextTokens is the estimated request size; estimated from the prompt
	// when zero.
	ContextTokens int
}

// Outcome of Submit: either a cache hit carrying the response, or the id of
// the queued request.
type Outcome struct {
	CacheHit     bool
	Response     string
	Similarity   float64
	CachedPrompt string
	RequestID    string
}

// Completion is the recorded end state of a dispatched request.
type Completion struct {
	RequestID   string    `json:"request_id"`
	Model       string    `json:"model"`
	Provider    string    `json:"provider,omitempty"`
	Status      string    `json:"status"`
	Response    string    `json:"response,omitempty"`
	Error       string    `json:"error,omitempty"`
	Retries     int       `json:"retries"`
	CompletedAt time.Time `json:"completed_at"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Options configure a Dispatcher. Zero values select the defaults; the
// optional collaborators may be nil.
type Options struct {
	Cache    *semcache.Cache
	Breaker  *balancer.CircuitBreaker
	Limiter  Limiter
	Events   EventRecorder
	Strategy balancer.Strategy

	Workers       int
	PollInterval  time.Duration
	SweepInterval time.Duration
	// PromoteAged enables the relocating aging sweep on top of the
	// promotion Dequeue applies at read time.
	PromoteAged   bool
	InvokeTimeout time.Duration
	ResultTTL     time.Duration
	// MaxHoldBackoff caps the pause applied to a model whose requests
	// cannot be placed on any provider. The pause starts at PollInterval
	// and doubles per consecutive miss.
	MaxHoldBackoff time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Dispatcher drives requests from submission to completion.
type Dispatcher struct {
	st      store.Store
	q       *queue.Queue
	lb      *balancer.Balancer
	catalog *providers.Catalog
	invoker Invoker

	cache    *semcache.Cache
	breaker  *balancer.CircuitBreaker
	limiter  Limiter
	events   EventRecorder
	strategy balancer.Strategy

	workers       int
	pollInterval  time.Duration
	sweepInterval time.Duration
	promoteAged   bool
	invokeTimeout time.Duration
	resultTTL     time.Duration
	maxHold       time.Duration

	holdMu sync.Mutex
	holds  map[string]modelHold // model → pause after unplaceable requests

	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// New creates a Dispatcher. st holds completion records. inv may be nil,
// in which case requests are only queued for an external consumer.
func New(
	st store.Store,
	q *queue.Queue,
	lb *balancer.Balancer,
	catalog *providers.Catalog,
	inv Invoker,
	opts Options,
) *Dispatcher {
	if opts.Strategy == "" {
		opts.Strategy = balancer.StrategyHybrid
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.MaxHoldBackoff <= 0 {
		opts.MaxHoldBackoff = DefaultMaxHoldBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		st:            st,
		q:             q,
		lb:            lb,
		catalog:       catalog,
		invoker:       inv,
		cache:         opts.Cache,
		breaker:       opts.Breaker,
		limiter:       opts.Limiter,
		events:        opts.Events,
		strategy:      opts.Strategy,
		workers:       opts.Workers,
		pollInterval:  opts.PollInterval,
		sweepInterval: opts.SweepInterval,
		promoteAged:   opts.PromoteAged,
		invokeTimeout: opts.InvokeTimeout,
		resultTTL:     opts.ResultTTL,
		maxHold:       max(opts.MaxHoldBackoff, opts.PollInterval),
		holds:         make(map[string]modelHold),
		log:           opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
}

// Submit answers s from the cache when possible and queues it otherwise.
// Queue rejections are returned as is (see queue.ErrQueueFull and
// queue.ErrStoreUnavailable).
func (d *Dispatcher) Submit(ctx context.Context, s Submission) (*Outcome, error) {
	if s.Model == "" || len(d.catalog.Providers(s.Model)) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, s.Model)
	}

	if d.cache != nil {
		if hit, ok := d.cache.Lookup(ctx, s.Prompt, s.Model, s.Params); ok {
			d.record(events.Event{
				Model:    s.Model,
				Priority: s.Priority.String(),
				Outcome:  events.OutcomeCacheHit,
				Cached:   true,
			})
			return &Outcome{
				CacheHit:     true,
				Response:     hit.Response,
				Similarity:   hit.Similarity,
				CachedPrompt: hit.CachedPrompt,
			}, nil
		}
	}

	if d.limiter != nil {
		if ok, _ := d.limiter.Allow(ctx, s.Model); !ok {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, s.Model)
		}
	}

	meta := make(map[string]string, len(s.Metadata)+5)
	maps.Copy(meta, s.Metadata)
	payload := s.Payload
	if payload == "" {
		payload = s.Prompt
	} else {
		meta[metaPrompt] = s.Prompt
	}
	meta[metaTemperature] = strconv.FormatFloat(s.Params.Temperature, 'f', -1, 64)
	meta[metaMaxTokens] = strconv.Itoa(s.Params.MaxTokens)
	meta[metaTopP] = strconv.FormatFloat(s.Params.TopP, 'f', -1, 64)
	tokens := s.ContextTokens
	if tokens <= 0 {
		tokens = EstimateTokens(s.Prompt) + s.Params.MaxTokens
	}
	meta[metaContextTokens] = strconv.Itoa(tokens)

	id, err := d.q.Enqueue(ctx, payload, s.Model, s.Priority, s.Deadline, meta)
	if err != nil {
		return nil, err
	}
	return &Outcome{RequestID: id}, nil
}

// Result returns the recorded completion of request id.
func (d *Dispatcher) Result(ctx context.Context, id string) (*Completion, error) {
	raw, err := d.st.Get(ctx, store.Key(resultPrefix, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, id)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: result %s: %w", id, err)
	}
	var c Completion
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("dispatch: decode result %s: %w", id, err)
	}
	return &c, nil
}

// EstimateTokens is a rough token count of s: one token per four bytes.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// UserMetadata strips the reserved keys the dispatcher adds.
func UserMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if !strings.HasPrefix(k, metaPrefix) {
			out[k] = v
		}
	}
	return out
}

// requestPrompt recovers the cache prompt and scope of req.
func requestPrompt(req *queue.Request) (string, semcache.Params) {
	prompt, ok := req.Metadata[metaPrompt]
	if !ok {
		prompt = req.Payload
	}
	temp, _ := strconv.ParseFloat(req.Metadata[metaTemperature], 64)
	maxTokens, _ := strconv.Atoi(req.Metadata[metaMaxTokens])
	topP, _ := strconv.ParseFloat(req.Metadata[metaTopP], 64)
	return prompt, semcache.Params{Temperature: temp, MaxTokens: maxTokens, TopP: topP}
}

func requestTokens(req *queue.Request) int {
	if n, err := strconv.Atoi(req.Metadata[metaContextTokens]); err == nil && n > 0 {
		return n
	}
	return EstimateTokens(req.Payload)
}

func (d *Dispatcher) complete(ctx context.Context, c Completion) {
	c.CompletedAt = d.now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := d.st.Set(ctx, store.Key(resultPrefix, c.RequestID), string(data), d.resultTTL); err != nil {
		d.log.WarnContext(ctx, "dispatch_result_write_error",
			slog.String("request_id", c.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) record(e events.Event) {
	if d.events == nil {
		return
	}
	if e.Strategy == "" {
		e.Strategy = string(d.strategy)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = d.now()
	}
	d.events.Record(e)
}
