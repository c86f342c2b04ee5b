// Package balancer selects an inference provider for a request from a set of
// candidates, based on live per-provider signals kept in the shared store:
// health, rolling latency, decayed error rate, in-flight load, remaining
// quota and cost.
//
// Store layout:
//
//	loadbalancer-metrics::<provider>   JSON ProviderMetrics, TTL = metrics TTL
//	loadbalancer-latency::<provider>   list of the last N latency samples (ms)
//	loadbalancer-load::<provider>      in-flight counter (INCRBY)
//
// A provider without a record is "unknown, assume degraded": health 0.5,
// latency +Inf, capacity 0.5.
package balancer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

const (
	DefaultLatencyWindow      = 100
	DefaultMetricsTTL         = 60 * time.Second
	DefaultAssumedMaxQuota    = 1000
	DefaultContextWindow      = 8192
	defaultLoadTTL            = 10 * time.Minute
	healthWeightFloor         = 0.1
	maxParallelMetricsFetches = 16
)

// Options configure a Balancer. Zero values select the defaults.
type Options struct {
	// LatencyWindow is the number of latency samples averaged (default 100).
	LatencyWindow int
	// MetricsTTL bounds how long a metrics record survives without updates
	// (default 60s, i.e. 2× the default health-check interval).
	MetricsTTL time.Duration
	// AssumedMaxQuota normalises remaining quota into a capacity score.
	AssumedMaxQuota int64
	// Weights of the hybrid strategy (default 0.4/0.3/0.2/0.1).
	Weights HybridWeights
	// ContextWindows maps provider → maximum context tokens.
	ContextWindows map[string]int
	// DefaultContextWindow applies to providers missing from ContextWindows.
	DefaultContextWindow int
	// Costs maps provider → configured cost per 1k tokens, used when the
	// metrics record carries no cost.
	Costs map[string]float64
	// StrictContextFit makes token_aware return no provider when none fits,
	// instead of falling back to every candidate.
	StrictContextFit bool

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
	// Rand drives health-weighted selection; seeded randomly when nil.
	Rand *rand.Rand
}

// Balancer tracks provider metrics and selects providers.
// It is safe for concurrent use.
type Balancer struct {
	st store.Store

	latencyWindow    int
	metricsTTL       time.Duration
	loadTTL          time.Duration
	assumedMaxQuota  int64
	weights          HybridWeights
	contextWindows   map[string]int
	defaultContext   int
	costs            map[string]float64
	strictContextFit bool

	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	rrMu sync.Mutex
	rr   map[string]uint64 // candidate-set key → next index

	randMu sync.Mutex
	rand   *rand.Rand
}

// New creates a Balancer over st.
func New(st store.Store, opts Options) *Balancer {
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = DefaultLatencyWindow
	}
	if opts.MetricsTTL <= 0 {
		opts.MetricsTTL = DefaultMetricsTTL
	}
	if opts.AssumedMaxQuota <= 0 {
		opts.AssumedMaxQuota = DefaultAssumedMaxQuota
	}
	if opts.Weights.isZero() {
		opts.Weights = DefaultHybridWeights
	}
	if opts.DefaultContextWindow <= 0 {
		opts.DefaultContextWindow = DefaultContextWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &Balancer{
		st:               st,
		latencyWindow:    opts.LatencyWindow,
		metricsTTL:       opts.MetricsTTL,
		loadTTL:          max(defaultLoadTTL, opts.MetricsTTL),
		assumedMaxQuota:  opts.AssumedMaxQuota,
		weights:          opts.Weights,
		contextWindows:   opts.ContextWindows,
		defaultContext:   opts.DefaultContextWindow,
		costs:            opts.Costs,
		strictContextFit: opts.StrictContextFit,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		now:              opts.Now,
		rr:               make(map[string]uint64),
		rand:             opts.Rand,
	}
}

// SelectProvider picks one of candidates under strategy. contextTokens is
// the estimated request size, used by the cost and token_aware strategies.
// It returns false when candidates is empty or, for token_aware in strict
// mode, when no candidate's context window fits.
//
// Candidates are de-duplicated and sorted first; ties resolve to the
// lexicographically first provider.
func (b *Balancer) SelectProvider(
	ctx context.Context,
	candidates []string,
	strategy Strategy,
	contextTokens int,
) (string, bool) {
	cands := normalize(candidates)

	if strategy == StrategyTokenAware {
		cands = b.fitContext(ctx, cands, contextTokens)
	}

	var provider string
	switch {
	case len(cands) == 0:
		if b.metrics != nil {
			b.metrics.RecordNoProvider(string(strategy))
		}
		return "", false
	case len(cands) == 1:
		provider = cands[0]
	case strategy == StrategyRoundRobin:
		provider = b.roundRobin(cands)
	default:
		provider = b.selectByMetrics(ctx, cands, strategy, contextTokens)
	}

	if b.metrics != nil {
		b.metrics.RecordSelection(string(strategy), provider)
	}
	return provider, true
}

func (b *Balancer) selectByMetrics(ctx context.Context, cands []string, strategy Strategy, tokens int) string {
	ms := b.fetchMetrics(ctx, cands)

	switch strategy {
	case StrategyLatency:
		return pickMin(ms, ProviderMetrics.Latency)
	case StrategyCost:
		return pickMin(ms, func(m ProviderMetrics) float64 { return estimatedCost(m, tokens) })
	case StrategyCapacity:
		return pickMax(ms, func(m ProviderMetrics) float64 { return m.Capacity })
	case StrategyLeastLoaded:
		return pickMin(ms, func(m ProviderMetrics) float64 { return float64(m.Load) })
	case StrategyHybrid:
		scores := hybridScores(ms, b.weights)
		return pickMax(ms, func(m ProviderMetrics) float64 { return scores[m.Provider] })
	case StrategyHealthWeighted, StrategyTokenAware:
		return b.healthWeighted(ms)
	default:
		b.log.WarnContext(ctx, "lb_unknown_strategy", slog.String("strategy", string(strategy)))
		scores := hybridScores(ms, b.weights)
		return pickMax(ms, func(m ProviderMetrics) float64 { return scores[m.Provider] })
	}
}

// fetchMetrics reads every candidate's metrics concurrently.
func (b *Balancer) fetchMetrics(ctx context.Context, cands []string) []ProviderMetrics {
	out := make([]ProviderMetrics, len(cands))

	var g errgroup.Group
	g.SetLimit(maxParallelMetricsFetches)
	for i, p := range cands {
		g.Go(func() error {
			out[i] = b.Metrics(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (b *Balancer) roundRobin(cands []string) string {
	key := strings.Join(cands, "\x00")

	b.rrMu.Lock()
	idx := b.rr[key]
	b.rr[key] = idx + 1
	b.rrMu.Unlock()

	return cands[idx%uint64(len(cands))]
}

func (b *Balancer) healthWeighted(ms []ProviderMetrics) string {
	var total float64
	weights := make([]float64, len(ms))
	for i, m := range ms {
		weights[i] = max(m.Health, healthWeightFloor)
		total += weights[i]
	}

	b.randMu.Lock()
	r := b.rand.Float64() * total
	b.randMu.Unlock()

	for i, w := range weights {
		if r < w {
			return ms[i].Provider
		}
		r -= w
	}
	return ms[len(ms)-1].Provider
}

// fitContext keeps the candidates whose context window holds tokens.
// When none fits, strict mode yields nothing and lenient mode falls back to
// every candidate with a warning.
func (b *Balancer) fitContext(ctx context.Context, cands []string, tokens int) []string {
	fit := make([]string, 0, len(cands))
	for _, p := range cands {
		if b.ContextWindow(p) >= tokens {
			fit = append(fit, p)
		}
	}
	if len(fit) > 0 || len(cands) == 0 {
		return fit
	}
	if b.strictContextFit {
		return nil
	}
	b.log.WarnContext(ctx, "lb_no_context_fit",
		slog.Int("context_tokens", tokens),
		slog.Any("candidates", cands),
	)
	return cands
}

// ContextWindow returns the configured context window of provider.
func (b *Balancer) ContextWindow(provider string) int {
	if w, ok := b.contextWindows[provider]; ok && w > 0 {
		return w
	}
	return b.defaultContext
}

func normalize(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
