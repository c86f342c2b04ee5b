package balancer

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

func newRedisBalancer(t *testing.T, opts Options) (*Balancer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return New(store.NewRedisStoreFromClient(cli), opts), mr
}

func newMemoryBalancer(t *testing.T, opts Options) *Balancer {
	t.Helper()
	st := store.NewMemoryStore(context.Background())
	t.Cleanup(func() { _ = st.Close() })
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	return New(st, opts)
}

func TestSelectProvider_RoundRobinCycles(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	cands := []string{"A", "B", "C"}
	var got []string
	for i := 0; i < 6; i++ {
		p, ok := lb.SelectProvider(ctx, cands, StrategyRoundRobin, 0)
		require.True(t, ok)
		got = append(got, p)
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, got)
}

func TestSelectProvider_RoundRobinIndexPerCandidateSet(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	p1, _ := lb.SelectProvider(ctx, []string{"A", "B"}, StrategyRoundRobin, 0)
	p2, _ := lb.SelectProvider(ctx, []string{"C", "D"}, StrategyRoundRobin, 0)
	p3, _ := lb.SelectProvider(ctx, []string{"B", "A", "A"}, StrategyRoundRobin, 0)

	assert.Equal(t, "A", p1)
	assert.Equal(t, "C", p2, "a different candidate set has its own cursor")
	assert.Equal(t, "B", p3, "order and duplicates do not change the set")
}

func TestSelectProvider_EmptyCandidatesNone(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	for _, s := range Strategies {
		p, ok := lb.SelectProvider(ctx, nil, s, 100)
		assert.False(t, ok, s)
		assert.Empty(t, p, s)

		_, ok = lb.SelectProvider(ctx, []string{""}, s, 100)
		assert.False(t, ok, s)
	}
}

func TestSelectProvider_SingleCandidateShortCircuits(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	for _, s := range Strategies {
		p, ok := lb.SelectProvider(ctx, []string{"only"}, s, 100)
		require.True(t, ok, s)
		assert.Equal(t, "only", p, s)
	}
}

func TestSelectProvider_CostPicksCheapest(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{CostPer1K: Ptr(0.01)}))
	require.NoError(t, lb.UpdateMetrics(ctx, "B", Update{CostPer1K: Ptr(0.02)}))

	p, ok := lb.SelectProvider(ctx, []string{"B", "A"}, StrategyCost, 1000)
	require.True(t, ok)
	assert.Equal(t, "A", p)
}

func TestSelectProvider_CostFallsBackToConfiguredCosts(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{Costs: map[string]float64{"A": 0.03, "B": 0.02}})

	p, ok := lb.SelectProvider(ctx, []string{"A", "B", "C"}, StrategyCost, 500)
	require.True(t, ok)
	assert.Equal(t, "B", p, "C has no known cost and ranks last")
}

func TestSelectProvider_LatencyPicksFastest(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{LatencyMs: Ptr(300.0)}))
	require.NoError(t, lb.UpdateMetrics(ctx, "B", Update{LatencyMs: Ptr(120.0)}))

	p, _ := lb.SelectProvider(ctx, []string{"A", "B", "C"}, StrategyLatency, 0)
	assert.Equal(t, "B", p, "C has unknown latency (+Inf)")
}

func TestSelectProvider_TiesResolveToFirst(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	for _, s := range []Strategy{StrategyLatency, StrategyCost, StrategyCapacity, StrategyLeastLoaded, StrategyHybrid} {
		p, ok := lb.SelectProvider(ctx, []string{"zeta", "alpha", "mid"}, s, 100)
		require.True(t, ok)
		assert.Equal(t, "alpha", p, s)
	}
}

func TestSelectProvider_CapacityPicksMostQuota(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{RemainingQuota: Ptr(int64(100))}))
	require.NoError(t, lb.UpdateMetrics(ctx, "B", Update{RemainingQuota: Ptr(int64(900))}))

	p, _ := lb.SelectProvider(ctx, []string{"A", "B"}, StrategyCapacity, 0)
	assert.Equal(t, "B", p)

	m := lb.Metrics(ctx, "A")
	assert.InDelta(t, 0.1, m.Capacity, 1e-9)
}

func TestCapacity_ClampedToOne(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{AssumedMaxQuota: 500})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{RemainingQuota: Ptr(int64(5000))}))
	assert.Equal(t, 1.0, lb.Metrics(ctx, "A").Capacity)

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{RemainingQuota: Ptr(int64(-3))}))
	assert.Equal(t, 0.0, lb.Metrics(ctx, "A").Capacity)
}

func TestSelectProvider_LeastLoaded(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	lb.IncrementLoad(ctx, "A")
	lb.IncrementLoad(ctx, "A")
	lb.IncrementLoad(ctx, "B")

	p, _ := lb.SelectProvider(ctx, []string{"A", "B", "C"}, StrategyLeastLoaded, 0)
	assert.Equal(t, "C", p)

	lb.DecrementLoad(ctx, "A")
	lb.DecrementLoad(ctx, "A")
	p, _ = lb.SelectProvider(ctx, []string{"A", "B"}, StrategyLeastLoaded, 0)
	assert.Equal(t, "A", p)
}

func TestDecrementLoad_NeverNegative(t *testing.T) {
	ctx := context.Background()
	lb, _ := newRedisBalancer(t, Options{})

	lb.DecrementLoad(ctx, "A")
	lb.DecrementLoad(ctx, "A")
	assert.Equal(t, int64(0), lb.Metrics(ctx, "A").Load)

	lb.IncrementLoad(ctx, "A")
	assert.Equal(t, int64(1), lb.Metrics(ctx, "A").Load)
}

func TestSelectProvider_TokenAware(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{
		ContextWindows: map[string]int{"small": 4096, "large": 200_000},
	})

	p, ok := lb.SelectProvider(ctx, []string{"small", "large"}, StrategyTokenAware, 50_000)
	require.True(t, ok)
	assert.Equal(t, "large", p)

	// Nothing fits: lenient mode falls back to every candidate.
	p, ok = lb.SelectProvider(ctx, []string{"small", "large"}, StrategyTokenAware, 1_000_000)
	require.True(t, ok)
	assert.Contains(t, []string{"small", "large"}, p)
}

func TestSelectProvider_TokenAwareStrictNone(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{
		ContextWindows:   map[string]int{"small": 4096},
		StrictContextFit: true,
	})

	_, ok := lb.SelectProvider(ctx, []string{"small"}, StrategyTokenAware, 10_000)
	assert.False(t, ok)

	p, ok := lb.SelectProvider(ctx, []string{"small"}, StrategyTokenAware, 1000)
	require.True(t, ok)
	assert.Equal(t, "small", p)
}

func TestSelectProvider_HealthWeightedFloor(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{Rand: rand.New(rand.NewPCG(42, 42))})

	require.NoError(t, lb.UpdateMetrics(ctx, "healthy", Update{Health: Ptr(1.0)}))
	require.NoError(t, lb.UpdateMetrics(ctx, "sick", Update{Health: Ptr(0.0)}))

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		p, ok := lb.SelectProvider(ctx, []string{"healthy", "sick"}, StrategyHealthWeighted, 0)
		require.True(t, ok)
		counts[p]++
	}

	// Expected share of "sick" is 0.1 / 1.1 ≈ 9%.
	assert.Greater(t, counts["sick"], 0, "floor keeps unhealthy providers reachable")
	assert.Greater(t, counts["healthy"], counts["sick"]*5)
}

func TestSelectProvider_HybridPrefersHealthyFastCheap(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	require.NoError(t, lb.UpdateMetrics(ctx, "good", Update{
		Health: Ptr(1.0), LatencyMs: Ptr(100.0), CostPer1K: Ptr(0.01), RemainingQuota: Ptr(int64(1000)),
	}))
	require.NoError(t, lb.UpdateMetrics(ctx, "bad", Update{
		Health: Ptr(0.3), LatencyMs: Ptr(900.0), CostPer1K: Ptr(0.05), RemainingQuota: Ptr(int64(100)),
	}))

	p, _ := lb.SelectProvider(ctx, []string{"bad", "good"}, StrategyHybrid, 1000)
	assert.Equal(t, "good", p)
}

func TestSelectProvider_HybridCustomWeights(t *testing.T) {
	ctx := context.Background()
	// Latency only.
	lb := newMemoryBalancer(t, Options{Weights: HybridWeights{Latency: 1}})

	require.NoError(t, lb.UpdateMetrics(ctx, "fast", Update{Health: Ptr(0.2), LatencyMs: Ptr(50.0)}))
	require.NoError(t, lb.UpdateMetrics(ctx, "slow", Update{Health: Ptr(1.0), LatencyMs: Ptr(500.0)}))

	p, _ := lb.SelectProvider(ctx, []string{"fast", "slow"}, StrategyHybrid, 0)
	assert.Equal(t, "fast", p)
}

func TestHybridScores(t *testing.T) {
	ms := []ProviderMetrics{
		{Provider: "a", Health: 1, Capacity: 1, LatencySamples: 1, AvgLatencyMs: 100, CostPer1K: Ptr(0.01)},
		{Provider: "b", Health: 0.5, Capacity: 0.5, LatencySamples: 1, AvgLatencyMs: 200, CostPer1K: Ptr(0.02)},
		{Provider: "c", Health: 0.5, Capacity: 0.5},
	}
	s := hybridScores(ms, DefaultHybridWeights)

	assert.InDelta(t, 1.0, s["a"], 1e-9)
	assert.InDelta(t, 0.4*0.5+0.3*0.5+0.2*0.5+0.1*0.5, s["b"], 1e-9)
	assert.InDelta(t, 0.4*0.5+0.1*0.5, s["c"], 1e-9, "unknown latency and cost contribute nothing")
}

func TestUpdateMetrics_ErrorDecay(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{Error: Ptr(true)}))
	assert.InDelta(t, 0.1, lb.Metrics(ctx, "A").ErrorRate, 1e-9)

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{Error: Ptr(true)}))
	assert.InDelta(t, 0.19, lb.Metrics(ctx, "A").ErrorRate, 1e-9)

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{Error: Ptr(false)}))
	assert.InDelta(t, 0.171, lb.Metrics(ctx, "A").ErrorRate, 1e-9)
}

func TestUpdateMetrics_ErrorRateStaysInUnitInterval(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	for i := 0; i < 200; i++ {
		require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{Error: Ptr(true)}))
	}
	r := lb.Metrics(ctx, "A").ErrorRate
	assert.LessOrEqual(t, r, 1.0)
	assert.Greater(t, r, 0.99)
}

func TestUpdateMetrics_LatencyRollingWindow(t *testing.T) {
	ctx := context.Background()
	lb, mr := newRedisBalancer(t, Options{LatencyWindow: 3})

	for _, v := range []float64{1000, 100, 200, 300} {
		require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{LatencyMs: Ptr(v)}))
	}

	m := lb.Metrics(ctx, "A")
	assert.Equal(t, 3, m.LatencySamples)
	assert.InDelta(t, 200, m.Latency(), 1e-9, "oldest sample falls out of the window")

	samples, err := mr.List("loadbalancer-latency::A")
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}

func TestUpdateMetrics_CreatedLazilyWithDefaults(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{CostPer1K: Ptr(0.002)}))
	m := lb.Metrics(ctx, "A")

	assert.True(t, m.Known)
	assert.Equal(t, 1.0, m.Health)
	assert.Equal(t, 1.0, m.Capacity)
	assert.Zero(t, m.ErrorRate)
	assert.True(t, math.IsInf(m.Latency(), 1))
	assert.False(t, m.UpdatedAt.IsZero())
}

func TestMetrics_NeutralDefaultWhenMissing(t *testing.T) {
	ctx := context.Background()
	lb := newMemoryBalancer(t, Options{})

	m := lb.Metrics(ctx, "never-seen")
	assert.False(t, m.Known)
	assert.Equal(t, 0.5, m.Health)
	assert.Equal(t, 0.5, m.Capacity)
	assert.True(t, math.IsInf(m.Latency(), 1))
	assert.True(t, math.IsInf(m.Cost(), 1))
}

func TestMetrics_ExpireAfterTTL(t *testing.T) {
	ctx := context.Background()
	lb, mr := newRedisBalancer(t, Options{MetricsTTL: 10 * time.Second})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{Health: Ptr(0.9)}))
	assert.Equal(t, 0.9, lb.Metrics(ctx, "A").Health)

	mr.FastForward(11 * time.Second)
	assert.Equal(t, 0.5, lb.Metrics(ctx, "A").Health, "expired record reads as neutral")
}

func TestStoreDown_DegradesToNeutral(t *testing.T) {
	ctx := context.Background()
	lb, mr := newRedisBalancer(t, Options{})

	require.NoError(t, lb.UpdateMetrics(ctx, "A", Update{Health: Ptr(1.0)}))
	mr.Close()

	m := lb.Metrics(ctx, "A")
	assert.Equal(t, 0.5, m.Health)
	assert.Error(t, lb.UpdateMetrics(ctx, "A", Update{LatencyMs: Ptr(10.0)}))

	p, ok := lb.SelectProvider(ctx, []string{"A", "B"}, StrategyHybrid, 100)
	require.True(t, ok, "selection still works on neutral metrics")
	assert.Equal(t, "A", p)

	lb.IncrementLoad(ctx, "A") // logged, never panics
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Least-Loaded")
	require.NoError(t, err)
	assert.Equal(t, StrategyLeastLoaded, s)

	for in, want := range map[string]Strategy{
		"cost_optimized": StrategyCost,
		"Latency-Based":  StrategyLatency,
		"capacity_aware": StrategyCapacity,
		"hybrid":         StrategyHybrid,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err = ParseStrategy("random")
	assert.Error(t, err)
}
