package balancer

import (
	"fmt"
	"math"
	"strings"
)

// Strategy names a provider selection algorithm.
type Strategy string

const (
	// StrategyRoundRobin cycles through the candidate set.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyHealthWeighted picks randomly, weighted by health (floor 0.1).
	StrategyHealthWeighted Strategy = "health_weighted"
	// StrategyLatency picks the lowest rolling average latency.
	StrategyLatency Strategy = "latency"
	// StrategyCost picks the lowest estimated cost for the request size.
	StrategyCost Strategy = "cost"
	// StrategyCapacity picks the highest remaining-quota score.
	StrategyCapacity Strategy = "capacity"
	// StrategyLeastLoaded picks the fewest in-flight requests.
	StrategyLeastLoaded Strategy = "least_loaded"
	// StrategyTokenAware keeps providers whose context window fits the
	// request, then picks health-weighted among them.
	StrategyTokenAware Strategy = "token_aware"
	// StrategyHybrid maximises a weighted blend of health, latency, cost
	// and capacity.
	StrategyHybrid Strategy = "hybrid"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyRoundRobin,
	StrategyHealthWeighted,
	StrategyLatency,
	StrategyCost,
	StrategyCapacity,
	StrategyLeastLoaded,
	StrategyTokenAware,
	StrategyHybrid,
}

// strategyAliases maps long-form names onto the canonical strategies.
var strategyAliases = map[Strategy]Strategy{
	"latency_based":  StrategyLatency,
	"cost_optimized": StrategyCost,
	"capacity_aware": StrategyCapacity,
}

// ParseStrategy resolves a strategy name (case-insensitive, '-' accepted
// for '_'). The long forms latency_based, cost_optimized and capacity_aware
// are accepted as well.
func ParseStrategy(s string) (Strategy, error) {
	norm := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if st, ok := strategyAliases[norm]; ok {
		return st, nil
	}
	for _, st := range Strategies {
		if st == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("balancer: unknown strategy %q", s)
}

// HybridWeights are the coefficients of the hybrid score.
type HybridWeights struct {
	Health   float64
	Latency  float64
	Cost     float64
	Capacity float64
}

// DefaultHybridWeights: 0.4 health, 0.3 latency, 0.2 cost, 0.1 capacity.
var DefaultHybridWeights = HybridWeights{Health: 0.4, Latency: 0.3, Cost: 0.2, Capacity: 0.1}

func (w HybridWeights) isZero() bool {
	return w.Health == 0 && w.Latency == 0 && w.Cost == 0 && w.Capacity == 0
}

// pickMin returns the candidate with the lowest score. Candidates are
// pre-sorted, so ties resolve to the lexicographically first one.
func pickMin(cands []ProviderMetrics, score func(ProviderMetrics) float64) string {
	best := cands[0].Provider
	bestScore := score(cands[0])
	for _, m := range cands[1:] {
		if s := score(m); s < bestScore {
			best, bestScore = m.Provider, s
		}
	}
	return best
}

func pickMax(cands []ProviderMetrics, score func(ProviderMetrics) float64) string {
	return pickMin(cands, func(m ProviderMetrics) float64 { return -score(m) })
}

// estimatedCost is the price of serving tokens tokens on m. With no token
// estimate the raw per-1k price orders providers the same way.
func estimatedCost(m ProviderMetrics, tokens int) float64 {
	c := m.Cost()
	if math.IsInf(c, 1) {
		return c
	}
	return float64(max(tokens, 1)) / 1000 * c
}

// hybridScores computes the weighted blend for every candidate. Latency and
// cost are inverted relative to the best candidate so that 1 is best and
// unknown values (+Inf) contribute 0.
func hybridScores(cands []ProviderMetrics, w HybridWeights) map[string]float64 {
	minLat, minCost := math.Inf(1), math.Inf(1)
	for _, m := range cands {
		minLat = math.Min(minLat, m.Latency())
		minCost = math.Min(minCost, m.Cost())
	}

	scores := make(map[string]float64, len(cands))
	for _, m := range cands {
		scores[m.Provider] = w.Health*m.Health +
			w.Latency*inverted(m.Latency(), minLat) +
			w.Cost*inverted(m.Cost(), minCost) +
			w.Capacity*m.Capacity
	}
	return scores
}

// inverted maps v onto (0, 1] relative to the best (lowest) value.
func inverted(v, best float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return 0
	case v <= 0:
		return 1
	case best <= 0:
		return 0
	default:
		return best / v
	}
}
