// Package providers describes the inference providers the control plane
// routes to: which providers can serve which model, what each costs and how
// large a context each accepts, plus the probe interface used by health
// checks.
//
// Provider sub-packages (openai, anthropic, gemini) wrap the official SDKs.
// They never run inference for the control plane: they only answer health
// probes and, for openai and gemini, generate embeddings for the semantic
// cache.
package providers

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Prober is implemented by every provider adapter.
type Prober interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Spec is the static description of one provider.
type Spec struct {
	// CostPer1K is the blended price per 1,000 tokens (0 = unknown).
	CostPer1K float64 `mapstructure:"cost_per_1k" json:"cost_per_1k"`
	// ContextWindow is the maximum request size in tokens (0 = unknown).
	ContextWindow int `mapstructure:"context_window" json:"context_window"`
}

// Catalog maps models to the providers able to serve them.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	models map[string][]string
	specs  map[string]Spec
}

// NewCatalog builds a Catalog. Provider lists are de-duplicated and sorted.
// When models is empty DefaultModels is used; specs missing from the given
// map fall back to DefaultSpecs.
func NewCatalog(models map[string][]string, specs map[string]Spec) *Catalog {
	if len(models) == 0 {
		models = DefaultModels
	}

	c := &Catalog{
		models: make(map[string][]string, len(models)),
		specs:  maps.Clone(DefaultSpecs),
	}
	for m, provs := range models {
		list := slices.Clone(provs)
		slices.Sort(list)
		c.models[m] = slices.Compact(list)
	}
	for name, s := range specs {
		c.specs[name] = s
	}
	return c
}

// Providers returns the providers configured for model, or nil.
func (c *Catalog) Providers(model string) []string {
	return slices.Clone(c.models[model])
}

// Models returns every configured model, sorted.
func (c *Catalog) Models() []string {
	return slices.Sorted(maps.Keys(c.models))
}

// AllProviders returns every provider referenced by any model, sorted.
func (c *Catalog) AllProviders() []string {
	set := make(map[string]struct{})
	for _, provs := range c.models {
		for _, p := range provs {
			set[p] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// Spec returns the static description of provider.
func (c *Catalog) Spec(provider string) (Spec, bool) {
	s, ok := c.specs[provider]
	return s, ok
}

// Costs returns provider → cost per 1k tokens for every provider with a
// known cost.
func (c *Catalog) Costs() map[string]float64 {
	out := make(map[string]float64, len(c.specs))
	for name, s := range c.specs {
		if s.CostPer1K > 0 {
			out[name] = s.CostPer1K
		}
	}
	return out
}

// ContextWindows returns provider → context window for every provider with a
// known window.
func (c *Catalog) ContextWindows() map[string]int {
	out := make(map[string]int, len(c.specs))
	for name, s := range c.specs {
		if s.ContextWindow > 0 {
			out[name] = s.ContextWindow
		}
	}
	return out
}

// DefaultModels is used when no model routing is configured.
var DefaultModels = map[string][]string{
	"gpt-4o":            {"openai"},
	"gpt-4o-mini":       {"openai"},
	"gpt-4.1":           {"openai"},
	"claude-sonnet-4-5": {"anthropic"},
	"claude-haiku-4-5":  {"anthropic"},
	"gemini-2.5-pro":    {"gemini"},
	"gemini-2.5-flash":  {"gemini"},
}

// DefaultSpecs carries list prices and context windows of the built-in
// providers; configuration overrides them per provider.
var DefaultSpecs = map[string]Spec{
	"openai":    {CostPer1K: 0.005, ContextWindow: 128_000},
	"anthropic": {CostPer1K: 0.009, ContextWindow: 200_000},
	"gemini":    {CostPer1K: 0.0035, ContextWindow: 1_000_000},
}

// Default circuit breaker and probe constants.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	ProviderTimeout   = 30 * time.Second
	ProbeTimeout      = 5 * time.Second
)

// StatusCoder is implemented by provider errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
