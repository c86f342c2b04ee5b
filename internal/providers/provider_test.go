package providers

import (
	"slices"
	"testing"
)

func TestCatalog_DefaultsWhenUnconfigured(t *testing.T) {
	c := NewCatalog(nil, nil)

	if got := c.Providers("gpt-4o"); !slices.Equal(got, []string{"openai"}) {
		t.Errorf("Providers(gpt-4o) = %v", got)
	}
	if got := c.Providers("unknown-model"); got != nil {
		t.Errorf("Providers(unknown) = %v, want nil", got)
	}
	if _, ok := c.Spec("anthropic"); !ok {
		t.Error("expected default spec for anthropic")
	}
}

func TestCatalog_ConfiguredModelsAndSpecs(t *testing.T) {
	c := NewCatalog(
		map[string][]string{"llama-3-70b": {"together", "groq", "together"}},
		map[string]Spec{
			"groq":   {CostPer1K: 0.0008, ContextWindow: 8192},
			"openai": {CostPer1K: 0.01},
		},
	)

	if got := c.Providers("llama-3-70b"); !slices.Equal(got, []string{"groq", "together"}) {
		t.Errorf("Providers = %v, want sorted and de-duplicated", got)
	}
	if got := c.Models(); !slices.Equal(got, []string{"llama-3-70b"}) {
		t.Errorf("Models = %v", got)
	}
	if got := c.AllProviders(); !slices.Equal(got, []string{"groq", "together"}) {
		t.Errorf("AllProviders = %v", got)
	}

	costs := c.Costs()
	if costs["openai"] != 0.01 {
		t.Errorf("openai cost override = %v, want 0.01", costs["openai"])
	}
	if _, ok := costs["together"]; ok {
		t.Error("together has no known cost")
	}

	windows := c.ContextWindows()
	if windows["groq"] != 8192 {
		t.Errorf("groq window = %d", windows["groq"])
	}
	if _, ok := windows["openai"]; ok {
		t.Error("openai override has no context window")
	}
}

func TestCatalog_ProvidersReturnsCopy(t *testing.T) {
	c := NewCatalog(map[string][]string{"m": {"a", "b"}}, nil)
	got := c.Providers("m")
	got[0] = "mutated"
	if c.Providers("m")[0] != "a" {
		t.Error("Providers must return a copy")
	}
}
