package balancer

import (
	"slices"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-controlplane/internal/providers"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clk *fakeClock) *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{Now: clk.Now})
}

func trip(cb *CircuitBreaker, provider string) {
	for i := 0; i < providers.CBErrorThreshold; i++ {
		cb.RecordFailure(provider)
	}
}

func TestCircuitBreaker_UnknownProviderClosed(t *testing.T) {
	cb := NewCircuitBreaker()
	if cb.State("openai") != cbClosed {
		t.Error("untracked provider should report closed")
	}
	if !cb.Allow("openai") {
		t.Error("untracked provider should be allowed")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
		if cb.State("openai") != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.StateLabel("openai") != "open" {
		t.Errorf("label should be 'open', got %s", cb.StateLabel("openai"))
	}
	if cb.Allow("openai") {
		t.Error("open breaker should reject dispatches")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
	}
	cb.RecordSuccess("openai")

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
	}
	if cb.State("openai") != cbClosed {
		t.Error("should still be closed before new threshold")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(clk)

	for i := 0; i < providers.CBErrorThreshold-1; i++ {
		cb.RecordFailure("openai")
	}
	clk.Advance(providers.CBTimeWindow + time.Second)

	cb.RecordFailure("openai")
	if cb.State("openai") != cbClosed {
		t.Error("error counter should reset after window expires; breaker should stay closed")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(clk)

	trip(cb, "openai")
	clk.Advance(providers.CBHalfOpenTimeout + time.Second)

	if !cb.Allow("openai") {
		t.Error("should allow one probe in half-open state")
	}
	if cb.State("openai") != cbHalfOpen {
		t.Errorf("expected half_open, got %s", cb.StateLabel("openai"))
	}
	if cb.Allow("openai") {
		t.Error("should reject second dispatch while probe is in flight")
	}

	cb.RecordSuccess("openai")
	if cb.State("openai") != cbClosed {
		t.Error("successful probe should close the breaker")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(clk)

	trip(cb, "openai")
	clk.Advance(providers.CBHalfOpenTimeout + time.Second)
	if !cb.Allow("openai") {
		t.Fatal("expected probe to be allowed")
	}

	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Errorf("failed probe should reopen, got %s", cb.StateLabel("openai"))
	}
	if cb.Allow("openai") {
		t.Error("reopened breaker should wait for a fresh half-open timeout")
	}
}

func TestCircuitBreaker_FilterDoesNotClaimProbe(t *testing.T) {
	clk := newFakeClock()
	cb := newTestBreaker(clk)

	trip(cb, "anthropic")

	got := cb.Filter([]string{"anthropic", "gemini", "openai"})
	if !slices.Equal(got, []string{"gemini", "openai"}) {
		t.Errorf("Filter = %v, want open provider removed", got)
	}

	clk.Advance(providers.CBHalfOpenTimeout + time.Second)
	got = cb.Filter([]string{"anthropic", "openai"})
	if !slices.Contains(got, "anthropic") {
		t.Error("provider past its half-open timeout should be offered again")
	}
	if cb.State("anthropic") != cbOpen {
		t.Error("Filter must not transition state")
	}

	if !cb.Allow("anthropic") {
		t.Error("Allow should claim the probe")
	}
	if slices.Contains(cb.Filter([]string{"anthropic"}), "anthropic") {
		t.Error("provider with a probe in flight should be filtered out")
	}
}

func TestCircuitBreaker_CustomThreshold(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 2})
	cb.RecordFailure("openai")
	cb.RecordFailure("openai")
	if cb.State("openai") != cbOpen {
		t.Error("custom threshold of 2 should trip after two failures")
	}
}
