package balancer

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
	"github.com/nulpointcorp/llm-controlplane/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed  : normal operation; the provider is selectable.
//	cbOpen    : provider is failing; it is removed from the viable set.
//	cbHalfOpen: recovery probe; one dispatch is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the defaults defined in providers/provider.go.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe dispatch. Default: providers.CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration

	Metrics *metrics.Registry
	Now     func() time.Time
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker keeps an independent breaker per provider. Breakers are
// created lazily on first use. State is per process: every replica learns
// about failures from its own dispatches.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      now,
	}
}

// Filter returns the candidates whose breaker would let a dispatch through
// right now. It does not claim half-open probe slots; call Allow on the
// provider finally selected.
func (cb *CircuitBreaker) Filter(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if cb.available(p) {
			out = append(out, p)
			continue
		}
		if cb.cfg.Metrics != nil {
			cb.cfg.Metrics.RecordCircuitBreakerRejection(p, cb.StateLabel(p))
		}
	}
	return out
}

func (cb *CircuitBreaker) available(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbOpen:
		return cb.now().Sub(pcb.openedAt) >= cb.cfg.halfOpenTimeout()
	case cbHalfOpen:
		return !pcb.probeInflight
	default:
		return true
	}
}

// Allow reports whether the named provider should receive the next dispatch.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown providers (the breaker is not tracking them yet).
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			cb.export(provider, cbHalfOpen)
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful dispatch for provider and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = cb.now()
	cb.export(provider, cbClosed)
}

// RecordFailure increments the error counter for provider. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens. A failed
// half-open probe re-opens the breaker immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.getOrCreate(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := cb.now()

	if pcb.state == cbHalfOpen {
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.probeInflight = false
		cb.export(provider, cbOpen)
		return
	}

	// Reset counter when the rolling window has expired.
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++

	if pcb.errorCount >= cb.cfg.errorThreshold() && pcb.state != cbOpen {
		pcb.state = cbOpen
		pcb.openedAt = now
		cb.export(provider, cbOpen)
	}
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) export(provider string, s cbState) {
	if cb.cfg.Metrics != nil {
		cb.cfg.Metrics.SetCircuitBreaker(provider, int64(s))
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}

func (cb *CircuitBreaker) getOrCreate(provider string) *providerCB {
	if pcb := cb.get(provider); pcb != nil {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok := cb.breakers[provider]; ok {
		return pcb
	}
	pcb := &providerCB{state: cbClosed, windowStart: cb.now()}
	cb.breakers[provider] = pcb
	return pcb
}
