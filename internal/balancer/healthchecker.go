package balancer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-controlplane/internal/providers"
)

const (
	DefaultHealthInterval = 30 * time.Second
	healthProbeTimeout    = providers.ProbeTimeout
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker probes providers in the background and feeds the results
// into the balancer: a successful probe reports health 1 and the probe
// latency, a failed probe reports health 0 and an error.
type HealthChecker struct {
	probers    map[string]providers.Prober
	storeReady func() bool
	lb         *Balancer
	interval   time.Duration
	baseCtx    context.Context
	log        *slog.Logger

	providerStatuses map[string]*componentStatus
	storeStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. storeReady may be nil ("not configured" → ok). interval ≤ 0 uses
// the 30s default.
func NewHealthChecker(
	ctx context.Context,
	probers []providers.Prober,
	storeReady func() bool,
	lb *Balancer,
	interval time.Duration,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	hc := &HealthChecker{
		probers:          make(map[string]providers.Prober, len(probers)),
		storeReady:       storeReady,
		lb:               lb,
		interval:         interval,
		baseCtx:          ctx,
		log:              slog.Default(),
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
	}
	if lb != nil {
		hc.log = lb.log
	}

	for _, p := range probers {
		hc.probers[p.Name()] = p
		hc.providerStatuses[p.Name()] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Store         string            `json:"store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	st := hc.storeStatus.get()
	if st != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Store:         st,
	}
}

// ReadinessOK returns true when the shared store is reachable
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == "ok"
}

// Close stops the background probe goroutine. It is safe to call twice.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.baseCtx.Done():
			return
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Provider probes run in parallel.
	var wg sync.WaitGroup
	for name, prov := range hc.probers {
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := prov.HealthCheck(ctx)
			latency := float64(time.Since(start).Microseconds()) / 1000

			if err != nil {
				s.set("degraded")
				hc.log.WarnContext(ctx, "provider_probe_failed",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				if hc.lb != nil {
					_ = hc.lb.UpdateMetrics(hc.baseCtx, name, Update{
						Health: Ptr(0.0),
						Error:  Ptr(true),
					})
				}
				return
			}

			s.set("ok")
			if hc.lb != nil {
				_ = hc.lb.UpdateMetrics(hc.baseCtx, name, Update{
					Health:    Ptr(1.0),
					LatencyMs: Ptr(latency),
				})
			}
		}()
	}

	// Store probe: nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.storeReady == nil || hc.storeReady() {
			hc.storeStatus.set("ok")
		} else {
			hc.storeStatus.set("down")
		}
	}()

	wg.Wait()
}
