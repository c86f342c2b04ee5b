package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-controlplane/internal/store"
)

const (
	metricsKeyPrefix = "loadbalancer-metrics"
	latencyKeyPrefix = "loadbalancer-latency"
	loadKeyPrefix    = "loadbalancer-load"

	// errorDecay is the weight kept from the previous error rate on every
	// observation; the new observation contributes 1-errorDecay.
	errorDecay = 0.9

	neutralHealth   = 0.5
	neutralCapacity = 0.5
)

// ProviderMetrics is the balancer's view of one provider.
type ProviderMetrics struct {
	Provider string  `json:"provider"`
	Health   float64 `json:"health"`
	// AvgLatencyMs is meaningful only when LatencySamples > 0; use Latency().
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	LatencySamples int       `json:"latency_samples"`
	ErrorRate      float64   `json:"error_rate"`
	Load           int64     `json:"load"`
	RemainingQuota *int64    `json:"remaining_quota,omitempty"`
	CostPer1K      *float64  `json:"cost_per_1k,omitempty"`
	Capacity       float64   `json:"capacity"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Known is false when no record exists (or it could not be read) and the
	// neutral defaults are reported instead.
	Known bool `json:"known"`
}

// Latency returns the rolling average latency, or +Inf when no sample exists.
func (m ProviderMetrics) Latency() float64 {
	if m.LatencySamples == 0 {
		return math.Inf(1)
	}
	return m.AvgLatencyMs
}

// Cost returns the cost per 1k tokens, or +Inf when unknown.
func (m ProviderMetrics) Cost() float64 {
	if m.CostPer1K == nil {
		return math.Inf(1)
	}
	return *m.CostPer1K
}

func neutralMetrics(provider string) ProviderMetrics {
	return ProviderMetrics{
		Provider: provider,
		Health:   neutralHealth,
		Capacity: neutralCapacity,
	}
}

// Update carries the observations of one metrics update. Nil fields are left
// unchanged.
type Update struct {
	Health         *float64
	LatencyMs      *float64
	Error          *bool
	RemainingQuota *int64
	CostPer1K      *float64
}

// Ptr returns a pointer to v; handy for building an Update.
func Ptr[T any](v T) *T { return &v }

// UpdateMetrics folds u into the stored record of provider. The record is
// created on first update with health 1 and capacity 1.
//
// Store failures are logged and returned; callers treat them as best-effort.
// Concurrent updates of one provider may interleave (last writer wins).
func (b *Balancer) UpdateMetrics(ctx context.Context, provider string, u Update) error {
	m, err := b.readRecord(ctx, provider)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m = ProviderMetrics{Provider: provider, Health: 1, Capacity: 1}
	case err != nil:
		b.log.WarnContext(ctx, "lb_metrics_read_error",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		m = ProviderMetrics{Provider: provider, Health: 1, Capacity: 1}
	}

	if u.Health != nil {
		m.Health = clamp01(*u.Health)
	}

	if u.LatencyMs != nil {
		avg, n, err := b.pushLatency(ctx, provider, *u.LatencyMs)
		if err != nil {
			return b.updateFailed(ctx, provider, err)
		}
		m.AvgLatencyMs, m.LatencySamples = avg, n
	}

	if u.Error != nil {
		m.ErrorRate *= errorDecay
		if *u.Error {
			m.ErrorRate += 1 - errorDecay
		}
		m.ErrorRate = clamp01(m.ErrorRate)
	}

	if u.RemainingQuota != nil {
		q := *u.RemainingQuota
		m.RemainingQuota = &q
		m.Capacity = math.Min(1, math.Max(0, float64(q))/float64(b.assumedMaxQuota))
	}

	if u.CostPer1K != nil {
		c := *u.CostPer1K
		m.CostPer1K = &c
	}

	m.Provider = provider
	m.UpdatedAt = b.now().UTC()
	m.Known = true

	data, err := json.Marshal(m)
	if err != nil {
		return b.updateFailed(ctx, provider, fmt.Errorf("marshal: %w", err))
	}
	if err := b.st.Set(ctx, store.Key(metricsKeyPrefix, provider), string(data), b.metricsTTL); err != nil {
		return b.updateFailed(ctx, provider, err)
	}

	if b.metrics != nil {
		b.metrics.SetProviderMetrics(provider, m.Health, m.Latency(), m.ErrorRate)
	}
	return nil
}

// Metrics returns the current view of provider including its in-flight load.
// A missing or unreadable record yields the neutral defaults
// (health 0.5, latency +Inf, capacity 0.5).
func (b *Balancer) Metrics(ctx context.Context, provider string) ProviderMetrics {
	m, err := b.readRecord(ctx, provider)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.log.WarnContext(ctx, "lb_metrics_read_error",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
		}
		m = neutralMetrics(provider)
	}
	m.Load = b.load(ctx, provider)
	if m.CostPer1K == nil {
		if c, ok := b.costs[provider]; ok {
			m.CostPer1K = &c
		}
	}
	return m
}

// IncrementLoad records one more in-flight request on provider.
func (b *Balancer) IncrementLoad(ctx context.Context, provider string) {
	key := store.Key(loadKeyPrefix, provider)
	n, err := b.st.IncrBy(ctx, key, 1)
	if err != nil {
		b.log.WarnContext(ctx, "lb_load_update_error",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return
	}
	// Orphaned counters of crashed workers fade out instead of pinning a
	// provider as busy forever.
	_ = b.st.Expire(ctx, key, b.loadTTL)
	if b.metrics != nil {
		b.metrics.SetProviderLoad(provider, n)
	}
}

// DecrementLoad records the completion of an in-flight request. The counter
// never goes below zero.
func (b *Balancer) DecrementLoad(ctx context.Context, provider string) {
	key := store.Key(loadKeyPrefix, provider)
	n, err := b.st.IncrBy(ctx, key, -1)
	if err != nil {
		b.log.WarnContext(ctx, "lb_load_update_error",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return
	}
	if n < 0 {
		_ = b.st.Set(ctx, key, "0", b.loadTTL)
		n = 0
	}
	if b.metrics != nil {
		b.metrics.SetProviderLoad(provider, n)
	}
}

func (b *Balancer) readRecord(ctx context.Context, provider string) (ProviderMetrics, error) {
	raw, err := b.st.Get(ctx, store.Key(metricsKeyPrefix, provider))
	if err != nil {
		return ProviderMetrics{}, err
	}
	var m ProviderMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return ProviderMetrics{}, fmt.Errorf("balancer: decode metrics of %s: %w", provider, err)
	}
	m.Known = true
	return m, nil
}

func (b *Balancer) load(ctx context.Context, provider string) int64 {
	raw, err := b.st.Get(ctx, store.Key(loadKeyPrefix, provider))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// pushLatency appends a sample to the provider's rolling window and returns
// the window average and size.
func (b *Balancer) pushLatency(ctx context.Context, provider string, ms float64) (float64, int, error) {
	key := store.Key(latencyKeyPrefix, provider)

	if _, err := b.st.RPush(ctx, key, strconv.FormatFloat(ms, 'f', -1, 64)); err != nil {
		return 0, 0, err
	}
	if err := b.st.LTrim(ctx, key, -int64(b.latencyWindow), -1); err != nil {
		return 0, 0, err
	}
	_ = b.st.Expire(ctx, key, b.metricsTTL)

	samples, err := b.st.LRange(ctx, key, 0, -1)
	if err != nil {
		return 0, 0, err
	}

	var sum float64
	var n int
	for _, s := range samples {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

func (b *Balancer) updateFailed(ctx context.Context, provider string, err error) error {
	b.log.WarnContext(ctx, "lb_metrics_update_error",
		slog.String("provider", provider),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("balancer: update metrics of %s: %w", provider, err)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
