package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/events"
	"github.com/nulpointcorp/llm-controlplane/internal/queue"
)

// Run starts the worker pool and the queue sweeper and blocks until ctx is
// cancelled. In-flight invocations finish their bookkeeping before Run
// returns. Without an Invoker only the sweeper runs.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	workers := 0
	if d.invoker != nil {
		workers = d.workers
	}
	for i := range workers {
		g.Go(func() error {
			d.work(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		d.sweep(ctx)
		return nil
	})

	d.log.InfoContext(ctx, "dispatcher_started",
		slog.Int("workers", workers),
		slog.String("strategy", string(d.strategy)),
	)
	return g.Wait()
}

// work round-robins over the catalog's models, starting at a per-worker
// offset, and backs off for the poll interval when every queue is empty.
func (d *Dispatcher) work(ctx context.Context, worker int) {
	models := d.catalog.Models()
	if len(models) == 0 {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		busy := false
		for j := range models {
			if d.DispatchOnce(ctx, models[(worker+j)%len(models)]) {
				busy = true
			}
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.q.ClearExpired(ctx)
			if d.promoteAged {
				for _, m := range d.catalog.Models() {
					d.q.PromoteAged(ctx, m)
				}
			}
		}
	}
}

// DispatchOnce serves the most urgent pending request of model, if any, and
// reports whether one was taken off the queue. A model paused after its
// last request found no provider is skipped until the pause ends.
func (d *Dispatcher) DispatchOnce(ctx context.Context, model string) bool {
	if d.invoker == nil || d.held(model) {
		return false
	}
	req, ok := d.q.Dequeue(ctx, model)
	if !ok {
		return false
	}
	d.dispatch(ctx, req)
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, req *queue.Request) {
	// Bookkeeping must survive shutdown, or a cancelled worker would drop
	// the request it already popped.
	bg := context.WithoutCancel(ctx)

	candidates := d.catalog.Providers(req.Model)
	if d.breaker != nil {
		candidates = d.breaker.Filter(candidates)
	}
	if len(candidates) == 0 {
		if d.metrics != nil {
			d.metrics.RecordNoProvider(string(d.strategy))
		}
		d.hold(bg, req, "", events.OutcomeNoProvider, "every provider circuit is open")
		return
	}

	provider, ok := d.lb.SelectProvider(bg, candidates, d.strategy, requestTokens(req))
	if !ok {
		d.log.WarnContext(ctx, "dispatch_no_provider",
			slog.String("request_id", req.ID),
			slog.String("model", req.Model),
		)
		d.retry(bg, req, "", events.OutcomeNoProvider, "no eligible provider")
		return
	}
	if d.breaker != nil && !d.breaker.Allow(provider) {
		d.hold(bg, req, provider, events.OutcomeCircuitOpen, "circuit open")
		return
	}
	d.resume(req.Model)

	d.lb.IncrementLoad(bg, provider)
	ictx, cancel := context.WithTimeout(ctx, d.invokeTimeout)
	start := time.Now()
	res, err := d.invoker.Invoke(ictx, provider, req)
	elapsed := time.Since(start)
	cancel()
	d.lb.DecrementLoad(bg, provider)

	latencyMs := float64(elapsed.Microseconds()) / 1000
	if err == nil && res == nil {
		err = errors.New("invoker returned no result")
	}

	if err != nil {
		if d.breaker != nil {
			d.breaker.RecordFailure(provider)
		}
		_ = d.lb.UpdateMetrics(bg, provider, balancer.Update{Error: balancer.Ptr(true)})
		if d.metrics != nil {
			d.metrics.ObserveDispatch(provider, "error", elapsed)
		}
		d.log.WarnContext(ctx, "dispatch_invoke_failed",
			slog.String("request_id", req.ID),
			slog.String("model", req.Model),
			slog.String("provider", provider),
			slog.Int("retry", req.RetryCount),
			slog.String("error", err.Error()),
		)
		d.retry(bg, req, provider, events.OutcomeError, err.Error())
		return
	}

	if d.breaker != nil {
		d.breaker.RecordSuccess(provider)
	}
	_ = d.lb.UpdateMetrics(bg, provider, balancer.Update{
		LatencyMs:      balancer.Ptr(latencyMs),
		Error:          balancer.Ptr(false),
		RemainingQuota: res.RemainingQuota,
	})
	if d.metrics != nil {
		d.metrics.ObserveDispatch(provider, "ok", elapsed)
		d.metrics.AddTokens(provider, res.InputTokens, res.OutputTokens)
	}

	if d.cache != nil && res.Response != "" {
		prompt, params := requestPrompt(req)
		_ = d.cache.Store(bg, prompt, res.Response, req.Model, params, 0, UserMetadata(req.Metadata))
	}

	d.complete(bg, Completion{
		RequestID: req.ID,
		Model:     req.Model,
		Provider:  provider,
		Status:    StatusCompleted,
		Response:  res.Response,
		Retries:   req.RetryCount,
	})
	d.record(events.Event{
		RequestID:    req.ID,
		Model:        req.Model,
		Provider:     provider,
		Priority:     req.Priority.String(),
		Outcome:      events.OutcomeOK,
		InputTokens:  clampUint32(res.InputTokens),
		OutputTokens: clampUint32(res.OutputTokens),
		LatencyMs:    clampUint32(int(math.Round(latencyMs))),
		Retry:        uint16(min(req.RetryCount, math.MaxUint16)),
	})
	d.log.DebugContext(ctx, "dispatch_completed",
		slog.String("request_id", req.ID),
		slog.String("provider", provider),
		slog.Float64("latency_ms", latencyMs),
	)
}

// retry sends req back to the queue after a failed attempt. A request past
// its retry limit, or one the queue no longer accepts, ends as failed.
func (d *Dispatcher) retry(ctx context.Context, req *queue.Request, provider, outcome, reason string) {
	d.record(events.Event{
		RequestID: req.ID,
		Model:     req.Model,
		Provider:  provider,
		Priority:  req.Priority.String(),
		Outcome:   outcome,
		Retry:     uint16(min(req.RetryCount, math.MaxUint16)),
	})

	err := d.q.Requeue(ctx, req, reason)
	if err == nil {
		return
	}

	if errors.Is(err, queue.ErrRetriesExhausted) {
		d.record(events.Event{
			RequestID: req.ID,
			Model:     req.Model,
			Provider:  provider,
			Priority:  req.Priority.String(),
			Outcome:   events.OutcomeAbandoned,
			Retry:     uint16(min(req.RetryCount, math.MaxUint16)),
		})
	} else {
		d.log.ErrorContext(ctx, "dispatch_requeue_failed",
			slog.String("request_id", req.ID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
	}
	d.complete(ctx, Completion{
		RequestID: req.ID,
		Model:     req.Model,
		Provider:  provider,
		Status:    StatusFailed,
		Error:     reason,
		Retries:   req.RetryCount - 1,
	})
}

// hold puts req back at the head of its bucket without spending a retry
// and pauses its model, so the request is not offered again before an open
// circuit had a chance to go half-open.
func (d *Dispatcher) hold(ctx context.Context, req *queue.Request, provider, outcome, reason string) {
	d.record(events.Event{
		RequestID: req.ID,
		Model:     req.Model,
		Provider:  provider,
		Priority:  req.Priority.String(),
		Outcome:   outcome,
		Retry:     uint16(min(req.RetryCount, math.MaxUint16)),
	})
	pause := d.pause(req.Model)
	d.log.DebugContext(ctx, "dispatch_model_paused",
		slog.String("request_id", req.ID),
		slog.String("model", req.Model),
		slog.String("reason", reason),
		slog.Duration("pause", pause),
	)

	err := d.q.Defer(ctx, req, reason)
	if err == nil {
		return
	}
	d.log.ErrorContext(ctx, "dispatch_defer_failed",
		slog.String("request_id", req.ID),
		slog.String("model", req.Model),
		slog.String("error", err.Error()),
	)
	d.complete(ctx, Completion{
		RequestID: req.ID,
		Model:     req.Model,
		Provider:  provider,
		Status:    StatusFailed,
		Error:     reason,
		Retries:   req.RetryCount,
	})
}

type modelHold struct {
	until   time.Time
	backoff time.Duration
}

// pause extends model's hold, doubling it from the poll interval up to the
// configured maximum, and returns the new pause.
func (d *Dispatcher) pause(model string) time.Duration {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()

	h := d.holds[model]
	h.backoff = min(max(2*h.backoff, d.pollInterval), d.maxHold)
	h.until = d.now().Add(h.backoff)
	d.holds[model] = h
	return h.backoff
}

func (d *Dispatcher) held(model string) bool {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()

	h, ok := d.holds[model]
	return ok && d.now().Before(h.until)
}

func (d *Dispatcher) resume(model string) {
	d.holdMu.Lock()
	delete(d.holds, model)
	d.holdMu.Unlock()
}

func clampUint32(n int) uint32 {
	switch {
	case n < 0:
		return 0
	case uint64(n) > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(n)
	}
}
