package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-controlplane/internal/balancer"
	"github.com/nulpointcorp/llm-controlplane/internal/dispatch"
	"github.com/nulpointcorp/llm-controlplane/internal/providers"
	"github.com/nulpointcorp/llm-controlplane/internal/queue"
	"github.com/nulpointcorp/llm-controlplane/internal/semcache"
	"github.com/nulpointcorp/llm-controlplane/pkg/apierr"
)

// queueFullRetryAfter is the Retry-After hint sent with queue_full errors.
const queueFullRetryAfter = 5 * time.Second

type submitRequest struct {
	Prompt        string            `json:"prompt"`
	Payload       string            `json:"payload,omitempty"`
	Model         string            `json:"model"`
	Priority      *queue.Priority   `json:"priority,omitempty"`
	Temperature   float64           `json:"temperature,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	TopP          float64           `json:"top_p,omitempty"`
	DeadlineMs    int64             `json:"deadline_ms,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ContextTokens int               `json:"context_tokens,omitempty"`
}

type submitResponse struct {
	CacheHit     bool           `json:"cache_hit"`
	ID           string         `json:"id,omitempty"`
	Status       string         `json:"status"`
	Priority     queue.Priority `json:"priority"`
	Response     string         `json:"response,omitempty"`
	Similarity   float64        `json:"similarity,omitempty"`
	CachedPrompt string         `json:"cached_prompt,omitempty"`
}

type pendingResponse struct {
	RequestID        string         `json:"request_id"`
	Model            string         `json:"model"`
	Status           string         `json:"status"`
	Priority         queue.Priority `json:"priority"`
	OriginalPriority queue.Priority `json:"original_priority"`
	EnqueuedAt       time.Time      `json:"enqueued_at"`
	WaitMs           int64          `json:"wait_ms"`
	Retries          int            `json:"retries"`
}

type routeRequest struct {
	Model         string   `json:"model"`
	Providers     []string `json:"providers,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
	ContextTokens int      `json:"context_tokens,omitempty"`
}

type providerView struct {
	Name    string                   `json:"name"`
	Circuit string                   `json:"circuit"`
	Spec    providers.Spec           `json:"spec"`
	Metrics balancer.ProviderMetrics `json:"metrics"`
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.deps.Health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.deps.Health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.deps.Health == nil || s.deps.Health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

// handleSubmit answers from the cache (200) or queues the request (202).
func (s *Server) handleSubmit(ctx *fasthttp.RequestCtx) {
	var in submitRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteInvalid(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if in.Prompt == "" {
		apierr.WriteInvalid(ctx, "prompt is required")
		return
	}
	if in.Model == "" {
		apierr.WriteInvalid(ctx, "model is required")
		return
	}
	if in.DeadlineMs < 0 {
		apierr.WriteInvalid(ctx, "deadline_ms must not be negative")
		return
	}
	priority := queue.PriorityNormal
	if in.Priority != nil {
		priority = *in.Priority
	}

	rctx, cancel := reqContext()
	defer cancel()

	out, err := s.deps.Dispatcher.Submit(rctx, dispatch.Submission{
		Prompt:  in.Prompt,
		Payload: in.Payload,
		Model:   in.Model,
		Params: semcache.Params{
			Temperature: in.Temperature,
			MaxTokens:   in.MaxTokens,
			TopP:        in.TopP,
		},
		Priority:      priority,
		Deadline:      time.Duration(in.DeadlineMs) * time.Millisecond,
		Metadata:      in.Metadata,
		ContextTokens: in.ContextTokens,
	})
	if err != nil {
		s.writeSubmitError(ctx, in.Model, err)
		return
	}

	if out.CacheHit {
		writeJSON(ctx, fasthttp.StatusOK, submitResponse{
			CacheHit:     true,
			Status:       dispatch.StatusCompleted,
			Priority:     priority,
			Response:     out.Response,
			Similarity:   out.Similarity,
			CachedPrompt: out.CachedPrompt,
		})
		return
	}
	writeJSON(ctx, fasthttp.StatusAccepted, submitResponse{
		ID:       out.RequestID,
		Status:   "queued",
		Priority: priority,
	})
}

func (s *Server) writeSubmitError(ctx *fasthttp.RequestCtx, model string, err error) {
	switch {
	case errors.Is(err, dispatch.ErrUnknownModel):
		apierr.WriteNotFound(ctx, "unknown model "+model, apierr.CodeModelNotFound)
	case errors.Is(err, dispatch.ErrRateLimited):
		apierr.WriteRateLimit(ctx)
	case errors.Is(err, queue.ErrQueueFull):
		apierr.WriteQueueFull(ctx, err.Error(), queueFullRetryAfter)
	case errors.Is(err, queue.ErrInvalidRequest):
		apierr.WriteInvalid(ctx, err.Error())
	case isStoreDown(err):
		apierr.WriteUnavailable(ctx, "request queue unavailable")
	default:
		s.log.Error("admin_submit_error",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
	}
}

// handleGetRequest reports a completion record, or the queued state of a
// request still waiting.
func (s *Server) handleGetRequest(ctx *fasthttp.RequestCtx) {
	id := pathParam(ctx, "id")
	rctx, cancel := reqContext()
	defer cancel()

	c, err := s.deps.Dispatcher.Result(rctx, id)
	if err == nil {
		writeJSON(ctx, fasthttp.StatusOK, c)
		return
	}
	if !errors.Is(err, dispatch.ErrNoResult) {
		apierr.WriteUnavailable(ctx, "result store unavailable")
		return
	}

	req, err := s.deps.Queue.Get(rctx, id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		apierr.WriteNotFound(ctx, "request "+id+" not found", apierr.CodeNotFound)
	case err != nil:
		apierr.WriteUnavailable(ctx, "request queue unavailable")
	default:
		writeJSON(ctx, fasthttp.StatusOK, pendingResponse{
			RequestID:        req.ID,
			Model:            req.Model,
			Status:           "queued",
			Priority:         req.Priority,
			OriginalPriority: req.OriginalPriority,
			EnqueuedAt:       req.EnqueuedAt,
			WaitMs:           req.WaitTime(time.Now()).Milliseconds(),
			Retries:          req.RetryCount,
		})
	}
}

func (s *Server) handleCancel(ctx *fasthttp.RequestCtx) {
	id := pathParam(ctx, "id")
	rctx, cancel := reqContext()
	defer cancel()

	err := s.deps.Queue.Cancel(rctx, id)
	switch {
	case err == nil:
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	case errors.Is(err, queue.ErrNotFound):
		apierr.WriteNotFound(ctx, "request "+id+" is not queued", apierr.CodeNotFound)
	default:
		apierr.WriteUnavailable(ctx, "request queue unavailable")
	}
}

func (s *Server) handleQueues(ctx *fasthttp.RequestCtx) {
	rctx, cancel := reqContext()
	defer cancel()

	models, err := s.deps.Queue.Models(rctx)
	if err != nil {
		apierr.WriteUnavailable(ctx, "request queue unavailable")
		return
	}
	out := make(map[string]map[queue.Priority]int64, len(models))
	for _, m := range models {
		depths, err := s.deps.Queue.Depths(rctx, m)
		if err != nil {
			apierr.WriteUnavailable(ctx, "request queue unavailable")
			return
		}
		out[m] = depths
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"max_depth": s.deps.Queue.MaxDepth(),
		"models":    out,
	})
}

func (s *Server) handleQueueDepth(ctx *fasthttp.RequestCtx) {
	model := pathParam(ctx, "model")
	rctx, cancel := reqContext()
	defer cancel()

	depths, err := s.deps.Queue.Depths(rctx, model)
	if err != nil {
		apierr.WriteUnavailable(ctx, "request queue unavailable")
		return
	}
	var total int64
	for _, n := range depths {
		total += n
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"model":     model,
		"depths":    depths,
		"total":     total,
		"max_depth": s.deps.Queue.MaxDepth(),
	})
}

// handleSweep removes expired requests; ?promote=true also relocates aged
// ones one level up.
func (s *Server) handleSweep(ctx *fasthttp.RequestCtx) {
	rctx, cancel := reqContext()
	defer cancel()

	removed := s.deps.Queue.ClearExpired(rctx)
	promoted := 0
	if ctx.QueryArgs().GetBool("promote") {
		models, err := s.deps.Queue.Models(rctx)
		if err != nil {
			apierr.WriteUnavailable(ctx, "request queue unavailable")
			return
		}
		for _, m := range models {
			promoted += s.deps.Queue.PromoteAged(rctx, m)
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]int{
		"expired_removed": removed,
		"promoted":        promoted,
	})
}

// handleInvalidate drops cache entries of ?model=, or all of them.
func (s *Server) handleInvalidate(ctx *fasthttp.RequestCtx) {
	if s.deps.Cache == nil {
		apierr.WriteNotFound(ctx, "semantic cache is disabled", apierr.CodeCacheDisabled)
		return
	}
	model := string(ctx.QueryArgs().Peek("model"))

	rctx, cancel := reqContext()
	defer cancel()

	n, err := s.deps.Cache.Invalidate(rctx, model)
	if err != nil {
		apierr.WriteUnavailable(ctx, "cache store unavailable")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"model": model, "removed": n})
}

func (s *Server) handleProviders(ctx *fasthttp.RequestCtx) {
	rctx, cancel := reqContext()
	defer cancel()

	names := s.deps.Catalog.AllProviders()
	out := make([]providerView, 0, len(names))
	for _, name := range names {
		out = append(out, s.providerView(rctx, name))
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleProviderMetrics(ctx *fasthttp.RequestCtx) {
	rctx, cancel := reqContext()
	defer cancel()

	writeJSON(ctx, fasthttp.StatusOK, s.providerView(rctx, pathParam(ctx, "provider")))
}

func (s *Server) providerView(rctx context.Context, name string) providerView {
	spec, _ := s.deps.Catalog.Spec(name)
	circuit := "closed"
	if s.deps.Breaker != nil {
		circuit = s.deps.Breaker.StateLabel(name)
	}
	return providerView{
		Name:    name,
		Circuit: circuit,
		Spec:    spec,
		Metrics: s.deps.Balancer.Metrics(rctx, name),
	}
}

// handleRoute runs a selection without dispatching anything. Candidates
// default to the model's catalog providers minus open circuits.
func (s *Server) handleRoute(ctx *fasthttp.RequestCtx) {
	var in routeRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteInvalid(ctx, "invalid JSON body: "+err.Error())
		return
	}

	strategy := s.deps.Strategy
	if in.Strategy != "" {
		st, err := balancer.ParseStrategy(in.Strategy)
		if err != nil {
			apierr.WriteInvalid(ctx, err.Error())
			return
		}
		strategy = st
	}

	candidates := in.Providers
	if len(candidates) == 0 {
		if in.Model == "" {
			apierr.WriteInvalid(ctx, "model or providers is required")
			return
		}
		candidates = s.deps.Catalog.Providers(in.Model)
		if len(candidates) == 0 {
			apierr.WriteNotFound(ctx, "unknown model "+in.Model, apierr.CodeModelNotFound)
			return
		}
	}
	if s.deps.Breaker != nil {
		candidates = s.deps.Breaker.Filter(candidates)
	}

	rctx, cancel := reqContext()
	defer cancel()

	provider, ok := s.deps.Balancer.SelectProvider(rctx, candidates, strategy, in.ContextTokens)
	if !ok {
		apierr.WriteNoProvider(ctx, in.Model)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{
		"provider": provider,
		"strategy": string(strategy),
	})
}
