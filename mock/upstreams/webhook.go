package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// dispatchRequest mirrors what the control plane's webhook invoker posts.
type dispatchRequest struct {
	RequestID        string            `json:"request_id"`
	Model            string            `json:"model"`
	Provider         string            `json:"provider"`
	Priority         string            `json:"priority"`
	OriginalPriority string            `json:"original_priority"`
	Payload          string            `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RetryCount       int               `json:"retry_count"`
}

type dispatchResponse struct {
	Response       string `json:"response"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	RemainingQuota int64  `json:"remaining_quota"`
}

// quotaTracker counts down a per-provider budget, floored at zero.
type quotaTracker struct {
	mu     sync.Mutex
	start  int64
	remain map[string]int64
}

func newQuotaTracker(start int64) *quotaTracker {
	return &quotaTracker{start: start, remain: make(map[string]int64)}
}

func (q *quotaTracker) spend(provider string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	left, ok := q.remain[provider]
	if !ok {
		left = q.start
	}
	if left > 0 {
		left--
	}
	q.remain[provider] = left
	return left
}

// newWebhookHandler returns an http.Handler standing in for the gateway that
// executes dispatched requests.
func newWebhookHandler(cfg Config, log *slog.Logger) http.Handler {
	quota := newQuotaTracker(cfg.Quota)
	mux := http.NewServeMux()

	mux.HandleFunc("/dispatch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}

		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.RequestID == "" || req.Provider == "" {
			writeError(w, http.StatusBadRequest, "request_id and provider are required", "invalid_request")
			return
		}

		applyLatency(cfg)
		if cfg.FailProviders[req.Provider] {
			writeError(w, http.StatusServiceUnavailable, "mock provider unavailable", "service_unavailable")
			return
		}
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		log.Debug("mock dispatch",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("provider", req.Provider),
			slog.String("priority", req.Priority),
			slog.Int("retry", req.RetryCount),
		)

		writeJSON(w, http.StatusOK, dispatchResponse{
			Response:       fakeSentence(cfg.ResponseWords),
			InputTokens:    len(strings.Fields(req.Payload)),
			OutputTokens:   cfg.ResponseWords,
			RemainingQuota: quota.spend(req.Provider),
		})
	})

	return mux
}
