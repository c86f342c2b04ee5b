package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-controlplane/internal/queue"
)

// WebhookInvoker hands dispatched requests to the gateway over HTTP: it POSTs
// the request and the selected provider as JSON and expects the generated
// response back.
type WebhookInvoker struct {
	url     string
	client  *fasthttp.Client
	timeout time.Duration
}

type webhookRequest struct {
	RequestID        string            `json:"request_id"`
	Model            string            `json:"model"`
	Provider         string            `json:"provider"`
	Priority         queue.Priority    `json:"priority"`
	OriginalPriority queue.Priority    `json:"original_priority"`
	Payload          string            `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RetryCount       int               `json:"retry_count"`
}

type webhookResponse struct {
	Response       string `json:"response"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	RemainingQuota *int64 `json:"remaining_quota,omitempty"`
}

// StatusError is a non-2xx webhook reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatch: webhook returned %d: %s", e.Code, e.Body)
}

// HTTPStatus implements providers.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.Code }

// NewWebhookInvoker creates an invoker posting to url. client may be nil.
func NewWebhookInvoker(url string, timeout time.Duration, client *fasthttp.Client) *WebhookInvoker {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	if client == nil {
		client = &fasthttp.Client{
			Name:                "llm-controlplane",
			MaxConnsPerHost:     512,
			ReadTimeout:         timeout,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 90 * time.Second,
		}
	}
	return &WebhookInvoker{url: url, client: client, timeout: timeout}
}

func (w *WebhookInvoker) Invoke(ctx context.Context, provider string, req *queue.Request) (*Result, error) {
	body, err := json.Marshal(webhookRequest{
		RequestID:        req.ID,
		Model:            req.Model,
		Provider:         provider,
		Priority:         req.Priority,
		OriginalPriority: req.OriginalPriority,
		Payload:          req.Payload,
		Metadata:         UserMetadata(req.Metadata),
		RetryCount:       req.RetryCount,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode webhook request: %w", err)
	}

	hreq := fasthttp.AcquireRequest()
	hresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(hreq)
	defer fasthttp.ReleaseResponse(hresp)

	hreq.SetRequestURI(w.url)
	hreq.Header.SetMethod(fasthttp.MethodPost)
	hreq.Header.SetContentType("application/json")
	hreq.Header.Set("X-Request-ID", req.ID)
	hreq.SetBody(body)

	deadline := time.Now().Add(w.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := w.client.DoDeadline(hreq, hresp, deadline); err != nil {
		return nil, fmt.Errorf("dispatch: webhook: %w", err)
	}

	if code := hresp.StatusCode(); code < 200 || code >= 300 {
		return nil, &StatusError{Code: code, Body: string(hresp.Body())}
	}

	var out webhookResponse
	if err := json.Unmarshal(hresp.Body(), &out); err != nil {
		return nil, fmt.Errorf("dispatch: decode webhook response: %w", err)
	}
	return &Result{
		Response:       out.Response,
		InputTokens:    out.InputTokens,
		OutputTokens:   out.OutputTokens,
		RemainingQuota: out.RemainingQuota,
	}, nil
}
