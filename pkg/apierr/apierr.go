// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeRateLimitError = "rate_limit_error"
	TypeCapacityError  = "capacity_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFoundError  = "not_found_error"
	TypeServerError    = "server_error"
	TypeUnavailable    = "service_unavailable"
	TypeRoutingError   = "routing_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQueueFull         = "queue_full"
	CodeInternalError     = "internal_error"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeNotFound          = "not_found"
	CodeStoreUnavailable  = "store_unavailable"
	CodeNoProvider        = "no_provider"
	CodeCacheDisabled     = "cache_disabled"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalid writes a 400 for a malformed request.
func WriteInvalid(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteNotFound writes a 404 with the given code.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg, code string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFoundError, code)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteQueueFull writes a 429 for an admission-control rejection. The queue
// drains on its own, so Retry-After is a hint rather than a reservation.
func WriteQueueFull(ctx *fasthttp.RequestCtx, msg string, retryAfter time.Duration) {
	if retryAfter > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeCapacityError, CodeQueueFull)
}

// WriteUnavailable writes a 503 when the shared store cannot be reached.
func WriteUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeUnavailable, CodeStoreUnavailable)
}

// WriteNoProvider writes a 503 when no provider can serve the model.
func WriteNoProvider(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no eligible provider for model "+model, TypeRoutingError, CodeNoProvider)
}

// WriteInternal writes a 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
