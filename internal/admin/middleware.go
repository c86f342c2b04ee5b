package admin

import (
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-controlplane/internal/metrics"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					ctx.SetStatusCode(fasthttp.StatusInternalServerError)
					ctx.SetContentType("application/json")
					ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
				}
			}()
			next(ctx)
		}
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored under the
// user value "request_id".
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header (Go duration format, e.g. "2.5ms").
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// observe exports per-route request counts and latencies. The route label
// is the matched pattern, not the raw path, to keep cardinality bounded.
func observe(reg *metrics.Registry) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		if reg == nil {
			return next
		}
		return func(ctx *fasthttp.RequestCtx) {
			reg.IncInFlight()
			start := time.Now()
			next(ctx)
			reg.DecInFlight()

			route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
			if route == "" {
				route = "unmatched"
			}
			reg.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}
	}
}

// securityHeaders adds the OWASP-recommended headers to every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *
//   - specific origins      → joined with ", "
//
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) middleware {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that the first middleware is the outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
