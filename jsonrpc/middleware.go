package jsonrpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// CodeRateLimited is returned by RateLimitMiddleware when a call is refused.
const CodeRateLimited = -32001

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Chain composes middlewares so that the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type callKey struct{}

type callInfo struct {
	method string
	id     ID
}

func withCall(ctx context.Context, method string, id ID) context.Context {
	return context.WithValue(ctx, callKey{}, callInfo{method: method, id: id})
}

// MethodFromContext returns the method being served, or "" outside a handler.
func MethodFromContext(ctx context.Context) string {
	info, _ := ctx.Value(callKey{}).(callInfo)
	return info.method
}

// RequestIDFromContext returns the id of the request being served.
// It reports false for notifications and outside a handler.
func RequestIDFromContext(ctx context.Context) (ID, bool) {
	info, ok := ctx.Value(callKey{}).(callInfo)
	if !ok || info.id.IsNull() {
		return NullID, false
	}
	return info.id, true
}

// LoggingMiddleware logs every served call with its duration and outcome.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, params interface{}) (interface{}, error) {
			start := time.Now()
			result, err := next(ctx, params)

			evt := logger.Debug()
			if err != nil {
				evt = logger.Warn().Err(err)
			}
			if id, ok := RequestIDFromContext(ctx); ok {
				evt = evt.Stringer("id", id)
			}
			evt.Str("method", MethodFromContext(ctx)).
				Dur("duration", time.Since(start)).
				Msg("served call")
			return result, err
		}
	}
}

// RateLimitMiddleware refuses calls beyond r per second with bursts of burst.
// Refused calls fail with CodeRateLimited.
func RateLimitMiddleware(r rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(r, burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, params interface{}) (interface{}, error) {
			if !limiter.Allow() {
				return nil, NewErrorData(CodeRateLimited, "rate limit exceeded", MethodFromContext(ctx))
			}
			return next(ctx, params)
		}
	}
}
