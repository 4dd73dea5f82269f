package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/billingkit/eventq/contracts"
)

// Handler processes one envelope popped from a topic.
// A nil return discards the envelope; an error schedules a retry or dead-letters it.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// MiddlewareFunc wraps handler invocations
type MiddlewareFunc func(ctx context.Context, env *contracts.Envelope, next Handler) error

// Chain wraps handler with middleware; the first middleware is the outermost
func Chain(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		mw, next := middleware[i], handler
		handler = HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return mw(ctx, env, next)
		})
	}
	return handler
}

// TypedHandler decodes the payload into T before calling fn
func TypedHandler[T any](fn func(ctx context.Context, payload T, env *contracts.Envelope) error) Handler {
	return HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		var payload T
		if err := env.Decode(&payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return fn(ctx, payload, env)
	})
}

// LoggingMiddleware logs every invocation with its outcome
func LoggingMiddleware(logger *slog.Logger) MiddlewareFunc {
	return func(ctx context.Context, env *contracts.Envelope, next Handler) error {
		start := time.Now()
		err := next.Handle(ctx, env)
		if err != nil {
			logger.Warn("handler failed",
				"messageId", env.ID,
				"retryCount", env.RetryCount,
				"duration", time.Since(start),
				"error", err,
			)
			return err
		}
		logger.Debug("handler succeeded",
			"messageId", env.ID,
			"retryCount", env.RetryCount,
			"duration", time.Since(start),
		)
		return nil
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic
func RecoveryMiddleware(logger *slog.Logger) MiddlewareFunc {
	return func(ctx context.Context, env *contracts.Envelope, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked",
					"messageId", env.ID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = fmt.Errorf("%w: %v", contracts.ErrHandlerPanic, r)
			}
		}()
		return next.Handle(ctx, env)
	}
}
