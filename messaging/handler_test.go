package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/billingkit/eventq/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(payload string) *contracts.Envelope {
	return contracts.NewEnvelope(json.RawMessage(payload), time.Now())
}

func TestChain(t *testing.T) {
	t.Run("applies middleware outermost first", func(t *testing.T) {
		var order []string
		record := func(name string) MiddlewareFunc {
			return func(ctx context.Context, env *contracts.Envelope, next Handler) error {
				order = append(order, name+":before")
				err := next.Handle(ctx, env)
				order = append(order, name+":after")
				return err
			}
		}

		handler := Chain(HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			order = append(order, "handler")
			return nil
		}), record("outer"), record("inner"))

		require.NoError(t, handler.Handle(context.Background(), testEnvelope(`{}`)))
		assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
	})

	t.Run("without middleware returns the handler unchanged", func(t *testing.T) {
		called := false
		handler := Chain(HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			called = true
			return nil
		}))

		require.NoError(t, handler.Handle(context.Background(), testEnvelope(`{}`)))
		assert.True(t, called)
	})

	t.Run("middleware can short-circuit", func(t *testing.T) {
		blocked := errors.New("blocked")
		handler := Chain(HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			t.Fatal("handler must not run")
			return nil
		}), func(ctx context.Context, env *contracts.Envelope, next Handler) error {
			return blocked
		})

		assert.ErrorIs(t, handler.Handle(context.Background(), testEnvelope(`{}`)), blocked)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		panic("nil customer")
	}), RecoveryMiddleware(slog.Default()))

	err := handler.Handle(context.Background(), testEnvelope(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrHandlerPanic)
	assert.Contains(t, err.Error(), "nil customer")
}

func TestLoggingMiddleware(t *testing.T) {
	failure := errors.New("card declined")
	handler := Chain(HandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
		return failure
	}), LoggingMiddleware(slog.Default()))

	assert.ErrorIs(t, handler.Handle(context.Background(), testEnvelope(`{}`)), failure)
}

func TestTypedHandler(t *testing.T) {
	type invoiceRequest struct {
		CustomerID string `json:"customerId"`
		Amount     int    `json:"amount"`
	}

	t.Run("decodes the payload", func(t *testing.T) {
		var got invoiceRequest
		handler := TypedHandler(func(ctx context.Context, req invoiceRequest, env *contracts.Envelope) error {
			got = req
			return nil
		})

		require.NoError(t, handler.Handle(context.Background(), testEnvelope(`{"customerId":"cus_1","amount":4200}`)))
		assert.Equal(t, invoiceRequest{CustomerID: "cus_1", Amount: 4200}, got)
	})

	t.Run("reports decode failures", func(t *testing.T) {
		handler := TypedHandler(func(ctx context.Context, req invoiceRequest, env *contracts.Envelope) error {
			return nil
		})

		err := handler.Handle(context.Background(), testEnvelope(`{"amount":"many"}`))
		assert.ErrorContains(t, err, "decode payload")
	})
}
