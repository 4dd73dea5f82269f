package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/internal/reliability"
)

// persistAttempts bounds how often a retry or dead-letter write is tried
// while the store is unreachable, the first write included
const persistAttempts = 5

// Dispatcher runs the worker loop of one subscription: pop, decode,
// filter duplicates, handle, then retry or dead-letter failures
type Dispatcher struct {
	keys           contracts.TopicKeys
	consumer       QueueStore
	publisher      *MessagePublisher
	handler        Handler
	policy         reliability.RetryPolicy
	dedup          *DuplicateFilter
	popTimeout     time.Duration
	transportPause time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	metrics        MetricsCollector
}

// Run pops and processes envelopes until ctx is cancelled. Handlers get
// handlerCtx so an in-flight handler is not interrupted by Stop.
func (d *Dispatcher) Run(ctx, handlerCtx context.Context, worker int) {
	logger := d.logger.With("topic", d.keys.Topic, "worker", worker)

	for ctx.Err() == nil {
		raw, err := d.consumer.Pop(ctx, d.keys.Ready, d.popTimeout)
		switch {
		case err == nil:
			d.Process(handlerCtx, raw)
		case errors.Is(err, contracts.ErrNoMessage):
		case ctx.Err() != nil:
			return
		case contracts.IsShutdown(err):
			logger.Info("store closed, worker stopping")
			return
		default:
			logger.Warn("failed to pop message",
				"error", err,
				"pause", d.transportPause,
			)
			if !d.sleep(ctx, d.transportPause) {
				return
			}
		}
	}
}

// Process handles one raw entry popped from the ready list
func (d *Dispatcher) Process(ctx context.Context, raw []byte) {
	env, err := contracts.Decode(raw)
	if err != nil {
		d.deadLetterRaw(ctx, raw, err)
		return
	}

	if d.dedup != nil && !d.dedup.Accept(env) {
		d.metrics.RecordDuplicate(d.keys.Topic)
		d.logger.Debug("duplicate message discarded",
			"messageId", env.ID,
			"topic", d.keys.Topic,
			"retryCount", env.RetryCount,
		)
		return
	}

	start := d.clock.Now()
	err = d.invoke(ctx, env)
	d.metrics.RecordMessage(d.keys.Topic, d.clock.Since(start), err == nil)

	if err != nil {
		d.fail(ctx, env, err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", contracts.ErrHandlerPanic, r)
		}
	}()
	return d.handler.Handle(ctx, env.Clone())
}

func (d *Dispatcher) fail(ctx context.Context, env *contracts.Envelope, cause error) {
	herr := &contracts.HandlerError{
		Topic:     d.keys.Topic,
		MessageID: env.ID,
		Attempt:   env.RetryCount,
		Err:       cause,
	}

	failed := env.Clone()
	failed.RecordFailure(cause, d.clock.Now())

	retry, delay := d.policy.ShouldRetry(failed.RetryCount, cause)
	if retry {
		err := d.persist(ctx, func() error {
			return d.publisher.Republish(ctx, d.keys.Topic, failed, delay)
		})
		if err != nil {
			d.logger.Error("failed to schedule retry, message lost",
				"messageId", env.ID,
				"topic", d.keys.Topic,
				"retryCount", failed.RetryCount,
				"cause", herr,
				"error", err,
			)
			return
		}
		d.metrics.RecordRetry(d.keys.Topic, failed.RetryCount)
		d.logger.Warn("message failed, retry scheduled",
			"messageId", env.ID,
			"topic", d.keys.Topic,
			"retryCount", failed.RetryCount,
			"delay", delay,
			"error", herr,
		)
		return
	}

	data, err := contracts.Encode(failed)
	if err != nil {
		d.logger.Error("failed to encode dead letter", "messageId", env.ID, "error", err)
		return
	}
	if err := d.persist(ctx, func() error {
		return d.publisher.DeadLetter(ctx, d.keys.Topic, data)
	}); err != nil {
		d.logger.Error("failed to dead-letter message, message lost",
			"messageId", env.ID,
			"topic", d.keys.Topic,
			"retryCount", failed.RetryCount,
			"error", err,
		)
		return
	}

	d.metrics.RecordDeadLetter(d.keys.Topic, DeadLetterReasonRetriesExhausted)
	d.logger.Error("message moved to dead-letter list",
		"messageId", env.ID,
		"topic", d.keys.Topic,
		"retryCount", failed.RetryCount,
		"error", herr,
	)
}

func (d *Dispatcher) deadLetterRaw(ctx context.Context, raw []byte, cause error) {
	if err := d.persist(ctx, func() error {
		return d.publisher.DeadLetter(ctx, d.keys.Topic, raw)
	}); err != nil {
		d.logger.Error("failed to dead-letter malformed message",
			"topic", d.keys.Topic,
			"error", err,
		)
		return
	}

	d.metrics.RecordDeadLetter(d.keys.Topic, DeadLetterReasonMalformed)
	d.logger.Error("malformed message moved to dead-letter list",
		"topic", d.keys.Topic,
		"size", len(raw),
		"error", cause,
	)
}

// persist repeats a store write while the store is unreachable
func (d *Dispatcher) persist(ctx context.Context, write func() error) error {
	policy := reliability.NewFixedDelay(d.transportPause, persistAttempts-1)
	return reliability.Retry(ctx, policy, func() error {
		err := write()
		if err != nil && !contracts.IsRetryable(err) {
			return reliability.Permanent(err)
		}
		return err
	})
}

func (d *Dispatcher) sleep(ctx context.Context, pause time.Duration) bool {
	timer := d.clock.Timer(pause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
