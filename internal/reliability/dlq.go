package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/billingkit/eventq/contracts"
)

// DeadLetterStore is the subset of the queue store used by operator tooling
type DeadLetterStore interface {
	Restore(ctx context.Context, list string, data []byte) error
	Pop(ctx context.Context, list string, timeout time.Duration) ([]byte, error)
}

// Redriver republishes the payload of a dead envelope as a new message
type Redriver interface {
	Redrive(ctx context.Context, topic string, dead *contracts.Envelope) (string, error)
}

// DeadLetter is one entry consumed from a dead-letter list.
// Envelope is nil when the entry could not be decoded.
type DeadLetter struct {
	Topic    string
	Raw      []byte
	Envelope *contracts.Envelope
	Err      error
}

// DeadLetterTool lets operators consume dead letters. Nothing here runs
// automatically; dead letters stay put until one of these methods is called.
type DeadLetterTool struct {
	store    DeadLetterStore
	redriver Redriver
	logger   *slog.Logger
}

// DLQOption configures the DeadLetterTool
type DLQOption func(*DeadLetterTool)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(t *DeadLetterTool) {
		t.logger = logger
	}
}

// WithRedriver sets the publisher used by Redrive
func WithRedriver(redriver Redriver) DLQOption {
	return func(t *DeadLetterTool) {
		t.redriver = redriver
	}
}

// NewDeadLetterTool creates a dead-letter tool on top of a store session
func NewDeadLetterTool(store DeadLetterStore, options ...DLQOption) *DeadLetterTool {
	t := &DeadLetterTool{
		store:  store,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Drain pops up to limit dead letters of topic and hands each to fn.
// When fn fails the entry is put back at the head of the dead-letter list,
// keeping the list order, and draining stops. It returns how many entries fn accepted.
func (t *DeadLetterTool) Drain(ctx context.Context, topic string, limit int, fn func(DeadLetter) error) (int, error) {
	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return 0, err
	}

	drained := 0
	for limit <= 0 || drained < limit {
		raw, err := t.store.Pop(ctx, keys.DeadLetter, 0)
		if errors.Is(err, contracts.ErrNoMessage) {
			return drained, nil
		}
		if err != nil {
			return drained, &DLQError{Topic: topic, Op: "pop", Err: err}
		}

		entry := DeadLetter{Topic: topic, Raw: raw}
		entry.Envelope, entry.Err = contracts.Decode(raw)

		if err := fn(entry); err != nil {
			if pushErr := t.store.Restore(ctx, keys.DeadLetter, raw); pushErr != nil {
				t.logger.Error("failed to restore dead letter",
					"topic", topic,
					"error", pushErr,
				)
				return drained, &DLQError{Topic: topic, MessageID: messageID(entry), Op: "restore", Err: pushErr}
			}
			return drained, &DLQError{Topic: topic, MessageID: messageID(entry), Op: "drain", Err: err}
		}
		drained++
	}

	return drained, nil
}

// Redrive republishes up to limit dead letters of topic as new messages.
// Undecodable entries are kept in the dead-letter list.
func (t *DeadLetterTool) Redrive(ctx context.Context, topic string, limit int) (int, error) {
	if t.redriver == nil {
		return 0, ErrNoRedriver
	}

	return t.Drain(ctx, topic, limit, func(entry DeadLetter) error {
		if entry.Envelope == nil {
			return fmt.Errorf("%w: %v", ErrInvalidDeadLetter, entry.Err)
		}

		id, err := t.redriver.Redrive(ctx, topic, entry.Envelope)
		if err != nil {
			return err
		}

		t.logger.Info("dead letter redriven",
			"topic", topic,
			"deadMessageId", entry.Envelope.ID,
			"messageId", id,
			"retryCount", entry.Envelope.RetryCount,
		)
		return nil
	})
}

func messageID(entry DeadLetter) string {
	if entry.Envelope != nil {
		return entry.Envelope.ID
	}
	return ""
}
