package messaging

import (
	"context"
	"time"
)

// Publisher publishes payloads to durable topics
type Publisher interface {
	// Publish enqueues payload and returns the new message id
	Publish(ctx context.Context, topic string, payload any, options ...PublishOption) (string, error)

	// Close closes the publisher
	Close() error
}

// Subscriber consumes durable topics
type Subscriber interface {
	// Subscribe starts consuming topic with handler
	Subscribe(ctx context.Context, topic string, handler Handler, options ...SubscriptionOption) (*Subscription, error)

	// Close stops every subscription
	Close() error
}

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records an enqueue into the ready list or the delayed set
	RecordPublish(topic string, delayed bool, duration time.Duration, success bool)

	// RecordMessage records one handler invocation
	RecordMessage(topic string, duration time.Duration, success bool)

	// RecordRetry records a failed envelope scheduled for another attempt
	RecordRetry(topic string, retryCount int)

	// RecordDeadLetter records an envelope moved to the dead-letter list
	RecordDeadLetter(topic string, reason string)

	// RecordDuplicate records an envelope discarded as already seen
	RecordDuplicate(topic string)

	// RecordPromotion records delayed envelopes moved to the ready list
	RecordPromotion(topic string, promoted int, success bool)
}

// Dead-letter reasons reported to MetricsCollector
const (
	DeadLetterReasonRetriesExhausted = "retries_exhausted"
	DeadLetterReasonMalformed        = "malformed"
)

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(topic string, delayed bool, duration time.Duration, success bool) {
}

// RecordMessage does nothing
func (n *NoOpMetricsCollector) RecordMessage(topic string, duration time.Duration, success bool) {}

// RecordRetry does nothing
func (n *NoOpMetricsCollector) RecordRetry(topic string, retryCount int) {}

// RecordDeadLetter does nothing
func (n *NoOpMetricsCollector) RecordDeadLetter(topic string, reason string) {}

// RecordDuplicate does nothing
func (n *NoOpMetricsCollector) RecordDuplicate(topic string) {}

// RecordPromotion does nothing
func (n *NoOpMetricsCollector) RecordPromotion(topic string, promoted int, success bool) {}
