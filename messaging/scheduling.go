package messaging

import (
	"context"
	"time"

	"github.com/billingkit/eventq/contracts"
)

// Schedule publishes payload on topic for delivery at the given time.
// Times in the past publish immediately.
func (p *MessagePublisher) Schedule(ctx context.Context, topic string, payload any, at time.Time, options ...PublishOption) (string, error) {
	delay := at.Sub(p.clock.Now())
	if delay < 0 {
		delay = 0
	}
	return p.Publish(ctx, topic, payload, append(options, WithDelay(delay))...)
}

// PublishEvent publishes a billing lifecycle event on topic
func (p *MessagePublisher) PublishEvent(ctx context.Context, topic string, event contracts.BillingEvent, options ...PublishOption) (string, error) {
	if event.Type == "" {
		return "", &contracts.SerializationError{Topic: topic, Err: errMissingEventType, Timestamp: p.clock.Now()}
	}
	return p.Publish(ctx, topic, event, options...)
}
