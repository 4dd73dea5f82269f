package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/billingkit/eventq/contracts"
)

var (
	errInvalidPayload   = errors.New("payload is not valid JSON")
	errMissingEventType = errors.New("billing event has no type")
)

// MessagePublisher enqueues envelopes on the publishing session
type MessagePublisher struct {
	sessions Sessions
	promoter *DelayPromoter
	clock    clock.Clock
	logger   *slog.Logger
	metrics  MetricsCollector
	closed   atomic.Bool
}

// PublisherOption configures the MessagePublisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithPublisherClock sets the time source used for timestamps and due times
func WithPublisherClock(c clock.Clock) PublisherOption {
	return func(p *MessagePublisher) {
		p.clock = c
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *MessagePublisher) {
		p.metrics = metrics
	}
}

// WithPublisherPromoter makes delayed publishes start promotion for their topic
func WithPublisherPromoter(promoter *DelayPromoter) PublisherOption {
	return func(p *MessagePublisher) {
		p.promoter = promoter
	}
}

// NewMessagePublisher creates a new message publisher
func NewMessagePublisher(sessions Sessions, options ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		sessions: sessions,
		clock:    clock.New(),
		logger:   slog.Default(),
		metrics:  &NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures message publishing
type PublishOptions struct {
	Delay time.Duration
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithDelay holds the message back for d. Zero or negative delays publish immediately.
func WithDelay(d time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.Delay = d
	}
}

// Publish enqueues payload on topic and returns the message id once the
// store has acknowledged the write
func (p *MessagePublisher) Publish(ctx context.Context, topic string, payload any, options ...PublishOption) (string, error) {
	if p.closed.Load() {
		return "", &contracts.ShutdownError{Op: "publish"}
	}

	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return "", err
	}

	opts := PublishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return "", &contracts.SerializationError{Topic: topic, Err: err, Timestamp: p.clock.Now()}
	}

	env := contracts.NewEnvelope(data, p.clock.Now())
	if opts.Delay > 0 {
		env.Options.Delay = opts.Delay
	}

	if err := p.write(ctx, keys, env, opts.Delay); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Republish puts a failed envelope back on topic after delay. The id is kept
// and the envelope is marked as a retry of itself.
func (p *MessagePublisher) Republish(ctx context.Context, topic string, env *contracts.Envelope, delay time.Duration) error {
	if p.closed.Load() {
		return &contracts.ShutdownError{Op: "republish"}
	}

	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return err
	}

	retry := env.Clone()
	retry.Options.IsRetry = true
	if retry.Options.OriginalID == "" {
		retry.Options.OriginalID = env.ID
	}
	retry.Options.Delay = 0
	if delay > 0 {
		retry.Options.Delay = delay
	}

	return p.write(ctx, keys, retry, delay)
}

// Redrive publishes the payload of a dead envelope as a new message and
// returns its id. The new envelope starts with a zero retry count.
func (p *MessagePublisher) Redrive(ctx context.Context, topic string, dead *contracts.Envelope) (string, error) {
	if p.closed.Load() {
		return "", &contracts.ShutdownError{Op: "redrive"}
	}

	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return "", err
	}

	env := contracts.NewEnvelope(dead.Payload, p.clock.Now())
	env.Options.OriginalID = dead.ID

	if err := p.write(ctx, keys, env, 0); err != nil {
		return "", err
	}
	return env.ID, nil
}

// DeadLetter appends raw data to the dead-letter list of topic
func (p *MessagePublisher) DeadLetter(ctx context.Context, topic string, data []byte) error {
	if p.closed.Load() {
		return &contracts.ShutdownError{Op: "dead-letter"}
	}

	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return err
	}

	if !p.sessions.IsConnected() {
		return &contracts.ConnectionError{Op: "dead-letter", Err: contracts.ErrNotConnected, Timestamp: p.clock.Now()}
	}
	return p.sessions.Publishing().Append(ctx, keys.DeadLetter, data)
}

// Close closes the publisher. Later publishes fail with a ShutdownError.
func (p *MessagePublisher) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *MessagePublisher) write(ctx context.Context, keys contracts.TopicKeys, env *contracts.Envelope, delay time.Duration) error {
	start := p.clock.Now()
	delayed := delay > 0

	if !p.sessions.IsConnected() {
		p.metrics.RecordPublish(keys.Topic, delayed, 0, false)
		return &contracts.ConnectionError{Op: "publish", Err: contracts.ErrNotConnected, Timestamp: start}
	}

	data, err := contracts.Encode(env)
	if err != nil {
		return err
	}

	store := p.sessions.Publishing()
	if delayed {
		err = store.Schedule(ctx, keys.Delayed, data, start.Add(delay))
	} else {
		err = store.Append(ctx, keys.Ready, data)
	}

	duration := p.clock.Since(start)
	p.metrics.RecordPublish(keys.Topic, delayed, duration, err == nil)

	if err != nil {
		p.logger.Error("failed to publish message",
			"messageId", env.ID,
			"topic", keys.Topic,
			"delayed", delayed,
			"error", err,
		)
		return err
	}

	if delayed && p.promoter != nil {
		if err := p.promoter.EnsureTopic(keys.Topic); err != nil {
			p.logger.Warn("delay promoter not started",
				"topic", keys.Topic,
				"error", err,
			)
		}
	}

	p.logger.Debug("message published",
		"messageId", env.ID,
		"topic", keys.Topic,
		"retryCount", env.RetryCount,
		"delay", delay,
	)
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errInvalidPayload
		}
		return raw, nil
	}
	return json.Marshal(payload)
}
