package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/billingkit/eventq/contracts"
)

// BroadcastMessage is one message received on a broadcast channel
type BroadcastMessage struct {
	Channel string
	Pattern string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v
func (m BroadcastMessage) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// BroadcastHandler processes broadcast messages. Errors are logged and dropped.
type BroadcastHandler interface {
	HandleBroadcast(ctx context.Context, msg BroadcastMessage) error
}

// BroadcastHandlerFunc is a function adapter for BroadcastHandler
type BroadcastHandlerFunc func(ctx context.Context, msg BroadcastMessage) error

// HandleBroadcast implements BroadcastHandler
func (f BroadcastHandlerFunc) HandleBroadcast(ctx context.Context, msg BroadcastMessage) error {
	return f(ctx, msg)
}

// Broadcaster sends best-effort notifications to every live subscriber.
// Nothing is persisted and nothing is retried.
type Broadcaster struct {
	store  BroadcastStore
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions map[*BroadcastSubscription]struct{}
	closed        bool
}

// BroadcasterOption configures the Broadcaster
type BroadcasterOption func(*Broadcaster)

// WithBroadcastLogger sets the logger
func WithBroadcastLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// NewBroadcaster creates a broadcaster on a pub/sub session
func NewBroadcaster(store BroadcastStore, options ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		store:         store,
		logger:        slog.Default(),
		subscriptions: make(map[*BroadcastSubscription]struct{}),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// PublishBroadcast encodes payload as JSON and sends it to channel
func (b *Broadcaster) PublishBroadcast(ctx context.Context, channel string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return &contracts.ShutdownError{Op: "broadcast"}
	}
	if channel == "" {
		return errors.New("broadcast channel cannot be empty")
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return &contracts.SerializationError{Topic: channel, Err: err}
	}

	if err := b.store.Publish(ctx, channel, data); err != nil {
		b.logger.Warn("broadcast failed",
			"channel", channel,
			"error", err,
		)
		return err
	}
	return nil
}

// BroadcastSubscription receives broadcasts on channels matching a pattern
type BroadcastSubscription struct {
	Pattern string

	broadcaster *Broadcaster
	stream      BroadcastStream
	done        chan struct{}
	stopOnce    sync.Once
	stopping    atomic.Bool
}

// SubscribeBroadcast delivers every broadcast on a channel matching the glob
// pattern to handler. Messages sent while not subscribed are never seen.
func (b *Broadcaster) SubscribeBroadcast(ctx context.Context, pattern string, handler BroadcastHandler) (*BroadcastSubscription, error) {
	if pattern == "" {
		return nil, errors.New("broadcast pattern cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, &contracts.ShutdownError{Op: "subscribe broadcast"}
	}

	stream, err := b.store.PSubscribe(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", pattern, err)
	}

	sub := &BroadcastSubscription{
		Pattern:     pattern,
		broadcaster: b,
		stream:      stream,
		done:        make(chan struct{}),
	}
	b.subscriptions[sub] = struct{}{}

	go sub.run(context.WithoutCancel(ctx), handler, b.logger)

	b.logger.Info("subscribed to broadcasts", "pattern", pattern)
	return sub, nil
}

func (sub *BroadcastSubscription) run(ctx context.Context, handler BroadcastHandler, logger *slog.Logger) {
	defer close(sub.done)

	for delivery := range sub.stream.Messages() {
		msg := BroadcastMessage{
			Channel: delivery.Channel,
			Pattern: delivery.Pattern,
			Payload: json.RawMessage(delivery.Data),
		}
		if err := safeBroadcast(ctx, handler, msg); err != nil {
			logger.Warn("broadcast handler failed",
				"channel", msg.Channel,
				"pattern", msg.Pattern,
				"error", err,
			)
		}
	}

	if !sub.stopping.Load() {
		logger.Warn("broadcast stream ended, subscription no longer receives",
			"pattern", sub.Pattern,
		)
		sub.broadcaster.remove(sub)
	}
}

func safeBroadcast(ctx context.Context, handler BroadcastHandler, msg BroadcastMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", contracts.ErrHandlerPanic, r)
		}
	}()
	return handler.HandleBroadcast(ctx, msg)
}

// Stop ends the subscription and waits for the current handler call to return
func (sub *BroadcastSubscription) Stop() error {
	var err error
	sub.stopOnce.Do(func() {
		sub.stopping.Store(true)
		err = sub.stream.Close()
		sub.broadcaster.remove(sub)
	})
	<-sub.done
	return err
}

// Done is closed once the subscription has stopped delivering
func (sub *BroadcastSubscription) Done() <-chan struct{} {
	return sub.done
}

// Close stops every broadcast subscription
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*BroadcastSubscription, 0, len(b.subscriptions))
	for sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broadcaster) remove(sub *BroadcastSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, sub)
}
