package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/internal/reliability"
)

const (
	// DefaultMaxRetries is the number of retries before a message is dead-lettered
	DefaultMaxRetries = 3
	// DefaultPopTimeout bounds each blocking pop so workers notice Stop
	DefaultPopTimeout = 5 * time.Second
	// DefaultTransportRetryPause is the pause after a failed pop
	DefaultTransportRetryPause = time.Second
)

// MessageSubscriber starts worker pools consuming durable topics
type MessageSubscriber struct {
	sessions   Sessions
	publisher  *MessagePublisher
	promoter   *DelayPromoter
	dedup      *DuplicateFilter
	middleware []MiddlewareFunc
	clock      clock.Clock
	logger     *slog.Logger
	metrics    MetricsCollector

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
	closed        bool
}

// SubscriberOption configures the MessageSubscriber
type SubscriberOption func(*MessageSubscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.logger = logger
	}
}

// WithSubscriberClock sets the time source
func WithSubscriberClock(c clock.Clock) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.clock = c
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(metrics MetricsCollector) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.metrics = metrics
	}
}

// WithSubscriberPromoter makes every subscription start promotion for its topic
func WithSubscriberPromoter(promoter *DelayPromoter) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.promoter = promoter
	}
}

// WithDuplicateFilter sets the filter shared by every subscription
func WithDuplicateFilter(filter *DuplicateFilter) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.dedup = filter
	}
}

// WithMiddleware adds handler middleware applied to every subscription
func WithMiddleware(middleware ...MiddlewareFunc) SubscriberOption {
	return func(s *MessageSubscriber) {
		s.middleware = append(s.middleware, middleware...)
	}
}

// NewMessageSubscriber creates a subscriber that pops from the consuming
// session and writes retries through publisher
func NewMessageSubscriber(sessions Sessions, publisher *MessagePublisher, options ...SubscriberOption) *MessageSubscriber {
	s := &MessageSubscriber{
		sessions:      sessions,
		publisher:     publisher,
		clock:         clock.New(),
		logger:        slog.Default(),
		metrics:       &NoOpMetricsCollector{},
		subscriptions: make(map[*Subscription]struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.dedup == nil {
		// Cannot fail for a positive size.
		s.dedup, _ = NewDuplicateFilter(DefaultDuplicateWindow)
	}

	return s
}

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Concurrency         int
	MaxRetries          int
	PopTimeout          time.Duration
	RetryBaseUnit       time.Duration
	RetryPolicy         reliability.RetryPolicy
	TransportRetryPause time.Duration
}

// SubscriptionOption configures subscription behavior
type SubscriptionOption func(*SubscriptionOptions)

// WithConcurrency sets the number of workers
func WithConcurrency(n int) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.Concurrency = n
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(maxRetries int) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.MaxRetries = maxRetries
	}
}

// WithPopTimeout sets how long one blocking pop waits
func WithPopTimeout(timeout time.Duration) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.PopTimeout = timeout
	}
}

// WithRetryBaseUnit sets the unit of the exponential retry delay
func WithRetryBaseUnit(unit time.Duration) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.RetryBaseUnit = unit
	}
}

// WithRetryPolicy replaces the exponential retry policy
func WithRetryPolicy(policy RetryPolicy) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.RetryPolicy = policy
	}
}

// WithTransportRetryPause sets the pause after a failed pop
func WithTransportRetryPause(pause time.Duration) SubscriptionOption {
	return func(opts *SubscriptionOptions) {
		opts.TransportRetryPause = pause
	}
}

// Subscription is a running worker pool consuming one topic
type Subscription struct {
	Topic   string
	Options SubscriptionOptions

	subscriber *MessageSubscriber
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
}

// Subscribe starts consuming topic with handler. Cancelling ctx stops the
// workers; handlers already running are allowed to finish.
func (s *MessageSubscriber) Subscribe(ctx context.Context, topic string, handler Handler, options ...SubscriptionOption) (*Subscription, error) {
	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	opts := SubscriptionOptions{
		Concurrency:         1,
		MaxRetries:          DefaultMaxRetries,
		PopTimeout:          DefaultPopTimeout,
		RetryBaseUnit:       reliability.DefaultBaseUnit,
		TransportRetryPause: DefaultTransportRetryPause,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = reliability.NewExponentialBackoff(opts.RetryBaseUnit, opts.MaxRetries)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &contracts.ShutdownError{Op: "subscribe"}
	}

	if s.promoter != nil {
		if err := s.promoter.EnsureTopic(topic); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	handlerCtx := context.WithoutCancel(ctx)

	sub := &Subscription{
		Topic:      topic,
		Options:    opts,
		subscriber: s,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	dispatcher := &Dispatcher{
		keys:           keys,
		consumer:       s.sessions.Consuming(),
		publisher:      s.publisher,
		handler:        Chain(handler, s.middleware...),
		policy:         opts.RetryPolicy,
		dedup:          s.dedup,
		popTimeout:     opts.PopTimeout,
		transportPause: opts.TransportRetryPause,
		clock:          s.clock,
		logger:         s.logger,
		metrics:        s.metrics,
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			dispatcher.Run(runCtx, handlerCtx, worker)
		}(i)
	}
	go func() {
		wg.Wait()
		close(sub.done)
	}()

	s.subscriptions[sub] = struct{}{}

	s.logger.Info("subscribed to topic",
		"topic", topic,
		"concurrency", opts.Concurrency,
		"maxRetries", opts.RetryPolicy.MaxRetries(),
	)
	return sub, nil
}

// Stop cancels the workers and waits for in-flight handlers to finish or
// for ctx to end, whichever comes first
func (sub *Subscription) Stop(ctx context.Context) error {
	sub.stopOnce.Do(func() {
		sub.cancel()
		sub.subscriber.remove(sub)
	})

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every worker of the subscription has exited
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// ActiveSubscriptions returns the number of running subscriptions
func (s *MessageSubscriber) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// Close stops every subscription and waits for in-flight handlers
func (s *MessageSubscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subscriptions))
	for sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Stop(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func (s *MessageSubscriber) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, sub)
}
