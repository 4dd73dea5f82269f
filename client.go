// Copyright 2024 Eventq Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventq is a message queue for billing events: durable topics with
// delayed delivery, retries with exponential backoff and dead-lettering,
// plus a best-effort broadcast channel.
package eventq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/billingkit/eventq/config"
	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/internal/reliability"
	"github.com/billingkit/eventq/messaging"
	"github.com/billingkit/eventq/transports/rabbitmq"
	redistransport "github.com/billingkit/eventq/transports/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Client wires the store sessions, publisher, promoter, subscriber and
// broadcaster behind one handle
type Client struct {
	sessions    messaging.Sessions
	amqp        *rabbitmq.BroadcastStore
	publisher   *messaging.MessagePublisher
	promoter    *messaging.DelayPromoter
	subscriber  *messaging.MessageSubscriber
	broadcaster *messaging.Broadcaster
	stats       *messaging.StatsReader
	deadLetters *DeadLetters
	logger      *slog.Logger

	subscriptionDefaults []messaging.SubscriptionOption

	mu     sync.RWMutex
	closed bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	sessions        messaging.Sessions
	redisOptions    *goredis.Options
	healthInterval  time.Duration
	reconnectDelay  time.Duration
	maxReconnect    time.Duration
	amqpURL         string
	amqpExchange    string
	metrics         messaging.MetricsCollector
	clock           clock.Clock
	promoteInterval time.Duration
	promoteBatch    int
	duplicateWindow int
	middleware      []messaging.MiddlewareFunc
	subscription    []messaging.SubscriptionOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithSessions uses an existing backing store instead of dialing Redis.
// The client takes ownership and closes it.
func WithSessions(sessions messaging.Sessions) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sessions = sessions
	}
}

// WithRedis sets the Redis connection options
func WithRedis(opts *goredis.Options) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redisOptions = opts
	}
}

// WithRedisHealth tunes the Redis health monitor
func WithRedisHealth(interval, reconnectDelay, maxReconnectDelay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.healthInterval = interval
		cfg.reconnectDelay = reconnectDelay
		cfg.maxReconnect = maxReconnectDelay
	}
}

// WithAMQPBroadcast routes broadcasts through a RabbitMQ topic exchange
func WithAMQPBroadcast(url, exchange string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpURL = url
		cfg.amqpExchange = exchange
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithClock sets the time source for all components
func WithClock(c clock.Clock) ClientOption {
	return func(cfg *clientConfig) {
		cfg.clock = c
	}
}

// WithPromoter sets the delay promoter tick interval and batch size
func WithPromoter(interval time.Duration, batch int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.promoteInterval = interval
		cfg.promoteBatch = batch
	}
}

// WithDuplicateWindow sets how many envelope ids the duplicate filter remembers
func WithDuplicateWindow(size int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.duplicateWindow = size
	}
}

// WithMiddleware wraps every handler
func WithMiddleware(middleware ...messaging.MiddlewareFunc) ClientOption {
	return func(cfg *clientConfig) {
		cfg.middleware = append(cfg.middleware, middleware...)
	}
}

// WithSubscriptionDefaults applies options to every Subscribe call before the call's own
func WithSubscriptionDefaults(options ...messaging.SubscriptionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.subscription = append(cfg.subscription, options...)
	}
}

// NewClient connects to the backing store and starts the client
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:          slog.Default(),
		metrics:         &messaging.NoOpMetricsCollector{},
		clock:           clock.New(),
		promoteInterval: messaging.DefaultPromoteInterval,
		promoteBatch:    messaging.DefaultPromoteBatch,
		duplicateWindow: messaging.DefaultDuplicateWindow,
	}
	for _, opt := range options {
		opt(cfg)
	}

	sessions := cfg.sessions
	if sessions == nil {
		redisOpts := cfg.redisOptions
		if redisOpts == nil {
			redisOpts = &goredis.Options{Addr: "localhost:6379"}
		}
		sessionOpts := []redistransport.Option{redistransport.WithLogger(cfg.logger)}
		if cfg.healthInterval > 0 {
			sessionOpts = append(sessionOpts, redistransport.WithHealthInterval(cfg.healthInterval))
		}
		if cfg.reconnectDelay > 0 {
			sessionOpts = append(sessionOpts, redistransport.WithReconnectDelay(cfg.reconnectDelay, cfg.maxReconnect))
		}
		sessions = redistransport.NewSessions(redisOpts, sessionOpts...)
	}

	if err := sessions.Connect(ctx); err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("connect store: %w", err)
	}

	broadcastStore := sessions.Broadcast()
	var amqpStore *rabbitmq.BroadcastStore
	if cfg.amqpURL != "" {
		amqpOpts := []rabbitmq.Option{rabbitmq.WithLogger(cfg.logger)}
		if cfg.amqpExchange != "" {
			amqpOpts = append(amqpOpts, rabbitmq.WithExchange(cfg.amqpExchange))
		}
		amqpStore = rabbitmq.NewBroadcastStore(cfg.amqpURL, amqpOpts...)
		if err := amqpStore.Connect(ctx); err != nil {
			return nil, multierr.Combine(fmt.Errorf("connect broadcast: %w", err), amqpStore.Close(), sessions.Close())
		}
		broadcastStore = amqpStore
	}

	dedup, err := messaging.NewDuplicateFilter(cfg.duplicateWindow)
	if err != nil {
		return nil, multierr.Combine(err, closeAMQP(amqpStore), sessions.Close())
	}

	promoter := messaging.NewDelayPromoter(sessions.General(),
		messaging.WithPromoteInterval(cfg.promoteInterval),
		messaging.WithPromoteBatch(cfg.promoteBatch),
		messaging.WithPromoterClock(cfg.clock),
		messaging.WithPromoterLogger(cfg.logger),
		messaging.WithPromoterMetrics(cfg.metrics),
	)
	publisher := messaging.NewMessagePublisher(sessions,
		messaging.WithPublisherPromoter(promoter),
		messaging.WithPublisherClock(cfg.clock),
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithPublisherMetrics(cfg.metrics),
	)
	subscriber := messaging.NewMessageSubscriber(sessions, publisher,
		messaging.WithSubscriberPromoter(promoter),
		messaging.WithSubscriberClock(cfg.clock),
		messaging.WithSubscriberLogger(cfg.logger),
		messaging.WithSubscriberMetrics(cfg.metrics),
		messaging.WithDuplicateFilter(dedup),
		messaging.WithMiddleware(cfg.middleware...),
	)

	c := &Client{
		sessions:    sessions,
		amqp:        amqpStore,
		publisher:   publisher,
		promoter:    promoter,
		subscriber:  subscriber,
		broadcaster: messaging.NewBroadcaster(broadcastStore, messaging.WithBroadcastLogger(cfg.logger)),
		stats:       messaging.NewStatsReader(sessions.General()),
		logger:      cfg.logger,

		subscriptionDefaults: cfg.subscription,
	}
	c.deadLetters = &DeadLetters{
		client: c,
		tool: reliability.NewDeadLetterTool(sessions.General(),
			reliability.WithRedriver(publisher),
			reliability.WithDLQLogger(cfg.logger),
		),
	}

	c.logger.Info("eventq client started", "broadcast", broadcastName(amqpStore))
	return c, nil
}

// NewClientFromConfig creates a client from loaded configuration. Options
// are applied after the configuration and win over it.
func NewClientFromConfig(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}

	q := cfg.Queue
	opts := []ClientOption{
		WithRedis(redisOpts),
		WithRedisHealth(cfg.Redis.HealthInterval, cfg.Redis.ReconnectDelay, cfg.Redis.MaxReconnectDelay),
		WithPromoter(q.PromoteInterval, q.PromoteBatch),
		WithDuplicateWindow(q.DuplicateWindow),
		WithSubscriptionDefaults(
			messaging.WithConcurrency(q.Concurrency),
			messaging.WithMaxRetries(q.MaxRetries),
			messaging.WithRetryBaseUnit(q.RetryBaseUnit),
			messaging.WithPopTimeout(q.PopTimeout),
			messaging.WithTransportRetryPause(q.TransportRetryPause),
		),
	}
	if cfg.Broadcast.Transport == config.BroadcastAMQP {
		opts = append(opts, WithAMQPBroadcast(cfg.Broadcast.AMQPURL, cfg.Broadcast.Exchange))
	}

	return NewClient(ctx, append(opts, options...)...)
}

// Publish enqueues payload on topic and returns the envelope id
func (c *Client) Publish(ctx context.Context, topic string, payload any, options ...messaging.PublishOption) (string, error) {
	if err := c.check("publish"); err != nil {
		return "", err
	}
	return c.publisher.Publish(ctx, topic, payload, options...)
}

// PublishEvent enqueues a typed billing event
func (c *Client) PublishEvent(ctx context.Context, topic string, event contracts.BillingEvent, options ...messaging.PublishOption) (string, error) {
	if err := c.check("publish"); err != nil {
		return "", err
	}
	return c.publisher.PublishEvent(ctx, topic, event, options...)
}

// Schedule enqueues payload for delivery at the given time
func (c *Client) Schedule(ctx context.Context, topic string, payload any, at time.Time, options ...messaging.PublishOption) (string, error) {
	if err := c.check("schedule"); err != nil {
		return "", err
	}
	return c.publisher.Schedule(ctx, topic, payload, at, options...)
}

// Subscribe starts workers consuming topic
func (c *Client) Subscribe(ctx context.Context, topic string, handler messaging.Handler, options ...messaging.SubscriptionOption) (*messaging.Subscription, error) {
	if err := c.check("subscribe"); err != nil {
		return nil, err
	}
	opts := make([]messaging.SubscriptionOption, 0, len(c.subscriptionDefaults)+len(options))
	opts = append(opts, c.subscriptionDefaults...)
	opts = append(opts, options...)
	return c.subscriber.Subscribe(ctx, topic, handler, opts...)
}

// PublishBroadcast sends payload to every live subscriber of channel
func (c *Client) PublishBroadcast(ctx context.Context, channel string, payload any) error {
	if err := c.check("broadcast"); err != nil {
		return err
	}
	return c.broadcaster.PublishBroadcast(ctx, channel, payload)
}

// SubscribeBroadcast receives broadcasts on channels matching pattern
func (c *Client) SubscribeBroadcast(ctx context.Context, pattern string, handler messaging.BroadcastHandler) (*messaging.BroadcastSubscription, error) {
	if err := c.check("subscribe broadcast"); err != nil {
		return nil, err
	}
	return c.broadcaster.SubscribeBroadcast(ctx, pattern, handler)
}

// GetQueueStats returns the container sizes of topic
func (c *Client) GetQueueStats(ctx context.Context, topic string) (messaging.QueueStats, error) {
	if err := c.check("stats"); err != nil {
		return messaging.QueueStats{}, err
	}
	return c.stats.GetQueueStats(ctx, topic)
}

// Topics returns the topics this client has published delayed messages to or subscribed to
func (c *Client) Topics() []string {
	return c.promoter.Topics()
}

// WatchTopic starts promoting delayed messages of topic without subscribing to it
func (c *Client) WatchTopic(topic string) error {
	if err := c.check("watch"); err != nil {
		return err
	}
	return c.promoter.EnsureTopic(topic)
}

// IsConnected reports whether the backing store is reachable
func (c *Client) IsConnected() bool {
	if c.isClosed() {
		return false
	}
	return c.sessions.IsConnected()
}

// BroadcastConnected reports whether the broadcast transport is reachable
func (c *Client) BroadcastConnected() bool {
	if c.amqp != nil {
		return !c.isClosed() && c.amqp.IsConnected()
	}
	return c.IsConnected()
}

// AddStateListener observes backing store connectivity
func (c *Client) AddStateListener(listener messaging.ConnectionStateListener) {
	c.sessions.AddStateListener(listener)
}

// RemoveStateListener stops observing backing store connectivity
func (c *Client) RemoveStateListener(listener messaging.ConnectionStateListener) {
	c.sessions.RemoveStateListener(listener)
}

// DeadLetters returns the operator tooling for dead-letter lists
func (c *Client) DeadLetters() *DeadLetters {
	return c.deadLetters
}

// Close stops subscriptions and promoters, then releases the store.
// Later calls return nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	err = multierr.Append(err, c.subscriber.Close())
	c.promoter.Stop()
	err = multierr.Append(err, c.broadcaster.Close())
	err = multierr.Append(err, c.publisher.Close())
	err = multierr.Append(err, closeAMQP(c.amqp))
	err = multierr.Append(err, c.sessions.Close())

	c.logger.Info("eventq client closed")
	return err
}

func (c *Client) check(op string) error {
	if c.isClosed() {
		return &contracts.ShutdownError{Op: op}
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func closeAMQP(store *rabbitmq.BroadcastStore) error {
	if store == nil {
		return nil
	}
	return store.Close()
}

func broadcastName(store *rabbitmq.BroadcastStore) string {
	if store != nil {
		return config.BroadcastAMQP
	}
	return config.BroadcastRedis
}

// DeadLetter is one entry taken from a dead-letter list
type DeadLetter = reliability.DeadLetter

// DeadLetters drains and redrives dead-letter lists. Nothing here runs on
// its own; entries stay in the list until an operator calls these methods.
type DeadLetters struct {
	client *Client
	tool   *reliability.DeadLetterTool
}

// Drain pops up to limit dead letters of topic (all when limit ≤ 0) and
// hands each to fn. An entry fn rejects is put back and draining stops.
func (d *DeadLetters) Drain(ctx context.Context, topic string, limit int, fn func(DeadLetter) error) (int, error) {
	if err := d.client.check("drain"); err != nil {
		return 0, err
	}
	return d.tool.Drain(ctx, topic, limit, fn)
}

// Redrive republishes up to limit dead letters of topic as new envelopes
func (d *DeadLetters) Redrive(ctx context.Context, topic string, limit int) (int, error) {
	if err := d.client.check("redrive"); err != nil {
		return 0, err
	}
	return d.tool.Redrive(ctx, topic, limit)
}
