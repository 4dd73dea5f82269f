// Package rabbitmq carries broadcast traffic over a RabbitMQ topic exchange.
//
// Work queues always live in Redis; this transport only replaces the
// PUBLISH/PSUBSCRIBE half of the store contract for deployments that
// already fan out events through RabbitMQ.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/internal/rabbitmq"
	"github.com/billingkit/eventq/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange broadcast channels are routed through
const DefaultExchange = "eventq.broadcast"

// ErrUnsupportedPattern is returned for glob patterns that have no AMQP binding key equivalent
var ErrUnsupportedPattern = errors.New("rabbitmq: pattern cannot be expressed as a binding key")

// BroadcastStore implements messaging.BroadcastStore on a topic exchange.
// Each subscription gets an exclusive auto-delete queue, so messages
// published while nobody listens are dropped like Redis pub/sub. The broker
// deletes those queues with the connection; streams bind a new one after
// the connection manager reconnects.
type BroadcastStore struct {
	conn           *rabbitmq.ConnectionManager
	url            string
	exchange       string
	logger         *slog.Logger
	resubscribeGap time.Duration

	mu          sync.Mutex
	publishCh   *amqp.Channel
	closed      bool
	done        chan struct{}
	reconnected chan struct{}
}

var _ messaging.BroadcastStore = (*BroadcastStore)(nil)

// Option configures a BroadcastStore
type Option func(*config)

type config struct {
	exchange       string
	logger         *slog.Logger
	reconnectDelay time.Duration
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithExchange overrides the exchange name
func WithExchange(name string) Option {
	return func(c *config) {
		c.exchange = name
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *config) {
		c.reconnectDelay = delay
	}
}

// NewBroadcastStore creates a store for the broker at url. It does not dial
// until Connect is called.
func NewBroadcastStore(url string, opts ...Option) *BroadcastStore {
	cfg := &config{
		exchange:       DefaultExchange,
		logger:         slog.Default(),
		reconnectDelay: time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	b := &BroadcastStore{
		conn: rabbitmq.NewConnectionManager(url,
			rabbitmq.WithLogger(cfg.logger),
			rabbitmq.WithReconnectDelay(cfg.reconnectDelay),
		),
		url:            rabbitmq.SanitizeURL(url),
		exchange:       cfg.exchange,
		logger:         cfg.logger,
		resubscribeGap: cfg.reconnectDelay,
		done:           make(chan struct{}),
		reconnected:    make(chan struct{}),
	}
	b.conn.AddStateListener(&messaging.ConnectionStateFuncs{Connected: b.wakeStreams})
	return b
}

// wakeStreams releases every stream waiting to resubscribe
func (b *BroadcastStore) wakeStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.reconnected)
	b.reconnected = make(chan struct{})
}

func (b *BroadcastStore) reconnectedSignal() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnected
}

// Connect dials the broker and declares the exchange
func (b *BroadcastStore) Connect(ctx context.Context) error {
	if b.isClosed() {
		return &contracts.ShutdownError{Op: "connect"}
	}
	if err := b.conn.Connect(ctx); err != nil {
		return b.wrap("connect", err)
	}

	ch, err := b.openChannel()
	if err != nil {
		return b.wrap("declare", err)
	}
	return ch.Close()
}

// IsConnected returns connection status
func (b *BroadcastStore) IsConnected() bool {
	return b.conn.IsConnected()
}

// AddStateListener adds a connection state listener
func (b *BroadcastStore) AddStateListener(listener messaging.ConnectionStateListener) {
	b.conn.AddStateListener(listener)
}

// RemoveStateListener removes a connection state listener
func (b *BroadcastStore) RemoveStateListener(listener messaging.ConnectionStateListener) {
	b.conn.RemoveStateListener(listener)
}

// Publish implements messaging.BroadcastStore. The channel name is the routing key.
func (b *BroadcastStore) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &contracts.ShutdownError{Op: "broadcast"}
	}

	if b.publishCh == nil || b.publishCh.IsClosed() {
		ch, err := b.openChannel()
		if err != nil {
			return b.wrap("broadcast", err)
		}
		b.publishCh = ch
	}

	err := b.publishCh.PublishWithContext(ctx, b.exchange, channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         data,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		_ = b.publishCh.Close()
		b.publishCh = nil
		return b.wrap("broadcast", err)
	}
	return nil
}

// PSubscribe implements messaging.BroadcastStore
func (b *BroadcastStore) PSubscribe(ctx context.Context, pattern string) (messaging.BroadcastStream, error) {
	if b.isClosed() {
		return nil, &contracts.ShutdownError{Op: "subscribe"}
	}

	key, err := BindingKey(pattern)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := newStream(pattern, key, b.consume, streamSignals{
		reconnected: b.reconnectedSignal,
		shutdown:    b.done,
		retryDelay:  b.resubscribeGap,
	}, b.logger)
	if err := st.start(); err != nil {
		return nil, err
	}
	return st, nil
}

// consume binds a fresh exclusive queue to key and starts consuming it
func (b *BroadcastStore) consume(key string) (<-chan amqp.Delivery, func() error, error) {
	if b.isClosed() {
		return nil, nil, &contracts.ShutdownError{Op: "subscribe"}
	}

	ch, err := b.openChannel()
	if err != nil {
		return nil, nil, b.wrap("subscribe", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, b.wrap("subscribe", err)
	}
	if err := ch.QueueBind(q.Name, key, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, b.wrap("subscribe", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, b.wrap("subscribe", err)
	}

	b.logger.Debug("broadcast queue bound",
		"queue", q.Name,
		"bindingKey", key)

	return deliveries, func() error {
		if ch.IsClosed() {
			return nil
		}
		return ch.Close()
	}, nil
}

// Close releases the publishing channel and the connection
func (b *BroadcastStore) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	ch := b.publishCh
	b.publishCh = nil
	b.mu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		errs = append(errs, ch.Close())
	}
	errs = append(errs, b.conn.Close())
	return errors.Join(errs...)
}

func (b *BroadcastStore) openChannel() (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func (b *BroadcastStore) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *BroadcastStore) wrap(op string, err error) error {
	return &contracts.ConnectionError{
		Op:        op,
		Addr:      b.url,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// BindingKey translates a glob pattern into a topic-exchange binding key.
// A "*" word matches any remainder, so it becomes "#". Partial wildcards
// inside a word have no equivalent and are rejected.
func BindingKey(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("%w: empty pattern", ErrUnsupportedPattern)
	}

	words := strings.Split(pattern, ".")
	for i, w := range words {
		switch {
		case w == "*":
			words[i] = "#"
		case strings.ContainsAny(w, "*?[]\\#"):
			return "", fmt.Errorf("%w: %q", ErrUnsupportedPattern, pattern)
		}
	}
	return strings.Join(words, "."), nil
}

// consumeFunc opens a consumer for a binding key and returns its deliveries
// together with a function releasing it
type consumeFunc func(key string) (<-chan amqp.Delivery, func() error, error)

// streamSignals tells a stream when to try resubscribing and when to give up
type streamSignals struct {
	reconnected func() <-chan struct{}
	shutdown    <-chan struct{}
	retryDelay  time.Duration
}

type stream struct {
	pattern  string
	key      string
	consume  consumeFunc
	signals  streamSignals
	logger   *slog.Logger
	messages chan messaging.BroadcastDelivery
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	closed  bool
	release func() error
}

func newStream(pattern, key string, consume consumeFunc, signals streamSignals, logger *slog.Logger) *stream {
	if signals.retryDelay <= 0 {
		signals.retryDelay = time.Second
	}
	return &stream{
		pattern:  pattern,
		key:      key,
		consume:  consume,
		signals:  signals,
		logger:   logger,
		messages: make(chan messaging.BroadcastDelivery),
		done:     make(chan struct{}),
	}
}

// start opens the first consumer; failures are returned to the subscriber
func (st *stream) start() error {
	deliveries, release, err := st.consume(st.key)
	if err != nil {
		return err
	}
	st.setRelease(release)
	go st.run(deliveries)
	return nil
}

func (st *stream) run(in <-chan amqp.Delivery) {
	defer close(st.messages)

	for {
		if !st.forward(in) {
			return
		}

		st.logger.Warn("broadcast consumer closed by the broker, resubscribing",
			"pattern", st.pattern)

		var ok bool
		if in, ok = st.resubscribe(); !ok {
			return
		}
	}
}

// forward copies deliveries until in closes (true) or the stream is closed (false)
func (st *stream) forward(in <-chan amqp.Delivery) bool {
	for {
		select {
		case <-st.done:
			return false
		case d, ok := <-in:
			if !ok {
				return true
			}
			delivery := messaging.BroadcastDelivery{
				Channel: d.RoutingKey,
				Pattern: st.pattern,
				Data:    d.Body,
			}
			select {
			case st.messages <- delivery:
			case <-st.done:
				return false
			}
		}
	}
}

// resubscribe waits for a reconnect or the retry delay, then binds a new
// consumer. It gives up only when the stream or the store is closed.
func (st *stream) resubscribe() (<-chan amqp.Delivery, bool) {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(st.signals.retryDelay)
		select {
		case <-st.done:
			timer.Stop()
			return nil, false
		case <-st.signals.shutdown:
			timer.Stop()
			return nil, false
		case <-st.signals.reconnected():
			timer.Stop()
		case <-timer.C:
		}

		deliveries, release, err := st.consume(st.key)
		if contracts.IsShutdown(err) {
			return nil, false
		}
		if err != nil {
			st.logger.Warn("broadcast resubscribe failed",
				"pattern", st.pattern,
				"attempt", attempt,
				"error", err)
			continue
		}

		if !st.setRelease(release) {
			_ = release()
			return nil, false
		}
		st.logger.Info("broadcast subscription restored",
			"pattern", st.pattern,
			"attempts", attempt)
		return deliveries, true
	}
}

// setRelease records the current consumer; it reports false once closed
func (st *stream) setRelease(release func() error) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.release = release
	return true
}

func (st *stream) Messages() <-chan messaging.BroadcastDelivery {
	return st.messages
}

func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		st.mu.Lock()
		st.closed = true
		release := st.release
		st.release = nil
		st.mu.Unlock()

		close(st.done)
		if release != nil {
			err = release()
		}
	})
	return err
}
