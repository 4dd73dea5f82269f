package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/billingkit/eventq/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	closed         bool
	done           chan struct{}
	listeners      messaging.StateListeners
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; negative retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.listeners.NotifyConnected()

	go cm.handleReconnect(cm.notifyClose)
	return nil
}

// dial opens a connection, giving up after dialTimeout or when ctx ends
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(cm.url)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			// Close a connection that completes after the deadline.
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach records a fresh connection; callers hold cm.mu
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener messaging.ConnectionStateListener) {
	cm.listeners.Add(listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener messaging.ConnectionStateListener) {
	cm.listeners.Remove(listener)
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	close(cm.done)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if !ok || err == nil {
			// Closed on purpose.
			return
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.listeners.NotifyDisconnected(&ConnectionError{
			Op:        "connection",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		})
		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect attempts to reconnect to RabbitMQ
func (cm *ConnectionManager) reconnect() {
	startTime := time.Now()

	for retries := 0; ; retries++ {
		if cm.maxRetries >= 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))
			cm.listeners.NotifyError(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return
		}

		delay := cm.calculateBackoff(retries)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries+1)
			cm.listeners.NotifyError(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       err,
				Timestamp: time.Now(),
				Attempts:  retries + 1,
			})
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.attach(conn)
		notifyClose := cm.notifyClose
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", retries+1,
			"duration", time.Since(startTime))
		cm.listeners.NotifyConnected()

		go cm.handleReconnect(notifyClose)
		return
	}
}

// calculateBackoff doubles the base delay per attempt, capped at five minutes, with ±25% jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt > 20 {
		attempt = 20
	}

	maxDelay := 5 * time.Minute
	delay := base * time.Duration(1<<uint(attempt))
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}
