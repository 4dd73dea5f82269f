package redis

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthInterval    = 5 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = time.Minute
)

// ConnectionManager manages the three Redis clients of a transport and
// watches their health
type ConnectionManager struct {
	addr      string
	general   *goredis.Client
	publish   *goredis.Client
	subscribe *goredis.Client

	mu          sync.RWMutex
	isConnected bool
	closed      bool
	monitoring  bool
	done        chan struct{}
	wg          sync.WaitGroup

	healthInterval    time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	logger            *slog.Logger
	listeners         messaging.StateListeners
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithHealthInterval sets how often a healthy server is pinged
func WithHealthInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if interval > 0 {
			cm.healthInterval = interval
		}
	}
}

// WithReconnectDelay sets the first pause between pings while the server is down
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if delay > 0 {
			cm.reconnectDelay = delay
		}
	}
}

// WithMaxReconnectDelay caps the pause between pings while the server is down
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if delay > 0 {
			cm.maxReconnectDelay = delay
		}
	}
}

// NewConnectionManager creates the general, publish and subscribe clients.
// No connection is made until Connect.
func NewConnectionManager(opts *goredis.Options, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		addr:              opts.Addr,
		done:              make(chan struct{}),
		healthInterval:    defaultHealthInterval,
		reconnectDelay:    defaultReconnectDelay,
		maxReconnectDelay: defaultMaxReconnectDelay,
		logger:            slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.general = goredis.NewClient(withClientName(opts, "eventq-general"))
	cm.publish = goredis.NewClient(withClientName(opts, "eventq-publish"))
	cm.subscribe = goredis.NewClient(withClientName(opts, "eventq-subscribe"))
	return cm
}

func withClientName(opts *goredis.Options, name string) *goredis.Options {
	clone := *opts
	if clone.ClientName == "" {
		clone.ClientName = name
	}
	return &clone
}

// Connect pings all three clients and starts the health monitor
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return &contracts.ShutdownError{Op: "connect"}
	}
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.ping(ctx); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.isConnected = true
	startMonitor := !cm.monitoring
	cm.monitoring = true
	if startMonitor {
		cm.wg.Add(1)
		go cm.monitor()
	}
	cm.mu.Unlock()

	cm.logger.Info("connected to Redis", "addr", cm.addr)
	cm.listeners.NotifyConnected()
	return nil
}

// ping checks every client concurrently
func (cm *ConnectionManager) ping(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, client := range []*goredis.Client{cm.general, cm.publish, cm.subscribe} {
		client := client
		g.Go(func() error {
			return client.Ping(gctx).Err()
		})
	}

	if err := g.Wait(); err != nil {
		return WrapError(ctx, "connect", cm.addr, err)
	}
	return nil
}

// monitor pings the server every healthInterval and backs off
// exponentially while it is unreachable
func (cm *ConnectionManager) monitor() {
	defer cm.wg.Done()

	attempt := 0
	wait := cm.healthInterval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-cm.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), cm.healthInterval)
		err := cm.general.Ping(ctx).Err()
		cancel()

		if err == nil {
			if cm.setConnected(true) {
				cm.logger.Info("reconnected to Redis",
					"addr", cm.addr,
					"attempts", attempt)
				cm.listeners.NotifyConnected()
			}
			attempt = 0
			wait = cm.healthInterval
			continue
		}

		connErr := &contracts.ConnectionError{
			Op:        "health check",
			Addr:      cm.addr,
			Err:       err,
			Timestamp: time.Now(),
		}
		if cm.setConnected(false) {
			cm.logger.Error("lost connection to Redis",
				"addr", cm.addr,
				"error", err)
			cm.listeners.NotifyDisconnected(connErr)
		} else {
			cm.listeners.NotifyError(connErr)
		}

		wait = cm.calculateBackoff(attempt)
		attempt++
		cm.logger.Warn("Redis unreachable",
			"addr", cm.addr,
			"attempt", attempt,
			"nextRetryIn", wait)
	}
}

// setConnected records the state and reports whether it changed
func (cm *ConnectionManager) setConnected(connected bool) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed || cm.isConnected == connected {
		return false
	}
	cm.isConnected = connected
	return true
}

// calculateBackoff doubles the reconnect delay per attempt with ±25% jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}

	delay := cm.reconnectDelay * time.Duration(1<<uint(attempt))
	if delay <= 0 || delay > cm.maxReconnectDelay {
		delay = cm.maxReconnectDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}

// General returns the client used for promotion, statistics and tooling
func (cm *ConnectionManager) General() *goredis.Client { return cm.general }

// Publish returns the client used for writes
func (cm *ConnectionManager) Publish() *goredis.Client { return cm.publish }

// Subscribe returns the client used for blocking pops and subscriptions
func (cm *ConnectionManager) Subscribe() *goredis.Client { return cm.subscribe }

// Addr returns the server address
func (cm *ConnectionManager) Addr() string { return cm.addr }

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

// Close stops the health monitor and closes all three clients
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	close(cm.done)
	cm.mu.Unlock()

	cm.wg.Wait()

	err := multierr.Combine(
		cm.general.Close(),
		cm.publish.Close(),
		cm.subscribe.Close(),
	)
	cm.logger.Info("Redis connections closed", "addr", cm.addr)
	return err
}
