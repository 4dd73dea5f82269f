package redis

import (
	"context"
	"log/slog"
	"time"

	redisconn "github.com/billingkit/eventq/internal/redis"
	"github.com/billingkit/eventq/messaging"
	goredis "github.com/redis/go-redis/v9"
)

// Sessions implements messaging.Sessions on a Redis connection manager
type Sessions struct {
	conn       *redisconn.ConnectionManager
	general    *QueueStore
	publishing *QueueStore
	consuming  *QueueStore
	broadcast  *BroadcastStore
}

var _ messaging.Sessions = (*Sessions)(nil)

// Option configures the Redis sessions
type Option func(*sessionConfig)

type sessionConfig struct {
	logger      *slog.Logger
	connOptions []redisconn.ConnectionOption
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *sessionConfig) {
		c.logger = logger
	}
}

// WithHealthInterval sets how often a healthy server is pinged
func WithHealthInterval(interval time.Duration) Option {
	return func(c *sessionConfig) {
		c.connOptions = append(c.connOptions, redisconn.WithHealthInterval(interval))
	}
}

// WithReconnectDelay sets the first and the maximum pause between pings
// while the server is unreachable
func WithReconnectDelay(initial, maxDelay time.Duration) Option {
	return func(c *sessionConfig) {
		c.connOptions = append(c.connOptions,
			redisconn.WithReconnectDelay(initial),
			redisconn.WithMaxReconnectDelay(maxDelay),
		)
	}
}

// NewSessions creates the general, publishing, consuming and broadcast
// sessions. Connect must be called before use.
func NewSessions(opts *goredis.Options, options ...Option) *Sessions {
	cfg := &sessionConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOptions := append([]redisconn.ConnectionOption{redisconn.WithLogger(cfg.logger)}, cfg.connOptions...)
	conn := redisconn.NewConnectionManager(opts, connOptions...)

	return &Sessions{
		conn:       conn,
		general:    NewQueueStore(conn.General()),
		publishing: NewQueueStore(conn.Publish()),
		consuming:  NewQueueStore(conn.Subscribe()),
		broadcast:  NewBroadcastStore(conn.Publish(), conn.Subscribe(), cfg.logger),
	}
}

// NewSessionsFromURL parses a redis:// or rediss:// URL and creates the sessions
func NewSessionsFromURL(url string, options ...Option) (*Sessions, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewSessions(opts, options...), nil
}

// General implements messaging.Sessions
func (s *Sessions) General() messaging.QueueStore { return s.general }

// Publishing implements messaging.Sessions
func (s *Sessions) Publishing() messaging.QueueStore { return s.publishing }

// Consuming implements messaging.Sessions
func (s *Sessions) Consuming() messaging.QueueStore { return s.consuming }

// Broadcast implements messaging.Sessions
func (s *Sessions) Broadcast() messaging.BroadcastStore { return s.broadcast }

// Connect implements messaging.Sessions
func (s *Sessions) Connect(ctx context.Context) error { return s.conn.Connect(ctx) }

// Close implements messaging.Sessions
func (s *Sessions) Close() error { return s.conn.Close() }

// IsConnected implements messaging.Sessions
func (s *Sessions) IsConnected() bool { return s.conn.IsConnected() }

// AddStateListener implements messaging.Sessions
func (s *Sessions) AddStateListener(listener messaging.ConnectionStateListener) {
	s.conn.AddStateListener(listener)
}

// RemoveStateListener implements messaging.Sessions
func (s *Sessions) RemoveStateListener(listener messaging.ConnectionStateListener) {
	s.conn.RemoveStateListener(listener)
}

// Addr returns the Redis server address
func (s *Sessions) Addr() string { return s.conn.Addr() }
