// Package config loads eventq settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Broadcast transports
const (
	BroadcastRedis = "redis"
	BroadcastAMQP  = "amqp"
)

// Config is the complete eventq configuration
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Queue     QueueConfig     `yaml:"queue"`
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`

	// Topics lists the topics reported by the stats endpoints and metrics
	Topics []string `yaml:"topics"`
}

// RedisConfig selects the backing store. URL wins over Host/Port.
type RedisConfig struct {
	URL               string        `yaml:"url"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	HealthInterval    time.Duration `yaml:"healthInterval"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay time.Duration `yaml:"maxReconnectDelay"`
}

// BroadcastConfig selects the broadcast transport
type BroadcastConfig struct {
	Transport string `yaml:"transport"`
	AMQPURL   string `yaml:"amqpUrl"`
	Exchange  string `yaml:"exchange"`
}

// QueueConfig holds publisher, promoter and subscriber defaults
type QueueConfig struct {
	PromoteInterval     time.Duration `yaml:"promoteInterval"`
	PromoteBatch        int           `yaml:"promoteBatch"`
	MaxRetries          int           `yaml:"maxRetries"`
	RetryBaseUnit       time.Duration `yaml:"retryBaseUnit"`
	PopTimeout          time.Duration `yaml:"popTimeout"`
	TransportRetryPause time.Duration `yaml:"transportRetryPause"`
	Concurrency         int           `yaml:"concurrency"`
	DuplicateWindow     int           `yaml:"duplicateWindow"`
}

// LogConfig configures the slog handler built by cmd/eventq
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the monitor server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:              "localhost",
			Port:              6379,
			HealthInterval:    5 * time.Second,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: time.Minute,
		},
		Broadcast: BroadcastConfig{
			Transport: BroadcastRedis,
			Exchange:  "eventq.broadcast",
		},
		Queue: QueueConfig{
			PromoteInterval:     time.Second,
			PromoteBatch:        10,
			MaxRetries:          3,
			RetryBaseUnit:       time.Second,
			PopTimeout:          5 * time.Second,
			TransportRetryPause: time.Second,
			Concurrency:         1,
			DuplicateWindow:     10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Redis.URL = v
	}
	if v, ok := lookup("REDIS_HOST"); ok && v != "" {
		c.Redis.Host = v
	}
	if v, ok := lookup("REDIS_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_PORT: %w", err)
		}
		c.Redis.Port = port
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("EVENTQ_BROADCAST"); ok && v != "" {
		c.Broadcast.Transport = strings.ToLower(v)
	}
	if v, ok := lookup("AMQP_URL"); ok && v != "" {
		c.Broadcast.AMQPURL = v
	}
	if v, ok := lookup("EVENTQ_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("EVENTQ_HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs []error

	if c.Redis.URL == "" {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("redis: host or url is required"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("redis: invalid port %d", c.Redis.Port))
		}
	}

	switch c.Broadcast.Transport {
	case BroadcastRedis:
	case BroadcastAMQP:
		if c.Broadcast.AMQPURL == "" {
			errs = append(errs, errors.New("broadcast: amqpUrl is required for the amqp transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("broadcast: unknown transport %q", c.Broadcast.Transport))
	}

	q := c.Queue
	if q.PromoteInterval <= 0 {
		errs = append(errs, errors.New("queue: promoteInterval must be positive"))
	}
	if q.PromoteBatch <= 0 {
		errs = append(errs, errors.New("queue: promoteBatch must be positive"))
	}
	if q.MaxRetries < 0 {
		errs = append(errs, errors.New("queue: maxRetries cannot be negative"))
	}
	if q.RetryBaseUnit <= 0 {
		errs = append(errs, errors.New("queue: retryBaseUnit must be positive"))
	}
	if q.Concurrency <= 0 {
		errs = append(errs, errors.New("queue: concurrency must be positive"))
	}
	if q.DuplicateWindow <= 0 {
		errs = append(errs, errors.New("queue: duplicateWindow must be positive"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// RedisOptions builds go-redis options from the Redis section
func (c *Config) RedisOptions() (*goredis.Options, error) {
	if c.Redis.URL != "" {
		opts, err := goredis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		return opts, nil
	}
	return &goredis.Options{
		Addr:     net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port)),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}, nil
}

// SlogLevel parses the configured level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log: %w", err)
	}
	return level, nil
}
