package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`
	// GatewayID names this process in presence entries; generated when empty.
	GatewayID string `mapstructure:"gateway_id" yaml:"gateway_id"`

	JWT     JWT     `mapstructure:"jwt" yaml:"jwt"`
	Relay   Relay   `mapstructure:"relay" yaml:"relay"`
	Redis   Redis   `mapstructure:"redis" yaml:"redis"`
	Queue   Queue   `mapstructure:"queue" yaml:"queue"`
	Gateway Gateway `mapstructure:"gateway" yaml:"gateway"`
}

// JWT configures the identity resolver.
type JWT struct {
	Secret   string `mapstructure:"secret" yaml:"secret"`
	Issuer   string `mapstructure:"issuer" yaml:"issuer"`
	Audience string `mapstructure:"audience" yaml:"audience"`
}

// Relay carries the recognized relay options.
type Relay struct {
	StoreEndpoint         string `mapstructure:"store_endpoint" yaml:"store_endpoint"`
	HeartbeatIntervalMs   int    `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	HeartbeatMissLimit    int    `mapstructure:"heartbeat_miss_limit" yaml:"heartbeat_miss_limit"`
	QueueRetryMaxAttempts int    `mapstructure:"queue_retry_max_attempts" yaml:"queue_retry_max_attempts"`
	QueueRetryBackoffMs   int    `mapstructure:"queue_retry_backoff_ms" yaml:"queue_retry_backoff_ms"`
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (r Relay) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout is how long a silent connection survives.
func (r Relay) HeartbeatTimeout() time.Duration {
	return r.HeartbeatInterval() * time.Duration(r.HeartbeatMissLimit)
}

// QueueRetryBackoff returns the initial retry backoff.
func (r Relay) QueueRetryBackoff() time.Duration {
	return time.Duration(r.QueueRetryBackoffMs) * time.Millisecond
}

// Redis holds connection details beyond the store endpoint.
type Redis struct {
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// Queue selects and tunes the delivery queue backend.
type Queue struct {
	// Backend is "redis" or "sqlite".
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	SQLitePath    string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DrainPageSize int           `mapstructure:"drain_page_size" yaml:"drain_page_size"`
	DrainWindow   int           `mapstructure:"drain_window" yaml:"drain_window"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
}

// Gateway tunes per-connection behavior.
type Gateway struct {
	SendBuffer    int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	AuthTimeout   time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	DedupSize     int           `mapstructure:"dedup_size" yaml:"dedup_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// RateLimit caps sendMessage frames per connection per minute; 0 disables it.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`
}

const (
	QueueBackendRedis  = "redis"
	QueueBackendSQLite = "sqlite"
)

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxMessageBytes:   1 << 20,
		LogLevel:          "info",
		LogFormat:         "console",
		Relay: Relay{
			StoreEndpoint:         "localhost:6379",
			HeartbeatIntervalMs:   15000,
			HeartbeatMissLimit:    3,
			QueueRetryMaxAttempts: 5,
			QueueRetryBackoffMs:   100,
		},
		Redis: Redis{
			PoolSize: 32,
		},
		Queue: Queue{
			Backend:       QueueBackendRedis,
			SQLitePath:    "wirerelay.db",
			DrainPageSize: 64,
			DrainWindow:   32,
			AckTimeout:    10 * time.Second,
		},
		Gateway: Gateway{
			SendBuffer:    64,
			AuthTimeout:   10 * time.Second,
			DedupSize:     1024,
			SweepInterval: 10 * time.Second,
			RateLimit:     600,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.GatewayID != "" {
		c.GatewayID = other.GatewayID
	}
	if other.Relay.StoreEndpoint != "" {
		c.Relay.StoreEndpoint = other.Relay.StoreEndpoint
	}
	if other.Queue.Backend != "" {
		c.Queue.Backend = other.Queue.Backend
	}
}

// Validate rejects values the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Relay.StoreEndpoint == "" {
		errs = append(errs, errors.New("relay.store_endpoint is required"))
	}
	if c.Relay.HeartbeatIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("relay.heartbeat_interval_ms must be positive, got %d", c.Relay.HeartbeatIntervalMs))
	}
	if c.Relay.HeartbeatMissLimit <= 0 {
		errs = append(errs, fmt.Errorf("relay.heartbeat_miss_limit must be positive, got %d", c.Relay.HeartbeatMissLimit))
	}
	if c.Relay.QueueRetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("relay.queue_retry_max_attempts must be positive, got %d", c.Relay.QueueRetryMaxAttempts))
	}
	if c.Relay.QueueRetryBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("relay.queue_retry_backoff_ms must not be negative, got %d", c.Relay.QueueRetryBackoffMs))
	}
	switch c.Queue.Backend {
	case QueueBackendRedis:
	case QueueBackendSQLite:
		if c.Queue.SQLitePath == "" {
			errs = append(errs, errors.New("queue.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be %q or %q, got %q", QueueBackendRedis, QueueBackendSQLite, c.Queue.Backend))
	}
	if c.Gateway.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("gateway.rate_limit must not be negative, got %d", c.Gateway.RateLimit))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	return errors.Join(errs...)
}
