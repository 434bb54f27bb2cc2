// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr            string        `env:"WS_ADDR" envDefault:":3002"`
	InstanceID      string        `env:"INSTANCE_ID"` // hostname when empty
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Capacity
	MaxConnections     int     `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	MaxMessageBytes    int     `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	SendBuffer         int     `env:"WS_SEND_BUFFER" envDefault:"256"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"90.0"` // 0 disables
	AsyncWorkers       int     `env:"ASYNC_WORKERS" envDefault:"8"`
	AsyncQueue         int     `env:"ASYNC_QUEUE" envDefault:"1024"`

	// Handshake admission (golang.org/x/time/rate buckets)
	ConnRatePerAddr  float64 `env:"CONN_RATE_PER_ADDR" envDefault:"1"`
	ConnBurstPerAddr int     `env:"CONN_BURST_PER_ADDR" envDefault:"10"`
	ConnRateGlobal   float64 `env:"CONN_RATE_GLOBAL" envDefault:"50"`
	ConnBurstGlobal  int     `env:"CONN_BURST_GLOBAL" envDefault:"300"`

	// Sessions
	IdleTimeout       time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"5m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	ReaperInterval    time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`

	// Presence
	AwayAfter        time.Duration `env:"PRESENCE_AWAY_AFTER" envDefault:"5m"`
	OfflineAfter     time.Duration `env:"PRESENCE_OFFLINE_AFTER" envDefault:"15m"`
	PresenceTick     time.Duration `env:"PRESENCE_TICK" envDefault:"60s"`
	PresenceFlush    time.Duration `env:"PRESENCE_FLUSH" envDefault:"30s"`
	PresenceCacheTTL time.Duration `env:"PRESENCE_CACHE_TTL" envDefault:"30s"`

	// Rate limiting
	RateLimitMirrorTTL time.Duration `env:"RATELIMIT_MIRROR_TTL" envDefault:"10m"`

	// Message queue
	QueueBatchSize   int           `env:"QUEUE_BATCH_SIZE" envDefault:"50"`
	QueueMaxAttempts int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	QueueTTL         time.Duration `env:"QUEUE_TTL" envDefault:"168h"`
	QueueSweep       time.Duration `env:"QUEUE_SWEEP" envDefault:"1h"`
	QueueAuditWindow time.Duration `env:"QUEUE_AUDIT_WINDOW" envDefault:"1h"`
	QueueRetry       time.Duration `env:"QUEUE_RETRY_INTERVAL" envDefault:"5s"`

	// Circuit breakers
	BreakerFailures int           `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerWindow   time.Duration `env:"BREAKER_WINDOW" envDefault:"60s"`
	BreakerCooldown time.Duration `env:"BREAKER_COOLDOWN" envDefault:"60s"`

	// Analytics and alerting
	AnalyticsSnapshot time.Duration `env:"ANALYTICS_SNAPSHOT" envDefault:"60s"`
	AlertErrorRate    float64       `env:"ALERT_ERROR_RATE" envDefault:"0.05"`
	AlertLatency      time.Duration `env:"ALERT_LATENCY" envDefault:"3s"`
	AlertConnections  int64         `env:"ALERT_CONNECTIONS" envDefault:"10000"`
	SlackWebhookURL   string        `env:"SLACK_WEBHOOK_URL"`
	SlackChannel      string        `env:"SLACK_CHANNEL"`

	// Backends. Empty addresses select the in-process implementations.
	RedisAddr      string   `env:"REDIS_ADDR"`
	RedisPassword  string   `env:"REDIS_PASSWORD"`
	RedisDB        int      `env:"REDIS_DB" envDefault:"0"`
	PubSubBackend  string   `env:"PUBSUB_BACKEND"` // redis, nats or memory; follows REDIS_ADDR when empty
	NATSURL        string   `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	DatabaseURL    string   `env:"DATABASE_URL"`
	DatabaseConns  int32    `env:"DATABASE_MAX_CONNS" envDefault:"8"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:","`
	AnalyticsTopic string   `env:"ANALYTICS_TOPIC" envDefault:"rt-analytics"`

	// Authentication
	JWTSecret     string `env:"JWT_SECRET,required"`
	JWTIssuer     string `env:"JWT_ISSUER"`
	InternalToken string `env:"INTERNAL_TOKEN"` // guards /internal/* when set

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// In production the environment is set directly; .env is a development
	// convenience.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg, err := parse(env.Options{})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// FromMap parses configuration from vars alone, ignoring the process
// environment.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "realtime"
		}
		cfg.InstanceID = host
	}
	if cfg.PubSubBackend == "" {
		cfg.PubSubBackend = "memory"
		if cfg.RedisAddr != "" {
			cfg.PubSubBackend = "redis"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxMessageBytes < 512 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be >= 512, got %d", c.MaxMessageBytes)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.AsyncWorkers < 1 || c.AsyncQueue < 1 {
		return fmt.Errorf("ASYNC_WORKERS and ASYNC_QUEUE must be > 0, got %d and %d", c.AsyncWorkers, c.AsyncQueue)
	}
	if c.ConnRatePerAddr <= 0 || c.ConnBurstPerAddr < 1 || c.ConnRateGlobal <= 0 || c.ConnBurstGlobal < 1 {
		return fmt.Errorf("connection rates and bursts must be > 0")
	}
	if c.QueueBatchSize < 1 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be > 0, got %d", c.QueueBatchSize)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be > 0, got %d", c.QueueMaxAttempts)
	}
	if c.BreakerFailures < 1 {
		return fmt.Errorf("BREAKER_FAILURES must be > 0, got %d", c.BreakerFailures)
	}
	if c.AlertErrorRate <= 0 || c.AlertErrorRate > 1 {
		return fmt.Errorf("ALERT_ERROR_RATE must be in (0, 1], got %.3f", c.AlertErrorRate)
	}

	for name, d := range map[string]time.Duration{
		"SHUTDOWN_TIMEOUT":     c.ShutdownTimeout,
		"SESSION_IDLE_TIMEOUT": c.IdleTimeout,
		"HEARTBEAT_INTERVAL":   c.HeartbeatInterval,
		"REAPER_INTERVAL":      c.ReaperInterval,
		"PRESENCE_TICK":        c.PresenceTick,
		"PRESENCE_FLUSH":       c.PresenceFlush,
		"QUEUE_SWEEP":          c.QueueSweep,
		"QUEUE_RETRY_INTERVAL": c.QueueRetry,
		"BREAKER_COOLDOWN":     c.BreakerCooldown,
		"ANALYTICS_SNAPSHOT":   c.AnalyticsSnapshot,
	} {
		if d < time.Second {
			return fmt.Errorf("%s must be >= 1s, got %s", name, d)
		}
	}

	// Logical checks
	if c.OfflineAfter <= c.AwayAfter {
		return fmt.Errorf("PRESENCE_OFFLINE_AFTER (%s) must be > PRESENCE_AWAY_AFTER (%s)", c.OfflineAfter, c.AwayAfter)
	}
	if c.HeartbeatInterval >= c.IdleTimeout {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be < SESSION_IDLE_TIMEOUT (%s)", c.HeartbeatInterval, c.IdleTimeout)
	}

	// Enum checks
	validBackends := map[string]bool{"redis": true, "nats": true, "memory": true}
	if !validBackends[c.PubSubBackend] {
		return fmt.Errorf("PUBSUB_BACKEND must be one of: redis, nats, memory (got: %s)", c.PubSubBackend)
	}
	if c.PubSubBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("PUBSUB_BACKEND=redis requires REDIS_ADDR")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging. Secrets are
// reported only as set or unset.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("instance", c.InstanceID).
		Int("max_connections", c.MaxConnections).
		Int("max_message_bytes", c.MaxMessageBytes).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("presence_away_after", c.AwayAfter).
		Dur("presence_offline_after", c.OfflineAfter).
		Int("queue_batch_size", c.QueueBatchSize).
		Int("queue_max_attempts", c.QueueMaxAttempts).
		Dur("queue_ttl", c.QueueTTL).
		Int("breaker_failures", c.BreakerFailures).
		Dur("breaker_cooldown", c.BreakerCooldown).
		Dur("analytics_snapshot", c.AnalyticsSnapshot).
		Str("redis_addr", c.RedisAddr).
		Str("pubsub_backend", c.PubSubBackend).
		Bool("database", c.DatabaseURL != "").
		Strs("kafka_brokers", c.KafkaBrokers).
		Bool("jwt_secret_set", c.JWTSecret != "").
		Bool("internal_token_set", c.InternalToken != "").
		Bool("slack_alerts", c.SlackWebhookURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
