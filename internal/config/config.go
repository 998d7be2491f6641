package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all engine configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"WS_ADDR" envDefault:":3002"`
	NATSServers string `env:"NATS_SERVERS" envDefault:"nats://localhost:4222"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"odin.events.>"`

	// Batching
	BatchWindow   time.Duration `env:"WS_BATCH_WINDOW" envDefault:"100ms"`
	MaxBatchSize  int           `env:"WS_MAX_BATCH_SIZE" envDefault:"50"`
	MaxBatchBytes int           `env:"WS_MAX_BATCH_BYTES" envDefault:"65536"`

	// Per-recipient rate limiting (sliding window)
	MaxEventsPerUser       int           `env:"WS_MAX_EVENTS_PER_USER" envDefault:"100"`
	RateLimiterWindow      time.Duration `env:"WS_RATE_LIMITER_WINDOW" envDefault:"1s"`
	RateLimiterIdleTimeout time.Duration `env:"WS_RATE_LIMITER_IDLE_TIMEOUT" envDefault:"1h"`

	// Routing cache
	CacheEnabled   bool `env:"WS_CACHE_ENABLED" envDefault:"true"`
	CacheSize      int  `env:"WS_CACHE_SIZE" envDefault:"1000"`
	CacheThreshold int  `env:"WS_CACHE_THRESHOLD" envDefault:"5"`

	// Worker pools
	BatchWorkerCount    int `env:"WS_BATCH_WORKER_COUNT" envDefault:"10"`
	DeliveryWorkerCount int `env:"WS_DELIVERY_WORKER_COUNT" envDefault:"20"`

	// Upstream ingest limits
	MaxIngestRate int     `env:"WS_MAX_INGEST_RATE" envDefault:"1000"` // Upstream messages/sec
	CPUPause      float64 `env:"WS_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Subscription hygiene
	SubscriptionMaxInactive time.Duration `env:"WS_SUBSCRIPTION_MAX_INACTIVE" envDefault:"30m"`

	// Shutdown
	ShutdownTimeout time.Duration `env:"WS_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, loading is silent.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production uses real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
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

	// Range checks
	if c.BatchWindow <= 0 {
		return fmt.Errorf("WS_BATCH_WINDOW must be > 0, got %s", c.BatchWindow)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("WS_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MaxBatchBytes < 1 {
		return fmt.Errorf("WS_MAX_BATCH_BYTES must be > 0, got %d", c.MaxBatchBytes)
	}
	if c.MaxEventsPerUser < 1 {
		return fmt.Errorf("WS_MAX_EVENTS_PER_USER must be > 0, got %d", c.MaxEventsPerUser)
	}
	if c.RateLimiterWindow <= 0 {
		return fmt.Errorf("WS_RATE_LIMITER_WINDOW must be > 0, got %s", c.RateLimiterWindow)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("WS_CACHE_SIZE must be > 0, got %d", c.CacheSize)
	}
	if c.CacheThreshold < 0 {
		return fmt.Errorf("WS_CACHE_THRESHOLD must be >= 0, got %d", c.CacheThreshold)
	}
	if c.BatchWorkerCount < 1 {
		return fmt.Errorf("WS_BATCH_WORKER_COUNT must be > 0, got %d", c.BatchWorkerCount)
	}
	if c.DeliveryWorkerCount < 1 {
		return fmt.Errorf("WS_DELIVERY_WORKER_COUNT must be > 0, got %d", c.DeliveryWorkerCount)
	}
	if c.CPUPause < 0 || c.CPUPause > 100 {
		return fmt.Errorf("WS_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPause)
	}

	// Enum checks
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

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_servers", c.NATSServers).
		Str("nats_subject", c.NATSSubject).
		Dur("batch_window", c.BatchWindow).
		Int("max_batch_size", c.MaxBatchSize).
		Int("max_batch_bytes", c.MaxBatchBytes).
		Int("max_events_per_user", c.MaxEventsPerUser).
		Dur("rate_limiter_window", c.RateLimiterWindow).
		Dur("rate_limiter_idle_timeout", c.RateLimiterIdleTimeout).
		Bool("cache_enabled", c.CacheEnabled).
		Int("cache_size", c.CacheSize).
		Int("cache_threshold", c.CacheThreshold).
		Int("batch_worker_count", c.BatchWorkerCount).
		Int("delivery_worker_count", c.DeliveryWorkerCount).
		Int("max_ingest_rate", c.MaxIngestRate).
		Float64("cpu_pause_threshold", c.CPUPause).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
