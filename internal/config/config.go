// Package config loads server configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string `env:"SYNC_ADDR" envDefault:":3001"`
	MaxConnections int    `env:"SYNC_MAX_CONNECTIONS" envDefault:"1000"`

	// Replication / delivery tuning
	BatchInterval     time.Duration `env:"SYNC_BATCH_INTERVAL" envDefault:"50ms"`
	AckTimeout        time.Duration `env:"SYNC_ACK_TIMEOUT" envDefault:"3s"`
	MaxRetries        int           `env:"SYNC_MAX_RETRIES" envDefault:"3"`
	HeartbeatInterval time.Duration `env:"SYNC_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Inbound frame rate limiting (burst, sustained per second)
	FrameRateBurst  int `env:"SYNC_FRAME_RATE_BURST" envDefault:"200"`
	FrameRatePerSec int `env:"SYNC_FRAME_RATE_PER_SEC" envDefault:"100"`

	// Auth. Empty secret means tokenless connections get an anonymous
	// wildcard principal.
	JWTSecret       string        `env:"SYNC_JWT_SECRET"`
	TokenExpiration time.Duration `env:"SYNC_TOKEN_EXPIRATION" envDefault:"24h"`

	// Optional collaborators. Empty values disable them.
	DataDir string `env:"SYNC_DATA_DIR"`
	NATSURL string `env:"SYNC_NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SYNC_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SYNC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("SYNC_BATCH_INTERVAL must be > 0, got %s", c.BatchInterval)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("SYNC_ACK_TIMEOUT must be > 0, got %s", c.AckTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SYNC_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("batch_interval", c.BatchInterval).
		Dur("ack_timeout", c.AckTimeout).
		Int("max_retries", c.MaxRetries).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Bool("auth_enabled", c.JWTSecret != "").
		Str("data_dir", c.DataDir).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
