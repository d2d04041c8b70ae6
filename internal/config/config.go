// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/availability"
)

// Config holds all application configuration
type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	BaseURL       string `env:"BACKEND_BASE_URL" envDefault:"http://localhost:8090"`
	LiveURL       string `env:"BACKEND_LIVE_URL"` // derived from BaseURL when empty
	SessionCookie string `env:"SESSION_COOKIE"`
	RedisAddr     string `env:"REDIS_ADDR"`
	DatabaseURL   string `env:"DATABASE_URL"`

	Availability AvailabilityConfig `envPrefix:"AVAILABILITY_"`
	Warm         WarmConfig         `envPrefix:"WARM_"`
}

// AvailabilityConfig tunes the realtime client
type AvailabilityConfig struct {
	CacheTTL             time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	CheckTimeout         time.Duration `env:"CHECK_TIMEOUT" envDefault:"600ms"`
	FallbackTimeout      time.Duration `env:"FALLBACK_TIMEOUT" envDefault:"800ms"`
	BatchTimeout         time.Duration `env:"BATCH_TIMEOUT" envDefault:"1s"`
	EmptyTimeout         time.Duration `env:"EMPTY_TIMEOUT" envDefault:"1s"`
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	BatchWindow          time.Duration `env:"BATCH_WINDOW" envDefault:"10ms"`
	MaxBatchSize         int           `env:"MAX_BATCH_SIZE" envDefault:"50"`
	FallbackRPS          float64       `env:"FALLBACK_RPS" envDefault:"20"`
	FallbackBurst        int           `env:"FALLBACK_BURST" envDefault:"10"`
}

// WarmConfig drives the periodic background tasks
type WarmConfig struct {
	Cities            []string      `env:"CITIES" envSeparator:","`
	DaysAhead         int           `env:"DAYS_AHEAD" envDefault:"7"`
	Interval          time.Duration `env:"INTERVAL" envDefault:"5m"`
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL" envDefault:"1m"`
	PruneInterval     time.Duration `env:"PRUNE_INTERVAL" envDefault:"10m"`
	PruneMaxAge       time.Duration `env:"PRUNE_MAX_AGE" envDefault:"1h"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and ranges
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}
	if _, err := availability.LiveURL(c.BaseURL); err != nil {
		return fmt.Errorf("BACKEND_BASE_URL: %w", err)
	}
	if c.LiveURL != "" {
		lu, err := url.Parse(c.LiveURL)
		if err != nil || lu.Host == "" || (lu.Scheme != "ws" && lu.Scheme != "wss") {
			return fmt.Errorf("BACKEND_LIVE_URL must be a ws:// or wss:// URL, got %q", c.LiveURL)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}

	a := c.Availability
	if a.CacheTTL <= 0 || a.CheckTimeout <= 0 || a.FallbackTimeout <= 0 || a.BatchTimeout <= 0 || a.EmptyTimeout <= 0 {
		return errors.New("AVAILABILITY_* durations must be positive")
	}
	if a.MaxReconnectAttempts < 0 {
		return fmt.Errorf("AVAILABILITY_MAX_RECONNECT_ATTEMPTS must be >= 0, got %d", a.MaxReconnectAttempts)
	}
	if a.MaxBatchSize < 1 {
		return fmt.Errorf("AVAILABILITY_MAX_BATCH_SIZE must be >= 1, got %d", a.MaxBatchSize)
	}
	if c.Warm.DaysAhead < 0 || c.Warm.DaysAhead > 90 {
		return fmt.Errorf("WARM_DAYS_AHEAD must be between 0-90, got %d", c.Warm.DaysAhead)
	}
	return nil
}

// HasRedis returns true if background tasks can be queued
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

// HasDatabase returns true if the schedule store should use Postgres
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Level returns the parsed log level
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Timing converts the availability settings for the client
func (c *Config) Timing() availability.Timing {
	a := c.Availability
	attempts := a.MaxReconnectAttempts
	if attempts == 0 {
		attempts = -1
	}
	return availability.Timing{
		CacheTTL:             a.CacheTTL,
		CheckTimeout:         a.CheckTimeout,
		FallbackTimeout:      a.FallbackTimeout,
		BatchTimeout:         a.BatchTimeout,
		EmptyTimeout:         a.EmptyTimeout,
		ReconnectDelay:       a.ReconnectDelay,
		MaxReconnectAttempts: attempts,
	}
}
