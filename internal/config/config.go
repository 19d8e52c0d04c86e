package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost/petrel?sslmode=disable"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	// RedisURL selects the Redis-backed rate limit store when set.
	// When empty the limiter keeps window state in process memory.
	RedisURL string `env:"REDIS_URL"`

	// EventRetention is how long a published event stays eligible for
	// delivery and retries.
	EventRetention time.Duration `env:"EVENT_RETENTION" envDefault:"168h"`

	DefaultTimeoutSeconds int `env:"DEFAULT_TIMEOUT_SECONDS" envDefault:"30"`
	DefaultMaxAttempts    int `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`

	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	DefaultRateLimit int           `env:"DEFAULT_RATE_LIMIT" envDefault:"100"`

	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"300s"`

	FanoutWorkers   int `env:"FANOUT_WORKERS" envDefault:"5"`
	DeliveryWorkers int `env:"DELIVERY_WORKERS" envDefault:"8"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
