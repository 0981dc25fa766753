package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ErrorSampleRate int           `env:"ERROR_SAMPLE_RATE" envDefault:"1"`
	OTELEnabled     bool          `env:"OTEL_ENABLED" envDefault:"false"`
	ServiceName     string        `env:"OTEL_SERVICE_NAME" envDefault:"rule-automation"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// DatabaseURL selects the PostgreSQL rule store; empty keeps rules in memory
	DatabaseURL string `env:"DATABASE_URL"`
	RulesFile   string `env:"RULES_FILE"`

	ExecutionRetention  time.Duration `env:"EXECUTION_RETENTION" envDefault:"24h"`
	ExecutionMaxEntries int           `env:"EXECUTION_MAX_ENTRIES" envDefault:"10000"`
	JanitorInterval     time.Duration `env:"JANITOR_INTERVAL" envDefault:"1h"`

	TrackerBaseURL string `env:"TRACKER_BASE_URL"`
	TrackerToken   string `env:"TRACKER_TOKEN"`

	NotifyWebhookURL string        `env:"NOTIFY_WEBHOOK_URL"`
	WebhookTimeout   time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookRateLimit float64       `env:"WEBHOOK_RATE_LIMIT" envDefault:"10"` // requests per second
	WebhookBurst     int           `env:"WEBHOOK_BURST" envDefault:"20"`

	CommandTimeout   time.Duration `env:"COMMAND_TIMEOUT" envDefault:"30s"`
	CommandAllowlist []string      `env:"COMMAND_ALLOWLIST" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	if c.ExecutionRetention <= 0 {
		return fmt.Errorf("EXECUTION_RETENTION must be positive, got %s", c.ExecutionRetention)
	}
	if c.ExecutionMaxEntries <= 0 {
		return fmt.Errorf("EXECUTION_MAX_ENTRIES must be positive, got %d", c.ExecutionMaxEntries)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive, got %s", c.JanitorInterval)
	}
	if c.WebhookRateLimit <= 0 || c.WebhookBurst <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT and WEBHOOK_BURST must be positive")
	}
	if c.TrackerToken != "" && c.TrackerBaseURL == "" {
		return fmt.Errorf("TRACKER_TOKEN is set but TRACKER_BASE_URL is empty")
	}
	return nil
}
