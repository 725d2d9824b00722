package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the haven service.
// Environment variables are automatically parsed from the HAVEN_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// DBDriver selects the storage backend: sqlite, postgres, or "auto"
	// (postgres when a DSN is configured, sqlite otherwise).
	DBDriver    string `envconfig:"DB_DRIVER" default:"auto"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"haven.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// HTTP Configuration (ops surface)
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Transport / agent credentials
	TelegramToken string `envconfig:"TELEGRAM_TOKEN" default:""`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`

	// RootKey is the base64 key that wraps every per-chat encryption key.
	RootKey string `envconfig:"ROOT_KEY" default:""`

	// Turn loop tuning
	ChatSessionTimeoutMins int `envconfig:"CHAT_SESSION_TIMEOUT_MINS" default:"60"`
	TickSeconds            int `envconfig:"TICK_SECONDS" default:"30"`
	TurnDelaySecs          int `envconfig:"TURN_DELAY_SECS" default:"2"`
	MaxNewInputRetries     int `envconfig:"MAX_NEW_INPUT_RETRIES" default:"3"`
	EvaluationThreshold    int `envconfig:"EVALUATION_THRESHOLD" default:"5"`

	// Decrypted-field cache
	FieldCacheSize    int `envconfig:"FIELD_CACHE_SIZE" default:"1000"`
	FieldCacheTTLMins int `envconfig:"FIELD_CACHE_TTL_MINS" default:"10"`

	// EventRetentionDays bounds how long raw encrypted history of closed
	// sessions is kept before the purge job removes it.
	EventRetentionDays int `envconfig:"EVENT_RETENTION_DAYS" default:"30"`
}

// ResolveDefaults validates the driver selection and derives DBDriver when
// set to "auto" or empty.
func (c *Config) ResolveDefaults() error {
	if c.DBDriver == "" || c.DBDriver == "auto" {
		if c.PostgresDSN != "" {
			c.DBDriver = "postgres"
		} else {
			c.DBDriver = "sqlite"
		}
	}
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("HAVEN_SQLITE_PATH required for sqlite driver")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("HAVEN_POSTGRES_DSN required for postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.RootKey == "" {
		return fmt.Errorf("HAVEN_ROOT_KEY is required")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Environment variables are prefixed with HAVEN_,
// e.g. HAVEN_TELEGRAM_TOKEN, HAVEN_HTTP_PORT.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("HAVEN", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("port", cfg.HTTPPort).
		Int("session_timeout_mins", cfg.ChatSessionTimeoutMins).
		Bool("telegram_token_present", cfg.TelegramToken != "").
		Bool("openai_key_present", cfg.OpenAIAPIKey != "").
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing.
func NewForTesting() *Config {
	return &Config{
		Environment: EnvTesting,
		DBDriver:    "sqlite",
		SQLitePath:  ":memory:",
		HTTPPort:    8080,
		// 32 zero bytes, base64; fine as a wrapping key in tests.
		RootKey:                "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		ChatSessionTimeoutMins: 60,
		TickSeconds:            30,
		TurnDelaySecs:          2,
		MaxNewInputRetries:     3,
		EvaluationThreshold:    5,
		FieldCacheSize:         1000,
		FieldCacheTTLMins:      10,
		EventRetentionDays:     30,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool { return c.Environment == EnvTesting }

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

// SessionTimeout returns the inactivity window as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.ChatSessionTimeoutMins) * time.Minute
}

// TickInterval returns the per-chat scheduler interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// TurnDelay returns the inter-turn delay.
func (c *Config) TurnDelay() time.Duration {
	return time.Duration(c.TurnDelaySecs) * time.Second
}

// FieldCacheTTL returns the decrypted-field cache entry lifetime.
func (c *Config) FieldCacheTTL() time.Duration {
	return time.Duration(c.FieldCacheTTLMins) * time.Minute
}

// EventRetention returns how long closed-session history is retained.
func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}
