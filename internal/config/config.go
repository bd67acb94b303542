// Package config loads and validates the chatrelay.yml configuration file,
// with environment variable overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chatrelay/internal/tenant"
)

// Defaults applied when the file omits a field.
const (
	DefaultListenAddr   = ":9080"
	DefaultRedisAddr    = "localhost:6379"
	DefaultStreamMaxLen = 1000
	DefaultHistoryCount = 30
	DefaultPresenceTTL  = 60 * time.Second
	DefaultLogLevel     = "info"
)

// Duration wraps time.Duration so YAML values like "60s" decode.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the top-level chatrelay.yml configuration.
type Config struct {
	ListenAddr     string   `yaml:"listen_addr"`
	RedisAddr      string   `yaml:"redis_addr"`
	AuthEndpoint   string   `yaml:"auth_endpoint"` // empty = baseline allow-list mode, no token check
	JWTSecret      string   `yaml:"jwt_secret"`    // required only when auth_endpoint is set
	AllowedInboxes []string `yaml:"allowed_inboxes"`
	StreamMaxLen   int64    `yaml:"stream_max_len"`
	HistoryCount   int64    `yaml:"history_count"`
	PresenceTTL    Duration `yaml:"presence_ttl"`
	LogLevel       string   `yaml:"log_level"`
}

// TokenMode reports whether connections must present an access token that is
// validated against the external authorization service.
func (c *Config) TokenMode() bool {
	return c.AuthEndpoint != ""
}

// Load reads the configuration file, applies environment overrides and
// validates the result. A .env file in the working directory is honoured
// before the environment is read.
func Load(path string) (*Config, error) {
	// Best effort: absence of a .env file is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{
		ListenAddr:   DefaultListenAddr,
		RedisAddr:    DefaultRedisAddr,
		StreamMaxLen: DefaultStreamMaxLen,
		HistoryCount: DefaultHistoryCount,
		PresenceTTL:  Duration(DefaultPresenceTTL),
		LogLevel:     DefaultLogLevel,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CHATRELAY_* environment variables on file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATRELAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CHATRELAY_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("CHATRELAY_AUTH_ENDPOINT"); v != "" {
		c.AuthEndpoint = v
	}
	if v := os.Getenv("CHATRELAY_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate performs strict validation on the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr cannot be empty")
	}
	if len(c.AllowedInboxes) == 0 {
		return fmt.Errorf("allowed_inboxes cannot be empty")
	}
	for _, inbox := range c.AllowedInboxes {
		if !tenant.ValidInboxID(inbox) {
			return fmt.Errorf("malformed inbox identifier in allow-list: %q", inbox)
		}
	}
	if c.StreamMaxLen <= 0 {
		return fmt.Errorf("stream_max_len must be positive, got %d", c.StreamMaxLen)
	}
	if c.HistoryCount <= 0 || c.HistoryCount > c.StreamMaxLen {
		return fmt.Errorf("history_count must be between 1 and stream_max_len, got %d", c.HistoryCount)
	}
	if c.PresenceTTL.Std() < time.Second {
		return fmt.Errorf("presence_ttl must be at least 1s, got %s", c.PresenceTTL.Std())
	}
	if c.TokenMode() && c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required when auth_endpoint is set")
	}
	return nil
}
