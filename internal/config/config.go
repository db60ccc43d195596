// Package config loads application configuration from a YAML file and
// environment variables, applying defaults for everything omitted.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment overrides. A double underscore separates
// nesting levels, e.g. ALERT_COURIER_QUEUE__MAX_SIZE=5000 sets queue.max_size.
const envPrefix = "ALERT_COURIER_"

// Config is the root application configuration.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Ops        OpsConfig        `koanf:"ops"`
	Queue      QueueConfig      `koanf:"queue"`
	Tracker    TrackerConfig    `koanf:"tracker"`
	RateLimits RateLimitsConfig `koanf:"rate_limits"`
	Senders    SendersConfig    `koanf:"senders"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// OpsConfig controls the operational HTTP listener (metrics, health, stats).
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// QueueConfig mirrors the delivery queue knobs.
type QueueConfig struct {
	MaxSize      int           `koanf:"max_size" validate:"gte=1"`
	BatchSize    int           `koanf:"batch_size" validate:"gte=1"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

// TrackerConfig mirrors the delivery tracker knobs.
type TrackerConfig struct {
	RetentionHours  int           `koanf:"retention_hours" validate:"gte=1"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// RateLimitConfig is one token bucket definition.
type RateLimitConfig struct {
	Rate       float64 `koanf:"rate" validate:"gt=0"`
	Burst      int     `koanf:"burst" validate:"gte=1"`
	AllowBurst bool    `koanf:"allow_burst"`
}

// RateLimitsConfig holds the global bucket plus per-channel overrides.
type RateLimitsConfig struct {
	Global   RateLimitConfig            `koanf:"global"`
	Channels map[string]RateLimitConfig `koanf:"channels" validate:"dive"`
}

// SendersConfig configures the bundled notification senders.
type SendersConfig struct {
	Email   EmailConfig   `koanf:"email"`
	Webhook WebhookConfig `koanf:"webhook"`
	Chat    ChatConfig    `koanf:"chat"`
}

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Enabled      bool   `koanf:"enabled"`
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address"`
}

// WebhookConfig configures the JSON webhook sender.
type WebhookConfig struct {
	Timeout     time.Duration `koanf:"timeout"`
	RatePerSec  int           `koanf:"rate_per_sec"`
	DefaultName string        `koanf:"default_name"`
}

// ChatConfig configures the chat sender.
type ChatConfig struct {
	Enabled   bool    `koanf:"enabled"`
	BotToken  string  `koanf:"bot_token"`
	RateLimit float64 `koanf:"rate_limit"`
}

// Default returns the configuration used when a key is not set.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Ops: OpsConfig{Enabled: true, Addr: ":9091"},
		Queue: QueueConfig{
			MaxSize:      10000,
			BatchSize:    100,
			BatchTimeout: 5 * time.Second,
		},
		Tracker: TrackerConfig{
			RetentionHours:  72,
			CleanupInterval: time.Hour,
		},
		RateLimits: RateLimitsConfig{
			Global: RateLimitConfig{Rate: 100, Burst: 200, AllowBurst: true},
			Channels: map[string]RateLimitConfig{
				"email":   {Rate: 10, Burst: 20, AllowBurst: true},
				"sms":     {Rate: 1, Burst: 5, AllowBurst: true},
				"chat":    {Rate: 50, Burst: 100, AllowBurst: true},
				"webhook": {Rate: 20, Burst: 40, AllowBurst: true},
			},
		},
		Senders: SendersConfig{
			Email:   EmailConfig{SMTPPort: 587},
			Webhook: WebhookConfig{Timeout: 10 * time.Second, RatePerSec: 20, DefaultName: "alert-courier"},
		},
	}
}

// Load reads configuration from the optional YAML file at path, then from
// ALERT_COURIER_* environment variables, on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
