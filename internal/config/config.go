// Package config loads process settings from the environment and the
// release policy from an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the process settings.
type Config struct {
	DatabasePath string        `env:"DATABASE_PATH" envDefault:"./data/releases.db"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	PolicyPath   string        `env:"POLICY_PATH" envDefault:"./policy.toml"`
	LockPath     string        `env:"LOCK_PATH" envDefault:"./data/run.lock"`
	MetricsFile  string        `env:"METRICS_FILE"`
	RunTimeout   time.Duration `env:"RUN_TIMEOUT" envDefault:"10m"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `env:"TELEGRAM_CHAT_ID"`

	CalDAVURL      string `env:"CALDAV_URL"`
	CalDAVUsername string `env:"CALDAV_USERNAME"`
	CalDAVPassword string `env:"CALDAV_PASSWORD"`

	NtfyTopic string `env:"NTFY_TOPIC"`

	AniListURL string `env:"ANILIST_URL" envDefault:"https://graphql.anilist.co"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// ValidateDelivery checks the settings needed to send notifications. The
// message channel is mandatory; calendar and push are enabled by their URLs.
func (c *Config) ValidateDelivery() error {
	var errs []error
	if c.TelegramBotToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.TelegramChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required"))
	}
	if c.RunTimeout <= 0 {
		errs = append(errs, errors.New("RUN_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
