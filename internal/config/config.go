// Package config loads and validates all application configuration from
// environment variables.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment
// variables. Invalid values fail fast at startup; a present-but-invalid
// variable is never silently defaulted.
type Config struct {
	// General
	Environment   string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	OpsListenAddr string `envconfig:"OPS_LISTEN_ADDR" default:":8080"`

	// Slack
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN" required:"true"`
	SlackAppToken string `envconfig:"SLACK_APP_TOKEN" required:"true"` // xapp- token for Socket Mode

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Vote abuse controls
	MaxTargetsPerMessage int    `envconfig:"VOTE_MAX_TARGETS_PER_MESSAGE" default:"5"`
	UserRatePerMinute    int    `envconfig:"VOTE_RATE_USER_PER_MIN" default:"12"`
	ChannelRatePerMinute int    `envconfig:"VOTE_RATE_CHANNEL_PER_MIN" default:"60"`
	PairCooldownSeconds  int    `envconfig:"VOTE_PAIR_COOLDOWN_SECONDS" default:"300"`
	DailyDownvoteLimit   int    `envconfig:"VOTE_DAILY_DOWNVOTE_LIMIT" default:"15"`
	AllowedChannelIDs    string `envconfig:"VOTE_ALLOWED_CHANNEL_IDS"` // comma-separated; empty allows all
	EnforcementMode      string `envconfig:"ABUSE_ENFORCEMENT_MODE" default:"enforce"`

	// Maintenance
	MaintenanceEnabled       bool `envconfig:"MAINTENANCE_ENABLED" default:"true"`
	DedupeRetentionDays      int  `envconfig:"MAINTENANCE_DEDUPE_RETENTION_DAYS" default:"14"`
	VoteHistoryRetentionDays int  `envconfig:"MAINTENANCE_VOTE_HISTORY_RETENTION_DAYS" default:"365"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value domains. Errors name the offending variable and the
// expected range.
func (c *Config) Validate() error {
	atLeast := []struct {
		name string
		val  int
		min  int
	}{
		{"VOTE_MAX_TARGETS_PER_MESSAGE", c.MaxTargetsPerMessage, 1},
		{"VOTE_RATE_USER_PER_MIN", c.UserRatePerMinute, 1},
		{"VOTE_RATE_CHANNEL_PER_MIN", c.ChannelRatePerMinute, 1},
		{"VOTE_PAIR_COOLDOWN_SECONDS", c.PairCooldownSeconds, 0},
		{"VOTE_DAILY_DOWNVOTE_LIMIT", c.DailyDownvoteLimit, 0},
		{"MAINTENANCE_DEDUPE_RETENTION_DAYS", c.DedupeRetentionDays, 1},
		{"MAINTENANCE_VOTE_HISTORY_RETENTION_DAYS", c.VoteHistoryRetentionDays, 1},
	}
	for _, v := range atLeast {
		if v.val < v.min {
			return fmt.Errorf("%s must be an integer >= %d, got %d", v.name, v.min, v.val)
		}
	}

	if c.EnforcementMode != "enforce" && c.EnforcementMode != "monitor" {
		return fmt.Errorf("ABUSE_ENFORCEMENT_MODE must be \"enforce\" or \"monitor\", got %q", c.EnforcementMode)
	}
	return nil
}

// IsDevelopment reports whether the bot runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
