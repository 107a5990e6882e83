// ABOUTME: Configuration loading and parsing for the loom daemon
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Drafts    DraftsConfig    `yaml:"drafts"`
	Streaming StreamingConfig `yaml:"streaming"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AgentConfig holds the agent runtime subprocess configuration.
type AgentConfig struct {
	// Command is the agent CLI invocation; the prompt is appended as the
	// final argument and the reply is read from stdout.
	Command []string `yaml:"command"`
}

// ServerConfig holds the management HTTP / broadcast listener address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ChannelsConfig holds configuration for all channel adapters.
type ChannelsConfig struct {
	// Privileged names the adapter whose replies require human approval
	// before delivery. Empty disables the draft path.
	Privileged string `yaml:"privileged"`

	Telegram TelegramConfig `yaml:"telegram"`
	Matrix   MatrixConfig   `yaml:"matrix"`
}

// TelegramConfig holds Telegram Bot API adapter configuration.
type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	BotToken  string   `yaml:"bot_token"`
	AllowFrom []string `yaml:"allow_from"`
}

// MatrixConfig holds Matrix adapter configuration.
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms"`
}

// SchedulerConfig holds job scheduler configuration.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"-"`
	// ErrorThreshold is the consecutive-failure count after which a job
	// is disabled. Zero means the default of 3.
	ErrorThreshold int `yaml:"error_threshold"`

	PollIntervalRaw string `yaml:"poll_interval"`
}

// DraftsConfig holds draft workflow configuration.
type DraftsConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// StreamingConfig holds streaming updater configuration.
type StreamingConfig struct {
	FlushInterval time.Duration `yaml:"-"`

	FlushIntervalRaw string `yaml:"flush_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}

	if c.Channels.Matrix.Enabled {
		if c.Channels.Matrix.Homeserver == "" {
			return fmt.Errorf("channels.matrix.homeserver is required when matrix is enabled")
		}
		if c.Channels.Matrix.UserID == "" {
			return fmt.Errorf("channels.matrix.user_id is required when matrix is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Scheduler.PollIntervalRaw != "" {
		cfg.Scheduler.PollInterval, err = time.ParseDuration(cfg.Scheduler.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Scheduler.PollIntervalRaw, err)
		}
	}

	if cfg.Drafts.TTLRaw != "" {
		cfg.Drafts.TTL, err = time.ParseDuration(cfg.Drafts.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing drafts.ttl %q: %w", cfg.Drafts.TTLRaw, err)
		}
	}

	if cfg.Streaming.FlushIntervalRaw != "" {
		cfg.Streaming.FlushInterval, err = time.ParseDuration(cfg.Streaming.FlushIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing flush_interval %q: %w", cfg.Streaming.FlushIntervalRaw, err)
		}
	}

	return nil
}
