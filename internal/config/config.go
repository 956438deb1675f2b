// ABOUTME: Configuration loading and parsing for chorus-gateway
// ABOUTME: YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTeardownTimeout     = 5 * time.Second
	DefaultHistoryWindow       = 20
	DefaultHistoryRefreshDelay = 500 * time.Millisecond
	DefaultMaxTokens           = 120
	DefaultAITimeout           = 60 * time.Second
	DefaultHandoffPhrase       = "necesito un asesor"
	DefaultChannelPrefix       = "chorus:session"
)

// Config represents the complete chorus-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	AI        AIConfig        `yaml:"ai" toml:"ai"`
	Mail      MailConfig      `yaml:"mail" toml:"mail"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret leaves the API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SessionsConfig controls session lifecycle and history behavior
type SessionsConfig struct {
	TeardownTimeout     time.Duration `yaml:"-" toml:"-"`
	HistoryRefreshDelay time.Duration `yaml:"-" toml:"-"`

	HistoryWindow int  `yaml:"history_window" toml:"history_window"`
	LazyStart     bool `yaml:"lazy_start" toml:"lazy_start"` // history reads start missing sessions
	PrintQR       bool `yaml:"print_qr" toml:"print_qr"`     // render pairing codes on the terminal

	// Raw string values for unmarshaling
	TeardownTimeoutRaw     string `yaml:"teardown_timeout" toml:"teardown_timeout"`
	HistoryRefreshDelayRaw string `yaml:"history_refresh_delay" toml:"history_refresh_delay"`
}

// AIConfig configures the completion service
type AIConfig struct {
	BaseURL          string        `yaml:"base_url" toml:"base_url"`
	APIKey           string        `yaml:"api_key" toml:"api_key"`
	DefaultModel     string        `yaml:"default_model" toml:"default_model"`
	DefaultMaxTokens int           `yaml:"default_max_tokens" toml:"default_max_tokens"`
	HandoffPhrase    string        `yaml:"handoff_phrase" toml:"handoff_phrase"`
	Timeout          time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw       string        `yaml:"timeout" toml:"timeout"`
}

// MailConfig configures escalation email delivery
type MailConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	SMTPAddr string `yaml:"smtp_addr" toml:"smtp_addr"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
}

// RealtimeConfig configures the optional cross-process relay
type RealtimeConfig struct {
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"` // empty keeps fan-out in-process
	ChannelPrefix string `yaml:"channel_prefix" toml:"channel_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills zero values with the gateway defaults.
func (c *Config) ApplyDefaults() {
	if c.Sessions.TeardownTimeout <= 0 {
		c.Sessions.TeardownTimeout = DefaultTeardownTimeout
	}
	if c.Sessions.HistoryRefreshDelay <= 0 {
		c.Sessions.HistoryRefreshDelay = DefaultHistoryRefreshDelay
	}
	if c.Sessions.HistoryWindow <= 0 {
		c.Sessions.HistoryWindow = DefaultHistoryWindow
	}
	if c.AI.DefaultMaxTokens <= 0 {
		c.AI.DefaultMaxTokens = DefaultMaxTokens
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = DefaultAITimeout
	}
	if c.AI.HandoffPhrase == "" {
		c.AI.HandoffPhrase = DefaultHandoffPhrase
	}
	if c.Realtime.ChannelPrefix == "" {
		c.Realtime.ChannelPrefix = DefaultChannelPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.AI.DefaultModel == "" {
		return fmt.Errorf("ai.default_model is required")
	}

	if c.Mail.Enabled {
		if c.Mail.SMTPAddr == "" {
			return fmt.Errorf("mail.smtp_addr is required when mail is enabled")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("mail.from is required when mail is enabled")
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.teardown_timeout", cfg.Sessions.TeardownTimeoutRaw, &cfg.Sessions.TeardownTimeout},
		{"sessions.history_refresh_delay", cfg.Sessions.HistoryRefreshDelayRaw, &cfg.Sessions.HistoryRefreshDelay},
		{"ai.timeout", cfg.AI.TimeoutRaw, &cfg.AI.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns the config file location.
// Priority: CHORUS_CONFIG env var > XDG_CONFIG_HOME/chorus/gateway.yaml > ~/.config/chorus/gateway.yaml
func DefaultPath() string {
	if p := os.Getenv("CHORUS_CONFIG"); p != "" {
		return p
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "chorus", "gateway.yaml")
}
