// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

const validYAML = `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./chorus.db"

sessions:
  teardown_timeout: "3s"
  history_window: 30
  history_refresh_delay: "250ms"
  lazy_start: true

ai:
  base_url: "https://api.example.com/v1"
  api_key: "sk-test"
  default_model: "gpt-4o-mini"
  handoff_phrase: "quiero un humano"
  timeout: "20s"

mail:
  enabled: true
  smtp_addr: "smtp.example.com:587"
  from: "gateway@example.com"

realtime:
  redis_addr: "localhost:6379"

logging:
  level: "debug"
  format: "json"
`

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.TeardownTimeout != 3*time.Second {
		t.Errorf("Sessions.TeardownTimeout = %v, want 3s", cfg.Sessions.TeardownTimeout)
	}
	if cfg.Sessions.HistoryRefreshDelay != 250*time.Millisecond {
		t.Errorf("Sessions.HistoryRefreshDelay = %v, want 250ms", cfg.Sessions.HistoryRefreshDelay)
	}
	if cfg.Sessions.HistoryWindow != 30 {
		t.Errorf("Sessions.HistoryWindow = %d, want 30", cfg.Sessions.HistoryWindow)
	}
	if !cfg.Sessions.LazyStart {
		t.Error("Sessions.LazyStart should be true")
	}
	if cfg.AI.Timeout != 20*time.Second {
		t.Errorf("AI.Timeout = %v, want 20s", cfg.AI.Timeout)
	}
	if cfg.AI.HandoffPhrase != "quiero un humano" {
		t.Errorf("AI.HandoffPhrase = %q", cfg.AI.HandoffPhrase)
	}
	if cfg.AI.DefaultMaxTokens != DefaultMaxTokens {
		t.Errorf("AI.DefaultMaxTokens = %d, want default %d", cfg.AI.DefaultMaxTokens, DefaultMaxTokens)
	}
	if cfg.Realtime.ChannelPrefix != DefaultChannelPrefix {
		t.Errorf("Realtime.ChannelPrefix = %q", cfg.Realtime.ChannelPrefix)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./chorus.db"
ai:
  default_model: "gpt-4o-mini"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sessions.TeardownTimeout != 5*time.Second {
		t.Errorf("TeardownTimeout = %v, want 5s", cfg.Sessions.TeardownTimeout)
	}
	if cfg.Sessions.HistoryWindow != 20 {
		t.Errorf("HistoryWindow = %d, want 20", cfg.Sessions.HistoryWindow)
	}
	if cfg.Sessions.HistoryRefreshDelay != 500*time.Millisecond {
		t.Errorf("HistoryRefreshDelay = %v, want 500ms", cfg.Sessions.HistoryRefreshDelay)
	}
	if cfg.AI.DefaultMaxTokens != 120 {
		t.Errorf("DefaultMaxTokens = %d, want 120", cfg.AI.DefaultMaxTokens)
	}
	if cfg.AI.HandoffPhrase != DefaultHandoffPhrase {
		t.Errorf("HandoffPhrase = %q", cfg.AI.HandoffPhrase)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.toml", `
[server]
http_addr = ":9090"

[database]
path = "/var/lib/chorus/chorus.db"

[sessions]
teardown_timeout = "2s"
print_qr = true

[ai]
default_model = "llama3"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.TeardownTimeout != 2*time.Second {
		t.Errorf("TeardownTimeout = %v, want 2s", cfg.Sessions.TeardownTimeout)
	}
	if !cfg.Sessions.PrintQR {
		t.Error("PrintQR should be true")
	}
	if cfg.AI.DefaultModel != "llama3" {
		t.Errorf("AI.DefaultModel = %q", cfg.AI.DefaultModel)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHORUS_API_KEY", "sk-from-env")
	t.Setenv("TEST_CHORUS_DB", "/tmp/from-env.db")

	cfg, err := Load(writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  path: "${TEST_CHORUS_DB}"
ai:
  default_model: "m"
  api_key: "${TEST_CHORUS_API_KEY}"
  base_url: "${TEST_CHORUS_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AI.APIKey != "sk-from-env" {
		t.Errorf("AI.APIKey = %q", cfg.AI.APIKey)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.AI.BaseURL != "" {
		t.Errorf("unset var should expand to empty, got %q", cfg.AI.BaseURL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/gateway.yaml"); err == nil {
		t.Error("Load() should return error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "gateway.yaml", "server:\n  http_addr: [unterminated\n")); err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./chorus.db"
sessions:
  teardown_timeout: "five seconds"
ai:
  default_model: "m"
`))
	if err == nil {
		t.Fatal("Load() should return error for invalid duration")
	}
	if !strings.Contains(err.Error(), "sessions.teardown_timeout") {
		t.Errorf("error should name the field, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "./chorus.db"},
			AI:       AIConfig{DefaultModel: "m"},
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "chorus"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing model", func(c *Config) { c.AI.DefaultModel = "" }, "ai.default_model"},
		{"mail without relay", func(c *Config) { c.Mail = MailConfig{Enabled: true, From: "a@b.c"} }, "mail.smtp_addr"},
		{"mail without from", func(c *Config) { c.Mail = MailConfig{Enabled: true, SMTPAddr: "smtp:25"} }, "mail.from"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("CHORUS_CONFIG", "/etc/chorus/custom.yaml")
	if got := DefaultPath(); got != "/etc/chorus/custom.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("CHORUS_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "chorus", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
