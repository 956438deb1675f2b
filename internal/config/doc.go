// Package config handles configuration loading for chorus-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHORUS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chorus/gateway.yaml
//  3. ~/.config/chorus/gateway.yaml
//
// Files with a .toml extension are read as TOML; anything else is YAML.
// Both formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	ai:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  teardown_timeout: "5s"
//	  history_refresh_delay: "500ms"
//
// # Defaults
//
// ApplyDefaults runs after parsing: teardown_timeout 5s, history_window 20,
// history_refresh_delay 500ms, ai.default_max_tokens 120, ai.timeout 60s,
// realtime.channel_prefix "chorus:session" and logging.level "info".
package config
