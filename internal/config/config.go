// Package config provides configuration loading for the Otto runtime.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all runtime configuration.
type Config struct {
	// Home is the state directory: state.db and secrets/ live here.
	Home string `json:"home"`

	// Internal (loopback) control plane.
	InternalHost string `json:"internal_host"`
	InternalPort int    `json:"internal_port"`

	// External (LAN) control plane.
	ExternalHost string `json:"external_host"`
	ExternalPort int    `json:"external_port"`

	// Telegram delivery transport. Empty disables outbound delivery.
	TelegramBotToken string `json:"telegram_bot_token,omitempty"`

	// OTLP gRPC trace endpoint. Empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	home := "/var/lib/otto"
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		home = filepath.Join(h, ".otto")
	}
	return Config{
		Home:         home,
		InternalHost: "127.0.0.1",
		InternalPort: 4180,
		ExternalHost: "0.0.0.0",
		ExternalPort: 4190,
		LogLevel:     "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("OTTO_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("OTTO_INTERNAL_API_HOST"); v != "" {
		cfg.InternalHost = v
	}
	if v := os.Getenv("OTTO_INTERNAL_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InternalPort = n
		}
	}
	if v := os.Getenv("OTTO_EXTERNAL_API_HOST"); v != "" {
		cfg.ExternalHost = v
	}
	if v := os.Getenv("OTTO_EXTERNAL_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExternalPort = n
		}
	}
	if v := os.Getenv("OTTO_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("OTTO_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("OTTO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, cfg.Validate()
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	return Load("")
}

// Validate checks host and port constraints.
func (c Config) Validate() error {
	if c.InternalHost != "127.0.0.1" && c.InternalHost != "localhost" {
		return fmt.Errorf("internal host must be 127.0.0.1 or localhost, got %q", c.InternalHost)
	}
	if c.InternalPort < 1 || c.InternalPort > 65535 {
		return fmt.Errorf("internal port out of range: %d", c.InternalPort)
	}
	if c.ExternalPort < 1 || c.ExternalPort > 65535 {
		return fmt.Errorf("external port out of range: %d", c.ExternalPort)
	}
	return nil
}

// DBPath returns the path of the embedded database file.
func (c Config) DBPath() string {
	return filepath.Join(c.Home, "state.db")
}

// SecretsDir returns the directory holding API token files.
func (c Config) SecretsDir() string {
	return filepath.Join(c.Home, "secrets")
}

// InternalTokenPath returns the internal plane's bearer token file.
func (c Config) InternalTokenPath() string {
	return filepath.Join(c.SecretsDir(), "internal-api.token")
}

// ExternalTokenPath returns the external plane's bearer token file.
func (c Config) ExternalTokenPath() string {
	return filepath.Join(c.SecretsDir(), "external-api.token")
}

// InternalAddr returns the listen address of the internal plane.
func (c Config) InternalAddr() string {
	return fmt.Sprintf("%s:%d", c.InternalHost, c.InternalPort)
}

// ExternalAddr returns the listen address of the external plane.
func (c Config) ExternalAddr() string {
	return fmt.Sprintf("%s:%d", c.ExternalHost, c.ExternalPort)
}
