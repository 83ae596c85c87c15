package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tendly/config.toml.
type Config struct {
	Default     ConfigDefault     `toml:"default"`
	Auth        ConfigAuth        `toml:"auth"`
	Realtime    ConfigRealtime    `toml:"realtime"`
	Attachments ConfigAttachments `toml:"attachments"`
}

// ConfigDefault holds backend connection settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	Bucket      string `toml:"bucket,omitempty"`
	Backend     string `toml:"backend,omitempty"` // "rest" (default) or "postgres"
	DatabaseURL string `toml:"database_url,omitempty"`
	LogLevel    string `toml:"log_level,omitempty"`
}

// ConfigAuth holds the signed-in user.
type ConfigAuth struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
}

// ConfigRealtime tunes the change-feed connection. Durations use Go syntax ("25s").
type ConfigRealtime struct {
	URL                  string `toml:"url,omitempty"`
	HeartbeatInterval    string `toml:"heartbeat_interval,omitempty"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay,omitempty"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
	MinResyncInterval    string `toml:"min_resync_interval,omitempty"`
}

// ConfigAttachments overrides the attachment policy.
type ConfigAttachments struct {
	MaxBytes     int64    `toml:"max_bytes,omitempty"`
	AllowedTypes []string `toml:"allowed_types,omitempty"`
	URLTTL       string   `toml:"url_ttl,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.tendly, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tendly")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. If the file does not exist, it starts from a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// loadConfigFile reads the file alone, without environment overrides, so
// that `config set` never persists values that came from the environment.
func loadConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envOverrides maps environment variables to config keys.
var envOverrides = []struct{ env, key string }{
	{"TENDLY_BASE_URL", "default.base_url"},
	{"TENDLY_API_KEY", "default.api_key"},
	{"TENDLY_BUCKET", "default.bucket"},
	{"TENDLY_BACKEND", "default.backend"},
	{"TENDLY_DATABASE_URL", "default.database_url"},
	{"TENDLY_LOG_LEVEL", "default.log_level"},
	{"TENDLY_ACCESS_TOKEN", "auth.access_token"},
	{"TENDLY_USER_ID", "auth.user_id"},
	{"TENDLY_REALTIME_URL", "realtime.url"},
}

// applyEnv overlays TENDLY_* variables. A .env file in the working directory
// is loaded first; variables already set in the process win over it.
func applyEnv(cfg *Config) {
	_ = godotenv.Load()
	for _, o := range envOverrides {
		if v := os.Getenv(o.env); v != "" {
			// Keys in the table are always valid.
			_ = setConfigValue(cfg, o.key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "api_key":
			cfg.Default.APIKey = value
		case "bucket":
			cfg.Default.Bucket = value
		case "backend":
			if value != "rest" && value != "postgres" {
				return fmt.Errorf("backend must be rest or postgres, got %q", value)
			}
			cfg.Default.Backend = value
		case "database_url":
			cfg.Default.DatabaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "url":
			cfg.Realtime.URL = value
		case "heartbeat_interval", "reconnect_base_delay", "reconnect_max_delay", "min_resync_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			switch field {
			case "heartbeat_interval":
				cfg.Realtime.HeartbeatInterval = value
			case "reconnect_base_delay":
				cfg.Realtime.ReconnectBaseDelay = value
			case "reconnect_max_delay":
				cfg.Realtime.ReconnectMaxDelay = value
			default:
				cfg.Realtime.MinResyncInterval = value
			}
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "attachments":
		switch field {
		case "max_bytes":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("%s must be a positive integer", key)
			}
			cfg.Attachments.MaxBytes = n
		case "allowed_types":
			var types []string
			for _, t := range strings.Split(value, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, t)
				}
			}
			cfg.Attachments.AllowedTypes = types
		case "url_ttl":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Attachments.URLTTL = value
		default:
			return fmt.Errorf("unknown field %q in section [attachments]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime, attachments)", section)
	}
	return nil
}

// duration parses an optional duration string. Empty means zero.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "tendly",
	Short:        "Tendly messaging CLI",
	Long:         "Command-line interface for Tendly conversations.\nManage configuration, read history, and chat with another user.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
