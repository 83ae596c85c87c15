package main

import (
	"fmt"
	"net/url"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Include TENDLY_* environment and .env overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Tendly configuration",
	Long:  "View or modify the Tendly CLI configuration stored in ~/.tendly/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadConfigFile
		if configShowEffective {
			load = loadConfig
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		if isEmptyConfig(cfg) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration found. Run 'tendly init <base-url> <api-key>' to create one.")
			return nil
		}
		data, err := toml.Marshal(redactConfig(*cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: tendly config set auth.user_id 7f3c...",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskSecret(key, value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

// secretKeys are never printed in full.
var secretKeys = map[string]bool{
	"default.api_key":      true,
	"default.database_url": true,
	"auth.access_token":    true,
}

// redactConfig returns a copy of cfg safe to print.
func redactConfig(cfg Config) Config {
	if cfg.Default.APIKey != "" {
		cfg.Default.APIKey = maskSecret("default.api_key", cfg.Default.APIKey)
	}
	if cfg.Default.DatabaseURL != "" {
		cfg.Default.DatabaseURL = maskSecret("default.database_url", cfg.Default.DatabaseURL)
	}
	if cfg.Auth.AccessToken != "" {
		cfg.Auth.AccessToken = maskSecret("auth.access_token", cfg.Auth.AccessToken)
	}
	return cfg
}

// maskSecret hides a credential. A database URL keeps everything but its
// password so the target stays recognizable.
func maskSecret(key, value string) string {
	if key != "default.database_url" {
		return maskKey(value)
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" {
		// key=value DSN
		fields := strings.Fields(value)
		for i, f := range fields {
			if strings.HasPrefix(f, "password=") {
				fields[i] = "password=xxxxx"
			}
		}
		return strings.Join(fields, " ")
	}
	return u.Redacted()
}

func isEmptyConfig(cfg *Config) bool {
	return cfg.Default == (ConfigDefault{}) && cfg.Auth == (ConfigAuth{}) &&
		cfg.Realtime == (ConfigRealtime{}) && cfg.Attachments.MaxBytes == 0 &&
		len(cfg.Attachments.AllowedTypes) == 0 && cfg.Attachments.URLTTL == ""
}
