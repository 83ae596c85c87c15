package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	initUserID string
	initToken  string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user", "", "Your user id")
	initCmd.Flags().StringVar(&initToken, "token", "", "Access token (JWT) for your user")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <api-key>",
	Short: "Store backend URL and API key in ~/.tendly/config.toml",
	Long:  "Initialize the Tendly CLI by storing the backend URL and project API key in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, apiKey := args[0], args[1]
		if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base url %q", baseURL)
		}

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		cfg.Default.APIKey = apiKey
		if cfg.Default.Backend == "" {
			cfg.Default.Backend = "rest"
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initToken != "" {
			cfg.Auth.AccessToken = initToken
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
