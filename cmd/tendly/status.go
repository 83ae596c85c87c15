package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendly/chatcore/pgstore"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration and check that the backend, and the database when configured, answer.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, "rest"))
		if cfg.Default.DatabaseURL != "" {
			fmt.Println("  Database:    configured")
		}
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.AccessToken != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.AccessToken))
		} else {
			fmt.Println("  Token:       (anonymous)")
		}

		if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := newSession(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer s.close()

		if err := s.client.Ping(ctx); err != nil {
			fmt.Printf("  REST API:    unreachable (%v)\n", err)
		} else {
			fmt.Println("  REST API:    ok")
		}
		if s.db != nil {
			if err := s.db.DB().PingContext(ctx); err != nil {
				fmt.Printf("  Database:    unreachable (%v)\n", err)
			} else {
				fmt.Println("  Database:    ok")
			}
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the conversation tables in default.database_url",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.DatabaseURL == "" {
			return fmt.Errorf("default.database_url is not set")
		}
		log, err := newLogger(cfg.Default.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := pgstore.Open(ctx, cfg.Default.DatabaseURL, pgstore.WithLogger(log))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("Schema is up to date.")
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
