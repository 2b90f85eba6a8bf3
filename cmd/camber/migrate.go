package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/camber-io/camber/pkg/config"
	"github.com/camber-io/camber/pkg/storage"
)

var migrateDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMigrationStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Migrate(cmd.Context(), migrateDir)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMigrationStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return store.MigrationStatus(cmd.Context(), migrateDir)
	},
}

func openMigrationStore() (*storage.PostgresStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, &config.ConfigError{Msg: "DATABASE_URL is required for migrations"}
	}
	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return store, nil
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateDir, "dir", "migrations", "directory holding migration files")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
