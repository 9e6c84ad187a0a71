package main

import (
	"fmt"
	"os"

	"github.com/kiranshivaraju/wardrobe/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and print the schema version",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	logger := setupLogger(os.Getenv("LOG_LEVEL"), debug)

	if err := store.RunMigrations(url, migrationsDir); err != nil {
		return err
	}
	version, dirty, err := store.MigrationVersion(url, migrationsDir)
	if err != nil {
		return err
	}
	logger.Info("database migrations applied", "version", version, "dirty", dirty)
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}
