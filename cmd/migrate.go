package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/homecore/services/smarthome/internal/core"
	"example.com/homecore/services/smarthome/internal/infrastructure"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Runs database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Running migrations...")
	if err := db.Migrate(
		&core.Group{},
		&core.House{},
		&core.Space{},
		&core.GroupMembership{},
		&core.Device{},
		&core.SharedPermission{},
	); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("Migrations completed successfully")
	return nil
}
