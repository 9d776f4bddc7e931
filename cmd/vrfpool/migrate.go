package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/vrfpool/internal/config"
	"github.com/R3E-Network/vrfpool/internal/logging"
	"github.com/R3E-Network/vrfpool/internal/storage/postgres"
	"github.com/R3E-Network/vrfpool/internal/storage/postgres/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

		db, err := postgres.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := migrations.Up(cmd.Context(), db.DB); err != nil {
			return err
		}
		log.Info("schema up to date")
		return nil
	},
}
