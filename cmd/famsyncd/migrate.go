package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/famrx/backend/internal/config"
	"github.com/kimhsiao/famrx/backend/internal/db"
	"github.com/kimhsiao/famrx/backend/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.LogLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}
	version, err := database.SchemaVersion()
	if err != nil {
		return err
	}
	fmt.Printf("Schema is at version %d\n", version)
	return nil
}
