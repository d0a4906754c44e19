package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/famrx/backend/internal/config"
	"github.com/kimhsiao/famrx/backend/internal/db"
	"github.com/kimhsiao/famrx/backend/internal/logging"
	"github.com/kimhsiao/famrx/backend/internal/store"
	"github.com/kimhsiao/famrx/backend/internal/sync/queue"
)

var rootCmd = &cobra.Command{
	Use:   "famsyncd",
	Short: "FamRx sync daemon",
	Long: `famsyncd keeps this device's medication data in sync with the
family hub. All reads and writes go to the local store; the daemon
drains queued changes to the hub whenever connectivity allows and folds
other devices' changes back in.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(versionCmd)
}

// core is the locally assembled storage stack shared by subcommands.
type core struct {
	cfg   *config.Config
	db    *db.DB
	log   *queue.Log
	store *store.Store
}

func openCore() (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stderr, logging.LogLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	log := queue.NewLog(database.DB, queue.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MaxAttempts: cfg.MaxAttempts,
	})
	return &core{
		cfg:   cfg,
		db:    database,
		log:   log,
		store: store.NewStore(database, log),
	}, nil
}

func (c *core) Close() error {
	return c.db.Close()
}
