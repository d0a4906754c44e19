package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/famrx/backend/internal/connectivity"
	"github.com/kimhsiao/famrx/backend/internal/logging"
	"github.com/kimhsiao/famrx/backend/internal/models"
	syncpkg "github.com/kimhsiao/famrx/backend/internal/sync"
	"github.com/kimhsiao/famrx/backend/internal/sync/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Start the background sync loops and block until interrupted.

Example:
  FAMRX_HUB_URL=https://hub.famrx.app FAMRX_FAMILY_ID=<uuid> famsyncd run`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	gateway := syncpkg.NewHubGateway(c.cfg.HubURL, c.cfg.APIToken, c.cfg.DeviceID, c.cfg.GatewayTimeout)
	engine := syncpkg.NewEngine(c.store, c.log, gateway, models.UUID(c.cfg.FamilyID), c.cfg.BatchSize)

	monitor := connectivity.NewMonitor(true)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.SyncInterval = c.cfg.SyncInterval
	sched := scheduler.New(engine, monitor, c.store.WriteSignal(), schedCfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sched.Start(ctx)
	logging.Info("famsyncd running",
		map[string]interface{}{
			"data_dir":  c.cfg.DataDir,
			"hub_url":   c.cfg.HubURL,
			"family_id": c.cfg.FamilyID,
		})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("Shutting down", nil)
	cancel()
	sched.Stop()
	return nil
}
