package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue health",
	Long: `Display the local sync state: queued mutations, dead-lettered
mutations awaiting a manual retry, and unacknowledged conflicts.

Example:
  famsyncd status`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()

	stats, err := c.log.Stats(ctx)
	if err != nil {
		return err
	}
	audits, err := c.store.Audits(ctx, true)
	if err != nil {
		return err
	}

	fmt.Println("Sync Status")
	fmt.Println("-----------")
	fmt.Printf("Pending mutations:      %d\n", stats["pending"])
	fmt.Printf("Dead-lettered:          %d\n", stats["dead"])
	fmt.Printf("Unreviewed conflicts:   %d\n", len(audits))

	dead, err := c.log.DeadLetters(ctx)
	if err != nil {
		return err
	}
	if len(dead) > 0 {
		fmt.Println()
		fmt.Println("Changes that couldn't sync (famsyncd retry to try again):")
		for _, m := range dead {
			fmt.Printf("  %s  %s %s  attempts=%d  %s\n",
				m.ID, m.Op, m.EntityID, m.AttemptCount, m.LastError)
		}
	}

	for _, a := range audits {
		fmt.Printf("\nConflict on %s %s at %s: %s kept\n",
			a.EntityType, a.EntityID,
			a.DetectedAtTime().Format(time.RFC3339), a.Resolution)
	}
	return nil
}
