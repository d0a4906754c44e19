package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry [mutation-id]",
	Short: "Requeue dead-lettered mutations",
	Long: `Give mutations that exhausted their retry budget a fresh one.
With no argument, every dead-lettered mutation is requeued.

Example:
  famsyncd retry
  famsyncd retry 01J8ZC3F0QWXY9KJ4R6T2V5BNM`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRetry,
}

func runRetry(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		if err := c.log.Retry(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Requeued %s\n", args[0])
		return nil
	}

	n, err := c.log.RetryAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Requeued %d mutation(s)\n", n)
	return nil
}
