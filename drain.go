package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"go-tasksync/config"

	"github.com/spf13/cobra"
)

func drainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process one batch of the sync queue and print the outcomes",
		Long: `Runs a single queue drain and exits. Meant for cron or any other
external scheduler when the in-process drain worker is off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
				cfg.Sync.BatchSize = n
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.processor.ProcessPending(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"processed_count": len(results),
				"results":         results,
			})
		},
	}

	cmd.Flags().IntP("batch-size", "n", 0, "Override SYNC_BATCH_SIZE for this run")
	return cmd
}
