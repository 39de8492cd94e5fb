package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aiqsync.dev/config"
	"aiqsync.dev/engine"
	"aiqsync.dev/model"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	var solution string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one pull/push cycle for a solution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if solution == "" {
				solution = model.GlobalSolution
			}

			e, err := engine.Open(cfg)
			if err != nil {
				return err
			}
			defer e.Stop()

			if e.Sync == nil {
				return fmt.Errorf("no session open; run 'aiqctl login' first")
			}

			ctx := context.Background()
			if err := e.Sync.Pull(ctx, solution); err != nil {
				return fmt.Errorf("pull failed: %w", err)
			}
			if err := e.Sync.EnqueuePending(solution, e.Queue); err != nil {
				return fmt.Errorf("enqueue pending documents failed: %w", err)
			}

			// The CLI is a one-shot demo harness, not a long-running process:
			// give submitted pushes a fixed window to drain rather than
			// tracking per-operation completion.
			e.Queue.Start(ctx)
			time.Sleep(2 * time.Second)
			e.Queue.Stop()

			pending, err := e.Sync.PendingCount(solution)
			if err != nil {
				return err
			}
			fmt.Printf("sync cycle complete: %d document(s) still pending\n", pending)
			return nil
		},
	}

	cmd.Flags().StringVar(&solution, "solution", "", "solution to sync (defaults to the global solution)")
	return cmd
}
