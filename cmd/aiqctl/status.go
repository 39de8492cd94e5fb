package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aiqsync.dev/config"
	"aiqsync.dev/engine"
	"aiqsync.dev/model"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var solution string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report session and pending-document state",
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

			if e.Session == nil || !e.Session.IsOpen() {
				fmt.Println("session: closed")
				return nil
			}
			fmt.Println("session: open")

			pending, err := e.Sync.PendingCount(solution)
			if err != nil {
				return err
			}
			fmt.Printf("pending documents (%s): %d\n", solution, pending)
			return nil
		},
	}

	cmd.Flags().StringVar(&solution, "solution", "", "solution to inspect (defaults to the global solution)")
	return cmd
}
