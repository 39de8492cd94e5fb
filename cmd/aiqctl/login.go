package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aiqsync.dev/config"
	"aiqsync.dev/engine"
	"aiqsync.dev/session"
)

func newLoginCmd(v *viper.Viper) *cobra.Command {
	var username, password, organization string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a new session against the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			e, err := engine.Open(cfg)
			if err != nil {
				return err
			}
			defer e.Stop()

			ctx := context.Background()
			if err := e.OpenSession(ctx, session.OpenConfig{
				Username:     username,
				Password:     password,
				Organization: organization,
			}); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			fmt.Println("session opened")
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&organization, "organization", "", "organization name")
	return cmd
}
