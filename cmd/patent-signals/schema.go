package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
)

var (
	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Manage the relational schema",
	}

	schemaInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Create tables for local development and tests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := commandApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if err := a.store.EnsureSchema(ctx); err != nil {
				return err
			}
			a.logger.Info("schema ready", slog.String("driver", a.cfg.Store.Driver))
			return nil
		},
	}
)

func init() {
	schemaCmd.AddCommand(schemaInitCmd)
}
