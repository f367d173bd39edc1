package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/patentradar/patent-signals/internal/models"
)

var (
	alertsWatchlistFlag string

	alertsCmd = &cobra.Command{
		Use:   "alerts",
		Short: "Inspect and triage alerts",
	}

	alertsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List active alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				alerts, err := a.engine.GetActiveAlerts(ctx, alertsWatchlistFlag)
				if alerts == nil {
					alerts = []models.Alert{}
				}
				return alerts, err
			})
		},
	}

	alertsAckCmd = &cobra.Command{
		Use:   "ack ALERT_ID",
		Short: "Acknowledge an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.engine.AcknowledgeAlert(ctx, args[0])
			})
		},
	}

	alertsDismissCmd = &cobra.Command{
		Use:   "dismiss ALERT_ID",
		Short: "Dismiss an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.engine.DismissAlert(ctx, args[0])
			})
		},
	}
)

func init() {
	alertsListCmd.Flags().StringVar(&alertsWatchlistFlag, "watchlist", "", "Only alerts of this watchlist")
	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd, alertsDismissCmd)
}

// withApp wires the app, runs fn and prints its result as JSON.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx := cmd.Context()
	a, err := commandApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
