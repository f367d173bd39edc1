package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/patentradar/patent-signals/internal/models"
)

var (
	watchlistsCmd = &cobra.Command{
		Use:   "watchlists",
		Short: "Load watchlist fixtures for local development",
	}

	watchlistsLoadCmd = &cobra.Command{
		Use:   "load FILE",
		Short: "Create or replace the watchlists defined in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watchlists, err := readWatchlists(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				ids := make([]string, 0, len(watchlists))
				for _, w := range watchlists {
					if err := w.Validate(); err != nil {
						return nil, err
					}
					if err := a.store.SaveWatchlist(ctx, w); err != nil {
						return nil, err
					}
					ids = append(ids, w.ID)
				}
				return map[string]any{"loaded": ids}, nil
			})
		},
	}
)

func init() {
	watchlistsCmd.AddCommand(watchlistsLoadCmd)
}

// readWatchlists decodes a YAML list using the watchlist's JSON field names.
func readWatchlists(path string) ([]models.Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var out []models.Watchlist
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range out {
		if out[i].DigestCadence == "" {
			out[i].DigestCadence = models.CadenceDaily
		}
	}
	return out, nil
}
