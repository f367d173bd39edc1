package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "patent-signals",
		Short:         "Patent trend-signal and alert engine",
		Long:          "Aggregates weekly patent filings, detects acceleration, scores novelty and raises debounced watchlist alerts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $PATENT_SIGNALS_CONFIG)")
	rootCmd.AddCommand(serveCmd, runCmd, alertsCmd, schemaCmd, watchlistsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
