package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

var (
	upToFlag      string
	periodEndFlag string
	sinceFlag     string
	patentIDsFlag []string
	watchlistFlag string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Execute one batch run and print its summary",
	}

	runAggregateCmd = &cobra.Command{
		Use:   "aggregate",
		Short: "Count newly published patents into weekly bins",
		RunE: summaryCommand(func(ctx context.Context, a *app) (models.RunSummary, error) {
			upTo, err := optionalDate("up-to", upToFlag)
			if err != nil {
				return models.RunSummary{}, err
			}
			if !upTo.IsZero() {
				upTo = upTo.AddDate(0, 0, 1).Add(-time.Nanosecond)
			}
			return a.engine.RunAggregation(ctx, upTo)
		}),
	}

	runDetectCmd = &cobra.Command{
		Use:   "detect",
		Short: "Recompute acceleration signals for a week (default: last completed week)",
		RunE: summaryCommand(func(ctx context.Context, a *app) (models.RunSummary, error) {
			periodEnd, err := optionalDate("period-end", periodEndFlag)
			if err != nil {
				return models.RunSummary{}, err
			}
			return a.engine.RunAccelerationDetection(ctx, periodEnd)
		}),
	}

	runScoreCmd = &cobra.Command{
		Use:   "score",
		Short: "Score novelty of new patents, or of the given patent ids",
		RunE: summaryCommand(func(ctx context.Context, a *app) (models.RunSummary, error) {
			since, err := optionalDate("since", sinceFlag)
			if err != nil {
				return models.RunSummary{}, err
			}
			if len(patentIDsFlag) == 0 {
				return a.engine.ScoreNewPatents(ctx, since)
			}
			batch, err := fetchByID(ctx, a, since, patentIDsFlag)
			if err != nil {
				return models.RunSummary{}, err
			}
			return a.engine.RunNoveltyScoring(ctx, batch)
		}),
	}

	runEvaluateCmd = &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one watchlist, or all active watchlists",
		RunE: summaryCommand(func(ctx context.Context, a *app) (models.RunSummary, error) {
			return a.engine.RunWatchlistEvaluation(ctx, watchlistFlag)
		}),
	}
)

func init() {
	runAggregateCmd.Flags().StringVar(&upToFlag, "up-to", "", "Last publication date to include (YYYY-MM-DD, default now)")
	runDetectCmd.Flags().StringVar(&periodEndFlag, "period-end", "", "Any date in the ISO week to evaluate (YYYY-MM-DD)")
	runScoreCmd.Flags().StringVar(&sinceFlag, "since", "", "Score patents published since this date (default: scoring cursor)")
	runScoreCmd.Flags().StringSliceVar(&patentIDsFlag, "patent-ids", nil, "Restrict scoring to these patent ids")
	runEvaluateCmd.Flags().StringVar(&watchlistFlag, "watchlist", "", "Watchlist id (default: all active)")
	runCmd.AddCommand(runAggregateCmd, runDetectCmd, runScoreCmd, runEvaluateCmd)
}

func summaryCommand(run func(ctx context.Context, a *app) (models.RunSummary, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := commandApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		summary, err := run(ctx, a)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%s: %d of %d units failed", summary.Run, summary.Failed,
				summary.Processed+summary.Skipped+summary.Failed)
		}
		return nil
	}
}

// fetchByID pulls patents from the ingestion collaborator and keeps the requested ids.
func fetchByID(ctx context.Context, a *app, since time.Time, ids []string) ([]models.PatentRecord, error) {
	if a.ingestion == nil {
		return nil, utils.Configuration("cli.score", "ingestion collaborator not configured", nil)
	}
	if since.IsZero() {
		since = time.Now().Add(-a.cfg.Aggregation.InitialLookback)
	}
	patents, err := a.ingestion.FetchNewPatents(ctx, since)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[strings.TrimSpace(id)] = struct{}{}
	}
	batch := make([]models.PatentRecord, 0, len(ids))
	for _, p := range patents {
		if _, ok := wanted[p.ID]; ok {
			batch = append(batch, p)
			delete(wanted, p.ID)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for id := range wanted {
			missing = append(missing, id)
		}
		a.logger.Warn("patents not returned by ingestion", "patent_ids", missing)
	}
	return batch, nil
}

func optionalDate(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := utils.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}
