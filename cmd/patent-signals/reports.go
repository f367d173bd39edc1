package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/patentradar/patent-signals/internal/engine"
	"github.com/patentradar/patent-signals/internal/models"
)

var (
	trendsQuery = engine.TrendQuery{MinZScore: 1.5, PeriodDays: 90, Limit: 20}
	novelDays   int
	novelLimit  int

	trendsCmd = &cobra.Command{
		Use:   "trends",
		Short: "List accelerating CPC codes and topics by their newest estimate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				trends, err := a.engine.ListTrends(ctx, trendsQuery)
				if trends == nil {
					trends = []models.TrendSignal{}
				}
				return trends, err
			})
		},
	}

	novelCmd = &cobra.Command{
		Use:   "novel",
		Short: "Rank recently published patents by novelty score",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				scores, err := a.engine.TopNovelPatents(ctx, novelDays, novelLimit)
				if scores == nil {
					scores = []models.NoveltyScore{}
				}
				return scores, err
			})
		},
	}
)

func init() {
	trendsCmd.Flags().Float64Var(&trendsQuery.MinZScore, "min-z", trendsQuery.MinZScore, "Minimum z-score")
	trendsCmd.Flags().IntVar(&trendsQuery.PeriodDays, "period-days", trendsQuery.PeriodDays, "Only periods ending within this many days")
	trendsCmd.Flags().IntVar(&trendsQuery.Limit, "limit", trendsQuery.Limit, "Maximum keys returned")
	novelCmd.Flags().IntVar(&novelDays, "days", 7, "Publication lookback in days")
	novelCmd.Flags().IntVar(&novelLimit, "limit", 10, "Maximum patents returned")
	rootCmd.AddCommand(trendsCmd, novelCmd)
}
