package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

// TrendQuery selects accelerating keys for ListTrends.
type TrendQuery struct {
	MinZScore  float64
	PeriodDays int
	Limit      int
}

// ListTrends returns the newest estimate of every key whose period ended within the last
// PeriodDays, keeping those at or above MinZScore, strongest first.
func (e *Engine) ListTrends(ctx context.Context, q TrendQuery) ([]models.TrendSignal, error) {
	const op = "engine.list_trends"
	if q.PeriodDays < 1 || q.Limit < 1 || q.MinZScore < 0 {
		return nil, utils.Configuration(op,
			fmt.Sprintf("invalid trend query: period_days=%d limit=%d min_z_score=%g", q.PeriodDays, q.Limit, q.MinZScore), nil)
	}
	ctx, span := e.tracer.Start(ctx, "trends.list")
	defer span.End()
	span.SetAttributes(attribute.Float64("min_z_score", q.MinZScore), attribute.Int("period_days", q.PeriodDays))

	signals, err := e.store.ListSignals(ctx, store.SignalFilter{
		PeriodEndFrom: e.now().UTC().AddDate(0, 0, -q.PeriodDays),
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.TrendSignal, 0, q.Limit)
	for _, s := range latestPerKey(signals) {
		if s.ZScore > 0 && s.ZScore >= q.MinZScore {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ZScore != out[j].ZScore {
			return out[i].ZScore > out[j].ZScore
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// TopNovelPatents returns the highest active novelty scores of patents published in the
// last days days.
func (e *Engine) TopNovelPatents(ctx context.Context, days, limit int) ([]models.NoveltyScore, error) {
	const op = "engine.top_novel_patents"
	if days < 1 || limit < 1 {
		return nil, utils.Configuration(op, fmt.Sprintf("invalid novelty query: days=%d limit=%d", days, limit), nil)
	}
	ctx, span := e.tracer.Start(ctx, "novelty.top")
	defer span.End()
	span.SetAttributes(attribute.Int("days", days), attribute.Int("limit", limit))

	since := e.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -days)
	return e.store.TopActiveScores(ctx, since, limit)
}
