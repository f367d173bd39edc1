package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/patentradar/patent-signals/internal/metrics"
	"github.com/patentradar/patent-signals/internal/models"
)

const scoringCursor = "novelty_scoring"

// RunNoveltyScoring scores each patent of the batch against its nearest neighbours and
// stores the result as the active score for the current model version. Calibration is
// snapshotted once per run.
func (e *Engine) RunNoveltyScoring(ctx context.Context, batch []models.PatentRecord) (models.RunSummary, error) {
	const op = "engine.run_novelty_scoring"
	if err := e.requireCollaborator(op, e.index != nil, "neighbour index"); err != nil {
		return models.RunSummary{}, err
	}
	return e.execute(ctx, models.RunScoring, func(ctx context.Context, t *models.RunTracker) error {
		return e.scoreBatch(ctx, t, batch)
	})
}

// ScoreNewPatents fetches patents published since the scoring cursor (or since, when
// set) and scores them. The cursor advances only when nothing failed.
func (e *Engine) ScoreNewPatents(ctx context.Context, since time.Time) (models.RunSummary, error) {
	const op = "engine.score_new_patents"
	if err := e.requireCollaborator(op, e.index != nil, "neighbour index"); err != nil {
		return models.RunSummary{}, err
	}
	if err := e.requireCollaborator(op, e.patents != nil, "ingestion"); err != nil {
		return models.RunSummary{}, err
	}
	now := e.now().UTC()

	return e.execute(ctx, models.RunScoring, func(ctx context.Context, t *models.RunTracker) error {
		from := since
		if from.IsZero() {
			cursor, ok, err := e.store.Cursor(ctx, scoringCursor)
			if err != nil {
				return err
			}
			from = sinceCursor(cursor, ok, e.cfg.Aggregation.CursorOverlap, e.cfg.Aggregation.InitialLookback, now)
		}
		batch, err := fetch(ctx, e, func(ctx context.Context) ([]models.PatentRecord, error) {
			return e.patents.FetchNewPatents(ctx, from)
		})
		if err != nil {
			return err
		}
		if err := e.scoreBatch(ctx, t, publishedBy(batch, now)); err != nil {
			return err
		}
		if t.Summary().Failed > 0 || !since.IsZero() {
			return nil
		}
		return e.store.AdvanceCursor(ctx, scoringCursor, now)
	})
}

func (e *Engine) scoreBatch(ctx context.Context, t *models.RunTracker, batch []models.PatentRecord) error {
	samples, err := e.store.RecentMeanDistances(ctx, e.cfg.Novelty.CalibrationWindow)
	if err != nil {
		return err
	}
	ranker := e.ranker.Calibrate(samples)
	cal := ranker.Calibration()
	e.logger.Info("scoring novelty",
		slog.Int("patents", len(batch)),
		slog.String("model_version", ranker.ModelVersion()),
		slog.Float64("calibration_min", cal.Min),
		slog.Float64("calibration_max", cal.Max),
		slog.Int("calibration_samples", len(samples)))

	units := make([]unit, 0, len(batch))
	for _, p := range batch {
		units = append(units, unit{name: p.ID, do: func(ctx context.Context) error {
			score, err := ranker.ScoreFromIndex(ctx, p, e.index)
			if err != nil {
				return err
			}
			if err := e.store.SaveScore(ctx, score); err != nil {
				return err
			}
			metrics.ObserveNoveltyScore(score.Score)
			t.AddProduced(1)
			return nil
		}})
	}
	return e.fanOut(ctx, t, units)
}
