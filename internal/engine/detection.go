package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

// RunAccelerationDetection recomputes the signal of every grouping key for the ISO week
// containing periodEnd. Keys are independent units; short histories are skipped.
func (e *Engine) RunAccelerationDetection(ctx context.Context, periodEnd time.Time) (models.RunSummary, error) {
	if periodEnd.IsZero() {
		periodEnd = LastCompletedWeek(e.now())
	}
	periodEnd = utils.WeekEnd(periodEnd.UTC())

	return e.execute(ctx, models.RunDetection, func(ctx context.Context, t *models.RunTracker) error {
		keys, err := fetch(ctx, e, func(ctx context.Context) ([]store.KeyHistory, error) {
			return e.detector.Keys(ctx, periodEnd)
		})
		if err != nil {
			return err
		}
		e.logger.Info("detecting acceleration",
			slog.Int("keys", len(keys)),
			slog.String("period_end", periodEnd.Format(time.DateOnly)))

		units := make([]unit, 0, len(keys))
		for _, kh := range keys {
			units = append(units, unit{name: kh.Key.String(), do: func(ctx context.Context) error {
				res, err := e.detector.DetectKey(ctx, kh, periodEnd)
				if err != nil {
					return err
				}
				if res.Written {
					t.AddProduced(1)
				}
				return nil
			}})
		}
		return e.fanOut(ctx, t, units)
	})
}

// LastCompletedWeek returns the Sunday closing the ISO week before the one containing now.
func LastCompletedWeek(now time.Time) time.Time {
	return utils.WeekStart(now.UTC()).AddDate(0, 0, -1)
}
