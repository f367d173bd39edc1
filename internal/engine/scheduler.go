package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/patentradar/patent-signals/internal/config"
	"github.com/patentradar/patent-signals/internal/models"
)

// Scheduler triggers the batch runs on fixed intervals in serve mode.
type Scheduler struct {
	engine *Engine
	cfg    config.ScheduleConfig
	logger *slog.Logger
}

// NewScheduler builds a Scheduler. Jobs with a zero interval are not scheduled.
func NewScheduler(e *Engine, cfg config.ScheduleConfig) *Scheduler {
	return &Scheduler{engine: e, cfg: cfg, logger: e.logger}
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context, now time.Time) (models.RunSummary, error)
}

func (s *Scheduler) jobs() []job {
	e := s.engine
	all := []job{
		{"aggregation", s.cfg.AggregationInterval, func(ctx context.Context, now time.Time) (models.RunSummary, error) {
			return e.RunAggregation(ctx, now)
		}},
		{"novelty_scoring", s.cfg.ScoringInterval, func(ctx context.Context, _ time.Time) (models.RunSummary, error) {
			return e.ScoreNewPatents(ctx, time.Time{})
		}},
		{"acceleration_detection", s.cfg.DetectionInterval, func(ctx context.Context, now time.Time) (models.RunSummary, error) {
			return e.RunAccelerationDetection(ctx, LastCompletedWeek(now))
		}},
		{"watchlist_evaluation", s.cfg.EvaluationInterval, func(ctx context.Context, _ time.Time) (models.RunSummary, error) {
			return e.RunWatchlistEvaluation(ctx, "")
		}},
	}
	out := all[:0]
	for _, j := range all {
		if j.interval > 0 {
			out = append(out, j)
		}
	}
	return out
}

// Run blocks until ctx is cancelled. Each job runs once at start and then on every tick;
// a failed run is logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs() {
		s.logger.Info("scheduled run", slog.String("run", j.name), slog.Duration("interval", j.interval))
		g.Go(func() error {
			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()
			s.trigger(ctx, j, time.Now())
			for {
				select {
				case t := <-ticker.C:
					s.trigger(ctx, j, t)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (s *Scheduler) trigger(ctx context.Context, j job, now time.Time) {
	summary, err := j.run(ctx, now)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("run skipped; held by another instance", slog.String("run", j.name))
	case ctx.Err() != nil:
	default:
		s.logger.Error("scheduled run failed", slog.String("run", j.name), slog.Any("error", err),
			slog.Int("failed_units", summary.Failed))
	}
}
