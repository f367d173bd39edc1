package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/patentradar/patent-signals/internal/cache"
	"github.com/patentradar/patent-signals/internal/metrics"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

// ErrRunInProgress is returned when another process holds the lease for the same run kind.
var ErrRunInProgress = errors.New("run already in progress")

// unit is one independently retried piece of a run: a patent, a grouping key or a watchlist.
type unit struct {
	name string
	do   func(ctx context.Context) error
}

// execute wraps a run body with the lease, tracing, metrics and summary bookkeeping.
func (e *Engine) execute(ctx context.Context, kind models.RunKind, body func(ctx context.Context, t *models.RunTracker) error) (models.RunSummary, error) {
	ctx, span := e.tracer.Start(ctx, "run."+string(kind))
	defer span.End()

	lease, err := cache.AcquireLease(ctx, e.cache, "run:"+string(kind), e.cfg.Cache.RunLeaseTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			err = utils.NewAppError("engine."+string(kind), utils.KindInvalidTransition, "another instance is running", ErrRunInProgress)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.notify(kind, models.RunSummary{}, err)
		return models.RunSummary{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("run lease release failed", slog.String("run", string(kind)), slog.Any("error", err))
		}
	}()

	tracker := models.NewRunTracker(kind, e.now().UTC())
	runErr := body(ctx, tracker)
	summary := tracker.Finish(e.now().UTC())
	duration := summary.FinishedAt.Sub(summary.StartedAt)

	outcome := metrics.OutcomeSuccess
	if runErr != nil {
		outcome = metrics.OutcomeError
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("run.processed", summary.Processed),
		attribute.Int("run.skipped", summary.Skipped),
		attribute.Int("run.failed", summary.Failed),
		attribute.Int("run.produced", summary.Produced),
	)
	metrics.ObserveRun(string(kind), duration, outcome)
	metrics.ObserveUnits(string(kind), summary.Processed, summary.Skipped, summary.Failed)

	e.latencies.Observe(duration)
	if count := e.latencies.Count(); count >= 20 && count%20 == 0 {
		e.logger.Info("run latency", slog.Duration("p95", e.latencies.Percentile(95)), slog.Int("samples", count))
	}

	attrs := []any{
		slog.String("run", string(kind)),
		slog.Int("processed", summary.Processed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("produced", summary.Produced),
		slog.Int("suppressed", summary.Suppressed),
		slog.Duration("duration", duration),
	}
	if runErr != nil {
		e.logger.Error("run aborted", append(attrs, slog.Any("error", runErr))...)
	} else {
		e.logger.Info("run finished", attrs...)
	}
	e.notify(kind, summary, runErr)
	return summary, runErr
}

func (e *Engine) notify(kind models.RunKind, summary models.RunSummary, err error) {
	if e.observer != nil {
		e.observer(kind, summary, err)
	}
}

// fanOut runs units with bounded concurrency. Per-unit failures are recorded on the
// tracker; only invariant violations and cancellation stop the run.
func (e *Engine) fanOut(ctx context.Context, t *models.RunTracker, units []unit) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.Runs.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, u := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := e.runUnit(gctx, u)
			switch {
			case err == nil:
				t.Record(u.name, models.UnitProcessed, "", nil)
			case utils.IsInvariant(err):
				t.Record(u.name, models.UnitFailed, string(utils.KindInvariant), err)
				return err
			case gctx.Err() != nil:
				return gctx.Err()
			case utils.IsDataIncomplete(err):
				e.logger.Info("unit skipped", slog.String("unit", u.name), slog.Any("error", err))
				t.Record(u.name, models.UnitSkipped, string(utils.KindDataIncomplete), err)
			default:
				e.logger.Warn("unit failed", slog.String("unit", u.name), slog.Any("error", err))
				t.Record(u.name, models.UnitFailed, string(utils.KindOf(err)), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runUnit retries transient failures of one unit, bounding each attempt by the unit timeout.
func (e *Engine) runUnit(ctx context.Context, u unit) error {
	ctx, span := e.tracer.Start(ctx, "unit")
	defer span.End()
	span.SetAttributes(attribute.String("unit", u.name))

	_, err := utils.Retry(ctx, e.retry, func(ctx context.Context) (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Runs.UnitTimeout)
		defer cancel()
		err := u.do(attemptCtx)
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !utils.IsTransient(err) {
			err = utils.Transient("engine.unit", u.name+" timed out", err)
		}
		return struct{}{}, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// fetch retries a run-level collaborator read.
func fetch[T any](ctx context.Context, e *Engine, op func(context.Context) (T, error)) (T, error) {
	return utils.Retry(ctx, e.retry, func(ctx context.Context) (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Runs.UnitTimeout)
		defer cancel()
		return op(attemptCtx)
	})
}

func sinceCursor(cursor time.Time, ok bool, overlap, lookback time.Duration, now time.Time) time.Time {
	if !ok {
		return now.Add(-lookback)
	}
	return cursor.Add(-overlap)
}
