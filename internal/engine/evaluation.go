package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/patentradar/patent-signals/internal/delivery"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

// evaluationInput is read once per run and shared by every watchlist unit.
type evaluationInput struct {
	signals []models.TrendSignal
	scores  []models.NoveltyScore
	patents []models.PatentRecord
}

// RunWatchlistEvaluation matches one watchlist, or every active watchlist when
// watchlistID is empty, against recent signals, scores and filings. Candidates go
// through the debounce rule; due digests are handed to the deliverer.
func (e *Engine) RunWatchlistEvaluation(ctx context.Context, watchlistID string) (models.RunSummary, error) {
	const op = "engine.run_watchlist_evaluation"
	now := e.now().UTC()

	return e.execute(ctx, models.RunEvaluation, func(ctx context.Context, t *models.RunTracker) error {
		var watchlists []models.Watchlist
		if watchlistID != "" {
			w, err := e.store.GetWatchlist(ctx, watchlistID)
			if err != nil {
				return err
			}
			if !w.Active {
				t.Record(w.ID, models.UnitSkipped, string(utils.KindDataIncomplete),
					utils.DataIncomplete(op, "watchlist "+w.ID+" is inactive", nil))
				return nil
			}
			watchlists = append(watchlists, w)
		} else {
			all, err := e.store.ListActiveWatchlists(ctx)
			if err != nil {
				return err
			}
			watchlists = all
		}
		if len(watchlists) == 0 {
			return nil
		}

		in, err := e.loadEvaluationInput(ctx, now)
		if err != nil {
			return err
		}
		e.logger.Info("evaluating watchlists",
			slog.Int("watchlists", len(watchlists)),
			slog.Int("signals", len(in.signals)),
			slog.Int("scores", len(in.scores)),
			slog.Int("patents", len(in.patents)))

		units := make([]unit, 0, len(watchlists))
		for _, w := range watchlists {
			created := make(map[string]struct{})
			units = append(units, unit{name: w.ID, do: func(ctx context.Context) error {
				return e.evaluateWatchlist(ctx, t, w, in, now, created)
			}})
		}
		return e.fanOut(ctx, t, units)
	})
}

func (e *Engine) loadEvaluationInput(ctx context.Context, now time.Time) (evaluationInput, error) {
	lookback := e.cfg.Matching.Lookback
	var in evaluationInput

	// A key whose newest period is no longer significant must not alert on an older one,
	// so the significance filter runs after the latest row per key is chosen.
	signals, err := fetch(ctx, e, func(ctx context.Context) ([]models.TrendSignal, error) {
		return e.store.ListSignals(ctx, store.SignalFilter{
			PeriodEndFrom: now.Add(-lookback).Add(-utils.Week),
		})
	})
	if err != nil {
		return in, err
	}
	in.signals = significant(latestPerKey(signals))

	if e.patents == nil {
		e.logger.Warn("ingestion collaborator not configured; evaluating signals only")
		return in, nil
	}
	patents, err := fetch(ctx, e, func(ctx context.Context) ([]models.PatentRecord, error) {
		return e.patents.FetchNewPatents(ctx, now.Add(-lookback))
	})
	if err != nil {
		return in, err
	}
	if len(patents) == 0 {
		return in, nil
	}
	for i, p := range patents {
		patents[i], err = fetch(ctx, e, func(ctx context.Context) (models.PatentRecord, error) {
			return e.withTopic(ctx, p)
		})
		if err != nil {
			return in, err
		}
	}
	in.patents = patents

	ids := make([]string, 0, len(patents))
	for _, p := range patents {
		ids = append(ids, p.ID)
	}
	in.scores, err = fetch(ctx, e, func(ctx context.Context) ([]models.NoveltyScore, error) {
		return e.store.ActiveScores(ctx, ids)
	})
	return in, err
}

// evaluateWatchlist runs once per attempt of the watchlist unit. created carries the ids
// of alerts inserted by earlier attempts so a retry does not count them as suppressed;
// counts reach the tracker only when the attempt succeeds.
func (e *Engine) evaluateWatchlist(ctx context.Context, t *models.RunTracker, w models.Watchlist, in evaluationInput, now time.Time, created map[string]struct{}) error {
	from := now.Add(-e.cfg.Matching.Lookback)
	if w.LastAlertSentAt != nil && w.LastAlertSentAt.After(from) {
		from = *w.LastAlertSentAt
	}

	candidates, err := e.matcher.Match(ctx, w, in.signals, in.scores, publishedAfter(in.patents, from))
	if err != nil {
		return err
	}
	var produced, suppressed int
	for _, c := range candidates {
		out, err := e.alerts.CreateOrSuppress(ctx, c)
		if err != nil {
			return err
		}
		if out.Suppressed {
			if _, ours := created[out.HolderID]; ours {
				produced++
				continue
			}
			suppressed++
			continue
		}
		created[out.HolderID] = struct{}{}
		produced++
	}

	if e.deliverer != nil && w.DeliveryDue(now) {
		if err := e.deliver(ctx, w, now); err != nil {
			return err
		}
	}
	t.AddProduced(produced)
	t.AddSuppressed(suppressed)
	return nil
}

// deliver hands every undelivered active alert of w to the deliverer as one digest and
// marks them delivered. A failed handoff leaves them pending for the next run.
func (e *Engine) deliver(ctx context.Context, w models.Watchlist, now time.Time) error {
	pending, err := e.alerts.PendingDelivery(ctx, w.ID)
	if err != nil || len(pending) == 0 {
		return err
	}
	if err := e.deliverer.Deliver(ctx, delivery.NewDigest(w, pending, now)); err != nil {
		return err
	}
	for _, a := range pending {
		if _, err := e.alerts.MarkDelivered(ctx, a.ID); err != nil {
			return err
		}
	}
	e.logger.Info("digest delivered",
		slog.String("watchlist_id", w.ID),
		slog.String("cadence", string(w.DigestCadence)),
		slog.Int("alerts", len(pending)))
	return nil
}

// latestPerKey keeps the newest period per grouping key. Input is ordered newest first.
func latestPerKey(signals []models.TrendSignal) []models.TrendSignal {
	seen := make(map[models.GroupingKey]struct{}, len(signals))
	out := make([]models.TrendSignal, 0, len(signals))
	for _, s := range signals {
		if _, ok := seen[s.Key]; ok {
			continue
		}
		seen[s.Key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func significant(signals []models.TrendSignal) []models.TrendSignal {
	out := signals[:0]
	for _, s := range signals {
		if s.IsSignificant {
			out = append(out, s)
		}
	}
	return out
}

// publishedAfter keeps patents published on or after the calendar day of from.
func publishedAfter(patents []models.PatentRecord, from time.Time) []models.PatentRecord {
	day := from.UTC().Truncate(24 * time.Hour)
	out := make([]models.PatentRecord, 0, len(patents))
	for _, p := range patents {
		at := p.PublicationDate
		if at.IsZero() {
			at = p.FilingDate
		}
		if at.Before(day) {
			continue
		}
		out = append(out, p)
	}
	return out
}
