package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patentradar/patent-signals/internal/aggregate"
	"github.com/patentradar/patent-signals/internal/metrics"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

const aggregationCursor = "aggregation"

// RunAggregation pulls patents published since the last cursor position and counts them
// into weekly bins. Records published after upTo wait for the next run. The cursor only
// advances when no patent failed, so failed patents are fetched again.
func (e *Engine) RunAggregation(ctx context.Context, upTo time.Time) (models.RunSummary, error) {
	const op = "engine.run_aggregation"
	if err := e.requireCollaborator(op, e.patents != nil, "ingestion"); err != nil {
		return models.RunSummary{}, err
	}
	if upTo.IsZero() {
		upTo = e.now()
	}
	upTo = upTo.UTC()

	return e.execute(ctx, models.RunAggregation, func(ctx context.Context, t *models.RunTracker) error {
		cursor, ok, err := e.store.Cursor(ctx, aggregationCursor)
		if err != nil {
			return err
		}
		from := sinceCursor(cursor, ok, e.cfg.Aggregation.CursorOverlap, e.cfg.Aggregation.InitialLookback, upTo)
		patents, err := fetch(ctx, e, func(ctx context.Context) ([]models.PatentRecord, error) {
			return e.patents.FetchNewPatents(ctx, from)
		})
		if err != nil {
			return err
		}
		patents = publishedBy(patents, upTo)
		e.logger.Info("aggregating patents",
			slog.Int("patents", len(patents)),
			slog.Time("since", from),
			slog.Time("up_to", upTo))

		var (
			mu      sync.Mutex
			result  aggregate.UpdateResult
			touched = make(map[models.GroupingKey]struct{})
		)
		units := make([]unit, 0, len(patents))
		for _, p := range patents {
			units = append(units, unit{name: p.ID, do: func(ctx context.Context) error {
				p, err := e.withTopic(ctx, p)
				if err != nil {
					return err
				}
				res, err := e.aggregator.IngestOne(ctx, p)
				if err != nil {
					return err
				}
				mu.Lock()
				aggregate.Merge(&result, touched, res)
				mu.Unlock()
				return nil
			}})
		}
		if err := e.fanOut(ctx, t, units); err != nil {
			return err
		}

		result = aggregate.Collect(result, touched)
		t.AddProduced(len(result.UpdatedKeys))
		t.AddLate(result.Late)
		metrics.LateContributions(result.Late)
		if result.Duplicates > 0 {
			e.logger.Debug("duplicate patents ignored", slog.Int("duplicates", result.Duplicates))
		}

		if t.Summary().Failed > 0 {
			e.logger.Warn("aggregation cursor held back after failed patents", slog.Time("cursor", cursor))
			return nil
		}
		return e.store.AdvanceCursor(ctx, aggregationCursor, upTo)
	})
}

// withTopic fills the topic from the clustering collaborator when the feed left it empty.
// A missing collaborator or an unassigned patent keeps the CPC-only keys.
func (e *Engine) withTopic(ctx context.Context, p models.PatentRecord) (models.PatentRecord, error) {
	if p.TopicID != nil || e.topics == nil {
		return p, nil
	}
	topic, err := e.topics.TopicOf(ctx, p.ID)
	if err != nil {
		if utils.IsTransient(err) {
			return p, err
		}
		e.logger.Warn("topic lookup failed; counting CPC keys only",
			slog.String("patent_id", p.ID), slog.Any("error", err))
		return p, nil
	}
	p.TopicID = topic
	return p, nil
}

// publishedBy keeps records published (or, lacking a publication date, filed) at or before upTo.
func publishedBy(patents []models.PatentRecord, upTo time.Time) []models.PatentRecord {
	out := patents[:0:0]
	for _, p := range patents {
		at := p.PublicationDate
		if at.IsZero() {
			at = p.FilingDate
		}
		if at.After(upTo) {
			continue
		}
		out = append(out, p)
	}
	return out
}
