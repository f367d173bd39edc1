package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

// ContributionStore persists bin increments together with their idempotency ledger rows.
type ContributionStore interface {
	AddContribution(ctx context.Context, c store.Contribution) ([]models.GroupingKey, error)
}

// Aggregator buckets patents into weekly bins per grouping key.
type Aggregator struct {
	store    ContributionStore
	lateness time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator creates an Aggregator. Weeks older than lateness are still counted but
// reported as late.
func NewAggregator(s ContributionStore, lateness time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: s, lateness: lateness, logger: utils.LoggerOrDefault(logger), now: time.Now}
}

// PatentResult describes what one patent changed.
type PatentResult struct {
	PatentID  string
	WeekStart time.Time
	Added     []models.GroupingKey
	Duplicate bool
	Late      bool
}

// IngestOne applies a single patent's contributions. Invalid records surface as
// DataIncomplete; store failures keep their transient classification.
func (a *Aggregator) IngestOne(ctx context.Context, p models.PatentRecord) (PatentResult, error) {
	const op = "aggregate.ingest"
	if err := p.Validate(); err != nil {
		return PatentResult{PatentID: p.ID}, utils.DataIncomplete(op, "invalid patent record", err)
	}
	keys := p.GroupingKeys()
	if len(keys) == 0 {
		return PatentResult{PatentID: p.ID}, utils.DataIncomplete(op, "patent "+p.ID+" has no CPC codes or topic", nil)
	}

	week := utils.WeekStart(p.FilingDate)
	added, err := a.store.AddContribution(ctx, store.Contribution{
		PatentID:    p.ID,
		AssigneeIDs: p.AssigneeIDs,
		WeekStart:   week,
		Keys:        keys,
	})
	if err != nil {
		return PatentResult{PatentID: p.ID}, err
	}

	res := PatentResult{
		PatentID:  p.ID,
		WeekStart: week,
		Added:     added,
		Duplicate: len(added) == 0,
		Late:      len(added) > 0 && a.IsLate(week),
	}
	if res.Late {
		a.logger.Info("late contribution counted into historical bin",
			slog.String("patent_id", p.ID),
			slog.String("week_start", week.Format(time.DateOnly)))
	}
	return res, nil
}

// IsLate reports whether week closed before the lateness window.
func (a *Aggregator) IsLate(week time.Time) bool {
	return utils.WeekEnd(week).AddDate(0, 0, 1).Before(a.now().Add(-a.lateness))
}

// UpdateResult summarises an Ingest call.
type UpdateResult struct {
	UpdatedKeys []models.GroupingKey
	Counted     int
	Duplicates  int
	Late        int
	Skipped     int
}

// Ingest applies patents serially and returns the distinct keys whose bins changed.
// The first non-DataIncomplete error stops the batch; committed patents stay counted.
func (a *Aggregator) Ingest(ctx context.Context, patents []models.PatentRecord) (UpdateResult, error) {
	var out UpdateResult
	touched := make(map[models.GroupingKey]struct{})
	for _, p := range patents {
		if err := ctx.Err(); err != nil {
			return Collect(out, touched), err
		}
		res, err := a.IngestOne(ctx, p)
		if err != nil {
			if utils.IsDataIncomplete(err) {
				out.Skipped++
				a.logger.Info("patent skipped", slog.String("patent_id", p.ID), slog.Any("error", err))
				continue
			}
			return Collect(out, touched), err
		}
		Merge(&out, touched, res)
	}
	return Collect(out, touched), nil
}

// Merge folds one patent result into a running UpdateResult.
func Merge(out *UpdateResult, touched map[models.GroupingKey]struct{}, res PatentResult) {
	if res.Duplicate {
		out.Duplicates++
		return
	}
	out.Counted++
	if res.Late {
		out.Late++
	}
	for _, k := range res.Added {
		touched[k] = struct{}{}
	}
}

// Collect attaches the sorted touched keys to out.
func Collect(out UpdateResult, touched map[models.GroupingKey]struct{}) UpdateResult {
	out.UpdatedKeys = make([]models.GroupingKey, 0, len(touched))
	for k := range touched {
		out.UpdatedKeys = append(out.UpdatedKeys, k)
	}
	sort.Slice(out.UpdatedKeys, func(i, j int) bool {
		return out.UpdatedKeys[i].String() < out.UpdatedKeys[j].String()
	})
	return out
}
