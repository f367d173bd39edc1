package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

// Contribution is one patent's share of the weekly bins: every grouping key it falls
// under, in the week of its filing date.
type Contribution struct {
	PatentID    string
	AssigneeIDs []string
	WeekStart   time.Time
	Keys        []models.GroupingKey
}

// AddContribution increments the bin for each key the patent has not yet contributed to
// and records the ledger row in the same transaction. It returns the keys that were
// newly counted; a re-ingested patent yields none.
func (s *Store) AddContribution(ctx context.Context, c Contribution) ([]models.GroupingKey, error) {
	const op = "store.add_contribution"
	week := formatDate(c.WeekStart)
	now := millis(s.now())
	var added []models.GroupingKey

	err := s.inTx(ctx, op, func(tx *sqlx.Tx) error {
		added = added[:0]
		for _, key := range c.Keys {
			res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO bin_contributions
				(patent_id, key_kind, key_value, week_start, recorded_at) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (patent_id, key_kind, key_value) DO NOTHING`),
				c.PatentID, string(key.Kind), key.Value, week, now)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO weekly_bins
				(key_kind, key_value, week_start, filings, updated_at) VALUES (?, ?, ?, 1, ?)
				ON CONFLICT (key_kind, key_value, week_start)
				DO UPDATE SET filings = weekly_bins.filings + 1, updated_at = excluded.updated_at`),
				string(key.Kind), key.Value, week, now); err != nil {
				return err
			}
			for _, assignee := range c.AssigneeIDs {
				if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO assignee_contributions
					(assignee_id, patent_id, key_kind, key_value, week_start) VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (assignee_id, patent_id, key_kind, key_value) DO NOTHING`),
					assignee, c.PatentID, string(key.Kind), key.Value, week); err != nil {
					return err
				}
			}
			added = append(added, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// KeyHistory describes a grouping key and the first week it received a filing.
type KeyHistory struct {
	Key       models.GroupingKey
	FirstWeek time.Time
}

// KeysWithBins lists every grouping key that has at least one bin at or before upTo.
func (s *Store) KeysWithBins(ctx context.Context, upTo time.Time) ([]KeyHistory, error) {
	const op = "store.keys_with_bins"
	var rows []struct {
		Kind      string `db:"key_kind"`
		Value     string `db:"key_value"`
		FirstWeek string `db:"first_week"`
	}
	q, args, err := s.sb.Select("key_kind", "key_value", "MIN(week_start) AS first_week").
		From("weekly_bins").
		Where(sq.LtOrEq{"week_start": formatDate(upTo)}).
		GroupBy("key_kind", "key_value").
		OrderBy("key_kind", "key_value").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(op, err)
	}
	out := make([]KeyHistory, 0, len(rows))
	for _, r := range rows {
		first, err := parseDate(r.FirstWeek)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, KeyHistory{Key: models.GroupingKey{Kind: models.KeyKind(r.Kind), Value: r.Value}, FirstWeek: first})
	}
	return out, nil
}

// BinSeries returns the non-empty bins for key with from <= week_start <= to, oldest first.
func (s *Store) BinSeries(ctx context.Context, key models.GroupingKey, from, to time.Time) ([]models.WeeklyBin, error) {
	const op = "store.bin_series"
	var rows []struct {
		WeekStart string `db:"week_start"`
		Filings   int    `db:"filings"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT week_start, filings FROM weekly_bins
		WHERE key_kind = ? AND key_value = ? AND week_start >= ? AND week_start <= ?
		ORDER BY week_start`), string(key.Kind), key.Value, formatDate(from), formatDate(to))
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]models.WeeklyBin, 0, len(rows))
	for _, r := range rows {
		if r.Filings < 0 {
			return nil, utils.Invariant(op, fmt.Sprintf("negative count for %s week %s", key, r.WeekStart), nil)
		}
		week, err := parseDate(r.WeekStart)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, models.WeeklyBin{Key: key, WeekStart: week, Count: r.Filings})
	}
	return out, nil
}

// HistoricalFilings counts the assignee's filings under key that are not in exclude.
// Zero means the pair never appeared before the patents in exclude.
func (s *Store) HistoricalFilings(ctx context.Context, assigneeID string, key models.GroupingKey, exclude []string) (int, error) {
	const op = "store.historical_filings"
	b := s.sb.Select("COUNT(DISTINCT patent_id)").
		From("assignee_contributions").
		Where(sq.Eq{"assignee_id": assigneeID, "key_kind": string(key.Kind), "key_value": key.Value})
	if len(exclude) > 0 {
		b = b.Where(sq.NotEq{"patent_id": exclude})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: build query: %w", op, err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}
