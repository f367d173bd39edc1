package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/patentradar/patent-signals/internal/models"
)

type signalRow struct {
	Kind           string  `db:"key_kind"`
	Value          string  `db:"key_value"`
	PeriodEnd      string  `db:"period_end"`
	CurrentCount   int     `db:"current_count"`
	ZScore         float64 `db:"z_score"`
	BaselineMean   float64 `db:"baseline_mean"`
	BaselineStdDev float64 `db:"baseline_stddev"`
	HistoryWeeks   int     `db:"history_weeks"`
	Seasonal       int     `db:"seasonal"`
	IsSignificant  int     `db:"is_significant"`
	ComputedAt     int64   `db:"computed_at"`
}

func (r signalRow) model() (models.TrendSignal, error) {
	end, err := parseDate(r.PeriodEnd)
	if err != nil {
		return models.TrendSignal{}, err
	}
	return models.TrendSignal{
		Key:            models.GroupingKey{Kind: models.KeyKind(r.Kind), Value: r.Value},
		PeriodEnd:      end,
		CurrentCount:   r.CurrentCount,
		ZScore:         r.ZScore,
		BaselineMean:   r.BaselineMean,
		BaselineStdDev: r.BaselineStdDev,
		HistoryWeeks:   r.HistoryWeeks,
		Seasonal:       r.Seasonal == 1,
		IsSignificant:  r.IsSignificant == 1,
		ComputedAt:     fromMillis(r.ComputedAt),
	}, nil
}

const signalColumns = "key_kind, key_value, period_end, current_count, z_score, baseline_mean, baseline_stddev, history_weeks, seasonal, is_significant, computed_at"

// UpsertSignal writes the latest estimate for (key, period). An existing row whose
// period ended before finalizedBefore is left untouched; the return value reports
// whether the row was written.
func (s *Store) UpsertSignal(ctx context.Context, sig models.TrendSignal, finalizedBefore time.Time) (bool, error) {
	const op = "store.upsert_signal"
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO trend_signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key_kind, key_value, period_end) DO UPDATE SET
			current_count = excluded.current_count,
			z_score = excluded.z_score,
			baseline_mean = excluded.baseline_mean,
			baseline_stddev = excluded.baseline_stddev,
			history_weeks = excluded.history_weeks,
			seasonal = excluded.seasonal,
			is_significant = excluded.is_significant,
			computed_at = excluded.computed_at
		WHERE trend_signals.period_end >= ?`),
		string(sig.Key.Kind), sig.Key.Value, formatDate(sig.PeriodEnd), sig.CurrentCount,
		sig.ZScore, sig.BaselineMean, sig.BaselineStdDev, sig.HistoryWeeks,
		boolInt(sig.Seasonal), boolInt(sig.IsSignificant), millis(sig.ComputedAt),
		formatDate(finalizedBefore))
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return n > 0, nil
}

// GetSignal reads the stored estimate for (key, period end).
func (s *Store) GetSignal(ctx context.Context, key models.GroupingKey, periodEnd time.Time) (models.TrendSignal, error) {
	const op = "store.get_signal"
	var row signalRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+signalColumns+` FROM trend_signals
		WHERE key_kind = ? AND key_value = ? AND period_end = ?`),
		string(key.Kind), key.Value, formatDate(periodEnd))
	if err != nil {
		return models.TrendSignal{}, classify(op, err)
	}
	sig, err := row.model()
	if err != nil {
		return models.TrendSignal{}, fmt.Errorf("%s: %w", op, err)
	}
	return sig, nil
}

// SignalFilter narrows ListSignals.
type SignalFilter struct {
	PeriodEndFrom   time.Time
	PeriodEndTo     time.Time
	SignificantOnly bool
	Kinds           []models.KeyKind
}

// ListSignals returns signals matching the filter, newest period first.
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) ([]models.TrendSignal, error) {
	const op = "store.list_signals"
	b := s.sb.Select(signalColumns).From("trend_signals").OrderBy("period_end DESC", "z_score DESC")
	if !f.PeriodEndFrom.IsZero() {
		b = b.Where(sq.GtOrEq{"period_end": formatDate(f.PeriodEndFrom)})
	}
	if !f.PeriodEndTo.IsZero() {
		b = b.Where(sq.LtOrEq{"period_end": formatDate(f.PeriodEndTo)})
	}
	if f.SignificantOnly {
		b = b.Where(sq.Eq{"is_significant": 1})
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds = append(kinds, string(k))
		}
		b = b.Where(sq.Eq{"key_kind": kinds})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	var rows []signalRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(op, err)
	}
	out := make([]models.TrendSignal, 0, len(rows))
	for _, r := range rows {
		sig, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sig)
	}
	return out, nil
}
