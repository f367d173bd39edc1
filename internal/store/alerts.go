package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

type alertRow struct {
	ID              string        `db:"alert_id"`
	WatchlistID     string        `db:"watchlist_id"`
	Type            string        `db:"alert_type"`
	TriggeredOn     string        `db:"triggered_on"`
	TriggeredValue  string        `db:"triggered_value"`
	MetricValue     float64       `db:"metric_value"`
	Confidence      float64       `db:"confidence"`
	Evidence        string        `db:"evidence"`
	Description     string        `db:"description"`
	Status          string        `db:"status"`
	CreatedAt       int64         `db:"created_at"`
	DeliveredAt     sql.NullInt64 `db:"delivered_at"`
	StatusChangedAt sql.NullInt64 `db:"status_changed_at"`
}

func (r alertRow) model() (models.Alert, error) {
	var evidence []string
	if err := json.Unmarshal([]byte(r.Evidence), &evidence); err != nil {
		return models.Alert{}, fmt.Errorf("decode evidence for alert %s: %w", r.ID, err)
	}
	return models.Alert{
		ID: r.ID,
		AlertKey: models.AlertKey{
			WatchlistID:    r.WatchlistID,
			Type:           models.AlertType(r.Type),
			TriggeredOn:    r.TriggeredOn,
			TriggeredValue: r.TriggeredValue,
		},
		MetricValue:       r.MetricValue,
		Confidence:        r.Confidence,
		EvidencePatentIDs: evidence,
		Description:       r.Description,
		Status:            models.AlertStatus(r.Status),
		CreatedAt:         fromMillis(r.CreatedAt),
		DeliveredAt:       fromNullMillis(r.DeliveredAt),
		StatusChangedAt:   fromNullMillis(r.StatusChangedAt),
	}, nil
}

const alertColumns = "alert_id, watchlist_id, alert_type, triggered_on, triggered_value, metric_value, confidence, evidence, description, status, created_at, delivered_at, status_changed_at"

// ClaimResult reports the outcome of a debounced alert insert.
type ClaimResult struct {
	Created bool
	// HolderID is the alert currently owning the debounce slot.
	HolderID string
	// ActiveInWindow counts active alerts sharing the key created inside the window,
	// measured after the insert within the same transaction.
	ActiveInWindow int
}

// ClaimAndInsertAlert inserts a when its composite key has no live debounce slot. The
// slot is claimed by a conditional upsert that only succeeds once the previous slot has
// expired, so concurrent callers cannot both insert. When the slot is live the
// candidate is counted as suppressed instead.
func (s *Store) ClaimAndInsertAlert(ctx context.Context, a models.Alert, window time.Duration) (ClaimResult, error) {
	const op = "store.claim_alert"
	evidence, err := json.Marshal(nonNil(a.EvidencePatentIDs))
	if err != nil {
		return ClaimResult{}, fmt.Errorf("%s: encode evidence: %w", op, err)
	}
	created := millis(a.CreatedAt)
	expires := millis(a.CreatedAt.Add(window))
	var out ClaimResult

	err = s.inTx(ctx, op, func(tx *sqlx.Tx) error {
		out = ClaimResult{}
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO alert_debounce
			(watchlist_id, alert_type, triggered_on, triggered_value, alert_id, expires_at, suppressed_count)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT (watchlist_id, alert_type, triggered_on, triggered_value) DO UPDATE SET
				alert_id = excluded.alert_id,
				expires_at = excluded.expires_at,
				suppressed_count = 0
			WHERE alert_debounce.expires_at <= ?`),
			a.WatchlistID, string(a.Type), a.TriggeredOn, a.TriggeredValue, a.ID, expires, created)
		if err != nil {
			return err
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if claimed == 0 {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE alert_debounce SET suppressed_count = suppressed_count + 1
				WHERE watchlist_id = ? AND alert_type = ? AND triggered_on = ? AND triggered_value = ?`),
				a.WatchlistID, string(a.Type), a.TriggeredOn, a.TriggeredValue); err != nil {
				return err
			}
			return tx.GetContext(ctx, &out.HolderID, tx.Rebind(`SELECT alert_id FROM alert_debounce
				WHERE watchlist_id = ? AND alert_type = ? AND triggered_on = ? AND triggered_value = ?`),
				a.WatchlistID, string(a.Type), a.TriggeredOn, a.TriggeredValue)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO alerts (`+alertColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`),
			a.ID, a.WatchlistID, string(a.Type), a.TriggeredOn, a.TriggeredValue,
			a.MetricValue, a.Confidence, string(evidence), a.Description,
			string(models.StatusActive), created); err != nil {
			return err
		}
		out.Created = true
		out.HolderID = a.ID
		return tx.GetContext(ctx, &out.ActiveInWindow, tx.Rebind(`SELECT COUNT(*) FROM alerts
			WHERE watchlist_id = ? AND alert_type = ? AND triggered_on = ? AND triggered_value = ?
			AND status = ? AND created_at > ?`),
			a.WatchlistID, string(a.Type), a.TriggeredOn, a.TriggeredValue,
			string(models.StatusActive), created-window.Milliseconds())
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return out, nil
}

// TransitionAlert moves an active alert to status and releases its debounce slot.
func (s *Store) TransitionAlert(ctx context.Context, id string, status models.AlertStatus, at time.Time) (models.Alert, error) {
	const op = "store.transition_alert"
	var out models.Alert
	err := s.inTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE alerts SET status = ?, status_changed_at = ?
			WHERE alert_id = ? AND status = ?`),
			string(status), millis(at), id, string(models.StatusActive))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		row, err := getAlert(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return utils.InvalidTransition(op, fmt.Sprintf("alert %s is %s, not active", id, row.Status), nil)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE alert_debounce SET expires_at = ?
			WHERE alert_id = ? AND expires_at > ?`), millis(at), id, millis(at)); err != nil {
			return err
		}
		out, err = row.model()
		return err
	})
	return out, err
}

// MarkDelivered sets delivered_at once and advances the watchlist's last_alert_sent_at.
// Calling it again leaves the first timestamp in place.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (models.Alert, error) {
	const op = "store.mark_delivered"
	var out models.Alert
	err := s.inTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE alerts SET delivered_at = ?
			WHERE alert_id = ? AND delivered_at IS NULL`), millis(at), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		row, err := getAlert(ctx, tx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE watchlists SET last_alert_sent_at = ?
				WHERE watchlist_id = ? AND (last_alert_sent_at IS NULL OR last_alert_sent_at < ?)`),
				millis(at), row.WatchlistID, millis(at)); err != nil {
				return err
			}
		}
		out, err = row.model()
		return err
	})
	return out, err
}

func getAlert(ctx context.Context, tx *sqlx.Tx, id string) (alertRow, error) {
	var row alertRow
	err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return row, utils.NotFound("store.get_alert", "alert "+id+" not found", err)
	}
	return row, err
}

// GetAlert reads one alert.
func (s *Store) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	const op = "store.get_alert"
	var row alertRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`), id); err != nil {
		return models.Alert{}, classify(op, err)
	}
	return row.model()
}

// AlertFilter narrows ListAlerts. Zero fields do not filter.
type AlertFilter struct {
	WatchlistID     string
	Status          models.AlertStatus
	Type            models.AlertType
	CreatedAfter    time.Time
	UndeliveredOnly bool
	Limit           uint64
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	const op = "store.list_alerts"
	b := s.sb.Select(alertColumns).From("alerts").OrderBy("created_at DESC", "alert_id")
	if f.WatchlistID != "" {
		b = b.Where(sq.Eq{"watchlist_id": f.WatchlistID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"alert_type": string(f.Type)})
	}
	if !f.CreatedAfter.IsZero() {
		b = b.Where(sq.Gt{"created_at": millis(f.CreatedAfter)})
	}
	if f.UndeliveredOnly {
		b = b.Where(sq.Eq{"delivered_at": nil})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(op, err)
	}
	out := make([]models.Alert, 0, len(rows))
	for _, r := range rows {
		a, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// SuppressedCount reports how many candidates the key's current slot has absorbed.
func (s *Store) SuppressedCount(ctx context.Context, key models.AlertKey) (int, error) {
	const op = "store.suppressed_count"
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT suppressed_count FROM alert_debounce
		WHERE watchlist_id = ? AND alert_type = ? AND triggered_on = ? AND triggered_value = ?`),
		key.WatchlistID, string(key.Type), key.TriggeredOn, key.TriggeredValue)
	if err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
