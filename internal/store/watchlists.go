package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/patentradar/patent-signals/internal/models"
)

type watchlistRow struct {
	ID                  string        `db:"watchlist_id"`
	Owner               string        `db:"owner"`
	Name                string        `db:"name"`
	AssigneeIDs         string        `db:"assignee_ids"`
	CPCCodes            string        `db:"cpc_codes"`
	TopicIDs            string        `db:"topic_ids"`
	Keywords            string        `db:"keywords"`
	ZThreshold          float64       `db:"z_threshold"`
	ConfidenceThreshold float64       `db:"confidence_threshold"`
	DigestCadence       string        `db:"digest_cadence"`
	Active              int           `db:"active"`
	LastAlertSentAt     sql.NullInt64 `db:"last_alert_sent_at"`
}

func (r watchlistRow) model() (models.Watchlist, error) {
	w := models.Watchlist{
		ID:                  r.ID,
		Owner:               r.Owner,
		Name:                r.Name,
		ZThreshold:          r.ZThreshold,
		ConfidenceThreshold: r.ConfidenceThreshold,
		DigestCadence:       models.DigestCadence(r.DigestCadence),
		Active:              r.Active == 1,
		LastAlertSentAt:     fromNullMillis(r.LastAlertSentAt),
	}
	for _, field := range []struct {
		raw string
		dst *[]string
	}{
		{r.AssigneeIDs, &w.AssigneeIDs},
		{r.CPCCodes, &w.CPCCodes},
		{r.TopicIDs, &w.TopicIDs},
		{r.Keywords, &w.Keywords},
	} {
		if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
			return models.Watchlist{}, fmt.Errorf("decode watchlist %s: %w", r.ID, err)
		}
	}
	return w, nil
}

const watchlistColumns = "watchlist_id, owner, name, assignee_ids, cpc_codes, topic_ids, keywords, z_threshold, confidence_threshold, digest_cadence, active, last_alert_sent_at"

// SaveWatchlist creates or replaces a watchlist definition. The engine never calls it;
// it backs the API layer's fixtures, local development, and tests.
func (s *Store) SaveWatchlist(ctx context.Context, w models.Watchlist) error {
	const op = "store.save_watchlist"
	lists := make([]string, 0, 4)
	for _, l := range [][]string{w.AssigneeIDs, w.CPCCodes, w.TopicIDs, w.Keywords} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		lists = append(lists, string(b))
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO watchlists (`+watchlistColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (watchlist_id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			assignee_ids = excluded.assignee_ids,
			cpc_codes = excluded.cpc_codes,
			topic_ids = excluded.topic_ids,
			keywords = excluded.keywords,
			z_threshold = excluded.z_threshold,
			confidence_threshold = excluded.confidence_threshold,
			digest_cadence = excluded.digest_cadence,
			active = excluded.active`),
		w.ID, w.Owner, w.Name, lists[0], lists[1], lists[2], lists[3],
		w.ZThreshold, w.ConfidenceThreshold, string(w.DigestCadence), boolInt(w.Active),
		nullableMillis(w.LastAlertSentAt))
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// GetWatchlist reads one watchlist.
func (s *Store) GetWatchlist(ctx context.Context, id string) (models.Watchlist, error) {
	const op = "store.get_watchlist"
	var row watchlistRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+watchlistColumns+` FROM watchlists WHERE watchlist_id = ?`), id); err != nil {
		return models.Watchlist{}, classify(op, err)
	}
	return row.model()
}

// ListActiveWatchlists returns all active watchlists ordered by id.
func (s *Store) ListActiveWatchlists(ctx context.Context) ([]models.Watchlist, error) {
	const op = "store.list_active_watchlists"
	var rows []watchlistRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+watchlistColumns+` FROM watchlists WHERE active = 1 ORDER BY watchlist_id`); err != nil {
		return nil, classify(op, err)
	}
	out := make([]models.Watchlist, 0, len(rows))
	for _, r := range rows {
		w, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, w)
	}
	return out, nil
}
