package store

import (
	"context"
	"time"

	"github.com/patentradar/patent-signals/internal/utils"
)

// Cursor returns the stored position for name, or ok=false when none exists.
func (s *Store) Cursor(ctx context.Context, name string) (time.Time, bool, error) {
	const op = "store.cursor"
	var pos int64
	err := s.db.GetContext(ctx, &pos, s.db.Rebind(`SELECT position FROM run_cursors WHERE name = ?`), name)
	if err != nil {
		err = classify(op, err)
		if utils.IsNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return fromMillis(pos), true, nil
}

// AdvanceCursor stores pos for name unless the stored position is already later.
func (s *Store) AdvanceCursor(ctx context.Context, name string, pos time.Time) error {
	const op = "store.advance_cursor"
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO run_cursors (name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
		WHERE run_cursors.position < excluded.position`),
		name, millis(pos), millis(s.now()))
	return classify(op, err)
}
