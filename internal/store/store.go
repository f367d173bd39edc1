package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/patentradar/patent-signals/internal/utils"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config selects the backing database.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the relational implementation of every read/write contract the engine uses:
// bins and their contribution ledger, the assignee footprint, trend signals, novelty
// scores, watchlists, alerts with their debounce slots, and run cursors.
type Store struct {
	db     *sqlx.DB
	driver string
	sb     sq.StatementBuilderType
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured database and applies connection settings.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	switch cfg.Driver {
	case DriverSQLite:
		if path := sqlitePath(cfg.DSN); path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, utils.Configuration("store.open", "unsupported driver "+cfg.Driver, nil)
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, utils.Transient("store.open", "connect "+cfg.Driver, err)
	}

	var placeholders sq.PlaceholderFormat = sq.Dollar
	if cfg.Driver == DriverSQLite {
		// One writer at a time; concurrent callers queue on the pool.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		placeholders = sq.Question
		for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, fmt.Errorf("setting pragma %q: %w", p, err)
			}
		}
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Store{
		db:     db,
		driver: cfg.Driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholders),
		logger: utils.LoggerOrDefault(logger),
		now:    time.Now,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("store.ping", err)
	}
	return nil
}

// EnsureSchema creates the tables used by the engine. It exists for local development
// and tests; production schemas are administered outside this service.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", slog.String("op", op), slog.Any("error", rbErr))
		}
		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// classify maps driver errors onto the error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return utils.NotFound(op, "no rows", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return utils.Transient(op, "store unavailable", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return utils.Transient(op, "store unavailable", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "too many connections") {
		return utils.Transient(op, "store busy", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

const dateLayout = time.DateOnly

func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func parseDate(s string) (time.Time, error) { return time.Parse(dateLayout, s) }

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
