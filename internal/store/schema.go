package store

// Portable across SQLite and PostgreSQL: timestamps are unix milliseconds, calendar
// weeks are ISO dates, lists are JSON text and booleans are 0/1 integers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS weekly_bins (
		key_kind   TEXT NOT NULL,
		key_value  TEXT NOT NULL,
		week_start TEXT NOT NULL,
		filings    INTEGER NOT NULL CHECK (filings >= 0),
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (key_kind, key_value, week_start)
	)`,
	`CREATE TABLE IF NOT EXISTS bin_contributions (
		patent_id   TEXT NOT NULL,
		key_kind    TEXT NOT NULL,
		key_value   TEXT NOT NULL,
		week_start  TEXT NOT NULL,
		recorded_at BIGINT NOT NULL,
		PRIMARY KEY (patent_id, key_kind, key_value)
	)`,
	`CREATE TABLE IF NOT EXISTS assignee_contributions (
		assignee_id TEXT NOT NULL,
		patent_id   TEXT NOT NULL,
		key_kind    TEXT NOT NULL,
		key_value   TEXT NOT NULL,
		week_start  TEXT NOT NULL,
		PRIMARY KEY (assignee_id, patent_id, key_kind, key_value)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignee_contributions_pair
		ON assignee_contributions (assignee_id, key_kind, key_value)`,
	`CREATE TABLE IF NOT EXISTS trend_signals (
		key_kind        TEXT NOT NULL,
		key_value       TEXT NOT NULL,
		period_end      TEXT NOT NULL,
		current_count   INTEGER NOT NULL,
		z_score         DOUBLE PRECISION NOT NULL,
		baseline_mean   DOUBLE PRECISION NOT NULL,
		baseline_stddev DOUBLE PRECISION NOT NULL,
		history_weeks   INTEGER NOT NULL,
		seasonal        INTEGER NOT NULL,
		is_significant  INTEGER NOT NULL,
		computed_at     BIGINT NOT NULL,
		PRIMARY KEY (key_kind, key_value, period_end)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trend_signals_period ON trend_signals (period_end)`,
	`CREATE TABLE IF NOT EXISTS novelty_scores (
		patent_id      TEXT NOT NULL,
		score_version  TEXT NOT NULL,
		score          DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 100),
		mean_distance  DOUBLE PRECISION NOT NULL,
		neighbor_count INTEGER NOT NULL,
		breakdown      TEXT NOT NULL,
		active         INTEGER NOT NULL,
		scored_at      BIGINT NOT NULL,
		published_on   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (patent_id, score_version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_novelty_scores_published
		ON novelty_scores (published_on, score) WHERE active = 1`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_novelty_scores_active
		ON novelty_scores (patent_id) WHERE active = 1`,
	`CREATE TABLE IF NOT EXISTS watchlists (
		watchlist_id         TEXT PRIMARY KEY,
		owner                TEXT NOT NULL,
		name                 TEXT NOT NULL,
		assignee_ids         TEXT NOT NULL,
		cpc_codes            TEXT NOT NULL,
		topic_ids            TEXT NOT NULL,
		keywords             TEXT NOT NULL,
		z_threshold          DOUBLE PRECISION NOT NULL,
		confidence_threshold DOUBLE PRECISION NOT NULL,
		digest_cadence       TEXT NOT NULL,
		active               INTEGER NOT NULL,
		last_alert_sent_at   BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id          TEXT PRIMARY KEY,
		watchlist_id      TEXT NOT NULL,
		alert_type        TEXT NOT NULL,
		triggered_on      TEXT NOT NULL,
		triggered_value   TEXT NOT NULL,
		metric_value      DOUBLE PRECISION NOT NULL,
		confidence        DOUBLE PRECISION NOT NULL,
		evidence          TEXT NOT NULL,
		description       TEXT NOT NULL,
		status            TEXT NOT NULL,
		created_at        BIGINT NOT NULL,
		delivered_at      BIGINT,
		status_changed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_watchlist_status ON alerts (watchlist_id, status)`,
	`CREATE TABLE IF NOT EXISTS alert_debounce (
		watchlist_id     TEXT NOT NULL,
		alert_type       TEXT NOT NULL,
		triggered_on     TEXT NOT NULL,
		triggered_value  TEXT NOT NULL,
		alert_id         TEXT NOT NULL,
		expires_at       BIGINT NOT NULL,
		suppressed_count INTEGER NOT NULL,
		PRIMARY KEY (watchlist_id, alert_type, triggered_on, triggered_value)
	)`,
	`CREATE TABLE IF NOT EXISTS run_cursors (
		name       TEXT PRIMARY KEY,
		position   BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}
