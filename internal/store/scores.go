package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/patentradar/patent-signals/internal/models"
)

type scoreRow struct {
	PatentID      string  `db:"patent_id"`
	ScoreVersion  string  `db:"score_version"`
	Score         float64 `db:"score"`
	MeanDistance  float64 `db:"mean_distance"`
	NeighborCount int     `db:"neighbor_count"`
	Breakdown     string  `db:"breakdown"`
	Active        int     `db:"active"`
	ScoredAt      int64   `db:"scored_at"`
	PublishedOn   string  `db:"published_on"`
}

func (r scoreRow) model() (models.NoveltyScore, error) {
	var breakdown map[string]float64
	if err := json.Unmarshal([]byte(r.Breakdown), &breakdown); err != nil {
		return models.NoveltyScore{}, fmt.Errorf("decode breakdown for %s: %w", r.PatentID, err)
	}
	var published time.Time
	if r.PublishedOn != "" {
		t, err := parseDate(r.PublishedOn)
		if err != nil {
			return models.NoveltyScore{}, fmt.Errorf("decode publication date for %s: %w", r.PatentID, err)
		}
		published = t
	}
	return models.NoveltyScore{
		PatentID:         r.PatentID,
		Score:            r.Score,
		ScoreVersion:     r.ScoreVersion,
		MeanDistance:     r.MeanDistance,
		NeighborCount:    r.NeighborCount,
		FeatureBreakdown: breakdown,
		Active:           r.Active == 1,
		ScoredAt:         fromMillis(r.ScoredAt),
		PublishedOn:      published,
	}, nil
}

const scoreColumns = "patent_id, score_version, score, mean_distance, neighbor_count, breakdown, active, scored_at, published_on"

// SaveScore stores score as the active score for its patent. Rows for other versions
// are kept for audit but deactivated in the same transaction.
func (s *Store) SaveScore(ctx context.Context, score models.NoveltyScore) error {
	const op = "store.save_score"
	breakdown, err := json.Marshal(score.FeatureBreakdown)
	if err != nil {
		return fmt.Errorf("%s: encode breakdown: %w", op, err)
	}
	return s.inTx(ctx, op, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE novelty_scores SET active = 0
			WHERE patent_id = ? AND score_version <> ? AND active = 1`),
			score.PatentID, score.ScoreVersion); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO novelty_scores (`+scoreColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (patent_id, score_version) DO UPDATE SET
				score = excluded.score,
				mean_distance = excluded.mean_distance,
				neighbor_count = excluded.neighbor_count,
				breakdown = excluded.breakdown,
				active = 1,
				scored_at = excluded.scored_at,
				published_on = excluded.published_on`),
			score.PatentID, score.ScoreVersion, score.Score, score.MeanDistance,
			score.NeighborCount, string(breakdown), millis(score.ScoredAt), publishedDate(score.PublishedOn))
		return err
	})
}

// ActiveScore returns the live score for a patent.
func (s *Store) ActiveScore(ctx context.Context, patentID string) (models.NoveltyScore, error) {
	const op = "store.active_score"
	var row scoreRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+scoreColumns+` FROM novelty_scores
		WHERE patent_id = ? AND active = 1`), patentID)
	if err != nil {
		return models.NoveltyScore{}, classify(op, err)
	}
	return row.model()
}

// ActiveScores returns the live scores for the given patents; unscored patents are absent.
func (s *Store) ActiveScores(ctx context.Context, patentIDs []string) ([]models.NoveltyScore, error) {
	const op = "store.active_scores"
	if len(patentIDs) == 0 {
		return nil, nil
	}
	q, args, err := s.sb.Select(scoreColumns).From("novelty_scores").
		Where(sq.Eq{"patent_id": patentIDs, "active": 1}).
		OrderBy("patent_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	var rows []scoreRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(op, err)
	}
	return scoreModels(op, rows)
}

// ScoreHistory returns every stored version for a patent, newest first.
func (s *Store) ScoreHistory(ctx context.Context, patentID string) ([]models.NoveltyScore, error) {
	const op = "store.score_history"
	var rows []scoreRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+scoreColumns+` FROM novelty_scores
		WHERE patent_id = ? ORDER BY scored_at DESC`), patentID); err != nil {
		return nil, classify(op, err)
	}
	return scoreModels(op, rows)
}

// RecentMeanDistances returns up to limit mean neighbour distances of the most recently
// scored active patents. It feeds the novelty calibration window.
func (s *Store) RecentMeanDistances(ctx context.Context, limit int) ([]float64, error) {
	const op = "store.recent_mean_distances"
	if limit <= 0 {
		return nil, nil
	}
	q, args, err := s.sb.Select("mean_distance").From("novelty_scores").
		Where(sq.Eq{"active": 1}).
		OrderBy("scored_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	var out []float64
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// TopActiveScores returns the highest active scores of patents published on or after
// since, best first.
func (s *Store) TopActiveScores(ctx context.Context, since time.Time, limit int) ([]models.NoveltyScore, error) {
	const op = "store.top_active_scores"
	if limit <= 0 {
		return nil, nil
	}
	q, args, err := s.sb.Select(scoreColumns).From("novelty_scores").
		Where(sq.Eq{"active": 1}).
		Where(sq.GtOrEq{"published_on": formatDate(since)}).
		OrderBy("score DESC", "patent_id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", op, err)
	}
	var rows []scoreRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, classify(op, err)
	}
	return scoreModels(op, rows)
}

func scoreModels(op string, rows []scoreRow) ([]models.NoveltyScore, error) {
	out := make([]models.NoveltyScore, 0, len(rows))
	for _, r := range rows {
		sc, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

func publishedDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatDate(t)
}
