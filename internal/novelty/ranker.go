package novelty

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

// ErrIndexUnavailable is returned by neighbour sources when the index cannot be reached.
var ErrIndexUnavailable = errors.New("nearest-neighbour index unavailable")

// NeighborSource returns distances from a patent to its k nearest prior patents.
type NeighborSource interface {
	NearestNeighborDistances(ctx context.Context, patentID string, k int) ([]float64, error)
}

// Config bundles the ranker settings.
type Config struct {
	Neighbors int
	Features  FeatureConfig
	// Fallback calibration used when the rolling window has no spread.
	Fallback Calibration
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{Neighbors: 50, Features: DefaultFeatureConfig(), Fallback: Calibration{Min: 0, Max: 1}}
}

// Ranker applies a scoring model to patent features.
type Ranker struct {
	model  Model
	cfg    Config
	cal    Calibration
	logger *slog.Logger
	now    func() time.Time
}

// NewRanker creates a Ranker with the fallback calibration.
func NewRanker(model Model, cfg Config, logger *slog.Logger) *Ranker {
	return &Ranker{model: model, cfg: cfg, cal: cfg.Fallback, logger: utils.LoggerOrDefault(logger), now: time.Now}
}

// WithCalibration returns a copy using cal, so each run works from one snapshot.
func (r *Ranker) WithCalibration(cal Calibration) *Ranker {
	cp := *r
	cp.cal = cal
	return &cp
}

// Calibrate builds the calibration from recent samples and returns the ranker using it.
func (r *Ranker) Calibrate(samples []float64) *Ranker {
	return r.WithCalibration(NewCalibration(samples, r.cfg.Fallback))
}

// Calibration returns the range in use.
func (r *Ranker) Calibration() Calibration { return r.cal }

// ModelVersion reports the artifact version recorded with every score.
func (r *Ranker) ModelVersion() string { return r.model.Version() }

// Score produces a bounded novelty score. An empty distance list is DataIncomplete;
// nothing is written, so any prior score stays in place.
func (r *Ranker) Score(_ context.Context, p models.PatentRecord, distances []float64) (models.NoveltyScore, error) {
	const op = "novelty.score"
	if len(distances) == 0 {
		return models.NoveltyScore{}, utils.DataIncomplete(op, "no neighbour distances for "+p.ID, nil)
	}
	for _, d := range distances {
		if d < 0 {
			return models.NoveltyScore{}, utils.DataIncomplete(op, "negative neighbour distance for "+p.ID, nil)
		}
	}

	now := r.now().UTC()
	f := BuildFeatures(p, distances, r.cal, r.cfg.Features, now)
	score, breakdown := r.model.Predict(f)
	return models.NoveltyScore{
		PatentID:         p.ID,
		Score:            score,
		ScoreVersion:     r.model.Version(),
		MeanDistance:     f.RawMeanDistance,
		NeighborCount:    f.NeighborCount,
		FeatureBreakdown: breakdown,
		Active:           true,
		ScoredAt:         now,
		PublishedOn:      publishedOn(p),
	}, nil
}

// ScoreFromIndex fetches neighbour distances and scores the patent. Index outages are
// transient so the unit is retried.
func (r *Ranker) ScoreFromIndex(ctx context.Context, p models.PatentRecord, index NeighborSource) (models.NoveltyScore, error) {
	const op = "novelty.score_from_index"
	distances, err := index.NearestNeighborDistances(ctx, p.ID, r.cfg.Neighbors)
	if err != nil {
		if errors.Is(err, ErrIndexUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return models.NoveltyScore{}, utils.Transient(op, "neighbour lookup failed for "+p.ID, err)
		}
		return models.NoveltyScore{}, err
	}
	return r.Score(ctx, p, distances)
}

func publishedOn(p models.PatentRecord) time.Time {
	if p.PublicationDate.IsZero() {
		return p.FilingDate
	}
	return p.PublicationDate
}
