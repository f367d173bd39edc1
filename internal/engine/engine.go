package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/patentradar/patent-signals/internal/aggregate"
	"github.com/patentradar/patent-signals/internal/alerts"
	"github.com/patentradar/patent-signals/internal/cache"
	"github.com/patentradar/patent-signals/internal/config"
	"github.com/patentradar/patent-signals/internal/delivery"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/novelty"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/trend"
	"github.com/patentradar/patent-signals/internal/utils"
	"github.com/patentradar/patent-signals/internal/watch"
)

// PatentSource is the ingestion collaborator.
type PatentSource interface {
	FetchNewPatents(ctx context.Context, since time.Time) ([]models.PatentRecord, error)
}

// TopicSource is the topic-clustering collaborator.
type TopicSource interface {
	TopicOf(ctx context.Context, patentID string) (*string, error)
}

// Store is every persistence contract the engine drives.
type Store interface {
	aggregate.ContributionStore
	trend.Store
	watch.FootprintReader
	alerts.Store

	Cursor(ctx context.Context, name string) (time.Time, bool, error)
	AdvanceCursor(ctx context.Context, name string, pos time.Time) error

	SaveScore(ctx context.Context, score models.NoveltyScore) error
	ActiveScores(ctx context.Context, patentIDs []string) ([]models.NoveltyScore, error)
	RecentMeanDistances(ctx context.Context, limit int) ([]float64, error)
	TopActiveScores(ctx context.Context, since time.Time, limit int) ([]models.NoveltyScore, error)

	ListSignals(ctx context.Context, f store.SignalFilter) ([]models.TrendSignal, error)
	GetWatchlist(ctx context.Context, id string) (models.Watchlist, error)
	ListActiveWatchlists(ctx context.Context) ([]models.Watchlist, error)
}

// Deps are the collaborators wired into an Engine. Topics, Deliverer and Cache are optional.
type Deps struct {
	Store     Store
	Patents   PatentSource
	Topics    TopicSource
	Index     novelty.NeighborSource
	Model     novelty.Model
	Deliverer delivery.Deliverer
	Cache     cache.Provider
	Logger    *slog.Logger
}

// Engine exposes the batch runs and alert operations of the signal service.
type Engine struct {
	store     Store
	patents   PatentSource
	topics    TopicSource
	index     novelty.NeighborSource
	deliverer delivery.Deliverer
	cache     cache.Provider

	aggregator *aggregate.Aggregator
	detector   *trend.Detector
	ranker     *novelty.Ranker
	matcher    *watch.Matcher
	alerts     *alerts.Manager

	cfg       config.Config
	retry     utils.RetryPolicy
	logger    *slog.Logger
	tracer    trace.Tracer
	latencies *utils.DurationSampler
	now       func() time.Time

	observer RunObserver
}

// RunObserver is told about every finished or refused run.
type RunObserver func(kind models.RunKind, summary models.RunSummary, err error)

// OnRunFinished installs fn as the run observer. Call it before the first run starts.
func (e *Engine) OnRunFinished(fn RunObserver) {
	e.observer = fn
}

// New wires the components from cfg.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, utils.Configuration("engine.new", "store is required", nil)
	}
	if deps.Model == nil {
		deps.Model = novelty.DefaultModel()
	}
	logger := utils.LoggerOrDefault(deps.Logger)

	detCfg := trend.Config{
		MinHistoryWeeks:      cfg.Detection.MinHistoryWeeks,
		BaselineWeeks:        cfg.Detection.BaselineWeeks,
		ZThreshold:           cfg.Detection.ZThreshold,
		SeasonalWindowWeeks:  cfg.Detection.SeasonalWindowWeeks,
		SeasonalHistoryWeeks: cfg.Detection.SeasonalHistoryWeeks,
		LatenessWindow:       cfg.Aggregation.LatenessWindow,
	}
	novCfg := novelty.Config{
		Neighbors: cfg.Novelty.Neighbors,
		Features: novelty.FeatureConfig{
			CPCBreadthCap: cfg.Novelty.CPCBreadthCap,
			CitationCap:   cfg.Novelty.CitationCap,
			RecentDays:    cfg.Novelty.RecentDays,
		},
		Fallback: novelty.Calibration{Min: cfg.Novelty.CalibrationMin, Max: cfg.Novelty.CalibrationMax},
	}
	matchCfg := watch.Config{
		MinNewFilings:     cfg.Matching.MinNewFilings,
		EvidenceScale:     cfg.Matching.EvidenceScale,
		HighNoveltyCutoff: cfg.Novelty.HighCutoff,
	}

	c := deps.Cache
	if c == nil {
		c = cache.NoopProvider{}
	}

	return &Engine{
		store:      deps.Store,
		patents:    deps.Patents,
		topics:     deps.Topics,
		index:      deps.Index,
		deliverer:  deps.Deliverer,
		cache:      c,
		aggregator: aggregate.NewAggregator(deps.Store, cfg.Aggregation.LatenessWindow, logger),
		detector:   trend.NewDetector(deps.Store, detCfg, logger),
		ranker:     novelty.NewRanker(deps.Model, novCfg, logger),
		matcher:    watch.NewMatcher(deps.Store, matchCfg, logger),
		alerts:     alerts.NewManager(deps.Store, cfg.Alerts.DebounceWindow, logger),
		cfg:        cfg,
		retry:      cfg.Runs.RetryPolicy(),
		logger:     logger,
		tracer:     otel.Tracer("patent-signals/engine"),
		latencies:  utils.NewDurationSampler(256),
		now:        time.Now,
	}, nil
}

// ModelVersion reports the novelty artifact in use.
func (e *Engine) ModelVersion() string { return e.ranker.ModelVersion() }

// AcknowledgeAlert moves an active alert to acknowledged.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID string) (models.Alert, error) {
	ctx, span := e.tracer.Start(ctx, "alerts.acknowledge")
	defer span.End()
	return e.alerts.Acknowledge(ctx, alertID)
}

// DismissAlert moves an active alert to dismissed.
func (e *Engine) DismissAlert(ctx context.Context, alertID string) (models.Alert, error) {
	ctx, span := e.tracer.Start(ctx, "alerts.dismiss")
	defer span.End()
	return e.alerts.Dismiss(ctx, alertID)
}

// GetActiveAlerts lists active alerts for a watchlist, or for all watchlists when empty.
func (e *Engine) GetActiveAlerts(ctx context.Context, watchlistID string) ([]models.Alert, error) {
	ctx, span := e.tracer.Start(ctx, "alerts.list_active")
	defer span.End()
	return e.alerts.ActiveAlerts(ctx, watchlistID)
}

func (e *Engine) requireCollaborator(op string, ok bool, name string) error {
	if ok {
		return nil
	}
	return utils.Configuration(op, fmt.Sprintf("%s collaborator not configured", name), nil)
}
