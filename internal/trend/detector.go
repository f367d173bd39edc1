package trend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

// BinReader exposes the weekly bin history.
type BinReader interface {
	KeysWithBins(ctx context.Context, upTo time.Time) ([]store.KeyHistory, error)
	BinSeries(ctx context.Context, key models.GroupingKey, from, to time.Time) ([]models.WeeklyBin, error)
}

// SignalWriter persists trend signals.
type SignalWriter interface {
	UpsertSignal(ctx context.Context, sig models.TrendSignal, finalizedBefore time.Time) (bool, error)
}

// Store is the persistence the Detector needs.
type Store interface {
	BinReader
	SignalWriter
}

// Config tunes the acceleration z-score.
type Config struct {
	MinHistoryWeeks      int
	BaselineWeeks        int
	ZThreshold           float64
	SeasonalWindowWeeks  int
	SeasonalHistoryWeeks int
	// LatenessWindow bounds how far back an existing signal may still be rewritten.
	LatenessWindow time.Duration
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		MinHistoryWeeks:      12,
		BaselineWeeks:        52,
		ZThreshold:           2.0,
		SeasonalWindowWeeks:  13,
		SeasonalHistoryWeeks: 104,
		LatenessWindow:       14 * 24 * time.Hour,
	}
}

// Detector turns weekly bins into acceleration signals.
type Detector struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(s Store, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{store: s, cfg: cfg, logger: utils.LoggerOrDefault(logger), now: time.Now}
}

// KeyResult is the outcome of one grouping key.
type KeyResult struct {
	Signal models.TrendSignal
	// Written is false when the period was already finalised and kept its prior row.
	Written bool
}

// DetectResult summarises a Detect call.
type DetectResult struct {
	Signals   []models.TrendSignal
	Finalized int
	Skipped   int
}

// Keys lists the grouping keys with any history up to the week of periodEnd.
func (d *Detector) Keys(ctx context.Context, periodEnd time.Time) ([]store.KeyHistory, error) {
	return d.store.KeysWithBins(ctx, utils.WeekEnd(periodEnd))
}

// Detect evaluates every key serially. Keys with too little history are skipped.
func (d *Detector) Detect(ctx context.Context, periodEnd time.Time) (DetectResult, error) {
	keys, err := d.Keys(ctx, periodEnd)
	if err != nil {
		return DetectResult{}, err
	}
	var out DetectResult
	for _, kh := range keys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := d.DetectKey(ctx, kh, periodEnd)
		switch {
		case utils.IsDataIncomplete(err):
			out.Skipped++
			continue
		case err != nil:
			return out, err
		}
		out.Signals = append(out.Signals, res.Signal)
		if !res.Written {
			out.Finalized++
		}
	}
	return out, nil
}

// DetectKey computes and stores the signal for one key in the ISO week containing periodEnd.
func (d *Detector) DetectKey(ctx context.Context, kh store.KeyHistory, periodEnd time.Time) (KeyResult, error) {
	const op = "trend.detect_key"
	current := utils.WeekStart(periodEnd)
	first := utils.WeekStart(kh.FirstWeek)
	history := utils.WeeksBetween(first, current)
	if history < d.cfg.MinHistoryWeeks {
		return KeyResult{}, utils.DataIncomplete(op,
			fmt.Sprintf("%s has %d weeks of history, need %d", kh.Key, history, d.cfg.MinHistoryWeeks), nil)
	}

	span := d.cfg.BaselineWeeks
	seasonal := history >= d.cfg.SeasonalHistoryWeeks
	if seasonal && d.cfg.SeasonalHistoryWeeks > span {
		span = d.cfg.SeasonalHistoryWeeks
	}
	if history < span {
		span = history
	}
	from := current.AddDate(0, 0, -7*span)

	bins, err := d.store.BinSeries(ctx, kh.Key, from, current)
	if err != nil {
		return KeyResult{}, err
	}
	weeks, counts := densify(bins, from, span+1)

	baseline := counts[:span]
	currentCount := counts[span]
	if seasonal {
		component := SeasonalComponent(weeks[:span], baseline, d.cfg.SeasonalWindowWeeks)
		baseline = deseasonalize(weeks[:span], baseline, component)
		currentCount -= component[weekMonth(weeks[span])]
	}
	if len(baseline) > d.cfg.BaselineWeeks {
		baseline = baseline[len(baseline)-d.cfg.BaselineWeeks:]
	}

	z, mean, std := ZScore(currentCount, baseline)
	sig := models.TrendSignal{
		Key:            kh.Key,
		PeriodEnd:      utils.WeekEnd(current),
		CurrentCount:   int(counts[span]),
		ZScore:         z,
		BaselineMean:   mean,
		BaselineStdDev: std,
		HistoryWeeks:   history,
		Seasonal:       seasonal,
		IsSignificant:  z > 0 && z >= d.cfg.ZThreshold,
		ComputedAt:     d.now().UTC(),
	}

	written, err := d.store.UpsertSignal(ctx, sig, d.now().Add(-d.cfg.LatenessWindow))
	if err != nil {
		return KeyResult{}, err
	}
	if !written {
		d.logger.Debug("signal period finalised; kept prior estimate",
			slog.String("grouping_key", kh.Key.String()),
			slog.String("period_end", sig.PeriodEnd.Format(time.DateOnly)))
	}
	return KeyResult{Signal: sig, Written: written}, nil
}

// densify expands sparse bins into n consecutive weekly counts starting at from.
func densify(bins []models.WeeklyBin, from time.Time, n int) ([]time.Time, []float64) {
	weeks := make([]time.Time, n)
	counts := make([]float64, n)
	for i := range weeks {
		weeks[i] = from.AddDate(0, 0, 7*i)
	}
	for _, b := range bins {
		i := utils.WeeksBetween(from, b.WeekStart)
		if i >= 0 && i < n {
			counts[i] = float64(b.Count)
		}
	}
	return weeks, counts
}

func deseasonalize(weeks []time.Time, counts []float64, component map[time.Month]float64) []float64 {
	out := make([]float64, len(counts))
	for i, c := range counts {
		out[i] = c - component[weekMonth(weeks[i])]
	}
	return out
}
