package trend

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

type fakeStore struct {
	bins      map[models.GroupingKey]map[time.Time]int
	signals   map[string]models.TrendSignal
	finalized map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bins:      map[models.GroupingKey]map[time.Time]int{},
		signals:   map[string]models.TrendSignal{},
		finalized: map[string]bool{},
	}
}

func (f *fakeStore) put(key models.GroupingKey, week time.Time, n int) {
	if f.bins[key] == nil {
		f.bins[key] = map[time.Time]int{}
	}
	f.bins[key][utils.WeekStart(week)] = n
}

func (f *fakeStore) KeysWithBins(_ context.Context, upTo time.Time) ([]store.KeyHistory, error) {
	var out []store.KeyHistory
	for key, weeks := range f.bins {
		var first time.Time
		for w := range weeks {
			if w.After(upTo) {
				continue
			}
			if first.IsZero() || w.Before(first) {
				first = w
			}
		}
		if !first.IsZero() {
			out = append(out, store.KeyHistory{Key: key, FirstWeek: first})
		}
	}
	return out, nil
}

func (f *fakeStore) BinSeries(_ context.Context, key models.GroupingKey, from, to time.Time) ([]models.WeeklyBin, error) {
	var out []models.WeeklyBin
	for w, n := range f.bins[key] {
		if !w.Before(from) && !w.After(to) {
			out = append(out, models.WeeklyBin{Key: key, WeekStart: w, Count: n})
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertSignal(_ context.Context, sig models.TrendSignal, finalizedBefore time.Time) (bool, error) {
	id := sig.Key.String() + "@" + sig.PeriodEnd.Format(time.DateOnly)
	if _, exists := f.signals[id]; exists && sig.PeriodEnd.Before(utils.WeekStart(finalizedBefore)) {
		f.finalized[id] = true
		return false, nil
	}
	f.signals[id] = sig
	return true, nil
}

var h01m = models.GroupingKey{Kind: models.KeyKindCPC, Value: "H01M"}

// period ends on Sunday 2024-06-30; the current ISO week starts 2024-06-24.
var periodEnd = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

func newDetector(s Store, cfg Config) *Detector {
	d := NewDetector(s, cfg, nil)
	d.now = func() time.Time { return periodEnd.AddDate(0, 0, 1) }
	return d
}

func TestZScoreScenarioA(t *testing.T) {
	// Nine prior weeks averaging 13.4 with population stddev 3.1.
	a := 3.1 * math.Sqrt(9.0/8.0)
	baseline := []float64{13.4 + a, 13.4 - a, 13.4 + a, 13.4 - a, 13.4, 13.4 + a, 13.4 - a, 13.4 + a, 13.4 - a}

	z, mean, std := ZScore(47, baseline)
	assert.InDelta(t, 13.4, mean, 1e-9)
	assert.InDelta(t, 3.1, std, 1e-9)
	assert.InDelta(t, 10.8, z, 0.05)
}

func TestDetectKeyFlatBaselineIsNotSignificant(t *testing.T) {
	fs := newFakeStore()
	current := utils.WeekStart(periodEnd)
	for i := 1; i <= 20; i++ {
		fs.put(h01m, current.AddDate(0, 0, -7*i), 5)
	}
	fs.put(h01m, current, 40)

	res, err := newDetector(fs, DefaultConfig()).Detect(context.Background(), periodEnd)
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	sig := res.Signals[0]
	assert.Equal(t, 0.0, sig.ZScore)
	assert.False(t, sig.IsSignificant)
	assert.Equal(t, 0.0, sig.BaselineStdDev)
	assert.Equal(t, 40, sig.CurrentCount)
}

func TestDetectKeyAccelerationIsDeterministic(t *testing.T) {
	fs := newFakeStore()
	current := utils.WeekStart(periodEnd)
	pattern := []int{10, 12, 14, 16}
	for i := 1; i <= 32; i++ {
		fs.put(h01m, current.AddDate(0, 0, -7*i), pattern[i%len(pattern)])
	}
	fs.put(h01m, current, 40)

	d := newDetector(fs, DefaultConfig())
	first, err := d.Detect(context.Background(), periodEnd)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), periodEnd)
	require.NoError(t, err)

	require.Len(t, first.Signals, 1)
	sig := first.Signals[0]
	assert.InDelta(t, 13, sig.BaselineMean, 1e-9)
	assert.InDelta(t, math.Sqrt(5), sig.BaselineStdDev, 1e-9)
	assert.InDelta(t, 27/math.Sqrt(5), sig.ZScore, 1e-9)
	assert.True(t, sig.IsSignificant)
	assert.False(t, sig.Seasonal)
	assert.Equal(t, 32, sig.HistoryWeeks)
	assert.Equal(t, periodEnd, sig.PeriodEnd)
	assert.InDelta(t, sig.ZScore, second.Signals[0].ZScore, 1e-12)
}

func TestDetectKeyMissingWeeksCountAsZero(t *testing.T) {
	fs := newFakeStore()
	current := utils.WeekStart(periodEnd)
	// Filings every other week over 12 weeks of history.
	for i := 2; i <= 12; i += 2 {
		fs.put(h01m, current.AddDate(0, 0, -7*i), 2)
	}
	fs.put(h01m, current, 2)

	res, err := newDetector(fs, DefaultConfig()).Detect(context.Background(), periodEnd)
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.InDelta(t, 1.0, res.Signals[0].BaselineMean, 1e-9)
	assert.InDelta(t, 1.0, res.Signals[0].BaselineStdDev, 1e-9)
	assert.InDelta(t, 1.0, res.Signals[0].ZScore, 1e-9)
}

func TestDetectSkipsShortHistory(t *testing.T) {
	fs := newFakeStore()
	current := utils.WeekStart(periodEnd)
	for i := 0; i <= 5; i++ {
		fs.put(h01m, current.AddDate(0, 0, -7*i), 3)
	}

	d := newDetector(fs, DefaultConfig())
	res, err := d.Detect(context.Background(), periodEnd)
	require.NoError(t, err)
	assert.Empty(t, res.Signals)
	assert.Equal(t, 1, res.Skipped)

	_, err = d.DetectKey(context.Background(), store.KeyHistory{Key: h01m, FirstWeek: current.AddDate(0, 0, -35)}, periodEnd)
	assert.True(t, utils.IsDataIncomplete(err))
}

func TestDetectDecelerationNeverSignificant(t *testing.T) {
	fs := newFakeStore()
	current := utils.WeekStart(periodEnd)
	for i := 1; i <= 15; i++ {
		fs.put(h01m, current.AddDate(0, 0, -7*i), 20+i%3)
	}
	fs.put(h01m, current, 0)

	cfg := DefaultConfig()
	cfg.ZThreshold = -100
	res, err := newDetector(fs, cfg).Detect(context.Background(), periodEnd)
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Less(t, res.Signals[0].ZScore, 0.0)
	assert.False(t, res.Signals[0].IsSignificant)
}

func TestDetectKeepsFinalizedPeriods(t *testing.T) {
	fs := newFakeStore()
	old := utils.WeekEnd(periodEnd.AddDate(0, 0, -35))
	current := utils.WeekStart(old)
	for i := 1; i <= 15; i++ {
		fs.put(h01m, current.AddDate(0, 0, -7*i), 4+i%2)
	}
	fs.put(h01m, current, 9)

	d := newDetector(fs, DefaultConfig())
	_, err := d.Detect(context.Background(), old)
	require.NoError(t, err)

	fs.put(h01m, current, 30)
	res, err := d.Detect(context.Background(), old)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	assert.Equal(t, 9, fs.signals[h01m.String()+"@"+old.Format(time.DateOnly)].CurrentCount)
}

func TestSeasonalAdjustmentRemovesMonthlyPattern(t *testing.T) {
	fs := newFakeStore()
	current := utils.WeekStart(periodEnd)
	// Two and a half years with a strong June bump every year.
	for i := 1; i <= 130; i++ {
		week := current.AddDate(0, 0, -7*i)
		n := 10 + i%2
		if weekMonth(week) == time.June {
			n += 20
		}
		fs.put(h01m, week, n)
	}
	fs.put(h01m, current, 31)

	seasonal, err := newDetector(fs, DefaultConfig()).Detect(context.Background(), periodEnd)
	require.NoError(t, err)
	require.Len(t, seasonal.Signals, 1)
	assert.True(t, seasonal.Signals[0].Seasonal)

	cfg := DefaultConfig()
	cfg.SeasonalHistoryWeeks = 1000
	raw, err := newDetector(fs, cfg).Detect(context.Background(), periodEnd)
	require.NoError(t, err)
	assert.False(t, raw.Signals[0].Seasonal)

	assert.Less(t, seasonal.Signals[0].ZScore, raw.Signals[0].ZScore)
	assert.True(t, raw.Signals[0].IsSignificant)
}

func TestSeasonalComponentNeedsFullWindow(t *testing.T) {
	assert.Nil(t, SeasonalComponent(nil, []float64{1, 2}, 13))
}
