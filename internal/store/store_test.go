package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "signals.db")}, nil)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	h01m   = models.GroupingKey{Kind: models.KeyKindCPC, Value: "H01M"}
	topicA = models.GroupingKey{Kind: models.KeyKindTopic, Value: "solid-state-electrolytes"}
	week1  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"}, nil)
	require.Error(t, err)
	assert.True(t, utils.IsConfiguration(err))
}

func TestOpenSQLiteUsesQuestionPlaceholders(t *testing.T) {
	s := newTestStore(t)
	query, args, err := s.sb.Select("signal_id").From("trend_signals").Where(sq.Eq{"grouping_key": "cpc:H01M"}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT signal_id FROM trend_signals WHERE grouping_key = ?", query)
	assert.Equal(t, []any{"cpc:H01M"}, args)
}

func TestAddContributionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := Contribution{PatentID: "US1", AssigneeIDs: []string{"acme"}, WeekStart: week1, Keys: []models.GroupingKey{h01m, topicA}}

	added, err := s.AddContribution(ctx, c)
	require.NoError(t, err)
	assert.Len(t, added, 2)

	added, err = s.AddContribution(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, added)

	_, err = s.AddContribution(ctx, Contribution{PatentID: "US2", WeekStart: week1, Keys: []models.GroupingKey{h01m}})
	require.NoError(t, err)

	bins, err := s.BinSeries(ctx, h01m, week1, week1)
	require.NoError(t, err)
	require.Len(t, bins, 1)
	assert.Equal(t, 2, bins[0].Count)

	keys, err := s.KeysWithBins(ctx, week1)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, h01m, keys[0].Key)
	assert.Equal(t, week1, keys[0].FirstWeek)
}

func TestHistoricalFilingsExcludesCurrentPatents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.AddContribution(ctx, Contribution{
			PatentID: fmt.Sprintf("US%d", i), AssigneeIDs: []string{"acme"}, WeekStart: week1, Keys: []models.GroupingKey{h01m},
		})
		require.NoError(t, err)
	}

	n, err := s.HistoricalFilings(ctx, "acme", h01m, []string{"US0", "US1", "US2"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.HistoricalFilings(ctx, "acme", h01m, []string{"US2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.HistoricalFilings(ctx, "globex", h01m, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpsertSignalOverwritesUnlessFinalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	period := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	sig := models.TrendSignal{Key: h01m, PeriodEnd: period, CurrentCount: 10, ZScore: 1.5, ComputedAt: period}

	written, err := s.UpsertSignal(ctx, sig, period.AddDate(0, 0, -14))
	require.NoError(t, err)
	assert.True(t, written)

	sig.ZScore = 2.5
	sig.IsSignificant = true
	written, err = s.UpsertSignal(ctx, sig, period.AddDate(0, 0, -14))
	require.NoError(t, err)
	assert.True(t, written)

	got, err := s.GetSignal(ctx, h01m, period)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got.ZScore)
	assert.True(t, got.IsSignificant)

	sig.ZScore = 9
	written, err = s.UpsertSignal(ctx, sig, period.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, written)

	got, err = s.GetSignal(ctx, h01m, period)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got.ZScore)

	listed, err := s.ListSignals(ctx, SignalFilter{PeriodEndFrom: period, SignificantOnly: true, Kinds: []models.KeyKind{models.KeyKindCPC}})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestSaveScoreKeepsOneActiveVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveScore(ctx, models.NoveltyScore{
		PatentID: "US1", Score: 40, ScoreVersion: "linear-v1", MeanDistance: 0.4, NeighborCount: 50,
		FeatureBreakdown: map[string]float64{"mean_distance": 0.3}, ScoredAt: at,
	}))
	require.NoError(t, s.SaveScore(ctx, models.NoveltyScore{
		PatentID: "US1", Score: 55, ScoreVersion: "linear-v2", MeanDistance: 0.4, NeighborCount: 50,
		FeatureBreakdown: map[string]float64{"mean_distance": 0.45}, ScoredAt: at.Add(time.Hour),
	}))

	active, err := s.ActiveScore(ctx, "US1")
	require.NoError(t, err)
	assert.Equal(t, "linear-v2", active.ScoreVersion)
	assert.Equal(t, 0.45, active.FeatureBreakdown["mean_distance"])

	history, err := s.ScoreHistory(ctx, "US1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[1].Active)

	scores, err := s.ActiveScores(ctx, []string{"US1", "US404"})
	require.NoError(t, err)
	assert.Len(t, scores, 1)

	dists, err := s.RecentMeanDistances(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.4}, dists)

	_, err = s.ActiveScore(ctx, "US404")
	assert.True(t, utils.IsNotFound(err))
}

func TestTopActiveScoresRanksRecentPublications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, sc := range []struct {
		id        string
		score     float64
		version   string
		published time.Time
	}{
		{"US1", 90, "linear-v1", at.AddDate(0, 0, -30)},
		{"US2", 70, "linear-v1", at.AddDate(0, 0, -2)},
		{"US3", 85, "linear-v1", at.AddDate(0, 0, -1)},
		{"US4", 60, "linear-v1", at},
		{"US4", 95, "linear-v0", at},
	} {
		require.NoError(t, s.SaveScore(ctx, models.NoveltyScore{
			PatentID: sc.id, Score: sc.score, ScoreVersion: sc.version, MeanDistance: 0.5, NeighborCount: 50,
			FeatureBreakdown: map[string]float64{}, ScoredAt: at, PublishedOn: sc.published,
		}))
	}

	top, err := s.TopActiveScores(ctx, at.AddDate(0, 0, -7), 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "US4", top[0].PatentID)
	assert.Equal(t, 95.0, top[0].Score)
	assert.Equal(t, "US3", top[1].PatentID)
	assert.Equal(t, at.AddDate(0, 0, -1), top[1].PublishedOn)

	none, err := s.TopActiveScores(ctx, at.AddDate(0, 0, 1), 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAlert(id string, at time.Time) models.Alert {
	return models.Alert{
		ID: id,
		AlertKey: models.AlertKey{
			WatchlistID: "wl-1", Type: models.AlertMaterialChange, TriggeredOn: "cpc", TriggeredValue: "H01M",
		},
		MetricValue:       2.4,
		Confidence:        0.98,
		EvidencePatentIDs: []string{"US1"},
		CreatedAt:         at,
	}
}

func TestClaimAndInsertAlertDebounces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := 7 * 24 * time.Hour
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	res, err := s.ClaimAndInsertAlert(ctx, testAlert("a1", at), window)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.ActiveInWindow)

	res, err = s.ClaimAndInsertAlert(ctx, testAlert("a2", at.Add(24*time.Hour)), window)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "a1", res.HolderID)

	n, err := s.SuppressedCount(ctx, testAlert("", at).AlertKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = s.ClaimAndInsertAlert(ctx, testAlert("a3", at.Add(window)), window)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.ActiveInWindow)
}

func TestClaimAndInsertAlertConcurrentCallersCreateOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.ClaimAndInsertAlert(ctx, testAlert(fmt.Sprintf("c%d", i), at), 7*24*time.Hour)
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)

	active, err := s.ListAlerts(ctx, AlertFilter{WatchlistID: "wl-1", Status: models.StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestTransitionAlertReleasesSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	window := 7 * 24 * time.Hour

	_, err := s.ClaimAndInsertAlert(ctx, testAlert("a1", at), window)
	require.NoError(t, err)

	acked, err := s.TransitionAlert(ctx, "a1", models.StatusAcknowledged, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.StatusChangedAt)

	_, err = s.TransitionAlert(ctx, "a1", models.StatusDismissed, at.Add(2*time.Hour))
	require.Error(t, err)
	assert.Equal(t, utils.KindInvalidTransition, utils.KindOf(err))

	_, err = s.TransitionAlert(ctx, "missing", models.StatusDismissed, at)
	assert.True(t, utils.IsNotFound(err))

	res, err := s.ClaimAndInsertAlert(ctx, testAlert("a2", at.Add(3*time.Hour)), window)
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestMarkDeliveredOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveWatchlist(ctx, models.Watchlist{
		ID: "wl-1", Owner: "ops", CPCCodes: []string{"H01M"}, ZThreshold: 2, DigestCadence: models.CadenceImmediate, Active: true,
	}))
	_, err := s.ClaimAndInsertAlert(ctx, testAlert("a1", at), time.Hour)
	require.NoError(t, err)

	first, err := s.MarkDelivered(ctx, "a1", at.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, first.DeliveredAt)

	second, err := s.MarkDelivered(ctx, "a1", at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, *first.DeliveredAt, *second.DeliveredAt)

	wl, err := s.GetWatchlist(ctx, "wl-1")
	require.NoError(t, err)
	require.NotNil(t, wl.LastAlertSentAt)
	assert.Equal(t, at.Add(time.Minute), *wl.LastAlertSentAt)
	assert.Equal(t, []string{"H01M"}, wl.CPCCodes)
	assert.Empty(t, wl.Keywords)

	_, err = s.MarkDelivered(ctx, "missing", at)
	assert.True(t, utils.IsNotFound(err))
}

func TestCursorOnlyAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Cursor(ctx, "aggregation")
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AdvanceCursor(ctx, "aggregation", t1))
	require.NoError(t, s.AdvanceCursor(ctx, "aggregation", t1.Add(-time.Hour)))

	got, ok, err := s.Cursor(ctx, "aggregation")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, t1, got)
}
