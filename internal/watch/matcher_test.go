package watch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

type fakeFootprint struct {
	prior map[string]int
	err   error
	calls int
}

func (f *fakeFootprint) HistoricalFilings(_ context.Context, assigneeID string, key models.GroupingKey, _ []string) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.prior[assigneeID+"|"+key.String()], nil
}

var week = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

func watchlist() models.Watchlist {
	return models.Watchlist{
		ID:                  "wl-1",
		Owner:               "analyst@example.com",
		CPCCodes:            []string{"H01M"},
		AssigneeIDs:         []string{"ACME"},
		ZThreshold:          2.0,
		ConfidenceThreshold: 0.5,
		DigestCadence:       models.CadenceDaily,
		Active:              true,
	}
}

func signal(value string, z float64) models.TrendSignal {
	return models.TrendSignal{
		Key:           models.GroupingKey{Kind: models.KeyKindCPC, Value: value},
		PeriodEnd:     week,
		CurrentCount:  30,
		ZScore:        z,
		BaselineMean:  10,
		IsSignificant: z >= 2.0,
	}
}

func newMatcher(fp FootprintReader) *Matcher {
	return NewMatcher(fp, DefaultConfig(), nil)
}

func TestMaterialChangeRespectsWatchlistThreshold(t *testing.T) {
	m := newMatcher(&fakeFootprint{})
	w := watchlist()

	got, err := m.Match(context.Background(), w, []models.TrendSignal{signal("H01M", 1.8)}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.Match(context.Background(), w, []models.TrendSignal{signal("H01M", 2.1)}, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertMaterialChange, got[0].Type)
	assert.Equal(t, "cpc", got[0].TriggeredOn)
	assert.Equal(t, "H01M", got[0].TriggeredValue)
	assert.InDelta(t, math.Erf(2.1/math.Sqrt2), got[0].Confidence, 1e-12)
}

func TestMaterialChangeIgnoresUnwatchedAndInsignificantSignals(t *testing.T) {
	m := newMatcher(&fakeFootprint{})
	w := watchlist()
	w.ZThreshold = 0

	notSig := signal("H01M10/052", 3)
	notSig.IsSignificant = false
	got, err := m.Match(context.Background(), w, []models.TrendSignal{signal("G06N", 5), notSig, signal("H01M10/052", 4)}, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "H01M10/052", got[0].TriggeredValue)
}

func TestNoveltySpikeUsesCutoff(t *testing.T) {
	m := newMatcher(&fakeFootprint{})
	patents := []models.PatentRecord{
		{ID: "P1", CPCCodes: []string{"H01M10/052"}},
		{ID: "P2", CPCCodes: []string{"H01M4/13"}},
		{ID: "P3", CPCCodes: []string{"G06N3/08"}},
	}
	scores := []models.NoveltyScore{
		{PatentID: "P1", Score: 91, Active: true},
		{PatentID: "P2", Score: 60, Active: true},
		{PatentID: "P3", Score: 99, Active: true},
	}

	got, err := m.Match(context.Background(), watchlist(), nil, scores, patents)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertNoveltySpike, got[0].Type)
	assert.Equal(t, "P1", got[0].TriggeredValue)
	assert.InDelta(t, 0.91, got[0].Confidence, 1e-12)
}

func TestCompetitorMoveNeedsNewPairAndVolume(t *testing.T) {
	var patents []models.PatentRecord
	for _, id := range []string{"A1", "A2", "A3", "A4", "A5"} {
		patents = append(patents, models.PatentRecord{ID: id, AssigneeIDs: []string{"ACME"}, CPCCodes: []string{"B60L58/12"}})
	}
	patents = append(patents, models.PatentRecord{ID: "A6", AssigneeIDs: []string{"ACME"}, CPCCodes: []string{"G06N3/08"}})

	fp := &fakeFootprint{prior: map[string]int{}}
	got, err := newMatcher(fp).Match(context.Background(), watchlist(), nil, nil, patents)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertCompetitorMove, got[0].Type)
	assert.Equal(t, "ACME", got[0].TriggeredOn)
	assert.Equal(t, "cpc:B60L58/12", got[0].TriggeredValue)
	assert.Len(t, got[0].EvidencePatentIDs, 5)
	assert.Equal(t, 1, fp.calls)

	fp = &fakeFootprint{prior: map[string]int{"ACME|cpc:B60L58/12": 3}}
	got, err = newMatcher(fp).Match(context.Background(), watchlist(), nil, nil, patents)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompetitorMovePropagatesFootprintErrors(t *testing.T) {
	var patents []models.PatentRecord
	for _, id := range []string{"A1", "A2", "A3", "A4", "A5"} {
		patents = append(patents, models.PatentRecord{ID: id, AssigneeIDs: []string{"ACME"}, CPCCodes: []string{"B60L58/12"}})
	}
	boom := utils.Transient("store", "down", errors.New("conn reset"))
	_, err := newMatcher(&fakeFootprint{err: boom}).Match(context.Background(), watchlist(), nil, nil, patents)
	require.Error(t, err)
	assert.True(t, utils.IsTransient(err))
}

func TestKeywordMatchStripsMarkup(t *testing.T) {
	w := watchlist()
	w.Keywords = []string{"Solid-State Battery", "solid-state  battery"}
	w.ConfidenceThreshold = 0.3
	patents := []models.PatentRecord{
		{ID: "K1", Title: "<b>Solid-State</b> Battery cell", Abstract: "An electrolyte."},
		{ID: "K2", Title: "Anode", Abstract: "<p>Uses a solid-state battery &amp; separator</p>"},
		{ID: "K3", Title: "Solar panel", Abstract: "Nothing relevant."},
	}

	got, err := newMatcher(&fakeFootprint{}).Match(context.Background(), w, nil, nil, patents)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertNewTrend, got[0].Type)
	assert.Equal(t, "solid-state battery", got[0].TriggeredValue)
	assert.Equal(t, []string{"K1", "K2"}, got[0].EvidencePatentIDs)
	assert.InDelta(t, 1-math.Exp(-1), got[0].Confidence, 1e-12)
}

func TestMatchRejectsMalformedWatchlist(t *testing.T) {
	w := watchlist()
	w.ConfidenceThreshold = 1.5
	_, err := newMatcher(&fakeFootprint{}).Match(context.Background(), w, nil, nil, nil)
	assert.True(t, utils.IsConfiguration(err))

	w = watchlist()
	w.CPCCodes, w.AssigneeIDs = nil, nil
	_, err = newMatcher(&fakeFootprint{}).Match(context.Background(), w, nil, nil, nil)
	assert.True(t, utils.IsConfiguration(err))
}

func TestEveryAlertTypeHasARule(t *testing.T) {
	for _, typ := range models.AlertTypes {
		assert.Contains(t, rules, typ)
	}
}

func TestConfidenceMappings(t *testing.T) {
	assert.Equal(t, 0.0, StatisticalConfidence(0))
	assert.Equal(t, 0.99, StatisticalConfidence(10))
	assert.Equal(t, StatisticalConfidence(2), StatisticalConfidence(-2))
	assert.Equal(t, 0.99, NoveltyConfidence(100))
	assert.Equal(t, 0.0, EvidenceConfidence(0, 2))
	assert.Less(t, EvidenceConfidence(1, 2), EvidenceConfidence(3, 2))
}
