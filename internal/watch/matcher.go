package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

// FootprintReader answers how many filings an assignee had under a key, ignoring the
// given patent ids. Zero means the (assignee, key) pair is new.
type FootprintReader interface {
	HistoricalFilings(ctx context.Context, assigneeID string, key models.GroupingKey, exclude []string) (int, error)
}

// Config holds the rule parameters shared by every watchlist.
type Config struct {
	MinNewFilings     int
	EvidenceScale     float64
	HighNoveltyCutoff float64
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{MinNewFilings: 5, EvidenceScale: 2, HighNoveltyCutoff: 80}
}

// Matcher turns signals, scores and new patents into candidate alerts for a watchlist.
type Matcher struct {
	footprint FootprintReader
	cfg       Config
	logger    *slog.Logger
}

// NewMatcher builds a Matcher.
func NewMatcher(footprint FootprintReader, cfg Config, logger *slog.Logger) *Matcher {
	return &Matcher{footprint: footprint, cfg: cfg, logger: utils.LoggerOrDefault(logger)}
}

// input is the per-call view every rule reads from.
type input struct {
	watchlist  models.Watchlist
	signals    []models.TrendSignal
	scores     map[string]models.NoveltyScore
	newPatents []models.PatentRecord
}

type rule func(ctx context.Context, m *Matcher, in input) ([]models.CandidateAlert, error)

var rules = map[models.AlertType]rule{
	models.AlertMaterialChange: materialChange,
	models.AlertNoveltySpike:   noveltySpike,
	models.AlertCompetitorMove: competitorMove,
	models.AlertNewTrend:       keywordMatch,
}

// Match evaluates every rule independently and drops candidates below the watchlist's
// confidence threshold. Malformed criteria return a ConfigurationError before any rule runs.
func (m *Matcher) Match(ctx context.Context, w models.Watchlist, signals []models.TrendSignal, scores []models.NoveltyScore, newPatents []models.PatentRecord) ([]models.CandidateAlert, error) {
	const op = "watch.match"
	if err := w.Validate(); err != nil {
		return nil, utils.Configuration(op, "invalid watchlist", err)
	}

	in := input{
		watchlist:  w,
		signals:    signals,
		scores:     make(map[string]models.NoveltyScore, len(scores)),
		newPatents: newPatents,
	}
	for _, s := range scores {
		if s.Active {
			in.scores[s.PatentID] = s
		}
	}

	var out []models.CandidateAlert
	for _, t := range models.AlertTypes {
		r, ok := rules[t]
		if !ok {
			return nil, utils.Invariant(op, "no rule registered for alert type "+string(t), nil)
		}
		candidates, err := r(ctx, m, in)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, t, err)
		}
		for _, c := range candidates {
			if c.Confidence < w.ConfidenceThreshold {
				m.logger.Debug("candidate below confidence threshold",
					"watchlist_id", w.ID, "alert_key", c.AlertKey.String(), "confidence", c.Confidence)
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func materialChange(_ context.Context, _ *Matcher, in input) ([]models.CandidateAlert, error) {
	w := in.watchlist
	var out []models.CandidateAlert
	for _, sig := range in.signals {
		if !sig.IsSignificant || sig.ZScore < w.ZThreshold || !w.WatchesKey(sig.Key) {
			continue
		}
		var evidence []string
		for _, p := range in.newPatents {
			if hasKey(p, sig.Key) {
				evidence = append(evidence, p.ID)
			}
		}
		out = append(out, models.CandidateAlert{
			AlertKey: models.AlertKey{
				WatchlistID:    w.ID,
				Type:           models.AlertMaterialChange,
				TriggeredOn:    string(sig.Key.Kind),
				TriggeredValue: sig.Key.Value,
			},
			MetricValue:       sig.ZScore,
			Confidence:        StatisticalConfidence(sig.ZScore),
			EvidencePatentIDs: evidence,
			Description: fmt.Sprintf("%s filings accelerated in week ending %s: %d vs baseline %.1f (z=%.2f)",
				sig.Key, sig.PeriodEnd.Format("2006-01-02"), sig.CurrentCount, sig.BaselineMean, sig.ZScore),
		})
	}
	return out, nil
}

func noveltySpike(_ context.Context, m *Matcher, in input) ([]models.CandidateAlert, error) {
	w := in.watchlist
	var out []models.CandidateAlert
	for _, p := range in.newPatents {
		score, ok := in.scores[p.ID]
		if !ok || score.Score < m.cfg.HighNoveltyCutoff || !w.WatchesPatent(p) {
			continue
		}
		out = append(out, models.CandidateAlert{
			AlertKey: models.AlertKey{
				WatchlistID:    w.ID,
				Type:           models.AlertNoveltySpike,
				TriggeredOn:    "patent",
				TriggeredValue: p.ID,
			},
			MetricValue:       score.Score,
			Confidence:        NoveltyConfidence(score.Score),
			EvidencePatentIDs: []string{p.ID},
			Description:       fmt.Sprintf("patent %s scored %.1f novelty (model %s)", p.ID, score.Score, score.ScoreVersion),
		})
	}
	return out, nil
}

type footprintPair struct {
	assignee string
	key      models.GroupingKey
}

func competitorMove(ctx context.Context, m *Matcher, in input) ([]models.CandidateAlert, error) {
	w := in.watchlist
	groups := make(map[footprintPair][]string)
	for _, p := range in.newPatents {
		for _, a := range p.AssigneeIDs {
			if !w.WatchesAssignee(a) {
				continue
			}
			for _, key := range p.GroupingKeys() {
				pair := footprintPair{assignee: a, key: key}
				groups[pair] = append(groups[pair], p.ID)
			}
		}
	}

	pairs := make([]footprintPair, 0, len(groups))
	for pair, ids := range groups {
		if len(ids) >= m.cfg.MinNewFilings {
			pairs = append(pairs, pair)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].assignee != pairs[j].assignee {
			return pairs[i].assignee < pairs[j].assignee
		}
		return pairs[i].key.String() < pairs[j].key.String()
	})

	var out []models.CandidateAlert
	for _, pair := range pairs {
		ids := groups[pair]
		prior, err := m.footprint.HistoricalFilings(ctx, pair.assignee, pair.key, ids)
		if err != nil {
			return nil, err
		}
		if prior > 0 {
			continue
		}
		out = append(out, models.CandidateAlert{
			AlertKey: models.AlertKey{
				WatchlistID:    w.ID,
				Type:           models.AlertCompetitorMove,
				TriggeredOn:    pair.assignee,
				TriggeredValue: pair.key.String(),
			},
			MetricValue:       float64(len(ids)),
			Confidence:        EvidenceConfidence(len(ids), m.cfg.EvidenceScale),
			EvidencePatentIDs: ids,
			Description:       fmt.Sprintf("assignee %s filed %d patents under new area %s", pair.assignee, len(ids), pair.key),
		})
	}
	return out, nil
}

func keywordMatch(_ context.Context, m *Matcher, in input) ([]models.CandidateAlert, error) {
	w := in.watchlist
	if len(w.Keywords) == 0 || len(in.newPatents) == 0 {
		return nil, nil
	}
	texts := make([]string, len(in.newPatents))
	for i, p := range in.newPatents {
		texts[i] = searchText(p.Title, p.Abstract)
	}

	seen := make(map[string]struct{}, len(w.Keywords))
	var out []models.CandidateAlert
	for _, raw := range w.Keywords {
		kw := normalizeKeyword(raw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}

		var ids []string
		for i, text := range texts {
			if strings.Contains(text, kw) {
				ids = append(ids, in.newPatents[i].ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		out = append(out, models.CandidateAlert{
			AlertKey: models.AlertKey{
				WatchlistID:    w.ID,
				Type:           models.AlertNewTrend,
				TriggeredOn:    "keyword",
				TriggeredValue: kw,
			},
			MetricValue:       float64(len(ids)),
			Confidence:        EvidenceConfidence(len(ids), m.cfg.EvidenceScale),
			EvidencePatentIDs: ids,
			Description:       fmt.Sprintf("%d new patents mention %q", len(ids), kw),
		})
	}
	return out, nil
}

func hasKey(p models.PatentRecord, key models.GroupingKey) bool {
	for _, k := range p.GroupingKeys() {
		if k == key {
			return true
		}
	}
	return false
}
