package novelty

import (
	"math"
	"sort"
	"time"

	"github.com/patentradar/patent-signals/internal/models"
)

// Feature names used in breakdowns and model artifacts.
const (
	FeatureMeanDistance = "mean_distance"
	FeatureRecency      = "recency"
	FeatureCPCBreadth   = "cpc_breadth"
	FeatureCitations    = "citations"
	FeatureIsRecent     = "is_recent"
)

// FeatureNames lists every feature in a stable order.
var FeatureNames = []string{FeatureMeanDistance, FeatureRecency, FeatureCPCBreadth, FeatureCitations, FeatureIsRecent}

// Features is the fixed, normalised input vector of a novelty model. Every field is in [0,1].
type Features struct {
	MeanDistance float64
	Recency      float64
	CPCBreadth   float64
	Citations    float64
	IsRecent     float64

	// RawMeanDistance and NeighborCount are kept for the stored score.
	RawMeanDistance float64
	NeighborCount   int
}

// Values returns the features keyed by name.
func (f Features) Values() map[string]float64 {
	return map[string]float64{
		FeatureMeanDistance: f.MeanDistance,
		FeatureRecency:      f.Recency,
		FeatureCPCBreadth:   f.CPCBreadth,
		FeatureCitations:    f.Citations,
		FeatureIsRecent:     f.IsRecent,
	}
}

// FeatureConfig caps and thresholds for feature construction.
type FeatureConfig struct {
	CPCBreadthCap int
	CitationCap   int
	RecentDays    int
}

// DefaultFeatureConfig mirrors the service defaults.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{CPCBreadthCap: 5, CitationCap: 100, RecentDays: 30}
}

const recencyHorizonDays = 1000

// BuildFeatures derives the feature vector from a patent and its neighbour distances.
// distances must be non-empty.
func BuildFeatures(p models.PatentRecord, distances []float64, cal Calibration, cfg FeatureConfig, now time.Time) Features {
	mean := 0.0
	for _, d := range distances {
		mean += d
	}
	mean /= float64(len(distances))

	days := now.Sub(p.FilingDate).Hours() / 24
	if days < 0 {
		days = 0
	}

	isRecent := 0.0
	if days < float64(cfg.RecentDays) {
		isRecent = 1
	}

	return Features{
		MeanDistance:    cal.Normalize(mean),
		Recency:         math.Min(days, recencyHorizonDays) / recencyHorizonDays,
		CPCBreadth:      cpcBreadth(p.CPCCodes, cfg.CPCBreadthCap),
		Citations:       citationScale(p.CitationCount, cfg.CitationCap),
		IsRecent:        isRecent,
		RawMeanDistance: mean,
		NeighborCount:   len(distances),
	}
}

// cpcBreadth counts distinct CPC subclasses, capped and scaled to [0,1].
func cpcBreadth(codes []string, capN int) float64 {
	if capN <= 0 {
		return 0
	}
	prefixes := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if p := models.CPCPrefix(c); p != "" {
			prefixes[p] = struct{}{}
		}
	}
	n := len(prefixes)
	if n > capN {
		n = capN
	}
	return float64(n) / float64(capN)
}

func citationScale(count, capN int) float64 {
	if count <= 0 || capN <= 0 {
		return 0
	}
	if count > capN {
		count = capN
	}
	return math.Log1p(float64(count)) / math.Log1p(float64(capN))
}

// Calibration is the min-max range used to normalise mean neighbour distance.
type Calibration struct {
	Min float64
	Max float64
}

// NewCalibration builds a range from recent mean distances, falling back when the
// sample is empty or has no spread.
func NewCalibration(samples []float64, fallback Calibration) Calibration {
	if len(samples) < 2 {
		return fallback
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	c := Calibration{Min: sorted[0], Max: sorted[len(sorted)-1]}
	if c.Max-c.Min < 1e-9 {
		return fallback
	}
	return c
}

// Normalize maps x into [0,1], clamping values outside the range.
func (c Calibration) Normalize(x float64) float64 {
	if c.Max <= c.Min {
		return 0
	}
	return clamp01((x - c.Min) / (c.Max - c.Min))
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
