package watch

import "math"

const maxConfidence = 0.99

// StatisticalConfidence maps a z-score to two-tailed normal significance.
func StatisticalConfidence(z float64) float64 {
	if math.IsNaN(z) {
		return 0
	}
	return math.Min(math.Erf(math.Abs(z)/math.Sqrt2), maxConfidence)
}

// NoveltyConfidence maps a [0,100] novelty score onto [0,0.99].
func NoveltyConfidence(score float64) float64 {
	if score <= 0 || math.IsNaN(score) {
		return 0
	}
	return math.Min(score/100, maxConfidence)
}

// EvidenceConfidence grows with the number of supporting patents and saturates below 1.
func EvidenceConfidence(n int, scale float64) float64 {
	if n <= 0 || scale <= 0 {
		return 0
	}
	return math.Min(1-math.Exp(-float64(n)/scale), maxConfidence)
}
