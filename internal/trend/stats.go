package trend

import (
	"math"
	"time"
)

// zeroStdDev is the threshold below which a baseline is treated as flat.
const zeroStdDev = 1e-12

// MeanStdDev returns the mean and population standard deviation of values.
func MeanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// ZScore standardises current against baseline. A flat baseline yields zero.
func ZScore(current float64, baseline []float64) (z, mean, std float64) {
	mean, std = MeanStdDev(baseline)
	if std < zeroStdDev {
		return 0, mean, 0
	}
	return (current - mean) / std, mean, std
}

// SeasonalComponent estimates a month-of-year effect from weekly counts: the mean
// deviation of each week from a centred moving average of width window (odd). weeks[i]
// is the start of the week whose count is counts[i]. Months without a full-window
// estimate are absent from the result.
func SeasonalComponent(weeks []time.Time, counts []float64, window int) map[time.Month]float64 {
	half := window / 2
	if window < 3 || len(counts) < window {
		return nil
	}
	sums := make(map[time.Month]float64, 12)
	ns := make(map[time.Month]int, 12)

	running := 0.0
	for i := 0; i < window; i++ {
		running += counts[i]
	}
	for centre := half; centre < len(counts)-half; centre++ {
		if centre > half {
			running += counts[centre+half] - counts[centre-half-1]
		}
		month := weekMonth(weeks[centre])
		sums[month] += counts[centre] - running/float64(window)
		ns[month]++
	}

	out := make(map[time.Month]float64, len(sums))
	for m, s := range sums {
		out[m] = s / float64(ns[m])
	}
	return out
}

// weekMonth assigns an ISO week to the month containing its Thursday.
func weekMonth(weekStart time.Time) time.Month {
	return weekStart.AddDate(0, 0, 3).Month()
}
