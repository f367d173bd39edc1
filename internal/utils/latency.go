package utils

import (
	"slices"
	"sync"
	"time"
)

// DurationSampler keeps a bounded ring of unit-of-work durations for run reports.
type DurationSampler struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// NewDurationSampler creates a sampler holding up to size samples.
func NewDurationSampler(size int) *DurationSampler {
	if size <= 0 {
		size = 512
	}
	return &DurationSampler{samples: make([]time.Duration, size)}
}

// Observe records d, overwriting the oldest sample once full.
func (s *DurationSampler) Observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = d
	s.next = (s.next + 1) % len(s.samples)
	if s.next == 0 {
		s.full = true
	}
}

// Count returns the number of retained samples.
func (s *DurationSampler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count()
}

func (s *DurationSampler) count() int {
	if s.full {
		return len(s.samples)
	}
	return s.next
}

// Percentile returns the nearest-rank percentile (0-100), or zero without samples.
func (s *DurationSampler) Percentile(p float64) time.Duration {
	s.mu.Lock()
	sorted := slices.Clone(s.samples[:s.count()])
	s.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[int((p/100.0)*float64(len(sorted)-1))]
}
