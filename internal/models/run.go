package models

import (
	"sync"
	"time"
)

// RunKind names one of the exposed batch operations.
type RunKind string

const (
	RunAggregation RunKind = "aggregation"
	RunDetection   RunKind = "acceleration_detection"
	RunScoring     RunKind = "novelty_scoring"
	RunEvaluation  RunKind = "watchlist_evaluation"
)

// UnitOutcome classifies a single unit of work inside a run.
type UnitOutcome string

const (
	UnitProcessed UnitOutcome = "processed"
	UnitSkipped   UnitOutcome = "skipped"
	UnitFailed    UnitOutcome = "failed"
)

// UnitError is the per-unit record surfaced in a run summary.
type UnitError struct {
	Unit    string      `json:"unit"`
	Outcome UnitOutcome `json:"outcome"`
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
}

// RunSummary reports what a run did.
type RunSummary struct {
	Run        RunKind     `json:"run"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Processed  int         `json:"processed"`
	Skipped    int         `json:"skipped"`
	Failed     int         `json:"failed"`
	Produced   int         `json:"produced"`
	Suppressed int         `json:"suppressed"`
	Late       int         `json:"late,omitempty"`
	Errors     []UnitError `json:"errors,omitempty"`
}

// RunTracker accumulates a RunSummary from concurrent workers.
type RunTracker struct {
	mu sync.Mutex
	s  RunSummary
}

// NewRunTracker starts tracking a run of the given kind.
func NewRunTracker(run RunKind, now time.Time) *RunTracker {
	return &RunTracker{s: RunSummary{Run: run, StartedAt: now}}
}

// Record counts one unit outcome and keeps the error detail for skipped and failed units.
func (t *RunTracker) Record(unit string, outcome UnitOutcome, kind string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case UnitProcessed:
		t.s.Processed++
	case UnitSkipped:
		t.s.Skipped++
	case UnitFailed:
		t.s.Failed++
	}
	if err != nil {
		t.s.Errors = append(t.s.Errors, UnitError{Unit: unit, Outcome: outcome, Kind: kind, Message: err.Error()})
	}
}

// AddProduced increments the produced counter (signals, scores or alerts).
func (t *RunTracker) AddProduced(n int) {
	t.mu.Lock()
	t.s.Produced += n
	t.mu.Unlock()
}

// AddSuppressed increments the debounced-alert counter.
func (t *RunTracker) AddSuppressed(n int) {
	t.mu.Lock()
	t.s.Suppressed += n
	t.mu.Unlock()
}

// AddLate increments the late-contribution counter.
func (t *RunTracker) AddLate(n int) {
	t.mu.Lock()
	t.s.Late += n
	t.mu.Unlock()
}

// Finish stamps the completion time and returns the final summary.
func (t *RunTracker) Finish(now time.Time) RunSummary {
	t.mu.Lock()
	t.s.FinishedAt = now
	t.mu.Unlock()
	return t.Summary()
}

// Summary returns a copy of the current counters.
func (t *RunTracker) Summary() RunSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.s
	out.Errors = append([]UnitError(nil), t.s.Errors...)
	return out
}
