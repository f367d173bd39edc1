package models

import "time"

// TrendSignal is the latest acceleration estimate for a key and period.
type TrendSignal struct {
	Key            GroupingKey `json:"key"`
	PeriodEnd      time.Time   `json:"period_end"`
	CurrentCount   int         `json:"current_count"`
	ZScore         float64     `json:"z_score"`
	BaselineMean   float64     `json:"baseline_mean"`
	BaselineStdDev float64     `json:"baseline_stddev"`
	HistoryWeeks   int         `json:"history_weeks"`
	Seasonal       bool        `json:"seasonally_adjusted"`
	IsSignificant  bool        `json:"is_significant"`
	ComputedAt     time.Time   `json:"computed_at"`
}

// NoveltyScore is a bounded novelty estimate for one patent under one model version.
type NoveltyScore struct {
	PatentID         string             `json:"patent_id"`
	Score            float64            `json:"score"`
	ScoreVersion     string             `json:"score_version"`
	MeanDistance     float64            `json:"mean_distance"`
	NeighborCount    int                `json:"neighbor_count"`
	FeatureBreakdown map[string]float64 `json:"feature_breakdown"`
	Active           bool               `json:"active"`
	ScoredAt         time.Time          `json:"scored_at"`
	// PublishedOn is the patent's publication (or filing) date; it scopes recent rankings.
	PublishedOn time.Time `json:"publication_date"`
}
