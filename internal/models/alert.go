package models

import "time"

// AlertType is the closed set of alert kinds the matcher can emit.
type AlertType string

const (
	AlertMaterialChange AlertType = "material_change"
	AlertNewTrend       AlertType = "new_trend"
	AlertCompetitorMove AlertType = "competitor_move"
	AlertNoveltySpike   AlertType = "novelty_spike"
)

// AlertTypes lists every alert type in evaluation order.
var AlertTypes = []AlertType{AlertMaterialChange, AlertNoveltySpike, AlertCompetitorMove, AlertNewTrend}

// AlertStatus is the lifecycle state of an alert. Transitions only leave Active.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusDismissed    AlertStatus = "dismissed"
)

// AlertKey is the composite identity used for debouncing.
type AlertKey struct {
	WatchlistID    string    `json:"watchlist_id"`
	Type           AlertType `json:"type"`
	TriggeredOn    string    `json:"triggered_on"`
	TriggeredValue string    `json:"triggered_value"`
}

func (k AlertKey) String() string {
	return k.WatchlistID + "|" + string(k.Type) + "|" + k.TriggeredOn + "|" + k.TriggeredValue
}

// CandidateAlert is a matcher output before debouncing.
type CandidateAlert struct {
	AlertKey
	MetricValue       float64  `json:"metric_value"`
	Confidence        float64  `json:"confidence"`
	EvidencePatentIDs []string `json:"evidence_patent_ids"`
	Description       string   `json:"description"`
}

// Alert is a persisted, deduplicated alert.
type Alert struct {
	ID string `json:"alert_id"`
	AlertKey
	MetricValue       float64     `json:"metric_value"`
	Confidence        float64     `json:"confidence"`
	EvidencePatentIDs []string    `json:"evidence_patent_ids"`
	Description       string      `json:"description"`
	Status            AlertStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	DeliveredAt       *time.Time  `json:"delivered_at,omitempty"`
	StatusChangedAt   *time.Time  `json:"status_changed_at,omitempty"`
}
