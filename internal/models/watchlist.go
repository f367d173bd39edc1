package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DigestCadence controls how often alerts for a watchlist are handed to delivery.
type DigestCadence string

const (
	CadenceImmediate DigestCadence = "immediate"
	CadenceDaily     DigestCadence = "daily"
	CadenceWeekly    DigestCadence = "weekly"
)

// Interval returns the minimum spacing between deliveries for the cadence.
func (c DigestCadence) Interval() time.Duration {
	switch c {
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Watchlist is a subscriber's criteria set. It is owned by the API layer; the engine
// only writes LastAlertSentAt.
type Watchlist struct {
	ID                  string        `json:"watchlist_id" validate:"required"`
	Owner               string        `json:"owner" validate:"required"`
	Name                string        `json:"name"`
	AssigneeIDs         []string      `json:"assignee_ids" validate:"dive,required"`
	CPCCodes            []string      `json:"cpc_codes" validate:"dive,required"`
	TopicIDs            []string      `json:"topic_ids" validate:"dive,required"`
	Keywords            []string      `json:"keywords" validate:"dive,required"`
	ZThreshold          float64       `json:"z_threshold" validate:"gte=0,lte=50"`
	ConfidenceThreshold float64       `json:"confidence_threshold" validate:"gte=0,lte=1"`
	DigestCadence       DigestCadence `json:"digest_cadence" validate:"oneof=immediate daily weekly"`
	Active              bool          `json:"active"`
	LastAlertSentAt     *time.Time    `json:"last_alert_sent_at,omitempty"`
}

var watchlistValidate = validator.New()

// Validate rejects malformed criteria before any rule runs.
func (w Watchlist) Validate() error {
	if math.IsNaN(w.ZThreshold) || math.IsNaN(w.ConfidenceThreshold) {
		return fmt.Errorf("watchlist %s: thresholds must be numbers", w.ID)
	}
	if err := watchlistValidate.Struct(w); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("watchlist %s: invalid criteria: %s", w.ID, strings.Join(fields, ", "))
		}
		return fmt.Errorf("watchlist %s: %w", w.ID, err)
	}
	if len(w.AssigneeIDs)+len(w.CPCCodes)+len(w.TopicIDs)+len(w.Keywords) == 0 {
		return fmt.Errorf("watchlist %s: at least one criterion is required", w.ID)
	}
	return nil
}

// WatchesKey reports whether a grouping key falls under the watchlist's CPC or topic
// criteria. A watched CPC code matches itself and any more specific symbol under it.
func (w Watchlist) WatchesKey(key GroupingKey) bool {
	switch key.Kind {
	case KeyKindCPC:
		value := NormalizeCPC(key.Value)
		for _, code := range w.CPCCodes {
			if code = NormalizeCPC(code); code != "" && strings.HasPrefix(value, code) {
				return true
			}
		}
	case KeyKindTopic:
		for _, topic := range w.TopicIDs {
			if strings.TrimSpace(topic) == key.Value {
				return true
			}
		}
	}
	return false
}

// WatchesAssignee reports whether the assignee is on the watchlist.
func (w Watchlist) WatchesAssignee(assigneeID string) bool {
	for _, id := range w.AssigneeIDs {
		if id == assigneeID {
			return true
		}
	}
	return false
}

// WatchesPatent reports whether any of the patent's assignees, CPC codes or topic is watched.
func (w Watchlist) WatchesPatent(p PatentRecord) bool {
	for _, a := range p.AssigneeIDs {
		if w.WatchesAssignee(a) {
			return true
		}
	}
	for _, key := range p.GroupingKeys() {
		if w.WatchesKey(key) {
			return true
		}
	}
	return false
}

// DeliveryDue reports whether the cadence allows a handoff at now.
func (w Watchlist) DeliveryDue(now time.Time) bool {
	if w.LastAlertSentAt == nil {
		return true
	}
	return !now.Before(w.LastAlertSentAt.Add(w.DigestCadence.Interval()))
}
