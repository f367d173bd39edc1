package models

import (
	"fmt"
	"strings"
	"time"
)

// PatentRecord is an immutable, normalised patent as delivered by the ingestion collaborator.
type PatentRecord struct {
	ID              string    `json:"patent_id"`
	Title           string    `json:"title"`
	Abstract        string    `json:"abstract"`
	FilingDate      time.Time `json:"filing_date"`
	PublicationDate time.Time `json:"publication_date"`
	CPCCodes        []string  `json:"cpc_codes"`
	AssigneeIDs     []string  `json:"assignee_ids"`
	CitationCount   int       `json:"num_citations"`
	ClaimCount      int       `json:"num_claims"`
	// TopicID is filled from the topic collaborator; nil when the patent is unassigned.
	TopicID *string `json:"topic_id,omitempty"`
}

// Validate checks the record-level invariants the engine relies on.
func (p PatentRecord) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("patent id is required")
	}
	if p.FilingDate.IsZero() {
		return fmt.Errorf("patent %s: filing date is required", p.ID)
	}
	if !p.PublicationDate.IsZero() && p.FilingDate.After(p.PublicationDate) {
		return fmt.Errorf("patent %s: filing date %s after publication date %s",
			p.ID, p.FilingDate.Format(time.DateOnly), p.PublicationDate.Format(time.DateOnly))
	}
	if p.CitationCount < 0 {
		return fmt.Errorf("patent %s: negative citation count", p.ID)
	}
	return nil
}

// GroupingKeys returns every trend key the patent contributes to: one per distinct CPC
// code plus its topic when assigned.
func (p PatentRecord) GroupingKeys() []GroupingKey {
	keys := make([]GroupingKey, 0, len(p.CPCCodes)+1)
	seen := make(map[string]struct{}, len(p.CPCCodes))
	for _, code := range p.CPCCodes {
		code = NormalizeCPC(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		keys = append(keys, GroupingKey{Kind: KeyKindCPC, Value: code})
	}
	if p.TopicID != nil && strings.TrimSpace(*p.TopicID) != "" {
		keys = append(keys, GroupingKey{Kind: KeyKindTopic, Value: strings.TrimSpace(*p.TopicID)})
	}
	return keys
}

// NormalizeCPC upper-cases a CPC symbol and strips whitespace ("h01m 10/052" -> "H01M10/052").
func NormalizeCPC(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

// CPCPrefix returns the subclass portion of a CPC symbol ("H01M10/052" -> "H01M").
func CPCPrefix(code string) string {
	code = NormalizeCPC(code)
	if len(code) <= 4 {
		return code
	}
	return code[:4]
}

// KeyKind tags a grouping key as a CPC code or a topic id.
type KeyKind string

const (
	KeyKindCPC   KeyKind = "cpc"
	KeyKindTopic KeyKind = "topic"
)

// GroupingKey identifies one bucketed trend series.
type GroupingKey struct {
	Kind  KeyKind `json:"kind" db:"key_kind"`
	Value string  `json:"value" db:"key_value"`
}

func (k GroupingKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// WeeklyBin is the count of distinct patents filed in one ISO week for one key.
type WeeklyBin struct {
	Key       GroupingKey `json:"key"`
	WeekStart time.Time   `json:"week_start"`
	Count     int         `json:"count"`
}
