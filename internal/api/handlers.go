package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/patentradar/patent-signals/internal/engine"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

var validate = validator.New()

// RunRequest carries the optional arguments of the four run methods.
type RunRequest struct {
	UpTo        string           `json:"up_to"`
	PeriodEnd   string           `json:"period_end"`
	Since       string           `json:"since"`
	WatchlistID string           `json:"watchlist_id"`
	Patents     []PatentPayload `json:"patents" validate:"dive"`
}

// AlertRequest identifies one alert.
type AlertRequest struct {
	AlertID string `json:"alert_id" validate:"required"`
}

// ListAlertsRequest filters GetActiveAlerts.
type ListAlertsRequest struct {
	WatchlistID string `json:"watchlist_id"`
}

// TrendsRequest filters ListTrends; absent fields fall back to the listing defaults.
type TrendsRequest struct {
	MinZScore  *float64 `json:"min_z_score" validate:"omitempty,gte=0"`
	PeriodDays int      `json:"period_days" validate:"omitempty,gte=7,lte=365"`
	Limit      int      `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

// Query applies the defaults: 90 days, z >= 1.5, 20 keys.
func (r TrendsRequest) Query() engine.TrendQuery {
	q := engine.TrendQuery{MinZScore: 1.5, PeriodDays: 90, Limit: 20}
	if r.MinZScore != nil {
		q.MinZScore = *r.MinZScore
	}
	if r.PeriodDays > 0 {
		q.PeriodDays = r.PeriodDays
	}
	if r.Limit > 0 {
		q.Limit = r.Limit
	}
	return q
}

// NovelPatentsRequest filters TopNovelPatents.
type NovelPatentsRequest struct {
	Days  int `json:"days" validate:"omitempty,gte=1,lte=365"`
	Limit int `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

// Window returns the lookback in days and the result size, defaulting to 7 and 10.
func (r NovelPatentsRequest) Window() (days, limit int) {
	days, limit = 7, 10
	if r.Days > 0 {
		days = r.Days
	}
	if r.Limit > 0 {
		limit = r.Limit
	}
	return days, limit
}

// PatentPayload is the wire form of a patent in a scoring batch.
type PatentPayload struct {
	ID              string   `json:"patent_id" validate:"required"`
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract"`
	FilingDate      string   `json:"filing_date" validate:"required"`
	PublicationDate string   `json:"publication_date"`
	CPCCodes        []string `json:"cpc_codes"`
	AssigneeIDs     []string `json:"assignee_ids"`
	CitationCount   int      `json:"num_citations" validate:"gte=0"`
	ClaimCount      int      `json:"num_claims" validate:"gte=0"`
	TopicID         *string  `json:"topic_id"`
}

// Record converts the payload into a domain patent.
func (p PatentPayload) Record() (models.PatentRecord, error) {
	filed, err := utils.ParseDate(p.FilingDate)
	if err != nil {
		return models.PatentRecord{}, fmt.Errorf("patent %s: filing_date: %w", p.ID, err)
	}
	rec := models.PatentRecord{
		ID:            p.ID,
		Title:         p.Title,
		Abstract:      p.Abstract,
		FilingDate:    filed,
		CPCCodes:      p.CPCCodes,
		AssigneeIDs:   p.AssigneeIDs,
		CitationCount: p.CitationCount,
		ClaimCount:    p.ClaimCount,
		TopicID:       p.TopicID,
	}
	if p.PublicationDate != "" {
		if rec.PublicationDate, err = utils.ParseDate(p.PublicationDate); err != nil {
			return models.PatentRecord{}, fmt.Errorf("patent %s: publication_date: %w", p.ID, err)
		}
	}
	return rec, rec.Validate()
}

// Decode copies a Struct document into dst and validates it.
func Decode(src *structpb.Struct, dst any) error {
	if src == nil {
		src = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(src)
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// Encode converts any JSON-serialisable value into a Struct document.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

// OptionalDate parses a YYYY-MM-DD or RFC3339 field; empty yields the zero time.
func OptionalDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := utils.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", field, err)
	}
	return t, nil
}

// Batch converts the request's patents into domain records.
func (r RunRequest) Batch() ([]models.PatentRecord, error) {
	out := make([]models.PatentRecord, 0, len(r.Patents))
	for _, p := range r.Patents {
		rec, err := p.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// TrendsResponse wraps a trend listing.
type TrendsResponse struct {
	Trends []models.TrendSignal `json:"trends"`
	Count  int                  `json:"count"`
}

// NovelPatentsResponse wraps a novelty ranking.
type NovelPatentsResponse struct {
	Patents []models.NoveltyScore `json:"patents"`
	Count   int                   `json:"count"`
}

// AlertsResponse wraps an alert listing.
type AlertsResponse struct {
	Alerts []models.Alert `json:"alerts"`
	Count  int            `json:"count"`
}
