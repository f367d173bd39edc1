package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

const (
	defaultPageSize = 1000
	maxPages        = 50
)

// IngestionClient reads normalised patents from the ingestion collaborator.
type IngestionClient struct {
	baseURL     string
	patentsPath string
	pageSize    int
	httpClient  *http.Client
}

// NewIngestionClient constructs a client for the configured ingestion service.
func NewIngestionClient(baseURL, patentsPath string, timeout time.Duration) *IngestionClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IngestionClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		patentsPath: patentsPath,
		pageSize:    defaultPageSize,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type patentPayload struct {
	ID              string   `json:"patent_id"`
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract"`
	FilingDate      string   `json:"filing_date"`
	PublicationDate string   `json:"publication_date"`
	CPCCodes        []string `json:"cpc_codes"`
	AssigneeIDs     []string `json:"assignee_ids"`
	CitationCount   int      `json:"num_citations"`
	ClaimCount      int      `json:"num_claims"`
	TopicID         *string  `json:"topic_id"`
}

// FetchNewPatents pages through every patent published since the given instant.
// Records with unparseable dates are dropped; the aggregator validates the rest.
func (c *IngestionClient) FetchNewPatents(ctx context.Context, since time.Time) ([]models.PatentRecord, error) {
	const op = "repo.fetch_new_patents"
	if c == nil || c.baseURL == "" {
		return nil, utils.Configuration(op, "ingestion base URL not configured", nil)
	}

	var out []models.PatentRecord
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("since", since.UTC().Format(time.RFC3339))
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(page*c.pageSize))
		endpoint := resolvePath(c.baseURL, c.patentsPath) + "?" + q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, utils.Configuration(op, "invalid ingestion endpoint", err)
		}
		var response struct {
			Patents []patentPayload `json:"patents"`
		}
		if err := doJSON(c.httpClient, req, &response); err != nil {
			if retryable(err) {
				return nil, utils.Transient(op, "ingestion service unavailable", err)
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		for _, p := range response.Patents {
			rec, err := p.record()
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		if len(response.Patents) < c.pageSize {
			break
		}
	}
	return out, nil
}

func (p patentPayload) record() (models.PatentRecord, error) {
	filed, err := utils.ParseDate(p.FilingDate)
	if err != nil {
		return models.PatentRecord{}, err
	}
	var published time.Time
	if p.PublicationDate != "" {
		if published, err = utils.ParseDate(p.PublicationDate); err != nil {
			return models.PatentRecord{}, err
		}
	}
	return models.PatentRecord{
		ID:              p.ID,
		Title:           p.Title,
		Abstract:        p.Abstract,
		FilingDate:      filed,
		PublicationDate: published,
		CPCCodes:        p.CPCCodes,
		AssigneeIDs:     p.AssigneeIDs,
		CitationCount:   p.CitationCount,
		ClaimCount:      p.ClaimCount,
		TopicID:         p.TopicID,
	}, nil
}
