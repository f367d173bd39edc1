package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/patentradar/patent-signals/internal/cache"
	"github.com/patentradar/patent-signals/internal/novelty"
	"github.com/patentradar/patent-signals/internal/utils"
)

// patentNamespace derives stable Qdrant point ids from patent ids.
var patentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://patentradar.io/patents"))

// PointID returns the Qdrant point id under which a patent's embedding is stored.
func PointID(patentID string) string {
	return uuid.NewSHA1(patentNamespace, []byte(patentID)).String()
}

// IndexConfig configures the nearest-neighbour index client.
type IndexConfig struct {
	BaseURL    string
	APIKey     string
	Collection string
	Timeout    time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	CacheTTL  time.Duration
}

// IndexClient queries a Qdrant collection of patent embeddings for neighbour distances.
type IndexClient struct {
	cfg        IndexConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      cache.Provider
}

// NewIndexClient constructs a Qdrant client.
func NewIndexClient(cfg IndexConfig, cacheProvider cache.Provider) *IndexClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "patents"
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &IndexClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		cache:      cacheProvider,
	}
}

type recommendRequest struct {
	Positive    []string `json:"positive"`
	Limit       int      `json:"limit"`
	WithPayload bool     `json:"with_payload"`
	WithVector  bool     `json:"with_vector"`
}

type recommendResponse struct {
	Result []struct {
		ID    any     `json:"id"`
		Score float64 `json:"score"`
	} `json:"result"`
	Status any `json:"status"`
}

// NearestNeighborDistances returns cosine distances (1 - similarity) from the patent to
// its k closest neighbours, nearest first. Fewer than k are returned when the corpus is
// smaller. Unreachable index, timeouts and 5xx responses wrap novelty.ErrIndexUnavailable.
func (c *IndexClient) NearestNeighborDistances(ctx context.Context, patentID string, k int) ([]float64, error) {
	const op = "repo.nearest_neighbors"
	if c == nil || c.cfg.BaseURL == "" {
		return nil, utils.Configuration(op, "index base URL not configured", nil)
	}
	if k <= 0 {
		return nil, nil
	}

	cacheKey := "neighbors:" + patentID + ":" + strconv.Itoa(k)
	if data, err := c.cache.Get(ctx, cacheKey); err == nil {
		var cached []float64
		if json.Unmarshal(data, &cached) == nil {
			return cached, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, utils.Transient(op, "rate limiter wait aborted", fmt.Errorf("%w: %v", novelty.ErrIndexUnavailable, err))
	}

	body, err := json.Marshal(recommendRequest{Positive: []string{PointID(patentID)}, Limit: k})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}
	endpoint := resolvePath(c.cfg.BaseURL, "/collections/"+c.cfg.Collection+"/points/recommend")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, utils.Configuration(op, "invalid index endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	var response recommendResponse
	if err := doJSON(c.httpClient, req, &response); err != nil {
		switch {
		case retryable(err):
			return nil, utils.Transient(op, "index unavailable", fmt.Errorf("%w: %v", novelty.ErrIndexUnavailable, err))
		case statusCode(err) == http.StatusNotFound, statusCode(err) == http.StatusBadRequest:
			return nil, utils.DataIncomplete(op, "patent "+patentID+" is not indexed", err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	distances := make([]float64, 0, len(response.Result))
	for _, hit := range response.Result {
		d := 1 - hit.Score
		if d < 0 {
			d = 0
		}
		distances = append(distances, d)
	}

	if data, err := json.Marshal(distances); err == nil && c.cfg.CacheTTL > 0 {
		_ = c.cache.Set(ctx, cacheKey, data, c.cfg.CacheTTL)
	}
	return distances, nil
}
