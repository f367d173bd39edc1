package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patentradar/patent-signals/internal/cache"
	"github.com/patentradar/patent-signals/internal/utils"
)

// noTopic is cached for patents the topic service has not assigned.
const noTopic = "\x00"

// TopicClient resolves a patent's topic cluster.
type TopicClient struct {
	baseURL    string
	topicPath  string
	httpClient *http.Client
	cache      cache.Provider
	ttl        time.Duration
}

// NewTopicClient constructs a client for the topic-clustering collaborator.
func NewTopicClient(baseURL, topicPath string, timeout time.Duration, cacheProvider cache.Provider, ttl time.Duration) *TopicClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TopicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		topicPath:  topicPath,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		ttl:        ttl,
	}
}

// TopicOf returns the patent's topic id, or nil when it has none.
func (c *TopicClient) TopicOf(ctx context.Context, patentID string) (*string, error) {
	const op = "repo.topic_of"
	if c == nil || c.baseURL == "" {
		return nil, nil
	}

	cacheKey := "topic:" + patentID
	if data, err := c.cache.Get(ctx, cacheKey); err == nil {
		if string(data) == noTopic {
			return nil, nil
		}
		topic := string(data)
		return &topic, nil
	}

	endpoint := resolvePath(c.baseURL, c.topicPath+"/"+url.PathEscape(patentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, utils.Configuration(op, "invalid topic endpoint", err)
	}
	var response struct {
		TopicID *string `json:"topic_id"`
	}
	err = doJSON(c.httpClient, req, &response)
	switch {
	case err == nil:
	case statusCode(err) == http.StatusNotFound:
		response.TopicID = nil
	case retryable(err):
		return nil, utils.Transient(op, "topic service unavailable", err)
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	value := noTopic
	if response.TopicID != nil && strings.TrimSpace(*response.TopicID) != "" {
		value = strings.TrimSpace(*response.TopicID)
	}
	if c.ttl > 0 {
		_ = c.cache.Set(ctx, cacheKey, []byte(value), c.ttl)
	}
	if value == noTopic {
		return nil, nil
	}
	return &value, nil
}
