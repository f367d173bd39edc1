package repo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentradar/patent-signals/internal/novelty"
	"github.com/patentradar/patent-signals/internal/utils"
)

func TestFetchNewPatentsPagesAndParsesDates(t *testing.T) {
	client := NewIngestionClient("https://ingest.example.com", "/api/v1/patents", time.Second)
	client.pageSize = 2
	var offsets []string
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/patents" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		assert.Equal(t, "2024-06-01T00:00:00Z", req.URL.Query().Get("since"))
		offset := req.URL.Query().Get("offset")
		offsets = append(offsets, offset)
		n, _ := strconv.Atoi(offset)
		var patents []map[string]any
		if n == 0 {
			patents = []map[string]any{
				{"patent_id": "US1", "filing_date": "2024-05-01", "publication_date": "2024-06-03", "cpc_codes": []string{"H01M10/052"}, "num_citations": 3},
				{"patent_id": "US2", "filing_date": "not-a-date"},
			}
		} else {
			patents = []map[string]any{{"patent_id": "US3", "filing_date": "2024-05-20T00:00:00Z", "assignee_ids": []string{"ACME"}}}
		}
		return jsonResponse(http.StatusOK, map[string]any{"patents": patents}), nil
	})

	got, err := client.FetchNewPatents(context.Background(), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "2"}, offsets)
	require.Len(t, got, 2)
	assert.Equal(t, "US1", got[0].ID)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got[0].FilingDate)
	assert.Equal(t, 3, got[0].CitationCount)
	assert.Equal(t, []string{"ACME"}, got[1].AssigneeIDs)
}

func TestFetchNewPatentsServerErrorIsTransient(t *testing.T) {
	client := NewIngestionClient("https://ingest.example.com", "/api/v1/patents", time.Second)
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusServiceUnavailable, map[string]string{"error": "busy"}), nil
	})
	_, err := client.FetchNewPatents(context.Background(), time.Now())
	assert.True(t, utils.IsTransient(err))

	_, err = NewIngestionClient("", "/x", time.Second).FetchNewPatents(context.Background(), time.Now())
	assert.True(t, utils.IsConfiguration(err))
}

func TestNearestNeighborDistancesCachesResults(t *testing.T) {
	hits := 0
	stub := newStubCache()
	client := NewIndexClient(IndexConfig{BaseURL: "https://qdrant.example.com", APIKey: "secret", Collection: "patents", CacheTTL: time.Minute}, stub)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/collections/patents/points/recommend" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		assert.Equal(t, "secret", req.Header.Get("api-key"))
		var body recommendRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, []string{PointID("US1")}, body.Positive)
		assert.Equal(t, 3, body.Limit)
		return jsonResponse(http.StatusOK, map[string]any{
			"status": "ok",
			"result": []map[string]any{{"id": "a", "score": 0.9}, {"id": "b", "score": 0.75}},
		}), nil
	})

	ctx := context.Background()
	distances, err := client.NearestNeighborDistances(ctx, "US1", 3)
	require.NoError(t, err)
	require.Len(t, distances, 2)
	assert.InDelta(t, 0.1, distances[0], 1e-9)
	assert.InDelta(t, 0.25, distances[1], 1e-9)

	cached, err := client.NearestNeighborDistances(ctx, "US1", 3)
	require.NoError(t, err)
	assert.Equal(t, distances, cached)
	assert.Equal(t, 1, hits)
}

func TestNearestNeighborDistancesClassifiesFailures(t *testing.T) {
	client := NewIndexClient(IndexConfig{BaseURL: "https://qdrant.example.com"}, nil)
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	_, err := client.NearestNeighborDistances(context.Background(), "US1", 5)
	require.Error(t, err)
	assert.True(t, utils.IsTransient(err))
	assert.True(t, errors.Is(err, novelty.ErrIndexUnavailable))

	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, map[string]string{"status": "not found"}), nil
	})
	_, err = client.NearestNeighborDistances(context.Background(), "US1", 5)
	assert.True(t, utils.IsDataIncomplete(err))
}

func TestPointIDIsStable(t *testing.T) {
	assert.Equal(t, PointID("US1"), PointID("US1"))
	assert.NotEqual(t, PointID("US1"), PointID("US2"))
}

func TestTopicOfHandlesMissingTopicsAndCaches(t *testing.T) {
	hits := 0
	client := NewTopicClient("https://topics.example.com", "/api/v1/topics/patents", time.Second, newStubCache(), time.Minute)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		hits++
		switch req.URL.Path {
		case "/api/v1/topics/patents/US1":
			return jsonResponse(http.StatusOK, map[string]string{"topic_id": "solid-state-electrolytes"}), nil
		default:
			return jsonResponse(http.StatusNotFound, map[string]string{"error": "unassigned"}), nil
		}
	})

	ctx := context.Background()
	topic, err := client.TopicOf(ctx, "US1")
	require.NoError(t, err)
	require.NotNil(t, topic)
	assert.Equal(t, "solid-state-electrolytes", *topic)

	topic, err = client.TopicOf(ctx, "US2")
	require.NoError(t, err)
	assert.Nil(t, topic)

	_, _ = client.TopicOf(ctx, "US1")
	_, _ = client.TopicOf(ctx, "US2")
	assert.Equal(t, 2, hits)
}
