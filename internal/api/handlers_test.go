package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/patentradar/patent-signals/internal/models"
)

func TestDecodeRunRequest(t *testing.T) {
	src, err := structpb.NewStruct(map[string]any{
		"period_end": "2024-06-30",
		"patents": []any{
			map[string]any{
				"patent_id":        "US-1",
				"filing_date":      "2024-06-01",
				"publication_date": "2024-06-20T00:00:00Z",
				"cpc_codes":        []any{"H01M 10/052"},
				"num_citations":    3,
			},
		},
	})
	require.NoError(t, err)

	var req RunRequest
	require.NoError(t, Decode(src, &req))
	end, err := OptionalDate("period_end", req.PeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), end)

	batch, err := req.Batch()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "US-1", batch[0].ID)
	assert.Equal(t, 3, batch[0].CitationCount)
	assert.Equal(t, time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC), batch[0].PublicationDate)
}

func TestDecodeRejectsInvalidRequests(t *testing.T) {
	var alert AlertRequest
	err := Decode(&structpb.Struct{}, &alert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AlertID(required)")

	src, err := structpb.NewStruct(map[string]any{
		"patents": []any{map[string]any{"patent_id": "US-2", "filing_date": "2024-07-01", "publication_date": "2024-06-01"}},
	})
	require.NoError(t, err)
	var req RunRequest
	require.NoError(t, Decode(src, &req))
	_, err = req.Batch()
	assert.Error(t, err)

	_, err = OptionalDate("up_to", "yesterday")
	assert.Error(t, err)
}

func TestEncodeSummary(t *testing.T) {
	out, err := Encode(models.RunSummary{Run: models.RunEvaluation, Processed: 3, Produced: 1, Suppressed: 2})
	require.NoError(t, err)
	m := out.AsMap()
	assert.Equal(t, "watchlist_evaluation", m["run"])
	assert.Equal(t, 3.0, m["processed"])
	assert.Equal(t, 2.0, m["suppressed"])
}
