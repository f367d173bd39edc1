package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

func testDigest() Digest {
	w := models.Watchlist{ID: "wl-1", Owner: "analyst@example.com", DigestCadence: models.CadenceDaily}
	alerts := []models.Alert{{ID: "a-1", AlertKey: models.AlertKey{WatchlistID: "wl-1", Type: models.AlertNoveltySpike}}}
	return NewDigest(w, alerts, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
}

func TestWebhookDelivererPostsDigest(t *testing.T) {
	var got Digest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	require.NoError(t, d.Deliver(context.Background(), testDigest()))
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, "wl-1", got.WatchlistID)
	assert.Equal(t, 1, got.Count)
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, "a-1", got.Alerts[0].ID)
}

func TestWebhookDelivererClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(WebhookConfig{URL: srv.URL})
	err := d.Deliver(context.Background(), testDigest())
	assert.True(t, utils.IsTransient(err))

	status.Store(http.StatusBadRequest)
	err = d.Deliver(context.Background(), testDigest())
	require.Error(t, err)
	assert.False(t, utils.IsTransient(err))

	srv.Close()
	err = d.Deliver(context.Background(), testDigest())
	assert.True(t, utils.IsTransient(err))
}

func TestLogDelivererLogsAlertIDs(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDeliverer(utils.NewLoggerTo(&buf, "info", true))
	require.NoError(t, d.Deliver(context.Background(), testDigest()))
	assert.Contains(t, buf.String(), `"alert_ids":["a-1"]`)
}
