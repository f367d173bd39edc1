package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/utils"
)

// Digest is the batch of alerts handed off for one watchlist. Rendering and channel
// selection happen downstream.
type Digest struct {
	WatchlistID string               `json:"watchlist_id"`
	Owner       string               `json:"owner"`
	Name        string               `json:"name,omitempty"`
	Cadence     models.DigestCadence `json:"digest_cadence"`
	Alerts      []models.Alert       `json:"alerts"`
	Count       int                  `json:"count"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// NewDigest assembles a digest for w.
func NewDigest(w models.Watchlist, alerts []models.Alert, now time.Time) Digest {
	return Digest{
		WatchlistID: w.ID,
		Owner:       w.Owner,
		Name:        w.Name,
		Cadence:     w.DigestCadence,
		Alerts:      alerts,
		Count:       len(alerts),
		GeneratedAt: now.UTC(),
	}
}

// Deliverer hands a digest to the notification collaborator.
type Deliverer interface {
	Deliver(ctx context.Context, d Digest) error
}

// WebhookConfig controls webhook delivery.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookDeliverer POSTs each digest as JSON.
type WebhookDeliverer struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookDeliverer builds a deliverer with its own HTTP client.
func NewWebhookDeliverer(cfg WebhookConfig) *WebhookDeliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookDeliverer{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Deliver sends d. Network failures and 5xx responses are transient; other non-2xx
// responses mean the endpoint rejected the payload.
func (w *WebhookDeliverer) Deliver(ctx context.Context, d Digest) error {
	const op = "delivery.webhook"
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%s: marshal digest: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return utils.Configuration(op, "invalid webhook url", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "patent-signals")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return utils.Transient(op, "webhook unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return utils.Transient(op, fmt.Sprintf("webhook returned %d", resp.StatusCode), nil)
	default:
		return fmt.Errorf("%s: webhook returned %d", op, resp.StatusCode)
	}
}

// LogDeliverer writes digests to the log. Used when no webhook is configured.
type LogDeliverer struct {
	logger *slog.Logger
}

func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: utils.LoggerOrDefault(logger)}
}

func (l *LogDeliverer) Deliver(_ context.Context, d Digest) error {
	ids := make([]string, 0, len(d.Alerts))
	for _, a := range d.Alerts {
		ids = append(ids, a.ID)
	}
	l.logger.Info("alert digest ready",
		"watchlist_id", d.WatchlistID,
		"owner", d.Owner,
		"cadence", d.Cadence,
		"alert_ids", ids,
	)
	return nil
}
