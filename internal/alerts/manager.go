package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/patentradar/patent-signals/internal/metrics"
	"github.com/patentradar/patent-signals/internal/models"
	"github.com/patentradar/patent-signals/internal/store"
	"github.com/patentradar/patent-signals/internal/utils"
)

// Store is the persistence contract for alerts and their debounce slots.
type Store interface {
	ClaimAndInsertAlert(ctx context.Context, a models.Alert, window time.Duration) (store.ClaimResult, error)
	TransitionAlert(ctx context.Context, id string, status models.AlertStatus, at time.Time) (models.Alert, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (models.Alert, error)
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]models.Alert, error)
}

// Outcome is the result of CreateOrSuppress. Alert is nil when the candidate was suppressed.
type Outcome struct {
	Alert      *models.Alert
	Suppressed bool
	// HolderID is the alert that already owns the composite key when suppressed.
	HolderID string
}

// Manager owns the none -> active -> acknowledged|dismissed state machine.
type Manager struct {
	store  Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager builds a Manager with the given debounce window.
func NewManager(s Store, window time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:  s,
		window: window,
		logger: utils.LoggerOrDefault(logger),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateOrSuppress persists the candidate unless an active alert with the same composite
// key already holds the debounce window.
func (m *Manager) CreateOrSuppress(ctx context.Context, c models.CandidateAlert) (Outcome, error) {
	const op = "alerts.create_or_suppress"
	a := models.Alert{
		ID:                m.newID(),
		AlertKey:          c.AlertKey,
		MetricValue:       c.MetricValue,
		Confidence:        c.Confidence,
		EvidencePatentIDs: c.EvidencePatentIDs,
		Description:       c.Description,
		Status:            models.StatusActive,
		CreatedAt:         m.now().UTC(),
	}

	res, err := m.store.ClaimAndInsertAlert(ctx, a, m.window)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Created {
		metrics.AlertSuppressed(string(c.Type))
		m.logger.Info("alert suppressed", "alert_key", c.AlertKey.String(), "holder_id", res.HolderID)
		return Outcome{Suppressed: true, HolderID: res.HolderID}, nil
	}
	if res.ActiveInWindow != 1 {
		return Outcome{}, utils.Invariant(op,
			fmt.Sprintf("%d active alerts hold key %s inside the debounce window", res.ActiveInWindow, c.AlertKey), nil)
	}

	metrics.AlertCreated(string(c.Type))
	m.logger.Info("alert created", "alert_id", a.ID, "alert_key", c.AlertKey.String(), "confidence", a.Confidence)
	return Outcome{Alert: &a, HolderID: a.ID}, nil
}

// Acknowledge moves an active alert to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, id string) (models.Alert, error) {
	return m.transition(ctx, id, models.StatusAcknowledged)
}

// Dismiss moves an active alert to dismissed.
func (m *Manager) Dismiss(ctx context.Context, id string) (models.Alert, error) {
	return m.transition(ctx, id, models.StatusDismissed)
}

func (m *Manager) transition(ctx context.Context, id string, status models.AlertStatus) (models.Alert, error) {
	a, err := m.store.TransitionAlert(ctx, id, status, m.now().UTC())
	if err != nil {
		return models.Alert{}, err
	}
	m.logger.Info("alert status changed", "alert_id", id, "status", status)
	return a, nil
}

// MarkDelivered stamps delivered_at once; later calls return the alert unchanged.
func (m *Manager) MarkDelivered(ctx context.Context, id string) (models.Alert, error) {
	return m.store.MarkDelivered(ctx, id, m.now().UTC())
}

// ActiveAlerts lists active alerts, optionally for one watchlist.
func (m *Manager) ActiveAlerts(ctx context.Context, watchlistID string) ([]models.Alert, error) {
	return m.store.ListAlerts(ctx, store.AlertFilter{WatchlistID: watchlistID, Status: models.StatusActive})
}

// PendingDelivery lists active alerts of a watchlist that have not been handed off yet.
func (m *Manager) PendingDelivery(ctx context.Context, watchlistID string) ([]models.Alert, error) {
	return m.store.ListAlerts(ctx, store.AlertFilter{WatchlistID: watchlistID, Status: models.StatusActive, UndeliveredOnly: true})
}
