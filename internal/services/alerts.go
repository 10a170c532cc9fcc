// Package services holds the domain logic between the HTTP/WebSocket surfaces
// and the repositories: alert state transitions, rule and channel management
// with validation and masking, and the drift and security summaries.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/alerting"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/metrics"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// AlertSummary is the dashboard aggregate: ACTIVE alerts grouped by severity
// and all alerts grouped by status.
type AlertSummary struct {
	BySeverity map[string]int64 `json:"bySeverity"`
	ByStatus   map[string]int64 `json:"byStatus"`
}

// AlertService owns user-initiated alert transitions and the query surface.
// The evaluator drives FireAlert and AutoResolve; everything else is called
// from the HTTP handlers.
type AlertService struct {
	alerts repositories.AlertRepository
	stats  *metrics.Metrics
	log    *zap.Logger
}

func NewAlertService(alerts repositories.AlertRepository, stats *metrics.Metrics, logger *zap.Logger) *AlertService {
	return &AlertService{alerts: alerts, stats: stats, log: logger.Named("alerts")}
}

// FireAlert creates the alert or returns the already-open one for the same
// dedupe key. The partial unique index on open alerts makes the create
// atomic: when two callers race, the loser gets a conflict and re-reads the
// winner's row. The bool result reports whether the returned alert already
// existed.
func (s *AlertService) FireAlert(ctx context.Context, alert *db.Alert) (*db.Alert, bool, error) {
	existing, err := s.alerts.GetOpenByDedupeKey(ctx, alert.DedupeKey)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, false, fmt.Errorf("services: lookup open alert: %w", err)
	}

	if err := s.alerts.Create(ctx, alert); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			winner, ferr := s.alerts.GetOpenByDedupeKey(ctx, alert.DedupeKey)
			if ferr != nil {
				return nil, false, fmt.Errorf("services: re-read winning alert: %w", ferr)
			}
			return winner, true, nil
		}
		return nil, false, fmt.Errorf("services: create alert: %w", err)
	}

	if s.stats != nil {
		s.stats.AlertsFired.WithLabelValues(alert.Severity).Inc()
	}
	return alert, false, nil
}

// Acknowledge marks the alert ACKNOWLEDGED by the given user. Returns
// (nil, nil) when the alert does not exist or is already RESOLVED: a resolved
// alert stays resolved.
func (s *AlertService) Acknowledge(ctx context.Context, id uuid.UUID, userID string) (*db.Alert, error) {
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("services: load alert: %w", err)
	}
	if alert.Status == alerting.StatusResolved {
		return nil, nil
	}

	now := time.Now().UTC()
	alert.Status = alerting.StatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = userID
	if err := s.alerts.Update(ctx, alert); err != nil {
		return nil, fmt.Errorf("services: acknowledge alert: %w", err)
	}
	return alert, nil
}

// Resolve marks the alert RESOLVED by the given actor. Returns (nil, nil)
// only when the alert does not exist; resolving is otherwise always allowed,
// including re-resolving.
func (s *AlertService) Resolve(ctx context.Context, id uuid.UUID, actor string) (*db.Alert, error) {
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("services: load alert: %w", err)
	}

	now := time.Now().UTC()
	alert.Status = alerting.StatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = actor
	if err := s.alerts.Update(ctx, alert); err != nil {
		return nil, fmt.Errorf("services: resolve alert: %w", err)
	}

	if s.stats != nil {
		label := "user"
		if actor == alerting.AutoResolveActor {
			label = "system"
		}
		s.stats.AlertsResolved.WithLabelValues(label).Inc()
	}
	return alert, nil
}

// AutoResolve resolves an alert on behalf of the evaluator when its rule
// ceased to fire.
func (s *AlertService) AutoResolve(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	return s.Resolve(ctx, id, alerting.AutoResolveActor)
}

// BulkAcknowledge acknowledges every listed alert that is currently ACTIVE.
// Returns the number of alerts changed.
func (s *AlertService) BulkAcknowledge(ctx context.Context, ids []uuid.UUID, userID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	n, err := s.alerts.BulkTransition(ctx, ids, []string{alerting.StatusActive}, map[string]interface{}{
		"status":          alerting.StatusAcknowledged,
		"acknowledged_at": now,
		"acknowledged_by": userID,
	})
	if err != nil {
		return 0, fmt.Errorf("services: bulk acknowledge: %w", err)
	}
	return n, nil
}

// BulkResolve resolves every listed alert that is not already terminal.
func (s *AlertService) BulkResolve(ctx context.Context, ids []uuid.UUID, userID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	n, err := s.alerts.BulkTransition(ctx, ids,
		[]string{alerting.StatusActive, alerting.StatusAcknowledged, alerting.StatusSilenced},
		map[string]interface{}{
			"status":      alerting.StatusResolved,
			"resolved_at": now,
			"resolved_by": userID,
		})
	if err != nil {
		return 0, fmt.Errorf("services: bulk resolve: %w", err)
	}
	if s.stats != nil && n > 0 {
		s.stats.AlertsResolved.WithLabelValues("user").Add(float64(n))
	}
	return n, nil
}

// List returns alerts matching the filter, newest first.
func (s *AlertService) List(ctx context.Context, filter repositories.AlertFilter, opts repositories.ListOptions) ([]db.Alert, int64, error) {
	return s.alerts.List(ctx, filter, opts)
}

func (s *AlertService) Get(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	return s.alerts.GetByID(ctx, id)
}

// Summary computes the dashboard counts.
func (s *AlertService) Summary(ctx context.Context) (*AlertSummary, error) {
	bySeverity, err := s.alerts.CountActiveBySeverity(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: count active by severity: %w", err)
	}
	byStatus, err := s.alerts.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: count by status: %w", err)
	}
	return &AlertSummary{BySeverity: bySeverity, ByStatus: byStatus}, nil
}
