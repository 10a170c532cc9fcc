package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// Drift statuses of a config snapshot.
const (
	DriftClean   = "CLEAN"
	DriftDrifted = "DRIFTED"
	DriftUnknown = "UNKNOWN"
	DriftError   = "ERROR"
)

// DriftSummary is the aggregate view over config drift: unresolved events
// grouped by severity, current snapshots grouped by drift status, and the
// headline counts the dashboard shows.
type DriftSummary struct {
	BySeverity         map[string]int64 `json:"bySeverity"`
	ByStatus           map[string]int64 `json:"byStatus"`
	InstancesWithDrift int64            `json:"instancesWithDrift"`
	TotalUnresolved    int64            `json:"totalUnresolved"`
}

// DriftService is the read-mostly surface over config snapshots and drift
// events. Snapshots are produced by the drift scanner; the console resolves
// events with a remediation note.
type DriftService struct {
	drift repositories.DriftRepository
	log   *zap.Logger
}

func NewDriftService(drift repositories.DriftRepository, logger *zap.Logger) *DriftService {
	return &DriftService{drift: drift, log: logger.Named("drift")}
}

func (s *DriftService) RecordSnapshot(ctx context.Context, snapshot *db.ConfigSnapshot, events []db.DriftEvent) (*db.ConfigSnapshot, error) {
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now().UTC()
	}
	if err := s.drift.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("services: create snapshot: %w", err)
	}
	for i := range events {
		events[i].SnapshotID = snapshot.ID
		if events[i].DetectedAt.IsZero() {
			events[i].DetectedAt = snapshot.TakenAt
		}
		if err := s.drift.CreateEvent(ctx, &events[i]); err != nil {
			return nil, fmt.Errorf("services: create drift event: %w", err)
		}
	}
	return snapshot, nil
}

func (s *DriftService) GetSnapshot(ctx context.Context, id uuid.UUID) (*db.ConfigSnapshot, []db.DriftEvent, error) {
	snapshot, err := s.drift.GetSnapshot(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.drift.ListEventsBySnapshot(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("services: list snapshot events: %w", err)
	}
	return snapshot, events, nil
}

func (s *DriftService) ListSnapshots(ctx context.Context, instanceID *uuid.UUID, opts repositories.ListOptions) ([]db.ConfigSnapshot, int64, error) {
	return s.drift.ListSnapshots(ctx, instanceID, opts)
}

func (s *DriftService) ListUnresolvedEvents(ctx context.Context, opts repositories.ListOptions) ([]db.DriftEvent, int64, error) {
	return s.drift.ListUnresolvedEvents(ctx, opts)
}

// ResolveEvent closes a drift event with a remediation note.
func (s *DriftService) ResolveEvent(ctx context.Context, id uuid.UUID, remediation string) error {
	return s.drift.ResolveEvent(ctx, id, remediation, time.Now().UTC())
}

// Summary aggregates drift state for the dashboard.
func (s *DriftService) Summary(ctx context.Context) (*DriftSummary, error) {
	bySeverity, err := s.drift.CountUnresolvedBySeverity(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: count unresolved by severity: %w", err)
	}

	current, err := s.drift.CurrentSnapshotPerInstance(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: load current snapshots: %w", err)
	}

	byStatus := make(map[string]int64)
	var drifted int64
	for _, snap := range current {
		byStatus[snap.DriftStatus]++
		if snap.DriftStatus == DriftDrifted {
			drifted++
		}
	}

	var total int64
	for _, n := range bySeverity {
		total += n
	}

	return &DriftSummary{
		BySeverity:         bySeverity,
		ByStatus:           byStatus,
		InstancesWithDrift: drifted,
		TotalUnresolved:    total,
	}, nil
}
