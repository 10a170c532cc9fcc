package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// gormDriftRepository is the GORM implementation of DriftRepository.
type gormDriftRepository struct {
	db *gorm.DB
}

// NewDriftRepository returns a DriftRepository backed by the provided *gorm.DB.
func NewDriftRepository(db *gorm.DB) DriftRepository {
	return &gormDriftRepository{db: db}
}

// CreateSnapshot inserts a new configuration snapshot.
func (r *gormDriftRepository) CreateSnapshot(ctx context.Context, snapshot *db.ConfigSnapshot) error {
	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("drift: create snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by UUID. Returns ErrNotFound if no record
// exists.
func (r *gormDriftRepository) GetSnapshot(ctx context.Context, id uuid.UUID) (*db.ConfigSnapshot, error) {
	var snapshot db.ConfigSnapshot
	err := r.db.WithContext(ctx).First(&snapshot, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("drift: get snapshot: %w", err)
	}
	return &snapshot, nil
}

// CurrentSnapshotPerInstance returns the most recent snapshot of every
// instance in one ranked query, keyed by instance id.
func (r *gormDriftRepository) CurrentSnapshotPerInstance(ctx context.Context) (map[uuid.UUID]db.ConfigSnapshot, error) {
	var snapshots []db.ConfigSnapshot
	err := r.db.WithContext(ctx).
		Raw(`SELECT s.* FROM config_snapshots s
		     JOIN (SELECT instance_id, MAX(taken_at) AS max_ts FROM config_snapshots GROUP BY instance_id) latest
		       ON s.instance_id = latest.instance_id AND s.taken_at = latest.max_ts`).
		Scan(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("drift: current snapshot per instance: %w", err)
	}

	out := make(map[uuid.UUID]db.ConfigSnapshot, len(snapshots))
	for _, s := range snapshots {
		if _, ok := out[s.InstanceID]; !ok {
			out[s.InstanceID] = s
		}
	}
	return out, nil
}

// ListSnapshots returns a paginated list of snapshots, newest first, narrowed
// to one instance when instanceID is non-nil.
func (r *gormDriftRepository) ListSnapshots(ctx context.Context, instanceID *uuid.UUID, opts ListOptions) ([]db.ConfigSnapshot, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.ConfigSnapshot{})
	if instanceID != nil {
		q = q.Where("instance_id = ?", *instanceID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("drift: list snapshots count: %w", err)
	}

	var snapshots []db.ConfigSnapshot
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("taken_at DESC").
		Find(&snapshots).Error; err != nil {
		return nil, 0, fmt.Errorf("drift: list snapshots: %w", err)
	}

	return snapshots, total, nil
}

// CreateEvent inserts a new drift event.
func (r *gormDriftRepository) CreateEvent(ctx context.Context, event *db.DriftEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("drift: create event: %w", err)
	}
	return nil
}

// ListEventsBySnapshot returns every drift event of a snapshot, ordered by
// field path.
func (r *gormDriftRepository) ListEventsBySnapshot(ctx context.Context, snapshotID uuid.UUID) ([]db.DriftEvent, error) {
	var events []db.DriftEvent
	if err := r.db.WithContext(ctx).
		Where("snapshot_id = ?", snapshotID).
		Order("field_path ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("drift: list events by snapshot: %w", err)
	}
	return events, nil
}

// ListUnresolvedEvents returns a paginated list of unresolved drift events,
// newest first.
func (r *gormDriftRepository) ListUnresolvedEvents(ctx context.Context, opts ListOptions) ([]db.DriftEvent, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.DriftEvent{}).Where("resolved_at IS NULL")

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("drift: list unresolved count: %w", err)
	}

	var events []db.DriftEvent
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("detected_at DESC").
		Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("drift: list unresolved: %w", err)
	}

	return events, total, nil
}

// ResolveEvent marks an unresolved drift event resolved, recording the
// remediation applied. Returns ErrNotFound when the event does not exist or
// is already resolved.
func (r *gormDriftRepository) ResolveEvent(ctx context.Context, id uuid.UUID, remediation string, resolvedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.DriftEvent{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]interface{}{
			"resolved_at": resolvedAt,
			"remediation": remediation,
		})
	if result.Error != nil {
		return fmt.Errorf("drift: resolve event: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnresolvedBySeverity groups unresolved drift events by severity.
func (r *gormDriftRepository) CountUnresolvedBySeverity(ctx context.Context) (map[string]int64, error) {
	var rows []groupRow
	err := r.db.WithContext(ctx).
		Model(&db.DriftEvent{}).
		Select("severity AS key, COUNT(*) AS count").
		Where("resolved_at IS NULL").
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("drift: count unresolved by severity: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Count
	}
	return out, nil
}
