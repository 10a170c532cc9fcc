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

// gormHeartbeatRepository is the GORM implementation of HeartbeatRepository.
type gormHeartbeatRepository struct {
	db *gorm.DB
}

// NewHeartbeatRepository returns a HeartbeatRepository backed by the provided *gorm.DB.
func NewHeartbeatRepository(db *gorm.DB) HeartbeatRepository {
	return &gormHeartbeatRepository{db: db}
}

// Create appends one liveness observation.
func (r *gormHeartbeatRepository) Create(ctx context.Context, hb *db.Heartbeat) error {
	if err := r.db.WithContext(ctx).Create(hb).Error; err != nil {
		return fmt.Errorf("heartbeats: create: %w", err)
	}
	return nil
}

// LatestForInstance returns the heartbeat with the greatest timestamp for one
// instance. Returns ErrNotFound when the instance has never reported.
func (r *gormHeartbeatRepository) LatestForInstance(ctx context.Context, instanceID uuid.UUID) (*db.Heartbeat, error) {
	var hb db.Heartbeat
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("timestamp DESC").
		First(&hb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("heartbeats: latest for instance: %w", err)
	}
	return &hb, nil
}

// LatestPerInstance returns the newest heartbeat of every instance in one
// ranked query, keyed by instance id.
func (r *gormHeartbeatRepository) LatestPerInstance(ctx context.Context) (map[uuid.UUID]db.Heartbeat, error) {
	var beats []db.Heartbeat
	err := r.db.WithContext(ctx).
		Raw(`SELECT h.* FROM heartbeats h
		     JOIN (SELECT instance_id, MAX(timestamp) AS max_ts FROM heartbeats GROUP BY instance_id) latest
		       ON h.instance_id = latest.instance_id AND h.timestamp = latest.max_ts`).
		Scan(&beats).Error
	if err != nil {
		return nil, fmt.Errorf("heartbeats: latest per instance: %w", err)
	}

	out := make(map[uuid.UUID]db.Heartbeat, len(beats))
	for _, h := range beats {
		if _, ok := out[h.InstanceID]; !ok {
			out[h.InstanceID] = h
		}
	}
	return out, nil
}

// DeleteOlderThan removes observations with a timestamp before t and returns
// the number of rows deleted.
func (r *gormHeartbeatRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", t).
		Delete(&db.Heartbeat{})
	if result.Error != nil {
		return 0, fmt.Errorf("heartbeats: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
