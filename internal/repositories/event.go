package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// gormInstanceEventRepository is the GORM implementation of InstanceEventRepository.
type gormInstanceEventRepository struct {
	db *gorm.DB
}

// NewInstanceEventRepository returns an InstanceEventRepository backed by the
// provided *gorm.DB.
func NewInstanceEventRepository(db *gorm.DB) InstanceEventRepository {
	return &gormInstanceEventRepository{db: db}
}

// Create appends one lifecycle event.
func (r *gormInstanceEventRepository) Create(ctx context.Context, event *db.InstanceEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("instance events: create: %w", err)
	}
	return nil
}

// ListByInstance returns a paginated list of an instance's events, newest
// first, and the total count.
func (r *gormInstanceEventRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID, opts ListOptions) ([]db.InstanceEvent, int64, error) {
	var events []db.InstanceEvent
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.InstanceEvent{}).
		Where("instance_id = ?", instanceID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("instance events: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("occurred_at DESC").
		Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("instance events: list: %w", err)
	}

	return events, total, nil
}

// DeleteOlderThan removes events that occurred before t and returns the
// number of rows deleted. Called by the retention sweep.
func (r *gormInstanceEventRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("occurred_at < ?", t).
		Delete(&db.InstanceEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("instance events: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
