package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// gormNotificationRepository is the GORM implementation of NotificationRepository.
type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a NotificationRepository backed by the
// provided *gorm.DB.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: db}
}

// Create appends one immutable delivery record.
func (r *gormNotificationRepository) Create(ctx context.Context, n *db.AlertNotification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("alert notifications: create: %w", err)
	}
	return nil
}

// ListByAlert returns every delivery attempt for an alert, newest first.
func (r *gormNotificationRepository) ListByAlert(ctx context.Context, alertID uuid.UUID) ([]db.AlertNotification, error) {
	var notifications []db.AlertNotification
	if err := r.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("sent_at DESC").
		Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("alert notifications: list by alert: %w", err)
	}
	return notifications, nil
}

// DeleteOlderThan removes delivery records sent before t and returns the
// number of rows deleted. Called by the retention sweep.
func (r *gormNotificationRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("sent_at < ?", t).
		Delete(&db.AlertNotification{})
	if result.Error != nil {
		return 0, fmt.Errorf("alert notifications: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
