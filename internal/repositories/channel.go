package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// gormChannelRepository is the GORM implementation of ChannelRepository.
type gormChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository returns a ChannelRepository backed by the provided *gorm.DB.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &gormChannelRepository{db: db}
}

// Create inserts a new notification channel.
func (r *gormChannelRepository) Create(ctx context.Context, channel *db.NotificationChannel) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("channels: create: %w", err)
	}
	return nil
}

// GetByID retrieves a channel by UUID. Returns ErrNotFound if no record exists.
func (r *gormChannelRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.NotificationChannel, error) {
	var channel db.NotificationChannel
	err := r.db.WithContext(ctx).First(&channel, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channels: get by id: %w", err)
	}
	return &channel, nil
}

// Update persists all fields of an existing channel record.
func (r *gormChannelRepository) Update(ctx context.Context, channel *db.NotificationChannel) error {
	result := r.db.WithContext(ctx).Save(channel)
	if result.Error != nil {
		return fmt.Errorf("channels: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a channel and any rule associations pointing at it.
func (r *gormChannelRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ?", id).Delete(&db.RuleChannel{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&db.NotificationChannel{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("channels: delete: %w", err)
	}
	return nil
}

// List returns a paginated list of channels and the total count.
func (r *gormChannelRepository) List(ctx context.Context, opts ListOptions) ([]db.NotificationChannel, int64, error) {
	var channels []db.NotificationChannel
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.NotificationChannel{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("channels: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&channels).Error; err != nil {
		return nil, 0, fmt.Errorf("channels: list: %w", err)
	}

	return channels, total, nil
}

// ListEnabledByIDs returns only the enabled channels among the given ids.
func (r *gormChannelRepository) ListEnabledByIDs(ctx context.Context, ids []uuid.UUID) ([]db.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var channels []db.NotificationChannel
	if err := r.db.WithContext(ctx).
		Where("id IN ? AND enabled = ?", ids, true).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("channels: list enabled by ids: %w", err)
	}
	return channels, nil
}
