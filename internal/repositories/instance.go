package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// gormInstanceRepository is the GORM implementation of InstanceRepository.
type gormInstanceRepository struct {
	db *gorm.DB
}

// NewInstanceRepository returns an InstanceRepository backed by the provided *gorm.DB.
func NewInstanceRepository(db *gorm.DB) InstanceRepository {
	return &gormInstanceRepository{db: db}
}

// Create inserts a new instance record.
func (r *gormInstanceRepository) Create(ctx context.Context, instance *db.Instance) error {
	if err := r.db.WithContext(ctx).Create(instance).Error; err != nil {
		return fmt.Errorf("instances: create: %w", err)
	}
	return nil
}

// GetByID retrieves an instance by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormInstanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Instance, error) {
	var instance db.Instance
	err := r.db.WithContext(ctx).First(&instance, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("instances: get by id: %w", err)
	}
	return &instance, nil
}

// UpdateStatus updates only the status column of an instance.
func (r *gormInstanceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Instance{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("instances: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of instances and the total count.
func (r *gormInstanceRepository) List(ctx context.Context, opts ListOptions) ([]db.Instance, int64, error) {
	var instances []db.Instance
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Instance{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("instances: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&instances).Error; err != nil {
		return nil, 0, fmt.Errorf("instances: list: %w", err)
	}

	return instances, total, nil
}

// ListAll returns the full instance directory without pagination.
func (r *gormInstanceRepository) ListAll(ctx context.Context) ([]db.Instance, error) {
	var instances []db.Instance
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("instances: list all: %w", err)
	}
	return instances, nil
}
