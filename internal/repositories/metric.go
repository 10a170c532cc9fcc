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

// gormMetricRepository is the GORM implementation of MetricRepository.
type gormMetricRepository struct {
	db *gorm.DB
}

// NewMetricRepository returns a MetricRepository backed by the provided *gorm.DB.
func NewMetricRepository(db *gorm.DB) MetricRepository {
	return &gormMetricRepository{db: db}
}

// Create appends one telemetry sample.
func (r *gormMetricRepository) Create(ctx context.Context, metric *db.Metric) error {
	if err := r.db.WithContext(ctx).Create(metric).Error; err != nil {
		return fmt.Errorf("metrics: create: %w", err)
	}
	return nil
}

// LatestForInstance returns the metric with the greatest timestamp for one
// instance. Returns ErrNotFound when the instance has no samples yet.
func (r *gormMetricRepository) LatestForInstance(ctx context.Context, instanceID uuid.UUID) (*db.Metric, error) {
	var metric db.Metric
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("timestamp DESC").
		First(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metrics: latest for instance: %w", err)
	}
	return &metric, nil
}

// LatestPerInstance returns the newest metric of every instance in one ranked
// query. When two samples share the maximal timestamp for an instance the
// first row wins; samples are append-only so this is a non-issue in practice.
func (r *gormMetricRepository) LatestPerInstance(ctx context.Context) (map[uuid.UUID]db.Metric, error) {
	var metrics []db.Metric
	err := r.db.WithContext(ctx).
		Raw(`SELECT m.* FROM metrics m
		     JOIN (SELECT instance_id, MAX(timestamp) AS max_ts FROM metrics GROUP BY instance_id) latest
		       ON m.instance_id = latest.instance_id AND m.timestamp = latest.max_ts`).
		Scan(&metrics).Error
	if err != nil {
		return nil, fmt.Errorf("metrics: latest per instance: %w", err)
	}

	out := make(map[uuid.UUID]db.Metric, len(metrics))
	for _, m := range metrics {
		if _, ok := out[m.InstanceID]; !ok {
			out[m.InstanceID] = m
		}
	}
	return out, nil
}

// ListRange returns metrics for one instance with timestamps in [from, to),
// ordered ascending.
func (r *gormMetricRepository) ListRange(ctx context.Context, instanceID uuid.UUID, from, to time.Time) ([]db.Metric, error) {
	var metrics []db.Metric
	if err := r.db.WithContext(ctx).
		Where("instance_id = ? AND timestamp >= ? AND timestamp < ?", instanceID, from, to).
		Order("timestamp ASC").
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("metrics: list range: %w", err)
	}
	return metrics, nil
}

// ListByInstance returns a paginated list of an instance's metrics, newest
// first, and the total count.
func (r *gormMetricRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID, opts ListOptions) ([]db.Metric, int64, error) {
	var metrics []db.Metric
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Metric{}).
		Where("instance_id = ?", instanceID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("metrics: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("timestamp DESC").
		Find(&metrics).Error; err != nil {
		return nil, 0, fmt.Errorf("metrics: list: %w", err)
	}

	return metrics, total, nil
}

// DeleteOlderThan removes samples with a timestamp before t and returns the
// number of rows deleted. Called by the retention sweep.
func (r *gormMetricRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", t).
		Delete(&db.Metric{})
	if result.Error != nil {
		return 0, fmt.Errorf("metrics: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
