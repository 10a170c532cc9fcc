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

// nonTerminalStatuses are the alert statuses that count against the one-open-
// alert-per-dedupe-key invariant.
var nonTerminalStatuses = []string{"ACTIVE", "ACKNOWLEDGED"}

// gormAlertRepository is the GORM implementation of AlertRepository.
type gormAlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository returns an AlertRepository backed by the provided *gorm.DB.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &gormAlertRepository{db: db}
}

// Create inserts a new alert. The partial unique index on dedupe_key rejects
// a second non-terminal alert for the same key; that violation is surfaced as
// ErrConflict so the caller can re-read the winner.
func (r *gormAlertRepository) Create(ctx context.Context, alert *db.Alert) error {
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("alerts: create: %w", err)
	}
	return nil
}

// GetByID retrieves an alert by UUID. Returns ErrNotFound if no record exists.
func (r *gormAlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	var alert db.Alert
	err := r.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get by id: %w", err)
	}
	return &alert, nil
}

// GetOpenByDedupeKey returns the single ACTIVE or ACKNOWLEDGED alert for the
// key, or ErrNotFound.
func (r *gormAlertRepository) GetOpenByDedupeKey(ctx context.Context, dedupeKey string) (*db.Alert, error) {
	var alert db.Alert
	err := r.db.WithContext(ctx).
		Where("dedupe_key = ? AND status IN ?", dedupeKey, nonTerminalStatuses).
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get open by dedupe key: %w", err)
	}
	return &alert, nil
}

// Update persists all fields of an existing alert record.
func (r *gormAlertRepository) Update(ctx context.Context, alert *db.Alert) error {
	result := r.db.WithContext(ctx).Save(alert)
	if result.Error != nil {
		return fmt.Errorf("alerts: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkTransition applies the updates to every alert in ids whose current
// status is in fromStatuses, returning the number of rows changed.
func (r *gormAlertRepository) BulkTransition(ctx context.Context, ids []uuid.UUID, fromStatuses []string, updates map[string]interface{}) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Model(&db.Alert{}).
		Where("id IN ? AND status IN ?", ids, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("alerts: bulk transition: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns a filtered, paginated list of alerts ordered by fired_at
// descending, and the total count.
func (r *gormAlertRepository) List(ctx context.Context, filter AlertFilter, opts ListOptions) ([]db.Alert, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Alert{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.RuleID != nil {
		q = q.Where("rule_id = ?", *filter.RuleID)
	}
	if filter.InstanceID != nil {
		q = q.Where("instance_id = ?", *filter.InstanceID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: list count: %w", err)
	}

	var alerts []db.Alert
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("fired_at DESC").
		Find(&alerts).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: list: %w", err)
	}

	return alerts, total, nil
}

// CountActiveBySeverity groups ACTIVE alerts by severity.
func (r *gormAlertRepository) CountActiveBySeverity(ctx context.Context) (map[string]int64, error) {
	return r.groupCount(ctx, "severity", "status = 'ACTIVE'")
}

// CountByStatus groups all alerts by status.
func (r *gormAlertRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return r.groupCount(ctx, "status", "")
}

// DeleteResolvedBefore removes resolved alerts whose resolution happened
// before t and returns the number of rows deleted. Open alerts are never
// touched regardless of age. Called by the retention sweep.
func (r *gormAlertRepository) DeleteResolvedBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND resolved_at < ?", "RESOLVED", t).
		Delete(&db.Alert{})
	if result.Error != nil {
		return 0, fmt.Errorf("alerts: delete resolved before: %w", result.Error)
	}
	return result.RowsAffected, nil
}

type groupRow struct {
	Key   string
	Count int64
}

func (r *gormAlertRepository) groupCount(ctx context.Context, column, where string) (map[string]int64, error) {
	q := r.db.WithContext(ctx).
		Model(&db.Alert{}).
		Select(column + " AS key, COUNT(*) AS count").
		Group(column)
	if where != "" {
		q = q.Where(where)
	}

	var rows []groupRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("alerts: group count by %s: %w", column, err)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Count
	}
	return out, nil
}
