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

// gormApiKeyRepository is the GORM implementation of ApiKeyRepository.
type gormApiKeyRepository struct {
	db *gorm.DB
}

// NewApiKeyRepository returns an ApiKeyRepository backed by the provided *gorm.DB.
func NewApiKeyRepository(db *gorm.DB) ApiKeyRepository {
	return &gormApiKeyRepository{db: db}
}

// Create inserts a new API key record. Returns ErrConflict when a key with
// the same hash already exists.
func (r *gormApiKeyRepository) Create(ctx context.Context, key *db.ApiKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("api keys: create: %w", err)
	}
	return nil
}

// GetByID retrieves a key by UUID. Returns ErrNotFound if no record exists.
func (r *gormApiKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ApiKey, error) {
	var key db.ApiKey
	err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by id: %w", err)
	}
	return &key, nil
}

// GetByHash retrieves a key by the SHA-256 hex of its raw value. Revoked keys
// are excluded. Returns ErrNotFound if no matching key exists. Expiry is
// checked by the caller so it can distinguish "invalid" from "expired".
func (r *gormApiKeyRepository) GetByHash(ctx context.Context, hash string) (*db.ApiKey, error) {
	var key db.ApiKey
	err := r.db.WithContext(ctx).
		Where("hash = ? AND revoked_at IS NULL", hash).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by hash: %w", err)
	}
	return &key, nil
}

// Touch updates only last_used_at. Called on every successful authentication,
// so it writes a single column.
func (r *gormApiKeyRepository) Touch(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ApiKey{}).
		Where("id = ?", id).
		Update("last_used_at", usedAt)
	if result.Error != nil {
		return fmt.Errorf("api keys: touch: %w", result.Error)
	}
	return nil
}

// Revoke marks a key as revoked. Revoked keys no longer authenticate but stay
// on record for the security summary.
func (r *gormApiKeyRepository) Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ApiKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", revokedAt)
	if result.Error != nil {
		return fmt.Errorf("api keys: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns every key belonging to a user, newest first.
func (r *gormApiKeyRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.ApiKey, error) {
	var keys []db.ApiKey
	if err := r.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerID).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("api keys: list by owner: %w", err)
	}
	return keys, nil
}

// CountRevoked returns the number of revoked keys across all users.
func (r *gormApiKeyRepository) CountRevoked(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.ApiKey{}).
		Where("revoked_at IS NOT NULL").
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("api keys: count revoked: %w", err)
	}
	return count, nil
}
