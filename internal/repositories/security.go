package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// gormSecurityRepository is the GORM implementation of SecurityRepository.
type gormSecurityRepository struct {
	db *gorm.DB
}

// NewSecurityRepository returns a SecurityRepository backed by the provided *gorm.DB.
func NewSecurityRepository(db *gorm.DB) SecurityRepository {
	return &gormSecurityRepository{db: db}
}

// -----------------------------------------------------------------------------
// Secrets
// -----------------------------------------------------------------------------

// CreateSecret inserts a new vault entry. The plaintext value is encrypted by
// EncryptedString on the way to the database.
func (r *gormSecurityRepository) CreateSecret(ctx context.Context, secret *db.Secret) error {
	if err := r.db.WithContext(ctx).Create(secret).Error; err != nil {
		return fmt.Errorf("secrets: create: %w", err)
	}
	return nil
}

// GetSecret retrieves a vault entry by UUID. The decrypted value is present
// on the returned struct; masking is the caller's responsibility.
func (r *gormSecurityRepository) GetSecret(ctx context.Context, id uuid.UUID) (*db.Secret, error) {
	var secret db.Secret
	err := r.db.WithContext(ctx).First(&secret, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secrets: get: %w", err)
	}
	return &secret, nil
}

// UpdateSecret persists all fields of an existing vault entry.
func (r *gormSecurityRepository) UpdateSecret(ctx context.Context, secret *db.Secret) error {
	result := r.db.WithContext(ctx).Save(secret)
	if result.Error != nil {
		return fmt.Errorf("secrets: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSecret removes a vault entry.
func (r *gormSecurityRepository) DeleteSecret(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Secret{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("secrets: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSecrets returns a paginated list of vault entries, narrowed to one
// instance when instanceID is non-nil.
func (r *gormSecurityRepository) ListSecrets(ctx context.Context, instanceID *uuid.UUID, opts ListOptions) ([]db.Secret, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Secret{})
	if instanceID != nil {
		q = q.Where("instance_id = ?", *instanceID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("secrets: list count: %w", err)
	}

	var secrets []db.Secret
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&secrets).Error; err != nil {
		return nil, 0, fmt.Errorf("secrets: list: %w", err)
	}

	return secrets, total, nil
}

// CountExpiredSecrets returns the number of vault entries whose expiry has
// passed.
func (r *gormSecurityRepository) CountExpiredSecrets(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Secret{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("secrets: count expired: %w", err)
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Vulnerabilities
// -----------------------------------------------------------------------------

// UpsertVulnerability inserts a finding, superseding the previous row for the
// same (instance, CVE) pair on rescan.
func (r *gormSecurityRepository) UpsertVulnerability(ctx context.Context, v *db.Vulnerability) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "instance_id"}, {Name: "cve"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"severity", "package", "version", "fixed_in", "status", "detected_at", "updated_at",
			}),
		}).
		Create(v).Error
	if err != nil {
		return fmt.Errorf("vulnerabilities: upsert: %w", err)
	}
	return nil
}

// ListVulnerabilities returns a paginated list of findings, narrowed to one
// instance when instanceID is non-nil, most severe-recent first.
func (r *gormSecurityRepository) ListVulnerabilities(ctx context.Context, instanceID *uuid.UUID, opts ListOptions) ([]db.Vulnerability, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Vulnerability{})
	if instanceID != nil {
		q = q.Where("instance_id = ?", *instanceID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("vulnerabilities: list count: %w", err)
	}

	var vulns []db.Vulnerability
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("detected_at DESC").
		Find(&vulns).Error; err != nil {
		return nil, 0, fmt.Errorf("vulnerabilities: list: %w", err)
	}

	return vulns, total, nil
}

// CountOpenVulnerabilitiesBySeverity groups OPEN findings by severity.
func (r *gormSecurityRepository) CountOpenVulnerabilitiesBySeverity(ctx context.Context) (map[string]int64, error) {
	var rows []groupRow
	err := r.db.WithContext(ctx).
		Model(&db.Vulnerability{}).
		Select("severity AS key, COUNT(*) AS count").
		Where("status = 'OPEN'").
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("vulnerabilities: count open by severity: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Count
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// BOM
// -----------------------------------------------------------------------------

// UpsertBomEntry inserts a BOM row, replacing the previous entry for the same
// (instance, name) pair on rescan.
func (r *gormSecurityRepository) UpsertBomEntry(ctx context.Context, entry *db.BomEntry) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "instance_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"version", "kind", "scanned_at", "updated_at",
			}),
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("bom: upsert: %w", err)
	}
	return nil
}

// ListBomEntries returns a paginated list of an instance's BOM rows, ordered
// by name.
func (r *gormSecurityRepository) ListBomEntries(ctx context.Context, instanceID uuid.UUID, opts ListOptions) ([]db.BomEntry, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.BomEntry{}).Where("instance_id = ?", instanceID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("bom: list count: %w", err)
	}

	var entries []db.BomEntry
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("bom: list: %w", err)
	}

	return entries, total, nil
}

// -----------------------------------------------------------------------------
// SSH keys
// -----------------------------------------------------------------------------

// CreateSshKey records a newly observed authorised key.
func (r *gormSecurityRepository) CreateSshKey(ctx context.Context, key *db.SshKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("ssh keys: create: %w", err)
	}
	return nil
}

// RevokeSshKey marks a key revoked. Revoked keys stay on record for the
// security summary.
func (r *gormSecurityRepository) RevokeSshKey(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.SshKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", revokedAt)
	if result.Error != nil {
		return fmt.Errorf("ssh keys: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSshKeys returns every key observed on an instance.
func (r *gormSecurityRepository) ListSshKeys(ctx context.Context, instanceID uuid.UUID) ([]db.SshKey, error) {
	var keys []db.SshKey
	if err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("ssh keys: list: %w", err)
	}
	return keys, nil
}

// CountRevokedSshKeys returns the number of revoked keys across the fleet.
func (r *gormSecurityRepository) CountRevokedSshKeys(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.SshKey{}).
		Where("revoked_at IS NOT NULL").
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("ssh keys: count revoked: %w", err)
	}
	return count, nil
}
