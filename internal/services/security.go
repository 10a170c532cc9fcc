package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/alerting"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// SecuritySummary is the aggregate security posture shown on the dashboard.
type SecuritySummary struct {
	OpenVulnsBySeverity map[string]int64 `json:"openVulnsBySeverity"`
	CriticalVulns       int64            `json:"criticalVulns"`
	OverdueSecrets      int64            `json:"overdueSecrets"`
	RevokedSshKeys      int64            `json:"revokedSshKeys"`
}

// SecurityService covers the secrets vault and the scanner artifact read
// side. Secret plaintext is encrypted at rest by the column codec and is
// only surfaced through Reveal; every other read path returns metadata with
// the value blanked.
type SecurityService struct {
	security repositories.SecurityRepository
	log      *zap.Logger
}

func NewSecurityService(security repositories.SecurityRepository, logger *zap.Logger) *SecurityService {
	return &SecurityService{security: security, log: logger.Named("security")}
}

// -----------------------------------------------------------------------------
// Secrets vault
// -----------------------------------------------------------------------------

// CreateSecret stores a new vault entry. The returned copy has the value
// blanked.
func (s *SecurityService) CreateSecret(ctx context.Context, secret *db.Secret) (*db.Secret, error) {
	if secret.Name == "" {
		return nil, fmt.Errorf("services: secret name is required")
	}
	if secret.Value == "" {
		return nil, fmt.Errorf("services: secret value is required")
	}
	if err := s.security.CreateSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("services: create secret: %w", err)
	}
	return blankSecret(secret), nil
}

// GetSecret returns vault entry metadata without the plaintext.
func (s *SecurityService) GetSecret(ctx context.Context, id uuid.UUID) (*db.Secret, error) {
	secret, err := s.security.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	return blankSecret(secret), nil
}

// RevealSecret returns the plaintext value. Callers gate this behind an
// elevated role before invoking; the plaintext is never logged.
func (s *SecurityService) RevealSecret(ctx context.Context, id uuid.UUID) (string, error) {
	secret, err := s.security.GetSecret(ctx, id)
	if err != nil {
		return "", err
	}
	s.log.Info("secret revealed", zap.String("secret_id", id.String()))
	return string(secret.Value), nil
}

// RotateSecret replaces the value and stamps lastRotatedAt.
func (s *SecurityService) RotateSecret(ctx context.Context, id uuid.UUID, newValue string) (*db.Secret, error) {
	if newValue == "" {
		return nil, fmt.Errorf("services: secret value is required")
	}
	secret, err := s.security.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	secret.Value = db.EncryptedString(newValue)
	secret.LastRotatedAt = &now
	if err := s.security.UpdateSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("services: rotate secret: %w", err)
	}

	s.log.Info("secret rotated", zap.String("secret_id", id.String()))
	return blankSecret(secret), nil
}

func (s *SecurityService) DeleteSecret(ctx context.Context, id uuid.UUID) error {
	return s.security.DeleteSecret(ctx, id)
}

func (s *SecurityService) ListSecrets(ctx context.Context, instanceID *uuid.UUID, opts repositories.ListOptions) ([]db.Secret, int64, error) {
	secrets, total, err := s.security.ListSecrets(ctx, instanceID, opts)
	if err != nil {
		return nil, 0, err
	}
	for i := range secrets {
		secrets[i].Value = ""
	}
	return secrets, total, nil
}

// -----------------------------------------------------------------------------
// Scanner artifacts
// -----------------------------------------------------------------------------

// RecordVulnerability upserts a scanner finding for an (instance, CVE) pair.
func (s *SecurityService) RecordVulnerability(ctx context.Context, v *db.Vulnerability) error {
	if v.DetectedAt.IsZero() {
		v.DetectedAt = time.Now().UTC()
	}
	return s.security.UpsertVulnerability(ctx, v)
}

func (s *SecurityService) ListVulnerabilities(ctx context.Context, instanceID *uuid.UUID, opts repositories.ListOptions) ([]db.Vulnerability, int64, error) {
	return s.security.ListVulnerabilities(ctx, instanceID, opts)
}

// RecordBomEntry upserts one bill-of-materials row from a scan.
func (s *SecurityService) RecordBomEntry(ctx context.Context, entry *db.BomEntry) error {
	if entry.ScannedAt.IsZero() {
		entry.ScannedAt = time.Now().UTC()
	}
	return s.security.UpsertBomEntry(ctx, entry)
}

func (s *SecurityService) ListBomEntries(ctx context.Context, instanceID uuid.UUID, opts repositories.ListOptions) ([]db.BomEntry, int64, error) {
	return s.security.ListBomEntries(ctx, instanceID, opts)
}

func (s *SecurityService) RecordSshKey(ctx context.Context, key *db.SshKey) error {
	return s.security.CreateSshKey(ctx, key)
}

func (s *SecurityService) RevokeSshKey(ctx context.Context, id uuid.UUID) error {
	return s.security.RevokeSshKey(ctx, id, time.Now().UTC())
}

func (s *SecurityService) ListSshKeys(ctx context.Context, instanceID uuid.UUID) ([]db.SshKey, error) {
	return s.security.ListSshKeys(ctx, instanceID)
}

// Summary aggregates the security posture counts.
func (s *SecurityService) Summary(ctx context.Context) (*SecuritySummary, error) {
	bySeverity, err := s.security.CountOpenVulnerabilitiesBySeverity(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: count open vulnerabilities: %w", err)
	}
	overdue, err := s.security.CountExpiredSecrets(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("services: count expired secrets: %w", err)
	}
	revoked, err := s.security.CountRevokedSshKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("services: count revoked ssh keys: %w", err)
	}

	return &SecuritySummary{
		OpenVulnsBySeverity: bySeverity,
		CriticalVulns:       bySeverity[alerting.SeverityCritical],
		OverdueSecrets:      overdue,
		RevokedSshKeys:      revoked,
	}, nil
}

func blankSecret(secret *db.Secret) *db.Secret {
	out := *secret
	out.Value = ""
	return &out
}
