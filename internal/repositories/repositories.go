package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// InstanceRepository
// -----------------------------------------------------------------------------

// InstanceRepository reads the instance directory. Instance records are owned
// by the upstream lifecycle service; Create and UpdateStatus exist for the
// ingest path (agent-reported status) and for seeding.
type InstanceRepository interface {
	Create(ctx context.Context, instance *db.Instance) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Instance, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	List(ctx context.Context, opts ListOptions) ([]db.Instance, int64, error)

	// ListAll returns the full instance directory without pagination.
	// The evaluator loads it once per tick.
	ListAll(ctx context.Context) ([]db.Instance, error)
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// ApiKeyRepository
// -----------------------------------------------------------------------------

type ApiKeyRepository interface {
	Create(ctx context.Context, key *db.ApiKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ApiKey, error)

	// GetByHash looks up a key by the SHA-256 hex of its raw value. This is
	// the hot path of WebSocket upgrade authentication.
	GetByHash(ctx context.Context, hash string) (*db.ApiKey, error)

	Touch(ctx context.Context, id uuid.UUID, usedAt time.Time) error
	Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.ApiKey, error)
	CountRevoked(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// MetricRepository
// -----------------------------------------------------------------------------

type MetricRepository interface {
	Create(ctx context.Context, metric *db.Metric) error

	// LatestForInstance returns the metric with the greatest timestamp for
	// one instance, or ErrNotFound when none has been ingested yet.
	LatestForInstance(ctx context.Context, instanceID uuid.UUID) (*db.Metric, error)

	// LatestPerInstance returns the newest metric of every instance in a
	// single ranked query, keyed by instance id. The evaluator calls this
	// once per tick instead of one query per instance.
	LatestPerInstance(ctx context.Context) (map[uuid.UUID]db.Metric, error)

	// ListRange returns metrics for one instance with timestamps in
	// [from, to), ordered ascending. Used by the anomaly evaluator.
	ListRange(ctx context.Context, instanceID uuid.UUID, from, to time.Time) ([]db.Metric, error)

	ListByInstance(ctx context.Context, instanceID uuid.UUID, opts ListOptions) ([]db.Metric, int64, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// HeartbeatRepository
// -----------------------------------------------------------------------------

type HeartbeatRepository interface {
	Create(ctx context.Context, hb *db.Heartbeat) error
	LatestForInstance(ctx context.Context, instanceID uuid.UUID) (*db.Heartbeat, error)
	LatestPerInstance(ctx context.Context) (map[uuid.UUID]db.Heartbeat, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// InstanceEventRepository
// -----------------------------------------------------------------------------

type InstanceEventRepository interface {
	Create(ctx context.Context, event *db.InstanceEvent) error
	ListByInstance(ctx context.Context, instanceID uuid.UUID, opts ListOptions) ([]db.InstanceEvent, int64, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// RuleRepository
// -----------------------------------------------------------------------------

// RuleFilter narrows rule list queries. Nil fields are ignored. When
// InstanceID is set, rules bound to that instance AND unscoped rules
// (instance_id IS NULL) both match, because a null-scoped rule applies to
// every instance.
type RuleFilter struct {
	Type       string
	Severity   string
	Enabled    *bool
	InstanceID *uuid.UUID
}

type RuleRepository interface {
	// Create inserts the rule and its channel associations in one transaction.
	Create(ctx context.Context, rule *db.AlertRule, channelIDs []uuid.UUID) error

	// GetByID returns the rule with ChannelIDs populated from the join table.
	GetByID(ctx context.Context, id uuid.UUID) (*db.AlertRule, error)

	Update(ctx context.Context, rule *db.AlertRule) error

	// ReplaceChannels swaps the rule's channel associations for the given set.
	ReplaceChannels(ctx context.Context, ruleID uuid.UUID, channelIDs []uuid.UUID) error

	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter RuleFilter, opts ListOptions) ([]db.AlertRule, int64, error)

	// ListEnabled returns every enabled rule with ChannelIDs populated.
	// The evaluator loads this once per tick.
	ListEnabled(ctx context.Context) ([]db.AlertRule, error)
}

// -----------------------------------------------------------------------------
// ChannelRepository
// -----------------------------------------------------------------------------

type ChannelRepository interface {
	Create(ctx context.Context, channel *db.NotificationChannel) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.NotificationChannel, error)
	Update(ctx context.Context, channel *db.NotificationChannel) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.NotificationChannel, int64, error)

	// ListEnabledByIDs returns only the enabled channels among the given ids.
	// The dispatcher uses it to resolve a rule's fan-out set.
	ListEnabledByIDs(ctx context.Context, ids []uuid.UUID) ([]db.NotificationChannel, error)
}

// -----------------------------------------------------------------------------
// AlertRepository
// -----------------------------------------------------------------------------

// AlertFilter narrows alert list queries. Nil or empty fields are ignored.
type AlertFilter struct {
	Status     string
	Severity   string
	RuleID     *uuid.UUID
	InstanceID *uuid.UUID
}

type AlertRepository interface {
	// Create inserts a new alert. Returns ErrConflict when a non-terminal
	// alert with the same dedupe key already exists (partial unique index).
	Create(ctx context.Context, alert *db.Alert) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.Alert, error)

	// GetOpenByDedupeKey returns the single ACTIVE or ACKNOWLEDGED alert for
	// the key, or ErrNotFound.
	GetOpenByDedupeKey(ctx context.Context, dedupeKey string) (*db.Alert, error)

	Update(ctx context.Context, alert *db.Alert) error

	// BulkTransition applies the given status fields to every alert in ids
	// that currently satisfies the allowed-from predicate. Returns the number
	// of rows changed.
	BulkTransition(ctx context.Context, ids []uuid.UUID, fromStatuses []string, updates map[string]interface{}) (int64, error)

	List(ctx context.Context, filter AlertFilter, opts ListOptions) ([]db.Alert, int64, error)

	// CountActiveBySeverity groups ACTIVE alerts by severity.
	CountActiveBySeverity(ctx context.Context) (map[string]int64, error)

	// CountByStatus groups all alerts by status.
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// DeleteResolvedBefore removes resolved alerts older than t. Open alerts
	// are kept regardless of age.
	DeleteResolvedBefore(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// NotificationRepository
// -----------------------------------------------------------------------------

type NotificationRepository interface {
	Create(ctx context.Context, n *db.AlertNotification) error
	ListByAlert(ctx context.Context, alertID uuid.UUID) ([]db.AlertNotification, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// DriftRepository
// -----------------------------------------------------------------------------

type DriftRepository interface {
	CreateSnapshot(ctx context.Context, snapshot *db.ConfigSnapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (*db.ConfigSnapshot, error)

	// CurrentSnapshotPerInstance returns the most recent snapshot of every
	// instance, keyed by instance id.
	CurrentSnapshotPerInstance(ctx context.Context) (map[uuid.UUID]db.ConfigSnapshot, error)

	ListSnapshots(ctx context.Context, instanceID *uuid.UUID, opts ListOptions) ([]db.ConfigSnapshot, int64, error)

	CreateEvent(ctx context.Context, event *db.DriftEvent) error
	ListEventsBySnapshot(ctx context.Context, snapshotID uuid.UUID) ([]db.DriftEvent, error)
	ListUnresolvedEvents(ctx context.Context, opts ListOptions) ([]db.DriftEvent, int64, error)
	ResolveEvent(ctx context.Context, id uuid.UUID, remediation string, resolvedAt time.Time) error

	// CountUnresolvedBySeverity groups unresolved drift events by severity.
	CountUnresolvedBySeverity(ctx context.Context) (map[string]int64, error)
}

// -----------------------------------------------------------------------------
// SecurityRepository
// -----------------------------------------------------------------------------

// SecurityRepository covers the scanning artifacts: secrets vault entries,
// vulnerability findings, BOM rows and SSH keys.
type SecurityRepository interface {
	// Secrets
	CreateSecret(ctx context.Context, secret *db.Secret) error
	GetSecret(ctx context.Context, id uuid.UUID) (*db.Secret, error)
	UpdateSecret(ctx context.Context, secret *db.Secret) error
	DeleteSecret(ctx context.Context, id uuid.UUID) error
	ListSecrets(ctx context.Context, instanceID *uuid.UUID, opts ListOptions) ([]db.Secret, int64, error)
	CountExpiredSecrets(ctx context.Context, now time.Time) (int64, error)

	// Vulnerabilities. Upsert supersedes the previous finding for the same
	// (instance, CVE) pair on rescan.
	UpsertVulnerability(ctx context.Context, v *db.Vulnerability) error
	ListVulnerabilities(ctx context.Context, instanceID *uuid.UUID, opts ListOptions) ([]db.Vulnerability, int64, error)
	CountOpenVulnerabilitiesBySeverity(ctx context.Context) (map[string]int64, error)

	// BOM
	UpsertBomEntry(ctx context.Context, entry *db.BomEntry) error
	ListBomEntries(ctx context.Context, instanceID uuid.UUID, opts ListOptions) ([]db.BomEntry, int64, error)

	// SSH keys
	CreateSshKey(ctx context.Context, key *db.SshKey) error
	RevokeSshKey(ctx context.Context, id uuid.UUID, revokedAt time.Time) error
	ListSshKeys(ctx context.Context, instanceID uuid.UUID) ([]db.SshKey, error)
	CountRevokedSshKeys(ctx context.Context) (int64, error)
}
