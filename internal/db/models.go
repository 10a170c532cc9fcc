package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Instances
// -----------------------------------------------------------------------------

// Instance is a managed remote compute environment. Records are owned by the
// upstream lifecycle service; the control plane only reads them here for
// evaluation targeting and for display names on alerts.
type Instance struct {
	Base
	Name   string `gorm:"not null"`
	Status string `gorm:"not null;default:'UNKNOWN'"` // "RUNNING", "ERROR", "UNKNOWN", ...
	Region string `gorm:"default:''"`
	Labels string `gorm:"type:text;default:'{}'"` // JSON key-value pairs for filtering
}

// -----------------------------------------------------------------------------
// Users & API keys
// -----------------------------------------------------------------------------

// User is a console account. Role gates write operations on rules, channels
// and the secrets vault; VIEWER cannot dispatch commands over the socket.
type User struct {
	Base
	Email       string `gorm:"uniqueIndex;not null"`
	DisplayName string `gorm:"not null"`
	Role        string `gorm:"not null;default:'VIEWER'"` // "ADMIN", "OPERATOR", "DEVELOPER", "VIEWER"
	IsActive    bool   `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// ApiKey authenticates agents and browser sessions on the WebSocket upgrade
// and on the HTTP API. Only the SHA-256 hex of the raw key is stored; lookup
// is by hash equality. Expired keys never authenticate.
type ApiKey struct {
	Base
	OwnerUserID uuid.UUID `gorm:"type:text;not null;index"`
	Name        string    `gorm:"not null;default:''"`
	Hash        string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw key
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
}

// -----------------------------------------------------------------------------
// Telemetry
// -----------------------------------------------------------------------------

// Metric is one append-only telemetry sample ingested from an agent.
// Percent values for memory/disk are derived at read time from used/total,
// never stored.
type Metric struct {
	Base
	InstanceID   uuid.UUID `gorm:"type:text;not null;index:idx_metrics_instance_ts"`
	Timestamp    time.Time `gorm:"not null;index:idx_metrics_instance_ts"`
	CPUPercent   float64   `gorm:"not null;default:0"`
	MemUsed      int64     `gorm:"not null;default:0"`
	MemTotal     int64     `gorm:"not null;default:0"`
	DiskUsed     int64     `gorm:"not null;default:0"`
	DiskTotal    int64     `gorm:"not null;default:0"`
	LoadAvg1     float64   `gorm:"not null;default:0"`
	LoadAvg5     float64   `gorm:"not null;default:0"`
	LoadAvg15    float64   `gorm:"not null;default:0"`
	NetBytesSent int64     `gorm:"not null;default:0"`
	NetBytesRecv int64     `gorm:"not null;default:0"`
	ProcessCount int       `gorm:"not null;default:0"`
	UptimeSec    int64     `gorm:"not null;default:0"`
}

// MemPercent derives memory utilisation from used/total. Returns 0 when the
// total is unknown.
func (m *Metric) MemPercent() float64 {
	if m.MemTotal <= 0 {
		return 0
	}
	return float64(m.MemUsed) / float64(m.MemTotal) * 100
}

// DiskPercent derives disk utilisation from used/total. Returns 0 when the
// total is unknown.
func (m *Metric) DiskPercent() float64 {
	if m.DiskTotal <= 0 {
		return 0
	}
	return float64(m.DiskUsed) / float64(m.DiskTotal) * 100
}

// Heartbeat is one append-only liveness observation. The latest row per
// instance is the "live" observation used by lifecycle rules.
type Heartbeat struct {
	Base
	InstanceID   uuid.UUID `gorm:"type:text;not null;index:idx_heartbeats_instance_ts"`
	Timestamp    time.Time `gorm:"not null;index:idx_heartbeats_instance_ts"`
	AgentVersion string    `gorm:"not null;default:''"`
	UptimeSec    int64     `gorm:"not null;default:0"`
}

// InstanceEvent records a lifecycle event reported by an agent over the
// events channel (deploy, connect, backup, error, ...).
type InstanceEvent struct {
	Base
	InstanceID uuid.UUID `gorm:"type:text;not null;index"`
	EventType  string    `gorm:"not null"`
	Metadata   string    `gorm:"type:text;default:'{}'"` // JSON
	OccurredAt time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Alerting
// -----------------------------------------------------------------------------

// AlertRule defines a condition the evaluator checks on every tick.
// Conditions holds a JSON document whose shape is determined by Type
// (see alerting.Conditions). A null InstanceID scopes the rule to every
// instance in the directory.
type AlertRule struct {
	Base
	Name        string     `gorm:"not null"`
	Type        string     `gorm:"not null"` // "THRESHOLD", "ANOMALY", "LIFECYCLE", "SECURITY", "COST"
	Severity    string     `gorm:"not null;default:'MEDIUM'"`
	InstanceID  *uuid.UUID `gorm:"type:text;index"` // null = all instances
	Conditions  string     `gorm:"type:text;not null;default:'{}'"` // JSON, typed by Type
	CooldownSec int        `gorm:"not null;default:300"`
	Enabled     bool       `gorm:"not null;default:true"`

	// ChannelIDs is populated via the rule_channels join table by the
	// repository layer. GORM cannot resolve associations with uuid.UUID
	// primary keys, so the relation is loaded with explicit queries.
	ChannelIDs []uuid.UUID `gorm:"-"`
}

// RuleChannel is the join table associating an alert rule with the
// notification channels it fans out to.
type RuleChannel struct {
	Base
	RuleID    uuid.UUID `gorm:"type:text;not null;index:idx_rule_channels_pair,unique"`
	ChannelID uuid.UUID `gorm:"type:text;not null;index:idx_rule_channels_pair,unique"`
}

// Alert is a materialised detection produced by the evaluator. At most one
// alert per DedupeKey may be non-terminal (ACTIVE or ACKNOWLEDGED) at any
// moment; the partial unique index in the migration enforces this under
// concurrent fires.
type Alert struct {
	Base
	RuleID         uuid.UUID  `gorm:"type:text;not null;index"`
	InstanceID     *uuid.UUID `gorm:"type:text;index"`
	Severity       string     `gorm:"not null"`
	Title          string     `gorm:"not null"`
	Message        string     `gorm:"type:text;not null"`
	Metadata       string     `gorm:"type:text;default:'{}'"` // JSON
	Status         string     `gorm:"not null;default:'ACTIVE';index"` // "ACTIVE", "ACKNOWLEDGED", "RESOLVED", "SILENCED"
	FiredAt        time.Time  `gorm:"not null;index"`
	AcknowledgedAt *time.Time
	AcknowledgedBy string `gorm:"default:''"`
	ResolvedAt     *time.Time
	ResolvedBy     string `gorm:"default:''"`
	DedupeKey      string `gorm:"not null;index"` // "<ruleId>:<instanceId>"
}

// NotificationChannel is a configured outbound delivery target. Config holds
// a JSON document whose shape depends on Type; secret fields inside it are
// masked by the channel service before leaving the HTTP boundary, never at
// the storage layer, so the dispatcher can still read them.
type NotificationChannel struct {
	Base
	Name    string `gorm:"not null"`
	Type    string `gorm:"not null"` // "WEBHOOK", "SLACK", "EMAIL", "IN_APP"
	Config  string `gorm:"type:text;not null;default:'{}'"` // JSON, type-specific
	Enabled bool   `gorm:"not null;default:true"`
}

// AlertNotification is the immutable record of one delivery attempt. Rows are
// only ever inserted by the dispatcher.
type AlertNotification struct {
	Base
	AlertID   uuid.UUID `gorm:"type:text;not null;index"`
	ChannelID uuid.UUID `gorm:"type:text;not null;index"`
	SentAt    time.Time `gorm:"not null"`
	Success   bool      `gorm:"not null"`
	Error     string    `gorm:"type:text;default:''"`
	Payload   string    `gorm:"type:text;not null;default:'{}'"` // JSON actually sent
}

// -----------------------------------------------------------------------------
// Configuration drift
// -----------------------------------------------------------------------------

// ConfigSnapshot captures the declared vs. actual configuration of an
// instance at a point in time. The most recent snapshot per instance is the
// "current" drift state.
type ConfigSnapshot struct {
	Base
	InstanceID  uuid.UUID `gorm:"type:text;not null;index"`
	TakenAt     time.Time `gorm:"not null;index"`
	Declared    string    `gorm:"type:text;not null;default:'{}'"` // JSON
	Actual      string    `gorm:"type:text;not null;default:'{}'"` // JSON
	DriftStatus string    `gorm:"not null;default:'UNKNOWN'"` // "CLEAN", "DRIFTED", "UNKNOWN", "ERROR"
	ConfigHash  string    `gorm:"not null;default:''"`
}

// DriftEvent is a single divergent field detected in a snapshot. Unresolved
// while ResolvedAt is null.
type DriftEvent struct {
	Base
	SnapshotID  uuid.UUID `gorm:"type:text;not null;index"`
	Severity    string    `gorm:"not null"`
	FieldPath   string    `gorm:"not null"`
	DeclaredVal string    `gorm:"type:text;default:''"`
	ActualVal   string    `gorm:"type:text;default:''"`
	Description string    `gorm:"type:text;not null;default:''"`
	DetectedAt  time.Time `gorm:"not null;index"`
	ResolvedAt  *time.Time
	Remediation string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Security
// -----------------------------------------------------------------------------

// Secret is a vault entry scoped to an instance (or fleet-wide when
// InstanceID is null). Only the ciphertext is persisted; EncryptedString
// encrypts on write and decrypts on read, and reveal is role-gated at the
// API layer.
type Secret struct {
	Base
	InstanceID    *uuid.UUID      `gorm:"type:text;index"`
	Name          string          `gorm:"not null"`
	Type          string          `gorm:"not null;default:'generic'"`
	Value         EncryptedString `gorm:"type:text;not null;column:value_ciphertext"`
	LastRotatedAt *time.Time
	ExpiresAt     *time.Time
}

// Vulnerability is a scanner finding. Rescans supersede earlier findings for
// the same (instance, CVE) pair.
type Vulnerability struct {
	Base
	InstanceID uuid.UUID `gorm:"type:text;not null;index:idx_vulns_instance_cve,unique"`
	CVE        string    `gorm:"not null;index:idx_vulns_instance_cve,unique"`
	Severity   string    `gorm:"not null"`
	Package    string    `gorm:"not null;default:''"`
	Version    string    `gorm:"not null;default:''"`
	FixedIn    string    `gorm:"not null;default:''"`
	Status     string    `gorm:"not null;default:'OPEN'"` // "OPEN", "FIXED", "IGNORED"
	DetectedAt time.Time `gorm:"not null"`
}

// BomEntry is one software bill-of-materials row for an instance. Rescans
// replace the previous entry for the same (instance, name) pair.
type BomEntry struct {
	Base
	InstanceID uuid.UUID `gorm:"type:text;not null;index:idx_bom_instance_name,unique"`
	Name       string    `gorm:"not null;index:idx_bom_instance_name,unique"`
	Version    string    `gorm:"not null;default:''"`
	Kind       string    `gorm:"not null;default:'package'"`
	ScannedAt  time.Time `gorm:"not null"`
}

// SshKey tracks an authorised key observed on an instance. Revoked keys stay
// on record for the security summary.
type SshKey struct {
	Base
	InstanceID  uuid.UUID `gorm:"type:text;not null;index"`
	Fingerprint string    `gorm:"not null;index"`
	Comment     string    `gorm:"not null;default:''"`
	RevokedAt   *time.Time
}
