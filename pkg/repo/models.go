package repo

import (
	"time"
)

// SnapshotKind classifies how a snapshot relates to its chain.
type SnapshotKind string

const (
	// SnapshotFull is a self-contained snapshot with no parent.
	SnapshotFull SnapshotKind = "full"
	// SnapshotIncremental references the previous snapshot in the chain.
	SnapshotIncremental SnapshotKind = "incremental"
	// SnapshotDifferential references the last full snapshot.
	SnapshotDifferential SnapshotKind = "differential"
	// SnapshotSynthetic is a full snapshot materialized by replaying an
	// existing chain. It has no parent and starts a new chain.
	SnapshotSynthetic SnapshotKind = "synthetic"
)

// IsValid checks if the kind is a known SnapshotKind.
func (k SnapshotKind) IsValid() bool {
	switch k {
	case SnapshotFull, SnapshotIncremental, SnapshotDifferential, SnapshotSynthetic:
		return true
	}
	return false
}

// SelfContained reports whether a snapshot of this kind restores without
// a parent chain.
func (k SnapshotKind) SelfContained() bool {
	return k == SnapshotFull || k == SnapshotSynthetic
}

// Snapshot status values.
const (
	SnapshotStatusPending   = "pending"
	SnapshotStatusCompleted = "completed"
	SnapshotStatusCorrupt   = "corrupt"
	SnapshotStatusDeleted   = "deleted"
)

// Storage tier names, hottest to coldest.
const (
	TierHot     = "hot"
	TierWarm    = "warm"
	TierCold    = "cold"
	TierGlacier = "glacier"
)

// Snapshot is the persisted descriptor of one backup snapshot.
//
// The chunk manifest itself lives in object storage under StorageKey; this
// row carries the metadata needed for listing, chain resolution, lifecycle
// sweeps, and integrity audits. ParentID is a single-direction reference:
// chains are walked child to parent.
type Snapshot struct {
	ID         string  `gorm:"primaryKey;size:36" json:"id"`
	SourceID   string  `gorm:"index;not null;size:255" json:"source_id"`
	Kind       string  `gorm:"not null;size:20" json:"kind"`
	ParentID   *string `gorm:"index;size:36" json:"parent_id,omitempty"`
	Status     string  `gorm:"index;not null;size:20;default:pending" json:"status"`
	StorageKey string  `gorm:"uniqueIndex;not null;size:512" json:"storage_key"`
	Tier       string  `gorm:"index;not null;size:20;default:hot" json:"tier"`

	// Sizes in bytes. LogicalSize is the pre-dedup payload size,
	// UniqueSize the post-dedup bytes this snapshot added.
	LogicalSize int64   `json:"logical_size"`
	UniqueSize  int64   `json:"unique_size"`
	ChunkCount  int     `json:"chunk_count"`
	DedupRatio  float64 `json:"dedup_ratio"`

	Compression string `gorm:"size:20" json:"compression,omitempty"`
	Encryption  string `gorm:"size:20" json:"encryption,omitempty"`

	// PolicyID references the retention policy attached at creation,
	// if any.
	PolicyID *string `gorm:"index;size:36" json:"policy_id,omitempty"`

	// Checksum is the hex SHA-256 of the restorable payload. Verify
	// compares a fresh restore against it.
	Checksum string `gorm:"size:64" json:"checksum"`

	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`

	// Metadata is an opaque JSON blob (document name, owner, labels).
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`
}

// TableName returns the table name for Snapshot.
func (Snapshot) TableName() string {
	return "snapshots"
}

// Job status values. The transition graph is enforced by the scheduler;
// the repository only records the current state.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusTimeout   = "timeout"
)

// TerminalJobStatuses are the statuses a job never leaves. A failed job
// with retries left is re-run by the scheduler, so failed is terminal
// only once retries are exhausted; the scheduler owns that distinction.
var TerminalJobStatuses = []string{
	JobStatusCompleted,
	JobStatusCancelled,
	JobStatusTimeout,
	JobStatusFailed,
}

// Job is the persisted record of one scheduled job.
type Job struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	Flow     string `gorm:"not null;size:64" json:"flow"`
	Queue    string `gorm:"index;not null;size:64" json:"queue"`
	Status   string `gorm:"index;not null;size:20" json:"status"`
	Priority int    `json:"priority"`

	// Progress in [0,100]; monotone non-decreasing while running.
	Progress int `json:"progress"`

	UserID     string `gorm:"index;size:64" json:"user_id,omitempty"`
	DocumentID string `gorm:"size:64" json:"document_id,omitempty"`

	// IdempotencyKey collapses duplicate submissions. Nullable so that
	// jobs without a key don't collide on the unique index.
	IdempotencyKey *string `gorm:"uniqueIndex;size:128" json:"idempotency_key,omitempty"`

	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"max_retries"`
	WorkerID   string `gorm:"size:64" json:"worker_id,omitempty"`

	// TimeoutSeconds bounds one execution; 0 applies the scheduler default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Payload and Result are opaque JSON blobs owned by the flow.
	Payload string `gorm:"type:text" json:"payload,omitempty"`
	Result  string `gorm:"type:text" json:"result,omitempty"`

	ErrorCode    string `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	CancelReason string `gorm:"size:255" json:"cancel_reason,omitempty"`

	// Metrics is an opaque JSON bag. It is the only field the scheduler
	// still writes after a job reaches a terminal status.
	Metrics string `gorm:"type:text" json:"metrics,omitempty"`

	EnqueuedAt        time.Time  `gorm:"autoCreateTime;index" json:"enqueued_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// Disaster event status values, in lifecycle order. Completed, failed,
// and rolled-back are terminal.
const (
	EventStatusDetecting  = "detecting"
	EventStatusAssessing  = "assessing"
	EventStatusRecovering = "recovering"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
	EventStatusRolledBack = "rolled-back"
)

// Disaster severity levels, mildest to worst.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DisasterEvent is the persisted record of a detected disaster and its
// recovery lifecycle.
type DisasterEvent struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	Kind     string `gorm:"index;not null;size:40" json:"kind"`
	Severity string `gorm:"index;not null;size:20" json:"severity"`
	Status   string `gorm:"index;not null;size:20" json:"status"`
	Message  string `gorm:"type:text" json:"message,omitempty"`

	// Components is the JSON-encoded list of impacted components,
	// collected from failing health checks at assessment time.
	Components string `gorm:"type:text" json:"components,omitempty"`

	// RTO/RPO targets in minutes, derived from severity at detection.
	RTOMinutes int `json:"rto_minutes,omitempty"`
	RPOMinutes int `json:"rpo_minutes,omitempty"`

	// PlanID names the recovery plan matched to this event, RecoveryID
	// the execution that handled it (absent until recovery starts).
	PlanID     string  `gorm:"size:64" json:"plan_id,omitempty"`
	RecoveryID *string `gorm:"size:36" json:"recovery_id,omitempty"`

	DetectedAt        time.Time  `gorm:"autoCreateTime;index" json:"detected_at"`
	RecoveryStartedAt *time.Time `json:"recovery_started_at,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`

	// Actuals, filled at completion: wall-clock recovery duration and
	// estimated data loss, both in minutes.
	RecoveryMinutes float64 `json:"recovery_minutes,omitempty"`
	DataLossMinutes float64 `json:"data_loss_minutes,omitempty"`

	// Notifications is the JSON-encoded log of channel messages sent
	// for this event, with timestamps.
	Notifications string `gorm:"type:text" json:"notifications,omitempty"`

	// Details is an opaque JSON blob (probe output, affected keys).
	Details string `gorm:"type:text" json:"details,omitempty"`
}

// TableName returns the table name for DisasterEvent.
func (DisasterEvent) TableName() string {
	return "disaster_events"
}

// Retention policy kinds.
const (
	PolicyTimeBased    = "time"
	PolicyVersionBased = "version"
	PolicyLegalHold    = "legal-hold"
	PolicyCompliance   = "compliance"
)

// RetentionPolicy is a persisted retention rule.
//
// Compliance policies are immutable once created: their retention may only
// be extended, never shortened, and they cannot be deleted while active.
// The lifecycle manager enforces this; the Immutable flag records it.
type RetentionPolicy struct {
	ID   string `gorm:"primaryKey;size:36" json:"id"`
	Name string `gorm:"uniqueIndex;not null;size:255" json:"name"`
	Kind string `gorm:"not null;size:30" json:"kind"`

	// SourceID scopes the policy to one source; empty applies to all.
	SourceID string `gorm:"index;size:255" json:"source_id,omitempty"`

	RetainDays     int  `json:"retain_days,omitempty"`
	RetainVersions int  `json:"retain_versions,omitempty"`
	Immutable      bool `json:"immutable"`
	Active         bool `gorm:"default:true" json:"active"`

	// HoldUntil blocks expiration of covered snapshots until this
	// instant. Set on legal-hold policies.
	HoldUntil *time.Time `json:"hold_until,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for RetentionPolicy.
func (RetentionPolicy) TableName() string {
	return "retention_policies"
}

// Recovery report kinds.
const (
	ReportModelRecovery = "model-recovery"
	ReportPITR          = "pitr"
	ReportVerify        = "verify"
)

// RecoveryReport is the persisted outcome of a recovery or verification run.
type RecoveryReport struct {
	ID   string `gorm:"primaryKey;size:36" json:"id"`
	Kind string `gorm:"index;not null;size:30" json:"kind"`

	// TargetID is the document or source the run operated on.
	TargetID string `gorm:"index;size:255" json:"target_id"`

	Strategy string `gorm:"size:40" json:"strategy,omitempty"`
	Success  bool   `json:"success"`
	DataLoss bool   `json:"data_loss"`

	// DurationMs is the wall-clock duration of the run in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`

	// Details is an opaque JSON blob (per-step outcomes, loss estimate).
	Details string `gorm:"type:text" json:"details,omitempty"`
}

// TableName returns the table name for RecoveryReport.
func (RecoveryReport) TableName() string {
	return "recovery_reports"
}

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Snapshot{},
		&Job{},
		&DisasterEvent{},
		&RetentionPolicy{},
		&RecoveryReport{},
	}
}
