// Package repo persists ForgeVault control state: snapshot descriptors,
// job records, disaster events, retention policies, and recovery reports.
//
// Two implementations are provided: a GORM-backed store (SQLite for
// development, PostgreSQL for production) and an in-memory store for
// tests. Chunk payloads and manifests never pass through this package;
// they live in object storage.
package repo

import (
	"context"
	"time"
)

// JobFilter narrows ListJobs. Zero-valued fields are ignored.
type JobFilter struct {
	Queue  string
	Status string
	UserID string
	Flow   string

	// Limit caps the number of rows returned; 0 means no limit.
	Limit int
}

// EventFilter narrows ListEvents. Zero-valued fields are ignored.
type EventFilter struct {
	Status   string
	Severity string
	Kind     string

	// Since excludes events detected before the given time when non-zero.
	Since time.Time

	// Limit caps the number of rows returned; 0 means no limit.
	Limit int
}

// ReportFilter narrows ListReports. Zero-valued fields are ignored.
type ReportFilter struct {
	Kind     string
	TargetID string

	// Limit caps the number of rows returned; 0 means no limit.
	Limit int
}

// Store defines the persistence interface for ForgeVault control state.
type Store interface {
	// ============================================================================
	// SNAPSHOT OPERATIONS
	// ============================================================================

	// CreateSnapshot persists a new snapshot descriptor and returns its ID.
	// If snap.ID is empty a new UUID is generated.
	// Returns ErrDuplicateSnapshot if the storage key is already taken.
	CreateSnapshot(ctx context.Context, snap *Snapshot) (string, error)

	// GetSnapshot retrieves a snapshot by ID.
	// Returns ErrSnapshotNotFound if the snapshot does not exist.
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// ListSnapshots returns snapshots for a source ordered by creation
	// time, oldest first. An empty sourceID returns all snapshots.
	ListSnapshots(ctx context.Context, sourceID string) ([]*Snapshot, error)

	// ListSnapshotsInTier returns snapshots in the given tier created
	// before the cutoff, oldest first. Used by lifecycle sweeps.
	ListSnapshotsInTier(ctx context.Context, tier string, before time.Time) ([]*Snapshot, error)

	// UpdateSnapshotStatus sets the status of a snapshot.
	// Returns ErrSnapshotNotFound if the snapshot does not exist.
	UpdateSnapshotStatus(ctx context.Context, id, status string) error

	// UpdateSnapshotTier moves a snapshot to a different storage tier.
	// Returns ErrSnapshotNotFound if the snapshot does not exist.
	UpdateSnapshotTier(ctx context.Context, id, tier string) error

	// MarkSnapshotVerified records a successful integrity verification.
	// Returns ErrSnapshotNotFound if the snapshot does not exist.
	MarkSnapshotVerified(ctx context.Context, id string, at time.Time) error

	// DeleteSnapshot removes a snapshot descriptor.
	// Returns ErrSnapshotNotFound if the snapshot does not exist.
	DeleteSnapshot(ctx context.Context, id string) error

	// CountSnapshots returns the number of snapshots for a source.
	// An empty sourceID counts all snapshots.
	CountSnapshots(ctx context.Context, sourceID string) (int64, error)

	// ============================================================================
	// JOB OPERATIONS
	// ============================================================================

	// CreateJob persists a new job record and returns its ID.
	// If job.ID is empty a new UUID is generated.
	// Returns ErrDuplicateJob if the idempotency key is already taken.
	CreateJob(ctx context.Context, job *Job) (string, error)

	// GetJob retrieves a job by ID.
	// Returns ErrJobNotFound if the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)

	// GetJobByIdempotencyKey retrieves a job by its idempotency key.
	// Returns ErrJobNotFound if no job carries the key.
	GetJobByIdempotencyKey(ctx context.Context, key string) (*Job, error)

	// ListJobs returns jobs matching the filter ordered by enqueue
	// time, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// UpdateJob persists the mutable fields of a job record.
	// Returns ErrJobNotFound if the job does not exist.
	UpdateJob(ctx context.Context, job *Job) error

	// ListStaleCancellations returns jobs whose cancellation was
	// requested before the cutoff and which are still not terminal.
	// Used by the force-cancel sweep.
	ListStaleCancellations(ctx context.Context, before time.Time) ([]*Job, error)

	// ============================================================================
	// DISASTER EVENT OPERATIONS
	// ============================================================================

	// CreateEvent persists a new disaster event and returns its ID.
	// If event.ID is empty a new UUID is generated.
	CreateEvent(ctx context.Context, event *DisasterEvent) (string, error)

	// GetEvent retrieves a disaster event by ID.
	// Returns ErrEventNotFound if the event does not exist.
	GetEvent(ctx context.Context, id string) (*DisasterEvent, error)

	// ListEvents returns disaster events matching the filter ordered by
	// detection time, newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*DisasterEvent, error)

	// UpdateEvent persists the mutable fields of a disaster event.
	// Returns ErrEventNotFound if the event does not exist.
	UpdateEvent(ctx context.Context, event *DisasterEvent) error

	// ResolveEvent marks an event resolved at the given time.
	// Returns ErrEventNotFound if the event does not exist.
	ResolveEvent(ctx context.Context, id string, at time.Time) error

	// ============================================================================
	// RETENTION POLICY OPERATIONS
	// ============================================================================

	// CreatePolicy persists a new retention policy and returns its ID.
	// If policy.ID is empty a new UUID is generated.
	// Returns ErrDuplicatePolicy if the name is already taken.
	CreatePolicy(ctx context.Context, policy *RetentionPolicy) (string, error)

	// GetPolicy retrieves a retention policy by ID.
	// Returns ErrPolicyNotFound if the policy does not exist.
	GetPolicy(ctx context.Context, id string) (*RetentionPolicy, error)

	// GetPolicyByName retrieves a retention policy by name.
	// Returns ErrPolicyNotFound if the policy does not exist.
	GetPolicyByName(ctx context.Context, name string) (*RetentionPolicy, error)

	// ListPolicies returns all retention policies. When activeOnly is
	// true, inactive policies are excluded.
	ListPolicies(ctx context.Context, activeOnly bool) ([]*RetentionPolicy, error)

	// UpdatePolicy persists the mutable fields of a retention policy.
	// Returns ErrPolicyNotFound if the policy does not exist.
	UpdatePolicy(ctx context.Context, policy *RetentionPolicy) error

	// DeletePolicy removes a retention policy.
	// Returns ErrPolicyNotFound if the policy does not exist.
	DeletePolicy(ctx context.Context, id string) error

	// ============================================================================
	// RECOVERY REPORT OPERATIONS
	// ============================================================================

	// CreateReport persists a new recovery report and returns its ID.
	// If report.ID is empty a new UUID is generated.
	CreateReport(ctx context.Context, report *RecoveryReport) (string, error)

	// GetReport retrieves a recovery report by ID.
	// Returns ErrReportNotFound if the report does not exist.
	GetReport(ctx context.Context, id string) (*RecoveryReport, error)

	// ListReports returns recovery reports matching the filter ordered
	// by creation time, newest first.
	ListReports(ctx context.Context, filter ReportFilter) ([]*RecoveryReport, error)

	// ============================================================================
	// LIFECYCLE OPERATIONS
	// ============================================================================

	// Healthcheck verifies the store is reachable.
	Healthcheck(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}
