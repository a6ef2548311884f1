package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so logs aggregate
// and query cleanly across the backup, recovery, and job subsystems.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Jobs & Flows
	// ========================================================================
	KeyJobID          = "job_id"          // Job identifier (idempotency key or generated)
	KeyFlow           = "flow"            // Flow kind: models.prompt, sim.fem, etc.
	KeyQueue          = "queue"           // Logical queue routing key
	KeyWorkerID       = "worker_id"       // Worker process identifier
	KeyTaskID         = "task_id"         // Task identifier assigned on claim
	KeyStatus         = "status"          // Job or operation status
	KeyProgress       = "progress"        // Job progress percentage (0-100)
	KeyAttempt        = "attempt"         // Retry attempt number
	KeyMaxRetries     = "max_retries"     // Maximum retry attempts
	KeyIdempotencyKey = "idempotency_key" // Client-supplied idempotency key
	KeyPriority       = "priority"        // Job priority
	KeyCancelReason   = "cancel_reason"   // Cooperative cancellation reason

	// ========================================================================
	// Backup & Snapshots
	// ========================================================================
	KeySnapshotID  = "snapshot_id"   // Snapshot identifier
	KeySourceID    = "source_id"     // Logical source (document, model, dataset)
	KeySnapKind    = "snapshot_kind" // full, incremental, differential, synthetic
	KeyParentID    = "parent_id"     // Parent snapshot of an incremental
	KeyChainLength = "chain_length"  // Snapshot chain length for the source
	KeyPolicy      = "policy"        // Retention policy name
	KeyLogicalSize = "logical_size"  // Pre-dedup byte size
	KeyUniqueSize  = "unique_size"   // Post-dedup byte size
	KeyDedupRatio  = "dedup_ratio"   // Deduplication ratio
	KeyCompression = "compression"   // Compression algorithm in effect
	KeyEncryption  = "encryption"    // Encryption method in effect

	// ========================================================================
	// Chunk Store
	// ========================================================================
	KeyChunkID    = "chunk_id"    // Content hash of a chunk
	KeyChunkCount = "chunk_count" // Number of chunks in an operation
	KeyChunkSize  = "chunk_size"  // Chunk byte length
	KeyRefCount   = "ref_count"   // Chunk reference count

	// ========================================================================
	// Tiers & Lifecycle
	// ========================================================================
	KeyTier     = "tier"      // Storage tier: hot, warm, cold, glacier
	KeyFromTier = "from_tier" // Source tier of a transition
	KeyToTier   = "to_tier"   // Destination tier of a transition
	KeyAgeDays  = "age_days"  // Object age in days

	// ========================================================================
	// WAL & Checkpoints
	// ========================================================================
	KeyTxnID        = "txn_id"        // WAL transaction identifier
	KeySegment      = "segment"       // WAL segment file name
	KeyEntryKind    = "entry_kind"    // WAL entry kind
	KeyCheckpointID = "checkpoint_id" // Checkpoint identifier
	KeyEntries      = "entries"       // Number of WAL entries in an operation

	// ========================================================================
	// Recovery & Disaster
	// ========================================================================
	KeyEventID      = "event_id"      // Disaster event identifier
	KeyRecoveryID   = "recovery_id"   // Recovery request/report identifier
	KeyPlanID       = "plan_id"       // Recovery plan identifier
	KeyStep         = "step"          // Recovery step name
	KeyAction       = "action"        // Recovery step action
	KeySeverity     = "severity"      // Disaster severity
	KeyDisasterKind = "disaster_kind" // Disaster kind
	KeyCheckID      = "check_id"      // Health check identifier
	KeyComponent    = "component"     // Component under check or impact
	KeyDocumentID   = "document_id"   // CAD document identifier
	KeyStrategy     = "strategy"      // Model-recovery strategy
	KeyReportID     = "report_id"     // Model-recovery report identifier

	// ========================================================================
	// Object Storage
	// ========================================================================
	KeyBucket    = "bucket"     // Bucket name
	KeyKey       = "key"        // Object key
	KeyStoreType = "store_type" // Store type: memory, s3
	KeyRegion    = "region"     // Cloud region
	KeyVersionID = "version_id" // Server-assigned object version
	KeySize      = "size"       // Byte size
	KeyParts     = "parts"      // Multipart part count

	// ========================================================================
	// Fleet State
	// ========================================================================
	KeyScope   = "scope"    // Fleet key scope prefix
	KeyChannel = "channel"  // Pub/sub channel
	KeyLockKey = "lock_key" // Distributed lock key
	KeyTTL     = "ttl"      // Entry time-to-live

	// ========================================================================
	// Client Identification
	// ========================================================================
	KeyUserID   = "user_id"   // Owning user identifier
	KeyClientIP = "client_ip" // Client IP address

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Stable machine error code
	KeyOperation  = "operation"   // Sub-operation type for complex operations
	KeySource     = "source"      // Data source: ring, segment, database, storage
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// ----------------------------------------------------------------------------
// Distributed Tracing
// ----------------------------------------------------------------------------

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ----------------------------------------------------------------------------
// Jobs & Flows
// ----------------------------------------------------------------------------

// JobID returns a slog.Attr for a job identifier
func JobID(id string) slog.Attr {
	return slog.String(KeyJobID, id)
}

// Flow returns a slog.Attr for a flow kind
func Flow(flow string) slog.Attr {
	return slog.String(KeyFlow, flow)
}

// Queue returns a slog.Attr for a queue routing key
func Queue(queue string) slog.Attr {
	return slog.String(KeyQueue, queue)
}

// WorkerID returns a slog.Attr for a worker identifier
func WorkerID(id string) slog.Attr {
	return slog.String(KeyWorkerID, id)
}

// Status returns a slog.Attr for a status value
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Progress returns a slog.Attr for job progress
func Progress(pct int) slog.Attr {
	return slog.Int(KeyProgress, pct)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for the retry ceiling
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// ----------------------------------------------------------------------------
// Backup & Snapshots
// ----------------------------------------------------------------------------

// SnapshotID returns a slog.Attr for a snapshot identifier
func SnapshotID(id string) slog.Attr {
	return slog.String(KeySnapshotID, id)
}

// SourceID returns a slog.Attr for a backup source identifier
func SourceID(id string) slog.Attr {
	return slog.String(KeySourceID, id)
}

// SnapshotKind returns a slog.Attr for a snapshot kind
func SnapshotKind(kind string) slog.Attr {
	return slog.String(KeySnapKind, kind)
}

// ChainLength returns a slog.Attr for a snapshot chain length
func ChainLength(n int) slog.Attr {
	return slog.Int(KeyChainLength, n)
}

// DedupRatio returns a slog.Attr for a deduplication ratio
func DedupRatio(ratio float64) slog.Attr {
	return slog.Float64(KeyDedupRatio, ratio)
}

// ----------------------------------------------------------------------------
// Chunk Store
// ----------------------------------------------------------------------------

// ChunkID returns a slog.Attr for a chunk content hash
func ChunkID(id string) slog.Attr {
	return slog.String(KeyChunkID, id)
}

// ChunkCount returns a slog.Attr for a chunk count
func ChunkCount(n int) slog.Attr {
	return slog.Int(KeyChunkCount, n)
}

// RefCount returns a slog.Attr for a chunk reference count
func RefCount(n int64) slog.Attr {
	return slog.Int64(KeyRefCount, n)
}

// ----------------------------------------------------------------------------
// Tiers & Lifecycle
// ----------------------------------------------------------------------------

// Tier returns a slog.Attr for a storage tier
func Tier(tier string) slog.Attr {
	return slog.String(KeyTier, tier)
}

// FromTier returns a slog.Attr for a transition source tier
func FromTier(tier string) slog.Attr {
	return slog.String(KeyFromTier, tier)
}

// ToTier returns a slog.Attr for a transition destination tier
func ToTier(tier string) slog.Attr {
	return slog.String(KeyToTier, tier)
}

// ----------------------------------------------------------------------------
// WAL & Checkpoints
// ----------------------------------------------------------------------------

// TxnID returns a slog.Attr for a WAL transaction identifier
func TxnID(id string) slog.Attr {
	return slog.String(KeyTxnID, id)
}

// Segment returns a slog.Attr for a WAL segment name
func Segment(name string) slog.Attr {
	return slog.String(KeySegment, name)
}

// CheckpointID returns a slog.Attr for a checkpoint identifier
func CheckpointID(id string) slog.Attr {
	return slog.String(KeyCheckpointID, id)
}

// Entries returns a slog.Attr for a WAL entry count
func Entries(n int) slog.Attr {
	return slog.Int(KeyEntries, n)
}

// ----------------------------------------------------------------------------
// Recovery & Disaster
// ----------------------------------------------------------------------------

// EventID returns a slog.Attr for a disaster event identifier
func EventID(id string) slog.Attr {
	return slog.String(KeyEventID, id)
}

// PlanID returns a slog.Attr for a recovery plan identifier
func PlanID(id string) slog.Attr {
	return slog.String(KeyPlanID, id)
}

// Step returns a slog.Attr for a recovery step name
func Step(name string) slog.Attr {
	return slog.String(KeyStep, name)
}

// Severity returns a slog.Attr for a disaster severity
func Severity(sev string) slog.Attr {
	return slog.String(KeySeverity, sev)
}

// CheckID returns a slog.Attr for a health check identifier
func CheckID(id string) slog.Attr {
	return slog.String(KeyCheckID, id)
}

// Component returns a slog.Attr for a component name
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// DocumentID returns a slog.Attr for a CAD document identifier
func DocumentID(id string) slog.Attr {
	return slog.String(KeyDocumentID, id)
}

// ----------------------------------------------------------------------------
// Object Storage
// ----------------------------------------------------------------------------

// Bucket returns a slog.Attr for a bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key
func Key(key string) slog.Attr {
	return slog.String(KeyKey, key)
}

// StoreType returns a slog.Attr for a store type
func StoreType(t string) slog.Attr {
	return slog.String(KeyStoreType, t)
}

// Size returns a slog.Attr for a byte size
func Size(size int64) slog.Attr {
	return slog.Int64(KeySize, size)
}

// VersionID returns a slog.Attr for an object version identifier
func VersionID(id string) slog.Attr {
	return slog.String(KeyVersionID, id)
}

// ----------------------------------------------------------------------------
// Fleet State
// ----------------------------------------------------------------------------

// Channel returns a slog.Attr for a pub/sub channel
func Channel(name string) slog.Attr {
	return slog.String(KeyChannel, name)
}

// LockKey returns a slog.Attr for a distributed lock key
func LockKey(key string) slog.Attr {
	return slog.String(KeyLockKey, key)
}

// ----------------------------------------------------------------------------
// Client Identification
// ----------------------------------------------------------------------------

// UserID returns a slog.Attr for an owning user identifier
func UserID(id string) slog.Attr {
	return slog.String(KeyUserID, id)
}

// ClientIP returns a slog.Attr for a client IP address
func ClientIP(ip string) slog.Attr {
	return slog.String(KeyClientIP, ip)
}

// ----------------------------------------------------------------------------
// Operation Metadata
// ----------------------------------------------------------------------------

// DurationMs returns a slog.Attr for operation duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
// Named Err to avoid conflict with Error() log function
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a stable machine error code
func ErrorCode(code string) slog.Attr {
	return slog.String(KeyErrorCode, code)
}

// Operation returns a slog.Attr for a sub-operation type
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Source returns a slog.Attr for a data source
func Source(source string) slog.Attr {
	return slog.String(KeySource, source)
}
