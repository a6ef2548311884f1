package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for core operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Job attributes
	// ========================================================================
	AttrJobID    = "job.id"
	AttrJobFlow  = "job.flow"
	AttrJobQueue = "job.queue"
	AttrJobUser  = "job.user"
	AttrWorkerID = "worker.id"
	AttrAttempt  = "job.attempt"
	AttrProgress = "job.progress"
	AttrStatus   = "job.status"

	// ========================================================================
	// Backup attributes
	// ========================================================================
	AttrSnapshotID   = "backup.snapshot_id"
	AttrSourceID     = "backup.source_id"
	AttrSnapshotKind = "backup.kind"
	AttrLogicalSize  = "backup.logical_size"
	AttrUniqueSize   = "backup.unique_size"
	AttrDedupRatio   = "backup.dedup_ratio"
	AttrCompression  = "backup.compression"
	AttrEncryption   = "backup.encryption"

	// ========================================================================
	// Chunk store attributes
	// ========================================================================
	AttrChunkID    = "chunk.id"
	AttrChunkCount = "chunk.count"
	AttrChunkSize  = "chunk.size"

	// ========================================================================
	// WAL attributes
	// ========================================================================
	AttrTxnID        = "wal.txn_id"
	AttrSegment      = "wal.segment"
	AttrEntryKind    = "wal.entry_kind"
	AttrCheckpointID = "wal.checkpoint_id"
	AttrEntryCount   = "wal.entries"

	// ========================================================================
	// Recovery attributes
	// ========================================================================
	AttrRecoveryMode = "recovery.mode"
	AttrEventID      = "disaster.event_id"
	AttrPlanID       = "disaster.plan_id"
	AttrSeverity     = "disaster.severity"
	AttrStepName     = "disaster.step"
	AttrDocumentID   = "model.document_id"
	AttrStrategy     = "model.strategy"

	// ========================================================================
	// Storage backend attributes
	// ========================================================================
	AttrBucket    = "storage.bucket"
	AttrKey       = "storage.key"
	AttrTier      = "storage.tier"
	AttrRegion    = "storage.region"
	AttrStoreType = "storage.type"
	AttrVersionID = "storage.version_id"
	AttrSize      = "storage.size"
	AttrParts     = "storage.parts"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Backup engine spans
	SpanBackupCreate    = "backup.create"
	SpanBackupRestore   = "backup.restore"
	SpanBackupVerify    = "backup.verify"
	SpanBackupSynthetic = "backup.synthetic_full"

	// Chunk store spans
	SpanChunkAdd    = "chunk.add"
	SpanChunkGet    = "chunk.get"
	SpanChunkRemove = "chunk.remove"

	// WAL spans
	SpanWALAppend     = "wal.append"
	SpanWALRead       = "wal.read"
	SpanWALCheckpoint = "wal.checkpoint"

	// Recovery spans
	SpanPITRRecover    = "pitr.recover"
	SpanDRDetect       = "disaster.detect"
	SpanDRRecover      = "disaster.recover"
	SpanModelDetect    = "model.detect_corruption"
	SpanModelRecover   = "model.recover"
	SpanLifecycleSweep = "lifecycle.apply"

	// Job spans
	SpanJobSubmit  = "job.submit"
	SpanJobExecute = "job.execute"
	SpanJobCancel  = "job.cancel"

	// Storage spans
	SpanStoragePut      = "storage.put"
	SpanStorageGet      = "storage.get"
	SpanStorageDelete   = "storage.delete"
	SpanStorageMoveTier = "storage.move_tier"
	SpanStorageList     = "storage.list"
)

// JobID returns an attribute for a job identifier
func JobID(id string) attribute.KeyValue {
	return attribute.String(AttrJobID, id)
}

// JobFlow returns an attribute for a job flow kind
func JobFlow(flow string) attribute.KeyValue {
	return attribute.String(AttrJobFlow, flow)
}

// JobQueue returns an attribute for a queue routing key
func JobQueue(queue string) attribute.KeyValue {
	return attribute.String(AttrJobQueue, queue)
}

// WorkerID returns an attribute for a worker identifier
func WorkerID(id string) attribute.KeyValue {
	return attribute.String(AttrWorkerID, id)
}

// Attempt returns an attribute for a retry attempt number
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// Progress returns an attribute for job progress
func Progress(pct int) attribute.KeyValue {
	return attribute.Int(AttrProgress, pct)
}

// Status returns an attribute for a job status
func Status(status string) attribute.KeyValue {
	return attribute.String(AttrStatus, status)
}

// SnapshotID returns an attribute for a snapshot identifier
func SnapshotID(id string) attribute.KeyValue {
	return attribute.String(AttrSnapshotID, id)
}

// SourceID returns an attribute for a backup source identifier
func SourceID(id string) attribute.KeyValue {
	return attribute.String(AttrSourceID, id)
}

// SnapshotKind returns an attribute for a snapshot kind
func SnapshotKind(kind string) attribute.KeyValue {
	return attribute.String(AttrSnapshotKind, kind)
}

// LogicalSize returns an attribute for pre-dedup byte size
func LogicalSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrLogicalSize, size)
}

// UniqueSize returns an attribute for post-dedup byte size
func UniqueSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrUniqueSize, size)
}

// DedupRatio returns an attribute for a deduplication ratio
func DedupRatio(ratio float64) attribute.KeyValue {
	return attribute.Float64(AttrDedupRatio, ratio)
}

// ChunkID returns an attribute for a chunk content hash
func ChunkID(id string) attribute.KeyValue {
	return attribute.String(AttrChunkID, id)
}

// ChunkCount returns an attribute for a chunk count
func ChunkCount(n int) attribute.KeyValue {
	return attribute.Int(AttrChunkCount, n)
}

// ChunkSize returns an attribute for a chunk byte length
func ChunkSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrChunkSize, size)
}

// TxnID returns an attribute for a WAL transaction identifier
func TxnID(id string) attribute.KeyValue {
	return attribute.String(AttrTxnID, id)
}

// Segment returns an attribute for a WAL segment name
func Segment(name string) attribute.KeyValue {
	return attribute.String(AttrSegment, name)
}

// CheckpointID returns an attribute for a checkpoint identifier
func CheckpointID(id string) attribute.KeyValue {
	return attribute.String(AttrCheckpointID, id)
}

// EntryCount returns an attribute for a WAL entry count
func EntryCount(n int) attribute.KeyValue {
	return attribute.Int(AttrEntryCount, n)
}

// RecoveryMode returns an attribute for a PITR mode
func RecoveryMode(mode string) attribute.KeyValue {
	return attribute.String(AttrRecoveryMode, mode)
}

// EventID returns an attribute for a disaster event identifier
func EventID(id string) attribute.KeyValue {
	return attribute.String(AttrEventID, id)
}

// PlanID returns an attribute for a recovery plan identifier
func PlanID(id string) attribute.KeyValue {
	return attribute.String(AttrPlanID, id)
}

// Severity returns an attribute for a disaster severity
func Severity(sev string) attribute.KeyValue {
	return attribute.String(AttrSeverity, sev)
}

// DocumentID returns an attribute for a CAD document identifier
func DocumentID(id string) attribute.KeyValue {
	return attribute.String(AttrDocumentID, id)
}

// Bucket returns an attribute for a bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for an object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Tier returns an attribute for a storage tier
func Tier(tier string) attribute.KeyValue {
	return attribute.String(AttrTier, tier)
}

// StoreType returns an attribute for a store type
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Region returns an attribute for a cloud region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// Size returns an attribute for a byte size
func Size(size int64) attribute.KeyValue {
	return attribute.Int64(AttrSize, size)
}

// StartJobSpan starts a span for a job execution.
// This is a convenience function that sets common attributes.
func StartJobSpan(ctx context.Context, jobID, flow string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		JobID(jobID),
		JobFlow(flow),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanJobExecute, trace.WithAttributes(allAttrs...))
}

// StartBackupSpan starts a span for a backup engine operation.
func StartBackupSpan(ctx context.Context, operation, sourceID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		SourceID(sourceID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "backup."+operation, trace.WithAttributes(allAttrs...))
}

// StartStorageSpan starts a span for an object storage operation.
func StartStorageSpan(ctx context.Context, operation, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		StorageKey(key),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "storage."+operation, trace.WithAttributes(allAttrs...))
}

// StartWALSpan starts a span for a WAL operation.
func StartWALSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "wal."+operation, trace.WithAttributes(attrs...))
}

// StartRecoverySpan starts a span for a recovery operation.
func StartRecoverySpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "recovery."+operation, trace.WithAttributes(attrs...))
}
