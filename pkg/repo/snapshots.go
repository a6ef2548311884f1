package repo

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// SNAPSHOT OPERATIONS
// ============================================================================

// CreateSnapshot persists a new snapshot descriptor and returns its ID.
func (s *GORMStore) CreateSnapshot(ctx context.Context, snap *Snapshot) (string, error) {
	if !SnapshotKind(snap.Kind).IsValid() {
		return "", fmt.Errorf("invalid snapshot kind: %q", snap.Kind)
	}
	if snap.Status == "" {
		snap.Status = SnapshotStatusPending
	}
	if snap.Tier == "" {
		snap.Tier = TierHot
	}
	return createWithID(s.db, ctx, snap,
		func(m *Snapshot, id string) { m.ID = id },
		snap.ID, ErrDuplicateSnapshot)
}

// GetSnapshot retrieves a snapshot by ID.
func (s *GORMStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return getByField[Snapshot](s.db, ctx, "id", id, ErrSnapshotNotFound)
}

// ListSnapshots returns snapshots for a source, oldest first. An empty
// sourceID returns all snapshots.
func (s *GORMStore) ListSnapshots(ctx context.Context, sourceID string) ([]*Snapshot, error) {
	var snaps []*Snapshot
	q := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if sourceID != "" {
		q = q.Where("source_id = ?", sourceID)
	}
	if err := q.Find(&snaps).Error; err != nil {
		return nil, err
	}
	return snaps, nil
}

// ListSnapshotsInTier returns snapshots in the given tier created before
// the cutoff, oldest first.
func (s *GORMStore) ListSnapshotsInTier(ctx context.Context, tier string, before time.Time) ([]*Snapshot, error) {
	var snaps []*Snapshot
	err := s.db.WithContext(ctx).
		Where("tier = ? AND created_at < ?", tier, before).
		Order("created_at ASC, id ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// UpdateSnapshotStatus sets the status of a snapshot.
func (s *GORMStore) UpdateSnapshotStatus(ctx context.Context, id, status string) error {
	return updateFields[Snapshot](s.db, ctx, "id", id,
		map[string]any{"status": status}, ErrSnapshotNotFound)
}

// UpdateSnapshotTier moves a snapshot to a different storage tier.
func (s *GORMStore) UpdateSnapshotTier(ctx context.Context, id, tier string) error {
	return updateFields[Snapshot](s.db, ctx, "id", id,
		map[string]any{"tier": tier}, ErrSnapshotNotFound)
}

// MarkSnapshotVerified records a successful integrity verification.
func (s *GORMStore) MarkSnapshotVerified(ctx context.Context, id string, at time.Time) error {
	return updateFields[Snapshot](s.db, ctx, "id", id,
		map[string]any{"verified_at": at}, ErrSnapshotNotFound)
}

// DeleteSnapshot removes a snapshot descriptor.
func (s *GORMStore) DeleteSnapshot(ctx context.Context, id string) error {
	return deleteByField[Snapshot](s.db, ctx, "id", id, ErrSnapshotNotFound)
}

// CountSnapshots returns the number of snapshots for a source. An empty
// sourceID counts all snapshots.
func (s *GORMStore) CountSnapshots(ctx context.Context, sourceID string) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&Snapshot{})
	if sourceID != "" {
		q = q.Where("source_id = ?", sourceID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
