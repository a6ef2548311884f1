package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/repo"
)

// GCStats summarizes one garbage collection run.
type GCStats struct {
	// SnapshotsScanned is the number of live snapshot manifests read.
	SnapshotsScanned int `json:"snapshots_scanned"`

	// ChunksScanned is the number of indexed chunks examined.
	ChunksScanned int `json:"chunks_scanned"`

	// LiveChunks is the number of chunks referenced by at least one
	// snapshot manifest.
	LiveChunks int `json:"live_chunks"`

	// OrphanChunks is the number of chunks no manifest references.
	OrphanChunks int `json:"orphan_chunks"`

	// BytesReclaimed is the stored size of the orphan chunks. In a dry
	// run it is the size that a real run would reclaim.
	BytesReclaimed int64 `json:"bytes_reclaimed"`

	// Errors is the number of non-fatal per-chunk failures.
	Errors int `json:"errors"`

	// DryRun records whether deletion was suppressed.
	DryRun bool `json:"dry_run"`
}

// GCOptions configures a garbage collection run.
type GCOptions struct {
	// DryRun reports orphans without deleting them.
	DryRun bool

	// MaxOrphans stops the run after deleting this many orphan chunks.
	// 0 means unlimited.
	MaxOrphans int

	// Progress is called after each orphan is handled. May be nil.
	Progress func(stats GCStats)
}

// CollectGarbage reconciles the chunk index against the manifests of
// every live snapshot and removes chunks nothing references.
//
// Orphans appear when a snapshot deletion or a creation rollback fails
// partway: chunk references are released before the descriptor row is
// removed, so a crash in between can leave indexed chunks with no
// owner. The run is safe during normal operation because chunks are
// always indexed BEFORE the snapshot descriptor that references them
// is written; a chunk belonging to an in-flight backup is either
// already covered by its pending descriptor or too new to have been
// listed.
//
// Reading any live manifest is mandatory: if one cannot be opened the
// run aborts without deleting anything, since its chunks could not be
// proven live.
func (e *Engine) CollectGarbage(ctx context.Context, opts GCOptions) (*GCStats, error) {
	stats := &GCStats{DryRun: opts.DryRun}

	snaps, err := e.meta.ListSnapshots(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	// Build the live set from every snapshot that still owns chunk
	// references. Deleted snapshots released theirs already.
	live := make(map[string]struct{})
	for _, snap := range snaps {
		if snap.Status == repo.SnapshotStatusDeleted {
			continue
		}
		manifest, err := e.manifestOf(ctx, snap.ID)
		if err != nil {
			return nil, fmt.Errorf("reading manifest of snapshot %s: %w", snap.ID, err)
		}
		stats.SnapshotsScanned++
		for _, ref := range manifest.Chunks {
			live[ref.ID] = struct{}{}
		}
	}
	stats.LiveChunks = len(live)

	ids, err := e.chunks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing chunk index: %w", err)
	}

	logger.InfoCtx(ctx, "garbage collection scanning",
		"indexed_chunks", len(ids), "live_chunks", len(live),
		"snapshots", stats.SnapshotsScanned, "dry_run", opts.DryRun)

	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.ChunksScanned++

		if _, ok := live[id]; ok {
			continue
		}

		info, err := e.chunks.Info(ctx, id)
		if err != nil {
			if errors.Is(err, chunkstore.ErrChunkNotFound) {
				continue
			}
			logger.WarnCtx(ctx, "failed to inspect orphan chunk", "chunk_id", id, "error", err)
			stats.Errors++
			continue
		}

		stats.OrphanChunks++
		stats.BytesReclaimed += info.Size

		if !opts.DryRun {
			if err := e.releaseOrphan(ctx, id, info.RefCount); err != nil {
				logger.WarnCtx(ctx, "failed to delete orphan chunk", "chunk_id", id, "error", err)
				stats.Errors++
			}
		}

		if opts.Progress != nil {
			opts.Progress(*stats)
		}
		if opts.MaxOrphans > 0 && stats.OrphanChunks >= opts.MaxOrphans {
			logger.InfoCtx(ctx, "garbage collection reached orphan limit", "limit", opts.MaxOrphans)
			break
		}
	}

	logger.InfoCtx(ctx, "garbage collection complete",
		"snapshots_scanned", stats.SnapshotsScanned,
		"chunks_scanned", stats.ChunksScanned,
		"orphan_chunks", stats.OrphanChunks,
		"bytes_reclaimed", stats.BytesReclaimed,
		"errors", stats.Errors,
		"dry_run", opts.DryRun)

	return stats, nil
}

// releaseOrphan drops every dangling reference an orphan chunk holds so
// the store erases its bytes. Leaked references mean the count can be
// above one even though no manifest points at the chunk.
func (e *Engine) releaseOrphan(ctx context.Context, id string, refs int64) error {
	if refs < 1 {
		refs = 1
	}
	for i := int64(0); i < refs; i++ {
		if err := e.chunks.Remove(ctx, id); err != nil {
			if errors.Is(err, chunkstore.ErrChunkNotFound) {
				return nil
			}
			return err
		}
	}
	return nil
}
