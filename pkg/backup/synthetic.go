package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/repo"
)

// CreateSyntheticFull materializes a full snapshot from a source's
// existing chain without fresh input bytes. The most recent full is
// restored into memory, then each subsequent incremental's delta is
// applied step by step: chunks the running state already holds are
// copied from memory, chunks it lacks are fetched from the store. The
// tip state is then stored as a new snapshot of kind synthetic, which
// starts a fresh chain. The source chain is superseded, not deleted;
// retention decides when its members expire.
func (e *Engine) CreateSyntheticFull(ctx context.Context, sourceID string) (*repo.Snapshot, error) {
	lock := e.sourceLock(sourceID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	live, err := e.liveChain(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	chain := currentChain(live)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoChain, sourceID)
	}

	state, copyOps, insertOps, err := e.replayChain(ctx, chain)
	if err != nil {
		return nil, err
	}

	snap, err := e.create(ctx, sourceID, state, repo.SnapshotSynthetic, nil, CreateOptions{})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "synthetic full created",
		"snapshot_id", snap.ID,
		"source_id", sourceID,
		"chain_length", len(chain),
		"copy_ops", copyOps,
		"insert_ops", insertOps,
		"logical_size", snap.LogicalSize,
		"duration_ms", logger.Duration(start))
	return snap, nil
}

// replayChain restores the chain's base full and applies each subsequent
// snapshot's delta in order, returning the tip state and the copy/insert
// operation counts accumulated across steps.
func (e *Engine) replayChain(ctx context.Context, chain []*repo.Snapshot) ([]byte, int, int, error) {
	base := chain[0]
	state, err := e.Restore(ctx, base.ID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("restoring chain base %s: %w", base.ID, err)
	}

	priorManifest, err := e.manifestOf(ctx, base.ID)
	if err != nil {
		return nil, 0, 0, err
	}

	var copyOps, insertOps int
	for _, step := range chain[1:] {
		manifest, err := e.manifestOf(ctx, step.ID)
		if err != nil {
			return nil, 0, 0, err
		}
		next, copies, inserts, err := e.applyDelta(ctx, state, priorManifest, manifest)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("applying snapshot %s: %w", step.ID, err)
		}
		state = next
		priorManifest = manifest
		copyOps += copies
		insertOps += inserts
	}
	return state, copyOps, insertOps, nil
}

// applyDelta materializes a step's payload against the prior state.
// Chunks shared with the prior manifest become in-memory copy operations
// over byte ranges; chunks new to this step become insert operations
// served by the chunk store.
func (e *Engine) applyDelta(ctx context.Context, prior []byte, priorManifest, m *Manifest) ([]byte, int, int, error) {
	held := make(map[string][]byte, len(priorManifest.Chunks))
	for _, ref := range priorManifest.Chunks {
		if ref.Offset+ref.Size > int64(len(prior)) {
			return nil, 0, 0, fmt.Errorf("%w: prior manifest exceeds prior state", ErrSnapshotCorrupt)
		}
		held[ref.ID] = prior[ref.Offset : ref.Offset+ref.Size]
	}

	next := make([]byte, m.LogicalSize())
	var copyOps, insertOps int
	for _, ref := range m.Chunks {
		if data, ok := held[ref.ID]; ok {
			copy(next[ref.Offset:ref.Offset+ref.Size], data)
			copyOps++
			continue
		}
		data, err := e.chunks.Get(ctx, ref.ID)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("fetching chunk %s: %w", ref.ID, err)
		}
		copy(next[ref.Offset:ref.Offset+ref.Size], data)
		insertOps++
	}
	return next, copyOps, insertOps, nil
}

// manifestOf loads and opens the manifest of a stored snapshot.
func (e *Engine) manifestOf(ctx context.Context, snapshotID string) (*Manifest, error) {
	env, err := e.loadEnvelope(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return openManifest(env, e.enc)
}
