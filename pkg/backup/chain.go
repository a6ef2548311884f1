package backup

import (
	"context"

	"github.com/forgevault/forgevault/pkg/repo"
)

// liveChain returns the completed snapshots of a source, oldest first.
// Pending, corrupt, and deleted snapshots never participate in chain
// decisions: a corrupt snapshot must not become anyone's parent.
func (e *Engine) liveChain(ctx context.Context, sourceID string) ([]*repo.Snapshot, error) {
	snaps, err := e.meta.ListSnapshots(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	live := snaps[:0]
	for _, s := range snaps {
		if s.Status == repo.SnapshotStatusCompleted {
			live = append(live, s)
		}
	}
	return live, nil
}

// currentChain slices snaps to the segment rooted at the most recent
// self-contained snapshot (full or synthetic). That segment is what the
// next backup extends.
func currentChain(snaps []*repo.Snapshot) []*repo.Snapshot {
	for i := len(snaps) - 1; i >= 0; i-- {
		if repo.SnapshotKind(snaps[i].Kind).SelfContained() {
			return snaps[i:]
		}
	}
	return nil
}

// selectKind applies the chain rules to decide the next snapshot's kind
// and parent:
//
//   - a forced full, a source with no chain, a chain at MaxChainLength,
//     or the FullEvery-th backup of the chain produces a full;
//   - everything else is an incremental descending from the chain tip.
func (e *Engine) selectKind(ctx context.Context, sourceID string, forceFull bool) (repo.SnapshotKind, *string, error) {
	if forceFull {
		return repo.SnapshotFull, nil, nil
	}

	live, err := e.liveChain(ctx, sourceID)
	if err != nil {
		return "", nil, err
	}
	chain := currentChain(live)
	if len(chain) == 0 {
		return repo.SnapshotFull, nil, nil
	}
	if len(chain) >= e.cfg.MaxChainLength {
		return repo.SnapshotFull, nil, nil
	}
	if len(chain) >= e.cfg.FullEvery {
		return repo.SnapshotFull, nil, nil
	}

	tip := chain[len(chain)-1]
	parentID := tip.ID
	return repo.SnapshotIncremental, &parentID, nil
}
