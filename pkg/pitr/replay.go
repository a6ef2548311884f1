package pitr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgevault/forgevault/pkg/wal"
)

// ReplayLatest reconstructs the current logical state: the latest
// checkpoint plus every WAL entry after it, applied last-writer-wins.
// With no checkpoint the whole log is replayed from the beginning.
//
// Operator tooling uses this to seed a manual checkpoint without a
// running daemon.
func ReplayLatest(ctx context.Context, w *wal.Manager) (map[string]json.RawMessage, error) {
	objects := make(map[string]json.RawMessage)
	var baseTime time.Time

	ckpt, err := w.LatestCheckpoint(ctx)
	switch {
	case err == nil:
		if err := ckpt.Verify(); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ckpt.State, &objects); err != nil {
			return nil, fmt.Errorf("checkpoint %s state is not an object map: %w", ckpt.ID, err)
		}
		baseTime = ckpt.Timestamp
	case errors.Is(err, wal.ErrCheckpointNotFound):
		// Full replay.
	default:
		return nil, err
	}

	entries, err := w.Read(ctx, wal.ReadOptions{Start: baseTime, Verify: true})
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, entry := range entries {
		if err := applyEntry(objects, entry, ConflictTheirs, res); err != nil {
			return nil, err
		}
	}
	return objects, nil
}
