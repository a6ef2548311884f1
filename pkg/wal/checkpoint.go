package wal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
)

// Checkpoint is a serialized full-state snapshot usable as a replay
// origin: given a checkpoint and every WAL entry strictly after its
// timestamp, the state at any later instant is reconstructable.
type Checkpoint struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// State is the canonical JSON serialization of the full state.
	// encoding/json emits object keys sorted, so the checksum is
	// stable across re-encodings.
	State json.RawMessage `json:"state"`

	// Checksum is the hex SHA-256 of State.
	Checksum string `json:"checksum"`

	// ObjectCount is the number of top-level objects in State.
	ObjectCount int `json:"object_count"`
}

// Verify recomputes the state checksum recorded at write time.
func (c *Checkpoint) Verify() error {
	sum := sha256.Sum256(c.State)
	if hex.EncodeToString(sum[:]) != c.Checksum {
		return fmt.Errorf("%w: %s", ErrCheckpointCorrupt, c.ID)
	}
	return nil
}

// Checkpoint serializes state to a new checkpoint document, prunes the
// oldest checkpoints past the retention cap, and logs a checkpoint
// entry to the WAL so replays see the event.
func (m *Manager) Checkpoint(ctx context.Context, state any) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("serializing checkpoint state: %w", err)
	}
	sum := sha256.Sum256(stateJSON)

	ckpt := &Checkpoint{
		ID:          "ckpt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Timestamp:   time.Now().UTC(),
		State:       stateJSON,
		Checksum:    hex.EncodeToString(sum[:]),
		ObjectCount: countTopLevel(stateJSON),
	}

	doc, err := json.Marshal(ckpt)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}

	m.ckptMu.Lock()
	defer m.ckptMu.Unlock()

	path := filepath.Join(m.cfg.CheckpointDir, ckpt.ID+".json")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return nil, fmt.Errorf("writing checkpoint: %w", err)
	}

	m.archiveCheckpoint(ctx, ckpt.ID, doc)

	if pruned, err := m.pruneCheckpointsLocked(); err != nil {
		logger.Warn("Checkpoint pruning failed", "error", err)
	} else if pruned > 0 {
		logger.Debug("Pruned old checkpoints", "pruned", pruned)
	}

	payload, _ := json.Marshal(map[string]any{
		"checkpoint_id": ckpt.ID,
		"checksum":      ckpt.Checksum,
		"object_count":  ckpt.ObjectCount,
	})
	if _, err := m.Append(ctx, &Entry{
		Kind:     KindCheckpoint,
		ObjectID: ckpt.ID,
		Payload:  payload,
	}); err != nil {
		logger.Warn("Failed to log checkpoint entry", "checkpoint_id", ckpt.ID, "error", err)
	}

	logger.Info("Checkpoint written",
		"checkpoint_id", ckpt.ID,
		"objects", ckpt.ObjectCount,
		"bytes", len(stateJSON))
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveCheckpoint(len(stateJSON))
	}
	return ckpt, nil
}

// countTopLevel counts the top-level members of a serialized state: the
// keys of an object, the elements of an array, or one for a scalar.
func countTopLevel(stateJSON []byte) int {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(stateJSON, &obj); err == nil {
		return len(obj)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(stateJSON, &arr); err == nil {
		return len(arr)
	}
	return 1
}

// archiveCheckpoint uploads a checkpoint document to object storage.
// Best-effort: the local file is the durable copy.
func (m *Manager) archiveCheckpoint(ctx context.Context, id string, doc []byte) {
	if m.objects == nil {
		return
	}
	key := objstore.CheckpointKeyFor(id)
	if _, err := m.objects.Put(context.WithoutCancel(ctx), key, doc, objstore.PutOptions{
		Tier: objstore.TierHot,
	}); err != nil {
		logger.Warn("Failed to archive checkpoint", "checkpoint_id", id, "key", key, "error", err)
	}
}

// LoadCheckpoint reads and verifies one checkpoint by identifier.
func (m *Manager) LoadCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(m.cfg.CheckpointDir, id+".json")
	doc, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return nil, fmt.Errorf("reading checkpoint %s: %w", id, err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(doc, &ckpt); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", id, err)
	}
	if err := ckpt.Verify(); err != nil {
		return nil, err
	}
	return &ckpt, nil
}

// ListCheckpoints returns every retained checkpoint ordered newest
// first. State payloads are included; callers holding many should copy
// the fields they need.
func (m *Manager) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := m.checkpointFiles()
	if err != nil {
		return nil, err
	}

	ckpts := make([]*Checkpoint, 0, len(files))
	for _, path := range files {
		doc, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("Skipping unreadable checkpoint", "path", path, "error", err)
			continue
		}
		var ckpt Checkpoint
		if err := json.Unmarshal(doc, &ckpt); err != nil {
			logger.Warn("Skipping undecodable checkpoint", "path", path, "error", err)
			continue
		}
		ckpts = append(ckpts, &ckpt)
	}
	sort.Slice(ckpts, func(i, j int) bool {
		return ckpts[i].Timestamp.After(ckpts[j].Timestamp)
	})
	return ckpts, nil
}

// LatestCheckpoint returns the most recent checkpoint, verified.
func (m *Manager) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	return m.CheckpointBefore(ctx, time.Time{})
}

// CheckpointBefore returns the most recent checkpoint whose timestamp
// is at or before target, verified. A zero target means latest.
func (m *Manager) CheckpointBefore(ctx context.Context, target time.Time) (*Checkpoint, error) {
	ckpts, err := m.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	for _, ckpt := range ckpts {
		if !target.IsZero() && ckpt.Timestamp.After(target) {
			continue
		}
		if err := ckpt.Verify(); err != nil {
			// A corrupt checkpoint must not silently become the replay
			// origin; fall back to the next older one.
			logger.Warn("Skipping corrupt checkpoint", "checkpoint_id", ckpt.ID)
			continue
		}
		return ckpt, nil
	}
	return nil, ErrCheckpointNotFound
}

// pruneCheckpointsLocked removes the oldest checkpoint files beyond the
// retention cap. Caller holds ckptMu.
func (m *Manager) pruneCheckpointsLocked() (int, error) {
	files, err := m.checkpointFiles()
	if err != nil {
		return 0, err
	}
	if len(files) <= m.cfg.MaxCheckpoints {
		return 0, nil
	}

	type stamped struct {
		path string
		ts   time.Time
	}
	stamps := make([]stamped, 0, len(files))
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		stamps = append(stamps, stamped{path: path, ts: info.ModTime()})
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].ts.Before(stamps[j].ts) })

	pruned := 0
	for i := 0; i < len(stamps)-m.cfg.MaxCheckpoints; i++ {
		if err := os.Remove(stamps[i].path); err != nil {
			logger.Warn("Failed to prune checkpoint", "path", stamps[i].path, "error", err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

// checkpointFiles returns the paths of every checkpoint document.
func (m *Manager) checkpointFiles() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoint directory: %w", err)
	}
	var files []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "ckpt_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, filepath.Join(m.cfg.CheckpointDir, name))
	}
	return files, nil
}

// Subscribe attaches a consumer of automatic checkpoints. The loop
// starts when the first subscriber attaches and a state provider is
// configured; further subscribers share the running loop.
func (m *Manager) Subscribe() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.subs++
	if m.subs > 1 || m.cfg.StateProvider == nil || m.stopAuto != nil {
		return
	}
	m.stopAuto = make(chan struct{})
	m.autoDone = make(chan struct{})
	go m.autoLoop(m.stopAuto, m.autoDone)
	logger.Info("Automatic checkpoint loop started", "interval", m.cfg.CheckpointInterval)
}

// Unsubscribe detaches a consumer; the loop stops when the last
// subscriber detaches.
func (m *Manager) Unsubscribe() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.subs == 0 {
		return
	}
	m.subs--
	if m.subs > 0 || m.stopAuto == nil {
		return
	}
	close(m.stopAuto)
	<-m.autoDone
	m.stopAuto = nil
	m.autoDone = nil
	logger.Info("Automatic checkpoint loop stopped")
}

// autoLoop writes a checkpoint from the state provider at every
// interval until stopped.
func (m *Manager) autoLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			state, err := m.cfg.StateProvider(ctx)
			if err != nil {
				logger.Warn("Automatic checkpoint state provider failed", "error", err)
				cancel()
				continue
			}
			if _, err := m.Checkpoint(ctx, state); err != nil {
				logger.Warn("Automatic checkpoint failed", "error", err)
			}
			cancel()
		}
	}
}
