// Package pitr reconstructs historical state by composing WAL
// checkpoints with entry replay: pick a recovery point, load its state,
// replay the window of entries after it, then commit the result.
package pitr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/wal"
)

var (
	// ErrRecoveryInProgress indicates another recovery holds the
	// exclusive recovery lock.
	ErrRecoveryInProgress = errors.New("recovery already in progress")

	// ErrTransactionNotFound indicates the target transaction does not
	// appear in the replay window after the selected checkpoint.
	ErrTransactionNotFound = errors.New("target transaction not found in replay window")

	// ErrManualConflict indicates a conflict that the manual policy
	// refuses to resolve automatically.
	ErrManualConflict = errors.New("conflict requires manual resolution")
)

// Mode selects how the recovery target is interpreted.
type Mode string

const (
	// ModeExactTime recovers to the state as of a timestamp.
	ModeExactTime Mode = "exact_time"

	// ModeTransaction recovers up to and including a transaction id.
	ModeTransaction Mode = "transaction"

	// ModeCheckpoint recovers to a named checkpoint exactly.
	ModeCheckpoint Mode = "checkpoint"

	// ModeLatest recovers to the most recent reconstructable state.
	ModeLatest Mode = "latest"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeExactTime, ModeTransaction, ModeCheckpoint, ModeLatest:
		return true
	}
	return false
}

// ConflictPolicy decides what happens when a replayed create lands on
// an object that already exists in the reconstructed state.
type ConflictPolicy string

const (
	// ConflictOurs keeps the existing object.
	ConflictOurs ConflictPolicy = "ours"

	// ConflictTheirs overwrites with the replayed after-state.
	ConflictTheirs ConflictPolicy = "theirs"

	// ConflictMerge overlays the replayed fields onto the existing
	// object, field by field.
	ConflictMerge ConflictPolicy = "merge"

	// ConflictManual aborts the recovery on the first conflict.
	ConflictManual ConflictPolicy = "manual"
)

// IsValid reports whether p is a known policy.
func (p ConflictPolicy) IsValid() bool {
	switch p {
	case ConflictOurs, ConflictTheirs, ConflictMerge, ConflictManual:
		return true
	}
	return false
}

// Request describes one recovery.
type Request struct {
	// ID identifies the request; assigned when empty.
	ID string

	Mode Mode

	// TargetTime is the instant to recover to (exact_time mode).
	TargetTime time.Time

	// TargetTxID is the transaction to recover through (transaction mode).
	TargetTxID string

	// CheckpointID names the checkpoint to recover to (checkpoint mode).
	CheckpointID string

	// Conflicts selects the conflict policy. Default: theirs.
	Conflicts ConflictPolicy

	// DryRun replays and reports without committing.
	DryRun bool
}

// Result reports what a recovery did.
type Result struct {
	RequestID           string        `json:"request_id"`
	Success             bool          `json:"success"`
	DryRun              bool          `json:"dry_run"`
	RecoveredTime       time.Time     `json:"recovered_time"`
	RecoveredTxID       string        `json:"recovered_tx_id,omitempty"`
	CheckpointID        string        `json:"checkpoint_id,omitempty"`
	TransactionsApplied int           `json:"transactions_applied"`
	ObjectsRecovered    int           `json:"objects_recovered"`
	ConflictsResolved   int           `json:"conflicts_resolved"`
	StateChecksum       string        `json:"state_checksum,omitempty"`
	Duration            time.Duration `json:"duration"`
	Errors              []string      `json:"errors,omitempty"`
}

// Config parametrizes the engine.
type Config struct {
	// LockTTL is the fleet recovery-lock expiry. Default: 10m.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	return c
}

// Engine performs point-in-time recoveries. At most one recovery runs
// at a time: a process mutex serializes local callers and, when a fleet
// coordinator is wired, a distributed lock serializes across workers.
type Engine struct {
	cfg   Config
	wal   *wal.Manager
	state StateStore
	coord *fleet.Coordinator

	mu sync.Mutex
}

// NewEngine creates a recovery engine. coord may be nil for
// single-process deployments.
func NewEngine(cfg Config, w *wal.Manager, state StateStore, coord *fleet.Coordinator) *Engine {
	return &Engine{
		cfg:   cfg.withDefaults(),
		wal:   w,
		state: state,
		coord: coord,
	}
}

// Recover reconstructs state per the request and, unless dry-run,
// replaces the live state with the result. The returned Result is
// populated even when err is non-nil, as far as the recovery got.
func (e *Engine) Recover(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Conflicts == "" {
		req.Conflicts = ConflictTheirs
	}
	res := &Result{RequestID: req.ID, DryRun: req.DryRun}

	if err := validateRequest(req); err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	release, err := e.acquireRecoveryLock(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	defer release()

	logger.InfoCtx(ctx, "Starting point-in-time recovery",
		"request_id", req.ID,
		"mode", string(req.Mode),
		"conflicts", string(req.Conflicts),
		"dry_run", req.DryRun)

	// Recovery point.
	base, targetTime, err := e.selectRecoveryPoint(ctx, req)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}

	// Base state.
	objects := make(map[string]json.RawMessage)
	var baseTime time.Time
	if base != nil {
		if err := json.Unmarshal(base.State, &objects); err != nil {
			err = fmt.Errorf("checkpoint %s state is not an object map: %w", base.ID, err)
			res.Errors = append(res.Errors, err.Error())
			return res, err
		}
		baseTime = base.Timestamp
		res.CheckpointID = base.ID
		res.RecoveredTime = base.Timestamp
	}

	// Replay window.
	entries, err := e.wal.Read(ctx, wal.ReadOptions{Start: baseTime, End: targetTime, Verify: true})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	if req.Mode == ModeTransaction {
		entries, err = truncateAtTransaction(entries, req.TargetTxID)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res, err
		}
	}

	// Apply.
	for _, entry := range entries {
		if entry.Kind == wal.KindCheckpoint || entry.Kind == wal.KindSnapshot {
			continue
		}
		if err := applyEntry(objects, entry, req.Conflicts, res); err != nil {
			res.Errors = append(res.Errors, err.Error())
			res.Duration = time.Since(start)
			return res, err
		}
		res.TransactionsApplied++
		res.RecoveredTime = entry.Timestamp
		res.RecoveredTxID = entry.TxID
	}
	res.ObjectsRecovered = len(objects)

	// Aggregate checksum over the reconstructed state. Map keys are
	// sorted by encoding/json, so the digest is canonical.
	res.StateChecksum = stateChecksum(objects)

	// Commit.
	if !req.DryRun {
		if err := e.state.Replace(ctx, objects); err != nil {
			err = fmt.Errorf("committing recovered state: %w", err)
			res.Errors = append(res.Errors, err.Error())
			res.Duration = time.Since(start)
			return res, err
		}
	}

	res.Success = true
	res.Duration = time.Since(start)
	logger.InfoCtx(ctx, "Point-in-time recovery finished",
		"request_id", req.ID,
		"objects", res.ObjectsRecovered,
		"transactions", res.TransactionsApplied,
		"conflicts", res.ConflictsResolved,
		"entry_errors", len(res.Errors),
		"duration", res.Duration,
		"dry_run", req.DryRun)
	return res, nil
}

func validateRequest(req Request) error {
	if !req.Mode.IsValid() {
		return fmt.Errorf("unknown recovery mode %q", req.Mode)
	}
	if !req.Conflicts.IsValid() {
		return fmt.Errorf("unknown conflict policy %q", req.Conflicts)
	}
	switch req.Mode {
	case ModeExactTime:
		if req.TargetTime.IsZero() {
			return errors.New("exact_time mode requires a target time")
		}
	case ModeTransaction:
		if req.TargetTxID == "" {
			return errors.New("transaction mode requires a target transaction id")
		}
	case ModeCheckpoint:
		if req.CheckpointID == "" {
			return errors.New("checkpoint mode requires a checkpoint id")
		}
	}
	return nil
}

// acquireRecoveryLock takes the process mutex and, when a coordinator
// is wired, the fleet-wide recovery lock.
func (e *Engine) acquireRecoveryLock(ctx context.Context) (func(), error) {
	if !e.mu.TryLock() {
		return nil, ErrRecoveryInProgress
	}
	if e.coord == nil {
		return func() { e.mu.Unlock() }, nil
	}
	lock, err := e.coord.AcquireLock(ctx, "recovery", e.cfg.LockTTL)
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, fleet.ErrLockHeld) {
			return nil, ErrRecoveryInProgress
		}
		return nil, fmt.Errorf("acquiring recovery lock: %w", err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
		e.mu.Unlock()
	}, nil
}

// selectRecoveryPoint resolves the base checkpoint and the replay
// window's end. A nil checkpoint means replay starts from empty state.
func (e *Engine) selectRecoveryPoint(ctx context.Context, req Request) (*wal.Checkpoint, time.Time, error) {
	switch req.Mode {
	case ModeExactTime:
		ckpt, err := e.wal.CheckpointBefore(ctx, req.TargetTime)
		if err != nil {
			if errors.Is(err, wal.ErrCheckpointNotFound) {
				return nil, req.TargetTime, nil
			}
			return nil, time.Time{}, err
		}
		return ckpt, req.TargetTime, nil

	case ModeCheckpoint:
		ckpt, err := e.wal.LoadCheckpoint(ctx, req.CheckpointID)
		if err != nil {
			return nil, time.Time{}, err
		}
		// Recovering to a checkpoint replays nothing past it.
		return ckpt, ckpt.Timestamp, nil

	case ModeLatest, ModeTransaction:
		ckpt, err := e.wal.LatestCheckpoint(ctx)
		if err != nil {
			if errors.Is(err, wal.ErrCheckpointNotFound) {
				return nil, time.Time{}, nil
			}
			return nil, time.Time{}, err
		}
		return ckpt, time.Time{}, nil
	}
	return nil, time.Time{}, fmt.Errorf("unknown recovery mode %q", req.Mode)
}

// truncateAtTransaction cuts the entry stream after the target
// transaction, inclusive.
func truncateAtTransaction(entries []*wal.Entry, txID string) ([]*wal.Entry, error) {
	for i, e := range entries {
		if e.TxID == txID {
			return entries[:i+1], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
}

// applyEntry folds one WAL entry into the reconstructed state. A
// returned error aborts the recovery; per-entry problems are recorded
// on the result instead.
func applyEntry(objects map[string]json.RawMessage, e *wal.Entry, policy ConflictPolicy, res *Result) error {
	switch e.Kind {
	case wal.KindCreate:
		if _, exists := objects[e.ObjectID]; !exists {
			if len(e.After) == 0 {
				res.Errors = append(res.Errors, fmt.Sprintf("tx %s: create without after-state", e.TxID))
				return nil
			}
			objects[e.ObjectID] = e.After
			return nil
		}
		switch policy {
		case ConflictOurs:
			res.ConflictsResolved++
		case ConflictTheirs:
			if len(e.After) == 0 {
				res.Errors = append(res.Errors, fmt.Sprintf("tx %s: create without after-state", e.TxID))
				return nil
			}
			objects[e.ObjectID] = e.After
			res.ConflictsResolved++
		case ConflictMerge:
			objects[e.ObjectID] = mergeObjects(objects[e.ObjectID], e.After)
			res.ConflictsResolved++
		case ConflictManual:
			return fmt.Errorf("%w: object %s, tx %s", ErrManualConflict, e.ObjectID, e.TxID)
		}
		return nil

	case wal.KindUpdate:
		if len(e.After) == 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("tx %s: update without after-state", e.TxID))
			return nil
		}
		// An update on a missing object is treated as a create.
		objects[e.ObjectID] = e.After
		return nil

	case wal.KindDelete:
		delete(objects, e.ObjectID)
		return nil
	}

	res.Errors = append(res.Errors, fmt.Sprintf("tx %s: unexpected entry kind %q", e.TxID, e.Kind))
	return nil
}

// mergeObjects overlays theirs onto ours field by field. Values that
// are not JSON objects fall back to theirs wholesale.
func mergeObjects(ours, theirs json.RawMessage) json.RawMessage {
	var base, overlay map[string]any
	if err := json.Unmarshal(ours, &base); err != nil {
		return theirs
	}
	if err := json.Unmarshal(theirs, &overlay); err != nil {
		return theirs
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return theirs
	}
	return merged
}

func stateChecksum(objects map[string]json.RawMessage) string {
	doc, err := json.Marshal(objects)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
