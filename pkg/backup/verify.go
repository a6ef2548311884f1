package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/repo"
)

// VerifyStatus is the outcome of a snapshot verification.
type VerifyStatus string

const (
	// VerifyValid means the restored payload matched the recorded
	// checksum.
	VerifyValid VerifyStatus = "valid"

	// VerifyCorrupted means the payload restored but did not match, or
	// a chunk failed its own integrity check.
	VerifyCorrupted VerifyStatus = "corrupted"

	// VerifyError means verification could not complete (storage
	// unreachable, descriptor missing). The snapshot's status is left
	// untouched: an unreachable snapshot is not a corrupt one.
	VerifyError VerifyStatus = "error"
)

// VerifyResult describes one verification run.
type VerifyResult struct {
	SnapshotID string        `json:"snapshot_id"`
	Status     VerifyStatus  `json:"status"`
	Message    string        `json:"message,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
	Duration   time.Duration `json:"duration"`
}

// Verify fully restores a snapshot and compares the payload hash against
// the checksum recorded at create time. A matching payload marks the
// snapshot verified; a mismatch or chunk integrity failure marks it
// corrupt, which also shields it from retention deletion until an
// operator intervenes.
func (e *Engine) Verify(ctx context.Context, snapshotID string) (*VerifyResult, error) {
	start := time.Now()
	result := &VerifyResult{SnapshotID: snapshotID, CheckedAt: start.UTC()}

	row, err := e.meta.GetSnapshot(ctx, snapshotID)
	if err != nil {
		result.Status = VerifyError
		result.Message = err.Error()
		result.Duration = time.Since(start)
		e.observeVerify(result)
		return result, err
	}

	data, err := e.Restore(ctx, snapshotID)
	switch {
	case err == nil:
		// Restore already validated against the envelope checksum;
		// compare against the descriptor too so database/storage
		// divergence surfaces here instead of at recovery time.
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) == row.Checksum {
			result.Status = VerifyValid
			if uerr := e.meta.MarkSnapshotVerified(ctx, snapshotID, start.UTC()); uerr != nil {
				logger.WarnCtx(ctx, "failed to record snapshot verification",
					"snapshot_id", snapshotID, "error", uerr)
			}
		} else {
			result.Status = VerifyCorrupted
			result.Message = "payload checksum does not match descriptor"
			e.markCorrupt(ctx, snapshotID)
		}

	case isCorruption(err):
		result.Status = VerifyCorrupted
		result.Message = err.Error()
		e.markCorrupt(ctx, snapshotID)

	default:
		result.Status = VerifyError
		result.Message = err.Error()
		result.Duration = time.Since(start)
		e.observeVerify(result)
		return result, err
	}

	result.Duration = time.Since(start)
	e.observeVerify(result)
	logger.InfoCtx(ctx, "snapshot verified",
		"snapshot_id", snapshotID, "status", result.Status, "duration_ms", logger.Duration(start))
	return result, nil
}

func (e *Engine) observeVerify(r *VerifyResult) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveVerify(r.Status, r.Duration)
	}
}

func (e *Engine) markCorrupt(ctx context.Context, snapshotID string) {
	if err := e.meta.UpdateSnapshotStatus(ctx, snapshotID, repo.SnapshotStatusCorrupt); err != nil {
		logger.ErrorCtx(ctx, "failed to mark snapshot corrupt",
			"snapshot_id", snapshotID, "error", err)
	}
}

// isCorruption classifies restore failures that indicate damaged data
// rather than unavailable infrastructure.
func isCorruption(err error) bool {
	return errors.Is(err, ErrSnapshotCorrupt) ||
		errors.Is(err, ErrDecrypt) ||
		errors.Is(err, chunkstore.ErrChunkCorrupt) ||
		errors.Is(err, chunkstore.ErrChunkNotFound)
}
