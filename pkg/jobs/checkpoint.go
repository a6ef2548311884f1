package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/repo"
)

// cancelFlag is the fleet-state entry Cancel writes so every worker
// sees the request without a database round trip.
type cancelFlag struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Checkpoint is the flow's view of its own lifecycle. Flows call Tick
// at every documented milestone; the checkpoint enforces the timeout,
// consults the cancel flag, and advances the persisted progress.
type Checkpoint struct {
	s        *Scheduler
	job      *repo.Job
	deadline time.Time
}

// JobID returns the running job's identifier.
func (c *Checkpoint) JobID() string { return c.job.ID }

// Deadline returns the instant the job times out.
func (c *Checkpoint) Deadline() time.Time { return c.deadline }

// Tick records a milestone. It returns ErrJobTimeout once the job has
// overstayed its timeout and ErrJobCancelled once cancellation was
// requested; the flow must unwind so the worker can transition the job.
// Progress is clamped to [current, 100]: updates never go backward.
func (c *Checkpoint) Tick(ctx context.Context, progress int, milestone string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.deadline.IsZero() && time.Now().After(c.deadline) {
		return fmt.Errorf("%s: %w", milestone, ErrJobTimeout)
	}

	if reason, requested := c.s.cancelRequested(ctx, c.job); requested {
		if reason == "" {
			reason = "cancel requested"
		}
		return fmt.Errorf("%s: %s: %w", milestone, reason, ErrJobCancelled)
	}

	if progress > 100 {
		progress = 100
	}
	if progress > c.job.Progress {
		c.job.Progress = progress
		if err := c.s.store.UpdateJob(ctx, c.job); err != nil {
			// A progress write failure is not worth failing the job over.
			logger.WarnCtx(ctx, "Progress update failed",
				"job_id", c.job.ID, "milestone", milestone, "error", err)
		}
	}
	logger.DebugCtx(ctx, "Job checkpoint",
		"job_id", c.job.ID,
		"flow", c.job.Flow,
		"milestone", milestone,
		"progress", c.job.Progress)
	return nil
}

// cancelRequested reports whether the job's cancellation flag is set,
// checking fleet state first and falling back to the job row. A read
// failure is treated as "not cancelled"; the force-cancel sweep
// backstops jobs we miss here.
func (s *Scheduler) cancelRequested(ctx context.Context, job *repo.Job) (string, bool) {
	if s.fleet != nil {
		var flag cancelFlag
		err := s.fleet.Get(ctx, fleetScope, fleetKindCancel, job.ID, &flag)
		switch {
		case err == nil:
			// Carry the request onto the worker's copy so the terminal
			// write preserves it.
			job.CancelRequestedAt = &flag.RequestedAt
			job.CancelReason = flag.Reason
			return flag.Reason, true
		case errors.Is(err, fleet.ErrNotFound):
			return "", false
		default:
			logger.WarnCtx(ctx, "Cancel flag read failed", "job_id", job.ID, "error", err)
			return "", false
		}
	}

	fresh, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		logger.WarnCtx(ctx, "Job refresh failed", "job_id", job.ID, "error", err)
		return "", false
	}
	job.CancelRequestedAt = fresh.CancelRequestedAt
	job.CancelReason = fresh.CancelReason
	if fresh.CancelRequestedAt != nil {
		return fresh.CancelReason, true
	}
	return "", false
}
