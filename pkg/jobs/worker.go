package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// worker consumes the dispatch queue until stopped, draining what is
// left on shutdown.
func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			s.drain(ctx)
			return
		case <-ctx.Done():
			return
		case jobID, ok := <-s.queue:
			if !ok {
				return
			}
			s.runJob(ctx, jobID)
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case jobID, ok := <-s.queue:
			if !ok {
				return
			}
			s.runJob(ctx, jobID)
		default:
			return
		}
	}
}

// claimable jobs are pending, or failed awaiting retry with budget left
// and no pending cancellation. A failed job with FinishedAt set is
// settled for good.
func claimable(job *repo.Job) bool {
	switch job.Status {
	case repo.JobStatusPending:
		return true
	case repo.JobStatusFailed:
		return job.FinishedAt == nil && job.Attempt <= job.MaxRetries && job.CancelRequestedAt == nil
	}
	return false
}

// runJob claims and executes one job. Duplicate claims are ignored
// silently: the row status gates, backed by a fleet claim marker.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		logger.WarnCtx(ctx, "Claim lookup failed", "job_id", jobID, "error", err)
		return
	}
	if !claimable(job) {
		logger.DebugCtx(ctx, "Duplicate claim ignored", "job_id", jobID, "status", job.Status)
		return
	}

	if s.fleet != nil {
		lock, lerr := s.fleet.AcquireLock(ctx, claimLockName(jobID), s.cfg.ClaimTTL)
		switch {
		case lerr == nil:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = lock.Release(releaseCtx)
			}()
		case errors.Is(lerr, fleet.ErrLockHeld):
			logger.DebugCtx(ctx, "Job claimed elsewhere", "job_id", jobID)
			return
		default:
			// Fleet trouble must not halt the pool; the row status
			// still gates duplicate execution.
			logger.WarnCtx(ctx, "Claim marker failed", "job_id", jobID, "error", lerr)
		}
	}

	lc := logger.NewLogContext(s.cfg.WorkerID).WithJob(job.ID, job.Flow)
	if job.UserID != "" {
		lc = lc.WithUser(job.UserID)
	}
	ctx = logger.WithContext(ctx, lc)

	flow, ok := s.flows[job.Flow]
	if !ok {
		s.finishFailure(ctx, job, CodeInternal, fmt.Sprintf("no executor registered for flow %q", job.Flow))
		return
	}
	s.execute(ctx, flow, job)
}

func claimLockName(jobID string) string {
	return fleetScope + ":" + fleetKindClaim + ":" + jobID
}

// execute drives the attempt loop: run, classify, retry transient
// failures with backoff, and settle the terminal status.
func (s *Scheduler) execute(ctx context.Context, flow Flow, job *repo.Job) {
	now := time.Now().UTC()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	deadline := job.StartedAt.Add(s.timeoutFor(job))

	from := job.Status
	job.Status = repo.JobStatusRunning
	job.WorkerID = s.cfg.WorkerID
	job.Attempt++
	if err := s.store.UpdateJob(ctx, job); err != nil {
		logger.WarnCtx(ctx, "Claim write failed", "job_id", job.ID, "error", err)
		return
	}
	s.notify(job, from, repo.JobStatusRunning)
	logger.InfoCtx(ctx, "Job started",
		"job_id", job.ID,
		"flow", job.Flow,
		"attempt", job.Attempt,
		"deadline", deadline.Format(time.RFC3339))

	for {
		runCtx, cancel := context.WithDeadline(ctx, deadline)
		cp := &Checkpoint{s: s, job: job, deadline: deadline}
		result, err := s.runFlow(runCtx, flow, &Run{Job: job, Checkpoint: cp})
		cancel()

		if err == nil {
			s.finishSuccess(ctx, job, result)
			return
		}

		switch {
		case errors.Is(err, ErrJobCancelled):
			s.finishCancelled(ctx, job)
			return
		case errors.Is(err, ErrJobTimeout),
			errors.Is(err, context.DeadlineExceeded) && time.Now().After(deadline):
			s.finishTimeout(ctx, job, err)
			return
		}

		code, msg := FailureOf(err)
		retryable := resilience.IsTransient(err) && job.Attempt <= job.MaxRetries
		if !retryable {
			s.finishFailure(ctx, job, code, msg)
			return
		}
		job.Status = repo.JobStatusFailed
		job.ErrorCode = string(code)
		job.ErrorMessage = msg
		if uerr := s.store.UpdateJob(ctx, job); uerr != nil {
			logger.WarnCtx(ctx, "Failure write failed", "job_id", job.ID, "error", uerr)
		}
		s.notify(job, repo.JobStatusRunning, repo.JobStatusFailed)

		delay := s.cfg.Retry.Delay(job.Attempt)
		logger.WarnCtx(ctx, "Transient failure, retrying",
			"job_id", job.ID,
			"attempt", job.Attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if reason, requested := s.cancelRequested(ctx, job); requested {
			job.CancelReason = reason
			s.finishCancelled(ctx, job)
			return
		}
		if time.Now().After(deadline) {
			s.finishTimeout(ctx, job, ErrJobTimeout)
			return
		}
		job.Status = repo.JobStatusRunning
		job.Attempt++
		if uerr := s.store.UpdateJob(ctx, job); uerr != nil {
			logger.WarnCtx(ctx, "Retry write failed", "job_id", job.ID, "error", uerr)
			return
		}
		s.notify(job, repo.JobStatusFailed, repo.JobStatusRunning)
	}
}

// runFlow isolates a flow execution; a panic becomes a terminal error
// instead of taking the worker down.
func (s *Scheduler) runFlow(ctx context.Context, flow Flow, run *Run) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "Flow panicked",
				"job_id", run.Job.ID,
				"flow", flow.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("flow %s panicked: %v", flow.Name(), r)
		}
	}()
	return flow.Execute(ctx, run)
}

func (s *Scheduler) finishSuccess(ctx context.Context, job *repo.Job, result any) {
	from := job.Status
	now := time.Now().UTC()
	job.Status = repo.JobStatusCompleted
	job.Progress = 100
	job.FinishedAt = &now
	job.ErrorCode = ""
	job.ErrorMessage = ""
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			job.Result = string(raw)
		} else {
			logger.WarnCtx(ctx, "Result encode failed", "job_id", job.ID, "error", err)
		}
	}
	s.settle(ctx, job, from)
	logger.InfoCtx(ctx, "Job completed",
		"job_id", job.ID,
		"flow", job.Flow,
		"attempt", job.Attempt,
		"duration_ms", durationMs(job))
}

func (s *Scheduler) finishFailure(ctx context.Context, job *repo.Job, code ErrorCode, msg string) {
	from := job.Status
	now := time.Now().UTC()
	job.Status = repo.JobStatusFailed
	job.ErrorCode = string(code)
	job.ErrorMessage = msg
	job.FinishedAt = &now
	s.settle(ctx, job, from)
	logger.ErrorCtx(ctx, "Job failed",
		"job_id", job.ID,
		"flow", job.Flow,
		"attempt", job.Attempt,
		"error_code", code,
		"error", msg)
}

func (s *Scheduler) finishCancelled(ctx context.Context, job *repo.Job) {
	from := job.Status
	now := time.Now().UTC()
	job.Status = repo.JobStatusCancelled
	job.FinishedAt = &now
	if job.CancelReason == "" {
		job.CancelReason = "cancelled at checkpoint"
	}
	s.settle(ctx, job, from)
	if s.fleet != nil {
		_ = s.fleet.Delete(context.WithoutCancel(ctx), fleetScope, fleetKindCancel, job.ID)
	}
	logger.InfoCtx(ctx, "Job cancelled",
		"job_id", job.ID,
		"flow", job.Flow,
		"reason", job.CancelReason)
}

func (s *Scheduler) finishTimeout(ctx context.Context, job *repo.Job, err error) {
	from := job.Status
	now := time.Now().UTC()
	job.Status = repo.JobStatusTimeout
	job.ErrorCode = string(CodeTimeout)
	job.ErrorMessage = err.Error()
	job.FinishedAt = &now
	s.settle(ctx, job, from)
	logger.WarnCtx(ctx, "Job timed out",
		"job_id", job.ID,
		"flow", job.Flow,
		"timeout_seconds", int(s.timeoutFor(job).Seconds()))
}

// settle persists a terminal transition on an uncancelable context; the
// record must land even when the worker is shutting down.
func (s *Scheduler) settle(ctx context.Context, job *repo.Job, from string) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateJob(persistCtx, job); err != nil {
		logger.ErrorCtx(ctx, "Terminal transition write failed",
			"job_id", job.ID, "to", job.Status, "error", err)
		return
	}
	s.notify(job, from, job.Status)
}

func (s *Scheduler) timeoutFor(job *repo.Job) time.Duration {
	if job.TimeoutSeconds > 0 {
		return time.Duration(job.TimeoutSeconds) * time.Second
	}
	return s.cfg.DefaultTimeout
}

func durationMs(job *repo.Job) int64 {
	if job.StartedAt == nil || job.FinishedAt == nil {
		return 0
	}
	return job.FinishedAt.Sub(*job.StartedAt).Milliseconds()
}
