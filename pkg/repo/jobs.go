package repo

import (
	"context"
	"time"
)

// ============================================================================
// JOB OPERATIONS
// ============================================================================

// CreateJob persists a new job record and returns its ID.
func (s *GORMStore) CreateJob(ctx context.Context, job *Job) (string, error) {
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	return createWithID(s.db, ctx, job,
		func(m *Job, id string) { m.ID = id },
		job.ID, ErrDuplicateJob)
}

// GetJob retrieves a job by ID.
func (s *GORMStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return getByField[Job](s.db, ctx, "id", id, ErrJobNotFound)
}

// GetJobByIdempotencyKey retrieves a job by its idempotency key.
func (s *GORMStore) GetJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	return getByField[Job](s.db, ctx, "idempotency_key", key, ErrJobNotFound)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *GORMStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var jobs []*Job
	q := s.db.WithContext(ctx).Order("enqueued_at DESC, id DESC")
	if filter.Queue != "" {
		q = q.Where("queue = ?", filter.Queue)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Flow != "" {
		q = q.Where("flow = ?", filter.Flow)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJob persists the mutable fields of a job record. The flow, queue,
// idempotency key, and enqueue time are immutable after creation.
func (s *GORMStore) UpdateJob(ctx context.Context, job *Job) error {
	updates := map[string]any{
		"status":              job.Status,
		"priority":            job.Priority,
		"progress":            job.Progress,
		"attempt":             job.Attempt,
		"worker_id":           job.WorkerID,
		"payload":             job.Payload,
		"result":              job.Result,
		"error_code":          job.ErrorCode,
		"error_message":       job.ErrorMessage,
		"cancel_reason":       job.CancelReason,
		"metrics":             job.Metrics,
		"started_at":          job.StartedAt,
		"finished_at":         job.FinishedAt,
		"cancel_requested_at": job.CancelRequestedAt,
	}
	return updateFields[Job](s.db, ctx, "id", job.ID, updates, ErrJobNotFound)
}

// ListStaleCancellations returns jobs whose cancellation was requested
// before the cutoff and which are still not terminal.
func (s *GORMStore) ListStaleCancellations(ctx context.Context, before time.Time) ([]*Job, error) {
	var jobs []*Job
	err := s.db.WithContext(ctx).
		Where("cancel_requested_at IS NOT NULL AND cancel_requested_at < ?", before).
		Where("status NOT IN ?", TerminalJobStatuses).
		Order("cancel_requested_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
