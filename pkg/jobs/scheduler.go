package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// Fleet-state layout for job coordination.
const (
	fleetScope      = "jobs"
	fleetKindCancel = "cancel"
	fleetKindClaim  = "claim"
)

// cancelFlagTTL bounds how long a cancel flag outlives its job.
const cancelFlagTTL = time.Hour

// Config parametrizes the scheduler and its worker pool.
type Config struct {
	// WorkerID identifies this process in job records and fleet keys.
	WorkerID string

	// Queues this scheduler consumes. Default: all of them.
	Queues []string

	// Workers is the number of concurrent job workers. Default: 4.
	Workers int

	// QueueDepth bounds the in-process dispatch queue. Default: 256.
	QueueDepth int

	// DefaultTimeout bounds one job when the submission names no
	// timeout. Default: 15m.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is the retry budget for submissions that name
	// none. Default: 2.
	DefaultMaxRetries int

	// Retry shapes the delay between attempts of a transient failure.
	// The zero value applies resilience.DefaultRetryPolicy.
	Retry resilience.RetryPolicy

	// SweepInterval is the cadence of the background sweep that
	// requeues pending work and force-cancels stale cancellations.
	// Default: 30s.
	SweepInterval time.Duration

	// StaleCancelAfter force-cancels a job still running this long
	// after cancellation was requested. Default: 5m.
	StaleCancelAfter time.Duration

	// ClaimTTL bounds the fleet claim marker of one running job.
	// Default: 15m.
	ClaimTTL time.Duration

	// OnTransition, when set, observes every status transition.
	OnTransition func(job *repo.Job, from, to string)
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-1"
	}
	if len(c.Queues) == 0 {
		c.Queues = AllQueues
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Minute
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	} else if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 2
	}
	if c.Retry == (resilience.RetryPolicy{}) {
		c.Retry = resilience.DefaultRetryPolicy()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.StaleCancelAfter <= 0 {
		c.StaleCancelAfter = 5 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 15 * time.Minute
	}
	return c
}

// Scheduler persists, routes, and executes jobs.
type Scheduler struct {
	cfg      Config
	store    repo.Store
	fleet    *fleet.Coordinator
	flows    map[string]Flow
	consumes map[string]bool

	queue     chan string
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewScheduler builds a scheduler over the given store and flows. The
// fleet coordinator is optional; without it, cancellation flags and
// claim markers fall back to the job rows alone.
func NewScheduler(cfg Config, store repo.Store, coord *fleet.Coordinator, flows ...Flow) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("jobs: store is required")
	}
	cfg = cfg.withDefaults()

	registry := make(map[string]Flow, len(flows))
	for _, f := range flows {
		if f == nil || f.Name() == "" {
			return nil, errors.New("jobs: flow with empty name")
		}
		if _, dup := registry[f.Name()]; dup {
			return nil, fmt.Errorf("jobs: flow %q registered twice", f.Name())
		}
		registry[f.Name()] = f
	}

	consumes := make(map[string]bool, len(cfg.Queues))
	for _, q := range cfg.Queues {
		consumes[q] = true
	}

	return &Scheduler{
		cfg:       cfg,
		store:     store,
		fleet:     coord,
		flows:     registry,
		consumes:  consumes,
		queue:     make(chan string, cfg.QueueDepth),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Submission describes one job to run.
type Submission struct {
	Flow     string
	Queue    string
	Priority int

	UserID     string
	DocumentID string

	// IdempotencyKey collapses duplicate submissions: a second Submit
	// with the same key returns the existing job.
	IdempotencyKey string

	// Payload is the flow-owned input document.
	Payload json.RawMessage

	// TimeoutSeconds bounds one execution; 0 applies the default.
	TimeoutSeconds int

	// MaxRetries overrides the retry budget when positive.
	MaxRetries int
}

// Submit validates and persists a job, then offers it to the worker
// pool. Duplicate idempotency keys return the already-submitted job.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (*repo.Job, error) {
	flow, ok := s.flows[sub.Flow]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, sub.Flow)
	}
	if v, vok := flow.(SubmitValidator); vok {
		if err := v.ValidateSubmission(sub.Payload); err != nil {
			return nil, err
		}
	}

	queue := sub.Queue
	if queue == "" {
		queue = QueueFor(sub.Flow)
	}
	retries := s.cfg.DefaultMaxRetries
	if sub.MaxRetries > 0 {
		retries = sub.MaxRetries
	}

	job := &repo.Job{
		Flow:           sub.Flow,
		Queue:          queue,
		Status:         repo.JobStatusPending,
		Priority:       sub.Priority,
		UserID:         sub.UserID,
		DocumentID:     sub.DocumentID,
		MaxRetries:     retries,
		TimeoutSeconds: sub.TimeoutSeconds,
		Payload:        string(sub.Payload),
	}
	if sub.IdempotencyKey != "" {
		key := sub.IdempotencyKey
		job.IdempotencyKey = &key
	}

	id, err := s.store.CreateJob(ctx, job)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateJob) && sub.IdempotencyKey != "" {
			existing, gerr := s.store.GetJobByIdempotencyKey(ctx, sub.IdempotencyKey)
			if gerr != nil {
				return nil, fmt.Errorf("resolve duplicate submission: %w", gerr)
			}
			logger.DebugCtx(ctx, "Duplicate submission collapsed",
				"idempotency_key", sub.IdempotencyKey, "job_id", existing.ID)
			return existing, nil
		}
		return nil, fmt.Errorf("persist job: %w", err)
	}
	job.ID = id

	s.offer(job)
	logger.InfoCtx(ctx, "Job submitted",
		"job_id", job.ID,
		"flow", job.Flow,
		"queue", job.Queue,
		"priority", job.Priority)
	return job, nil
}

// Job returns one job by ID.
func (s *Scheduler) Job(ctx context.Context, id string) (*repo.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Jobs lists jobs matching the filter, newest first.
func (s *Scheduler) Jobs(ctx context.Context, filter repo.JobFilter) ([]*repo.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// Wait blocks until the job settles in a terminal status and returns
// the terminal record. A non-positive poll interval defaults to 100ms.
func (s *Scheduler) Wait(ctx context.Context, id string, poll time.Duration) (*repo.Job, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if isTerminal(job) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation. Pending jobs cancel immediately;
// running jobs keep executing until their next checkpoint. A job that
// ignores the request past the stale window is force-cancelled by the
// sweep.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if isTerminal(job) {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}

	now := time.Now().UTC()
	job.CancelRequestedAt = &now
	job.CancelReason = reason

	// Jobs not actually executing cancel immediately; only a running
	// job needs the cooperative flag.
	if job.Status == repo.JobStatusPending || job.Status == repo.JobStatusFailed {
		from := job.Status
		job.Status = repo.JobStatusCancelled
		job.FinishedAt = &now
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("cancel pending job: %w", err)
		}
		s.notify(job, from, repo.JobStatusCancelled)
		logger.InfoCtx(ctx, "Job cancelled before execution", "job_id", id, "reason", reason)
		return nil
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("flag cancellation: %w", err)
	}
	if s.fleet != nil {
		flag := cancelFlag{Reason: reason, RequestedAt: now}
		if err := s.fleet.Put(ctx, fleetScope, fleetKindCancel, id, flag, cancelFlagTTL); err != nil {
			logger.WarnCtx(ctx, "Cancel flag write failed", "job_id", id, "error", err)
		}
	}
	logger.InfoCtx(ctx, "Cancellation requested", "job_id", id, "reason", reason)
	return nil
}

// RequestCancel requests cancellation without a running scheduler, for
// out-of-process operator tooling. The semantics match Cancel: pending
// jobs cancel immediately, running jobs get the cooperative fleet flag
// and stop at their next checkpoint on whichever worker holds them.
func RequestCancel(ctx context.Context, store repo.Store, coord *fleet.Coordinator, id, reason string) error {
	job, err := store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if isTerminal(job) {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
	}

	now := time.Now().UTC()
	job.CancelRequestedAt = &now
	job.CancelReason = reason

	if job.Status == repo.JobStatusPending || job.Status == repo.JobStatusFailed {
		job.Status = repo.JobStatusCancelled
		job.FinishedAt = &now
		if err := store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("cancel pending job: %w", err)
		}
		return nil
	}

	if err := store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("flag cancellation: %w", err)
	}
	if coord != nil {
		flag := cancelFlag{Reason: reason, RequestedAt: now}
		if err := coord.Put(ctx, fleetScope, fleetKindCancel, id, flag, cancelFlagTTL); err != nil {
			return fmt.Errorf("write cancel flag: %w", err)
		}
	}
	return nil
}

// Start launches the worker pool and the background sweep.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	logger.Info("Starting job scheduler",
		"worker_id", s.cfg.WorkerID,
		"workers", s.cfg.Workers,
		"queues", s.cfg.Queues)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Add(1)
	go s.sweep(ctx)

	go func() {
		s.wg.Wait()
		close(s.stoppedCh)
	}()

	// Pick up work left over from a previous process.
	s.requeue(ctx)
}

// Stop drains the pool, waiting up to timeout for in-flight jobs.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	logger.Info("Stopping job scheduler", "queued", len(s.queue))
	close(s.stopCh)

	select {
	case <-s.stoppedCh:
		logger.Info("Job scheduler stopped")
	case <-time.After(timeout):
		logger.Warn("Job scheduler stop timed out", "queued", len(s.queue))
	}
}

// offer hands a job to the pool without blocking. A full queue is fine:
// the job stays pending and the sweep requeues it.
func (s *Scheduler) offer(job *repo.Job) {
	if !s.consumes[job.Queue] {
		return
	}
	select {
	case s.queue <- job.ID:
	default:
	}
}

// sweep periodically requeues pending work and force-cancels jobs whose
// cooperative cancellation has gone stale.
func (s *Scheduler) sweep(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.requeue(ctx)
			s.forceCancelStale(ctx)
		}
	}
}

// requeue offers pending jobs and failed jobs with retry budget left to
// the pool, highest priority first, oldest first within a priority.
func (s *Scheduler) requeue(ctx context.Context) {
	var eligible []*repo.Job
	for _, q := range s.cfg.Queues {
		pending, err := s.store.ListJobs(ctx, repo.JobFilter{Queue: q, Status: repo.JobStatusPending})
		if err != nil {
			logger.WarnCtx(ctx, "Pending scan failed", "queue", q, "error", err)
			continue
		}
		eligible = append(eligible, pending...)

		failed, err := s.store.ListJobs(ctx, repo.JobFilter{Queue: q, Status: repo.JobStatusFailed})
		if err != nil {
			logger.WarnCtx(ctx, "Failed scan failed", "queue", q, "error", err)
			continue
		}
		for _, j := range failed {
			if claimable(j) {
				eligible = append(eligible, j)
			}
		}
	}

	sort.SliceStable(eligible, func(i, k int) bool {
		if eligible[i].Priority != eligible[k].Priority {
			return eligible[i].Priority > eligible[k].Priority
		}
		return eligible[i].EnqueuedAt.Before(eligible[k].EnqueuedAt)
	})
	for _, j := range eligible {
		s.offer(j)
	}
}

// forceCancelStale finishes jobs that kept running past the stale
// window after a cancel request.
func (s *Scheduler) forceCancelStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StaleCancelAfter)
	stale, err := s.store.ListStaleCancellations(ctx, cutoff)
	if err != nil {
		logger.WarnCtx(ctx, "Stale cancellation scan failed", "error", err)
		return
	}
	for _, job := range stale {
		from := job.Status
		now := time.Now().UTC()
		job.Status = repo.JobStatusCancelled
		job.FinishedAt = &now
		if err := s.store.UpdateJob(ctx, job); err != nil {
			logger.WarnCtx(ctx, "Force-cancel failed", "job_id", job.ID, "error", err)
			continue
		}
		s.notify(job, from, repo.JobStatusCancelled)
		if s.fleet != nil {
			_ = s.fleet.Delete(ctx, fleetScope, fleetKindCancel, job.ID)
		}
		logger.WarnCtx(ctx, "Job force-cancelled",
			"job_id", job.ID,
			"requested_at", job.CancelRequestedAt,
			"reason", job.CancelReason)
	}
}

func (s *Scheduler) notify(job *repo.Job, from, to string) {
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(job, from, to)
	}
}

// isTerminal reports whether the job left the lifecycle for good. A
// failed job is terminal once settled (FinishedAt set) or with its
// retry budget spent.
func isTerminal(job *repo.Job) bool {
	switch job.Status {
	case repo.JobStatusCompleted, repo.JobStatusCancelled, repo.JobStatusTimeout:
		return true
	case repo.JobStatusFailed:
		return job.FinishedAt != nil || job.Attempt > job.MaxRetries
	}
	return false
}
