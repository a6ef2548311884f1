package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-memory maps. It is intended for
// tests and never persists anything.
type MemoryStore struct {
	mu sync.RWMutex

	snapshots map[string]*Snapshot
	jobs      map[string]*Job
	events    map[string]*DisasterEvent
	policies  map[string]*RetentionPolicy
	reports   map[string]*RecoveryReport
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
		jobs:      make(map[string]*Job),
		events:    make(map[string]*DisasterEvent),
		policies:  make(map[string]*RetentionPolicy),
		reports:   make(map[string]*RecoveryReport),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	c := *s
	c.ParentID = cloneString(s.ParentID)
	c.VerifiedAt = cloneTime(s.VerifiedAt)
	return &c
}

func cloneJob(j *Job) *Job {
	c := *j
	c.IdempotencyKey = cloneString(j.IdempotencyKey)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.CancelRequestedAt = cloneTime(j.CancelRequestedAt)
	return &c
}

func cloneEvent(e *DisasterEvent) *DisasterEvent {
	c := *e
	c.RecoveryID = cloneString(e.RecoveryID)
	c.RecoveryStartedAt = cloneTime(e.RecoveryStartedAt)
	c.ResolvedAt = cloneTime(e.ResolvedAt)
	return &c
}

func clonePolicy(p *RetentionPolicy) *RetentionPolicy {
	c := *p
	c.HoldUntil = cloneTime(p.HoldUntil)
	return &c
}

func cloneReport(r *RecoveryReport) *RecoveryReport {
	c := *r
	return &c
}

// ============================================================================
// SNAPSHOT OPERATIONS
// ============================================================================

// CreateSnapshot persists a new snapshot descriptor and returns its ID.
func (s *MemoryStore) CreateSnapshot(_ context.Context, snap *Snapshot) (string, error) {
	if !SnapshotKind(snap.Kind).IsValid() {
		return "", fmt.Errorf("invalid snapshot kind: %q", snap.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.snapshots {
		if existing.StorageKey == snap.StorageKey {
			return "", ErrDuplicateSnapshot
		}
	}

	c := cloneSnapshot(snap)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = SnapshotStatusPending
	}
	if c.Tier == "" {
		c.Tier = TierHot
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.snapshots[c.ID] = c
	snap.ID = c.ID
	return c.ID, nil
}

// GetSnapshot retrieves a snapshot by ID.
func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return cloneSnapshot(snap), nil
}

// ListSnapshots returns snapshots for a source, oldest first.
func (s *MemoryStore) ListSnapshots(_ context.Context, sourceID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]*Snapshot, 0)
	for _, snap := range s.snapshots {
		if sourceID == "" || snap.SourceID == sourceID {
			snaps = append(snaps, cloneSnapshot(snap))
		}
	}
	sortSnapshotsOldestFirst(snaps)
	return snaps, nil
}

// ListSnapshotsInTier returns snapshots in the given tier created before
// the cutoff, oldest first.
func (s *MemoryStore) ListSnapshotsInTier(_ context.Context, tier string, before time.Time) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]*Snapshot, 0)
	for _, snap := range s.snapshots {
		if snap.Tier == tier && snap.CreatedAt.Before(before) {
			snaps = append(snaps, cloneSnapshot(snap))
		}
	}
	sortSnapshotsOldestFirst(snaps)
	return snaps, nil
}

func sortSnapshotsOldestFirst(snaps []*Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
}

// UpdateSnapshotStatus sets the status of a snapshot.
func (s *MemoryStore) UpdateSnapshotStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return ErrSnapshotNotFound
	}
	snap.Status = status
	return nil
}

// UpdateSnapshotTier moves a snapshot to a different storage tier.
func (s *MemoryStore) UpdateSnapshotTier(_ context.Context, id, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return ErrSnapshotNotFound
	}
	snap.Tier = tier
	return nil
}

// MarkSnapshotVerified records a successful integrity verification.
func (s *MemoryStore) MarkSnapshotVerified(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return ErrSnapshotNotFound
	}
	snap.VerifiedAt = &at
	return nil
}

// DeleteSnapshot removes a snapshot descriptor.
func (s *MemoryStore) DeleteSnapshot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[id]; !ok {
		return ErrSnapshotNotFound
	}
	delete(s.snapshots, id)
	return nil
}

// CountSnapshots returns the number of snapshots for a source.
func (s *MemoryStore) CountSnapshots(_ context.Context, sourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, snap := range s.snapshots {
		if sourceID == "" || snap.SourceID == sourceID {
			count++
		}
	}
	return count, nil
}

// ============================================================================
// JOB OPERATIONS
// ============================================================================

// CreateJob persists a new job record and returns its ID.
func (s *MemoryStore) CreateJob(_ context.Context, job *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.IdempotencyKey != nil {
		for _, existing := range s.jobs {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey {
				return "", ErrDuplicateJob
			}
		}
	}

	c := cloneJob(job)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = JobStatusPending
	}
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = time.Now()
	}
	s.jobs[c.ID] = c
	job.ID = c.ID
	return c.ID, nil
}

// GetJob retrieves a job by ID.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// GetJobByIdempotencyKey retrieves a job by its idempotency key.
func (s *MemoryStore) GetJobByIdempotencyKey(_ context.Context, key string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.IdempotencyKey != nil && *job.IdempotencyKey == key {
			return cloneJob(job), nil
		}
	}
	return nil, ErrJobNotFound
}

// ListJobs returns jobs matching the filter, newest first.
func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0)
	for _, job := range s.jobs {
		if filter.Queue != "" && job.Queue != filter.Queue {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.Flow != "" && job.Flow != filter.Flow {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].EnqueuedAt.Equal(jobs[j].EnqueuedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].EnqueuedAt.After(jobs[j].EnqueuedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// UpdateJob persists the mutable fields of a job record.
func (s *MemoryStore) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	existing.Status = job.Status
	existing.Priority = job.Priority
	existing.Progress = job.Progress
	existing.Attempt = job.Attempt
	existing.WorkerID = job.WorkerID
	existing.Payload = job.Payload
	existing.Result = job.Result
	existing.ErrorCode = job.ErrorCode
	existing.ErrorMessage = job.ErrorMessage
	existing.CancelReason = job.CancelReason
	existing.Metrics = job.Metrics
	existing.StartedAt = cloneTime(job.StartedAt)
	existing.FinishedAt = cloneTime(job.FinishedAt)
	existing.CancelRequestedAt = cloneTime(job.CancelRequestedAt)
	return nil
}

// ListStaleCancellations returns jobs whose cancellation was requested
// before the cutoff and which are still not terminal.
func (s *MemoryStore) ListStaleCancellations(_ context.Context, before time.Time) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terminal := make(map[string]bool, len(TerminalJobStatuses))
	for _, status := range TerminalJobStatuses {
		terminal[status] = true
	}

	jobs := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.CancelRequestedAt == nil || !job.CancelRequestedAt.Before(before) {
			continue
		}
		if terminal[job.Status] {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CancelRequestedAt.Before(*jobs[j].CancelRequestedAt)
	})
	return jobs, nil
}

// ============================================================================
// DISASTER EVENT OPERATIONS
// ============================================================================

// CreateEvent persists a new disaster event and returns its ID.
func (s *MemoryStore) CreateEvent(_ context.Context, event *DisasterEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneEvent(event)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = EventStatusDetecting
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	s.events[c.ID] = c
	event.ID = c.ID
	return c.ID, nil
}

// GetEvent retrieves a disaster event by ID.
func (s *MemoryStore) GetEvent(_ context.Context, id string) (*DisasterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(event), nil
}

// ListEvents returns disaster events matching the filter, newest first.
func (s *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*DisasterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*DisasterEvent, 0)
	for _, event := range s.events {
		if filter.Status != "" && event.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && event.Severity != filter.Severity {
			continue
		}
		if filter.Kind != "" && event.Kind != filter.Kind {
			continue
		}
		if !filter.Since.IsZero() && event.DetectedAt.Before(filter.Since) {
			continue
		}
		events = append(events, cloneEvent(event))
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].DetectedAt.Equal(events[j].DetectedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].DetectedAt.After(events[j].DetectedAt)
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// UpdateEvent persists the mutable fields of a disaster event.
func (s *MemoryStore) UpdateEvent(_ context.Context, event *DisasterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.events[event.ID]
	if !ok {
		return ErrEventNotFound
	}
	existing.Severity = event.Severity
	existing.Status = event.Status
	existing.Message = event.Message
	existing.Components = event.Components
	existing.RTOMinutes = event.RTOMinutes
	existing.RPOMinutes = event.RPOMinutes
	existing.PlanID = event.PlanID
	existing.RecoveryID = cloneString(event.RecoveryID)
	existing.RecoveryStartedAt = cloneTime(event.RecoveryStartedAt)
	existing.ResolvedAt = cloneTime(event.ResolvedAt)
	existing.RecoveryMinutes = event.RecoveryMinutes
	existing.DataLossMinutes = event.DataLossMinutes
	existing.Notifications = event.Notifications
	existing.Details = event.Details
	return nil
}

// ResolveEvent marks an event resolved at the given time.
func (s *MemoryStore) ResolveEvent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	event.Status = EventStatusCompleted
	event.ResolvedAt = &at
	return nil
}

// ============================================================================
// RETENTION POLICY OPERATIONS
// ============================================================================

// CreatePolicy persists a new retention policy and returns its ID.
func (s *MemoryStore) CreatePolicy(_ context.Context, policy *RetentionPolicy) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.policies {
		if existing.Name == policy.Name {
			return "", ErrDuplicatePolicy
		}
	}

	c := clonePolicy(policy)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.policies[c.ID] = c
	policy.ID = c.ID
	return c.ID, nil
}

// GetPolicy retrieves a retention policy by ID.
func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(policy), nil
}

// GetPolicyByName retrieves a retention policy by name.
func (s *MemoryStore) GetPolicyByName(_ context.Context, name string) (*RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, policy := range s.policies {
		if policy.Name == name {
			return clonePolicy(policy), nil
		}
	}
	return nil, ErrPolicyNotFound
}

// ListPolicies returns all retention policies ordered by name.
func (s *MemoryStore) ListPolicies(_ context.Context, activeOnly bool) ([]*RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policies := make([]*RetentionPolicy, 0)
	for _, policy := range s.policies {
		if activeOnly && !policy.Active {
			continue
		}
		policies = append(policies, clonePolicy(policy))
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Name < policies[j].Name
	})
	return policies, nil
}

// UpdatePolicy persists the mutable fields of a retention policy.
func (s *MemoryStore) UpdatePolicy(_ context.Context, policy *RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[policy.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	existing.SourceID = policy.SourceID
	existing.RetainDays = policy.RetainDays
	existing.RetainVersions = policy.RetainVersions
	existing.Immutable = policy.Immutable
	existing.Active = policy.Active
	existing.HoldUntil = policy.HoldUntil
	existing.UpdatedAt = time.Now()
	return nil
}

// DeletePolicy removes a retention policy.
func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(s.policies, id)
	return nil
}

// ============================================================================
// RECOVERY REPORT OPERATIONS
// ============================================================================

// CreateReport persists a new recovery report and returns its ID.
func (s *MemoryStore) CreateReport(_ context.Context, report *RecoveryReport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneReport(report)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.reports[c.ID] = c
	report.ID = c.ID
	return c.ID, nil
}

// GetReport retrieves a recovery report by ID.
func (s *MemoryStore) GetReport(_ context.Context, id string) (*RecoveryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return cloneReport(report), nil
}

// ListReports returns recovery reports matching the filter, newest first.
func (s *MemoryStore) ListReports(_ context.Context, filter ReportFilter) ([]*RecoveryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]*RecoveryReport, 0)
	for _, report := range s.reports {
		if filter.Kind != "" && report.Kind != filter.Kind {
			continue
		}
		if filter.TargetID != "" && report.TargetID != filter.TargetID {
			continue
		}
		reports = append(reports, cloneReport(report))
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].ID > reports[j].ID
		}
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	if filter.Limit > 0 && len(reports) > filter.Limit {
		reports = reports[:filter.Limit]
	}
	return reports, nil
}

// ============================================================================
// LIFECYCLE OPERATIONS
// ============================================================================

// Healthcheck always succeeds for the in-memory store.
func (s *MemoryStore) Healthcheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
