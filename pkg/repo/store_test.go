//go:build integration

package repo

import (
	"context"
	"errors"
	"testing"
	"time"
)

// createTestStore creates an in-memory SQLite store for testing.
func createTestStore(t *testing.T) *GORMStore {
	t.Helper()
	store, err := New(context.Background(), Config{
		Type: DatabaseTypeSQLite,
		SQLite: SQLiteConfig{
			Path: ":memory:",
		},
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return store
}

func TestNew(t *testing.T) {
	t.Run("default config uses sqlite", func(t *testing.T) {
		config := Config{}
		config.ApplyDefaults()

		if config.Type != DatabaseTypeSQLite {
			t.Errorf("expected SQLite, got %s", config.Type)
		}
	})

	t.Run("invalid config returns error", func(t *testing.T) {
		_, err := New(context.Background(), Config{Type: "invalid"})
		if err == nil {
			t.Error("expected error for invalid config")
		}
	})

	t.Run("creates in-memory store", func(t *testing.T) {
		store := createTestStore(t)
		defer store.Close()

		if err := store.Healthcheck(context.Background()); err != nil {
			t.Errorf("healthcheck failed: %v", err)
		}
	})
}

func TestSnapshotOperations(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	var firstID string

	t.Run("create snapshot", func(t *testing.T) {
		snap := &Snapshot{
			SourceID:    "doc-100",
			Kind:        string(SnapshotFull),
			StorageKey:  "backups/doc-100/snap-1",
			LogicalSize: 131072,
			UniqueSize:  65536,
			ChunkCount:  2,
		}

		id, err := store.CreateSnapshot(ctx, snap)
		if err != nil {
			t.Fatalf("failed to create snapshot: %v", err)
		}
		if id == "" {
			t.Error("expected non-empty snapshot ID")
		}
		firstID = id
	})

	t.Run("create applies defaults", func(t *testing.T) {
		snap, err := store.GetSnapshot(ctx, firstID)
		if err != nil {
			t.Fatalf("failed to get snapshot: %v", err)
		}
		if snap.Status != SnapshotStatusPending {
			t.Errorf("expected status pending, got %q", snap.Status)
		}
		if snap.Tier != TierHot {
			t.Errorf("expected tier hot, got %q", snap.Tier)
		}
	})

	t.Run("duplicate storage key fails", func(t *testing.T) {
		snap := &Snapshot{
			SourceID:   "doc-100",
			Kind:       string(SnapshotIncremental),
			StorageKey: "backups/doc-100/snap-1",
		}

		_, err := store.CreateSnapshot(ctx, snap)
		if !errors.Is(err, ErrDuplicateSnapshot) {
			t.Errorf("expected ErrDuplicateSnapshot, got %v", err)
		}
	})

	t.Run("invalid kind fails", func(t *testing.T) {
		snap := &Snapshot{
			SourceID:   "doc-100",
			Kind:       "partial",
			StorageKey: "backups/doc-100/snap-bad",
		}

		_, err := store.CreateSnapshot(ctx, snap)
		if err == nil {
			t.Error("expected error for invalid kind")
		}
	})

	t.Run("list snapshots by source", func(t *testing.T) {
		child := &Snapshot{
			SourceID:   "doc-100",
			Kind:       string(SnapshotIncremental),
			ParentID:   &firstID,
			StorageKey: "backups/doc-100/snap-2",
		}
		if _, err := store.CreateSnapshot(ctx, child); err != nil {
			t.Fatalf("failed to create child snapshot: %v", err)
		}

		snaps, err := store.ListSnapshots(ctx, "doc-100")
		if err != nil {
			t.Fatalf("failed to list snapshots: %v", err)
		}
		if len(snaps) != 2 {
			t.Fatalf("expected 2 snapshots, got %d", len(snaps))
		}
		if snaps[0].ID != firstID {
			t.Errorf("expected oldest snapshot first, got %s", snaps[0].ID)
		}
		if snaps[1].ParentID == nil || *snaps[1].ParentID != firstID {
			t.Error("expected child snapshot to reference parent")
		}
	})

	t.Run("list snapshots in tier", func(t *testing.T) {
		snaps, err := store.ListSnapshotsInTier(ctx, TierHot, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("failed to list snapshots in tier: %v", err)
		}
		if len(snaps) != 2 {
			t.Errorf("expected 2 hot snapshots, got %d", len(snaps))
		}

		snaps, err = store.ListSnapshotsInTier(ctx, TierHot, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("failed to list snapshots before cutoff: %v", err)
		}
		if len(snaps) != 0 {
			t.Errorf("expected no snapshots before past cutoff, got %d", len(snaps))
		}
	})

	t.Run("update status and tier", func(t *testing.T) {
		if err := store.UpdateSnapshotStatus(ctx, firstID, SnapshotStatusCompleted); err != nil {
			t.Fatalf("failed to update status: %v", err)
		}
		if err := store.UpdateSnapshotTier(ctx, firstID, TierWarm); err != nil {
			t.Fatalf("failed to update tier: %v", err)
		}

		snap, _ := store.GetSnapshot(ctx, firstID)
		if snap.Status != SnapshotStatusCompleted {
			t.Errorf("expected status completed, got %q", snap.Status)
		}
		if snap.Tier != TierWarm {
			t.Errorf("expected tier warm, got %q", snap.Tier)
		}
	})

	t.Run("mark verified", func(t *testing.T) {
		at := time.Now().Truncate(time.Second)
		if err := store.MarkSnapshotVerified(ctx, firstID, at); err != nil {
			t.Fatalf("failed to mark verified: %v", err)
		}

		snap, _ := store.GetSnapshot(ctx, firstID)
		if snap.VerifiedAt == nil {
			t.Fatal("expected verified_at to be set")
		}
	})

	t.Run("count snapshots", func(t *testing.T) {
		count, err := store.CountSnapshots(ctx, "doc-100")
		if err != nil {
			t.Fatalf("failed to count snapshots: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 snapshots, got %d", count)
		}
	})

	t.Run("get snapshot not found", func(t *testing.T) {
		_, err := store.GetSnapshot(ctx, "nonexistent")
		if !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound, got %v", err)
		}
	})

	t.Run("delete snapshot", func(t *testing.T) {
		if err := store.DeleteSnapshot(ctx, firstID); err != nil {
			t.Fatalf("failed to delete snapshot: %v", err)
		}
		if err := store.DeleteSnapshot(ctx, firstID); !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound on second delete, got %v", err)
		}
	})
}

func TestJobOperations(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	key := "backup:doc-7:v3"
	var jobID string

	t.Run("create job", func(t *testing.T) {
		job := &Job{
			Flow:           "backup",
			Queue:          "backup",
			IdempotencyKey: &key,
			MaxRetries:     3,
			Payload:        `{"document_id":"doc-7"}`,
		}

		id, err := store.CreateJob(ctx, job)
		if err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if id == "" {
			t.Error("expected non-empty job ID")
		}
		jobID = id
	})

	t.Run("duplicate idempotency key fails", func(t *testing.T) {
		job := &Job{
			Flow:           "backup",
			Queue:          "backup",
			IdempotencyKey: &key,
		}

		_, err := store.CreateJob(ctx, job)
		if !errors.Is(err, ErrDuplicateJob) {
			t.Errorf("expected ErrDuplicateJob, got %v", err)
		}
	})

	t.Run("jobs without key do not collide", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			job := &Job{Flow: "health_check", Queue: "health"}
			if _, err := store.CreateJob(ctx, job); err != nil {
				t.Fatalf("failed to create keyless job: %v", err)
			}
		}
	})

	t.Run("get job by idempotency key", func(t *testing.T) {
		job, err := store.GetJobByIdempotencyKey(ctx, key)
		if err != nil {
			t.Fatalf("failed to get job by key: %v", err)
		}
		if job.ID != jobID {
			t.Errorf("expected job %s, got %s", jobID, job.ID)
		}
	})

	t.Run("update job", func(t *testing.T) {
		job, _ := store.GetJob(ctx, jobID)
		now := time.Now().Truncate(time.Second)
		job.Status = JobStatusRunning
		job.Progress = 40
		job.WorkerID = "worker-2"
		job.StartedAt = &now

		if err := store.UpdateJob(ctx, job); err != nil {
			t.Fatalf("failed to update job: %v", err)
		}

		updated, _ := store.GetJob(ctx, jobID)
		if updated.Status != JobStatusRunning {
			t.Errorf("expected status running, got %q", updated.Status)
		}
		if updated.Progress != 40 {
			t.Errorf("expected progress 40, got %d", updated.Progress)
		}
		if updated.StartedAt == nil {
			t.Error("expected started_at to be set")
		}
	})

	t.Run("list jobs by queue", func(t *testing.T) {
		jobs, err := store.ListJobs(ctx, JobFilter{Queue: "health"})
		if err != nil {
			t.Fatalf("failed to list jobs: %v", err)
		}
		if len(jobs) != 2 {
			t.Errorf("expected 2 health jobs, got %d", len(jobs))
		}
	})

	t.Run("list jobs with limit", func(t *testing.T) {
		jobs, err := store.ListJobs(ctx, JobFilter{Limit: 1})
		if err != nil {
			t.Fatalf("failed to list jobs: %v", err)
		}
		if len(jobs) != 1 {
			t.Errorf("expected 1 job with limit, got %d", len(jobs))
		}
	})

	t.Run("stale cancellations", func(t *testing.T) {
		job, _ := store.GetJob(ctx, jobID)
		requested := time.Now().Add(-10 * time.Minute)
		job.CancelRequestedAt = &requested
		if err := store.UpdateJob(ctx, job); err != nil {
			t.Fatalf("failed to request cancellation: %v", err)
		}

		stale, err := store.ListStaleCancellations(ctx, time.Now().Add(-5*time.Minute))
		if err != nil {
			t.Fatalf("failed to list stale cancellations: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != jobID {
			t.Fatalf("expected job %s in stale cancellations, got %d jobs", jobID, len(stale))
		}

		// Terminal jobs drop out of the sweep.
		job.Status = JobStatusCancelled
		if err := store.UpdateJob(ctx, job); err != nil {
			t.Fatalf("failed to cancel job: %v", err)
		}
		stale, err = store.ListStaleCancellations(ctx, time.Now().Add(-5*time.Minute))
		if err != nil {
			t.Fatalf("failed to list stale cancellations: %v", err)
		}
		if len(stale) != 0 {
			t.Errorf("expected no stale cancellations after terminal state, got %d", len(stale))
		}
	})

	t.Run("get job not found", func(t *testing.T) {
		_, err := store.GetJob(ctx, "nonexistent")
		if !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
	})
}

func TestEventOperations(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	var eventID string

	t.Run("create event", func(t *testing.T) {
		event := &DisasterEvent{
			Kind:     "storage_outage",
			Severity: SeverityCritical,
			Message:  "hot bucket unreachable",
		}

		id, err := store.CreateEvent(ctx, event)
		if err != nil {
			t.Fatalf("failed to create event: %v", err)
		}
		eventID = id

		created, _ := store.GetEvent(ctx, id)
		if created.Status != EventStatusDetecting {
			t.Errorf("expected status detected, got %q", created.Status)
		}
	})

	t.Run("update event", func(t *testing.T) {
		event, _ := store.GetEvent(ctx, eventID)
		event.Status = EventStatusRecovering
		event.PlanID = "storage-failover"

		if err := store.UpdateEvent(ctx, event); err != nil {
			t.Fatalf("failed to update event: %v", err)
		}

		updated, _ := store.GetEvent(ctx, eventID)
		if updated.Status != EventStatusRecovering {
			t.Errorf("expected status recovering, got %q", updated.Status)
		}
		if updated.PlanID != "storage-failover" {
			t.Errorf("expected plan storage-failover, got %q", updated.PlanID)
		}
	})

	t.Run("resolve event", func(t *testing.T) {
		at := time.Now().Truncate(time.Second)
		if err := store.ResolveEvent(ctx, eventID, at); err != nil {
			t.Fatalf("failed to resolve event: %v", err)
		}

		resolved, _ := store.GetEvent(ctx, eventID)
		if resolved.Status != EventStatusCompleted {
			t.Errorf("expected status resolved, got %q", resolved.Status)
		}
		if resolved.ResolvedAt == nil {
			t.Error("expected resolved_at to be set")
		}
	})

	t.Run("list events by severity", func(t *testing.T) {
		low := &DisasterEvent{Kind: "disk_pressure", Severity: SeverityLow}
		if _, err := store.CreateEvent(ctx, low); err != nil {
			t.Fatalf("failed to create event: %v", err)
		}

		events, err := store.ListEvents(ctx, EventFilter{Severity: SeverityCritical})
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 1 || events[0].ID != eventID {
			t.Errorf("expected only the critical event, got %d events", len(events))
		}
	})

	t.Run("get event not found", func(t *testing.T) {
		_, err := store.GetEvent(ctx, "nonexistent")
		if !errors.Is(err, ErrEventNotFound) {
			t.Errorf("expected ErrEventNotFound, got %v", err)
		}
	})
}

func TestPolicyOperations(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	var policyID string

	t.Run("create policy", func(t *testing.T) {
		policy := &RetentionPolicy{
			Name:       "90-day-compliance",
			Kind:       PolicyCompliance,
			RetainDays: 90,
			Immutable:  true,
			Active:     true,
		}

		id, err := store.CreatePolicy(ctx, policy)
		if err != nil {
			t.Fatalf("failed to create policy: %v", err)
		}
		policyID = id
	})

	t.Run("duplicate name fails", func(t *testing.T) {
		policy := &RetentionPolicy{
			Name: "90-day-compliance",
			Kind: PolicyTimeBased,
		}

		_, err := store.CreatePolicy(ctx, policy)
		if !errors.Is(err, ErrDuplicatePolicy) {
			t.Errorf("expected ErrDuplicatePolicy, got %v", err)
		}
	})

	t.Run("get policy by name", func(t *testing.T) {
		policy, err := store.GetPolicyByName(ctx, "90-day-compliance")
		if err != nil {
			t.Fatalf("failed to get policy by name: %v", err)
		}
		if policy.ID != policyID {
			t.Errorf("expected policy %s, got %s", policyID, policy.ID)
		}
	})

	t.Run("list active only", func(t *testing.T) {
		inactive := &RetentionPolicy{
			Name:   "old-rule",
			Kind:   PolicyTimeBased,
			Active: false,
		}
		if _, err := store.CreatePolicy(ctx, inactive); err != nil {
			t.Fatalf("failed to create inactive policy: %v", err)
		}

		all, err := store.ListPolicies(ctx, false)
		if err != nil {
			t.Fatalf("failed to list policies: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 policies, got %d", len(all))
		}

		active, err := store.ListPolicies(ctx, true)
		if err != nil {
			t.Fatalf("failed to list active policies: %v", err)
		}
		if len(active) != 1 || active[0].ID != policyID {
			t.Errorf("expected only the active policy, got %d", len(active))
		}
	})

	t.Run("update policy", func(t *testing.T) {
		policy, _ := store.GetPolicy(ctx, policyID)
		policy.RetainDays = 180

		if err := store.UpdatePolicy(ctx, policy); err != nil {
			t.Fatalf("failed to update policy: %v", err)
		}

		updated, _ := store.GetPolicy(ctx, policyID)
		if updated.RetainDays != 180 {
			t.Errorf("expected retain_days 180, got %d", updated.RetainDays)
		}
	})

	t.Run("delete policy", func(t *testing.T) {
		if err := store.DeletePolicy(ctx, policyID); err != nil {
			t.Fatalf("failed to delete policy: %v", err)
		}
		_, err := store.GetPolicy(ctx, policyID)
		if !errors.Is(err, ErrPolicyNotFound) {
			t.Errorf("expected ErrPolicyNotFound, got %v", err)
		}
	})
}

func TestReportOperations(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	t.Run("create and list reports", func(t *testing.T) {
		for _, kind := range []string{ReportModelRecovery, ReportPITR, ReportVerify} {
			report := &RecoveryReport{
				Kind:       kind,
				TargetID:   "doc-55",
				Success:    true,
				DurationMs: 1200,
			}
			if _, err := store.CreateReport(ctx, report); err != nil {
				t.Fatalf("failed to create %s report: %v", kind, err)
			}
		}

		all, err := store.ListReports(ctx, ReportFilter{TargetID: "doc-55"})
		if err != nil {
			t.Fatalf("failed to list reports: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 reports, got %d", len(all))
		}

		pitr, err := store.ListReports(ctx, ReportFilter{Kind: ReportPITR})
		if err != nil {
			t.Fatalf("failed to list pitr reports: %v", err)
		}
		if len(pitr) != 1 {
			t.Errorf("expected 1 pitr report, got %d", len(pitr))
		}
	})

	t.Run("get report not found", func(t *testing.T) {
		_, err := store.GetReport(ctx, "nonexistent")
		if !errors.Is(err, ErrReportNotFound) {
			t.Errorf("expected ErrReportNotFound, got %v", err)
		}
	})
}
