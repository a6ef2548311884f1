package disaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/health"
	"github.com/forgevault/forgevault/pkg/repo"
)

// fakeRecoverer records document recovery calls in order and fails on
// demand. fail maps an action to how many attempts fail; -1 means the
// action never succeeds.
type fakeRecoverer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int
}

func (f *fakeRecoverer) run(action, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+":"+documentID)
	remaining, ok := f.fail[action]
	if !ok || remaining == 0 {
		return nil
	}
	if remaining > 0 {
		f.fail[action] = remaining - 1
	}
	return fmt.Errorf("%s failed", action)
}

func (f *fakeRecoverer) Repair(_ context.Context, id string) error  { return f.run("repair", id) }
func (f *fakeRecoverer) Rebuild(_ context.Context, id string) error { return f.run("rebuild", id) }
func (f *fakeRecoverer) RestoreBackup(_ context.Context, id string) error {
	return f.run("restore", id)
}
func (f *fakeRecoverer) Validate(_ context.Context, id string) error { return f.run("validate", id) }

func (f *fakeRecoverer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testEnv struct {
	store     *repo.MemoryStore
	plans     *Registry
	recoverer *fakeRecoverer
	notifier  *stubNotifier
	orch      *Orchestrator
}

func testConfig() Config {
	return Config{
		WorkerID:       "worker-test",
		StepTimeout:    2 * time.Second,
		StepRetryDelay: time.Millisecond,
		ApprovalPoll:   10 * time.Millisecond,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     repo.NewMemory(),
		plans:     NewRegistry(""),
		recoverer: &fakeRecoverer{fail: make(map[string]int)},
		notifier:  &stubNotifier{name: "capture"},
	}
	orch, err := NewOrchestrator(testConfig(), Deps{
		Store:     env.store,
		Plans:     env.plans,
		Recoverer: env.recoverer,
		Notifiers: []Notifier{env.notifier},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	env.orch = orch
	t.Cleanup(func() { _ = orch.Close() })
	return env
}

func docStep(name string, action Action, overrides ...func(*Step)) Step {
	step := Step{Name: name, Action: action, Params: map[string]string{"document_id": "doc-1"}}
	for _, o := range overrides {
		o(&step)
	}
	return step
}

func repairPlan(id string) *Plan {
	return &Plan{
		ID:       id,
		Kind:     KindHardware,
		Severity: repo.SeverityHigh,
		Steps: []Step{
			docStep("repair-doc", ActionRepair),
			docStep("validate-doc", ActionValidate),
		},
	}
}

func notificationPhases(t *testing.T, event *repo.DisasterEvent) []string {
	t.Helper()
	var log []Notification
	if event.Notifications != "" {
		if err := json.Unmarshal([]byte(event.Notifications), &log); err != nil {
			t.Fatalf("decoding notification log: %v", err)
		}
	}
	phases := make([]string, len(log))
	for i, n := range log {
		phases[i] = n.Phase
	}
	return phases
}

func recoveryRecord(t *testing.T, event *repo.DisasterEvent) executionRecord {
	t.Helper()
	var details map[string]json.RawMessage
	if err := json.Unmarshal([]byte(event.Details), &details); err != nil {
		t.Fatalf("decoding event details: %v", err)
	}
	raw, ok := details["recovery"]
	if !ok {
		t.Fatalf("event details carry no recovery record: %s", event.Details)
	}
	var record executionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("decoding recovery record: %v", err)
	}
	return record
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// DETECTION
// ============================================================================

func TestDetectRecordsEventWithObjectives(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env.plans, repairPlan("hw-high"))

	event, err := env.orch.Detect(context.Background(), KindHardware, "disk failure on node a")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if event.Severity != repo.SeverityHigh {
		t.Fatalf("severity = %s, want high", event.Severity)
	}
	if event.Status != repo.EventStatusAssessing {
		t.Fatalf("status = %s, want assessing", event.Status)
	}
	if event.RTOMinutes != 60 || event.RPOMinutes != 15 {
		t.Fatalf("objectives = %d/%d, want 60/15", event.RTOMinutes, event.RPOMinutes)
	}
	if event.PlanID != "hw-high" {
		t.Fatalf("plan = %q, want hw-high", event.PlanID)
	}

	stored, err := env.store.GetEvent(context.Background(), event.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got := notificationPhases(t, stored); !equalStrings(got, []string{PhaseDetection}) {
		t.Fatalf("phases = %v, want [detection]", got)
	}
}

func TestDetectRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.orch.Detect(context.Background(), "meteor", "boom"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Detect: %v, want ErrUnknownKind", err)
	}
}

func TestDetectDefaultSeverities(t *testing.T) {
	tests := []struct {
		kind     string
		severity string
		rto      int
	}{
		{KindAttack, repo.SeverityCritical, 15},
		{KindNatural, repo.SeverityCritical, 15},
		{KindHardware, repo.SeverityHigh, 60},
		{KindDataCorruption, repo.SeverityHigh, 60},
		{KindNetwork, repo.SeverityMedium, 240},
		{KindHumanError, repo.SeverityMedium, 240},
		{KindSoftwareBug, repo.SeverityMedium, 240},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			env := newTestEnv(t)
			event, err := env.orch.Detect(context.Background(), tt.kind, "incident")
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if event.Severity != tt.severity {
				t.Fatalf("severity = %s, want %s", event.Severity, tt.severity)
			}
			if event.RTOMinutes != tt.rto {
				t.Fatalf("rto = %d, want %d", event.RTOMinutes, tt.rto)
			}
		})
	}
}

func TestDetectAssessmentRaisesSeverity(t *testing.T) {
	monitor := health.NewMonitor(health.Config{
		Interval:           time.Hour,
		Timeout:            time.Second,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	})
	err := monitor.Register(health.Check{
		ID:        "postgres",
		Component: "postgres",
		Kind:      health.KindCustom,
		Critical:  true,
		Probe: func(context.Context) error {
			return errors.New("connection refused")
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// One failed probe reaches unhealthy at threshold 1.
	if status, _ := monitor.RunCheck(context.Background(), "postgres"); status != health.StatusUnhealthy {
		t.Fatalf("check status = %s, want unhealthy", status)
	}

	store := repo.NewMemory()
	orch, err := NewOrchestrator(testConfig(), Deps{Store: store, Monitor: monitor})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()

	event, err := orch.Detect(context.Background(), KindNetwork, "switch flapping")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if event.Severity != repo.SeverityCritical {
		t.Fatalf("severity = %s, want critical after assessment", event.Severity)
	}
	if event.RTOMinutes != 15 || event.RPOMinutes != 5 {
		t.Fatalf("objectives = %d/%d, want 15/5", event.RTOMinutes, event.RPOMinutes)
	}

	var components []string
	if err := json.Unmarshal([]byte(event.Components), &components); err != nil {
		t.Fatalf("decoding components: %v", err)
	}
	if !equalStrings(components, []string{"postgres"}) {
		t.Fatalf("components = %v, want [postgres]", components)
	}
}

// ============================================================================
// RECOVERY
// ============================================================================

func TestInitiateRecoveryCompletes(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env.plans, repairPlan("hw-high"))
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	event, err := env.orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusCompleted {
		t.Fatalf("status = %s, want completed", event.Status)
	}
	if event.ResolvedAt == nil || event.RecoveryStartedAt == nil {
		t.Fatal("recovery timestamps not set")
	}
	if event.RecoveryID == nil || *event.RecoveryID == "" {
		t.Fatal("recovery id not set")
	}

	wantCalls := []string{"repair:doc-1", "validate:doc-1"}
	if got := env.recoverer.callLog(); !equalStrings(got, wantCalls) {
		t.Fatalf("recoverer calls = %v, want %v", got, wantCalls)
	}

	stored, err := env.store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	wantPhases := []string{PhaseDetection, PhaseRecoveryStart, PhaseRecoveryComplete}
	if got := notificationPhases(t, stored); !equalStrings(got, wantPhases) {
		t.Fatalf("phases = %v, want %v", got, wantPhases)
	}

	record := recoveryRecord(t, stored)
	if !record.Success || record.RolledBack {
		t.Fatalf("unexpected record outcome: %+v", record)
	}
	if len(record.Steps) != 2 || record.Steps[0].Status != stepCompleted {
		t.Fatalf("unexpected step outcomes: %+v", record.Steps)
	}
}

func TestInitiateRecoveryFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.recoverer.fail["restore"] = -1
	mustRegister(t, env.plans, &Plan{
		ID:       "hw-high",
		Kind:     KindHardware,
		Severity: repo.SeverityHigh,
		Steps: []Step{
			docStep("s1", ActionRepair),
			docStep("s2", ActionRestore, func(s *Step) { s.Retries = 1 }),
		},
		Rollback: []Step{
			docStep("r1", ActionValidate),
			docStep("r2", ActionRepair),
		},
	})
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	event, err := env.orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusRolledBack {
		t.Fatalf("status = %s, want rolled-back", event.Status)
	}

	// s2 runs twice (one retry), then rollback runs in order.
	wantCalls := []string{
		"repair:doc-1", "restore:doc-1", "restore:doc-1",
		"validate:doc-1", "repair:doc-1",
	}
	if got := env.recoverer.callLog(); !equalStrings(got, wantCalls) {
		t.Fatalf("recoverer calls = %v, want %v", got, wantCalls)
	}

	stored, err := env.store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	wantPhases := []string{PhaseDetection, PhaseRecoveryStart, PhaseRecoveryFailure}
	if got := notificationPhases(t, stored); !equalStrings(got, wantPhases) {
		t.Fatalf("phases = %v, want %v", got, wantPhases)
	}

	record := recoveryRecord(t, stored)
	if record.Success || !record.RolledBack {
		t.Fatalf("unexpected record outcome: %+v", record)
	}
	if len(record.Steps) != 2 || record.Steps[1].Status != stepFailed || record.Steps[1].Attempts != 2 {
		t.Fatalf("unexpected step outcomes: %+v", record.Steps)
	}
	if len(record.Rollback) != 2 {
		t.Fatalf("rollback outcomes = %+v, want 2 steps", record.Rollback)
	}
}

func TestInitiateRecoveryWithoutRollbackFails(t *testing.T) {
	env := newTestEnv(t)
	env.recoverer.fail["repair"] = -1
	mustRegister(t, env.plans, &Plan{
		ID:    "hw-high",
		Kind:  KindHardware,
		Steps: []Step{docStep("s1", ActionRepair)},
	})
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	event, err := env.orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusFailed {
		t.Fatalf("status = %s, want failed", event.Status)
	}
}

func TestStepRetriesUntilSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.recoverer.fail["repair"] = 2
	mustRegister(t, env.plans, &Plan{
		ID:    "hw-high",
		Kind:  KindHardware,
		Steps: []Step{docStep("s1", ActionRepair, func(s *Step) { s.Retries = 3 })},
	})
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	event, err := env.orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusCompleted {
		t.Fatalf("status = %s, want completed", event.Status)
	}
	record := recoveryRecord(t, event)
	if record.Steps[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", record.Steps[0].Attempts)
	}
}

func TestCanFailStepIsTolerated(t *testing.T) {
	env := newTestEnv(t)
	env.recoverer.fail["rebuild"] = -1
	mustRegister(t, env.plans, &Plan{
		ID:   "hw-high",
		Kind: KindHardware,
		Steps: []Step{
			docStep("optional-rebuild", ActionRebuild, func(s *Step) { s.CanFail = true }),
			docStep("validate-doc", ActionValidate),
		},
	})
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	event, err := env.orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusCompleted {
		t.Fatalf("status = %s, want completed", event.Status)
	}
	record := recoveryRecord(t, event)
	if record.Steps[0].Status != stepTolerated {
		t.Fatalf("first step status = %s, want tolerated", record.Steps[0].Status)
	}
	if record.Steps[1].Status != stepCompleted {
		t.Fatalf("second step status = %s, want completed", record.Steps[1].Status)
	}
}

func TestScriptStepsSkipWhenDisabled(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env.plans, &Plan{
		ID:   "net-plan",
		Kind: KindNetwork,
		Steps: []Step{
			{Name: "announce", Action: ActionScript, Params: map[string]string{"command": "exit 1"}},
			{Name: "pause", Action: ActionWait, Params: map[string]string{"duration_seconds": "0"}},
		},
	})
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindNetwork, "switch flapping")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	// AllowScripts is off, so the failing command never runs.
	event, err := env.orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusCompleted {
		t.Fatalf("status = %s, want completed", event.Status)
	}
}

func TestScriptStepExecutesWhenAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.AllowScripts = true
	store := repo.NewMemory()
	plans := NewRegistry("")
	mustRegister(t, plans, &Plan{
		ID:    "net-plan",
		Kind:  KindNetwork,
		Steps: []Step{{Name: "probe", Action: ActionScript, Params: map[string]string{"command": "exit 1"}}},
	})
	orch, err := NewOrchestrator(cfg, Deps{Store: store, Plans: plans})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindNetwork, "switch flapping")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	event, err := orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusFailed {
		t.Fatalf("status = %s, want failed for exit 1", event.Status)
	}
}

func TestCheckStepGatesOnHealth(t *testing.T) {
	monitor := health.NewMonitor(health.Config{
		Interval:           time.Hour,
		Timeout:            time.Second,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	})
	if err := monitor.Register(health.Check{
		ID:        "storage",
		Component: "storage",
		Kind:      health.KindCustom,
		Probe:     func(context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	store := repo.NewMemory()
	plans := NewRegistry("")
	mustRegister(t, plans, &Plan{
		ID:    "net-plan",
		Kind:  KindNetwork,
		Steps: []Step{{Name: "gate", Action: ActionCheck, Params: map[string]string{"check_id": "storage"}}},
	})
	orch, err := NewOrchestrator(testConfig(), Deps{Store: store, Plans: plans, Monitor: monitor})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindNetwork, "switch flapping")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	event, err := orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusCompleted {
		t.Fatalf("status = %s, want completed", event.Status)
	}
}

func TestPostCheckFailureFailsRecovery(t *testing.T) {
	monitor := health.NewMonitor(health.Config{
		Interval:           time.Hour,
		Timeout:            time.Second,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	})
	if err := monitor.Register(health.Check{
		ID:        "storage",
		Component: "storage",
		Kind:      health.KindCustom,
		Probe:     func(context.Context) error { return errors.New("still down") },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	store := repo.NewMemory()
	plans := NewRegistry("")
	recoverer := &fakeRecoverer{fail: make(map[string]int)}
	mustRegister(t, plans, &Plan{
		ID:         "hw-high",
		Kind:       KindHardware,
		Steps:      []Step{docStep("repair-doc", ActionRepair)},
		PostChecks: []string{"storage"},
	})
	orch, err := NewOrchestrator(testConfig(), Deps{
		Store: store, Plans: plans, Monitor: monitor, Recoverer: recoverer,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	event, err := orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusFailed {
		t.Fatalf("status = %s, want failed on post-check", event.Status)
	}
	record := recoveryRecord(t, event)
	if !equalStrings(record.FailedPostChecks, []string{"storage"}) {
		t.Fatalf("failed post-checks = %v, want [storage]", record.FailedPostChecks)
	}
}

func TestInitiateRecoveryIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env.plans, repairPlan("hw-high"))
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	env.orch.mu.Lock()
	env.orch.active[detected.ID] = struct{}{}
	env.orch.mu.Unlock()

	if _, err := env.orch.InitiateRecovery(ctx, detected.ID, ""); !errors.Is(err, ErrRecoveryActive) {
		t.Fatalf("InitiateRecovery: %v, want ErrRecoveryActive", err)
	}

	env.orch.mu.Lock()
	delete(env.orch.active, detected.ID)
	env.orch.mu.Unlock()

	if _, err := env.orch.InitiateRecovery(ctx, detected.ID, ""); err != nil {
		t.Fatalf("InitiateRecovery after release: %v", err)
	}
}

func TestInitiateRecoveryExclusiveAcrossFleet(t *testing.T) {
	mr := miniredis.RunT(t)
	coord, err := fleet.New(fleet.Config{
		RedisURL:     "redis://" + mr.Addr(),
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("fleet.New: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	store := repo.NewMemory()
	plans := NewRegistry("")
	mustRegister(t, plans, repairPlan("hw-high"))
	recoverer := &fakeRecoverer{fail: make(map[string]int)}
	orch, err := NewOrchestrator(testConfig(), Deps{
		Store: store, Plans: plans, Fleet: coord, Recoverer: recoverer,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	// Another worker holds the event's recovery lock.
	other, err := coord.AcquireLock(ctx, "dr-event-"+detected.ID, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := orch.InitiateRecovery(ctx, detected.ID, ""); !errors.Is(err, ErrRecoveryActive) {
		t.Fatalf("InitiateRecovery: %v, want ErrRecoveryActive", err)
	}
	if err := other.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	event, err := orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery after release: %v", err)
	}
	if event.Status != repo.EventStatusCompleted {
		t.Fatalf("status = %s, want completed", event.Status)
	}
}

func TestInitiateRecoveryRejectsResolvedEvent(t *testing.T) {
	env := newTestEnv(t)
	mustRegister(t, env.plans, repairPlan("hw-high"))
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, err := env.orch.InitiateRecovery(ctx, detected.ID, ""); err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if _, err := env.orch.InitiateRecovery(ctx, detected.ID, ""); !errors.Is(err, ErrEventResolved) {
		t.Fatalf("second InitiateRecovery: %v, want ErrEventResolved", err)
	}
}

func TestManualStepWaitsForApproval(t *testing.T) {
	mr := miniredis.RunT(t)
	coord, err := fleet.New(fleet.Config{
		RedisURL:     "redis://" + mr.Addr(),
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("fleet.New: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	store := repo.NewMemory()
	plans := NewRegistry("")
	recoverer := &fakeRecoverer{fail: make(map[string]int)}
	mustRegister(t, plans, &Plan{
		ID:   "human-plan",
		Kind: KindHumanError,
		Steps: []Step{
			{Name: "confirm-restore", Action: ActionManual},
			docStep("restore-doc", ActionRestore),
		},
	})
	orch, err := NewOrchestrator(testConfig(), Deps{
		Store: store, Plans: plans, Fleet: coord, Recoverer: recoverer,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindHumanError, "operator deleted a document")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	done := make(chan *repo.DisasterEvent, 1)
	go func() {
		event, rerr := orch.InitiateRecovery(ctx, detected.ID, "")
		if rerr != nil {
			t.Errorf("InitiateRecovery: %v", rerr)
		}
		done <- event
	}()

	// The recovery blocks on the manual step until the decision lands.
	time.Sleep(50 * time.Millisecond)
	if err := ApproveStep(ctx, coord, detected.ID, "confirm-restore", Approval{
		Approved: true,
		By:       "oncall",
	}); err != nil {
		t.Fatalf("ApproveStep: %v", err)
	}

	select {
	case event := <-done:
		if event == nil {
			t.Fatal("recovery returned no event")
		}
		if event.Status != repo.EventStatusCompleted {
			t.Fatalf("status = %s, want completed", event.Status)
		}
		if got := recoverer.callLog(); !equalStrings(got, []string{"restore:doc-1"}) {
			t.Fatalf("recoverer calls = %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("recovery did not finish after approval")
	}
}

func TestManualStepRejectionFailsRecovery(t *testing.T) {
	mr := miniredis.RunT(t)
	coord, err := fleet.New(fleet.Config{
		RedisURL:     "redis://" + mr.Addr(),
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("fleet.New: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	store := repo.NewMemory()
	plans := NewRegistry("")
	mustRegister(t, plans, &Plan{
		ID:    "human-plan",
		Kind:  KindHumanError,
		Steps: []Step{{Name: "confirm-restore", Action: ActionManual}},
	})
	orch, err := NewOrchestrator(testConfig(), Deps{Store: store, Plans: plans, Fleet: coord})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindHumanError, "operator deleted a document")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if err := ApproveStep(ctx, coord, detected.ID, "confirm-restore", Approval{
		Approved: false,
		By:       "oncall",
		Reason:   "restore window closed",
	}); err != nil {
		t.Fatalf("ApproveStep: %v", err)
	}

	event, err := orch.InitiateRecovery(ctx, detected.ID, "")
	if err != nil {
		t.Fatalf("InitiateRecovery: %v", err)
	}
	if event.Status != repo.EventStatusFailed {
		t.Fatalf("status = %s, want failed after rejection", event.Status)
	}
	record := recoveryRecord(t, event)
	if record.Steps[0].Error == "" || record.Steps[0].Status != stepFailed {
		t.Fatalf("unexpected manual step outcome: %+v", record.Steps[0])
	}
}

func TestAutoFailoverRunsRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.AutoFailover = true
	cfg.AutoFailoverDelay = 10 * time.Millisecond

	store := repo.NewMemory()
	plans := NewRegistry("")
	recoverer := &fakeRecoverer{fail: make(map[string]int)}
	mustRegister(t, plans, repairPlan("hw-high"))
	orch, err := NewOrchestrator(cfg, Deps{Store: store, Plans: plans, Recoverer: recoverer})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	waitFor(t, "auto-failover", func() bool {
		event, gerr := store.GetEvent(ctx, detected.ID)
		return gerr == nil && event.Status == repo.EventStatusCompleted
	})
}

func TestAutoFailoverHonorsManualApproval(t *testing.T) {
	cfg := testConfig()
	cfg.AutoFailover = true
	cfg.AutoFailoverDelay = time.Millisecond

	store := repo.NewMemory()
	plans := NewRegistry("")
	plan := repairPlan("hw-high")
	plan.ManualApproval = true
	mustRegister(t, plans, plan)
	orch, err := NewOrchestrator(cfg, Deps{Store: store, Plans: plans})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	defer func() { _ = orch.Close() }()
	ctx := context.Background()

	detected, err := orch.Detect(ctx, KindHardware, "disk failure")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	event, err := store.GetEvent(ctx, detected.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if event.Status != repo.EventStatusAssessing {
		t.Fatalf("status = %s, want assessing (no auto-failover)", event.Status)
	}
}

func TestResolveClosesEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	detected, err := env.orch.Detect(ctx, KindSoftwareBug, "bad deploy")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if err := env.orch.Resolve(ctx, detected.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	event, err := env.store.GetEvent(ctx, detected.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if event.Status != repo.EventStatusCompleted || event.ResolvedAt == nil {
		t.Fatalf("event not resolved: status=%s", event.Status)
	}
	if err := env.orch.Resolve(ctx, detected.ID); !errors.Is(err, ErrEventResolved) {
		t.Fatalf("second Resolve: %v, want ErrEventResolved", err)
	}
}

// ============================================================================
// METRICS
// ============================================================================

func TestMetricsAggregation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	seed := []*repo.DisasterEvent{
		{
			Kind: KindHardware, Severity: repo.SeverityHigh,
			Status: repo.EventStatusCompleted, DetectedAt: base,
			RecoveryMinutes: 10, DataLossMinutes: 1,
			RTOMinutes: 15, RPOMinutes: 5,
		},
		{
			Kind: KindNetwork, Severity: repo.SeverityMedium,
			Status: repo.EventStatusCompleted, DetectedAt: base.Add(time.Hour),
			RecoveryMinutes: 30, DataLossMinutes: 2,
			RTOMinutes: 15, RPOMinutes: 5,
		},
		{
			Kind: KindHardware, Severity: repo.SeverityHigh,
			Status: repo.EventStatusFailed, DetectedAt: base.Add(2 * time.Hour),
		},
		{
			Kind: KindAttack, Severity: repo.SeverityCritical,
			Status: repo.EventStatusRolledBack, DetectedAt: base.Add(3 * time.Hour),
		},
		{
			Kind: KindNetwork, Severity: repo.SeverityMedium,
			Status: repo.EventStatusDetecting, DetectedAt: base.Add(4 * time.Hour),
		},
	}
	for _, event := range seed {
		if _, err := env.store.CreateEvent(ctx, event); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}

	m, err := env.orch.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.TotalEvents != 5 || m.Completed != 2 || m.Failed != 1 || m.RolledBack != 1 || m.Open != 1 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	if m.ByKind[KindHardware] != 2 || m.ByKind[KindNetwork] != 2 || m.ByKind[KindAttack] != 1 {
		t.Fatalf("unexpected kind counts: %v", m.ByKind)
	}
	if m.MTTRMinutes != 20 {
		t.Fatalf("mttr = %v, want 20", m.MTTRMinutes)
	}
	// Oldest completed recovery took 10 minutes, the newer one 30:
	// ema = 0.3*30 + 0.7*10.
	if m.EMAMinutes != 16 {
		t.Fatalf("ema = %v, want 16", m.EMAMinutes)
	}
	if m.RTOCompliance != 0.5 {
		t.Fatalf("rto compliance = %v, want 0.5", m.RTOCompliance)
	}
	if m.RPOCompliance != 1 {
		t.Fatalf("rpo compliance = %v, want 1", m.RPOCompliance)
	}
}
