package modelrecovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/disaster"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
	"github.com/forgevault/forgevault/pkg/wal"
)

// The service backs the DR orchestrator's document step actions.
var _ disaster.DocumentRecoverer = (*Service)(nil)

type testRig struct {
	svc    *Service
	kernel *kernel.Fake
	store  *repo.MemoryStore
	wal    *wal.Manager
	engine *backup.Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	k := kernel.NewFake()
	store := repo.NewMemory()
	objects := objstore.NewMemory()

	engine, err := backup.NewEngine(backup.Defaults(), chunkstore.NewMemory(objects), objects, store)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	wm, err := wal.NewManager(wal.DefaultConfig(t.TempDir()), objstore.NewMemory())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { wm.Close() })

	svc, err := NewService(Config{}, k, engine, wm, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return &testRig{svc: svc, kernel: k, store: store, wal: wm, engine: engine}
}

func errorIssue(code, message, object string) kernel.Issue {
	return kernel.Issue{Severity: "error", Code: code, Message: message, Object: object}
}

// exportDoc round-trips the document through the kernel to obtain
// restorable bytes.
func exportDoc(t *testing.T, k *kernel.Fake, documentID string) []byte {
	t.Helper()
	ctx := context.Background()
	h, err := k.OpenDocument(ctx, documentID)
	if err != nil {
		t.Fatalf("OpenDocument failed: %v", err)
	}
	data, err := k.ExportDocument(ctx, h)
	if err != nil {
		t.Fatalf("ExportDocument failed: %v", err)
	}
	if err := k.CloseDocument(ctx, h); err != nil {
		t.Fatalf("CloseDocument failed: %v", err)
	}
	return data
}

func appendScriptTx(t *testing.T, m *wal.Manager, documentID, script string) {
	t.Helper()
	payload, err := json.Marshal(DocumentMutation{Op: OpExecuteScript, Script: script})
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	if _, err := m.Append(context.Background(), &wal.Entry{
		Kind:     wal.KindUpdate,
		ObjectID: documentID,
		Payload:  payload,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func reportsFor(t *testing.T, store repo.Store, documentID string) []*repo.RecoveryReport {
	t.Helper()
	reports, err := store.ListReports(context.Background(), repo.ReportFilter{
		Kind:     repo.ReportModelRecovery,
		TargetID: documentID,
	})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	return reports
}

func TestDetectClassification(t *testing.T) {
	tests := []struct {
		name         string
		issue        kernel.Issue
		wantClass    Classification
		wantSeverity string
		wantAffected []string
	}{
		{
			name:         "geometry",
			issue:        errorIssue("GEOMETRY_SELF_INTERSECT", "Self-intersecting shape near 'Pad1'", ""),
			wantClass:    CorruptionGeometryInvalid,
			wantSeverity: repo.SeverityLow,
			wantAffected: []string{"Pad1"},
		},
		{
			name:         "constraint",
			issue:        errorIssue("CONSTRAINT_CONFLICT", "Redundant constraint conflict in sketch", "Sketch001"),
			wantClass:    CorruptionConstraintConflict,
			wantSeverity: repo.SeverityLow,
			wantAffected: []string{"Sketch001"},
		},
		{
			name:         "reference",
			issue:        errorIssue("REF_MISSING", "Missing reference to datum 'Plane0'", ""),
			wantClass:    CorruptionReferenceMissing,
			wantSeverity: repo.SeverityLow,
			wantAffected: []string{"Plane0"},
		},
		{
			name:         "truncated",
			issue:        errorIssue("FILE_DAMAGE", "Document file truncated at byte 2048", ""),
			wantClass:    CorruptionFileTruncated,
			wantSeverity: repo.SeverityCritical,
			wantAffected: nil,
		},
		{
			name:         "feature tree",
			issue:        errorIssue("DEP_CYCLE", "Dependency cycle between 'Pad2' and 'Pocket1'", ""),
			wantClass:    CorruptionFeatureTree,
			wantSeverity: repo.SeverityLow,
			wantAffected: []string{"Pad2"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t)
			docID := "doc-" + tc.name
			rig.kernel.SeedDocument(docID, "Base")
			rig.kernel.SetIssues(docID, kernel.ValidationBasic, tc.issue)

			c, err := rig.svc.Detect(context.Background(), docID)
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}
			if !c.Corrupted() {
				t.Fatal("expected corruption to be detected")
			}
			if c.Classification != tc.wantClass {
				t.Errorf("classification = %s, want %s", c.Classification, tc.wantClass)
			}
			if c.Severity != tc.wantSeverity {
				t.Errorf("severity = %s, want %s", c.Severity, tc.wantSeverity)
			}
			if len(c.AffectedFeatures) != len(tc.wantAffected) {
				t.Fatalf("affected = %v, want %v", c.AffectedFeatures, tc.wantAffected)
			}
			for i, name := range tc.wantAffected {
				if c.AffectedFeatures[i] != name {
					t.Errorf("affected[%d] = %s, want %s", i, c.AffectedFeatures[i], name)
				}
			}
		})
	}
}

func TestDetectSeverityScalesWithErrorCount(t *testing.T) {
	tests := []struct {
		errorCount   int
		wantSeverity string
	}{
		{1, repo.SeverityLow},
		{6, repo.SeverityMedium},
		{11, repo.SeverityHigh},
	}
	for _, tc := range tests {
		rig := newTestRig(t)
		docID := fmt.Sprintf("doc-sev-%d", tc.errorCount)
		rig.kernel.SeedDocument(docID, "Base")
		issues := make([]kernel.Issue, tc.errorCount)
		for i := range issues {
			issues[i] = errorIssue("GEO", fmt.Sprintf("geometry defect %d in 'F%d'", i, i), "")
		}
		rig.kernel.SetIssues(docID, kernel.ValidationBasic, issues...)

		c, err := rig.svc.Detect(context.Background(), docID)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if c.Severity != tc.wantSeverity {
			t.Errorf("%d errors: severity = %s, want %s", tc.errorCount, c.Severity, tc.wantSeverity)
		}
	}
}

func TestDetectCleanDocument(t *testing.T) {
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-clean", "Base")
	rig.kernel.SetIssues("doc-clean", kernel.ValidationBasic,
		kernel.Issue{Severity: "warning", Code: "STYLE", Message: "unnamed sketch"})

	c, err := rig.svc.Detect(context.Background(), "doc-clean")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if c.Corrupted() {
		t.Errorf("warnings alone classified as corruption: %s", c.Classification)
	}
	if len(c.Warnings) != 1 {
		t.Errorf("warnings = %d, want 1", len(c.Warnings))
	}
}

func TestDetectOpenFailureIsTruncation(t *testing.T) {
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-damaged", "Base")
	rig.kernel.FailNext("open", errors.New("document file is damaged"))

	c, err := rig.svc.Detect(context.Background(), "doc-damaged")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if c.Classification != CorruptionFileTruncated {
		t.Errorf("classification = %s, want %s", c.Classification, CorruptionFileTruncated)
	}
	if c.Severity != repo.SeverityCritical {
		t.Errorf("severity = %s, want critical", c.Severity)
	}
	if len(c.Errors) != 1 || !strings.Contains(c.Errors[0], "damaged") {
		t.Errorf("errors = %v, want the open failure", c.Errors)
	}
}

func TestDetectPropagatesLockAndMissing(t *testing.T) {
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-locked", "Base")
	rig.kernel.FailNext("open", kernel.ErrDocumentLockTimeout)

	if _, err := rig.svc.Detect(context.Background(), "doc-locked"); !errors.Is(err, kernel.ErrDocumentLockTimeout) {
		t.Errorf("locked detect error = %v, want lock timeout", err)
	}
	if _, err := rig.svc.Detect(context.Background(), "doc-nowhere"); !errors.Is(err, kernel.ErrDocumentNotFound) {
		t.Errorf("missing detect error = %v, want not found", err)
	}
}

func TestPlanStrategySelection(t *testing.T) {
	rig := newTestRig(t)
	tests := []struct {
		name string
		c    *Corruption
		want Strategy
	}{
		{"critical restores", &Corruption{DocumentID: "d", Classification: CorruptionGeometryInvalid, Severity: repo.SeverityCritical}, StrategyRestoreBackup},
		{"geometry repairs", &Corruption{DocumentID: "d", Classification: CorruptionGeometryInvalid, Severity: repo.SeverityLow}, StrategyAutoRepair},
		{"constraint repairs", &Corruption{DocumentID: "d", Classification: CorruptionConstraintConflict, Severity: repo.SeverityMedium}, StrategyAutoRepair},
		{"feature tree rebuilds", &Corruption{DocumentID: "d", Classification: CorruptionFeatureTree, Severity: repo.SeverityLow}, StrategyRebuildFeatures},
		{"truncated restores", &Corruption{DocumentID: "d", Classification: CorruptionFileTruncated, Severity: repo.SeverityLow}, StrategyRestoreBackup},
		{"reference salvages", &Corruption{DocumentID: "d", Classification: CorruptionReferenceMissing, Severity: repo.SeverityLow}, StrategyPartialRecovery},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := rig.svc.Plan(tc.c, "")
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if plan.Strategy != tc.want {
				t.Errorf("strategy = %s, want %s", plan.Strategy, tc.want)
			}
			if len(plan.Steps) == 0 {
				t.Fatal("plan has no steps")
			}
			for _, st := range plan.Steps {
				if st.SuccessRate <= 0 || st.SuccessRate > 1 {
					t.Errorf("step %s success rate = %f", st.Name, st.SuccessRate)
				}
			}
		})
	}
}

func TestPlanRejectsCleanAndUnknown(t *testing.T) {
	rig := newTestRig(t)
	clean := &Corruption{DocumentID: "doc-1"}

	if _, err := rig.svc.Plan(clean, ""); !errors.Is(err, ErrNoCorruption) {
		t.Errorf("clean plan error = %v, want ErrNoCorruption", err)
	}
	if _, err := rig.svc.Plan(clean, Strategy("reboot")); err == nil {
		t.Error("unknown strategy accepted")
	}
	// A forced strategy needs no detected corruption.
	plan, err := rig.svc.Plan(clean, StrategyRestoreBackup)
	if err != nil {
		t.Fatalf("forced plan failed: %v", err)
	}
	if plan.Strategy != StrategyRestoreBackup {
		t.Errorf("strategy = %s, want restore-backup", plan.Strategy)
	}
}

func TestRecoverAutoRepairHeals(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-heal", "Base", "Pad")
	rig.kernel.SetIssues("doc-heal", kernel.ValidationBasic,
		errorIssue("GEOMETRY_SELF_INTERSECT", "Self-intersecting geometry in 'Pad'", "Pad"))
	rig.kernel.HealOnRecompute("doc-heal")

	res, err := rig.svc.Recover(ctx, "doc-heal", "")
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Strategy != StrategyAutoRepair {
		t.Errorf("strategy = %s, want auto-repair", res.Strategy)
	}
	if !res.Success || !res.ValidationPassed {
		t.Fatalf("success = %v, validation = %v, errors = %v", res.Success, res.ValidationPassed, res.Errors)
	}
	if res.RecoveredFeatures != 2 {
		t.Errorf("recovered = %d, want 2", res.RecoveredFeatures)
	}
	if res.DataLoss || res.LostFeatures != 0 {
		t.Errorf("data loss = %v lost = %d, want none", res.DataLoss, res.LostFeatures)
	}
	if len(res.Steps) != 2 || res.Steps[0].Name != "recompute-geometry" || res.Steps[1].Name != "solve-constraints" {
		t.Fatalf("steps = %+v", res.Steps)
	}
	if res.Steps[0].Findings != 0 {
		t.Errorf("findings after recompute = %d, want 0", res.Steps[0].Findings)
	}

	reports := reportsFor(t, rig.store, "doc-heal")
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	r := reports[0]
	if !r.Success || r.Strategy != string(StrategyAutoRepair) || r.ID != res.ReportID {
		t.Errorf("report = %+v", r)
	}
	if !strings.Contains(r.Details, "recompute-geometry") {
		t.Errorf("details missing step outcomes: %s", r.Details)
	}

	entries, err := rig.wal.ReadAfter(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadAfter failed: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.ObjectID != "doc-heal" {
			continue
		}
		var mut DocumentMutation
		if err := json.Unmarshal(e.Payload, &mut); err != nil {
			t.Fatalf("unmarshaling payload: %v", err)
		}
		if mut.Op == OpModelRecovery {
			found = true
			if !mut.Success || mut.ReportID != res.ReportID || mut.Strategy != string(StrategyAutoRepair) {
				t.Errorf("recovery transaction = %+v", mut)
			}
		}
	}
	if !found {
		t.Error("no recovery transaction appended to the wal")
	}
}

func TestRecoverAutoRepairFailureIsReported(t *testing.T) {
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-stuck", "Base")
	rig.kernel.SetIssues("doc-stuck", kernel.ValidationBasic,
		errorIssue("GEOMETRY_DEGENERATE", "Degenerate geometry in 'Base'", "Base"))

	res, err := rig.svc.Recover(context.Background(), "doc-stuck", "")
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Success || res.ValidationPassed {
		t.Fatal("recovery succeeded on an unhealable document")
	}
	if len(res.ValidationErrors) == 0 || !strings.Contains(res.ValidationErrors[0], "Degenerate") {
		t.Errorf("validation errors = %v", res.ValidationErrors)
	}

	reports := reportsFor(t, rig.store, "doc-stuck")
	if len(reports) != 1 || reports[0].Success {
		t.Fatalf("want one failed report, got %+v", reports)
	}
}

func TestRecovererStepSurfacesFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-bad", "Base")
	rig.kernel.SetIssues("doc-bad", kernel.ValidationBasic,
		errorIssue("GEOMETRY_DEGENERATE", "Degenerate geometry in 'Base'", "Base"))

	err := rig.svc.Repair(context.Background(), "doc-bad")
	if err == nil {
		t.Fatal("Repair reported success on an unhealable document")
	}
	if !strings.Contains(err.Error(), "auto-repair") || !strings.Contains(err.Error(), "validation did not pass") {
		t.Errorf("error = %v", err)
	}
}

func TestRecoverRebuildFromHistory(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-rebuild", "Stale")

	appendScriptTx(t, rig.wal, "doc-rebuild", `doc.addObject("Part::Box", "Box1")`)
	appendScriptTx(t, rig.wal, "doc-rebuild", `doc.addObject("Part::Cylinder", "Cyl1")`)
	appendScriptTx(t, rig.wal, "doc-other", `doc.addObject("Part::Box", "Elsewhere")`)

	rig.kernel.SetIssues("doc-rebuild", kernel.ValidationBasic,
		errorIssue("DEP_CYCLE", "Dependency cycle between 'Box1' and 'Cyl1'", ""))

	res, err := rig.svc.Recover(ctx, "doc-rebuild", "")
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Strategy != StrategyRebuildFeatures {
		t.Errorf("strategy = %s, want rebuild-features", res.Strategy)
	}
	if !res.Success {
		t.Fatalf("rebuild failed: errors = %v validation = %v", res.Errors, res.ValidationErrors)
	}
	if res.RecoveredFeatures != 2 {
		t.Errorf("recovered = %d, want 2", res.RecoveredFeatures)
	}
	if got := rig.kernel.ObjectNames("doc-rebuild"); len(got) != 2 || got[0] != "Box1" || got[1] != "Cyl1" {
		t.Errorf("objects after rebuild = %v", got)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("steps = %+v", res.Steps)
	}
	if res.Steps[0].Applied != 2 || res.Steps[1].Applied != 2 {
		t.Errorf("applied = %d/%d, want 2/2", res.Steps[0].Applied, res.Steps[1].Applied)
	}
}

func TestRecoverRebuildWithoutHistoryFails(t *testing.T) {
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-nohistory", "Base")

	res, err := rig.svc.Recover(context.Background(), "doc-nohistory", StrategyRebuildFeatures)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Success {
		t.Fatal("rebuild succeeded without any history")
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "no transaction history") {
		t.Errorf("errors = %v", res.Errors)
	}
	if reports := reportsFor(t, rig.store, "doc-nohistory"); len(reports) != 1 || reports[0].Success {
		t.Errorf("want one failed report, got %+v", reports)
	}
}

func TestRecoverRestoreReplaysWal(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-restore", "Base")

	// Pre-snapshot history must not replay; only entries after the
	// snapshot instant catch up.
	appendScriptTx(t, rig.wal, "doc-restore", `doc.addObject("Part::Box", "PreBackup")`)
	time.Sleep(5 * time.Millisecond)

	data := exportDoc(t, rig.kernel, "doc-restore")
	if _, err := rig.engine.Create(ctx, "doc-restore", data, backup.CreateOptions{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	appendScriptTx(t, rig.wal, "doc-restore", `doc.addObject("Part::Box", "AfterBackup")`)

	if err := rig.svc.RestoreBackup(ctx, "doc-restore"); err != nil {
		t.Fatalf("RestoreBackup failed: %v", err)
	}
	got := rig.kernel.ObjectNames("doc-restore")
	if len(got) != 2 || got[0] != "AfterBackup" || got[1] != "Base" {
		t.Errorf("objects after restore = %v, want [AfterBackup Base]", got)
	}

	reports := reportsFor(t, rig.store, "doc-restore")
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if !reports[0].Success || reports[0].DataLoss {
		t.Errorf("report = %+v, want clean success", reports[0])
	}
}

func TestRecoverRestoreWithoutWalFlagsDataLoss(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-snaponly", "Base")

	data := exportDoc(t, rig.kernel, "doc-snaponly")
	if _, err := rig.engine.Create(ctx, "doc-snaponly", data, backup.CreateOptions{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	svc, err := NewService(Config{}, rig.kernel, rig.engine, nil, rig.store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	res, err := svc.Recover(ctx, "doc-snaponly", StrategyRestoreBackup)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("restore failed: %v", res.Errors)
	}
	if !res.DataLoss {
		t.Error("restore without wal catch-up must flag data loss")
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "snapshot alone") {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestRecoverRestoreSkipsUnusableSnapshots(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-nosnap", "Base")

	// A pending descriptor is not restorable and must not be picked.
	if _, err := rig.store.CreateSnapshot(ctx, &repo.Snapshot{
		SourceID:   "doc-nosnap",
		Kind:       string(repo.SnapshotFull),
		Status:     repo.SnapshotStatusPending,
		StorageKey: "manifests/doc-nosnap/half-written",
	}); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	err := rig.svc.RestoreBackup(ctx, "doc-nosnap")
	if err == nil {
		t.Fatal("restore succeeded without a completed snapshot")
	}
	if !strings.Contains(err.Error(), "no valid snapshot") {
		t.Errorf("error = %v", err)
	}
}

func TestRecoverPartialDropsAffectedFeatures(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-partial", "Base", "Keep", "Broken1")
	rig.kernel.SetIssues("doc-partial", kernel.ValidationBasic,
		errorIssue("REF_MISSING", "Missing reference in 'Broken1'", "Broken1"))

	res, err := rig.svc.Recover(ctx, "doc-partial", "")
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if res.Strategy != StrategyPartialRecovery {
		t.Errorf("strategy = %s, want partial-recovery", res.Strategy)
	}
	if !res.Success {
		t.Fatalf("partial recovery failed: errors = %v validation = %v", res.Errors, res.ValidationErrors)
	}
	if res.LostFeatures != 1 || !res.DataLoss {
		t.Errorf("lost = %d data loss = %v, want 1/true", res.LostFeatures, res.DataLoss)
	}
	if res.RecoveredFeatures != 2 {
		t.Errorf("recovered = %d, want 2", res.RecoveredFeatures)
	}
	if got := rig.kernel.ObjectNames("doc-partial"); len(got) != 2 || got[0] != "Base" || got[1] != "Keep" {
		t.Errorf("objects after salvage = %v, want [Base Keep]", got)
	}
}

func TestExecuteAbortsOnHeldLock(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.kernel.SeedDocument("doc-held", "Base")
	if _, err := rig.kernel.OpenDocument(ctx, "doc-held"); err != nil {
		t.Fatalf("OpenDocument failed: %v", err)
	}

	plan := &Plan{DocumentID: "doc-held", Strategy: StrategyAutoRepair}
	res, err := rig.svc.Execute(ctx, plan)
	if !errors.Is(err, kernel.ErrDocumentLockTimeout) {
		t.Fatalf("error = %v, want lock timeout", err)
	}
	if res != nil {
		t.Errorf("aborted execute returned a result: %+v", res)
	}
	if !resilience.IsTransient(err) {
		t.Error("lock timeout must classify as transient for retry")
	}
	if reports := reportsFor(t, rig.store, "doc-held"); len(reports) != 0 {
		t.Errorf("aborted execute persisted %d reports", len(reports))
	}
}

func TestAutoRecoverOnOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("clean document passes through", func(t *testing.T) {
		rig := newTestRig(t)
		rig.kernel.SeedDocument("doc-ok", "Base")

		ok, err := rig.svc.AutoRecoverOnOpen(ctx, "doc-ok")
		if err != nil || !ok {
			t.Fatalf("AutoRecoverOnOpen = %v, %v", ok, err)
		}
		if reports := reportsFor(t, rig.store, "doc-ok"); len(reports) != 0 {
			t.Errorf("clean open ran %d recoveries", len(reports))
		}
	})

	t.Run("healable corruption repairs in place", func(t *testing.T) {
		rig := newTestRig(t)
		rig.kernel.SeedDocument("doc-fixable", "Base")
		rig.kernel.SetIssues("doc-fixable", kernel.ValidationBasic,
			errorIssue("GEOMETRY_SELF_INTERSECT", "Self-intersecting geometry in 'Base'", "Base"))
		rig.kernel.HealOnRecompute("doc-fixable")

		ok, err := rig.svc.AutoRecoverOnOpen(ctx, "doc-fixable")
		if err != nil {
			t.Fatalf("AutoRecoverOnOpen failed: %v", err)
		}
		if !ok {
			t.Fatal("healable document reported unrecoverable")
		}
		if reports := reportsFor(t, rig.store, "doc-fixable"); len(reports) != 1 || !reports[0].Success {
			t.Errorf("reports = %+v, want one success", reports)
		}
	})

	t.Run("unhealable corruption blocks the open", func(t *testing.T) {
		rig := newTestRig(t)
		rig.kernel.SeedDocument("doc-unfixable", "Base")
		rig.kernel.SetIssues("doc-unfixable", kernel.ValidationBasic,
			errorIssue("GEOMETRY_DEGENERATE", "Degenerate geometry in 'Base'", "Base"))

		ok, err := rig.svc.AutoRecoverOnOpen(ctx, "doc-unfixable")
		if err != nil {
			t.Fatalf("AutoRecoverOnOpen failed: %v", err)
		}
		if ok {
			t.Fatal("unhealable document reported good to open")
		}
		if reports := reportsFor(t, rig.store, "doc-unfixable"); len(reports) != 1 || reports[0].Success {
			t.Errorf("reports = %+v, want one failure", reports)
		}
	})
}
