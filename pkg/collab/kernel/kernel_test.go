package kernel

import (
	"context"
	"errors"
	"testing"
)

func mustCreate(t *testing.T, f *Fake, id string) Handle {
	t.Helper()
	h, err := f.CreateDocument(context.Background(), id)
	if err != nil {
		t.Fatalf("CreateDocument(%s): %v", id, err)
	}
	return h
}

func TestFakeDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	h := mustCreate(t, f, "doc-1")
	if h.DocumentID != "doc-1" {
		t.Errorf("handle = %+v", h)
	}

	// The document is open after create; a second open must hit the lock.
	if _, err := f.OpenDocument(ctx, "doc-1"); !errors.Is(err, ErrDocumentLockTimeout) {
		t.Fatalf("second open = %v, want ErrDocumentLockTimeout", err)
	}

	if err := f.CloseDocument(ctx, h); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}
	if _, err := f.OpenDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}

	if _, err := f.OpenDocument(ctx, "doc-missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("open missing = %v, want ErrDocumentNotFound", err)
	}
	if _, err := f.CreateDocument(ctx, "doc-1"); err == nil {
		t.Fatal("creating an existing document succeeded")
	}
}

func TestFakeExecuteScriptExtractsObjects(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	h := mustCreate(t, f, "doc-1")

	script := `import FreeCAD
import Part

doc = FreeCAD.ActiveDocument
box = doc.addObject("Part::Box", "Base")
hole = doc.addObject('Part::Cylinder', 'Bore')
doc.recompute()
`
	res, err := f.ExecuteScript(ctx, h, script)
	if err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	if len(res.Objects) != 2 {
		t.Fatalf("objects = %v, want Base and Bore", res.Objects)
	}
	for _, name := range []string{"Base", "Bore"} {
		if _, ok := res.Objects[name]; !ok {
			t.Errorf("missing object %q", name)
		}
	}

	// Objects persist on the document across sessions.
	if err := f.CloseDocument(ctx, h); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}
	names := f.ObjectNames("doc-1")
	if len(names) != 2 {
		t.Errorf("persisted objects = %v", names)
	}
}

func TestFakeExecuteScriptRejectsInvalidGeometry(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	h := mustCreate(t, f, "doc-1")

	_, err := f.ExecuteScript(ctx, h, "# INVALID_GEOMETRY\nimport Part")
	if !errors.Is(err, ErrGeometryInvalid) {
		t.Fatalf("ExecuteScript = %v, want ErrGeometryInvalid", err)
	}
}

func TestFakeExecuteScriptRequiresOpenDocument(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	h := mustCreate(t, f, "doc-1")
	if err := f.CloseDocument(ctx, h); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}
	if _, err := f.ExecuteScript(ctx, h, "import Part"); err == nil {
		t.Fatal("script ran against a closed document")
	}
}

func TestFakeValidateFiltersByLevel(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	h := mustCreate(t, f, "doc-1")

	f.SetIssues("doc-1", ValidationGeometry, Issue{
		Severity: "error", Code: "GEOMETRY_SELF_INTERSECT", Message: "shape intersects itself", Object: "Pad001",
	})
	f.SetIssues("doc-1", ValidationConstraints, Issue{
		Severity: "warning", Code: "CONSTRAINT_REDUNDANT", Message: "redundant constraint",
	})

	basic, err := f.Validate(ctx, h, ValidationBasic)
	if err != nil {
		t.Fatalf("Validate(basic): %v", err)
	}
	if len(basic) != 0 {
		t.Errorf("basic issues = %v, want none", basic)
	}

	geom, err := f.Validate(ctx, h, ValidationGeometry)
	if err != nil {
		t.Fatalf("Validate(geometry): %v", err)
	}
	if len(geom) != 1 || geom[0].Code != "GEOMETRY_SELF_INTERSECT" {
		t.Errorf("geometry issues = %v", geom)
	}

	full, err := f.Validate(ctx, h, ValidationFull)
	if err != nil {
		t.Fatalf("Validate(full): %v", err)
	}
	if len(full) != 2 {
		t.Errorf("full issues = %v, want both", full)
	}
}

func TestFakeRecomputeHeals(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	h := mustCreate(t, f, "doc-1")

	f.SetIssues("doc-1", ValidationBasic, Issue{Severity: "error", Code: "FEATURE_TREE_BROKEN", Message: "dangling feature"})
	f.HealOnRecompute("doc-1")

	if err := f.Recompute(ctx, h); err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	issues, err := f.Validate(ctx, h, ValidationFull)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("issues after healing recompute = %v", issues)
	}
}

func TestFakeFailNextQueuesOneShotFailures(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.SeedDocument("doc-1", "Base")

	f.FailNext("open", ErrDocumentLockTimeout)

	if _, err := f.OpenDocument(ctx, "doc-1"); !errors.Is(err, ErrDocumentLockTimeout) {
		t.Fatalf("first open = %v, want injected lock timeout", err)
	}
	if _, err := f.OpenDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("second open = %v, want success", err)
	}
}

func TestFakeExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	h := mustCreate(t, f, "doc-1")

	if _, err := f.ExecuteScript(ctx, h, `doc.addObject("Part::Box", "Base")`); err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	data, err := f.ExportDocument(ctx, h)
	if err != nil {
		t.Fatalf("ExportDocument: %v", err)
	}

	h2, err := f.ImportDocument(ctx, "doc-2", data)
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	names, err := f.ListObjects(ctx, h2)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(names) != 1 || names[0] != "Base" {
		t.Errorf("imported objects = %v, want [Base]", names)
	}
}

func TestFakeImportRejectsGarbageAndHeldLocks(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	if _, err := f.ImportDocument(ctx, "doc-1", []byte("not a document")); err == nil {
		t.Fatal("garbage import succeeded")
	}

	mustCreate(t, f, "doc-2")
	if _, err := f.ImportDocument(ctx, "doc-2", nil); !errors.Is(err, ErrDocumentLockTimeout) {
		t.Fatalf("import over open document = %v, want ErrDocumentLockTimeout", err)
	}
}

func TestFakeImportNilYieldsEmptyDocument(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.SeedDocument("doc-1", "Base", "Bore")

	h, err := f.ImportDocument(ctx, "doc-1", nil)
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	names, err := f.ListObjects(ctx, h)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("objects after empty import = %v", names)
	}
}

func TestFakeRemoveObjectDropsItsFindings(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	h := mustCreate(t, f, "doc-1")
	if _, err := f.ExecuteScript(ctx, h, `doc.addObject("Part::Box", "Base")
doc.addObject("Part::Pad", "Pad001")`); err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	f.SetIssues("doc-1", ValidationBasic,
		Issue{Severity: "error", Code: "GEOMETRY_SELF_INTERSECT", Message: "bad shape", Object: "Pad001"},
		Issue{Severity: "warning", Code: "NAMING", Message: "default label", Object: "Base"},
	)

	if err := f.RemoveObject(ctx, h, "Pad001"); err != nil {
		t.Fatalf("RemoveObject: %v", err)
	}
	if err := f.RemoveObject(ctx, h, "Pad001"); err == nil {
		t.Fatal("removing a missing object succeeded")
	}

	issues, err := f.Validate(ctx, h, ValidationFull)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(issues) != 1 || issues[0].Object != "Base" {
		t.Errorf("issues after removal = %v", issues)
	}
	names, err := f.ListObjects(ctx, h)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(names) != 1 || names[0] != "Base" {
		t.Errorf("objects after removal = %v", names)
	}
}

func TestHasErrors(t *testing.T) {
	warn := []Issue{{Severity: "warning", Code: "W1"}}
	if HasErrors(warn) {
		t.Error("warnings alone reported as errors")
	}
	mixed := append(warn, Issue{Severity: "error", Code: "E1"})
	if !HasErrors(mixed) {
		t.Error("error severity not detected")
	}
}

func TestValidationLevelRank(t *testing.T) {
	order := []ValidationLevel{ValidationBasic, ValidationGeometry, ValidationTopology, ValidationConstraints, ValidationFull}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank below %s", order[i-1], order[i])
		}
	}
}
