package flows

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/modelrecovery"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
)

func TestAssemblyFlowLinksChildren(t *testing.T) {
	td := newTestDeps(t)
	td.kernel.SeedDocument("part-a", "Body")
	td.kernel.SeedDocument("part-b", "Body")

	job := runJob(t, td, jobs.Submission{
		Flow:       jobs.FlowAssembly,
		UserID:     "u-1",
		DocumentID: "asm-1",
		Payload: mustJSON(t, AssemblyInput{
			Children: []AssemblyChild{
				{DocumentID: "part-a"},
				{DocumentID: "part-b", Placement: &Placement{
					Position: [3]float64{40, 0, 0},
					Axis:     [3]float64{0, 0, 1},
					AngleDeg: 90,
				}},
			},
			Constraints: []AssemblyConstraint{
				{Type: "coincident", First: "part-a", Second: "part-b"},
				{Type: "distance", First: "part-a", Second: "part-b", Value: 5},
			},
		}),
	})
	if job.Status != repo.JobStatusCompleted {
		t.Fatalf("job status = %s (%s: %s), want completed", job.Status, job.ErrorCode, job.ErrorMessage)
	}

	var res AssemblyResult
	unmarshalResult(t, job, &res)
	if res.DocumentID != "asm-1" {
		t.Errorf("document = %q, want asm-1", res.DocumentID)
	}
	if !equalStrings(res.Children, []string{"part-a", "part-b"}) {
		t.Errorf("children = %v, want both parts", res.Children)
	}
	if res.Constraints != 2 {
		t.Errorf("constraints = %d, want 2", res.Constraints)
	}
	wantObjects := []string{
		"Assembly",
		"Link_part_a",
		"Link_part_b",
		"Constraint_coincident_1",
		"Constraint_distance_2",
	}
	if !equalStrings(res.Objects, wantObjects) {
		t.Errorf("objects = %v, want %v", res.Objects, wantObjects)
	}

	if data := requireArtifact(t, td, res.Artifacts, "fcstd"); len(data) == 0 {
		t.Error("exported assembly artifact is empty")
	}
	snap := requireSnapshot(t, td, res.SnapshotID)
	if snap.SourceID != "asm-1" {
		t.Errorf("snapshot source = %q, want asm-1", snap.SourceID)
	}

	wantOps := []string{"flow-start", "execute-script", "flow-end"}
	if got := walOps(t, td.wal, "asm-1"); !equalStrings(got, wantOps) {
		t.Errorf("WAL ops = %v, want %v", got, wantOps)
	}
	// Children are only read, never mutated.
	if got := walOps(t, td.wal, "part-a"); len(got) != 0 {
		t.Errorf("child WAL ops = %v, want none", got)
	}
}

func TestAssemblyFlowMissingChild(t *testing.T) {
	td := newTestDeps(t)
	td.kernel.SeedDocument("part-a", "Body")

	job := runJob(t, td, jobs.Submission{
		Flow:       jobs.FlowAssembly,
		DocumentID: "asm-2",
		Payload: mustJSON(t, AssemblyInput{
			Children: []AssemblyChild{
				{DocumentID: "part-a"},
				{DocumentID: "part-ghost"},
			},
		}),
	})
	if job.Status != repo.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.ErrorCode != "invalid_input" {
		t.Errorf("error code = %q, want invalid_input", job.ErrorCode)
	}
	if !strings.Contains(job.ErrorMessage, `"part-ghost" does not exist`) {
		t.Errorf("error message = %q, want the missing child named", job.ErrorMessage)
	}
	// The parent was never opened, but the bracket still closes.
	wantOps := []string{"flow-start", "flow-end"}
	if got := walOps(t, td.wal, "asm-2"); !equalStrings(got, wantOps) {
		t.Errorf("WAL ops = %v, want %v", got, wantOps)
	}
}

func TestAssemblyFlowRecoveryGate(t *testing.T) {
	td := newTestDeps(t)
	svc, err := modelrecovery.NewService(modelrecovery.Config{}, td.kernel, td.Backups, td.wal, td.store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	td.Deps.Recovery = svc
	td.kernel.SeedDocument("part-a", "Body")

	job := runJob(t, td, jobs.Submission{
		Flow:       jobs.FlowAssembly,
		DocumentID: "asm-3",
		Payload: mustJSON(t, AssemblyInput{
			Children: []AssemblyChild{{DocumentID: "part-a"}},
		}),
	})
	if job.Status != repo.JobStatusCompleted {
		t.Fatalf("job status = %s (%s: %s), want completed", job.Status, job.ErrorCode, job.ErrorMessage)
	}

	var res AssemblyResult
	unmarshalResult(t, job, &res)
	if !equalStrings(res.Objects, []string{"Assembly", "Link_part_a"}) {
		t.Errorf("objects = %v, want the assembly and one link", res.Objects)
	}
}

func TestCheckAssembly(t *testing.T) {
	two := []AssemblyChild{{DocumentID: "a"}, {DocumentID: "b"}}
	cases := []struct {
		name   string
		in     AssemblyInput
		detail string
	}{
		{
			name:   "no children",
			in:     AssemblyInput{},
			detail: "at least one child",
		},
		{
			name:   "blank child id",
			in:     AssemblyInput{Children: []AssemblyChild{{}}},
			detail: "document_id must not be empty",
		},
		{
			name:   "duplicate child",
			in:     AssemblyInput{Children: []AssemblyChild{{DocumentID: "a"}, {DocumentID: "a"}}},
			detail: `"a" is listed twice`,
		},
		{
			name: "unknown constraint type",
			in: AssemblyInput{Children: two, Constraints: []AssemblyConstraint{
				{Type: "magnetic", First: "a", Second: "b"},
			}},
			detail: `unknown type "magnetic"`,
		},
		{
			name: "first end not listed",
			in: AssemblyInput{Children: two, Constraints: []AssemblyConstraint{
				{Type: "parallel", First: "zz", Second: "b"},
			}},
			detail: `first end "zz"`,
		},
		{
			name: "second end not listed",
			in: AssemblyInput{Children: two, Constraints: []AssemblyConstraint{
				{Type: "coincident", First: "a", Second: "zz"},
			}},
			detail: `second end "zz"`,
		},
		{
			name: "negative distance",
			in: AssemblyInput{Children: two, Constraints: []AssemblyConstraint{
				{Type: "distance", First: "a", Second: "b", Value: -1},
			}},
			detail: "must not be negative",
		},
		{
			name: "fixed needs no second end",
			in: AssemblyInput{Children: two, Constraints: []AssemblyConstraint{
				{Type: "fixed", First: "a"},
			}},
		},
		{
			name: "zero distance is touching",
			in: AssemblyInput{Children: two, Constraints: []AssemblyConstraint{
				{Type: "distance", First: "a", Second: "b"},
			}},
		},
		{
			name: "valid mix",
			in: AssemblyInput{Children: two, Constraints: []AssemblyConstraint{
				{Type: "fixed", First: "a"},
				{Type: "angle", First: "a", Second: "b", Value: 45},
			}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkAssembly(&tc.in)
			if tc.detail == "" {
				if err != nil {
					t.Fatalf("checkAssembly failed: %v", err)
				}
				return
			}
			var ie *resilience.InputError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want InputError", err)
			}
			if !strings.Contains(ie.Detail, tc.detail) {
				t.Errorf("detail = %q, want it to mention %q", ie.Detail, tc.detail)
			}
		})
	}
}

func TestBuildAssemblyScript(t *testing.T) {
	in := AssemblyInput{
		Children: []AssemblyChild{
			{DocumentID: "part-a", Placement: &Placement{
				Position: [3]float64{1, 2, 3},
				Axis:     [3]float64{0, 0, 1},
				AngleDeg: 90,
			}},
		},
		Constraints: []AssemblyConstraint{
			{Type: "fixed", First: "part-a"},
		},
	}
	want := `import FreeCAD

doc = FreeCAD.ActiveDocument
asm = doc.addObject("App::Part", "Assembly")
link0 = doc.addObject("App::Link", "Link_part_a")
link0.LinkedObject = "part-a"
link0.Placement.Base = FreeCAD.Vector(1.000000, 2.000000, 3.000000)
link0.Placement.Rotation = FreeCAD.Rotation(FreeCAD.Vector(0.000000, 0.000000, 1.000000), 90.000000)
con0 = doc.addObject("Assembly::Constraint", "Constraint_fixed_1")
con0.Type = "fixed"
con0.First = "part-a"
doc.recompute()
`
	if got := buildAssemblyScript(&in); got != want {
		t.Errorf("script mismatch:\n got:\n%s\nwant:\n%s", got, want)
	}
}

func TestAssemblySubmitRejection(t *testing.T) {
	td := newTestDeps(t)
	all, err := All(td.Deps)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	sched, err := jobs.NewScheduler(jobs.Config{
		Workers:       1,
		SweepInterval: time.Hour,
	}, td.store, nil, all...)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	ctx := context.Background()
	_, err = sched.Submit(ctx, jobs.Submission{
		Flow:    jobs.FlowAssembly,
		Payload: mustJSON(t, AssemblyInput{}),
	})
	var ie *resilience.InputError
	if !errors.As(err, &ie) {
		t.Fatalf("Submit error = %v, want an input error", err)
	}

	rows, err := td.store.ListJobs(ctx, repo.JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rejected submission persisted %d job rows", len(rows))
	}
}
