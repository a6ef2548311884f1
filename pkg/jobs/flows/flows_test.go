package flows

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/collab/ai"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/collab/solver"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/jobs/scriptguard"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
	"github.com/forgevault/forgevault/pkg/wal"
)

type testDeps struct {
	Deps
	kernel  *kernel.Fake
	ai      *ai.Fake
	solver  *solver.Fake
	objects *objstore.MemoryStore
	store   *repo.MemoryStore
	wal     *wal.Manager
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	k := kernel.NewFake()
	provider := ai.NewFake()
	solv := solver.NewFake()
	objects := objstore.NewMemory()
	store := repo.NewMemory()

	engine, err := backup.NewEngine(backup.Defaults(), chunkstore.NewMemory(objects), objects, store)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	wm, err := wal.NewManager(wal.DefaultConfig(t.TempDir()), objstore.NewMemory())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { wm.Close() })

	return &testDeps{
		Deps: Deps{
			Kernel:  k,
			AI:      provider,
			Solver:  solv,
			Guard:   scriptguard.New(scriptguard.Defaults()),
			Backups: engine,
			WAL:     wm,
			Objects: objects,
		},
		kernel:  k,
		ai:      provider,
		solver:  solv,
		objects: objects,
		store:   store,
		wal:     wm,
	}
}

// runJob submits one job to a single-worker scheduler over the fixture
// and returns its terminal record.
func runJob(t *testing.T, td *testDeps, sub jobs.Submission) *repo.Job {
	t.Helper()
	all, err := All(td.Deps)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	sched, err := jobs.NewScheduler(jobs.Config{
		WorkerID:       "flows-test",
		Workers:        1,
		SweepInterval:  time.Hour,
		DefaultTimeout: 30 * time.Second,
	}, td.store, nil, all...)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	ctx := context.Background()
	sched.Start(ctx)
	t.Cleanup(func() { sched.Stop(2 * time.Second) })

	job, err := sched.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	done, err := sched.Wait(waitCtx, job.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return done
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return raw
}

func unmarshalResult(t *testing.T, job *repo.Job, out any) {
	t.Helper()
	if job.Result == "" {
		t.Fatalf("job %s carries no result", job.ID)
	}
	if err := json.Unmarshal([]byte(job.Result), out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
}

// walOps returns the op of every WAL payload written for the document,
// in append order.
func walOps(t *testing.T, m *wal.Manager, documentID string) []string {
	t.Helper()
	entries, err := m.Read(context.Background(), wal.ReadOptions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var ops []string
	for _, e := range entries {
		if e.ObjectID != documentID {
			continue
		}
		var marker struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(e.Payload, &marker); err != nil {
			t.Fatalf("decoding WAL payload: %v", err)
		}
		ops = append(ops, marker.Op)
	}
	return ops
}

// requireArtifact asserts the artifact key exists and returns its bytes.
func requireArtifact(t *testing.T, td *testDeps, artifacts map[string]string, ext string) []byte {
	t.Helper()
	key, ok := artifacts[ext]
	if !ok {
		t.Fatalf("artifact %q missing, have %v", ext, artifacts)
	}
	data, _, err := td.objects.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("artifact %s not in the object store: %v", key, err)
	}
	return data
}

func requireSnapshot(t *testing.T, td *testDeps, id string) *repo.Snapshot {
	t.Helper()
	if id == "" {
		t.Fatal("result carries no snapshot ID")
	}
	snap, err := td.store.GetSnapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSnapshot(%s) failed: %v", id, err)
	}
	return snap
}

func TestAllWiresEveryFlow(t *testing.T) {
	td := newTestDeps(t)
	all, err := All(td.Deps)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	want := []string{jobs.FlowPrompt, jobs.FlowParametric, jobs.FlowUpload, jobs.FlowAssembly, jobs.FlowFEM}
	if len(all) != len(want) {
		t.Fatalf("All returned %d flows, want %d", len(all), len(want))
	}
	for i, f := range all {
		if f.Name() != want[i] {
			t.Errorf("flow %d = %q, want %q", i, f.Name(), want[i])
		}
	}
}

func TestAllRejectsMissingDeps(t *testing.T) {
	td := newTestDeps(t)

	noKernel := td.Deps
	noKernel.Kernel = nil
	if _, err := All(noKernel); err == nil {
		t.Error("All accepted deps without a kernel")
	}

	noAI := td.Deps
	noAI.AI = nil
	if _, err := All(noAI); err == nil {
		t.Error("All accepted deps without an AI provider")
	}

	noSolver := td.Deps
	noSolver.Solver = nil
	if _, err := All(noSolver); err == nil {
		t.Error("All accepted deps without a solver")
	}
}

func TestLocalLockerSerializesSameDocument(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var active, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithDocument(ctx, "doc-1", func(context.Context) error {
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("WithDocument failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if overlaps != 0 {
		t.Errorf("observed %d overlapping holders of one document", overlaps)
	}
}

func TestLocalLockerIndependentDocuments(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithDocument(ctx, "doc-a", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- l.WithDocument(ctx, "doc-b", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WithDocument failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("independent document blocked behind doc-a")
	}
}

func TestLocalLockerPropagatesError(t *testing.T) {
	l := NewLocalLocker()
	sentinel := errors.New("boom")
	err := l.WithDocument(context.Background(), "doc-1", func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("WithDocument error = %v, want the fn error", err)
	}
}

func newFleetLocker(t *testing.T) *FleetLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	coord, err := fleet.New(fleet.Config{
		RedisURL:     "redis://" + mr.Addr(),
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
		LockTimeout:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	locker, err := NewFleetLocker(coord, 30*time.Second)
	if err != nil {
		t.Fatalf("NewFleetLocker failed: %v", err)
	}
	return locker
}

func TestFleetLockerContentionIsTransient(t *testing.T) {
	locker := newFleetLocker(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	holderErr := make(chan error, 1)
	go func() {
		holderErr <- locker.WithDocument(ctx, "doc-1", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := locker.WithDocument(ctx, "doc-1", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("WithDocument succeeded while the lock is held elsewhere")
	}
	if !resilience.IsTransient(err) {
		t.Errorf("contention error is not transient: %v", err)
	}

	close(release)
	if err := <-holderErr; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	if err := locker.WithDocument(ctx, "doc-1", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("WithDocument after release failed: %v", err)
	}
}

func TestNewFleetLockerRequiresCoordinator(t *testing.T) {
	if _, err := NewFleetLocker(nil, time.Minute); err == nil {
		t.Error("NewFleetLocker accepted a nil coordinator")
	}
}

func TestPyStr(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", `"plain"`},
		{`say "hi"`, `"say \"hi\""`},
		{`back\slash`, `"back\\slash"`},
		{"two\nlines", `"two\nlines"`},
	}
	for _, tt := range tests {
		if got := pyStr(tt.in); got != tt.want {
			t.Errorf("pyStr(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPyIdent(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Bracket", "Bracket"},
		{"my part", "my_part"},
		{"9mm", "N9mm"},
		{"", "Obj"},
		{"--", "__"},
		{"Flange_2", "Flange_2"},
	}
	for _, tt := range tests {
		if got := pyIdent(tt.in); got != tt.want {
			t.Errorf("pyIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTargetDocument(t *testing.T) {
	if got := targetDocument(&repo.Job{ID: "j-1", DocumentID: "doc-7"}); got != "doc-7" {
		t.Errorf("targetDocument with document = %q, want doc-7", got)
	}
	if got := targetDocument(&repo.Job{ID: "j-1"}); got != "model-j-1" {
		t.Errorf("targetDocument without document = %q, want model-j-1", got)
	}
}
