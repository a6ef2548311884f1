package registry

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/collab/ai"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/collab/solver"
	"github.com/forgevault/forgevault/pkg/disaster"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/health"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/jobs/scriptguard"
	"github.com/forgevault/forgevault/pkg/lifecycle"
	"github.com/forgevault/forgevault/pkg/modelrecovery"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/pitr"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
	"github.com/forgevault/forgevault/pkg/wal"
)

func TestRegistryRoundTrip(t *testing.T) {
	store := repo.NewMemory()
	objects := objstore.NewMemory()
	chunks := chunkstore.NewMemory(objects)

	engine, err := backup.NewEngine(backup.Config{}, chunks, objects, store)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	tiers := lifecycle.NewManager(lifecycle.Config{}, engine, objects, store)
	walMgr, err := wal.NewManager(wal.Config{Dir: t.TempDir()}, objects)
	if err != nil {
		t.Fatalf("wal.NewManager failed: %v", err)
	}

	mr := miniredis.RunT(t)
	coord, err := fleet.New(fleet.Config{RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("fleet.New failed: %v", err)
	}

	pointInTime := pitr.NewEngine(pitr.Config{}, walMgr, pitr.NewMemoryState(), nil)
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{})
	guard := scriptguard.New(scriptguard.Config{})
	cadKernel := kernel.NewFake()

	recovery, err := modelrecovery.NewService(modelrecovery.Config{}, cadKernel, engine, walMgr, store)
	if err != nil {
		t.Fatalf("modelrecovery.NewService failed: %v", err)
	}
	scheduler, err := jobs.NewScheduler(jobs.Config{WorkerID: "test-worker"}, store, coord)
	if err != nil {
		t.Fatalf("jobs.NewScheduler failed: %v", err)
	}
	monitor := health.NewMonitor(health.Config{})
	orchestrator, err := disaster.NewOrchestrator(disaster.Config{}, disaster.Deps{Store: store})
	if err != nil {
		t.Fatalf("disaster.NewOrchestrator failed: %v", err)
	}

	reg := New()
	steps := []struct {
		name string
		set  func() error
	}{
		{"repo", func() error { return reg.SetRepo(store) }},
		{"object store", func() error { return reg.SetObjectStore(objects) }},
		{"chunk store", func() error { return reg.SetChunkStore(chunks) }},
		{"backup engine", func() error { return reg.SetBackupEngine(engine) }},
		{"lifecycle", func() error { return reg.SetLifecycle(tiers) }},
		{"wal", func() error { return reg.SetWAL(walMgr) }},
		{"fleet", func() error { return reg.SetFleet(coord) }},
		{"pitr", func() error { return reg.SetPITR(pointInTime) }},
		{"breakers", func() error { return reg.SetBreakers(breakers) }},
		{"ai", func() error { return reg.SetAI(ai.NewFake()) }},
		{"kernel", func() error { return reg.SetKernel(cadKernel) }},
		{"solver", func() error { return reg.SetSolver(solver.NewFake()) }},
		{"guard", func() error { return reg.SetGuard(guard) }},
		{"recovery", func() error { return reg.SetRecovery(recovery) }},
		{"scheduler", func() error { return reg.SetScheduler(scheduler) }},
		{"health monitor", func() error { return reg.SetHealthMonitor(monitor) }},
		{"orchestrator", func() error { return reg.SetOrchestrator(orchestrator) }},
	}
	for _, s := range steps {
		if err := s.set(); err != nil {
			t.Fatalf("registering %s: %v", s.name, err)
		}
	}

	if got, err := reg.GetRepo(); err != nil || got != store {
		t.Errorf("GetRepo() = %v, %v", got, err)
	}
	if got, err := reg.GetObjectStore(); err != nil || got != objects {
		t.Errorf("GetObjectStore() = %v, %v", got, err)
	}
	if got, err := reg.GetChunkStore(); err != nil || got != chunks {
		t.Errorf("GetChunkStore() = %v, %v", got, err)
	}
	if got, err := reg.GetBackupEngine(); err != nil || got != engine {
		t.Errorf("GetBackupEngine() = %v, %v", got, err)
	}
	if got, err := reg.GetLifecycle(); err != nil || got != tiers {
		t.Errorf("GetLifecycle() = %v, %v", got, err)
	}
	if got, err := reg.GetWAL(); err != nil || got != walMgr {
		t.Errorf("GetWAL() = %v, %v", got, err)
	}
	if got := reg.GetFleet(); got != coord {
		t.Errorf("GetFleet() = %v", got)
	}
	if got, err := reg.GetPITR(); err != nil || got != pointInTime {
		t.Errorf("GetPITR() = %v, %v", got, err)
	}
	if got, err := reg.GetBreakers(); err != nil || got != breakers {
		t.Errorf("GetBreakers() = %v, %v", got, err)
	}
	if got, err := reg.GetAI(); err != nil || got == nil {
		t.Errorf("GetAI() = %v, %v", got, err)
	}
	if got, err := reg.GetKernel(); err != nil || got != kernel.Kernel(cadKernel) {
		t.Errorf("GetKernel() = %v, %v", got, err)
	}
	if got, err := reg.GetSolver(); err != nil || got == nil {
		t.Errorf("GetSolver() = %v, %v", got, err)
	}
	if got, err := reg.GetGuard(); err != nil || got != guard {
		t.Errorf("GetGuard() = %v, %v", got, err)
	}
	if got, err := reg.GetRecovery(); err != nil || got != recovery {
		t.Errorf("GetRecovery() = %v, %v", got, err)
	}
	if got, err := reg.GetScheduler(); err != nil || got != scheduler {
		t.Errorf("GetScheduler() = %v, %v", got, err)
	}
	if got, err := reg.GetHealthMonitor(); err != nil || got != monitor {
		t.Errorf("GetHealthMonitor() = %v, %v", got, err)
	}
	if got, err := reg.GetOrchestrator(); err != nil || got != orchestrator {
		t.Errorf("GetOrchestrator() = %v, %v", got, err)
	}

	want := []string{
		"repository",
		"chunk store",
		"lifecycle manager",
		"wal manager",
		"fleet coordinator",
		"scheduler",
		"health monitor",
		"disaster orchestrator",
	}
	if got := reg.Components(); !reflect.DeepEqual(got, want) {
		t.Errorf("Components() = %v, want %v", got, want)
	}

	if err := reg.Close(5 * time.Second); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestRegistryRejectsNilAndDuplicates(t *testing.T) {
	reg := New()

	if err := reg.SetRepo(nil); err == nil {
		t.Errorf("SetRepo(nil) expected error")
	}
	if err := reg.SetObjectStore(nil); err == nil {
		t.Errorf("SetObjectStore(nil) expected error")
	}
	if err := reg.SetBackupEngine(nil); err == nil {
		t.Errorf("SetBackupEngine(nil) expected error")
	}

	store := repo.NewMemory()
	if err := reg.SetRepo(store); err != nil {
		t.Fatalf("SetRepo() error: %v", err)
	}
	if err := reg.SetRepo(store); err == nil {
		t.Errorf("second SetRepo() expected error")
	}
}

func TestRegistryGetUnconfigured(t *testing.T) {
	reg := New()

	if _, err := reg.GetRepo(); err == nil {
		t.Errorf("GetRepo() on empty registry expected error")
	}
	if _, err := reg.GetScheduler(); err == nil {
		t.Errorf("GetScheduler() on empty registry expected error")
	}
	if got := reg.GetFleet(); got != nil {
		t.Errorf("GetFleet() on empty registry = %v, want nil", got)
	}
}

func TestRegistryCloseOrderAndIdempotency(t *testing.T) {
	reg := New()

	var order []string
	reg.OnClose("first", func() error {
		order = append(order, "first")
		return nil
	})
	if err := reg.SetRepo(repo.NewMemory()); err != nil {
		t.Fatalf("SetRepo() error: %v", err)
	}
	reg.OnClose("middle", func() error {
		order = append(order, "middle")
		return errors.New("flush failed")
	})
	reg.OnClose("last", func() error {
		order = append(order, "last")
		return nil
	})

	err := reg.Close(time.Second)
	if err == nil || err.Error() != "stopping middle: flush failed" {
		t.Errorf("Close() error = %v, want wrapped flush failure", err)
	}

	want := []string{"last", "middle", "first"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("shutdown order = %v, want %v", order, want)
	}

	// A second Close must not rerun anything.
	if err := reg.Close(time.Second); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("second Close() reran components: %v", order)
	}
}
