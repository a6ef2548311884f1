// Package registry holds the process-lifetime components. The daemon
// constructs every subsystem once at startup, registers it here, and
// injects the registry wherever collaborators are needed; nothing in
// the tree imports a module-level instance.
//
// Registration order doubles as the shutdown plan: Close stops
// components in reverse, so the scheduler registered last stops before
// the repositories it writes to.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
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

// stopFunc stops one component. Implementations that take no timeout
// ignore the argument.
type stopFunc func(timeout time.Duration) error

type component struct {
	name string
	stop stopFunc
}

// Registry is the thread-safe holder of every process component.
//
// Example usage:
//
//	reg := registry.New()
//	reg.SetRepo(store)
//	reg.SetBackupEngine(engine)
//	...
//	defer reg.Close(30 * time.Second)
type Registry struct {
	mu sync.RWMutex

	repoStore  repo.Store
	objects    objstore.Store
	chunks     chunkstore.Store
	backups    *backup.Engine
	tiers      *lifecycle.Manager
	walMgr     *wal.Manager
	coord      *fleet.Coordinator
	pitrEngine *pitr.Engine
	breakers   *resilience.BreakerSet
	aiProvider ai.Provider
	cadKernel  kernel.Kernel
	femSolver  solver.Solver
	guard      *scriptguard.Guard
	recovery   *modelrecovery.Service
	scheduler  *jobs.Scheduler
	monitor    *health.Monitor
	dr         *disaster.Orchestrator

	components []component
	closed     bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// track appends a component to the shutdown plan. Callers hold r.mu.
func (r *Registry) track(name string, stop stopFunc) {
	r.components = append(r.components, component{name: name, stop: stop})
}

// closerOf adapts a plain Close to a stopFunc.
func closerOf(close func() error) stopFunc {
	return func(time.Duration) error { return close() }
}

// ============================================================================
// Storage
// ============================================================================

// SetRepo registers the metadata repository. The repository is closed
// last during shutdown since nearly every component writes through it.
func (r *Registry) SetRepo(s repo.Store) error {
	if s == nil {
		return fmt.Errorf("cannot register nil repository")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repoStore != nil {
		return fmt.Errorf("repository already registered")
	}
	r.repoStore = s
	r.track("repository", closerOf(s.Close))
	return nil
}

// GetRepo returns the metadata repository.
func (r *Registry) GetRepo() (repo.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.repoStore == nil {
		return nil, fmt.Errorf("repository not configured")
	}
	return r.repoStore, nil
}

// SetObjectStore registers the tiered object store. Object store
// clients hold no local resources, so nothing is tracked for shutdown.
func (r *Registry) SetObjectStore(s objstore.Store) error {
	if s == nil {
		return fmt.Errorf("cannot register nil object store")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.objects != nil {
		return fmt.Errorf("object store already registered")
	}
	r.objects = s
	return nil
}

// GetObjectStore returns the tiered object store.
func (r *Registry) GetObjectStore() (objstore.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.objects == nil {
		return nil, fmt.Errorf("object store not configured")
	}
	return r.objects, nil
}

// SetChunkStore registers the deduplicating chunk store.
func (r *Registry) SetChunkStore(s chunkstore.Store) error {
	if s == nil {
		return fmt.Errorf("cannot register nil chunk store")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chunks != nil {
		return fmt.Errorf("chunk store already registered")
	}
	r.chunks = s
	r.track("chunk store", closerOf(s.Close))
	return nil
}

// GetChunkStore returns the deduplicating chunk store.
func (r *Registry) GetChunkStore() (chunkstore.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.chunks == nil {
		return nil, fmt.Errorf("chunk store not configured")
	}
	return r.chunks, nil
}

// ============================================================================
// Backup and durability
// ============================================================================

// SetBackupEngine registers the snapshot engine. The engine is
// stateless over its stores and needs no shutdown step.
func (r *Registry) SetBackupEngine(e *backup.Engine) error {
	if e == nil {
		return fmt.Errorf("cannot register nil backup engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backups != nil {
		return fmt.Errorf("backup engine already registered")
	}
	r.backups = e
	return nil
}

// GetBackupEngine returns the snapshot engine.
func (r *Registry) GetBackupEngine() (*backup.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.backups == nil {
		return nil, fmt.Errorf("backup engine not configured")
	}
	return r.backups, nil
}

// SetLifecycle registers the tier lifecycle manager and tracks its
// sweep loop for shutdown.
func (r *Registry) SetLifecycle(m *lifecycle.Manager) error {
	if m == nil {
		return fmt.Errorf("cannot register nil lifecycle manager")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tiers != nil {
		return fmt.Errorf("lifecycle manager already registered")
	}
	r.tiers = m
	r.track("lifecycle manager", func(timeout time.Duration) error {
		m.Stop(timeout)
		return nil
	})
	return nil
}

// GetLifecycle returns the tier lifecycle manager.
func (r *Registry) GetLifecycle() (*lifecycle.Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.tiers == nil {
		return nil, fmt.Errorf("lifecycle manager not configured")
	}
	return r.tiers, nil
}

// SetWAL registers the write-ahead log manager. Closing it seals the
// active segment, so it stops after every component that appends.
func (r *Registry) SetWAL(m *wal.Manager) error {
	if m == nil {
		return fmt.Errorf("cannot register nil wal manager")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.walMgr != nil {
		return fmt.Errorf("wal manager already registered")
	}
	r.walMgr = m
	r.track("wal manager", closerOf(m.Close))
	return nil
}

// GetWAL returns the write-ahead log manager.
func (r *Registry) GetWAL() (*wal.Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.walMgr == nil {
		return nil, fmt.Errorf("wal manager not configured")
	}
	return r.walMgr, nil
}

// SetPITR registers the point-in-time recovery engine.
func (r *Registry) SetPITR(e *pitr.Engine) error {
	if e == nil {
		return fmt.Errorf("cannot register nil pitr engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pitrEngine != nil {
		return fmt.Errorf("pitr engine already registered")
	}
	r.pitrEngine = e
	return nil
}

// GetPITR returns the point-in-time recovery engine.
func (r *Registry) GetPITR() (*pitr.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pitrEngine == nil {
		return nil, fmt.Errorf("pitr engine not configured")
	}
	return r.pitrEngine, nil
}

// ============================================================================
// Coordination
// ============================================================================

// SetFleet registers the fleet coordinator. Closing it releases this
// worker's claims and locks, so it stops after the scheduler drains.
func (r *Registry) SetFleet(c *fleet.Coordinator) error {
	if c == nil {
		return fmt.Errorf("cannot register nil fleet coordinator")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coord != nil {
		return fmt.Errorf("fleet coordinator already registered")
	}
	r.coord = c
	r.track("fleet coordinator", closerOf(c.Close))
	return nil
}

// GetFleet returns the fleet coordinator, or nil without error when
// the deployment runs a single worker without one.
func (r *Registry) GetFleet() *fleet.Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coord
}

// SetBreakers registers the collaborator circuit breakers.
func (r *Registry) SetBreakers(b *resilience.BreakerSet) error {
	if b == nil {
		return fmt.Errorf("cannot register nil breaker set")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breakers != nil {
		return fmt.Errorf("breaker set already registered")
	}
	r.breakers = b
	return nil
}

// GetBreakers returns the collaborator circuit breakers.
func (r *Registry) GetBreakers() (*resilience.BreakerSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.breakers == nil {
		return nil, fmt.Errorf("breaker set not configured")
	}
	return r.breakers, nil
}

// ============================================================================
// Collaborators
// ============================================================================

// SetAI registers the script-generation provider.
func (r *Registry) SetAI(p ai.Provider) error {
	if p == nil {
		return fmt.Errorf("cannot register nil ai provider")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aiProvider != nil {
		return fmt.Errorf("ai provider already registered")
	}
	r.aiProvider = p
	return nil
}

// GetAI returns the script-generation provider.
func (r *Registry) GetAI() (ai.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.aiProvider == nil {
		return nil, fmt.Errorf("ai provider not configured")
	}
	return r.aiProvider, nil
}

// SetKernel registers the CAD kernel.
func (r *Registry) SetKernel(k kernel.Kernel) error {
	if k == nil {
		return fmt.Errorf("cannot register nil kernel")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cadKernel != nil {
		return fmt.Errorf("kernel already registered")
	}
	r.cadKernel = k
	return nil
}

// GetKernel returns the CAD kernel.
func (r *Registry) GetKernel() (kernel.Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cadKernel == nil {
		return nil, fmt.Errorf("kernel not configured")
	}
	return r.cadKernel, nil
}

// SetSolver registers the FEM solver.
func (r *Registry) SetSolver(s solver.Solver) error {
	if s == nil {
		return fmt.Errorf("cannot register nil solver")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.femSolver != nil {
		return fmt.Errorf("solver already registered")
	}
	r.femSolver = s
	return nil
}

// GetSolver returns the FEM solver.
func (r *Registry) GetSolver() (solver.Solver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.femSolver == nil {
		return nil, fmt.Errorf("solver not configured")
	}
	return r.femSolver, nil
}

// SetGuard registers the script security guard.
func (r *Registry) SetGuard(g *scriptguard.Guard) error {
	if g == nil {
		return fmt.Errorf("cannot register nil script guard")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.guard != nil {
		return fmt.Errorf("script guard already registered")
	}
	r.guard = g
	return nil
}

// GetGuard returns the script security guard.
func (r *Registry) GetGuard() (*scriptguard.Guard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.guard == nil {
		return nil, fmt.Errorf("script guard not configured")
	}
	return r.guard, nil
}

// ============================================================================
// Services
// ============================================================================

// SetRecovery registers the model recovery service.
func (r *Registry) SetRecovery(s *modelrecovery.Service) error {
	if s == nil {
		return fmt.Errorf("cannot register nil recovery service")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recovery != nil {
		return fmt.Errorf("recovery service already registered")
	}
	r.recovery = s
	return nil
}

// GetRecovery returns the model recovery service.
func (r *Registry) GetRecovery() (*modelrecovery.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.recovery == nil {
		return nil, fmt.Errorf("recovery service not configured")
	}
	return r.recovery, nil
}

// SetScheduler registers the job scheduler. The scheduler stops first
// during shutdown so no flow is mid-flight when its stores close.
func (r *Registry) SetScheduler(s *jobs.Scheduler) error {
	if s == nil {
		return fmt.Errorf("cannot register nil scheduler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return fmt.Errorf("scheduler already registered")
	}
	r.scheduler = s
	r.track("scheduler", func(timeout time.Duration) error {
		s.Stop(timeout)
		return nil
	})
	return nil
}

// GetScheduler returns the job scheduler.
func (r *Registry) GetScheduler() (*jobs.Scheduler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.scheduler == nil {
		return nil, fmt.Errorf("scheduler not configured")
	}
	return r.scheduler, nil
}

// SetHealthMonitor registers the health monitor.
func (r *Registry) SetHealthMonitor(m *health.Monitor) error {
	if m == nil {
		return fmt.Errorf("cannot register nil health monitor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.monitor != nil {
		return fmt.Errorf("health monitor already registered")
	}
	r.monitor = m
	r.track("health monitor", m.Stop)
	return nil
}

// GetHealthMonitor returns the health monitor.
func (r *Registry) GetHealthMonitor() (*health.Monitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.monitor == nil {
		return nil, fmt.Errorf("health monitor not configured")
	}
	return r.monitor, nil
}

// SetOrchestrator registers the disaster recovery orchestrator.
func (r *Registry) SetOrchestrator(o *disaster.Orchestrator) error {
	if o == nil {
		return fmt.Errorf("cannot register nil disaster orchestrator")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dr != nil {
		return fmt.Errorf("disaster orchestrator already registered")
	}
	r.dr = o
	r.track("disaster orchestrator", closerOf(o.Close))
	return nil
}

// GetOrchestrator returns the disaster recovery orchestrator.
func (r *Registry) GetOrchestrator() (*disaster.Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.dr == nil {
		return nil, fmt.Errorf("disaster orchestrator not configured")
	}
	return r.dr, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// OnClose adds an arbitrary cleanup step to the shutdown plan, in
// registration order with the components. Telemetry exporters and
// profilers register here.
func (r *Registry) OnClose(name string, fn func() error) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(name, closerOf(fn))
}

// Components returns the names in the shutdown plan, registration
// order. Intended for startup logging.
func (r *Registry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for _, c := range r.components {
		names = append(names, c.name)
	}
	return names
}

// Close stops every tracked component in reverse registration order,
// giving each up to timeout. All components are attempted even when
// one fails; the first failure is returned. Calling Close again is a
// no-op.
func (r *Registry) Close(timeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	components := make([]component, len(r.components))
	copy(components, r.components)
	r.mu.Unlock()

	var firstErr error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		logger.Debug("Stopping component", "component", c.name)
		if err := c.stop(timeout); err != nil {
			logger.Error("Component shutdown failed", "component", c.name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("stopping %s: %w", c.name, err)
			}
			continue
		}
		logger.Debug("Component stopped", "component", c.name)
	}
	return firstErr
}
