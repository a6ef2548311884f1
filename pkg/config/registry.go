package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
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
	"github.com/forgevault/forgevault/pkg/jobs/flows"
	"github.com/forgevault/forgevault/pkg/jobs/scriptguard"
	"github.com/forgevault/forgevault/pkg/lifecycle"
	"github.com/forgevault/forgevault/pkg/metrics"
	"github.com/forgevault/forgevault/pkg/modelrecovery"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/pitr"
	"github.com/forgevault/forgevault/pkg/registry"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
	"github.com/forgevault/forgevault/pkg/wal"
)

// InitializeRegistry creates a fully configured Registry from the provided
// configuration.
//
// This function orchestrates the complete initialization process:
//  1. Opens the metadata repository, object store, and chunk store
//  2. Builds the backup engine, lifecycle manager, WAL, and PITR engine
//  3. Connects the fleet coordinator and circuit breakers
//  4. Wires the collaborators (AI provider, CAD kernel, FEM solver)
//  5. Assembles model recovery, the flow set, and the job scheduler
//  6. Registers health checks and the disaster-recovery orchestrator
//
// Nothing is started here: the daemon starts the scheduler, lifecycle
// sweep, and health monitor after registration so a wiring failure never
// leaves stray background loops. On error the partially built registry is
// closed before returning.
//
// Parameters:
//   - ctx: Context for store connection and bucket provisioning
//   - cfg: Complete configuration loaded from config file
//   - obs: Collectors from InitializeMetrics (zero value disables observation)
//
// Returns:
//   - *registry.Registry: Fully initialized registry
//   - error: If any component fails to construct or connect
func InitializeRegistry(ctx context.Context, cfg *Config, obs MetricsResult) (*registry.Registry, error) {
	logger.Debug("Initializing registry from configuration")

	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}

	reg := registry.New()
	ok := false
	defer func() {
		if !ok {
			_ = reg.Close(5 * time.Second)
		}
	}()

	// Step 1: storage. The repository is registered first so it closes
	// last; every later component writes through it.
	repoStore, err := CreateRepoStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := reg.SetRepo(repoStore); err != nil {
		return nil, err
	}

	objects, err := CreateObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		return nil, fmt.Errorf("failed to provision tier buckets: %w", err)
	}
	if err := reg.SetObjectStore(objects); err != nil {
		return nil, err
	}

	chunks, err := CreateChunkStore(cfg, objects)
	if err != nil {
		return nil, err
	}
	if err := reg.SetChunkStore(chunks); err != nil {
		return nil, err
	}

	// Step 2: fleet coordination and circuit breakers.
	coord, err := fleet.New(fleet.Config{
		RedisURL:     cfg.Fleet.RedisURL,
		MaxRetries:   cfg.Fleet.MaxRetries,
		RetryBackoff: cfg.Fleet.RetryBackoff,
		LockTimeout:  cfg.Fleet.LockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect fleet coordinator: %w", err)
	}
	if err := reg.SetFleet(coord); err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{})
	if err := reg.SetBreakers(breakers); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		metrics.NewBreakerCollector(metrics.GetRegistry(), breakers)
	}

	// Step 3: backup engine and tier lifecycle.
	engine, err := CreateBackupEngine(cfg, obs, chunks, objects, repoStore)
	if err != nil {
		return nil, err
	}
	if err := reg.SetBackupEngine(engine); err != nil {
		return nil, err
	}

	tiers := lifecycle.NewManager(lifecycle.Config{
		SweepInterval: cfg.Lifecycle.SweepInterval,
		Rules:         transitionRules(cfg.Lifecycle.Transitions),
	}, engine, objects, repoStore)
	if err := reg.SetLifecycle(tiers); err != nil {
		return nil, err
	}

	// Step 4: WAL, live state, and point-in-time recovery. The live
	// object state doubles as the automatic-checkpoint state provider.
	state := pitr.NewMemoryState()
	walMgr, err := CreateWAL(cfg, obs, state, objects)
	if err != nil {
		return nil, err
	}
	if err := reg.SetWAL(walMgr); err != nil {
		return nil, err
	}

	pitrEngine := pitr.NewEngine(pitr.Config{}, walMgr, state, coord)
	if err := reg.SetPITR(pitrEngine); err != nil {
		return nil, err
	}

	// Step 5: collaborators and the script guard.
	provider, err := createAIProvider(cfg, breakers)
	if err != nil {
		return nil, err
	}
	if err := reg.SetAI(provider); err != nil {
		return nil, err
	}

	cadKernel := kernel.NewFake()
	if err := reg.SetKernel(cadKernel); err != nil {
		return nil, err
	}

	femSolver := createSolver(cfg)
	if err := reg.SetSolver(femSolver); err != nil {
		return nil, err
	}

	guard := scriptguard.New(scriptguard.Defaults())
	if err := reg.SetGuard(guard); err != nil {
		return nil, err
	}

	// Step 6: model recovery, flows, and the scheduler.
	recovery, err := modelrecovery.NewService(modelrecovery.Config{}, cadKernel, engine, walMgr, repoStore)
	if err != nil {
		return nil, err
	}
	if err := reg.SetRecovery(recovery); err != nil {
		return nil, err
	}

	locker, err := flows.NewFleetLocker(coord, 0)
	if err != nil {
		return nil, err
	}
	if cfg.Security.AllowUnvalidatedScripts {
		logger.Warn("Script security validation is DISABLED; generated scripts run unchecked")
	}
	flowSet, err := flows.All(flows.Deps{
		Kernel:    cadKernel,
		AI:        provider,
		Solver:    femSolver,
		Guard:     guard,
		Backups:   engine,
		WAL:       walMgr,
		Objects:   objects,
		Locks:     locker,
		Recovery:  recovery,
		SkipGuard: cfg.Security.AllowUnvalidatedScripts,
	})
	if err != nil {
		return nil, err
	}

	workerID := cfg.Jobs.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}
	schedCfg := jobs.Config{
		WorkerID:          workerID,
		Queues:            cfg.Jobs.Queues,
		Workers:           cfg.Jobs.Workers,
		QueueDepth:        cfg.Jobs.QueueCapacity,
		DefaultTimeout:    cfg.Jobs.DefaultTimeout,
		DefaultMaxRetries: cfg.Jobs.MaxRetries,
		SweepInterval:     cfg.Jobs.SweepInterval,
		StaleCancelAfter:  cfg.Jobs.ForceCancelAfter,
	}
	if obs.Jobs != nil {
		schedCfg.OnTransition = obs.Jobs.ObserveTransition
	}
	scheduler, err := jobs.NewScheduler(schedCfg, repoStore, coord, flowSet...)
	if err != nil {
		return nil, err
	}
	if err := reg.SetScheduler(scheduler); err != nil {
		return nil, err
	}

	// Step 7: health monitoring and disaster recovery.
	monitor := health.NewMonitor(health.Config{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	})
	if cfg.Security.SkipHealthChecks {
		logger.Warn("Dependency health checks are DISABLED")
	} else {
		registerHealthChecks(monitor, repoStore, objects, chunks, coord)
	}
	if err := reg.SetHealthMonitor(monitor); err != nil {
		return nil, err
	}

	plans := disaster.NewRegistry(cfg.Disaster.PlanDir)
	if cfg.Disaster.PlanDir != "" {
		if err := plans.LoadDir(); err != nil {
			return nil, fmt.Errorf("failed to load recovery plans: %w", err)
		}
		if cfg.Disaster.WatchPlans {
			if err := plans.Watch(); err != nil {
				return nil, fmt.Errorf("failed to watch recovery plans: %w", err)
			}
		}
	}

	orchestrator, err := disaster.NewOrchestrator(disaster.Config{
		WorkerID:          workerID,
		AutoFailover:      cfg.Disaster.AutoFailover,
		AutoFailoverDelay: cfg.Disaster.FailoverDelay,
		AllowScripts:      cfg.Disaster.AllowScripts,
	}, disaster.Deps{
		Store:     repoStore,
		Plans:     plans,
		Monitor:   monitor,
		Fleet:     coord,
		Recoverer: recovery,
		Notifiers: createNotifiers(cfg, obs),
		Loss:      checkpointAgeLoss(walMgr),
	})
	if err != nil {
		return nil, err
	}
	reg.OnClose("recovery plans", plans.Close)
	if err := reg.SetOrchestrator(orchestrator); err != nil {
		return nil, err
	}

	logger.Info("Registry initialized", "components", reg.Components(), "worker_id", workerID)
	ok = true
	return reg, nil
}

// CreateBackupEngine maps the backup section onto the engine config,
// resolving key material from the customer key or the process secret.
// Exposed for the operator CLI, which opens stores without assembling
// the full registry.
func CreateBackupEngine(cfg *Config, obs MetricsResult, chunks chunkstore.Store, objects objstore.Store, meta repo.Store) (*backup.Engine, error) {
	bcfg := backup.Defaults()
	bcfg.Chunker = chunkerConfig(cfg.Chunker)
	if cfg.Backup.DedupEnabled != nil {
		bcfg.Dedup = *cfg.Backup.DedupEnabled
	}
	if cfg.Backup.Compression != "" {
		bcfg.Compression = backup.Algorithm(cfg.Backup.Compression)
	}
	if cfg.Backup.MaxChainLength > 0 {
		bcfg.MaxChainLength = cfg.Backup.MaxChainLength
	}
	if cfg.Backup.FullEvery > 0 {
		bcfg.FullEvery = cfg.Backup.FullEvery
	}
	bcfg.VerifyAfterWrite = cfg.Backup.VerifyAfterWrite
	if obs.Backups != nil {
		bcfg.Observer = obs.Backups
	}

	if cfg.Security.DisableEncryption {
		logger.Warn("Backup encryption is DISABLED; snapshots are stored in the clear")
		bcfg.Encryption = backup.EncryptionNone
	} else {
		method, err := backup.ParseMethod(cfg.Backup.Encryption)
		if err != nil {
			return nil, fmt.Errorf("invalid backup encryption: %w", err)
		}
		bcfg.Encryption = method
		if method != backup.EncryptionNone {
			key, err := resolveKey(cfg.Backup.EncryptionKey, cfg.Security.SecretKey)
			if err != nil {
				return nil, err
			}
			bcfg.Key = key
		}
	}

	engine, err := backup.NewEngine(bcfg, chunks, objects, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup engine: %w", err)
	}
	return engine, nil
}

// CreateWAL maps the wal section onto the manager config, keeping the
// package defaults for anything unset. The given state serves as the
// automatic-checkpoint state provider.
func CreateWAL(cfg *Config, obs MetricsResult, state *pitr.MemoryState, objects objstore.Store) (*wal.Manager, error) {
	walCfg := wal.DefaultConfig(cfg.WAL.Dir)
	if cfg.WAL.SegmentMaxSize > 0 {
		walCfg.SegmentMaxSize = int64(cfg.WAL.SegmentMaxSize)
	}
	if cfg.WAL.CompressRotated != nil {
		walCfg.CompressRotated = *cfg.WAL.CompressRotated
	}
	if cfg.WAL.Retention > 0 {
		walCfg.Retention = cfg.WAL.Retention
	}
	if cfg.WAL.RingCapacity > 0 {
		walCfg.RingCapacity = cfg.WAL.RingCapacity
	}
	if cfg.WAL.CheckpointDir != "" {
		walCfg.CheckpointDir = cfg.WAL.CheckpointDir
	}
	if cfg.WAL.MaxCheckpoints > 0 {
		walCfg.MaxCheckpoints = cfg.WAL.MaxCheckpoints
	}
	if cfg.WAL.CheckpointInterval > 0 {
		walCfg.CheckpointInterval = cfg.WAL.CheckpointInterval
	}
	walCfg.StateProvider = func(context.Context) (any, error) {
		return state.Objects(), nil
	}
	if obs.WAL != nil {
		walCfg.Observer = obs.WAL
	}

	walMgr, err := wal.NewManager(walCfg, objects)
	if err != nil {
		return nil, fmt.Errorf("failed to open write-ahead log: %w", err)
	}
	return walMgr, nil
}

// resolveKey decodes customer-managed key material, or derives a key
// from the process secret when none is configured. Both base64
// alphabets are accepted since Fernet keys are URL-safe encoded.
func resolveKey(encoded, secret string) ([]byte, error) {
	if encoded == "" {
		return backup.DeriveKey(secret), nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("backup encryption_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("backup encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// transitionRules maps configured transition rules onto the lifecycle
// package's rule type. An empty config selects the package defaults.
func transitionRules(rules []TransitionRuleConfig) []lifecycle.TransitionRule {
	if len(rules) == 0 {
		return nil
	}
	out := make([]lifecycle.TransitionRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, lifecycle.TransitionRule{
			From:      objstore.Tier(r.From),
			To:        objstore.Tier(r.To),
			AfterDays: r.AfterDays,
			Enabled:   r.Enabled,
		})
	}
	return out
}

// createAIProvider selects the script-generation adapter.
func createAIProvider(cfg *Config, breakers *resilience.BreakerSet) (ai.Provider, error) {
	switch cfg.AI.Provider {
	case "fake":
		return ai.NewFake(), nil
	case "anthropic", "":
		provider, err := ai.NewAnthropic(ai.AnthropicConfig{
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout,
		}, breakers.AI)
		if err != nil {
			return nil, fmt.Errorf("failed to create AI provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown ai provider: %q", cfg.AI.Provider)
	}
}

// createSolver selects the FEM solver. The literal path "fake" wires
// the in-process fake for development and tests.
func createSolver(cfg *Config) solver.Solver {
	if cfg.Solver.BinaryPath == "fake" {
		return solver.NewFake()
	}
	return solver.NewLocal(solver.LocalConfig{
		BinaryPath: cfg.Solver.BinaryPath,
		Timeout:    cfg.Solver.Timeout,
	})
}

// registerHealthChecks probes every store the daemon depends on. The
// database and object storage are critical: losing either makes the
// whole worker unhealthy.
func registerHealthChecks(monitor *health.Monitor, repoStore repo.Store, objects objstore.Store, chunks chunkstore.Store, coord *fleet.Coordinator) {
	checks := []health.Check{
		{
			ID:        "database",
			Component: "metadata-database",
			Kind:      health.KindCustom,
			Critical:  true,
			Probe:     repoStore.Healthcheck,
		},
		{
			ID:        "object-storage",
			Component: "object-storage",
			Kind:      health.KindCustom,
			Critical:  true,
			Probe:     objects.Healthcheck,
		},
		{
			ID:        "chunk-index",
			Component: "chunk-store",
			Kind:      health.KindCustom,
			Probe:     chunks.Healthcheck,
		},
		{
			ID:        "fleet-redis",
			Component: "fleet-state",
			Kind:      health.KindCustom,
			Probe:     coord.Ping,
		},
	}
	for _, check := range checks {
		if err := monitor.Register(check); err != nil {
			logger.Warn("Failed to register health check", "check", check.ID, "error", err)
		}
	}
}

// createNotifiers assembles the disaster notification fan-out from
// configuration: webhook, Slack, and the metrics counter.
func createNotifiers(cfg *Config, obs MetricsResult) []disaster.Notifier {
	var notifiers []disaster.Notifier
	if cfg.Disaster.WebhookURL != "" {
		notifiers = append(notifiers, disaster.NewWebhookNotifier("webhook", cfg.Disaster.WebhookURL))
	}
	if cfg.Disaster.SlackWebhookURL != "" {
		notifiers = append(notifiers, disaster.NewSlackNotifier(cfg.Disaster.SlackWebhookURL, cfg.Disaster.SlackChannel))
	}
	if obs.Alerts != nil {
		notifiers = append(notifiers, obs.Alerts)
	}
	return notifiers
}

// checkpointAgeLoss estimates data loss for a recovered event as the
// age of the newest checkpoint in minutes: everything after it would
// need WAL replay, everything before it is safe.
func checkpointAgeLoss(walMgr *wal.Manager) disaster.LossEstimator {
	return func(ctx context.Context, _ *repo.DisasterEvent) float64 {
		ckpt, err := walMgr.LatestCheckpoint(ctx)
		if err != nil || ckpt == nil {
			return 0
		}
		age := time.Since(ckpt.Timestamp)
		if age < 0 {
			return 0
		}
		return age.Minutes()
	}
}

// defaultWorkerID derives a stable-enough worker identity from the
// host and process.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
