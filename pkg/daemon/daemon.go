// Package daemon runs the assembled ForgeVault worker process: it
// starts the background components in order, announces the worker to
// the fleet with periodic heartbeats, and blocks until shutdown.
package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/health"
	"github.com/forgevault/forgevault/pkg/metrics"
	"github.com/forgevault/forgevault/pkg/registry"
)

// Fleet-state layout of the worker registry.
const (
	fleetScope      = "fleet"
	fleetKindWorker = "worker"
)

// Config parametrizes the daemon loop.
type Config struct {
	// WorkerID identifies this process in the fleet worker registry.
	WorkerID string

	// Queues this worker consumes, recorded in the heartbeat so
	// operators can see coverage.
	Queues []string

	// HeartbeatInterval is the cadence of fleet heartbeats. The
	// heartbeat TTL is three intervals, so a worker disappears from
	// the registry shortly after it stops beating. Default: 15s.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Heartbeat is the worker registry entry refreshed on every beat.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Status    string    `json:"status"`
	Queues    []string  `json:"queues,omitempty"`
	StartedAt time.Time `json:"started_at"`
	At        time.Time `json:"at"`
}

// Daemon drives the background components of one worker process.
type Daemon struct {
	reg     *registry.Registry
	cfg     Config
	metrics *metrics.Server
	started time.Time
	ready   atomic.Bool
}

// New creates a daemon over a fully initialized registry.
func New(reg *registry.Registry, cfg Config) *Daemon {
	return &Daemon{reg: reg, cfg: cfg.withDefaults()}
}

// SetMetricsServer attaches the metrics/health listener. Optional.
func (d *Daemon) SetMetricsServer(s *metrics.Server) {
	d.metrics = s
}

// Ready reports whether the background components are started. It is
// safe to call from the readiness probe while Serve runs.
func (d *Daemon) Ready() error {
	if !d.ready.Load() {
		return errors.New("worker not started")
	}
	return nil
}

// Serve starts the background components and blocks until ctx is
// cancelled. Component shutdown is the registry's job: the caller
// closes the registry after Serve returns. Serve itself stops only
// what it started here, the metrics listener and the heartbeat loop.
func (d *Daemon) Serve(ctx context.Context) error {
	d.started = time.Now().UTC()

	monitor, err := d.reg.GetHealthMonitor()
	if err != nil {
		return err
	}
	scheduler, err := d.reg.GetScheduler()
	if err != nil {
		return err
	}
	tiers, err := d.reg.GetLifecycle()
	if err != nil {
		return err
	}
	walMgr, err := d.reg.GetWAL()
	if err != nil {
		return err
	}

	monitor.Start()
	tiers.Start(ctx)
	scheduler.Start(ctx)

	// Holding a WAL subscription keeps the automatic checkpoint loop
	// running for the life of the process.
	walMgr.Subscribe()
	defer walMgr.Unsubscribe()

	if d.metrics != nil {
		if err := d.metrics.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.metrics.Stop(stopCtx)
		}()
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		d.heartbeatLoop(ctx, monitor)
	}()

	d.ready.Store(true)
	defer d.ready.Store(false)

	logger.Info("Worker running",
		"worker_id", d.cfg.WorkerID,
		"queues", d.cfg.Queues,
		"heartbeat_interval", d.cfg.HeartbeatInterval)

	<-ctx.Done()
	<-heartbeatDone
	return nil
}

// heartbeatLoop announces the worker to the fleet until ctx ends, then
// removes the registration so peers see a clean departure rather than
// a TTL expiry.
func (d *Daemon) heartbeatLoop(ctx context.Context, monitor *health.Monitor) {
	coord := d.reg.GetFleet()
	if coord == nil {
		return
	}

	d.beat(ctx, coord, monitor)
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := coord.Delete(cleanup, fleetScope, fleetKindWorker, d.cfg.WorkerID); err != nil {
				logger.Warn("Failed to deregister worker", "worker_id", d.cfg.WorkerID, "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			d.beat(ctx, coord, monitor)
		}
	}
}

func (d *Daemon) beat(ctx context.Context, coord *fleet.Coordinator, monitor *health.Monitor) {
	hb := Heartbeat{
		WorkerID:  d.cfg.WorkerID,
		Status:    string(monitor.Overall()),
		Queues:    d.cfg.Queues,
		StartedAt: d.started,
		At:        time.Now().UTC(),
	}
	ttl := 3 * d.cfg.HeartbeatInterval
	if err := coord.Put(ctx, fleetScope, fleetKindWorker, d.cfg.WorkerID, hb, ttl); err != nil && ctx.Err() == nil {
		logger.Warn("Heartbeat failed", "worker_id", d.cfg.WorkerID, "error", err)
	}
}
