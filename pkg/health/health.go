// Package health runs named probes on a schedule and tracks per-check
// status with hysteresis: a check needs consecutive successes to be
// healthy and consecutive failures to be unhealthy, with a degraded
// band in between.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
)

var (
	// ErrUnknownCheck is returned for operations on an unregistered id.
	ErrUnknownCheck = errors.New("health check not registered")

	// ErrDuplicateCheck is returned when registering an id twice.
	ErrDuplicateCheck = errors.New("health check already registered")
)

// Status is a check's (or the system's) health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Kind selects the probe mechanism.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindTCP    Kind = "tcp"
	KindCustom Kind = "custom"
)

// Probe is a custom check's callable. A nil error is a pass.
type Probe func(ctx context.Context) error

// Check describes one registered probe.
type Check struct {
	// ID uniquely names the check.
	ID string

	// Component is the subsystem the check covers, used for disaster
	// impact assessment.
	Component string

	Kind Kind

	// Endpoint is the probe target: a URL for http checks, host:port
	// for tcp checks (port defaults to 80, IPv6 literals in brackets).
	Endpoint string

	// ExpectStatus is the exact status an http probe must return.
	// Default: 200.
	ExpectStatus int

	// Interval overrides the monitor's loop period for this check; the
	// check is probed on loop ticks at least this far apart. Zero
	// probes on every tick.
	Interval time.Duration

	// Timeout bounds one probe. Zero uses the monitor default.
	Timeout time.Duration

	// Critical marks checks whose failure makes the whole system
	// unhealthy.
	Critical bool

	// Probe backs custom checks.
	Probe Probe
}

// Snapshot is the externally visible state of one check.
type Snapshot struct {
	ID                   string    `json:"id"`
	Component            string    `json:"component"`
	Kind                 Kind      `json:"kind"`
	Critical             bool      `json:"critical"`
	Status               Status    `json:"status"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastChecked          time.Time `json:"last_checked"`
	LastError            string    `json:"last_error,omitempty"`
}

// Config parametrizes the monitor.
type Config struct {
	// Interval is the probe loop period. Default: 30s.
	Interval time.Duration

	// Timeout bounds each probe unless the check overrides it.
	// Default: 10s.
	Timeout time.Duration

	// HealthyThreshold is the consecutive successes needed to become
	// healthy. Default: 2.
	HealthyThreshold int

	// UnhealthyThreshold is the consecutive failures needed to become
	// unhealthy. Default: 3.
	UnhealthyThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = 2
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	return c
}

// checkState pairs a check with its runtime counters. The monitor
// mutex guards all fields.
type checkState struct {
	check       Check
	status      Status
	failures    int
	successes   int
	lastChecked time.Time
	lastError   string
}

// Monitor owns the registered checks and the probe loop.
type Monitor struct {
	cfg        Config
	httpClient *http.Client

	mu     sync.Mutex
	checks map[string]*checkState

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	stoppedCh   chan struct{}
}

// NewMonitor creates a monitor with no checks registered.
func NewMonitor(cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		checks:     make(map[string]*checkState),
	}
}

// Register adds a check in status unknown.
func (m *Monitor) Register(check Check) error {
	if check.ID == "" {
		return errors.New("health check id is required")
	}
	switch check.Kind {
	case KindHTTP, KindTCP:
		if check.Endpoint == "" {
			return fmt.Errorf("health check %s: endpoint is required for %s checks", check.ID, check.Kind)
		}
	case KindCustom:
		if check.Probe == nil {
			return fmt.Errorf("health check %s: custom checks need a probe", check.ID)
		}
	default:
		return fmt.Errorf("health check %s: unknown kind %q", check.ID, check.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[check.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, check.ID)
	}
	m.checks[check.ID] = &checkState{check: check, status: StatusUnknown}
	return nil
}

// Deregister removes a check. Removing an unknown id is a no-op.
func (m *Monitor) Deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, id)
}

// Start launches the probe loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	go m.loop(m.stopCh, m.stoppedCh)
	logger.Info("Health monitor started", "interval", m.cfg.Interval)
}

// Stop halts the probe loop, waiting up to timeout for the current
// sweep to finish. Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	select {
	case <-m.stoppedCh:
		m.started = false
		logger.Info("Health monitor stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("health monitor did not stop within %s", timeout)
	}
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// First sweep runs immediately so status is known before the first
	// full interval elapses.
	m.sweep(context.Background())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// sweep probes every due check concurrently.
func (m *Monitor) sweep(ctx context.Context) {
	m.mu.Lock()
	now := time.Now()
	due := make([]string, 0, len(m.checks))
	for id, st := range m.checks {
		if st.check.Interval > 0 && !st.lastChecked.IsZero() &&
			now.Sub(st.lastChecked) < st.check.Interval {
			continue
		}
		due = append(due, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range due {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.RunCheck(ctx, id); err != nil && !errors.Is(err, ErrUnknownCheck) {
				logger.Debug("Health probe failed", "check", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// RunCheck probes one check now, updates its state, and returns the
// resulting status. The returned error is the probe's failure, if any;
// a failed probe still returns the (possibly degraded) status.
func (m *Monitor) RunCheck(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	st, ok := m.checks[id]
	if !ok {
		m.mu.Unlock()
		return StatusUnknown, fmt.Errorf("%w: %s", ErrUnknownCheck, id)
	}
	check := st.check
	m.mu.Unlock()

	timeout := check.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	probeErr := m.probe(probeCtx, check)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	// The check may have been deregistered while probing.
	st, ok = m.checks[id]
	if !ok {
		return StatusUnknown, fmt.Errorf("%w: %s", ErrUnknownCheck, id)
	}
	st.lastChecked = time.Now()
	if probeErr == nil {
		st.successes++
		st.failures = 0
		st.lastError = ""
		if st.successes >= m.cfg.HealthyThreshold {
			st.status = StatusHealthy
		}
	} else {
		st.failures++
		st.successes = 0
		st.lastError = probeErr.Error()
		if st.failures >= m.cfg.UnhealthyThreshold {
			st.status = StatusUnhealthy
		} else {
			st.status = StatusDegraded
		}
	}
	return st.status, probeErr
}

// CheckStatus returns one check's snapshot.
func (m *Monitor) CheckStatus(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.checks[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownCheck, id)
	}
	return st.snapshot(), nil
}

// Snapshots returns every check's state, unordered.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.checks))
	for _, st := range m.checks {
		out = append(out, st.snapshot())
	}
	return out
}

// Overall aggregates check states: unhealthy when any critical check
// is unhealthy, healthy only when every check is healthy, degraded
// otherwise. A monitor with no checks is healthy.
func (m *Monitor) Overall() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	allHealthy := true
	for _, st := range m.checks {
		if st.check.Critical && st.status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if st.status != StatusHealthy {
			allHealthy = false
		}
	}
	if allHealthy {
		return StatusHealthy
	}
	return StatusDegraded
}

func (s *checkState) snapshot() Snapshot {
	return Snapshot{
		ID:                   s.check.ID,
		Component:            s.check.Component,
		Kind:                 s.check.Kind,
		Critical:             s.check.Critical,
		Status:               s.status,
		ConsecutiveFailures:  s.failures,
		ConsecutiveSuccesses: s.successes,
		LastChecked:          s.lastChecked,
		LastError:            s.lastError,
	}
}
