// Package lifecycle ages snapshot data through the storage tiers and
// retires snapshots their retention policies no longer protect.
//
// A sweep runs in two phases, transitions strictly before deletions.
// Transitions walk the configured rule list in order and move each
// snapshot at most one tier per sweep; deletions evaluate every
// policy-covered snapshot against its policy kind. Corrupt snapshots are
// never deleted by a sweep: corruption needs an operator, not a janitor.
// Sweeps are idempotent and safe to interrupt; an aborted sweep's
// remaining work is picked up by the next one.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/repo"
)

// TransitionRule moves snapshots between tiers once they are old enough.
type TransitionRule struct {
	From objstore.Tier
	To   objstore.Tier

	// AfterDays is the snapshot age threshold.
	AfterDays int

	// Predicate optionally narrows the rule; nil matches every
	// snapshot in the From tier.
	Predicate func(*repo.Snapshot) bool

	Enabled bool
}

// DefaultRules returns the standard aging ladder: hot for a week, warm
// for a month, cold for a quarter, then glacier.
func DefaultRules() []TransitionRule {
	return []TransitionRule{
		{From: objstore.TierHot, To: objstore.TierWarm, AfterDays: 7, Enabled: true},
		{From: objstore.TierWarm, To: objstore.TierCold, AfterDays: 30, Enabled: true},
		{From: objstore.TierCold, To: objstore.TierGlacier, AfterDays: 90, Enabled: true},
	}
}

// SnapshotDeleter removes a snapshot and releases its chunk references.
// Implemented by the backup engine.
type SnapshotDeleter interface {
	Delete(ctx context.Context, snapshotID string) error
}

// Config parametrizes the manager.
type Config struct {
	// SweepInterval is the period between automatic sweeps.
	// Default: 1h.
	SweepInterval time.Duration

	// Rules is the ordered transition rule list. Nil selects
	// DefaultRules.
	Rules []TransitionRule
}

// Manager owns tier transitions and retention enforcement.
type Manager struct {
	rules    []TransitionRule
	interval time.Duration

	deleter SnapshotDeleter
	objects objstore.Store
	meta    repo.Store

	// sweepMu serializes sweeps; a timer tick during a long manual
	// Apply waits instead of interleaving.
	sweepMu sync.Mutex

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewManager creates a lifecycle manager over the given stores.
func NewManager(cfg Config, deleter SnapshotDeleter, objects objstore.Store, meta repo.Store) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	return &Manager{
		rules:     cfg.Rules,
		interval:  cfg.SweepInterval,
		deleter:   deleter,
		objects:   objects,
		meta:      meta,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the periodic sweep loop. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	logger.Info("Starting lifecycle sweeper", "interval", m.interval.String(), "rules", len(m.rules))
	go m.loop(ctx)
}

// Stop halts the sweep loop, waiting up to timeout for an in-flight
// sweep to finish.
func (m *Manager) Stop(timeout time.Duration) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	close(m.stopCh)
	select {
	case <-m.stoppedCh:
		logger.Info("Lifecycle sweeper stopped")
	case <-time.After(timeout):
		logger.Warn("Lifecycle sweeper stop timed out")
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(context.Background(), m.interval)
			if _, err := m.Apply(sweepCtx); err != nil {
				logger.Error("Lifecycle sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	// Transitions is the number of snapshots moved one tier.
	Transitions int `json:"transitions"`

	// Deletions is the number of snapshots expired and removed.
	Deletions int `json:"deletions"`

	// SkippedCorrupt counts snapshots whose policy declared expiration
	// but whose corrupt status shielded them.
	SkippedCorrupt int `json:"skipped_corrupt"`

	// SkippedHeld counts snapshots kept alive by a legal hold.
	SkippedHeld int `json:"skipped_held"`

	// Errors counts per-snapshot failures; the sweep continues past
	// them and the next sweep retries.
	Errors int `json:"errors"`

	Duration time.Duration `json:"duration"`
}

// Apply runs one sweep: age-driven tier transitions first, then
// retention-driven deletions. Returns the partial result alongside the
// error when enumeration fails mid-sweep.
func (m *Manager) Apply(ctx context.Context) (*SweepResult, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	// A snapshot moves at most one tier per sweep; without this a
	// 100-day-old hot snapshot would cascade to glacier in one pass.
	moved := make(map[string]struct{})

	if err := m.applyTransitions(ctx, time.Now(), result, moved); err != nil {
		result.Duration = time.Since(start)
		return result, err
	}
	if err := m.applyRetention(ctx, time.Now(), result); err != nil {
		result.Duration = time.Since(start)
		return result, err
	}

	result.Duration = time.Since(start)
	logger.InfoCtx(ctx, "lifecycle sweep complete",
		"transitions", result.Transitions,
		"deletions", result.Deletions,
		"skipped_corrupt", result.SkippedCorrupt,
		"skipped_held", result.SkippedHeld,
		"errors", result.Errors,
		"duration_ms", logger.Duration(start))
	return result, nil
}

func (m *Manager) applyTransitions(ctx context.Context, now time.Time, result *SweepResult, moved map[string]struct{}) error {
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		cutoff := now.Add(-time.Duration(rule.AfterDays) * 24 * time.Hour)
		snaps, err := m.meta.ListSnapshotsInTier(ctx, string(rule.From), cutoff)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if _, ok := moved[snap.ID]; ok {
				continue
			}
			if snap.Status == repo.SnapshotStatusPending || snap.Status == repo.SnapshotStatusDeleted {
				continue
			}
			if rule.Predicate != nil && !rule.Predicate(snap) {
				continue
			}
			if err := m.moveSnapshot(ctx, snap, rule.From, rule.To); err != nil {
				logger.WarnCtx(ctx, "tier transition failed",
					"snapshot_id", snap.ID, "from", rule.From, "to", rule.To, "error", err)
				result.Errors++
				continue
			}
			moved[snap.ID] = struct{}{}
			result.Transitions++
		}
	}
	return nil
}

// moveSnapshot relocates the envelope object and updates the descriptor.
// A missing source object whose bytes already sit in the destination
// tier means an earlier sweep was interrupted between the move and the
// metadata update; the metadata update is simply finished.
func (m *Manager) moveSnapshot(ctx context.Context, snap *repo.Snapshot, from, to objstore.Tier) error {
	err := m.objects.MoveTier(ctx, snap.StorageKey, from, to)
	if errors.Is(err, objstore.ErrNotFound) {
		info, herr := m.objects.Head(ctx, snap.StorageKey)
		if herr != nil || info.Tier != to {
			return err
		}
	} else if err != nil {
		return err
	}

	if err := m.meta.UpdateSnapshotTier(ctx, snap.ID, string(to)); err != nil {
		return err
	}
	logger.DebugCtx(ctx, "snapshot transitioned",
		"snapshot_id", snap.ID, "from", from, "to", to)
	return nil
}

func (m *Manager) applyRetention(ctx context.Context, now time.Time, result *SweepResult) error {
	snaps, err := m.meta.ListSnapshots(ctx, "")
	if err != nil {
		return err
	}

	// Group by policy; snapshots without a policy never expire.
	byPolicy := make(map[string][]*repo.Snapshot)
	for _, snap := range snaps {
		if snap.PolicyID == nil {
			continue
		}
		byPolicy[*snap.PolicyID] = append(byPolicy[*snap.PolicyID], snap)
	}

	for policyID, covered := range byPolicy {
		policy, err := m.meta.GetPolicy(ctx, policyID)
		if errors.Is(err, repo.ErrPolicyNotFound) {
			// A deleted policy stops protecting and stops expiring.
			continue
		}
		if err != nil {
			return err
		}
		if !policy.Active {
			continue
		}

		expired := expiredUnder(policy, covered, now, result)
		for _, snap := range expired {
			if snap.Status == repo.SnapshotStatusCorrupt {
				result.SkippedCorrupt++
				continue
			}
			if snap.Status != repo.SnapshotStatusCompleted {
				continue
			}
			if err := m.deleter.Delete(ctx, snap.ID); err != nil {
				logger.WarnCtx(ctx, "retention deletion failed",
					"snapshot_id", snap.ID, "policy", policy.Name, "error", err)
				result.Errors++
				continue
			}
			logger.InfoCtx(ctx, "snapshot expired",
				"snapshot_id", snap.ID, "source_id", snap.SourceID,
				"policy", policy.Name, "kind", policy.Kind)
			result.Deletions++
		}
	}
	return nil
}
