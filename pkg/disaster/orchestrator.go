// Package disaster detects infrastructure disasters, assesses their
// blast radius from health-check state, and drives recovery plans to
// completion with notification and rollback support.
//
// Events persist through the repository; a detected event moves
// detecting, assessing, recovering, and ends completed, failed, or
// rolled-back. Recovery for one event is exclusive across the fleet.
package disaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/health"
	"github.com/forgevault/forgevault/pkg/repo"
)

// Disaster kinds.
const (
	KindHardware       = "hardware"
	KindNetwork        = "network"
	KindDataCorruption = "data-corruption"
	KindAttack         = "attack"
	KindNatural        = "natural"
	KindHumanError     = "human-error"
	KindSoftwareBug    = "software-bug"
)

var (
	// ErrRecoveryActive indicates a recovery is already running for the
	// event, here or on another worker.
	ErrRecoveryActive = errors.New("recovery already in progress for event")

	// ErrEventResolved indicates the event already reached a terminal
	// status.
	ErrEventResolved = errors.New("disaster event is already resolved")

	// ErrUnknownKind indicates an unrecognized disaster kind.
	ErrUnknownKind = errors.New("unknown disaster kind")
)

// DocumentRecoverer executes document-level recovery actions. The
// model recovery service implements it; plans reach it through the
// repair, rebuild, restore, and validate step actions.
type DocumentRecoverer interface {
	Repair(ctx context.Context, documentID string) error
	Rebuild(ctx context.Context, documentID string) error
	RestoreBackup(ctx context.Context, documentID string) error
	Validate(ctx context.Context, documentID string) error
}

// LossEstimator reports the estimated data loss in minutes for a
// recovered event. The daemon wires one backed by write-ahead log
// checkpoint age; a nil estimator reports zero loss.
type LossEstimator func(ctx context.Context, event *repo.DisasterEvent) float64

// Config parametrizes the orchestrator.
type Config struct {
	// WorkerID identifies this process in alerts and fleet keys.
	WorkerID string

	// AutoFailover starts recovery automatically after
	// AutoFailoverDelay when the matched plan allows it.
	AutoFailover      bool
	AutoFailoverDelay time.Duration

	// StepTimeout bounds one step attempt when the step does not set
	// its own. Default: 5m.
	StepTimeout time.Duration

	// StepRetryDelay separates step retry attempts. Default: 2s.
	StepRetryDelay time.Duration

	// ApprovalPoll is the manual-step approval polling period.
	// Default: 2s.
	ApprovalPoll time.Duration

	// AllowScripts enables real execution of script steps. When off,
	// script steps log and succeed.
	AllowScripts bool
}

func (c Config) withDefaults() Config {
	if c.AutoFailoverDelay <= 0 {
		c.AutoFailoverDelay = 30 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.StepRetryDelay <= 0 {
		c.StepRetryDelay = 2 * time.Second
	}
	if c.ApprovalPoll <= 0 {
		c.ApprovalPoll = 2 * time.Second
	}
	return c
}

// Deps carries the orchestrator's collaborators. Store and Plans are
// required; the rest degrade gracefully when nil: no monitor skips
// assessment and check steps fail, no fleet coordinator limits
// recovery exclusivity to this process and manual steps fail, no
// recoverer fails document recovery steps.
type Deps struct {
	Store     repo.Store
	Plans     *Registry
	Monitor   *health.Monitor
	Fleet     *fleet.Coordinator
	Recoverer DocumentRecoverer
	Notifiers []Notifier
	Loss      LossEstimator
}

// Orchestrator coordinates the disaster lifecycle.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	active map[string]struct{}

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	stopped     bool
	wg          sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("disaster orchestrator requires a store")
	}
	if deps.Plans == nil {
		deps.Plans = NewRegistry("")
	}
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		active: make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}, nil
}

// Close cancels pending auto-failovers and waits for background work.
func (o *Orchestrator) Close() error {
	o.lifecycleMu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.lifecycleMu.Unlock()
	o.wg.Wait()
	return nil
}

// ============================================================================
// DETECTION AND ASSESSMENT
// ============================================================================

// Detect records a disaster, notifies every channel, assesses the
// blast radius from health-check state, and matches a recovery plan.
// With auto-failover enabled and a plan that does not demand manual
// approval, recovery starts after the configured delay.
func (o *Orchestrator) Detect(ctx context.Context, kind, message string) (*repo.DisasterEvent, error) {
	if !validKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	event := &repo.DisasterEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		Severity:   defaultSeverity(kind),
		Status:     repo.EventStatusDetecting,
		Message:    message,
		DetectedAt: time.Now().UTC(),
	}
	if _, err := o.deps.Store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("recording disaster event: %w", err)
	}
	logger.WarnCtx(ctx, "Disaster detected",
		"event_id", event.ID,
		"kind", kind,
		"severity", event.Severity)

	o.notify(ctx, event, PhaseDetection, message)
	o.assess(event)
	event.RTOMinutes, event.RPOMinutes = objectivesFor(event.Severity)

	if plan, err := o.deps.Plans.Match(event.Kind, event.Severity); err == nil {
		event.PlanID = plan.ID
		if o.cfg.AutoFailover && !plan.ManualApproval {
			o.scheduleFailover(event.ID)
		}
	} else {
		logger.Warn("No recovery plan matches disaster",
			"event_id", event.ID,
			"kind", event.Kind,
			"severity", event.Severity)
	}

	if err := o.deps.Store.UpdateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persisting assessment: %w", err)
	}
	return event, nil
}

// assess collects impacted components from the health monitor and
// raises severity to critical when a critical component is down.
// Severity is only ever raised.
func (o *Orchestrator) assess(event *repo.DisasterEvent) {
	event.Status = repo.EventStatusAssessing
	if o.deps.Monitor == nil {
		return
	}

	components := make(map[string]struct{})
	probeErrors := make(map[string]string)
	criticalDown := false
	for _, snap := range o.deps.Monitor.Snapshots() {
		if snap.Status == health.StatusHealthy || snap.Status == health.StatusUnknown {
			continue
		}
		components[snap.Component] = struct{}{}
		if snap.LastError != "" {
			probeErrors[snap.ID] = snap.LastError
		}
		if snap.Critical && snap.Status == health.StatusUnhealthy {
			criticalDown = true
		}
	}

	if len(components) > 0 {
		impacted := make([]string, 0, len(components))
		for c := range components {
			impacted = append(impacted, c)
		}
		sort.Strings(impacted)
		if data, err := json.Marshal(impacted); err == nil {
			event.Components = string(data)
		}
	}
	if len(probeErrors) > 0 {
		mergeDetails(event, "probes", probeErrors)
	}
	if criticalDown && severityRank(event.Severity) < severityRank(repo.SeverityCritical) {
		logger.Warn("Raising disaster severity",
			"event_id", event.ID,
			"from", event.Severity,
			"to", repo.SeverityCritical)
		event.Severity = repo.SeverityCritical
	}
}

// scheduleFailover starts recovery for the event after the configured
// delay, unless the orchestrator closes first.
func (o *Orchestrator) scheduleFailover(eventID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(o.cfg.AutoFailoverDelay)
		defer timer.Stop()
		select {
		case <-o.stopCh:
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := o.InitiateRecovery(ctx, eventID, ""); err != nil &&
			!errors.Is(err, ErrRecoveryActive) && !errors.Is(err, ErrEventResolved) {
			logger.Error("Auto-failover failed", "event_id", eventID, "error", err)
		}
	}()
}

// ============================================================================
// RECOVERY
// ============================================================================

// InitiateRecovery runs the recovery plan for an event. planID
// overrides plan selection; empty falls back to the plan matched at
// assessment, then to a fresh kind and severity match. The call blocks
// until the plan finishes, rolls back, or fails.
func (o *Orchestrator) InitiateRecovery(ctx context.Context, eventID, planID string) (*repo.DisasterEvent, error) {
	o.mu.Lock()
	if _, running := o.active[eventID]; running {
		o.mu.Unlock()
		return nil, ErrRecoveryActive
	}
	o.active[eventID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, eventID)
		o.mu.Unlock()
	}()

	if o.deps.Fleet != nil {
		lock, err := o.deps.Fleet.AcquireLock(ctx, "dr-event-"+eventID, 30*time.Minute)
		if errors.Is(err, fleet.ErrLockHeld) {
			return nil, ErrRecoveryActive
		}
		if err != nil {
			return nil, fmt.Errorf("acquiring recovery lock: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if rerr := lock.Release(releaseCtx); rerr != nil {
				logger.Warn("Releasing recovery lock failed", "event_id", eventID, "error", rerr)
			}
		}()
	}

	event, err := o.deps.Store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if terminalEventStatus(event.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrEventResolved, eventID, event.Status)
	}

	plan, err := o.resolvePlan(event, planID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	recoveryID := uuid.NewString()
	event.Status = repo.EventStatusRecovering
	event.PlanID = plan.ID
	event.RecoveryID = &recoveryID
	event.RecoveryStartedAt = &now
	if err := o.deps.Store.UpdateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persisting recovery start: %w", err)
	}
	logger.InfoCtx(ctx, "Disaster recovery started",
		"event_id", event.ID,
		"plan", plan.ID,
		"recovery_id", recoveryID)
	o.notify(ctx, event, PhaseRecoveryStart,
		fmt.Sprintf("Recovery started with plan %s", plan.ID))

	record := o.runPlan(ctx, event, plan)
	o.finalize(ctx, event, record)
	return event, nil
}

// resolvePlan picks the plan for a recovery: explicit id, then the
// plan matched at assessment, then a fresh kind and severity match.
func (o *Orchestrator) resolvePlan(event *repo.DisasterEvent, planID string) (*Plan, error) {
	if planID != "" {
		plan, ok := o.deps.Plans.Get(planID)
		if !ok {
			return nil, fmt.Errorf("recovery plan %s not found", planID)
		}
		return plan, nil
	}
	if event.PlanID != "" {
		if plan, ok := o.deps.Plans.Get(event.PlanID); ok {
			return plan, nil
		}
	}
	return o.deps.Plans.Match(event.Kind, event.Severity)
}

// finalize persists the recovery outcome and sends the closing
// notification.
func (o *Orchestrator) finalize(ctx context.Context, event *repo.DisasterEvent, record *executionRecord) {
	now := time.Now().UTC()
	mergeDetails(event, "recovery", record)

	switch {
	case record.Success:
		event.Status = repo.EventStatusCompleted
		event.ResolvedAt = &now
		if event.RecoveryStartedAt != nil {
			event.RecoveryMinutes = now.Sub(*event.RecoveryStartedAt).Minutes()
		}
		if o.deps.Loss != nil {
			event.DataLossMinutes = o.deps.Loss(ctx, event)
		}
		if event.RecoveryMinutes > float64(event.RTOMinutes) {
			logger.Warn("Recovery exceeded RTO",
				"event_id", event.ID,
				"recovery_minutes", event.RecoveryMinutes,
				"rto_minutes", event.RTOMinutes)
		}
		o.notify(ctx, event, PhaseRecoveryComplete,
			fmt.Sprintf("Recovery completed in %.1f minutes", event.RecoveryMinutes))
	case record.RolledBack:
		event.Status = repo.EventStatusRolledBack
		o.notify(ctx, event, PhaseRecoveryFailure, "Recovery failed; rollback completed")
	default:
		event.Status = repo.EventStatusFailed
		o.notify(ctx, event, PhaseRecoveryFailure, "Recovery failed")
	}

	if err := o.deps.Store.UpdateEvent(ctx, event); err != nil {
		logger.Error("Persisting recovery outcome failed", "event_id", event.ID, "error", err)
	}
	logger.InfoCtx(ctx, "Disaster recovery finished",
		"event_id", event.ID,
		"status", event.Status)
}

// Resolve closes an open event without running recovery.
func (o *Orchestrator) Resolve(ctx context.Context, eventID string) error {
	event, err := o.deps.Store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if terminalEventStatus(event.Status) {
		return fmt.Errorf("%w: %s is %s", ErrEventResolved, eventID, event.Status)
	}
	return o.deps.Store.ResolveEvent(ctx, eventID, time.Now().UTC())
}

// ============================================================================
// NOTIFICATION
// ============================================================================

// notify fans the alert out to every notifier, appends the delivery
// log to the event, and mirrors the alert onto the fleet alert channel.
func (o *Orchestrator) notify(ctx context.Context, event *repo.DisasterEvent, phase, message string) {
	alert := Alert{
		EventID:   event.ID,
		Phase:     phase,
		Kind:      event.Kind,
		Severity:  event.Severity,
		Message:   message,
		WorkerID:  o.cfg.WorkerID,
		Timestamp: time.Now().UTC(),
	}
	appendNotifications(event, broadcast(ctx, o.deps.Notifiers, alert))

	if o.deps.Fleet != nil {
		if err := o.deps.Fleet.Publish(ctx, fleet.ChannelAlerts, alert); err != nil {
			logger.Warn("Publishing disaster alert to fleet failed",
				"event_id", event.ID, "error", err)
		}
	}
}

func appendNotifications(event *repo.DisasterEvent, records []Notification) {
	if len(records) == 0 {
		return
	}
	var log []Notification
	if event.Notifications != "" {
		_ = json.Unmarshal([]byte(event.Notifications), &log)
	}
	log = append(log, records...)
	if data, err := json.Marshal(log); err == nil {
		event.Notifications = string(data)
	}
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

func validKind(kind string) bool {
	switch kind {
	case KindHardware, KindNetwork, KindDataCorruption, KindAttack,
		KindNatural, KindHumanError, KindSoftwareBug:
		return true
	}
	return false
}

// defaultSeverity maps a disaster kind to its starting severity;
// assessment may raise it.
func defaultSeverity(kind string) string {
	switch kind {
	case KindAttack, KindNatural:
		return repo.SeverityCritical
	case KindHardware, KindDataCorruption:
		return repo.SeverityHigh
	default:
		return repo.SeverityMedium
	}
}

// objectivesFor returns the recovery time and recovery point targets
// in minutes for a severity.
func objectivesFor(severity string) (rto, rpo int) {
	switch severity {
	case repo.SeverityCritical:
		return 15, 5
	case repo.SeverityHigh:
		return 60, 15
	case repo.SeverityMedium:
		return 240, 60
	default:
		return 1440, 240
	}
}

func severityRank(severity string) int {
	switch severity {
	case repo.SeverityCritical:
		return 4
	case repo.SeverityHigh:
		return 3
	case repo.SeverityMedium:
		return 2
	case repo.SeverityLow:
		return 1
	}
	return 0
}

func terminalEventStatus(status string) bool {
	switch status {
	case repo.EventStatusCompleted, repo.EventStatusFailed, repo.EventStatusRolledBack:
		return true
	}
	return false
}

// mergeDetails sets one key of the event's Details JSON object,
// preserving the others.
func mergeDetails(event *repo.DisasterEvent, key string, value any) {
	details := make(map[string]json.RawMessage)
	if event.Details != "" {
		_ = json.Unmarshal([]byte(event.Details), &details)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	details[key] = raw
	if data, err := json.Marshal(details); err == nil {
		event.Details = string(data)
	}
}
