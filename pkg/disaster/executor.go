package disaster

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/health"
	"github.com/forgevault/forgevault/pkg/repo"
)

// Step outcome statuses.
const (
	stepCompleted = "completed"
	stepFailed    = "failed"
	stepTolerated = "tolerated"
)

// stepOutcome records one step's execution on the event details.
type stepOutcome struct {
	Name       string `json:"name"`
	Action     Action `json:"action"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// executionRecord is the full trace of one recovery run, persisted
// under the event's details.
type executionRecord struct {
	RecoveryID string        `json:"recovery_id"`
	PlanID     string        `json:"plan_id"`
	Success    bool          `json:"success"`
	RolledBack bool          `json:"rolled_back,omitempty"`
	Steps      []stepOutcome `json:"steps"`
	Rollback   []stepOutcome `json:"rollback,omitempty"`

	// FailedPostChecks lists post-checks that did not come back
	// healthy after the steps completed.
	FailedPostChecks []string `json:"failed_post_checks,omitempty"`
}

// runPlan executes the plan's steps in order. The first exhausted
// non-tolerated failure stops the run and triggers rollback; a clean
// run must still pass every post-check.
func (o *Orchestrator) runPlan(ctx context.Context, event *repo.DisasterEvent, plan *Plan) *executionRecord {
	record := &executionRecord{PlanID: plan.ID}
	if event.RecoveryID != nil {
		record.RecoveryID = *event.RecoveryID
	}

	// Pre-checks are advisory: a degraded component is expected mid
	// disaster, so failures only log.
	if o.deps.Monitor != nil {
		for _, id := range plan.PreChecks {
			status, err := o.deps.Monitor.RunCheck(ctx, id)
			if err != nil || status != health.StatusHealthy {
				logger.Warn("Pre-check not healthy before recovery",
					"event_id", event.ID, "check", id, "status", status, "error", err)
			}
		}
	}

	failed := false
	for _, step := range orderedSteps(plan.Steps) {
		outcome := o.executeStep(ctx, event, step)
		record.Steps = append(record.Steps, outcome)
		if outcome.Status == stepFailed {
			failed = true
			break
		}
	}

	if !failed && o.deps.Monitor != nil {
		for _, id := range plan.PostChecks {
			status, err := o.deps.Monitor.RunCheck(ctx, id)
			if err != nil || status != health.StatusHealthy {
				record.FailedPostChecks = append(record.FailedPostChecks, id)
				failed = true
			}
		}
	}
	record.Success = !failed

	if failed && len(plan.Rollback) > 0 {
		logger.WarnCtx(ctx, "Recovery failed, rolling back",
			"event_id", event.ID, "plan", plan.ID)
		rolledBack := true
		for _, step := range orderedSteps(plan.Rollback) {
			outcome := o.executeStep(ctx, event, step)
			record.Rollback = append(record.Rollback, outcome)
			if outcome.Status == stepFailed {
				rolledBack = false
			}
		}
		record.RolledBack = rolledBack
	}
	return record
}

// executeStep runs one step with its timeout and retry budget.
func (o *Orchestrator) executeStep(ctx context.Context, event *repo.DisasterEvent, step Step) stepOutcome {
	outcome := stepOutcome{Name: step.Name, Action: step.Action}
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}

	start := time.Now()
	var err error
	for attempt := 0; attempt <= step.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.StepRetryDelay):
			}
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
		}
		outcome.Attempts = attempt + 1

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		err = o.dispatch(stepCtx, event, step)
		cancel()
		if err == nil {
			break
		}
		logger.Warn("Recovery step attempt failed",
			"event_id", event.ID,
			"step", step.Name,
			"attempt", attempt+1,
			"error", err)
	}
	outcome.DurationMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		outcome.Status = stepCompleted
	case step.CanFail:
		outcome.Status = stepTolerated
		outcome.Error = err.Error()
		logger.Warn("Tolerating failed recovery step",
			"event_id", event.ID, "step", step.Name, "error", err)
	default:
		outcome.Status = stepFailed
		outcome.Error = err.Error()
	}
	return outcome
}

func (o *Orchestrator) dispatch(ctx context.Context, event *repo.DisasterEvent, step Step) error {
	switch step.Action {
	case ActionScript:
		return o.runScript(ctx, step)
	case ActionWait:
		return runWait(ctx, step)
	case ActionManual:
		return o.awaitApproval(ctx, event, step)
	case ActionCheck:
		return o.runHealthGate(ctx, step)
	case ActionRepair, ActionRebuild, ActionRestore, ActionValidate:
		return o.runRecovererAction(ctx, step)
	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
}

// runScript executes the step's shell command. With script execution
// disabled the step logs and succeeds, which keeps plans rehearsable
// in environments that must not touch infrastructure.
func (o *Orchestrator) runScript(ctx context.Context, step Step) error {
	command := step.Params["command"]
	if command == "" {
		return fmt.Errorf("script step %s has no command", step.Name)
	}
	if !o.cfg.AllowScripts {
		logger.Info("Script execution disabled, skipping",
			"step", step.Name, "command", command)
		return nil
	}
	output, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("script %s: %w: %s", step.Name, err, truncate(string(output), 512))
	}
	return nil
}

func runWait(ctx context.Context, step Step) error {
	seconds, err := strconv.Atoi(step.Params["duration_seconds"])
	if err != nil || seconds < 0 {
		return fmt.Errorf("wait step %s has invalid duration_seconds %q",
			step.Name, step.Params["duration_seconds"])
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	}
}

// runHealthGate re-probes one health check and demands a healthy result.
func (o *Orchestrator) runHealthGate(ctx context.Context, step Step) error {
	if o.deps.Monitor == nil {
		return fmt.Errorf("check step %s requires a health monitor", step.Name)
	}
	id := step.Params["check_id"]
	if id == "" {
		return fmt.Errorf("check step %s has no check_id", step.Name)
	}
	status, err := o.deps.Monitor.RunCheck(ctx, id)
	if err != nil {
		return err
	}
	if status != health.StatusHealthy {
		return fmt.Errorf("check %s is %s", id, status)
	}
	return nil
}

func (o *Orchestrator) runRecovererAction(ctx context.Context, step Step) error {
	if o.deps.Recoverer == nil {
		return fmt.Errorf("step %s requires a document recoverer", step.Name)
	}
	documentID := step.Params["document_id"]
	if documentID == "" {
		return fmt.Errorf("step %s has no document_id", step.Name)
	}
	switch step.Action {
	case ActionRepair:
		return o.deps.Recoverer.Repair(ctx, documentID)
	case ActionRebuild:
		return o.deps.Recoverer.Rebuild(ctx, documentID)
	case ActionRestore:
		return o.deps.Recoverer.RestoreBackup(ctx, documentID)
	case ActionValidate:
		return o.deps.Recoverer.Validate(ctx, documentID)
	}
	return fmt.Errorf("step %s has non-recoverer action %q", step.Name, step.Action)
}

// ============================================================================
// MANUAL APPROVAL
// ============================================================================

// approvalTTL bounds how long a recorded decision stays readable.
const approvalTTL = time.Hour

// Approval is the operator decision a manual recovery step waits on.
// It lives in fleet storage so any worker or the CLI can record it.
type Approval struct {
	Approved bool      `json:"approved"`
	By       string    `json:"by,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

func approvalID(eventID, stepName string) string {
	return eventID + ":" + stepName
}

// ApproveStep records the decision for a manual step. The CLI calls
// this against the shared Redis while a recovery is blocked waiting.
func ApproveStep(ctx context.Context, coord *fleet.Coordinator, eventID, stepName string, approval Approval) error {
	if coord == nil {
		return errors.New("manual approval requires fleet coordination")
	}
	if approval.At.IsZero() {
		approval.At = time.Now().UTC()
	}
	return coord.Put(ctx, "dr", "approval", approvalID(eventID, stepName), approval, approvalTTL)
}

// awaitApproval polls fleet storage until the step's decision lands or
// the step times out.
func (o *Orchestrator) awaitApproval(ctx context.Context, event *repo.DisasterEvent, step Step) error {
	if o.deps.Fleet == nil {
		return fmt.Errorf("manual step %s requires fleet coordination", step.Name)
	}
	logger.Info("Waiting for manual approval",
		"event_id", event.ID, "step", step.Name)

	ticker := time.NewTicker(o.cfg.ApprovalPoll)
	defer ticker.Stop()
	for {
		var approval Approval
		err := o.deps.Fleet.Get(ctx, "dr", "approval", approvalID(event.ID, step.Name), &approval)
		switch {
		case err == nil && approval.Approved:
			logger.Info("Manual step approved",
				"event_id", event.ID, "step", step.Name, "by", approval.By)
			return nil
		case err == nil:
			return fmt.Errorf("manual step %s rejected by %s: %s",
				step.Name, approval.By, approval.Reason)
		case !errors.Is(err, fleet.ErrNotFound):
			return fmt.Errorf("polling approval for step %s: %w", step.Name, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("manual step %s: %w", step.Name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
