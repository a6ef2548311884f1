package modelrecovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/wal"
)

// WAL payload operations on documents.
const (
	// OpExecuteScript is written by job flows for every script run;
	// rebuild and restore catch-up replay these.
	OpExecuteScript = "execute-script"

	// OpModelRecovery marks a recovery so later recoveries see the
	// repair event.
	OpModelRecovery = "model-recovery"
)

// DocumentMutation is the WAL payload of a document-mutating
// transaction.
type DocumentMutation struct {
	Op     string `json:"op"`
	Script string `json:"script,omitempty"`

	// Objects the mutation created, for reporting.
	Objects []string `json:"objects,omitempty"`

	// Recovery fields, set when Op is OpModelRecovery.
	Strategy string `json:"strategy,omitempty"`
	ReportID string `json:"report_id,omitempty"`
	Success  bool   `json:"success,omitempty"`
}

// StepResult is the recorded outcome of one executed repair step.
type StepResult struct {
	Name        string  `json:"name"`
	SuccessRate float64 `json:"success_rate,omitempty"`
	Error       string  `json:"error,omitempty"`

	// Applied counts replayed or regenerated transactions on steps that
	// replay history.
	Applied int `json:"applied,omitempty"`

	// Findings is the basic-validation finding count after the step.
	Findings   int   `json:"findings"`
	DurationMs int64 `json:"duration_ms"`
}

// Result is the outcome of one executed recovery plan.
type Result struct {
	ReportID   string   `json:"report_id,omitempty"`
	DocumentID string   `json:"document_id"`
	Strategy   Strategy `json:"strategy"`

	// Success requires final basic validation to pass with zero step
	// errors.
	Success          bool `json:"success"`
	ValidationPassed bool `json:"validation_passed"`

	// DataLoss is set when features were lost or WAL catch-up could
	// not run.
	DataLoss bool `json:"data_loss"`

	RecoveredFeatures int `json:"recovered_features"`
	LostFeatures      int `json:"lost_features"`

	Steps            []StepResult `json:"steps"`
	ValidationErrors []string     `json:"validation_errors,omitempty"`
	Errors           []string     `json:"errors,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
	DurationMs       int64        `json:"duration_ms"`
}

// session tracks the document handle across repair steps. Strategies
// open lazily, and restore and rebuild swap the handle when they
// replace the document.
type session struct {
	svc  *Service
	doc  string
	h    kernel.Handle
	held bool
}

func (se *session) open(ctx context.Context) error {
	if se.held {
		return nil
	}
	h, err := se.svc.kernel.OpenDocument(ctx, se.doc)
	if err != nil {
		return err
	}
	se.h, se.held = h, true
	return nil
}

// importDoc replaces the document content, releasing the current handle
// first. nil data resets to an empty document.
func (se *session) importDoc(ctx context.Context, data []byte) error {
	if se.held {
		if err := se.svc.kernel.CloseDocument(ctx, se.h); err != nil {
			return err
		}
		se.held = false
	}
	h, err := se.svc.kernel.ImportDocument(ctx, se.doc, data)
	if err != nil {
		return err
	}
	se.h, se.held = h, true
	return nil
}

func (se *session) close(ctx context.Context) {
	if !se.held {
		return
	}
	if err := se.svc.kernel.CloseDocument(ctx, se.h); err != nil {
		logger.WarnCtx(ctx, "Releasing document after recovery failed",
			"document_id", se.doc, "error", err)
	}
	se.held = false
}

// Execute runs a repair plan step by step, validating after every step,
// then persists the report and appends the recovery transaction to the
// WAL. Document lock timeouts abort without a report so the caller can
// retry; everything else that goes wrong lands in a failed report.
func (s *Service) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	if plan == nil || plan.DocumentID == "" {
		return nil, errors.New("modelrecovery: plan with document id required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	res := &Result{DocumentID: plan.DocumentID, Strategy: plan.Strategy}

	sess := &session{svc: s, doc: plan.DocumentID}
	defer sess.close(context.WithoutCancel(ctx))

	var err error
	switch plan.Strategy {
	case StrategyAutoRepair:
		err = s.runAutoRepair(ctx, sess, plan, res)
	case StrategyRebuildFeatures:
		err = s.runRebuild(ctx, sess, plan, res)
	case StrategyRestoreBackup:
		err = s.runRestore(ctx, sess, plan, res)
	case StrategyPartialRecovery:
		err = s.runPartial(ctx, sess, plan, res)
	default:
		return nil, fmt.Errorf("modelrecovery: unknown strategy %q", plan.Strategy)
	}
	if err != nil {
		return nil, err
	}

	res.ValidationPassed = s.finalValidation(ctx, sess, res)
	res.Success = res.ValidationPassed && len(res.Errors) == 0
	res.DataLoss = res.DataLoss || res.LostFeatures > 0
	res.DurationMs = time.Since(start).Milliseconds()

	if err := s.persist(context.WithoutCancel(ctx), plan, res); err != nil {
		return res, err
	}
	return res, nil
}

// finishStep closes out one step: timing, error recording, and the
// after-step validation snapshot. It reports whether the runner should
// continue.
func (s *Service) finishStep(ctx context.Context, sess *session, res *Result, step *StepResult, start time.Time, err error) bool {
	step.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		step.Error = err.Error()
		res.Errors = append(res.Errors, step.Name+": "+err.Error())
	}
	if sess.held {
		if issues, verr := s.kernel.Validate(ctx, sess.h, kernel.ValidationBasic); verr == nil {
			step.Findings = len(issues)
		}
	}
	res.Steps = append(res.Steps, *step)
	return err == nil
}

// finalValidation is the success gate: basic validation with zero error
// findings. On pass it counts the surviving features.
func (s *Service) finalValidation(ctx context.Context, sess *session, res *Result) bool {
	if err := sess.open(ctx); err != nil {
		res.ValidationErrors = append(res.ValidationErrors, err.Error())
		return false
	}
	issues, err := s.kernel.Validate(ctx, sess.h, kernel.ValidationBasic)
	if err != nil {
		res.ValidationErrors = append(res.ValidationErrors, err.Error())
		return false
	}
	if kernel.HasErrors(issues) {
		for _, is := range issues {
			if is.Severity == "error" {
				res.ValidationErrors = append(res.ValidationErrors, is.Message)
			}
		}
		return false
	}
	if names, err := s.kernel.ListObjects(ctx, sess.h); err == nil {
		res.RecoveredFeatures = len(names)
	}
	return true
}

// runAutoRepair recomputes in place: one pass for geometry, one for
// constraints.
func (s *Service) runAutoRepair(ctx context.Context, sess *session, plan *Plan, res *Result) error {
	for _, name := range []string{"recompute-geometry", "solve-constraints"} {
		step := stepFor(plan, name)
		start := time.Now()
		err := sess.open(ctx)
		if errors.Is(err, kernel.ErrDocumentLockTimeout) {
			return err
		}
		if err == nil {
			err = s.kernel.Recompute(ctx, sess.h)
		}
		if !s.finishStep(ctx, sess, res, &step, start, err) {
			return nil
		}
	}
	return nil
}

// runRebuild regenerates the feature tree from the document's WAL
// history: gather the scripts in order, reset the document, replay.
func (s *Service) runRebuild(ctx context.Context, sess *session, plan *Plan, res *Result) error {
	step := stepFor(plan, "analyze-dependencies")
	start := time.Now()
	scripts, err := s.documentHistory(ctx, plan.DocumentID)
	if err == nil && len(scripts) == 0 {
		err = errors.New("no transaction history to rebuild from")
	}
	step.Applied = len(scripts)
	if !s.finishStep(ctx, sess, res, &step, start, err) {
		return nil
	}

	step = stepFor(plan, "regenerate-features")
	start = time.Now()
	err = sess.importDoc(ctx, nil)
	if errors.Is(err, kernel.ErrDocumentLockTimeout) {
		return err
	}
	var regenerated int
	if err == nil {
		var lost int
		regenerated, lost = s.replayScripts(ctx, sess, "regenerate-features", scripts, res)
		res.LostFeatures += lost
		if regenerated == 0 {
			err = errors.New("no feature script replayed successfully")
		}
	}
	step.Applied = regenerated
	if !s.finishStep(ctx, sess, res, &step, start, err) {
		return nil
	}

	step = stepFor(plan, "reapply-constraints")
	start = time.Now()
	err = s.kernel.Recompute(ctx, sess.h)
	s.finishStep(ctx, sess, res, &step, start, err)
	return nil
}

// runRestore restores the latest valid snapshot and replays post-backup
// WAL entries to catch up.
func (s *Service) runRestore(ctx context.Context, sess *session, plan *Plan, res *Result) error {
	step := stepFor(plan, "locate-backup")
	start := time.Now()
	snap, err := s.latestValidSnapshot(ctx, plan.DocumentID)
	if !s.finishStep(ctx, sess, res, &step, start, err) {
		return nil
	}

	step = stepFor(plan, "restore-snapshot")
	start = time.Now()
	data, err := s.backups.Restore(ctx, snap.ID)
	if err == nil {
		err = sess.importDoc(ctx, data)
		if errors.Is(err, kernel.ErrDocumentLockTimeout) {
			return err
		}
	}
	if !s.finishStep(ctx, sess, res, &step, start, err) {
		return nil
	}

	step = stepFor(plan, "replay-wal")
	start = time.Now()
	var applied int
	applied, err = s.replayAfter(ctx, sess, snap.CreatedAt, res)
	step.Applied = applied
	s.finishStep(ctx, sess, res, &step, start, err)
	return nil
}

// runPartial salvages the document by dropping the implicated features
// and recomputing what remains.
func (s *Service) runPartial(ctx context.Context, sess *session, plan *Plan, res *Result) error {
	step := stepFor(plan, "extract-features")
	start := time.Now()
	err := sess.open(ctx)
	if errors.Is(err, kernel.ErrDocumentLockTimeout) {
		return err
	}
	var names []string
	if err == nil {
		names, err = s.kernel.ListObjects(ctx, sess.h)
	}
	step.Applied = len(names)
	if !s.finishStep(ctx, sess, res, &step, start, err) {
		return nil
	}

	affected := make(map[string]bool)
	if plan.Corruption != nil {
		for _, name := range plan.Corruption.AffectedFeatures {
			affected[name] = true
		}
	}

	step = stepFor(plan, "rebuild-document")
	start = time.Now()
	removed := 0
	for _, name := range names {
		if !affected[name] {
			continue
		}
		if rerr := s.kernel.RemoveObject(ctx, sess.h, name); rerr != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("rebuild-document: drop %s: %v", name, rerr))
			continue
		}
		removed++
	}
	res.LostFeatures += removed
	err = s.kernel.Recompute(ctx, sess.h)
	s.finishStep(ctx, sess, res, &step, start, err)
	return nil
}

// replayScripts re-executes scripts in order, tolerating individual
// failures so one bad feature does not void the whole rebuild.
func (s *Service) replayScripts(ctx context.Context, sess *session, stepName string, scripts []string, res *Result) (applied, lost int) {
	for i, script := range scripts {
		if _, err := s.kernel.ExecuteScript(ctx, sess.h, script); err != nil {
			lost++
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: script %d: %v", stepName, i+1, err))
			continue
		}
		applied++
	}
	return applied, lost
}

// latestValidSnapshot picks the newest completed snapshot of the
// document; corrupt and pending ones never restore.
func (s *Service) latestValidSnapshot(ctx context.Context, documentID string) (*repo.Snapshot, error) {
	if s.backups == nil {
		return nil, errors.New("backup engine not configured")
	}
	snaps, err := s.store.ListSnapshots(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Status == repo.SnapshotStatusCompleted {
			return snaps[i], nil
		}
	}
	return nil, fmt.Errorf("no valid snapshot for document %s", documentID)
}

// replayAfter re-executes the document's script transactions appended
// after the given instant. Individual failures are recorded as lost
// features, not fatal errors.
func (s *Service) replayAfter(ctx context.Context, sess *session, after time.Time, res *Result) (int, error) {
	if s.wal == nil {
		res.Warnings = append(res.Warnings, "replay-wal: no wal manager configured, restored state is the snapshot alone")
		res.DataLoss = true
		return 0, nil
	}
	entries, err := s.wal.ReadAfter(ctx, after, s.cfg.ReplayLimit)
	if err != nil {
		return 0, fmt.Errorf("read wal: %w", err)
	}
	applied := 0
	for _, e := range entries {
		if e.ObjectID != sess.doc {
			continue
		}
		var mut DocumentMutation
		if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &mut) != nil {
			continue
		}
		if mut.Op != OpExecuteScript || mut.Script == "" {
			continue
		}
		if _, xerr := s.kernel.ExecuteScript(ctx, sess.h, mut.Script); xerr != nil {
			res.LostFeatures++
			res.Warnings = append(res.Warnings, fmt.Sprintf("replay-wal: tx %s: %v", e.TxID, xerr))
			continue
		}
		applied++
	}
	return applied, nil
}

// documentHistory gathers the document's script transactions from the
// beginning of the WAL, in append order.
func (s *Service) documentHistory(ctx context.Context, documentID string) ([]string, error) {
	if s.wal == nil {
		return nil, errors.New("wal manager not configured")
	}
	entries, err := s.wal.ReadAfter(ctx, time.Time{}, s.cfg.ReplayLimit)
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}
	var scripts []string
	for _, e := range entries {
		if e.ObjectID != documentID {
			continue
		}
		var mut DocumentMutation
		if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &mut) != nil {
			continue
		}
		if mut.Op == OpExecuteScript && mut.Script != "" {
			scripts = append(scripts, mut.Script)
		}
	}
	return scripts, nil
}

func stepFor(plan *Plan, name string) StepResult {
	for _, st := range plan.Steps {
		if st.Name == name {
			return StepResult{Name: name, SuccessRate: st.SuccessRate}
		}
	}
	return StepResult{Name: name}
}

// persist writes the recovery report and its WAL transaction. It runs
// on an uncancelable context: the outcome must be durable even when the
// caller timed out mid-recovery.
func (s *Service) persist(ctx context.Context, plan *Plan, res *Result) error {
	details, err := json.Marshal(struct {
		Corruption       *Corruption  `json:"corruption,omitempty"`
		Steps            []StepResult `json:"steps"`
		ValidationPassed bool         `json:"validation_passed"`
		ValidationErrors []string     `json:"validation_errors,omitempty"`
		Errors           []string     `json:"errors,omitempty"`
		Warnings         []string     `json:"warnings,omitempty"`
		Recovered        int          `json:"recovered_features"`
		Lost             int          `json:"lost_features"`
	}{
		Corruption:       plan.Corruption,
		Steps:            res.Steps,
		ValidationPassed: res.ValidationPassed,
		ValidationErrors: res.ValidationErrors,
		Errors:           res.Errors,
		Warnings:         res.Warnings,
		Recovered:        res.RecoveredFeatures,
		Lost:             res.LostFeatures,
	})
	if err != nil {
		return fmt.Errorf("encode report details: %w", err)
	}

	report := &repo.RecoveryReport{
		Kind:       repo.ReportModelRecovery,
		TargetID:   res.DocumentID,
		Strategy:   string(res.Strategy),
		Success:    res.Success,
		DataLoss:   res.DataLoss,
		DurationMs: res.DurationMs,
		Details:    string(details),
	}
	id, err := s.store.CreateReport(ctx, report)
	if err != nil {
		return fmt.Errorf("persist recovery report: %w", err)
	}
	res.ReportID = id

	if s.wal != nil {
		payload, _ := json.Marshal(DocumentMutation{
			Op:       OpModelRecovery,
			Strategy: string(res.Strategy),
			ReportID: id,
			Success:  res.Success,
		})
		if _, err := s.wal.Append(ctx, &wal.Entry{
			Kind:     wal.KindUpdate,
			ObjectID: res.DocumentID,
			Payload:  payload,
		}); err != nil {
			return fmt.Errorf("append recovery transaction: %w", err)
		}
	}

	logger.InfoCtx(ctx, "Model recovery finished",
		"document_id", res.DocumentID,
		"strategy", res.Strategy,
		"success", res.Success,
		"recovered_features", res.RecoveredFeatures,
		"lost_features", res.LostFeatures,
		"report_id", id,
		"duration_ms", res.DurationMs)
	return nil
}
