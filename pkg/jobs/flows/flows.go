// Package flows implements the compute flows the scheduler executes:
// prompt-driven model generation, parametric builds, upload
// normalization, assembly composition, and FEM simulation.
//
// Every flow runs the same bracket: it logs its input to the WAL,
// mutates the document under a per-document lock, logs the applied
// script as a replayable mutation, exports and uploads artifacts, and
// snapshots the document through the backup engine. The WAL entries
// feed the recovery engine's rebuild and catch-up replay.
package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/collab/ai"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/collab/solver"
	"github.com/forgevault/forgevault/pkg/fleet"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/jobs/scriptguard"
	"github.com/forgevault/forgevault/pkg/modelrecovery"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
	"github.com/forgevault/forgevault/pkg/wal"
)

// Deps carries the collaborators a flow executes against. Kernel,
// Guard, Backups, WAL, and Objects are required by every flow; AI only
// by the prompt flow and Solver only by the FEM flow. A nil Locks
// falls back to a process-local locker, a nil Recovery skips the
// open-time recovery gate.
type Deps struct {
	Kernel   kernel.Kernel
	AI       ai.Provider
	Solver   solver.Solver
	Guard    *scriptguard.Guard
	Backups  *backup.Engine
	WAL      *wal.Manager
	Objects  objstore.Store
	Locks    DocumentLocker
	Recovery *modelrecovery.Service

	// SkipGuard bypasses script security validation. Never set in
	// production; config validation rejects it there.
	SkipGuard bool
}

func errMissing(flow, dep string) error {
	return fmt.Errorf("flows: %s flow requires the %s", flow, dep)
}

func (d Deps) common() error {
	switch {
	case d.Kernel == nil:
		return fmt.Errorf("flows: kernel is required")
	case d.Guard == nil:
		return fmt.Errorf("flows: script guard is required")
	case d.Backups == nil:
		return fmt.Errorf("flows: backup engine is required")
	case d.WAL == nil:
		return fmt.Errorf("flows: wal manager is required")
	case d.Objects == nil:
		return fmt.Errorf("flows: object store is required")
	}
	return nil
}

// All wires every flow against deps, ready to hand to the scheduler.
func All(d Deps) ([]jobs.Flow, error) {
	prompt, err := NewPrompt(d)
	if err != nil {
		return nil, err
	}
	parametric, err := NewParametric(d)
	if err != nil {
		return nil, err
	}
	upload, err := NewUpload(d)
	if err != nil {
		return nil, err
	}
	assembly, err := NewAssembly(d)
	if err != nil {
		return nil, err
	}
	fem, err := NewFEM(d)
	if err != nil {
		return nil, err
	}
	return []jobs.Flow{prompt, parametric, upload, assembly, fem}, nil
}

// ============================================================================
// Document locking
// ============================================================================

// DocumentLocker serializes mutations of one document. fn runs with
// the lock held; the error of fn is returned unwrapped.
type DocumentLocker interface {
	WithDocument(ctx context.Context, documentID string, fn func(context.Context) error) error
}

// LocalLocker serializes documents within one process. Single-worker
// deployments and tests use it; fleets need the coordinator-backed
// locker so two processes cannot mutate the same document.
type LocalLocker struct {
	mu   sync.Mutex
	docs map[string]*sync.Mutex
}

// NewLocalLocker returns an empty process-local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{docs: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) WithDocument(ctx context.Context, documentID string, fn func(context.Context) error) error {
	l.mu.Lock()
	m, ok := l.docs[documentID]
	if !ok {
		m = &sync.Mutex{}
		l.docs[documentID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// FleetLocker serializes documents across worker processes through the
// fleet coordinator. A held lock surfaces as a transient error so the
// scheduler retries the job instead of failing it.
type FleetLocker struct {
	coord *fleet.Coordinator
	ttl   time.Duration
}

// NewFleetLocker returns a locker holding each document lock for at
// most ttl; ttl <= 0 applies the coordinator's lock timeout.
func NewFleetLocker(coord *fleet.Coordinator, ttl time.Duration) (*FleetLocker, error) {
	if coord == nil {
		return nil, fmt.Errorf("flows: fleet coordinator is required")
	}
	return &FleetLocker{coord: coord, ttl: ttl}, nil
}

func (l *FleetLocker) WithDocument(ctx context.Context, documentID string, fn func(context.Context) error) error {
	err := l.coord.WithLock(ctx, "document:"+documentID, l.ttl, fn)
	if errors.Is(err, fleet.ErrLockHeld) {
		return resilience.Transient(fmt.Errorf("document %s is locked by another worker: %w", documentID, err))
	}
	return err
}

// ============================================================================
// Shared flow plumbing
// ============================================================================

// WAL marker operations. Recovery replay acts only on
// modelrecovery.OpExecuteScript payloads, so the brackets use their
// own ops and never replay.
const (
	opFlowStart = "flow-start"
	opFlowEnd   = "flow-end"
)

// flowMarker is the WAL payload bracketing one flow run.
type flowMarker struct {
	Op      string          `json:"op"`
	Flow    string          `json:"flow"`
	JobID   string          `json:"job_id"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// base carries the dependencies and the bracket helpers shared by all
// flows.
type base struct {
	deps Deps
}

func newBase(d Deps) (base, error) {
	if err := d.common(); err != nil {
		return base{}, err
	}
	if d.Locks == nil {
		d.Locks = NewLocalLocker()
	}
	return base{deps: d}, nil
}

func (b base) withDocument(ctx context.Context, documentID string, fn func(context.Context) error) error {
	return b.deps.Locks.WithDocument(ctx, documentID, fn)
}

// openOrCreate opens the document when the kernel knows it and creates
// it otherwise. Existing documents pass the recovery gate first, so a
// corrupt document is repaired (or the open refused) before the flow
// mutates it.
func (b base) openOrCreate(ctx context.Context, documentID string) (kernel.Handle, error) {
	if b.deps.Recovery != nil {
		ok, err := b.deps.Recovery.AutoRecoverOnOpen(ctx, documentID)
		switch {
		case errors.Is(err, kernel.ErrDocumentNotFound):
			return b.deps.Kernel.CreateDocument(ctx, documentID)
		case err != nil:
			return kernel.Handle{}, err
		case !ok:
			return kernel.Handle{}, fmt.Errorf("document %s is corrupt beyond auto-repair", documentID)
		}
		return b.deps.Kernel.OpenDocument(ctx, documentID)
	}
	h, err := b.deps.Kernel.OpenDocument(ctx, documentID)
	if errors.Is(err, kernel.ErrDocumentNotFound) {
		return b.deps.Kernel.CreateDocument(ctx, documentID)
	}
	return h, err
}

func (b base) closeQuietly(ctx context.Context, h kernel.Handle) {
	if err := b.deps.Kernel.CloseDocument(ctx, h); err != nil {
		logger.WarnCtx(ctx, "Document close failed",
			logger.DocumentID(h.DocumentID),
			logger.Err(err))
	}
}

// runScript guards and executes script on an open document, then
// recomputes and validates the result. Error findings fail the run as
// invalid geometry.
func (b base) runScript(ctx context.Context, h kernel.Handle, script string) (*kernel.ExecuteResult, error) {
	if err := b.deps.Guard.Validate(ctx, script); err != nil {
		return nil, err
	}
	res, err := b.deps.Kernel.ExecuteScript(ctx, h, script)
	if err != nil {
		return nil, err
	}
	if err := b.deps.Kernel.Recompute(ctx, h); err != nil {
		return nil, err
	}
	issues, err := b.deps.Kernel.Validate(ctx, h, kernel.ValidationBasic)
	if err != nil {
		return nil, err
	}
	if kernel.HasErrors(issues) {
		return nil, fmt.Errorf("document %s has %d error findings after build: %w",
			h.DocumentID, len(issues), kernel.ErrGeometryInvalid)
	}
	return res, nil
}

// logStart brackets the flow open. A WAL that cannot record the input
// fails the flow before anything mutates.
func (b base) logStart(ctx context.Context, job *repo.Job, documentID string, input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encoding flow input: %w", err)
	}
	payload, err := json.Marshal(flowMarker{
		Op:    opFlowStart,
		Flow:  job.Flow,
		JobID: job.ID,
		Input: raw,
	})
	if err != nil {
		return fmt.Errorf("encoding flow marker: %w", err)
	}
	_, err = b.deps.WAL.Append(ctx, &wal.Entry{
		Kind:     wal.KindUpdate,
		ObjectID: documentID,
		Payload:  payload,
		UserID:   job.UserID,
		Metadata: map[string]string{"flow": job.Flow, "job_id": job.ID},
	})
	if err != nil {
		return fmt.Errorf("logging flow start: %w", err)
	}
	return nil
}

// logMutation records an applied script so rebuild and catch-up replay
// can regenerate the document. Only successfully executed scripts are
// logged; a write failure fails the flow because a gap here silently
// breaks recovery.
func (b base) logMutation(ctx context.Context, job *repo.Job, documentID, script string, objects []string) error {
	payload, err := json.Marshal(modelrecovery.DocumentMutation{
		Op:      modelrecovery.OpExecuteScript,
		Script:  script,
		Objects: objects,
	})
	if err != nil {
		return fmt.Errorf("encoding document mutation: %w", err)
	}
	_, err = b.deps.WAL.Append(ctx, &wal.Entry{
		Kind:     wal.KindUpdate,
		ObjectID: documentID,
		Payload:  payload,
		UserID:   job.UserID,
		Metadata: map[string]string{"flow": job.Flow, "job_id": job.ID},
	})
	if err != nil {
		return fmt.Errorf("logging document mutation: %w", err)
	}
	return nil
}

// logEnd closes the flow bracket. Best effort: the run is already
// decided, so a write failure only logs.
func (b base) logEnd(ctx context.Context, job *repo.Job, documentID string, output any, runErr error) {
	m := flowMarker{
		Op:      opFlowEnd,
		Flow:    job.Flow,
		JobID:   job.ID,
		Success: runErr == nil,
	}
	if runErr != nil {
		m.Error = runErr.Error()
	} else if output != nil {
		raw, err := json.Marshal(output)
		if err == nil {
			m.Output = raw
		}
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	walCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err = b.deps.WAL.Append(walCtx, &wal.Entry{
		Kind:     wal.KindUpdate,
		ObjectID: documentID,
		Payload:  payload,
		UserID:   job.UserID,
		Metadata: map[string]string{"flow": job.Flow, "job_id": job.ID},
	})
	if err != nil {
		logger.WarnCtx(ctx, "Flow end marker write failed",
			logger.JobID(job.ID),
			logger.DocumentID(documentID),
			logger.Err(err))
	}
}

// uploadArtifact stores one artifact under the job's artefact prefix
// and returns its key. Content type and disposition derive from the
// extension.
func (b base) uploadArtifact(ctx context.Context, job *repo.Job, ext string, data []byte) (string, error) {
	key := objstore.ArtefactKey(job.ID, ext)
	_, err := b.deps.Objects.Put(ctx, key, data, objstore.PutOptions{
		Metadata: map[string]string{"job-id": job.ID, "flow": job.Flow},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s artifact: %w", ext, err)
	}
	return key, nil
}

// backupDocument snapshots the exported document bytes. The producing
// job is recorded in the snapshot metadata for the operator views.
func (b base) backupDocument(ctx context.Context, job *repo.Job, documentID string, data []byte) (*repo.Snapshot, error) {
	meta, err := json.Marshal(map[string]string{
		"job_id":  job.ID,
		"flow":    job.Flow,
		"user_id": job.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot metadata: %w", err)
	}
	snap, err := b.deps.Backups.Create(ctx, documentID, data, backup.CreateOptions{
		Metadata: string(meta),
		Tags:     map[string]string{"flow": job.Flow},
	})
	if err != nil {
		return nil, fmt.Errorf("backing up document %s: %w", documentID, err)
	}
	return snap, nil
}

// unmarshalInput mirrors jobs.Run.Payload for submit-time validation,
// where only the raw payload exists.
func unmarshalInput(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return &resilience.InputError{Code: "invalid_input", Detail: "empty payload"}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &resilience.InputError{Code: "invalid_input", Detail: "malformed payload: " + err.Error()}
	}
	return nil
}

// targetDocument resolves the document a job builds: the submitted
// document when one was named, a job-derived one otherwise.
func targetDocument(job *repo.Job) string {
	if job.DocumentID != "" {
		return job.DocumentID
	}
	return "model-" + job.ID
}

// objectNames returns the sorted names of the objects a script run
// created.
func objectNames(res *kernel.ExecuteResult) []string {
	if res == nil || len(res.Objects) == 0 {
		return nil
	}
	names := make([]string, 0, len(res.Objects))
	for name := range res.Objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pyStr quotes s as a Python string literal.
func pyStr(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		case '\n':
			sb.WriteString(`\n`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// pyIdent reduces s to a safe Python identifier for generated object
// names: letters, digits and underscores, never starting with a digit.
func pyIdent(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if sb.Len() == 0 {
				sb.WriteByte('N')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "Obj"
	}
	return sb.String()
}
