// Package jobs schedules and executes ForgeVault's long-running flows
// over a worker fleet: prompt-to-model generation, parametric builds,
// upload normalization, assembly composition, and FEM simulation.
//
// The scheduler persists every job through pkg/repo, routes it to a
// logical queue, and hands it to a bounded worker pool. Workers retry
// transient failures with backoff, honor cooperative cancellation at
// flow checkpoints, and enforce per-job timeouts. Duplicate submissions
// collapse on the idempotency key; duplicate claims are ignored.
package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/chunkstore"
	"github.com/forgevault/forgevault/pkg/collab/ai"
	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/collab/solver"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/forgevault/forgevault/pkg/resilience"
	"github.com/forgevault/forgevault/pkg/wal"
)

// Queue routing keys. Workers subscribe to subsets; Submit routes by
// flow when the submission names no queue.
const (
	QueuePrompt      = "models.prompt"
	QueueParametric  = "models.params"
	QueueUpload      = "models.upload"
	QueueAssembly    = "assemblies.a4"
	QueueFEM         = "sim.fem"
	QueueModel       = "model"
	QueueMaintenance = "maintenance"
	QueueDefault     = "default"
)

// AllQueues lists every routing key a scheduler can consume.
var AllQueues = []string{
	QueuePrompt,
	QueueParametric,
	QueueUpload,
	QueueAssembly,
	QueueFEM,
	QueueModel,
	QueueMaintenance,
	QueueDefault,
}

// Flow kind names.
const (
	FlowPrompt      = "prompt"
	FlowParametric  = "parametric"
	FlowUpload      = "upload"
	FlowAssembly    = "assembly"
	FlowFEM         = "fem"
	FlowMaintenance = "maintenance"
)

// QueueFor returns the default routing key for a flow kind.
func QueueFor(flow string) string {
	switch flow {
	case FlowPrompt:
		return QueuePrompt
	case FlowParametric:
		return QueueParametric
	case FlowUpload:
		return QueueUpload
	case FlowAssembly:
		return QueueAssembly
	case FlowFEM:
		return QueueFEM
	case FlowMaintenance:
		return QueueMaintenance
	default:
		return QueueDefault
	}
}

// ErrorCode is the stable machine code on a failed job. User-visible
// messages may change; the code is the contract.
type ErrorCode string

const (
	CodeInvalidInput       ErrorCode = "invalid_input"
	CodeUnsupportedFormat  ErrorCode = "unsupported_format"
	CodeSecurityViolation  ErrorCode = "security_violation"
	CodeStorageUnreachable ErrorCode = "storage_unreachable"
	CodeCollaboratorFailed ErrorCode = "collaborator_failed"
	CodeIntegrityFailure   ErrorCode = "integrity_failure"
	CodeResourceExceeded   ErrorCode = "resource_exceeded"
	CodeTransientExhausted ErrorCode = "transient_exhausted"
	CodeTimeout            ErrorCode = "timeout"
	CodeCancelled          ErrorCode = "cancelled"
	CodeInternal           ErrorCode = "internal"
)

var (
	// ErrUnknownFlow indicates a submission for a flow no one registered.
	ErrUnknownFlow = errors.New("unknown flow")

	// ErrJobTerminal indicates an operation on a job that already
	// reached a terminal status.
	ErrJobTerminal = errors.New("job is already terminal")

	// ErrJobTimeout is returned by a checkpoint once the job has
	// overstayed its timeout. The worker transitions the job to the
	// timeout status.
	ErrJobTimeout = errors.New("job exceeded its timeout")

	// ErrJobCancelled is returned by a checkpoint once cancellation was
	// requested. The worker transitions the job to cancelled.
	ErrJobCancelled = errors.New("job cancelled")
)

// Flow executes one kind of job. Implementations parse the submission
// payload themselves and call the checkpoint at every documented
// milestone.
type Flow interface {
	Name() string
	Execute(ctx context.Context, run *Run) (result any, err error)
}

// SubmitValidator is implemented by flows that reject bad payloads at
// submission time, before a job record is created. Resource
// pre-estimates live here.
type SubmitValidator interface {
	ValidateSubmission(payload json.RawMessage) error
}

// Run is the execution context handed to a flow: the persisted job
// record and the checkpoint for progress, cancellation, and timeout.
type Run struct {
	Job        *repo.Job
	Checkpoint *Checkpoint
}

// Payload unmarshals the job's submission payload into out.
func (r *Run) Payload(out any) error {
	if r.Job.Payload == "" {
		return &resilience.InputError{Code: string(CodeInvalidInput), Detail: "empty payload"}
	}
	if err := json.Unmarshal([]byte(r.Job.Payload), out); err != nil {
		return &resilience.InputError{Code: string(CodeInvalidInput), Detail: "malformed payload: " + err.Error()}
	}
	return nil
}

// FailureOf maps an error to its stable code and message for the
// terminal job record.
func FailureOf(err error) (ErrorCode, string) {
	if err == nil {
		return "", ""
	}
	var se *resilience.SecurityError
	if errors.As(err, &se) {
		return CodeSecurityViolation, se.Error()
	}
	var ie *resilience.InputError
	if errors.As(err, &ie) {
		switch ie.Code {
		case string(CodeUnsupportedFormat):
			return CodeUnsupportedFormat, ie.Error()
		case string(CodeResourceExceeded):
			return CodeResourceExceeded, ie.Error()
		default:
			return CodeInvalidInput, ie.Error()
		}
	}
	switch {
	case errors.Is(err, ErrJobTimeout):
		return CodeTimeout, err.Error()
	case errors.Is(err, ErrJobCancelled):
		return CodeCancelled, err.Error()
	case errors.Is(err, objstore.ErrUnreachable):
		return CodeStorageUnreachable, err.Error()
	case errors.Is(err, kernel.ErrGeometryInvalid):
		return CodeInvalidInput, err.Error()
	case errors.Is(err, ai.ErrMalformedResponse), errors.Is(err, ai.ErrEmptyScript), errors.Is(err, solver.ErrNotConverged):
		return CodeCollaboratorFailed, err.Error()
	case errors.Is(err, backup.ErrSnapshotCorrupt), errors.Is(err, wal.ErrEntryCorrupt),
		errors.Is(err, wal.ErrCheckpointCorrupt), errors.Is(err, chunkstore.ErrChunkCorrupt):
		return CodeIntegrityFailure, err.Error()
	case resilience.IsTransient(err):
		return CodeTransientExhausted, err.Error()
	default:
		return CodeInternal, err.Error()
	}
}
