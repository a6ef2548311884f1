// Package kernel defines the CAD kernel contract: scripts in, computed
// object bags out. The real kernel runs out of process; this package
// carries the interface, the typed errors callers branch on, and an
// in-process fake.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDocumentLockTimeout indicates the document lock could not be
	// taken in time. Retryable.
	ErrDocumentLockTimeout = errors.New("kernel: document lock timed out")

	// ErrGeometryInvalid indicates the script produced geometry the
	// kernel rejects. Not retryable; retrying reruns the same script.
	ErrGeometryInvalid = errors.New("kernel: geometry invalid")

	// ErrDocumentNotFound indicates the document does not exist.
	ErrDocumentNotFound = errors.New("kernel: document not found")
)

// ValidationLevel selects how deep Validate inspects a document. Each
// level includes everything the previous ones check.
type ValidationLevel string

const (
	ValidationBasic       ValidationLevel = "basic"
	ValidationGeometry    ValidationLevel = "geometry"
	ValidationTopology    ValidationLevel = "topology"
	ValidationConstraints ValidationLevel = "constraints"
	ValidationFull        ValidationLevel = "full"
)

// Rank orders levels from shallow to deep. Unknown levels rank as full.
func (l ValidationLevel) Rank() int {
	switch l {
	case ValidationBasic:
		return 1
	case ValidationGeometry:
		return 2
	case ValidationTopology:
		return 3
	case ValidationConstraints:
		return 4
	default:
		return 5
	}
}

// Issue is one validation finding.
type Issue struct {
	// Severity is "error" or "warning".
	Severity string `json:"severity"`

	// Code is the stable machine code, for example GEOMETRY_SELF_INTERSECT.
	Code string `json:"code"`

	Message string `json:"message"`

	// Object names the offending document object, when known.
	Object string `json:"object,omitempty"`
}

// Handle refers to an open document.
type Handle struct {
	DocumentID string
}

// ExecuteResult is the object bag a script run computed.
type ExecuteResult struct {
	// Objects maps object names to their computed properties.
	Objects map[string]json.RawMessage

	Warnings []string

	Duration time.Duration
}

// Kernel executes validated scripts against documents. Implementations
// must be safe for concurrent use; per-document exclusion is the
// kernel's own concern and surfaces as ErrDocumentLockTimeout.
type Kernel interface {
	// CreateDocument creates and opens a new document.
	CreateDocument(ctx context.Context, documentID string) (Handle, error)

	// OpenDocument opens an existing document for exclusive use.
	OpenDocument(ctx context.Context, documentID string) (Handle, error)

	// CloseDocument releases the document.
	CloseDocument(ctx context.Context, h Handle) error

	// ExecuteScript runs a validated script against the open document.
	ExecuteScript(ctx context.Context, h Handle, script string) (*ExecuteResult, error)

	// Validate inspects the open document to the given depth.
	Validate(ctx context.Context, h Handle, level ValidationLevel) ([]Issue, error)

	// Recompute re-evaluates the document's feature tree.
	Recompute(ctx context.Context, h Handle) error

	// ExportDocument serializes the open document for backup.
	ExportDocument(ctx context.Context, h Handle) ([]byte, error)

	// ImportDocument creates or replaces the document from serialized
	// bytes and opens it. The document must not be open; nil data
	// yields an empty document.
	ImportDocument(ctx context.Context, documentID string, data []byte) (Handle, error)

	// RemoveObject deletes one object from the open document.
	RemoveObject(ctx context.Context, h Handle, name string) error

	// ListObjects returns the open document's object names, sorted.
	ListObjects(ctx context.Context, h Handle) ([]string, error)
}

// HasErrors reports whether any issue carries error severity.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == "error" {
			return true
		}
	}
	return false
}
