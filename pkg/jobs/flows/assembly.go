package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/forgevault/forgevault/pkg/collab/kernel"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// assemblyConstraintTypes are the supported mating constraints and
// whether each takes a value.
var assemblyConstraintTypes = map[string]bool{
	"fixed":      false,
	"coincident": false,
	"parallel":   false,
	"distance":   true,
	"angle":      true,
}

// Placement positions a child inside the assembly. Rotation is an axis
// plus an angle in degrees.
type Placement struct {
	Position [3]float64 `json:"position"`
	Axis     [3]float64 `json:"axis,omitempty"`
	AngleDeg float64    `json:"angle_deg,omitempty"`
}

// AssemblyChild references one document linked into the assembly.
type AssemblyChild struct {
	DocumentID string     `json:"document_id"`
	Placement  *Placement `json:"placement,omitempty"`
}

// AssemblyConstraint mates two children. First and Second name child
// documents; Value carries the distance in millimetres or the angle in
// degrees for the constraint types that take one.
type AssemblyConstraint struct {
	Type   string  `json:"type"`
	First  string  `json:"first"`
	Second string  `json:"second,omitempty"`
	Value  float64 `json:"value,omitempty"`
}

// AssemblyInput is the payload of an assembly job.
type AssemblyInput struct {
	Children    []AssemblyChild      `json:"children"`
	Constraints []AssemblyConstraint `json:"constraints,omitempty"`
}

// AssemblyResult is the terminal record of an assembly job.
type AssemblyResult struct {
	DocumentID  string            `json:"document_id"`
	Children    []string          `json:"children"`
	Constraints int               `json:"constraints"`
	Objects     []string          `json:"objects,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	SnapshotID  string            `json:"snapshot_id,omitempty"`
}

// Assembly links child documents into a parent assembly, applies the
// mating constraints, and recomputes. Children must exist; the parent
// is created or extended under its document lock.
type Assembly struct {
	base
}

// NewAssembly wires the assembly flow.
func NewAssembly(d Deps) (*Assembly, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	return &Assembly{base: b}, nil
}

func (a *Assembly) Name() string { return jobs.FlowAssembly }

// ValidateSubmission rejects structurally bad assemblies at submit
// time. Child existence is checked at execution, when the kernel is
// consulted anyway.
func (a *Assembly) ValidateSubmission(payload json.RawMessage) error {
	var in AssemblyInput
	if err := unmarshalInput(payload, &in); err != nil {
		return err
	}
	return checkAssembly(&in)
}

func (a *Assembly) Execute(ctx context.Context, run *jobs.Run) (out any, err error) {
	var in AssemblyInput
	if err := run.Payload(&in); err != nil {
		return nil, err
	}
	if err := checkAssembly(&in); err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 10, "validate"); err != nil {
		return nil, err
	}

	job := run.Job
	docID := targetDocument(job)
	if err := a.logStart(ctx, job, docID, in); err != nil {
		return nil, err
	}
	defer func() { a.logEnd(ctx, job, docID, out, err) }()

	// Verify every child before touching the parent, so a missing
	// child cannot leave a half-linked assembly.
	for _, child := range in.Children {
		if err := a.verifyChild(ctx, child.DocumentID); err != nil {
			return nil, err
		}
	}
	if err := run.Checkpoint.Tick(ctx, 30, "load"); err != nil {
		return nil, err
	}

	script := buildAssemblyScript(&in)
	result := &AssemblyResult{
		DocumentID:  docID,
		Constraints: len(in.Constraints),
		Artifacts:   make(map[string]string),
	}
	for _, child := range in.Children {
		result.Children = append(result.Children, child.DocumentID)
	}

	var exported []byte
	err = a.withDocument(ctx, docID, func(ctx context.Context) error {
		h, err := a.openOrCreate(ctx, docID)
		if err != nil {
			return err
		}
		defer a.closeQuietly(ctx, h)

		res, err := a.runScript(ctx, h, script)
		if err != nil {
			return err
		}
		result.Objects = objectNames(res)
		if err := run.Checkpoint.Tick(ctx, 60, "recompute"); err != nil {
			return err
		}
		if err := a.logMutation(ctx, job, docID, script, result.Objects); err != nil {
			return err
		}
		exported, err = a.deps.Kernel.ExportDocument(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 85, "export"); err != nil {
		return nil, err
	}

	key, err := a.uploadArtifact(ctx, job, "fcstd", exported)
	if err != nil {
		return nil, err
	}
	result.Artifacts["fcstd"] = key
	if err := run.Checkpoint.Tick(ctx, 95, "upload"); err != nil {
		return nil, err
	}

	snap, err := a.backupDocument(ctx, job, docID, exported)
	if err != nil {
		return nil, err
	}
	result.SnapshotID = snap.ID
	return result, nil
}

// verifyChild confirms the child document opens cleanly, through the
// recovery gate when one is wired.
func (a *Assembly) verifyChild(ctx context.Context, documentID string) error {
	if a.deps.Recovery != nil {
		ok, err := a.deps.Recovery.AutoRecoverOnOpen(ctx, documentID)
		if errors.Is(err, kernel.ErrDocumentNotFound) {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("child document %q does not exist", documentID),
			}
		}
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("child document %s is corrupt beyond auto-repair", documentID)
		}
		return nil
	}
	h, err := a.deps.Kernel.OpenDocument(ctx, documentID)
	if errors.Is(err, kernel.ErrDocumentNotFound) {
		return &resilience.InputError{
			Code:   "invalid_input",
			Detail: fmt.Sprintf("child document %q does not exist", documentID),
		}
	}
	if err != nil {
		return err
	}
	a.closeQuietly(ctx, h)
	return nil
}

// checkAssembly enforces the structural rules: at least one child, no
// duplicate children, known constraint types, and constraint ends that
// reference listed children.
func checkAssembly(in *AssemblyInput) error {
	if len(in.Children) == 0 {
		return &resilience.InputError{Code: "invalid_input", Detail: "assembly needs at least one child document"}
	}
	children := make(map[string]bool, len(in.Children))
	for i, child := range in.Children {
		if child.DocumentID == "" {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("child %d: document_id must not be empty", i),
			}
		}
		if children[child.DocumentID] {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("child document %q is listed twice", child.DocumentID),
			}
		}
		children[child.DocumentID] = true
	}
	for i, c := range in.Constraints {
		takesValue, ok := assemblyConstraintTypes[c.Type]
		if !ok {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("constraint %d: unknown type %q", i, c.Type),
			}
		}
		if !children[c.First] {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("constraint %d: first end %q is not a listed child", i, c.First),
			}
		}
		if c.Type != "fixed" && !children[c.Second] {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("constraint %d: second end %q is not a listed child", i, c.Second),
			}
		}
		if takesValue && c.Value < 0 {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("constraint %d: value must not be negative", i),
			}
		}
	}
	return nil
}

// buildAssemblyScript renders the link and constraint objects. Links
// carry the child document reference; placements and constraint values
// set properties on the created objects.
func buildAssemblyScript(in *AssemblyInput) string {
	var sb strings.Builder
	sb.WriteString("import FreeCAD\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	sb.WriteString("asm = doc.addObject(\"App::Part\", \"Assembly\")\n")
	for i, child := range in.Children {
		name := "Link_" + pyIdent(child.DocumentID)
		fmt.Fprintf(&sb, "link%d = doc.addObject(%s, %s)\n", i, pyStr("App::Link"), pyStr(name))
		fmt.Fprintf(&sb, "link%d.LinkedObject = %s\n", i, pyStr(child.DocumentID))
		if p := child.Placement; p != nil {
			fmt.Fprintf(&sb, "link%d.Placement.Base = FreeCAD.Vector(%.6f, %.6f, %.6f)\n",
				i, p.Position[0], p.Position[1], p.Position[2])
			if p.AngleDeg != 0 {
				fmt.Fprintf(&sb, "link%d.Placement.Rotation = FreeCAD.Rotation(FreeCAD.Vector(%.6f, %.6f, %.6f), %.6f)\n",
					i, p.Axis[0], p.Axis[1], p.Axis[2], p.AngleDeg)
			}
		}
	}
	for i, c := range in.Constraints {
		name := fmt.Sprintf("Constraint_%s_%d", pyIdent(c.Type), i+1)
		fmt.Fprintf(&sb, "con%d = doc.addObject(%s, %s)\n", i, pyStr("Assembly::Constraint"), pyStr(name))
		fmt.Fprintf(&sb, "con%d.Type = %s\n", i, pyStr(c.Type))
		fmt.Fprintf(&sb, "con%d.First = %s\n", i, pyStr(c.First))
		if c.Second != "" {
			fmt.Fprintf(&sb, "con%d.Second = %s\n", i, pyStr(c.Second))
		}
		if assemblyConstraintTypes[c.Type] {
			fmt.Fprintf(&sb, "con%d.Value = %.6f\n", i, c.Value)
		}
	}
	sb.WriteString("doc.recompute()\n")
	return sb.String()
}
