package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// template maps a model kind to its kernel primitive and the
// dimensions the primitive requires. All dimensions are millimetres.
type template struct {
	object string
	dims   []string
}

var templates = map[string]template{
	"box":      {object: "Part::Box", dims: []string{"length", "width", "height"}},
	"cylinder": {object: "Part::Cylinder", dims: []string{"radius", "height"}},
	"cone":     {object: "Part::Cone", dims: []string{"radius1", "radius2", "height"}},
	"sphere":   {object: "Part::Sphere", dims: []string{"radius"}},
	"torus":    {object: "Part::Torus", dims: []string{"radius1", "radius2"}},
}

// TemplateKinds lists the model kinds the parametric flow accepts.
func TemplateKinds() []string {
	kinds := make([]string, 0, len(templates))
	for k := range templates {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Feature is an optional post-operation applied to the built primitive.
type Feature struct {
	// Type is "fillet" or "chamfer".
	Type string `json:"type"`

	// SizeMM is the fillet radius or chamfer distance.
	SizeMM float64 `json:"size_mm"`
}

// ParametricInput is the payload of a parametric job.
type ParametricInput struct {
	// Kind names the template: box, cylinder, cone, sphere, torus.
	Kind string `json:"kind"`

	// Name labels the created object; defaults to the capitalized kind.
	Name string `json:"name,omitempty"`

	// Dimensions are the template's required dimensions in millimetres.
	Dimensions map[string]float64 `json:"dimensions"`

	// Features are applied in order after the primitive is built.
	Features []Feature `json:"features,omitempty"`
}

// ParametricResult is the terminal record of a parametric job.
type ParametricResult struct {
	DocumentID string            `json:"document_id"`
	Kind       string            `json:"kind"`
	Objects    []string          `json:"objects,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
}

// Parametric builds a model from a named template and caller-supplied
// dimensions. The generated script runs the same guard, lock, WAL, and
// backup bracket as every other document mutation.
type Parametric struct {
	base
}

// NewParametric wires the parametric flow.
func NewParametric(d Deps) (*Parametric, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	return &Parametric{base: b}, nil
}

func (p *Parametric) Name() string { return jobs.FlowParametric }

// ValidateSubmission rejects malformed payloads at submit time, before
// a job row is created.
func (p *Parametric) ValidateSubmission(payload json.RawMessage) error {
	var in ParametricInput
	if err := unmarshalInput(payload, &in); err != nil {
		return err
	}
	_, err := buildTemplateScript(&in)
	return err
}

func (p *Parametric) Execute(ctx context.Context, run *jobs.Run) (out any, err error) {
	var in ParametricInput
	if err := run.Payload(&in); err != nil {
		return nil, err
	}
	script, err := buildTemplateScript(&in)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 10, "validate"); err != nil {
		return nil, err
	}

	job := run.Job
	docID := targetDocument(job)
	if err := p.logStart(ctx, job, docID, in); err != nil {
		return nil, err
	}
	defer func() { p.logEnd(ctx, job, docID, out, err) }()

	if err := run.Checkpoint.Tick(ctx, 30, "plan"); err != nil {
		return nil, err
	}

	result := &ParametricResult{
		DocumentID: docID,
		Kind:       in.Kind,
		Artifacts:  make(map[string]string),
	}

	var exported []byte
	err = p.withDocument(ctx, docID, func(ctx context.Context) error {
		h, err := p.openOrCreate(ctx, docID)
		if err != nil {
			return err
		}
		defer p.closeQuietly(ctx, h)

		res, err := p.runScript(ctx, h, script)
		if err != nil {
			return err
		}
		result.Objects = objectNames(res)
		if err := run.Checkpoint.Tick(ctx, 60, "build"); err != nil {
			return err
		}
		if err := p.logMutation(ctx, job, docID, script, result.Objects); err != nil {
			return err
		}
		exported, err = p.deps.Kernel.ExportDocument(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 85, "export"); err != nil {
		return nil, err
	}

	key, err := p.uploadArtifact(ctx, job, "fcstd", exported)
	if err != nil {
		return nil, err
	}
	result.Artifacts["fcstd"] = key
	if err := run.Checkpoint.Tick(ctx, 95, "upload"); err != nil {
		return nil, err
	}

	snap, err := p.backupDocument(ctx, job, docID, exported)
	if err != nil {
		return nil, err
	}
	result.SnapshotID = snap.ID
	return result, nil
}

// buildTemplateScript validates the input against its template and
// renders the build script.
func buildTemplateScript(in *ParametricInput) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(in.Kind))
	tpl, ok := templates[kind]
	if !ok {
		return "", &resilience.InputError{
			Code:   "invalid_input",
			Detail: fmt.Sprintf("unknown model kind %q, expected one of %s", in.Kind, strings.Join(TemplateKinds(), ", ")),
		}
	}
	if err := checkDimensions(kind, tpl, in.Dimensions); err != nil {
		return "", err
	}
	for i, f := range in.Features {
		switch f.Type {
		case "fillet", "chamfer":
		default:
			return "", &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("feature %d: unknown type %q, expected fillet or chamfer", i, f.Type),
			}
		}
		if !(f.SizeMM > 0) || math.IsInf(f.SizeMM, 0) {
			return "", &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("feature %d: size must be a positive finite number of millimetres", i),
			}
		}
	}

	name := pyIdent(in.Name)
	if in.Name == "" {
		name = strings.ToUpper(kind[:1]) + kind[1:]
	}

	var sb strings.Builder
	sb.WriteString("import FreeCAD\nimport Part\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	fmt.Fprintf(&sb, "obj = doc.addObject(%s, %s)\n", pyStr(tpl.object), pyStr(name))
	for _, dim := range tpl.dims {
		fmt.Fprintf(&sb, "obj.%s = %.6f\n", dimProperty(dim), in.Dimensions[dim])
	}
	base := "obj"
	for i, f := range in.Features {
		featName := fmt.Sprintf("%s_%s%d", name, strings.ToUpper(f.Type[:1])+f.Type[1:], i+1)
		objType := "Part::Fillet"
		if f.Type == "chamfer" {
			objType = "Part::Chamfer"
		}
		fmt.Fprintf(&sb, "feat%d = doc.addObject(%s, %s)\n", i, pyStr(objType), pyStr(featName))
		fmt.Fprintf(&sb, "feat%d.Base = %s\n", i, base)
		fmt.Fprintf(&sb, "feat%d.Size = %.6f\n", i, f.SizeMM)
		base = fmt.Sprintf("feat%d", i)
	}
	sb.WriteString("doc.recompute()\n")
	return sb.String(), nil
}

// checkDimensions enforces the template's dimension contract. Every
// required dimension must be a finite millimetre value; cone radii may
// be zero (an apex) as long as one of them is not.
func checkDimensions(kind string, tpl template, dims map[string]float64) error {
	for _, dim := range tpl.dims {
		v, ok := dims[dim]
		if !ok {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("%s requires dimension %q in millimetres", kind, dim),
			}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("dimension %q must be a finite number", dim),
			}
		}
		zeroOK := kind == "cone" && (dim == "radius1" || dim == "radius2")
		if v < 0 || (v == 0 && !zeroOK) {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("dimension %q must be positive, got %g", dim, v),
			}
		}
	}
	if kind == "cone" && dims["radius1"] == 0 && dims["radius2"] == 0 {
		return &resilience.InputError{
			Code:   "invalid_input",
			Detail: "cone needs at least one non-zero radius",
		}
	}
	for dim := range dims {
		if !containsDim(tpl.dims, dim) {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("%s does not take dimension %q", kind, dim),
			}
		}
	}
	return nil
}

func containsDim(dims []string, dim string) bool {
	for _, d := range dims {
		if d == dim {
			return true
		}
	}
	return false
}

// dimProperty maps a payload dimension name to its kernel property:
// "radius1" becomes "Radius1".
func dimProperty(dim string) string {
	return strings.ToUpper(dim[:1]) + dim[1:]
}
