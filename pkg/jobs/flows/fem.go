package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/collab/solver"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// Analysis types the FEM flow accepts.
const (
	AnalysisStatic           = "static"
	AnalysisModal            = "modal"
	AnalysisBuckling         = "buckling"
	AnalysisThermalSteady    = "thermal"
	AnalysisThermalTransient = "thermal-transient"
	AnalysisCoupled          = "thermo-structural"
)

// resourceCaps bounds the pre-estimated mesh per analysis type.
// Transient and coupled runs hold more state per node, so their caps
// sit lower and their per-node memory weight higher.
type resourceCaps struct {
	maxNodes    int
	maxElements int
	maxMemoryMB int

	// perNodeKB drives the memory estimate.
	perNodeKB float64
}

var capsByAnalysis = map[string]resourceCaps{
	AnalysisStatic:           {maxNodes: 500_000, maxElements: 450_000, maxMemoryMB: 8192, perNodeKB: 1.6},
	AnalysisModal:            {maxNodes: 250_000, maxElements: 220_000, maxMemoryMB: 8192, perNodeKB: 3.2},
	AnalysisBuckling:         {maxNodes: 250_000, maxElements: 220_000, maxMemoryMB: 8192, perNodeKB: 3.2},
	AnalysisThermalSteady:    {maxNodes: 800_000, maxElements: 750_000, maxMemoryMB: 4096, perNodeKB: 0.6},
	AnalysisThermalTransient: {maxNodes: 300_000, maxElements: 270_000, maxMemoryMB: 4096, perNodeKB: 1.2},
	AnalysisCoupled:          {maxNodes: 150_000, maxElements: 130_000, maxMemoryMB: 8192, perNodeKB: 4.0},
}

// Material carries the solver properties in engineering units:
// modulus in MPa, density in kg/m3, conductivity in W/(m K), specific
// heat in J/(kg K), expansion in 1/K. The deck writer converts to the
// solver's mm-N-s-K system.
type Material struct {
	Name             string  `json:"name"`
	YoungsModulusMPa float64 `json:"youngs_modulus_mpa"`
	PoissonRatio     float64 `json:"poisson_ratio"`
	DensityKgM3      float64 `json:"density_kg_m3"`
	ConductivityWmK  float64 `json:"conductivity_w_mk,omitempty"`
	SpecificHeatJkgK float64 `json:"specific_heat_j_kgk,omitempty"`
	ExpansionPerK    float64 `json:"expansion_per_k,omitempty"`
}

// materials is the built-in library. Custom materials come through
// FEMInput.CustomMaterial.
var materials = map[string]Material{
	"steel":    {Name: "steel", YoungsModulusMPa: 210000, PoissonRatio: 0.30, DensityKgM3: 7850, ConductivityWmK: 50, SpecificHeatJkgK: 490, ExpansionPerK: 1.2e-5},
	"aluminum": {Name: "aluminum", YoungsModulusMPa: 70000, PoissonRatio: 0.33, DensityKgM3: 2700, ConductivityWmK: 237, SpecificHeatJkgK: 900, ExpansionPerK: 2.3e-5},
	"titanium": {Name: "titanium", YoungsModulusMPa: 114000, PoissonRatio: 0.34, DensityKgM3: 4430, ConductivityWmK: 6.7, SpecificHeatJkgK: 520, ExpansionPerK: 8.6e-6},
	"abs":      {Name: "abs", YoungsModulusMPa: 2300, PoissonRatio: 0.35, DensityKgM3: 1040, ConductivityWmK: 0.25, SpecificHeatJkgK: 1400, ExpansionPerK: 9.0e-5},
	"concrete": {Name: "concrete", YoungsModulusMPa: 30000, PoissonRatio: 0.20, DensityKgM3: 2400, ConductivityWmK: 1.7, SpecificHeatJkgK: 880, ExpansionPerK: 1.0e-5},
}

// femFaces are the bounding-box faces constraints attach to.
var femFaces = map[string]bool{
	"xmin": true, "xmax": true,
	"ymin": true, "ymax": true,
	"zmin": true, "zmax": true,
}

// femConstraintTypes maps each constraint type to whether it is
// thermal. Structural analyses reject thermal constraints and the
// other way round; the coupled analysis takes both.
var femConstraintTypes = map[string]bool{
	"fixed":       false,
	"force":       false,
	"pressure":    false,
	"temperature": true,
	"heatflux":    true,
}

// FEMConstraint pins or loads one bounding-box face. Value units
// depend on the type: newtons for force, MPa for pressure, kelvin for
// temperature, mW/mm2 for heatflux.
type FEMConstraint struct {
	Type      string     `json:"type"`
	Face      string     `json:"face"`
	Value     float64    `json:"value,omitempty"`
	Direction [3]float64 `json:"direction,omitempty"`
}

// FEMInput is the payload of a FEM job. The model is meshed as a
// structured hexahedral grid over its bounding extents.
type FEMInput struct {
	// Analysis selects the solve: static, modal, buckling, thermal,
	// thermal-transient, or thermo-structural.
	Analysis string `json:"analysis"`

	// Material names a library material; CustomMaterial overrides it.
	Material       string    `json:"material,omitempty"`
	CustomMaterial *Material `json:"custom_material,omitempty"`

	// BoundsMM are the model extents, MeshSizeMM the target element
	// edge length.
	BoundsMM   [3]float64 `json:"bounds_mm"`
	MeshSizeMM float64    `json:"mesh_size_mm"`

	Constraints []FEMConstraint `json:"constraints"`

	// Modes is the eigenvalue count for modal and buckling runs.
	// Defaults to 10, capped at 50.
	Modes int `json:"modes,omitempty"`

	// TimeStepS and PeriodS drive transient thermal runs. A zero time
	// step defaults to a hundredth of the period.
	TimeStepS float64 `json:"time_step_s,omitempty"`
	PeriodS   float64 `json:"period_s,omitempty"`
}

// ResourceEstimate is the pre-submit mesh size estimate the caps are
// checked against.
type ResourceEstimate struct {
	Nodes    int `json:"nodes"`
	Elements int `json:"elements"`
	MemoryMB int `json:"memory_mb"`
}

// ResultSummary condenses the solver output.
type ResultSummary struct {
	MaxDisplacementMM float64   `json:"max_displacement_mm,omitempty"`
	MaxStressMPa      float64   `json:"max_stress_mpa,omitempty"`
	MaxTemperatureK   float64   `json:"max_temperature_k,omitempty"`
	FrequenciesHz     []float64 `json:"frequencies_hz,omitempty"`
	BucklingFactors   []float64 `json:"buckling_factors,omitempty"`
}

// FEMResult is the terminal record of a FEM job.
type FEMResult struct {
	DocumentID string           `json:"document_id"`
	Analysis   string           `json:"analysis"`
	Material   string           `json:"material"`
	Estimate   ResourceEstimate `json:"estimate"`
	Summary    *ResultSummary   `json:"summary,omitempty"`
	Converged  bool             `json:"converged"`
	Objects    []string         `json:"objects,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`

	// Artifacts: the analysis document, input deck, raw results, and
	// the JSON report.
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
}

// FEM runs a finite-element analysis: sets up the analysis document,
// meshes the model, writes the CalculiX input deck, runs the external
// solver under the job deadline, parses the results, and bundles the
// artifacts.
type FEM struct {
	base
}

// NewFEM wires the FEM flow.
func NewFEM(d Deps) (*FEM, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	if d.Solver == nil {
		return nil, errMissing("fem", "solver")
	}
	return &FEM{base: b}, nil
}

func (f *FEM) Name() string { return jobs.FlowFEM }

// ValidateSubmission blocks submissions exceeding the per-analysis
// node, element, and memory caps before a job record exists.
func (f *FEM) ValidateSubmission(payload json.RawMessage) error {
	var in FEMInput
	if err := unmarshalInput(payload, &in); err != nil {
		return err
	}
	_, _, err := validateFEM(&in)
	return err
}

func (f *FEM) Execute(ctx context.Context, run *jobs.Run) (out any, err error) {
	var in FEMInput
	if err := run.Payload(&in); err != nil {
		return nil, err
	}
	mat, estimate, err := validateFEM(&in)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 5, "validate"); err != nil {
		return nil, err
	}

	job := run.Job
	docID := targetDocument(job)
	if err := f.logStart(ctx, job, docID, in); err != nil {
		return nil, err
	}
	defer func() { f.logEnd(ctx, job, docID, out, err) }()

	result := &FEMResult{
		DocumentID: docID,
		Analysis:   in.Analysis,
		Material:   mat.Name,
		Estimate:   estimate,
		Artifacts:  make(map[string]string),
	}

	script := buildAnalysisScript(&in, mat)
	var exported []byte
	err = f.withDocument(ctx, docID, func(ctx context.Context) error {
		h, err := f.openOrCreate(ctx, docID)
		if err != nil {
			return err
		}
		defer f.closeQuietly(ctx, h)

		res, err := f.runScript(ctx, h, script)
		if err != nil {
			return err
		}
		result.Objects = objectNames(res)
		if err := f.logMutation(ctx, job, docID, script, result.Objects); err != nil {
			return err
		}
		exported, err = f.deps.Kernel.ExportDocument(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 15, "model"); err != nil {
		return nil, err
	}

	mesh, err := buildHexMesh(in.BoundsMM, in.MeshSizeMM)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 35, "mesh"); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "forgevault-fem-")
	if err != nil {
		return nil, fmt.Errorf("creating solver workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	deck := renderDeck(&in, mesh, mat)
	deckPath := filepath.Join(dir, "model.inp")
	if err := os.WriteFile(deckPath, deck, 0o644); err != nil {
		return nil, fmt.Errorf("writing input deck: %w", err)
	}
	if err := run.Checkpoint.Tick(ctx, 45, "deck"); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "Solver starting",
		logger.JobID(job.ID),
		"analysis", in.Analysis,
		"nodes", len(mesh.nodes),
		"elements", len(mesh.elems))

	files, err := f.deps.Solver.Run(ctx, deckPath)
	if err != nil {
		if errors.Is(err, solver.ErrNotConverged) {
			return nil, fmt.Errorf("analysis %s: %w", in.Analysis, err)
		}
		return nil, err
	}
	result.Converged = true
	if err := run.Checkpoint.Tick(ctx, 75, "solve"); err != nil {
		return nil, err
	}

	if data, rerr := os.ReadFile(files.DAT); rerr == nil {
		result.Summary = parseDAT(data)
	} else {
		result.Warnings = append(result.Warnings, "solver wrote no .dat results")
	}
	if err := run.Checkpoint.Tick(ctx, 85, "results"); err != nil {
		return nil, err
	}

	bundle := map[string][]byte{
		"fcstd": exported,
		"inp":   deck,
	}
	for ext, path := range map[string]string{"frd": files.FRD, "dat": files.DAT, "sta": files.STA, "log": files.Log} {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			continue
		}
		bundle[ext] = data
	}
	report, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis report: %w", err)
	}
	bundle["json"] = report

	for ext, data := range bundle {
		key, uerr := f.uploadArtifact(ctx, job, ext, data)
		if uerr != nil {
			return nil, uerr
		}
		result.Artifacts[ext] = key
	}
	if err := run.Checkpoint.Tick(ctx, 95, "bundle"); err != nil {
		return nil, err
	}

	snap, err := f.backupDocument(ctx, job, docID, exported)
	if err != nil {
		return nil, err
	}
	result.SnapshotID = snap.ID
	return result, nil
}

// validateFEM checks the whole submission and returns the resolved
// material and the resource estimate.
func validateFEM(in *FEMInput) (Material, ResourceEstimate, error) {
	var zero ResourceEstimate
	caps, ok := capsByAnalysis[in.Analysis]
	if !ok {
		return Material{}, zero, &resilience.InputError{
			Code:   "invalid_input",
			Detail: fmt.Sprintf("unknown analysis type %q", in.Analysis),
		}
	}

	mat, err := resolveMaterial(in)
	if err != nil {
		return Material{}, zero, err
	}

	for i, b := range in.BoundsMM {
		if !(b > 0) || math.IsInf(b, 0) {
			return Material{}, zero, &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("bounds_mm[%d] must be a positive finite extent", i),
			}
		}
	}
	if !(in.MeshSizeMM > 0) || math.IsInf(in.MeshSizeMM, 0) {
		return Material{}, zero, &resilience.InputError{
			Code:   "invalid_input",
			Detail: "mesh_size_mm must be positive",
		}
	}

	if err := checkFEMConstraints(in); err != nil {
		return Material{}, zero, err
	}

	if in.Modes < 0 || in.Modes > 50 {
		return Material{}, zero, &resilience.InputError{
			Code:   "invalid_input",
			Detail: "modes must be between 1 and 50",
		}
	}
	if in.Analysis == AnalysisThermalTransient {
		if !(in.PeriodS > 0) {
			return Material{}, zero, &resilience.InputError{
				Code:   "invalid_input",
				Detail: "transient thermal analysis needs period_s",
			}
		}
		if in.TimeStepS < 0 || in.TimeStepS > in.PeriodS {
			return Material{}, zero, &resilience.InputError{
				Code:   "invalid_input",
				Detail: "time_step_s must lie within the period",
			}
		}
	}

	est := estimateResources(in, caps)
	switch {
	case est.Nodes > caps.maxNodes:
		return Material{}, zero, &resilience.InputError{
			Code:   "resource_exceeded",
			Detail: fmt.Sprintf("%s analysis allows %d nodes, the mesh needs %d; coarsen mesh_size_mm", in.Analysis, caps.maxNodes, est.Nodes),
		}
	case est.Elements > caps.maxElements:
		return Material{}, zero, &resilience.InputError{
			Code:   "resource_exceeded",
			Detail: fmt.Sprintf("%s analysis allows %d elements, the mesh needs %d", in.Analysis, caps.maxElements, est.Elements),
		}
	case est.MemoryMB > caps.maxMemoryMB:
		return Material{}, zero, &resilience.InputError{
			Code:   "resource_exceeded",
			Detail: fmt.Sprintf("%s analysis allows %d MB, the solve needs roughly %d MB", in.Analysis, caps.maxMemoryMB, est.MemoryMB),
		}
	}
	return mat, est, nil
}

func resolveMaterial(in *FEMInput) (Material, error) {
	if in.CustomMaterial != nil {
		mat := *in.CustomMaterial
		if mat.Name == "" {
			mat.Name = "custom"
		}
		if !(mat.YoungsModulusMPa > 0) || mat.PoissonRatio <= -1 || mat.PoissonRatio >= 0.5 || !(mat.DensityKgM3 > 0) {
			return Material{}, &resilience.InputError{
				Code:   "invalid_input",
				Detail: "custom material needs a positive modulus and density and a Poisson ratio in (-1, 0.5)",
			}
		}
		return mat, nil
	}
	if in.Material == "" {
		return Material{}, &resilience.InputError{
			Code:   "invalid_input",
			Detail: "material is required; one of the library names or a custom_material",
		}
	}
	mat, ok := materials[in.Material]
	if !ok {
		return Material{}, &resilience.InputError{
			Code:   "invalid_input",
			Detail: fmt.Sprintf("unknown material %q", in.Material),
		}
	}
	return mat, nil
}

// checkFEMConstraints enforces the per-analysis constraint contract:
// structural solves need a fixed support, loaded solves a load,
// thermal solves a temperature, and no solve accepts constraints from
// the other physics unless it is coupled.
func checkFEMConstraints(in *FEMInput) error {
	thermalAnalysis := in.Analysis == AnalysisThermalSteady || in.Analysis == AnalysisThermalTransient
	coupled := in.Analysis == AnalysisCoupled

	var fixed, loads, temps int
	for i, c := range in.Constraints {
		isThermal, ok := femConstraintTypes[c.Type]
		if !ok {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("constraint %d: unknown type %q", i, c.Type),
			}
		}
		if !femFaces[c.Face] {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("constraint %d: unknown face %q, expected xmin/xmax/ymin/ymax/zmin/zmax", i, c.Face),
			}
		}
		if !coupled && isThermal != thermalAnalysis {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: fmt.Sprintf("constraint %d: %s constraint does not apply to a %s analysis", i, c.Type, in.Analysis),
			}
		}
		switch c.Type {
		case "fixed":
			fixed++
		case "force", "pressure":
			if c.Value == 0 {
				return &resilience.InputError{
					Code:   "invalid_input",
					Detail: fmt.Sprintf("constraint %d: %s needs a non-zero value", i, c.Type),
				}
			}
			loads++
		case "temperature":
			if !(c.Value > 0) {
				return &resilience.InputError{
					Code:   "invalid_input",
					Detail: fmt.Sprintf("constraint %d: temperature must be positive kelvin", i),
				}
			}
			temps++
		case "heatflux":
			if c.Value == 0 {
				return &resilience.InputError{
					Code:   "invalid_input",
					Detail: fmt.Sprintf("constraint %d: heatflux needs a non-zero value", i),
				}
			}
		}
	}

	switch in.Analysis {
	case AnalysisStatic, AnalysisBuckling:
		if fixed == 0 || loads == 0 {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: in.Analysis + " analysis needs at least one fixed support and one load",
			}
		}
	case AnalysisModal:
		if fixed == 0 {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: "modal analysis needs at least one fixed support",
			}
		}
	case AnalysisThermalSteady, AnalysisThermalTransient:
		if temps == 0 {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: "thermal analysis needs at least one temperature constraint",
			}
		}
	case AnalysisCoupled:
		if fixed == 0 || temps == 0 {
			return &resilience.InputError{
				Code:   "invalid_input",
				Detail: "thermo-structural analysis needs a fixed support and a temperature constraint",
			}
		}
	}
	return nil
}

// estimateResources sizes the structured grid without building it.
func estimateResources(in *FEMInput, caps resourceCaps) ResourceEstimate {
	var div [3]int
	for i, b := range in.BoundsMM {
		d := int(math.Ceil(b / in.MeshSizeMM))
		if d < 1 {
			d = 1
		}
		div[i] = d
	}
	nodes := (div[0] + 1) * (div[1] + 1) * (div[2] + 1)
	elements := div[0] * div[1] * div[2]
	memMB := int(float64(nodes)*caps.perNodeKB/1024) + 1
	return ResourceEstimate{Nodes: nodes, Elements: elements, MemoryMB: memMB}
}

// femConstraintObjects maps constraint types to the FreeCAD document
// object created for them.
var femConstraintObjects = map[string]string{
	"fixed":       "Fem::ConstraintFixed",
	"force":       "Fem::ConstraintForce",
	"pressure":    "Fem::ConstraintPressure",
	"temperature": "Fem::ConstraintTemperature",
	"heatflux":    "Fem::ConstraintHeatflux",
}

// buildAnalysisScript renders the analysis document: container,
// material, one constraint object per input constraint, and the mesh
// placeholder. Geometry and results stay out of the script so a
// recovery replay rebuilds the same document without rerunning the
// solver.
func buildAnalysisScript(in *FEMInput, mat Material) string {
	var sb strings.Builder
	sb.WriteString("import FreeCAD\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	sb.WriteString("analysis = doc.addObject(\"Fem::AnalysisPython\", \"Analysis\")\n")
	fmt.Fprintf(&sb, "material = doc.addObject(\"App::MaterialObjectPython\", %s)\n", pyStr("Material_"+pyIdent(mat.Name)))
	fmt.Fprintf(&sb, "material.YoungsModulus = %.6g\n", mat.YoungsModulusMPa)
	fmt.Fprintf(&sb, "material.PoissonRatio = %.6g\n", mat.PoissonRatio)
	for i, c := range in.Constraints {
		name := fmt.Sprintf("Constraint_%s_%d", pyIdent(c.Type), i+1)
		fmt.Fprintf(&sb, "con%d = doc.addObject(%s, %s)\n", i, pyStr(femConstraintObjects[c.Type]), pyStr(name))
		fmt.Fprintf(&sb, "con%d.Face = %s\n", i, pyStr(c.Face))
		if c.Type != "fixed" {
			fmt.Fprintf(&sb, "con%d.Value = %.6g\n", i, c.Value)
		}
	}
	sb.WriteString("mesh = doc.addObject(\"Fem::FemMeshObject\", \"Mesh\")\n")
	fmt.Fprintf(&sb, "mesh.CharacteristicLength = %.6g\n", in.MeshSizeMM)
	sb.WriteString("doc.recompute()\n")
	return sb.String()
}
