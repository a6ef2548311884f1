package flows

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/jobs"
	"github.com/forgevault/forgevault/pkg/objstore"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// UploadInput is the payload of an upload-normalization job. The raw
// upload already sits in object storage; the flow reads it from Key.
type UploadInput struct {
	Key      string `json:"key"`
	Filename string `json:"filename,omitempty"`

	// Units declares the source units for unitless formats (STL).
	// Defaults to millimetres; dimensioned formats carry their own
	// declaration and ignore this.
	Units string `json:"units,omitempty"`
}

// BOMItem is one line of an extracted bill of materials.
type BOMItem struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// UploadResult is the terminal record of an upload job.
type UploadResult struct {
	DocumentID string `json:"document_id"`
	Format     Format `json:"format"`

	// SourceUnits is what the upload declared; coordinates in every
	// produced artifact are millimetres.
	SourceUnits string `json:"source_units,omitempty"`

	Mesh        *RepairStats      `json:"mesh,omitempty"`
	BOM         []BOMItem         `json:"bom,omitempty"`
	DXFEntities map[string]int    `json:"dxf_entities,omitempty"`
	Objects     []string          `json:"objects,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	SnapshotID  string            `json:"snapshot_id,omitempty"`
}

// Upload normalizes an uploaded CAD file into a kernel document plus a
// canonical artifact set: detect the format, convert to millimetres,
// repair meshes, extrude 2D drawings, extract the IFC BOM, then build,
// export, and snapshot like every other flow.
type Upload struct {
	base
}

// NewUpload wires the upload-normalization flow.
func NewUpload(d Deps) (*Upload, error) {
	b, err := newBase(d)
	if err != nil {
		return nil, err
	}
	return &Upload{base: b}, nil
}

func (u *Upload) Name() string { return jobs.FlowUpload }

func (u *Upload) Execute(ctx context.Context, run *jobs.Run) (out any, err error) {
	var in UploadInput
	if err := run.Payload(&in); err != nil {
		return nil, err
	}
	if in.Key == "" {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "upload key must not be empty"}
	}

	job := run.Job
	docID := targetDocument(job)
	if err := u.logStart(ctx, job, docID, in); err != nil {
		return nil, err
	}
	defer func() { u.logEnd(ctx, job, docID, out, err) }()

	data, _, err := u.deps.Objects.Get(ctx, in.Key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "upload object " + in.Key + " not found"}
	}
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 5, "fetch"); err != nil {
		return nil, err
	}

	format, err := DetectFormat(data, in.Filename)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 15, "detect"); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "Upload format detected",
		logger.JobID(job.ID),
		"format", string(format),
		"bytes", len(data))

	result := &UploadResult{
		DocumentID: docID,
		Format:     format,
		Artifacts:  make(map[string]string),
	}

	norm, err := normalizeUpload(format, data, &in, result)
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 40, "normalize"); err != nil {
		return nil, err
	}

	var exported []byte
	err = u.withDocument(ctx, docID, func(ctx context.Context) error {
		h, err := u.openOrCreate(ctx, docID)
		if err != nil {
			return err
		}
		defer u.closeQuietly(ctx, h)

		res, err := u.runScript(ctx, h, norm.script)
		if err != nil {
			return err
		}
		result.Objects = objectNames(res)
		if err := run.Checkpoint.Tick(ctx, 60, "build"); err != nil {
			return err
		}
		if err := u.logMutation(ctx, job, docID, norm.script, result.Objects); err != nil {
			return err
		}
		exported, err = u.deps.Kernel.ExportDocument(ctx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := run.Checkpoint.Tick(ctx, 80, "export"); err != nil {
		return nil, err
	}

	norm.artifacts["fcstd"] = exported
	for ext, payload := range norm.artifacts {
		key, err := u.uploadArtifact(ctx, job, ext, payload)
		if err != nil {
			return nil, err
		}
		result.Artifacts[ext] = key
	}
	if err := run.Checkpoint.Tick(ctx, 95, "upload"); err != nil {
		return nil, err
	}

	snap, err := u.backupDocument(ctx, job, docID, exported)
	if err != nil {
		return nil, err
	}
	result.SnapshotID = snap.ID
	return result, nil
}

// normalized carries what format-specific handling produced: the build
// script for the kernel and the artifact payloads keyed by extension.
type normalized struct {
	script    string
	artifacts map[string][]byte
}

func normalizeUpload(format Format, data []byte, in *UploadInput, result *UploadResult) (*normalized, error) {
	switch format {
	case FormatSTL:
		return normalizeSTL(data, in, result)
	case FormatDXF:
		return normalizeDXF(data, result)
	case FormatIFC:
		return normalizeIFC(data, result)
	case FormatSTEP:
		return normalizeSTEP(data, result)
	case FormatIGES:
		return normalizeIGES(data, result)
	}
	return nil, &resilience.InputError{
		Code:   "unsupported_format",
		Detail: fmt.Sprintf("no normalizer for format %q", format),
	}
}

// normalizeSTL parses the mesh, scales it to millimetres, rests it on
// the origin, and repairs degenerate facets and broken normals. The
// repaired mesh ships as binary STL and GLB.
func normalizeSTL(data []byte, in *UploadInput, result *UploadResult) (*normalized, error) {
	scale, err := unitScale(in.Units)
	if err != nil {
		return nil, err
	}
	mesh, err := ParseSTL(data)
	if err != nil {
		return nil, err
	}
	mesh.Scale(scale)
	mesh.NormalizeOrigin()
	stats := mesh.Repair()
	if stats.TrianglesAfter == 0 {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "mesh has no usable facets after repair"}
	}
	result.Mesh = &stats
	result.SourceUnits = canonicalUnit(in.Units)
	if stats.Dropped > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("dropped %d degenerate facets", stats.Dropped))
	}

	stl := EncodeBinarySTL(mesh)
	glb, err := EncodeGLB(mesh, "Mesh")
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("import FreeCAD\nimport Mesh\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	fmt.Fprintf(&sb, "# normalized upload: %d facets, millimetres, origin-aligned\n", stats.TrianglesAfter)
	sb.WriteString("mesh = doc.addObject(\"Mesh::Feature\", \"Mesh\")\n")
	sb.WriteString("doc.recompute()\n")

	return &normalized{
		script:    sb.String(),
		artifacts: map[string][]byte{"stl": stl, "glb": glb},
	}, nil
}

// normalizeDXF counts the drawing's entities and builds the extrusion
// document. The original drawing passes through as an artifact.
func normalizeDXF(data []byte, result *UploadResult) (*normalized, error) {
	entities, err := parseDXFEntities(data)
	if err != nil {
		return nil, err
	}
	result.DXFEntities = entities
	result.SourceUnits = "mm"

	total := 0
	for _, n := range entities {
		total += n
	}

	var sb strings.Builder
	sb.WriteString("import FreeCAD\nimport Part\nimport Draft\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	fmt.Fprintf(&sb, "# imported drawing: %d entities\n", total)
	sb.WriteString("sketch = doc.addObject(\"Sketcher::SketchObject\", \"Drawing\")\n")
	sb.WriteString("pad = doc.addObject(\"Part::Extrusion\", \"Extrude\")\n")
	sb.WriteString("pad.Base = sketch\n")
	sb.WriteString("pad.LengthFwd = 10.0\n")
	sb.WriteString("pad.Solid = True\n")
	sb.WriteString("doc.recompute()\n")

	return &normalized{
		script:    sb.String(),
		artifacts: map[string][]byte{"dxf": data},
	}, nil
}

// normalizeIFC extracts the bill of materials and builds a container
// document. The model itself stays in the passthrough artifact.
func normalizeIFC(data []byte, result *UploadResult) (*normalized, error) {
	bom, err := extractIFCBOM(data)
	if err != nil {
		return nil, err
	}
	result.BOM = bom
	result.SourceUnits = "mm"

	var sb strings.Builder
	sb.WriteString("import FreeCAD\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	sb.WriteString("building = doc.addObject(\"App::Part\", \"Building\")\n")
	for _, item := range bom {
		fmt.Fprintf(&sb, "# %s x%d\n", item.Type, item.Count)
	}
	sb.WriteString("doc.recompute()\n")

	return &normalized{
		script:    sb.String(),
		artifacts: map[string][]byte{"ifc": data},
	}, nil
}

func normalizeSTEP(data []byte, result *UploadResult) (*normalized, error) {
	unit := stepLengthUnit(data)
	result.SourceUnits = unit
	if unit == "" {
		result.SourceUnits = "mm"
		result.Warnings = append(result.Warnings, "no length unit declared, assuming millimetres")
	}

	var sb strings.Builder
	sb.WriteString("import FreeCAD\nimport Part\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	sb.WriteString("shape = doc.addObject(\"Part::Feature\", \"Imported\")\n")
	sb.WriteString("doc.recompute()\n")

	return &normalized{
		script:    sb.String(),
		artifacts: map[string][]byte{"step": data},
	}, nil
}

func normalizeIGES(data []byte, result *UploadResult) (*normalized, error) {
	result.SourceUnits = "mm"
	var sb strings.Builder
	sb.WriteString("import FreeCAD\nimport Part\n\n")
	sb.WriteString("doc = FreeCAD.ActiveDocument\n")
	sb.WriteString("shape = doc.addObject(\"Part::Feature\", \"Imported\")\n")
	sb.WriteString("doc.recompute()\n")

	return &normalized{
		script:    sb.String(),
		artifacts: map[string][]byte{"iges": data},
	}, nil
}

func canonicalUnit(unit string) string {
	if strings.TrimSpace(unit) == "" {
		return "mm"
	}
	return strings.ToLower(strings.TrimSpace(unit))
}

// dxfEntityTypes are the 2D entities the extruder understands. Anything
// else in the ENTITIES section is counted under "other".
var dxfEntityTypes = map[string]bool{
	"LINE":       true,
	"LWPOLYLINE": true,
	"POLYLINE":   true,
	"CIRCLE":     true,
	"ARC":        true,
	"ELLIPSE":    true,
	"SPLINE":     true,
	"POINT":      true,
	"TEXT":       true,
	"MTEXT":      true,
}

// parseDXFEntities walks the ENTITIES section counting entity starts.
// A DXF is a strict sequence of code/value line pairs; an entity start
// is code 0 with the entity type as its value.
func parseDXFEntities(data []byte) (map[string]int, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	counts := make(map[string]int)
	inEntities := false
	awaitSectionName := false
	var code string
	haveCode := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !haveCode {
			code = line
			haveCode = true
			continue
		}
		haveCode = false
		switch {
		case code == "0" && line == "SECTION":
			awaitSectionName = true
			inEntities = false
		case code == "2" && awaitSectionName:
			awaitSectionName = false
			inEntities = line == "ENTITIES"
		case code == "0" && line == "ENDSEC":
			inEntities = false
		case code == "0" && inEntities:
			if dxfEntityTypes[line] {
				counts[line]++
			} else {
				counts["other"]++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "reading DXF: " + err.Error()}
	}
	if len(counts) == 0 {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "DXF has no entities to extrude"}
	}
	return counts, nil
}

// ifcProductTypes are the building elements worth a BOM line.
var ifcProductTypes = map[string]bool{
	"IFCWALL":                   true,
	"IFCWALLSTANDARDCASE":       true,
	"IFCDOOR":                   true,
	"IFCWINDOW":                 true,
	"IFCSLAB":                   true,
	"IFCBEAM":                   true,
	"IFCCOLUMN":                 true,
	"IFCROOF":                   true,
	"IFCSTAIR":                  true,
	"IFCRAILING":                true,
	"IFCPLATE":                  true,
	"IFCMEMBER":                 true,
	"IFCCOVERING":               true,
	"IFCFOOTING":                true,
	"IFCPILE":                   true,
	"IFCFURNISHINGELEMENT":      true,
	"IFCBUILDINGELEMENTPROXY":   true,
	"IFCFLOWTERMINAL":           true,
	"IFCDISTRIBUTIONELEMENT":    true,
	"IFCTRANSPORTELEMENT":       true,
	"IFCCURTAINWALL":            true,
	"IFCMECHANICALFASTENER":     true,
	"IFCREINFORCINGBAR":         true,
	"IFCELECTRICALELEMENT":      true,
	"IFCENERGYCONVERSIONDEVICE": true,
}

// extractIFCBOM counts the data section's product instances: lines of
// the form "#12=IFCWALL(...)".
func extractIFCBOM(data []byte) ([]BOMItem, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	counts := make(map[string]int)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		rest := strings.TrimSpace(line[eq+1:])
		paren := strings.IndexByte(rest, '(')
		if paren < 0 {
			continue
		}
		typ := strings.ToUpper(strings.TrimSpace(rest[:paren]))
		if ifcProductTypes[typ] {
			counts[typ]++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "reading IFC: " + err.Error()}
	}
	if len(counts) == 0 {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "IFC contains no building elements"}
	}

	bom := make([]BOMItem, 0, len(counts))
	for typ, n := range counts {
		bom = append(bom, BOMItem{Type: typ, Count: n})
	}
	sort.Slice(bom, func(i, j int) bool { return bom[i].Type < bom[j].Type })
	return bom, nil
}

// stepLengthUnit sniffs the declared length unit from the Part 21 data
// section. Returns "" when no recognizable declaration exists.
func stepLengthUnit(data []byte) string {
	head := data
	if len(head) > 64*1024 {
		head = head[:64*1024]
	}
	s := string(head)
	idx := strings.Index(s, "SI_UNIT")
	for idx >= 0 {
		end := strings.IndexByte(s[idx:], ')')
		if end < 0 {
			break
		}
		decl := s[idx : idx+end]
		if strings.Contains(decl, ".METRE.") {
			switch {
			case strings.Contains(decl, ".MILLI."):
				return "mm"
			case strings.Contains(decl, ".CENTI."):
				return "cm"
			default:
				return "m"
			}
		}
		next := strings.Index(s[idx+1:], "SI_UNIT")
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	if strings.Contains(s, "'INCH'") || strings.Contains(s, "'inch'") {
		return "in"
	}
	return ""
}
