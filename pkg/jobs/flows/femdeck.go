package flows

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// hexMesh is a structured grid of 8-node hexahedra over the model
// bounds. Node and element IDs are 1-based, the way the solver wants
// them.
type hexMesh struct {
	div   [3]int
	step  [3]float64
	nodes [][3]float64
	elems [][8]int
}

// buildHexMesh divides the bounds into cells of roughly the target
// edge length. Extents smaller than one element still get one.
func buildHexMesh(bounds [3]float64, size float64) (*hexMesh, error) {
	if !(size > 0) {
		return nil, fmt.Errorf("mesh size must be positive, got %g", size)
	}
	m := &hexMesh{}
	for i, b := range bounds {
		if !(b > 0) {
			return nil, fmt.Errorf("bounds[%d] must be positive, got %g", i, b)
		}
		d := int(math.Ceil(b / size))
		if d < 1 {
			d = 1
		}
		m.div[i] = d
		m.step[i] = b / float64(d)
	}

	nx, ny, nz := m.div[0], m.div[1], m.div[2]
	m.nodes = make([][3]float64, 0, (nx+1)*(ny+1)*(nz+1))
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				m.nodes = append(m.nodes, [3]float64{
					float64(i) * m.step[0],
					float64(j) * m.step[1],
					float64(k) * m.step[2],
				})
			}
		}
	}

	m.elems = make([][8]int, 0, nx*ny*nz)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				n := func(di, dj, dk int) int { return m.nodeID(i+di, j+dj, k+dk) }
				// C3D8 order: bottom face counterclockwise, then the
				// top face in the same sense.
				m.elems = append(m.elems, [8]int{
					n(0, 0, 0), n(1, 0, 0), n(1, 1, 0), n(0, 1, 0),
					n(0, 0, 1), n(1, 0, 1), n(1, 1, 1), n(0, 1, 1),
				})
			}
		}
	}
	return m, nil
}

func (m *hexMesh) nodeID(i, j, k int) int {
	return 1 + i + j*(m.div[0]+1) + k*(m.div[0]+1)*(m.div[1]+1)
}

// nodesOnFace lists the node IDs of one bounding-box face.
func (m *hexMesh) nodesOnFace(face string) []int {
	nx, ny, nz := m.div[0], m.div[1], m.div[2]
	var ids []int
	add := func(i, j, k int) { ids = append(ids, m.nodeID(i, j, k)) }
	switch face {
	case "xmin", "xmax":
		i := 0
		if face == "xmax" {
			i = nx
		}
		for k := 0; k <= nz; k++ {
			for j := 0; j <= ny; j++ {
				add(i, j, k)
			}
		}
	case "ymin", "ymax":
		j := 0
		if face == "ymax" {
			j = ny
		}
		for k := 0; k <= nz; k++ {
			for i := 0; i <= nx; i++ {
				add(i, j, k)
			}
		}
	case "zmin", "zmax":
		k := 0
		if face == "zmax" {
			k = nz
		}
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				add(i, j, k)
			}
		}
	}
	return ids
}

// faceArea returns the area of one bounding-box face in mm2.
func faceArea(bounds [3]float64, face string) float64 {
	switch face[0] {
	case 'x':
		return bounds[1] * bounds[2]
	case 'y':
		return bounds[0] * bounds[2]
	default:
		return bounds[0] * bounds[1]
	}
}

// faceOutwardNormal is the unit normal pointing out of the box.
func faceOutwardNormal(face string) [3]float64 {
	switch face {
	case "xmin":
		return [3]float64{-1, 0, 0}
	case "xmax":
		return [3]float64{1, 0, 0}
	case "ymin":
		return [3]float64{0, -1, 0}
	case "ymax":
		return [3]float64{0, 1, 0}
	case "zmin":
		return [3]float64{0, 0, -1}
	default:
		return [3]float64{0, 0, 1}
	}
}

// renderDeck writes the solver input deck. The deck is in the solver's
// mm-N-s-K unit system: moduli and stresses in MPa, density in t/mm3,
// conductivity numerically equal to W/(m K), specific heat scaled by
// 1e6 from J/(kg K).
func renderDeck(in *FEMInput, m *hexMesh, mat Material) []byte {
	var b bytes.Buffer
	matName := deckName(mat.Name)

	fmt.Fprintf(&b, "*HEADING\nForgeVault %s analysis, material %s\n", in.Analysis, mat.Name)

	b.WriteString("*NODE, NSET=NALL\n")
	for i, n := range m.nodes {
		fmt.Fprintf(&b, "%d, %.6f, %.6f, %.6f\n", i+1, n[0], n[1], n[2])
	}

	b.WriteString("*ELEMENT, TYPE=C3D8, ELSET=EALL\n")
	for i, e := range m.elems {
		fmt.Fprintf(&b, "%d, %d, %d, %d, %d, %d, %d, %d, %d\n",
			i+1, e[0], e[1], e[2], e[3], e[4], e[5], e[6], e[7])
	}

	for _, face := range referencedFaces(in.Constraints) {
		fmt.Fprintf(&b, "*NSET, NSET=%s\n", faceSetName(face))
		writeIDList(&b, m.nodesOnFace(face))
	}

	fmt.Fprintf(&b, "*MATERIAL, NAME=%s\n", matName)
	fmt.Fprintf(&b, "*ELASTIC\n%.6g, %.6g\n", mat.YoungsModulusMPa, mat.PoissonRatio)
	fmt.Fprintf(&b, "*DENSITY\n%.6g\n", mat.DensityKgM3*1e-12)
	thermal := in.Analysis == AnalysisThermalSteady || in.Analysis == AnalysisThermalTransient || in.Analysis == AnalysisCoupled
	if thermal && mat.ConductivityWmK > 0 {
		fmt.Fprintf(&b, "*CONDUCTIVITY\n%.6g\n", mat.ConductivityWmK)
	}
	if in.Analysis == AnalysisThermalTransient && mat.SpecificHeatJkgK > 0 {
		fmt.Fprintf(&b, "*SPECIFIC HEAT\n%.6g\n", mat.SpecificHeatJkgK*1e6)
	}
	if in.Analysis == AnalysisCoupled && mat.ExpansionPerK > 0 {
		fmt.Fprintf(&b, "*EXPANSION\n%.6g\n", mat.ExpansionPerK)
	}
	fmt.Fprintf(&b, "*SOLID SECTION, ELSET=EALL, MATERIAL=%s\n", matName)

	b.WriteString("*STEP\n")
	modes := in.Modes
	if modes == 0 {
		modes = 10
	}
	switch in.Analysis {
	case AnalysisStatic:
		b.WriteString("*STATIC\n")
	case AnalysisModal:
		fmt.Fprintf(&b, "*FREQUENCY\n%d\n", modes)
	case AnalysisBuckling:
		fmt.Fprintf(&b, "*BUCKLE\n%d\n", modes)
	case AnalysisThermalSteady:
		b.WriteString("*HEAT TRANSFER, STEADY STATE\n")
	case AnalysisThermalTransient:
		dt := in.TimeStepS
		if dt == 0 {
			dt = in.PeriodS / 100
		}
		fmt.Fprintf(&b, "*HEAT TRANSFER\n%.6g, %.6g\n", dt, in.PeriodS)
	case AnalysisCoupled:
		b.WriteString("*COUPLED TEMPERATURE-DISPLACEMENT, STEADY STATE\n")
	}

	writeBoundaries(&b, in, m)

	switch in.Analysis {
	case AnalysisThermalSteady, AnalysisThermalTransient:
		b.WriteString("*NODE FILE\nNT\n")
	case AnalysisCoupled:
		b.WriteString("*NODE FILE\nU, NT\n*EL FILE\nS\n")
	default:
		b.WriteString("*NODE FILE\nU\n*EL FILE\nS\n")
	}
	b.WriteString("*NODE PRINT, NSET=NALL\n")
	switch in.Analysis {
	case AnalysisThermalSteady, AnalysisThermalTransient:
		b.WriteString("NT\n")
	case AnalysisCoupled:
		b.WriteString("U, NT\n")
	default:
		b.WriteString("U\n")
	}
	b.WriteString("*END STEP\n")
	return b.Bytes()
}

// writeBoundaries renders the *BOUNDARY, *CLOAD, and *CFLUX cards.
// Face loads become equivalent nodal loads split evenly across the
// face node set.
func writeBoundaries(b *bytes.Buffer, in *FEMInput, m *hexMesh) {
	var boundary, cload, cflux []string
	for _, c := range in.Constraints {
		set := faceSetName(c.Face)
		count := float64(len(m.nodesOnFace(c.Face)))
		switch c.Type {
		case "fixed":
			boundary = append(boundary, fmt.Sprintf("%s, 1, 3", set))
		case "temperature":
			boundary = append(boundary, fmt.Sprintf("%s, 11, 11, %.6g", set, c.Value))
		case "force":
			dir := unitDirection(c.Direction, c.Face)
			for axis, d := range dir {
				if d == 0 {
					continue
				}
				cload = append(cload, fmt.Sprintf("%s, %d, %.6g", set, axis+1, c.Value*d/count))
			}
		case "pressure":
			// Positive pressure pushes into the face.
			total := c.Value * faceArea(in.BoundsMM, c.Face)
			n := faceOutwardNormal(c.Face)
			for axis, d := range n {
				if d == 0 {
					continue
				}
				cload = append(cload, fmt.Sprintf("%s, %d, %.6g", set, axis+1, -total*d/count))
			}
		case "heatflux":
			total := c.Value * faceArea(in.BoundsMM, c.Face)
			cflux = append(cflux, fmt.Sprintf("%s, 11, %.6g", set, total/count))
		}
	}
	if len(boundary) > 0 {
		b.WriteString("*BOUNDARY\n")
		for _, line := range boundary {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if len(cload) > 0 {
		b.WriteString("*CLOAD\n")
		for _, line := range cload {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if len(cflux) > 0 {
		b.WriteString("*CFLUX\n")
		for _, line := range cflux {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
}

// unitDirection normalizes the requested load direction, defaulting to
// pushing into the face when none is given.
func unitDirection(dir [3]float64, face string) [3]float64 {
	length := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
	if length == 0 {
		n := faceOutwardNormal(face)
		return [3]float64{-n[0], -n[1], -n[2]}
	}
	return [3]float64{dir[0] / length, dir[1] / length, dir[2] / length}
}

// referencedFaces lists each constrained face once, in stable order.
func referencedFaces(constraints []FEMConstraint) []string {
	seen := make(map[string]bool, len(constraints))
	var faces []string
	for _, c := range constraints {
		if !seen[c.Face] {
			seen[c.Face] = true
			faces = append(faces, c.Face)
		}
	}
	sort.Strings(faces)
	return faces
}

func faceSetName(face string) string {
	return "F_" + strings.ToUpper(face)
}

// deckName sanitizes a material name for the deck. Solver names allow
// no spaces or commas.
func deckName(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "MAT"
	}
	return sb.String()
}

// writeIDList renders node IDs eight per line, within the solver's
// sixteen-entry line limit.
func writeIDList(b *bytes.Buffer, ids []int) {
	for i, id := range ids {
		if i > 0 {
			if i%8 == 0 {
				b.WriteByte('\n')
			} else {
				b.WriteString(", ")
			}
		}
		fmt.Fprintf(b, "%d", id)
	}
	if len(ids) > 0 {
		b.WriteByte('\n')
	}
}

// parseDAT extracts result maxima from the solver's .dat output. The
// format is block-oriented: a header line names the quantity, numeric
// rows follow. Unknown blocks and junk lines are skipped, so a partial
// or foreign file yields a partial summary rather than an error.
func parseDAT(data []byte) *ResultSummary {
	sum := &ResultSummary{}
	found := false

	const (
		blockNone = iota
		blockDisplacement
		blockStress
		blockTemperature
		blockEigen
		blockBuckle
	)
	block := blockNone

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "displacements"):
			block = blockDisplacement
			continue
		case strings.HasPrefix(lower, "stresses"):
			block = blockStress
			continue
		case strings.HasPrefix(lower, "temperatures"):
			block = blockTemperature
			continue
		case strings.Contains(line, "E I G E N V A L U E"):
			block = blockEigen
			continue
		case strings.Contains(line, "B U C K L I N G"):
			block = blockBuckle
			continue
		}

		nums, ok := parseFloatFields(line)
		if !ok {
			continue
		}
		switch block {
		case blockDisplacement:
			if len(nums) >= 4 {
				mag := math.Sqrt(nums[1]*nums[1] + nums[2]*nums[2] + nums[3]*nums[3])
				if mag > sum.MaxDisplacementMM {
					sum.MaxDisplacementMM = mag
				}
				found = true
			}
		case blockStress:
			if len(nums) >= 8 {
				vm := vonMises(nums[2:8])
				if vm > sum.MaxStressMPa {
					sum.MaxStressMPa = vm
				}
				found = true
			}
		case blockTemperature:
			if len(nums) >= 2 {
				if nums[1] > sum.MaxTemperatureK {
					sum.MaxTemperatureK = nums[1]
				}
				found = true
			}
		case blockEigen:
			// Mode rows: number, eigenvalue, omega, frequency in Hz.
			if len(nums) >= 4 {
				sum.FrequenciesHz = append(sum.FrequenciesHz, nums[3])
				found = true
			}
		case blockBuckle:
			if len(nums) >= 2 {
				sum.BucklingFactors = append(sum.BucklingFactors, nums[1])
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return sum
}

// parseFloatFields parses a whitespace-separated line of numbers,
// rejecting the line if any field is non-numeric.
func parseFloatFields(line string) ([]float64, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}
	nums := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		nums[i] = v
	}
	return nums, true
}

// vonMises computes the equivalent stress from the six-component
// tensor in solver order: sxx, syy, szz, sxy, sxz, syz.
func vonMises(s []float64) float64 {
	d1 := s[0] - s[1]
	d2 := s[1] - s[2]
	d3 := s[2] - s[0]
	return math.Sqrt(0.5*(d1*d1+d2*d2+d3*d3) + 3*(s[3]*s[3]+s[4]*s[4]+s[5]*s[5]))
}
