package flows

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/forgevault/forgevault/pkg/resilience"
)

// Vec3 is a mesh coordinate in millimetres. float32 matches the binary
// STL encoding, so round-trips are exact.
type Vec3 struct {
	X, Y, Z float32
}

func (v Vec3) sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vec3) cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

func (v Vec3) length() float64 {
	x, y, z := float64(v.X), float64(v.Y), float64(v.Z)
	return math.Sqrt(x*x + y*y + z*z)
}

func (v Vec3) scale(f float64) Vec3 {
	return Vec3{float32(float64(v.X) * f), float32(float64(v.Y) * f), float32(float64(v.Z) * f)}
}

// Triangle is one mesh facet with its outward normal.
type Triangle struct {
	Normal  Vec3
	A, B, C Vec3
}

// Mesh is a triangle soup in millimetres.
type Mesh struct {
	Triangles []Triangle
}

// degenerateArea is the facet area below which a triangle is dropped
// during repair. Slicers choke on zero-area facets; anything under a
// thousandth of a square millimetre is noise from the exporter.
const degenerateArea = 1e-3

// area returns the facet area in square millimetres.
func (t Triangle) area() float64 {
	return t.B.sub(t.A).cross(t.C.sub(t.A)).length() / 2
}

// facetNormal computes the right-hand-rule normal from the vertex
// winding. Degenerate facets return the zero vector.
func (t Triangle) facetNormal() Vec3 {
	n := t.B.sub(t.A).cross(t.C.sub(t.A))
	l := n.length()
	if l == 0 {
		return Vec3{}
	}
	return n.scale(1 / l)
}

// Bounds returns the axis-aligned bounding box. An empty mesh returns
// two zero corners.
func (m *Mesh) Bounds() (min, max Vec3) {
	if len(m.Triangles) == 0 {
		return Vec3{}, Vec3{}
	}
	min = m.Triangles[0].A
	max = m.Triangles[0].A
	for _, t := range m.Triangles {
		for _, v := range [3]Vec3{t.A, t.B, t.C} {
			min.X = minf(min.X, v.X)
			min.Y = minf(min.Y, v.Y)
			min.Z = minf(min.Z, v.Z)
			max.X = maxf(max.X, v.X)
			max.Y = maxf(max.Y, v.Y)
			max.Z = maxf(max.Z, v.Z)
		}
	}
	return min, max
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// Scale multiplies every coordinate, converting declared units to
// millimetres.
func (m *Mesh) Scale(factor float64) {
	if factor == 1 {
		return
	}
	for i := range m.Triangles {
		t := &m.Triangles[i]
		t.A = t.A.scale(factor)
		t.B = t.B.scale(factor)
		t.C = t.C.scale(factor)
	}
}

// Translate shifts every coordinate by d.
func (m *Mesh) Translate(d Vec3) {
	for i := range m.Triangles {
		t := &m.Triangles[i]
		t.A = Vec3{t.A.X + d.X, t.A.Y + d.Y, t.A.Z + d.Z}
		t.B = Vec3{t.B.X + d.X, t.B.Y + d.Y, t.B.Z + d.Z}
		t.C = Vec3{t.C.X + d.X, t.C.Y + d.Y, t.C.Z + d.Z}
	}
}

// NormalizeOrigin moves the mesh so its bounding box rests on the
// origin with positive extents.
func (m *Mesh) NormalizeOrigin() {
	if len(m.Triangles) == 0 {
		return
	}
	min, _ := m.Bounds()
	m.Translate(Vec3{-min.X, -min.Y, -min.Z})
}

// RepairStats summarizes what Repair changed.
type RepairStats struct {
	Dropped         int `json:"dropped_triangles,omitempty"`
	NormalsRebuilt  int `json:"normals_rebuilt,omitempty"`
	TrianglesBefore int `json:"triangles_before"`
	TrianglesAfter  int `json:"triangles_after"`
}

// Repair drops degenerate facets and rebuilds normals that disagree
// with the vertex winding, in place.
func (m *Mesh) Repair() RepairStats {
	stats := RepairStats{TrianglesBefore: len(m.Triangles)}
	kept := m.Triangles[:0]
	for _, t := range m.Triangles {
		if t.area() < degenerateArea {
			stats.Dropped++
			continue
		}
		want := t.facetNormal()
		if diverges(t.Normal, want) {
			t.Normal = want
			stats.NormalsRebuilt++
		}
		kept = append(kept, t)
	}
	m.Triangles = kept
	stats.TrianglesAfter = len(m.Triangles)
	return stats
}

// diverges reports whether a stored normal is unusable: zero, not unit
// length, or pointing away from the winding normal.
func diverges(stored, want Vec3) bool {
	l := stored.length()
	if l < 0.9 || l > 1.1 {
		return true
	}
	dot := float64(stored.X*want.X + stored.Y*want.Y + stored.Z*want.Z)
	return dot < 0.99
}

// ParseSTL decodes an STL payload, either encoding.
func ParseSTL(data []byte) (*Mesh, error) {
	if isBinarySTL(data) {
		return parseBinarySTL(data)
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n\uFEFF")
	if isASCIISTL(trimmed) {
		return parseASCIISTL(data)
	}
	return nil, &resilience.InputError{Code: "invalid_input", Detail: "payload is not a valid STL"}
}

func parseBinarySTL(data []byte) (*Mesh, error) {
	count := binary.LittleEndian.Uint32(data[80:84])
	m := &Mesh{Triangles: make([]Triangle, 0, count)}
	off := binarySTLHeader
	for i := uint32(0); i < count; i++ {
		rec := data[off : off+50]
		var t Triangle
		t.Normal = readVec3(rec[0:12])
		t.A = readVec3(rec[12:24])
		t.B = readVec3(rec[24:36])
		t.C = readVec3(rec[36:48])
		m.Triangles = append(m.Triangles, t)
		off += 50
	}
	return m, nil
}

func readVec3(b []byte) Vec3 {
	return Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
	}
}

func parseASCIISTL(data []byte) (*Mesh, error) {
	m := &Mesh{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var cur Triangle
	verts := 0
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "facet":
			// "facet normal nx ny nz"
			if len(fields) == 5 && fields[1] == "normal" {
				n, err := parseVec3(fields[2:5])
				if err != nil {
					return nil, stlSyntax(line, err)
				}
				cur = Triangle{Normal: n}
				verts = 0
			}
		case "vertex":
			if len(fields) != 4 {
				return nil, stlSyntax(line, fmt.Errorf("vertex needs three coordinates"))
			}
			v, err := parseVec3(fields[1:4])
			if err != nil {
				return nil, stlSyntax(line, err)
			}
			switch verts {
			case 0:
				cur.A = v
			case 1:
				cur.B = v
			case 2:
				cur.C = v
			default:
				return nil, stlSyntax(line, fmt.Errorf("facet has more than three vertices"))
			}
			verts++
		case "endfacet":
			if verts != 3 {
				return nil, stlSyntax(line, fmt.Errorf("facet has %d vertices, need three", verts))
			}
			m.Triangles = append(m.Triangles, cur)
			verts = 0
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "reading STL: " + err.Error()}
	}
	if len(m.Triangles) == 0 {
		return nil, &resilience.InputError{Code: "invalid_input", Detail: "STL contains no facets"}
	}
	return m, nil
}

func stlSyntax(line int, err error) error {
	return &resilience.InputError{
		Code:   "invalid_input",
		Detail: fmt.Sprintf("STL line %d: %v", line, err),
	}
}

func parseVec3(fields []string) (Vec3, error) {
	var out [3]float32
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return Vec3{}, fmt.Errorf("bad coordinate %q", f)
		}
		out[i] = float32(v)
	}
	return Vec3{out[0], out[1], out[2]}, nil
}

// EncodeBinarySTL renders the mesh in the binary encoding slicers and
// viewers prefer.
func EncodeBinarySTL(m *Mesh) []byte {
	buf := make([]byte, binarySTLHeader+50*len(m.Triangles))
	copy(buf, "ForgeVault normalized mesh")
	binary.LittleEndian.PutUint32(buf[80:84], uint32(len(m.Triangles)))
	off := binarySTLHeader
	for _, t := range m.Triangles {
		writeVec3(buf[off:], t.Normal)
		writeVec3(buf[off+12:], t.A)
		writeVec3(buf[off+24:], t.B)
		writeVec3(buf[off+36:], t.C)
		// Attribute byte count stays zero.
		off += 50
	}
	return buf
}

func writeVec3(b []byte, v Vec3) {
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(v.X))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(v.Y))
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(v.Z))
}
