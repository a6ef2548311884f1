package flows

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// glTF 2.0 binary container constants.
const (
	glbMagic     = 0x46546C67 // "glTF"
	glbVersion   = 2
	glbChunkJSON = 0x4E4F534A // "JSON"
	glbChunkBIN  = 0x004E4942 // "BIN\0"

	gltfFloat        = 5126 // componentType FLOAT
	gltfArrayBuffer  = 34962
	gltfModeTriangle = 4
)

// gltfDoc is the subset of the glTF 2.0 schema the exporter emits: one
// scene, one node, one mesh with unindexed POSITION and NORMAL streams.
type gltfDoc struct {
	Asset       gltfAsset        `json:"asset"`
	Scene       int              `json:"scene"`
	Scenes      []gltfScene      `json:"scenes"`
	Nodes       []gltfNode       `json:"nodes"`
	Meshes      []gltfMesh       `json:"meshes"`
	Accessors   []gltfAccessor   `json:"accessors"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Buffers     []gltfBuffer     `json:"buffers"`
}

type gltfAsset struct {
	Version   string `json:"version"`
	Generator string `json:"generator"`
}

type gltfScene struct {
	Nodes []int `json:"nodes"`
}

type gltfNode struct {
	Mesh int    `json:"mesh"`
	Name string `json:"name,omitempty"`
}

type gltfMesh struct {
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Mode       int            `json:"mode"`
}

type gltfAccessor struct {
	BufferView    int       `json:"bufferView"`
	ComponentType int       `json:"componentType"`
	Count         int       `json:"count"`
	Type          string    `json:"type"`
	Min           []float32 `json:"min,omitempty"`
	Max           []float32 `json:"max,omitempty"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	Target     int `json:"target"`
}

type gltfBuffer struct {
	ByteLength int `json:"byteLength"`
}

// EncodeGLB renders the mesh as a self-contained glTF binary for web
// preview. Vertices are unindexed with flat per-vertex normals, which
// keeps the writer simple and viewers happy with hard CAD edges.
func EncodeGLB(m *Mesh, name string) ([]byte, error) {
	if len(m.Triangles) == 0 {
		return nil, fmt.Errorf("cannot export an empty mesh")
	}

	vertexCount := len(m.Triangles) * 3
	streamLen := vertexCount * 12

	bin := make([]byte, 0, streamLen*2)
	for _, t := range m.Triangles {
		for _, v := range [3]Vec3{t.A, t.B, t.C} {
			bin = appendVec3(bin, v)
		}
	}
	for _, t := range m.Triangles {
		n := t.facetNormal()
		for i := 0; i < 3; i++ {
			bin = appendVec3(bin, n)
		}
	}

	min, max := m.Bounds()
	doc := gltfDoc{
		Asset:  gltfAsset{Version: "2.0", Generator: "forgevault"},
		Scene:  0,
		Scenes: []gltfScene{{Nodes: []int{0}}},
		Nodes:  []gltfNode{{Mesh: 0, Name: name}},
		Meshes: []gltfMesh{{Primitives: []gltfPrimitive{{
			Attributes: map[string]int{"POSITION": 0, "NORMAL": 1},
			Mode:       gltfModeTriangle,
		}}}},
		Accessors: []gltfAccessor{
			{
				BufferView:    0,
				ComponentType: gltfFloat,
				Count:         vertexCount,
				Type:          "VEC3",
				Min:           []float32{min.X, min.Y, min.Z},
				Max:           []float32{max.X, max.Y, max.Z},
			},
			{
				BufferView:    1,
				ComponentType: gltfFloat,
				Count:         vertexCount,
				Type:          "VEC3",
			},
		},
		BufferViews: []gltfBufferView{
			{Buffer: 0, ByteOffset: 0, ByteLength: streamLen, Target: gltfArrayBuffer},
			{Buffer: 0, ByteOffset: streamLen, ByteLength: streamLen, Target: gltfArrayBuffer},
		},
		Buffers: []gltfBuffer{{ByteLength: len(bin)}},
	}

	jsonChunk, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding glTF document: %w", err)
	}
	// Chunks pad to four bytes: JSON with spaces, BIN with zeros.
	for len(jsonChunk)%4 != 0 {
		jsonChunk = append(jsonChunk, ' ')
	}
	for len(bin)%4 != 0 {
		bin = append(bin, 0)
	}

	total := 12 + 8 + len(jsonChunk) + 8 + len(bin)
	var out bytes.Buffer
	out.Grow(total)
	writeU32(&out, glbMagic)
	writeU32(&out, glbVersion)
	writeU32(&out, uint32(total))
	writeU32(&out, uint32(len(jsonChunk)))
	writeU32(&out, glbChunkJSON)
	out.Write(jsonChunk)
	writeU32(&out, uint32(len(bin)))
	writeU32(&out, glbChunkBIN)
	out.Write(bin)
	return out.Bytes(), nil
}

func appendVec3(b []byte, v Vec3) []byte {
	var tmp [12]byte
	binary.LittleEndian.PutUint32(tmp[0:4], math.Float32bits(v.X))
	binary.LittleEndian.PutUint32(tmp[4:8], math.Float32bits(v.Y))
	binary.LittleEndian.PutUint32(tmp[8:12], math.Float32bits(v.Z))
	return append(b, tmp[:]...)
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}
