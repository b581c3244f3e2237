// Package dummy is a mesh provider that answers every query with a unit
// cube. It takes no parameters and never fails, which makes it the provider
// of choice for wiring tests.
package dummy

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"

	"github.com/ggoodman/scenebridge/meshprovider"
	"github.com/ggoodman/scenebridge/scene"
)

const gltfFile = "cube.gltf"

// Provider returns the same cube for every subject, named after the subject.
type Provider struct{}

// New is a meshprovider.Factory.
func New(params map[string]json.RawMessage) (meshprovider.Provider, error) {
	if err := meshprovider.ValidateParameters(meshprovider.Dummy, params, nil, nil); err != nil {
		return nil, err
	}
	return Provider{}, nil
}

func (Provider) Resolve(ctx context.Context, q meshprovider.Query) (*meshprovider.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(q.Subject)
	if name == "" {
		name = "cube"
	}
	return &meshprovider.Asset{
		Name: name,
		GLTF: scene.GLTF{
			Files:    map[string]string{gltfFile: cube},
			GLTFFile: gltfFile,
		},
	}, nil
}

// cube is a self-contained glTF 2.0 document for a 1x1x1 box resting on the
// ground plane, geometry embedded as a data URI.
var cube = buildCube()

func buildCube() string {
	// Z is up; the box spans z in [0,1].
	verts := [8][3]float32{
		{-0.5, -0.5, 0}, {0.5, -0.5, 0}, {0.5, 0.5, 0}, {-0.5, 0.5, 0},
		{-0.5, -0.5, 1}, {0.5, -0.5, 1}, {0.5, 0.5, 1}, {-0.5, 0.5, 1},
	}
	idx := []uint16{
		0, 2, 1, 0, 3, 2, // bottom
		4, 5, 6, 4, 6, 7, // top
		0, 1, 5, 0, 5, 4,
		1, 2, 6, 1, 6, 5,
		2, 3, 7, 2, 7, 6,
		3, 0, 4, 3, 4, 7,
	}

	buf := make([]byte, 0, len(verts)*12+len(idx)*2)
	for _, v := range verts {
		for _, c := range v {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c))
		}
	}
	posLen := len(buf)
	for _, i := range idx {
		buf = binary.LittleEndian.AppendUint16(buf, i)
	}

	doc := map[string]any{
		"asset":  map[string]any{"version": "2.0", "generator": "scenebridge"},
		"scene":  0,
		"scenes": []any{map[string]any{"nodes": []int{0}}},
		"nodes":  []any{map[string]any{"mesh": 0, "name": "cube"}},
		"meshes": []any{map[string]any{
			"primitives": []any{map[string]any{
				"attributes": map[string]int{"POSITION": 0},
				"indices":    1,
			}},
		}},
		"buffers": []any{map[string]any{
			"byteLength": len(buf),
			"uri":        "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(buf),
		}},
		"bufferViews": []any{
			map[string]any{"buffer": 0, "byteOffset": 0, "byteLength": posLen, "target": 34962},
			map[string]any{"buffer": 0, "byteOffset": posLen, "byteLength": len(buf) - posLen, "target": 34963},
		},
		"accessors": []any{
			map[string]any{
				"bufferView": 0, "componentType": 5126, "count": len(verts), "type": "VEC3",
				"min": []float32{-0.5, -0.5, 0}, "max": []float32{0.5, 0.5, 1},
			},
			map[string]any{"bufferView": 1, "componentType": 5123, "count": len(idx), "type": "SCALAR"},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return string(b)
}
