package scene

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ggoodman/scenebridge/mux"
)

// pair connects a Client to an Engine over an in-memory pipe.
func pair(t *testing.T, e Engine) *Client {
	t.Helper()
	a, b := net.Pipe()

	var r mux.Router
	Register(&r, e)

	server := mux.NewConn(a)
	client := mux.NewConn(b, mux.WithRouter(&r))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Serve(ctx) }()
	go func() { _ = client.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
		_ = client.Close()
	})
	return NewClient(server)
}

func cube() GLTF {
	var g GLTF
	g.GLTFFile = "cube.gltf"
	g.SetFile("cube.gltf", []byte(`{"asset":{"version":"2.0"}}`))
	return g
}

func TestClient_ListObjectsPreservesOrder(t *testing.T) {
	s := NewMemoryScene(
		ObjectSummary{Name: "table", Size: BoundingBox{MaxX: 2, MaxY: 1, MaxZ: 0.8}},
		ObjectSummary{Name: "chair", Translation: Vec3{X: 1, Y: 2}},
	)
	c := pair(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	objs, err := c.ListObjects(ctx)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 2 || objs[0].Name != "table" || objs[1].Name != "chair" {
		t.Fatalf("unexpected objects: %+v", objs)
	}
	if objs[0].Size.Height() != 0.8 {
		t.Fatalf("height: got %v", objs[0].Size.Height())
	}
	if objs[1].Translation.Y != 2 {
		t.Fatalf("translation: got %+v", objs[1].Translation)
	}
}

func TestClient_ListObjectsEmptyScene(t *testing.T) {
	c := pair(t, NewMemoryScene())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	objs, err := c.ListObjects(ctx)
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 0 {
		t.Fatalf("expected empty scene, got %+v", objs)
	}
}

func TestClient_LoadGLTFReturnsActualName(t *testing.T) {
	s := NewMemoryScene(ObjectSummary{Name: "house"})
	c := pair(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	obj, err := c.LoadGLTF(ctx, "house", cube())
	if err != nil {
		t.Fatalf("LoadGLTF: %v", err)
	}
	if obj.Name != "house.001" {
		t.Fatalf("expected deduplicated name house.001, got %q", obj.Name)
	}
	if _, ok := s.Asset("house.001"); !ok {
		t.Fatalf("asset not stored under actual name")
	}
	obj, err = c.LoadGLTF(ctx, "house", cube())
	if err != nil {
		t.Fatalf("LoadGLTF: %v", err)
	}
	if obj.Name != "house.002" {
		t.Fatalf("expected house.002, got %q", obj.Name)
	}
}

type failingEngine struct{}

func (failingEngine) ListObjects(context.Context) ([]ObjectSummary, error) {
	return nil, errors.New("scene locked")
}

func (failingEngine) LoadGLTF(context.Context, string, GLTF) (ObjectSummary, error) {
	return ObjectSummary{}, errors.New("importer crashed")
}

func TestClient_RemoteErrors(t *testing.T) {
	c := pair(t, failingEngine{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.ListObjects(ctx)
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "scene locked" {
		t.Fatalf("expected RemoteError(scene locked), got %v", err)
	}
	_, err = c.LoadGLTF(ctx, "x", cube())
	if !errors.As(err, &re) || re.Command != CommandLoadGLTF {
		t.Fatalf("expected load_gltf RemoteError, got %v", err)
	}
}

func TestClient_LoadGLTFRejectsInvalidPayloadLocally(t *testing.T) {
	c := NewClient(callerFunc(func(context.Context, any) (json.RawMessage, error) {
		t.Fatalf("request should not be sent")
		return nil, nil
	}))
	_, err := c.LoadGLTF(context.Background(), "x", GLTF{GLTFFile: "missing.gltf"})
	if !errors.Is(err, ErrMissingFile) {
		t.Fatalf("expected ErrMissingFile, got %v", err)
	}
}

type callerFunc func(ctx context.Context, data any) (json.RawMessage, error)

func (f callerFunc) Call(ctx context.Context, data any) (json.RawMessage, error) { return f(ctx, data) }

func TestLoadGLTFRequest_WireShape(t *testing.T) {
	var got map[string]any
	c := NewClient(callerFunc(func(_ context.Context, data any) (json.RawMessage, error) {
		b, _ := json.Marshal(data)
		_ = json.Unmarshal(b, &got)
		return json.RawMessage(`{"name":"cube","size":{"min_x":0,"max_x":1,"min_y":0,"max_y":1,"min_z":0,"max_z":1},"translation":{"x":0,"y":0,"z":0}}`), nil
	}))
	if _, err := c.LoadGLTF(context.Background(), "cube", cube()); err != nil {
		t.Fatalf("LoadGLTF: %v", err)
	}
	if got["command"] != "load_gltf" || got["name"] != "cube" {
		t.Fatalf("unexpected request: %v", got)
	}
	g, ok := got["gltf"].(map[string]any)
	if !ok || g["gltf_file"] != "cube.gltf" {
		t.Fatalf("unexpected gltf member: %v", got["gltf"])
	}
	if _, present := g["license_file"]; present {
		t.Fatalf("license_file should be omitted when empty")
	}
}

func TestGLTF_BinaryFilesRoundTripAsDataURI(t *testing.T) {
	bin := []byte{0x00, 0xff, 0xfe, 0x10}
	var g GLTF
	g.SetFile("mesh.bin", bin)
	g.SetFile("scene.gltf", []byte(`{}`))
	g.GLTFFile = "scene.gltf"

	if got := g.Files["mesh.bin"]; !bytes.HasPrefix([]byte(got), []byte("data:")) {
		t.Fatalf("binary file not encoded as data URI: %q", got)
	}
	out, err := g.File("mesh.bin")
	if err != nil || !bytes.Equal(out, bin) {
		t.Fatalf("File(mesh.bin) = %v, %v", out, err)
	}
	if g.Size() != len(bin)+2 {
		t.Fatalf("Size: got %d", g.Size())
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	g.LicenseFile = "LICENSE"
	if err := g.Validate(); !errors.Is(err, ErrMissingFile) {
		t.Fatalf("expected ErrMissingFile for license, got %v", err)
	}
}

func TestBaseName(t *testing.T) {
	for in, want := range map[string]string{
		"house":      "house",
		"house.001":  "house",
		"house.01":   "house.01",
		"v1.2.003":   "v1.2",
		"table.1234": "table.1234",
	} {
		if got := BaseName(in); got != want {
			t.Fatalf("BaseName(%q) = %q, want %q", in, got, want)
		}
	}
}
