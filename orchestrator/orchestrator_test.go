package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/ggoodman/scenebridge/internal/frame"
	"github.com/ggoodman/scenebridge/meshprovider"
	"github.com/ggoodman/scenebridge/meshprovider/dummy"
	"github.com/ggoodman/scenebridge/mux"
	"github.com/ggoodman/scenebridge/scene"
	"github.com/ggoodman/scenebridge/sentence"
)

func registry() *meshprovider.Registry {
	r := meshprovider.NewRegistry()
	r.Register(meshprovider.Dummy, dummy.New)
	r.Register("empty", func(map[string]json.RawMessage) (meshprovider.Provider, error) {
		return meshprovider.ProviderFunc(func(context.Context, meshprovider.Query) (*meshprovider.Asset, error) {
			return nil, meshprovider.ErrNotFound
		}), nil
	})
	return r
}

// serverConn serves o on one end of a pipe and returns the other end.
func serverConn(t *testing.T, o *Orchestrator, opts ...mux.Option) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	var router mux.Router
	o.Register(&router)
	c := mux.NewConn(a, append([]mux.Option{mux.WithRouter(&router)}, opts...)...)
	go func() { _ = c.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return b
}

// clientConn wraps the client end with an engine answering scene requests.
func clientConn(t *testing.T, rw net.Conn, e scene.Engine) *mux.Conn {
	t.Helper()
	var router mux.Router
	scene.Register(&router, e)
	c := mux.NewConn(rw, mux.WithRouter(&router))
	go func() { _ = c.Serve(context.Background()) }()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func execute(t *testing.T, c *mux.Conn, req Request) envelope.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := c.Call(ctx, req)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var st envelope.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode status %s: %v", raw, err)
	}
	return st
}

func TestOrchestrator_EndToEndWireExchange(t *testing.T) {
	peer := serverConn(t, New(registry()))
	limits := frame.DefaultLimits()
	_ = peer.SetDeadline(time.Now().Add(3 * time.Second))

	req := `{"type":"request","id":"1","data":{"mesh_provider_id":"dummy","mesh_provider_parameters":{},"sentence":"Place a house"}}`
	if err := frame.WriteFrame(peer, []byte(req), limits); err != nil {
		t.Fatalf("write: %v", err)
	}

	for {
		b, err := frame.ReadFrame(peer, limits)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		env, err := envelope.Parse(b)
		if err != nil {
			t.Fatalf("parse %s: %v", b, err)
		}
		if env.Type == envelope.TypeResponse {
			if env.ID != "1" {
				t.Fatalf("response id: got %q", env.ID)
			}
			if string(env.Data) != `{"status":"ok"}` {
				t.Fatalf("response data: got %s", env.Data)
			}
			return
		}

		// Nested scene request from the server.
		if env.ID == "1" {
			t.Fatalf("server reused the client's id for its own request")
		}
		var peek struct {
			Command string `json:"command"`
			Name    string `json:"name"`
		}
		_ = json.Unmarshal(env.Data, &peek)
		var data string
		switch peek.Command {
		case scene.CommandLoadGLTF:
			data = `{"name":"` + peek.Name + `","size":{"min_x":0,"max_x":1,"min_y":0,"max_y":1,"min_z":0,"max_z":1},"translation":{"x":0,"y":0,"z":0}}`
		case scene.CommandListObjects:
			data = `[]`
		default:
			t.Fatalf("unexpected nested request %s", env.Data)
		}
		resp := `{"type":"response","id":"` + env.ID + `","data":` + data + `}`
		if err := frame.WriteFrame(peer, []byte(resp), limits); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestOrchestrator_LoadsIntoScene(t *testing.T) {
	s := scene.NewMemoryScene()
	c := clientConn(t, serverConn(t, New(registry())), s)

	st := execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "Place a house"})
	if st.Status != envelope.StatusOK || st.Message != "" {
		t.Fatalf("status: %+v", st)
	}
	objs, _ := s.ListObjects(context.Background())
	if len(objs) != 1 || objs[0].Name != "house" {
		t.Fatalf("scene: %+v", objs)
	}
	if _, ok := s.Asset("house"); !ok {
		t.Fatalf("asset not stored")
	}
}

func TestOrchestrator_ReferenceLookup(t *testing.T) {
	s := scene.NewMemoryScene(scene.ObjectSummary{
		Name: "Table.001",
		Size: scene.BoundingBox{MinX: -1, MaxX: 1, MinY: -0.5, MaxY: 0.5, MinZ: 0, MaxZ: 0.75},
	})
	c := clientConn(t, serverConn(t, New(registry())), s)

	st := execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "Put a lamp on the table"})
	if st.Status != envelope.StatusOK {
		t.Fatalf("status: %+v", st)
	}

	st = execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "Put a lamp on the sofa"})
	if st.Status != envelope.StatusError || !strings.Contains(st.Message, "sofa") {
		t.Fatalf("expected missing reference error, got %+v", st)
	}
}

func TestOrchestrator_FailuresBecomeErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want string
	}{
		{"Empty", Request{MeshProviderID: meshprovider.Dummy, Sentence: "  "}, "empty"},
		{"NotUnderstood", Request{MeshProviderID: meshprovider.Dummy, Sentence: "hello there"}, "not understood"},
		{"UnknownProvider", Request{MeshProviderID: "nope", Sentence: "Place a house"}, "unknown mesh provider"},
		{"InvalidParameters", Request{
			MeshProviderID:         meshprovider.Dummy,
			MeshProviderParameters: map[string]json.RawMessage{"root": json.RawMessage(`"/"`)},
			Sentence:               "Place a house",
		}, "invalid_parameters"},
		{"NoMesh", Request{MeshProviderID: "empty", Sentence: "Place a unicorn"}, `no mesh found for "unicorn"`},
	}

	s := scene.NewMemoryScene()
	c := clientConn(t, serverConn(t, New(registry())), s)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := execute(t, c, tc.req)
			if st.Status != envelope.StatusError || !strings.Contains(st.Message, tc.want) {
				t.Fatalf("got %+v, want error containing %q", st, tc.want)
			}
		})
	}
	if objs, _ := s.ListObjects(context.Background()); len(objs) != 0 {
		t.Fatalf("failed sentences must not load anything: %+v", objs)
	}

	// The connection survives every failure.
	if st := execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "Place a house"}); st.Status != envelope.StatusOK {
		t.Fatalf("follow-up: %+v", st)
	}
}

type stallingEngine struct {
	*scene.MemoryScene
	release chan struct{}
}

func (e *stallingEngine) LoadGLTF(ctx context.Context, name string, g scene.GLTF) (scene.ObjectSummary, error) {
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return e.MemoryScene.LoadGLTF(ctx, name, g)
}

func TestOrchestrator_NestedTimeoutIsError(t *testing.T) {
	eng := &stallingEngine{MemoryScene: scene.NewMemoryScene(), release: make(chan struct{})}
	defer close(eng.release)
	c := clientConn(t, serverConn(t, New(registry()), mux.WithExchangeTimeout(50*time.Millisecond)), eng)

	st := execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "Place a house"})
	if st.Status != envelope.StatusError || !strings.Contains(st.Message, "did not answer in time") {
		t.Fatalf("expected timeout error, got %+v", st)
	}
}

type rejectingEngine struct{ scene.MemoryScene }

func (e *rejectingEngine) LoadGLTF(context.Context, string, scene.GLTF) (scene.ObjectSummary, error) {
	return scene.ObjectSummary{}, errors.New("read-only scene")
}

func TestOrchestrator_RemoteRejection(t *testing.T) {
	c := clientConn(t, serverConn(t, New(registry())), &rejectingEngine{})
	st := execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "Place a house"})
	if st.Status != envelope.StatusError || st.Message != "scene rejected load_gltf: read-only scene" {
		t.Fatalf("got %+v", st)
	}
}

func TestOrchestrator_StateTransitions(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	hook := func(_ context.Context, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	s := scene.NewMemoryScene(scene.ObjectSummary{Name: "table"})
	c := clientConn(t, serverConn(t, New(registry(), WithStateHook(hook))), s)

	execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "Put a lamp on the table"})

	want := []State{StateReceived, StateInterpreting, StateBridging, StateMeshResolution, StateBridging, StateResponding, StateOK}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("states: got %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states: got %v, want %v", states, want)
		}
	}
}

func TestOrchestrator_CustomInterpreter(t *testing.T) {
	interp := sentence.InterpreterFunc(func(ctx context.Context, s string) (*sentence.Plan, error) {
		return &sentence.Plan{Sentence: s, Subject: "robot", Relation: sentence.RelationNone}, nil
	})
	s := scene.NewMemoryScene()
	c := clientConn(t, serverConn(t, New(registry(), WithInterpreter(interp))), s)

	if st := execute(t, c, Request{MeshProviderID: meshprovider.Dummy, Sentence: "beep boop"}); st.Status != envelope.StatusOK {
		t.Fatalf("status: %+v", st)
	}
	if _, ok := s.Asset("robot"); !ok {
		t.Fatalf("custom interpreter not used")
	}
}

func TestFindObject(t *testing.T) {
	objs := []scene.ObjectSummary{{Name: "Chair.001"}, {Name: "chair"}, {Name: "Lamp"}}
	if o := FindObject(objs, "CHAIR"); o == nil || o.Name != "chair" {
		t.Fatalf("exact match should win: %+v", o)
	}
	if o := FindObject(objs, "lamp"); o == nil || o.Name != "Lamp" {
		t.Fatalf("case-insensitive match: %+v", o)
	}
	if o := FindObject(objs[:1], "chair"); o == nil || o.Name != "Chair.001" {
		t.Fatalf("suffix match: %+v", o)
	}
	if o := FindObject(objs, "sofa"); o != nil {
		t.Fatalf("unexpected match %+v", o)
	}
}

func TestPlace(t *testing.T) {
	ref := scene.ObjectSummary{
		Translation: scene.Vec3{X: 10, Y: 0, Z: 0},
		Size:        scene.BoundingBox{MinX: -1, MaxX: 1, MinY: -1, MaxY: 1, MinZ: 0, MaxZ: 2},
	}
	obj := scene.ObjectSummary{Size: scene.BoundingBox{MinX: -0.5, MaxX: 0.5, MinY: -0.5, MaxY: 0.5, MinZ: 0, MaxZ: 1}}

	cases := map[sentence.Relation]scene.Vec3{
		sentence.RelationNone:   {X: 10},
		sentence.RelationOn:     {X: 10, Z: 2},
		sentence.RelationUnder:  {X: 10, Z: -1},
		sentence.RelationLeft:   {X: 8.5},
		sentence.RelationRight:  {X: 11.5},
		sentence.RelationFront:  {X: 10, Y: -1.5},
		sentence.RelationBehind: {X: 10, Y: 1.5},
	}
	for rel, want := range cases {
		if got := Place(rel, ref, obj); got != want {
			t.Fatalf("Place(%s) = %+v, want %+v", rel, got, want)
		}
	}
}
