package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/scenebridge/config"
	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/ggoodman/scenebridge/mux"
	"github.com/ggoodman/scenebridge/scene"
	"github.com/ggoodman/scenebridge/stdio"
)

func startApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.LocalWatch = false
	if mutate != nil {
		mutate(cfg)
	}
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return")
		}
		_ = a.Close()
	})
	return a
}

func dialScene(t *testing.T, a *App, s *scene.MemoryScene) *mux.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var router mux.Router
	scene.Register(&router, s)
	c := mux.NewConn(nc, mux.WithRouter(&router))
	go func() { _ = c.Serve(context.Background()) }()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestApp_ExecutesSentence(t *testing.T) {
	a := startApp(t, nil)
	s := scene.NewMemoryScene()
	c := dialScene(t, a, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := c.Call(ctx, map[string]any{
		"mesh_provider_id":         "dummy",
		"mesh_provider_parameters": map[string]any{},
		"sentence":                 "place a house",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var st envelope.Status
	if err := json.Unmarshal(raw, &st); err != nil || st.Status != envelope.StatusOK {
		t.Fatalf("unexpected status %s (%v)", raw, err)
	}
	objs, _ := s.ListObjects(ctx)
	if len(objs) != 1 || objs[0].Name != "house" {
		t.Fatalf("scene: %+v", objs)
	}
}

func TestApp_CacheBackends(t *testing.T) {
	for _, backend := range []string{config.CacheNone, config.CacheMemory} {
		t.Run(backend, func(t *testing.T) {
			a := startApp(t, func(c *config.Config) { c.CacheBackend = backend })
			if (a.cache == nil) != (backend == config.CacheNone) {
				t.Fatalf("cache for %s: %v", backend, a.cache)
			}
		})
	}
}

func TestApp_Admin(t *testing.T) {
	a := startApp(t, nil)
	_ = dialScene(t, a, scene.NewMemoryScene())

	base := "http://" + a.AdminAddr().String()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			t.Fatalf("healthz: %v", err)
		}
		var h struct {
			Connections int      `json:"connections"`
			Providers   []string `json:"providers"`
		}
		err = json.NewDecoder(resp.Body).Decode(&h)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(h.Providers) != 3 {
			t.Fatalf("providers: %v", h.Providers)
		}
		if h.Connections == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection not reported: %+v", h)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "scenebridge_") {
		t.Fatalf("metrics missing scenebridge series")
	}

	resp, err = http.Get(base + "/schema/execute_sentence")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "mesh_provider_id") {
		t.Fatalf("schema %d: %s", resp.StatusCode, body)
	}
}

func TestNew_RedisCache(t *testing.T) {
	cfg := config.Default()
	cfg.CacheBackend = config.CacheRedis
	cfg.RedisAddr = "127.0.0.1:1"
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if a.cache == nil {
		t.Fatalf("expected redis cache")
	}
}

type rwc struct {
	io.Reader
	io.WriteCloser
}

func TestApp_ServeStdio(t *testing.T) {
	cfg := config.Default()
	cfg.LocalWatch = false
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- a.ServeStdio(context.Background(), stdio.WithIO(inR, outW)) }()

	s := scene.NewMemoryScene()
	var router mux.Router
	scene.Register(&router, s)
	c := mux.NewConn(rwc{Reader: outR, WriteCloser: inW}, mux.WithRouter(&router))
	go func() { _ = c.Serve(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := c.Call(ctx, map[string]any{
		"mesh_provider_id":         "dummy",
		"mesh_provider_parameters": map[string]any{},
		"sentence":                 "add a lamp",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(raw) != `{"status":"ok"}` {
		t.Fatalf("status %s", raw)
	}
	if _, ok := s.Asset("lamp"); !ok {
		t.Fatalf("lamp not loaded")
	}

	_ = c.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeStdio: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ServeStdio did not return")
	}
}
