// Package cachetest is a conformance suite every assetcache backend must pass.
package cachetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ggoodman/scenebridge/assetcache"
)

// Factory returns a fresh, empty cache. The suite closes it.
type Factory func(t *testing.T) assetcache.Cache

// Run runs every conformance test against caches built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("ProviderIsolation", func(t *testing.T) { testProviderIsolation(t, factory) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("DeleteProvider", func(t *testing.T) { testDeleteProvider(t, factory) })
}

func open(t *testing.T, factory Factory) assetcache.Cache {
	t.Helper()
	c := factory(t)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustGet(t *testing.T, c assetcache.Cache, key string, opts ...assetcache.Option) *assetcache.Item {
	t.Helper()
	item, err := c.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return item
}

func testSetAndGet(t *testing.T, factory Factory) {
	c := open(t, factory)
	ctx := context.Background()

	data := []byte(`{"gltf_file":"house.gltf"}`)
	if err := c.Set(ctx, "k", data); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item := mustGet(t, c, "k")
	if item == nil {
		t.Fatalf("expected item, got nil")
	}
	if !bytes.Equal(item.Data, data) {
		t.Fatalf("data mismatch: got %q", item.Data)
	}
	if item.ExpiresAt != nil {
		t.Fatalf("expected no expiry without TTL")
	}
	if item.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt not set")
	}
}

func testGetMissing(t *testing.T, factory Factory) {
	c := open(t, factory)
	if item := mustGet(t, c, "nope"); item != nil {
		t.Fatalf("expected nil for missing key, got %+v", item)
	}
}

func testTTL(t *testing.T, factory Factory) {
	c := open(t, factory)
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("x"), assetcache.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, "long", []byte("y"), assetcache.WithTTL(time.Hour)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if item := mustGet(t, c, "short"); item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected unexpired item with expiry, got %+v", item)
	}

	time.Sleep(100 * time.Millisecond)

	if item := mustGet(t, c, "short"); item != nil {
		t.Fatalf("expected expired item to be gone")
	}
	if item := mustGet(t, c, "long"); item == nil {
		t.Fatalf("long-lived item expired early")
	}
}

func testProviderIsolation(t *testing.T, factory Factory) {
	c := open(t, factory)
	ctx := context.Background()

	if err := c.Set(ctx, "house", []byte("local"), assetcache.WithProvider("local")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, "house", []byte("sketchfab"), assetcache.WithProvider("sketchfab")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if item := mustGet(t, c, "house", assetcache.WithProvider("local")); item == nil || string(item.Data) != "local" {
		t.Fatalf("local entry wrong: %+v", item)
	}
	if item := mustGet(t, c, "house", assetcache.WithProvider("sketchfab")); item == nil || string(item.Data) != "sketchfab" {
		t.Fatalf("sketchfab entry wrong: %+v", item)
	}
	if item := mustGet(t, c, "house"); item != nil {
		t.Fatalf("global namespace should not see provider entries")
	}
}

func testDeleteKey(t *testing.T, factory Factory) {
	c := open(t, factory)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), assetcache.WithProvider("p"))
	_ = c.Set(ctx, "b", []byte("2"), assetcache.WithProvider("p"))

	if err := c.Delete(ctx, assetcache.WithProvider("p"), assetcache.WithKey("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if item := mustGet(t, c, "a", assetcache.WithProvider("p")); item != nil {
		t.Fatalf("deleted key still present")
	}
	if item := mustGet(t, c, "b", assetcache.WithProvider("p")); item == nil {
		t.Fatalf("sibling key removed")
	}
}

func testDeleteProvider(t *testing.T, factory Factory) {
	c := open(t, factory)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), assetcache.WithProvider("p"))
	_ = c.Set(ctx, "b", []byte("2"), assetcache.WithProvider("p"))
	_ = c.Set(ctx, "a", []byte("3"), assetcache.WithProvider("q"))

	if err := c.Delete(ctx, assetcache.WithProvider("p")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item := mustGet(t, c, k, assetcache.WithProvider("p")); item != nil {
			t.Fatalf("key %q survived namespace delete", k)
		}
	}
	if item := mustGet(t, c, "a", assetcache.WithProvider("q")); item == nil {
		t.Fatalf("other provider's entry removed")
	}
}
