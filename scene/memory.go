package scene

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var suffixRE = regexp.MustCompile(`\.\d{3}$`)

// BaseName strips a trailing ".NNN" deduplication suffix.
func BaseName(name string) string {
	return suffixRE.ReplaceAllString(name, "")
}

// MemoryScene is an Engine that keeps objects in memory. It deduplicates
// names the way common 3D editors do: house, house.001, house.002.
type MemoryScene struct {
	mu      sync.Mutex
	objects []ObjectSummary
	assets  map[string]GLTF
}

// NewMemoryScene returns a scene seeded with objs.
func NewMemoryScene(objs ...ObjectSummary) *MemoryScene {
	s := &MemoryScene{assets: make(map[string]GLTF)}
	s.objects = append(s.objects, objs...)
	return s
}

func (s *MemoryScene) ListObjects(ctx context.Context) ([]ObjectSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ObjectSummary, len(s.objects))
	copy(out, s.objects)
	return out, nil
}

// LoadGLTF adds an object of unit size at the origin, renamed if name is
// already taken.
func (s *MemoryScene) LoadGLTF(ctx context.Context, name string, g GLTF) (ObjectSummary, error) {
	if err := g.Validate(); err != nil {
		return ObjectSummary{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := s.uniqueLocked(name)
	obj := ObjectSummary{
		Name: actual,
		Size: BoundingBox{MinX: -0.5, MaxX: 0.5, MinY: -0.5, MaxY: 0.5, MinZ: 0, MaxZ: 1},
	}
	s.objects = append(s.objects, obj)
	s.assets[actual] = g
	return obj, nil
}

// Place moves the named object.
func (s *MemoryScene) Place(name string, at Vec3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.objects {
		if s.objects[i].Name == name {
			s.objects[i].Translation = at
			return nil
		}
	}
	return fmt.Errorf("no object named %q", name)
}

// Asset returns the payload loaded under name.
func (s *MemoryScene) Asset(name string) (GLTF, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.assets[name]
	return g, ok
}

func (s *MemoryScene) uniqueLocked(name string) string {
	taken := make(map[string]bool, len(s.objects))
	for _, o := range s.objects {
		taken[strings.ToLower(o.Name)] = true
	}
	if !taken[strings.ToLower(name)] {
		return name
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%03d", name, n)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}
