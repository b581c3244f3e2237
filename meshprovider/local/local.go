// Package local resolves meshes from .gltf files on the server's filesystem.
//
// The provider takes one optional parameter, "root". When the server is
// configured with a base directory, root is a relative path below it and may
// not leave it; without a base directory root is required and used as given.
// A subject matches a file by stem ("house" finds house.gltf anywhere below
// the root, shallowest first) or a directory holding scene.gltf.
package local

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ggoodman/scenebridge/meshprovider"
)

const paramRoot = "root"

// Params are the validated request parameters.
type Params struct {
	Root string
}

// ParseParams validates raw request parameters.
func ParseParams(raw map[string]json.RawMessage) (Params, error) {
	if err := meshprovider.ValidateParameters(meshprovider.Local, raw, nil, []string{paramRoot}); err != nil {
		return Params{}, err
	}
	root, err := meshprovider.StringParam(meshprovider.Local, raw, paramRoot)
	if err != nil {
		return Params{}, err
	}
	return Params{Root: root}, nil
}

// Source shares catalogs between requests naming the same root.
type Source struct {
	base  string
	watch bool
	log   *slog.Logger

	mu       sync.Mutex
	catalogs map[string]*Catalog
}

type Option func(*Source)

// WithBaseDir confines every client-supplied root to dir.
func WithBaseDir(dir string) Option {
	return func(s *Source) { s.base = dir }
}

// WithWatch enables fsnotify-driven index invalidation.
func WithWatch(on bool) Option {
	return func(s *Source) { s.watch = on }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSource(opts ...Option) *Source {
	s := &Source{
		log:      slog.New(slog.DiscardHandler),
		catalogs: make(map[string]*Catalog),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New is a meshprovider.Factory.
func (s *Source) New(raw map[string]json.RawMessage) (meshprovider.Provider, error) {
	p, err := ParseParams(raw)
	if err != nil {
		return nil, err
	}
	dir, err := s.resolveRoot(p.Root)
	if err != nil {
		return nil, err
	}
	cat, err := s.catalog(dir)
	if err != nil {
		return nil, err
	}
	return &Provider{catalog: cat}, nil
}

func (s *Source) resolveRoot(root string) (string, error) {
	var dir string
	switch {
	case root == "" && s.base == "":
		return "", meshprovider.Errorf(meshprovider.Local, meshprovider.KindInvalidParameters, "parameter %q is required", paramRoot)
	case root == "":
		dir = s.base
	case s.base != "":
		if !filepath.IsLocal(root) {
			return "", meshprovider.Errorf(meshprovider.Local, meshprovider.KindPathEscape, "root %q leaves the base directory", root)
		}
		dir = filepath.Join(s.base, root)
	default:
		dir = root
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", meshprovider.Errorf(meshprovider.Local, meshprovider.KindInvalidParameters, "root %q: %w", root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return "", meshprovider.Errorf(meshprovider.Local, meshprovider.KindInvalidParameters, "root %q is not a directory", root)
	}
	return abs, nil
}

func (s *Source) catalog(dir string) (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.catalogs[dir]; ok {
		return c, nil
	}
	c, err := OpenCatalog(dir, s.watch, s.log)
	if err != nil {
		return nil, meshprovider.Errorf(meshprovider.Local, meshprovider.KindUnavailable, "open %s: %w", dir, err)
	}
	s.catalogs[dir] = c
	return c, nil
}

// Close closes every open catalog.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for dir, c := range s.catalogs {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close catalog %s: %w", dir, err)
		}
		delete(s.catalogs, dir)
	}
	return firstErr
}
