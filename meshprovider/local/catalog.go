package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/scenebridge/meshprovider"
	"github.com/ggoodman/scenebridge/scene"
)

// assetPattern selects indexed entry points anywhere below the root.
const assetPattern = "**/*.{gltf,GLTF,glTF}"

var licenseNames = []string{"LICENSE", "LICENSE.txt", "LICENSE.md", "license.txt", "license.md"}

// Catalog indexes the .gltf files below one directory. Every read goes
// through an os.Root so nothing outside the directory is reachable, symlinks
// included.
type Catalog struct {
	dir  string
	root *os.Root
	log  *slog.Logger

	mu    sync.RWMutex
	index map[string]string
	dirty atomic.Bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  sync.Once
}

// OpenCatalog opens dir. When watch is set the index is invalidated by
// filesystem events; otherwise it is rebuilt whenever a lookup misses.
func OpenCatalog(dir string, watch bool, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	c := &Catalog{dir: dir, root: root, log: log, done: make(chan struct{})}
	c.dirty.Store(true)

	if watch {
		if err := c.watch(); err != nil {
			log.Debug("local.catalog.watch.fail", slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}
	return c, nil
}

// Close stops watching and releases the directory handle.
func (c *Catalog) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		if c.watcher != nil {
			_ = c.watcher.Close()
		}
		err = c.root.Close()
	})
	return err
}

// Lookup finds the asset best matching subject.
func (c *Catalog) Lookup(ctx context.Context, subject string) (*meshprovider.Asset, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, meshprovider.ErrNotFound
	}
	if strings.ContainsAny(subject, `/\`) || strings.Contains(subject, "..") {
		if !filepath.IsLocal(subject) {
			return nil, meshprovider.Errorf(meshprovider.Local, meshprovider.KindPathEscape, "subject %q leaves the root", subject)
		}
	}

	rebuilt := false
	if c.dirty.Load() {
		if err := c.rebuild(ctx); err != nil {
			return nil, err
		}
		rebuilt = true
	}
	rel, ok := c.find(subject)
	if !ok && !rebuilt {
		if err := c.rebuild(ctx); err != nil {
			return nil, err
		}
		rel, ok = c.find(subject)
	}
	if !ok {
		return nil, meshprovider.ErrNotFound
	}
	return c.load(rel)
}

func (c *Catalog) find(subject string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range candidates(subject) {
		if rel, ok := c.index[k]; ok {
			return rel, true
		}
	}
	return "", false
}

func candidates(subject string) []string {
	s := strings.ToLower(filepath.ToSlash(subject))
	s = strings.TrimSuffix(s, ".gltf")
	out := []string{s}
	if strings.Contains(s, " ") {
		out = append(out,
			strings.ReplaceAll(s, " ", "_"),
			strings.ReplaceAll(s, " ", "-"),
			strings.ReplaceAll(s, " ", ""),
		)
		words := strings.Fields(s)
		out = append(out, words[len(words)-1])
	}
	return out
}

func (c *Catalog) rebuild(ctx context.Context) error {
	c.dirty.Store(false)
	idx := make(map[string]string)
	var files []string
	err := doublestar.GlobWalk(c.root.FS(), assetPattern, func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		c.dirty.Store(true)
		return err
	}

	// Shallow paths win a contested short key.
	sort.Slice(files, func(i, j int) bool {
		di, dj := strings.Count(files[i], "/"), strings.Count(files[j], "/")
		if di != dj {
			return di < dj
		}
		return files[i] < files[j]
	})
	add := func(k, rel string) {
		if _, ok := idx[k]; !ok {
			idx[k] = rel
		}
	}
	for _, rel := range files {
		lower := strings.ToLower(rel)
		stem := strings.TrimSuffix(lower, path.Ext(lower))
		add(stem, rel)
		add(path.Base(stem), rel)
		if path.Base(stem) == "scene" && path.Dir(stem) != "." {
			add(path.Dir(stem), rel)
			add(path.Base(path.Dir(stem)), rel)
		}
	}

	c.mu.Lock()
	c.index = idx
	c.mu.Unlock()
	c.log.Debug("local.catalog.rebuilt", slog.String("dir", c.dir), slog.Int("assets", len(files)))
	return nil
}

// load reads the .gltf at rel plus every relative file it references.
func (c *Catalog) load(rel string) (*meshprovider.Asset, error) {
	fsys := c.root.FS()
	doc, err := fs.ReadFile(fsys, rel)
	if errors.Is(err, fs.ErrNotExist) {
		c.dirty.Store(true)
		return nil, meshprovider.ErrNotFound
	}
	if err != nil {
		return nil, meshprovider.Errorf(meshprovider.Local, meshprovider.KindUnavailable, "read %s: %w", rel, err)
	}

	dir := path.Dir(rel)
	entry := path.Base(rel)
	g := scene.GLTF{GLTFFile: entry}
	g.SetFile(entry, doc)

	refs, err := references(doc)
	if err != nil {
		return nil, meshprovider.Errorf(meshprovider.Local, meshprovider.KindUnavailable, "parse %s: %w", rel, err)
	}
	for _, ref := range refs {
		if !filepath.IsLocal(ref) {
			return nil, meshprovider.Errorf(meshprovider.Local, meshprovider.KindPathEscape, "%s references %q outside the root", rel, ref)
		}
		b, err := fs.ReadFile(fsys, path.Join(dir, ref))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, meshprovider.Errorf(meshprovider.Local, meshprovider.KindUnavailable, "%s references missing file %q", rel, ref)
			}
			// os.Root refuses symlinks that resolve outside the directory.
			return nil, meshprovider.Errorf(meshprovider.Local, meshprovider.KindPathEscape, "read %q: %w", ref, err)
		}
		g.SetFile(ref, b)
	}

	for _, name := range licenseNames {
		if b, err := fs.ReadFile(fsys, path.Join(dir, name)); err == nil {
			g.SetFile(name, b)
			g.LicenseFile = name
			break
		}
	}

	stem := strings.TrimSuffix(entry, path.Ext(entry))
	if strings.EqualFold(stem, "scene") && dir != "." {
		stem = path.Base(dir)
	}
	return &meshprovider.Asset{Name: stem, GLTF: g}, nil
}

// references returns the relative URIs of buffers and images in a glTF
// document, decoded and deduplicated. Data URIs are skipped.
func references(doc []byte) ([]string, error) {
	var d struct {
		Buffers []struct {
			URI string `json:"uri"`
		} `json:"buffers"`
		Images []struct {
			URI string `json:"uri"`
		} `json:"images"`
	}
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	var uris []string
	for _, b := range d.Buffers {
		uris = append(uris, b.URI)
	}
	for _, im := range d.Images {
		uris = append(uris, im.URI)
	}

	seen := make(map[string]bool)
	var out []string
	for _, u := range uris {
		if u == "" || strings.HasPrefix(u, "data:") {
			continue
		}
		p, err := url.PathUnescape(u)
		if err != nil {
			return nil, fmt.Errorf("bad uri %q: %w", u, err)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Catalog) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
	if err != nil {
		_ = w.Close()
		return err
	}
	c.watcher = w
	go c.runWatcher(w)
	return nil
}

func (c *Catalog) runWatcher(w *fsnotify.Watcher) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.dirty.Store(true)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.log.Debug("local.catalog.watch.error", slog.String("err", err.Error()))
			c.dirty.Store(true)
		}
	}
}
