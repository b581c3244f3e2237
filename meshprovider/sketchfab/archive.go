package sketchfab

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ggoodman/scenebridge/scene"
)

// extract turns a Sketchfab glTF archive into a payload. The entry point is
// the shallowest .gltf file; file names are relative to its directory and
// anything outside that directory is ignored.
func extract(archive []byte, maxBytes int64) (scene.GLTF, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return scene.GLTF{}, fmt.Errorf("open archive: %w", err)
	}

	entry := ""
	for _, f := range zr.File {
		name := path.Clean(f.Name)
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(name), ".gltf") {
			continue
		}
		if entry == "" || strings.Count(name, "/") < strings.Count(entry, "/") {
			entry = name
		}
	}
	if entry == "" {
		return scene.GLTF{}, fmt.Errorf("archive has no .gltf file")
	}
	dir := path.Dir(entry)

	g := scene.GLTF{GLTFFile: path.Base(entry)}
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		rel := name
		if dir != "." {
			var ok bool
			if rel, ok = strings.CutPrefix(name, dir+"/"); !ok {
				continue
			}
		}
		if strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			continue
		}

		total += int64(f.UncompressedSize64)
		if total > maxBytes {
			return scene.GLTF{}, fmt.Errorf("archive expands beyond %d bytes", maxBytes)
		}
		rc, err := f.Open()
		if err != nil {
			return scene.GLTF{}, fmt.Errorf("open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(io.LimitReader(rc, int64(f.UncompressedSize64)+1))
		rc.Close()
		if err != nil {
			return scene.GLTF{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
		g.SetFile(rel, b)

		if g.LicenseFile == "" && strings.HasPrefix(strings.ToLower(path.Base(rel)), "license") {
			g.LicenseFile = rel
		}
	}
	return g, nil
}
