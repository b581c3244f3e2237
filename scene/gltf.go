package scene

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const dataURIPrefix = "data:application/octet-stream;base64,"

// GLTF carries a complete asset: every file it references keyed by name,
// the entry-point file and an optional license file.
//
// File contents are text. Binary files travel as base64 data URIs; use
// SetFile and File to convert.
type GLTF struct {
	Files       map[string]string `json:"files"`
	GLTFFile    string            `json:"gltf_file"`
	LicenseFile string            `json:"license_file,omitempty"`
}

var (
	ErrMissingEntryPoint = errors.New("gltf: gltf_file is required")
	ErrMissingFile       = errors.New("gltf: referenced file not present")
)

// Validate checks that the entry point and license file are present in Files.
func (g *GLTF) Validate() error {
	if g.GLTFFile == "" {
		return ErrMissingEntryPoint
	}
	if _, ok := g.Files[g.GLTFFile]; !ok {
		return fmt.Errorf("%w: gltf_file %q", ErrMissingFile, g.GLTFFile)
	}
	if g.LicenseFile != "" {
		if _, ok := g.Files[g.LicenseFile]; !ok {
			return fmt.Errorf("%w: license_file %q", ErrMissingFile, g.LicenseFile)
		}
	}
	return nil
}

// SetFile stores data under name, encoding it as a data URI when it is not
// valid UTF-8 text.
func (g *GLTF) SetFile(name string, data []byte) {
	if g.Files == nil {
		g.Files = make(map[string]string)
	}
	if utf8.Valid(data) && !strings.HasPrefix(string(data), "data:") {
		g.Files[name] = string(data)
		return
	}
	g.Files[name] = dataURIPrefix + base64.StdEncoding.EncodeToString(data)
}

// File returns the raw bytes stored under name.
func (g *GLTF) File(name string) ([]byte, error) {
	v, ok := g.Files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingFile, name)
	}
	if rest, ok := strings.CutPrefix(v, dataURIPrefix); ok {
		return base64.StdEncoding.DecodeString(rest)
	}
	return []byte(v), nil
}

// Size returns the total decoded size of all files.
func (g *GLTF) Size() int {
	n := 0
	for _, v := range g.Files {
		if rest, ok := strings.CutPrefix(v, dataURIPrefix); ok {
			n += base64.StdEncoding.DecodedLen(len(rest)) - (len(rest) - len(strings.TrimRight(rest, "=")))
			continue
		}
		n += len(v)
	}
	return n
}
