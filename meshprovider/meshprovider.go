// Package meshprovider turns a subject such as "house" into a loadable GLTF
// asset. Variants live in subpackages and are selected per request by ID.
package meshprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ggoodman/scenebridge/scene"
)

// ID names a provider variant on the wire.
type ID string

const (
	Dummy     ID = "dummy"
	Local     ID = "local"
	Sketchfab ID = "sketchfab"
)

// Query is what a provider is asked to find.
type Query struct {
	Subject  string
	Sentence string
}

// Asset is a resolved mesh.
type Asset struct {
	Name string     `json:"name"`
	GLTF scene.GLTF `json:"gltf"`
}

// Provider resolves queries to assets. Implementations must be safe for
// concurrent use.
type Provider interface {
	Resolve(ctx context.Context, q Query) (*Asset, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, q Query) (*Asset, error)

func (f ProviderFunc) Resolve(ctx context.Context, q Query) (*Asset, error) { return f(ctx, q) }

// Selector picks a provider and carries its raw parameters.
type Selector struct {
	ProviderID ID                         `json:"mesh_provider_id"`
	Parameters map[string]json.RawMessage `json:"mesh_provider_parameters"`
}

// ErrNotFound means the provider has no asset for the subject.
var ErrNotFound = errors.New("mesh not found")

// ErrUnknownProvider is returned for a selector naming no registered variant.
var ErrUnknownProvider = errors.New("unknown mesh provider")

// Kind classifies provider failures.
type Kind string

const (
	KindPathEscape        Kind = "path_escape"
	KindAuthRejected      Kind = "auth_rejected"
	KindUnavailable       Kind = "unavailable"
	KindInvalidParameters Kind = "invalid_parameters"
)

// Error is a classified provider failure.
type Error struct {
	Provider ID
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s provider: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s provider: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

// Errorf builds an *Error with a formatted cause.
func Errorf(p ID, k Kind, format string, args ...any) *Error {
	return &Error{Provider: p, Kind: k, Err: fmt.Errorf(format, args...)}
}

// ValidateParameters checks params has every required key and nothing
// beyond required and optional.
func ValidateParameters(p ID, params map[string]json.RawMessage, required, optional []string) error {
	allowed := make(map[string]bool, len(required)+len(optional))
	for _, k := range required {
		allowed[k] = true
		if _, ok := params[k]; !ok {
			return Errorf(p, KindInvalidParameters, "missing parameter %q", k)
		}
	}
	for _, k := range optional {
		allowed[k] = true
	}
	var extra []string
	for k := range params {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return Errorf(p, KindInvalidParameters, "unexpected parameters %s", strings.Join(extra, ", "))
	}
	return nil
}

// StringParam decodes a string parameter. A missing key yields "".
func StringParam(p ID, params map[string]json.RawMessage, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", Errorf(p, KindInvalidParameters, "parameter %q must be a string", key)
	}
	return s, nil
}
