// Package scene defines the requests a server issues to the controlling
// application while executing a sentence, and both ends of that exchange:
// Client issues them over a connection, Register answers them from an Engine.
//
// Coordinates use Z as the vertical axis. Applications with a Y-up
// convention swap axes before data enters this package.
package scene

import (
	"errors"
	"fmt"
)

// Commands understood by the controlling application.
const (
	CommandListObjects = "list_objects"
	CommandLoadGLTF    = "load_gltf"
)

// BoundingBox is an axis-aligned bounding box.
type BoundingBox struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
	MinZ float64 `json:"min_z"`
	MaxZ float64 `json:"max_z"`
}

// Height returns the Z (vertical) extent.
func (b BoundingBox) Height() float64 { return b.MaxZ - b.MinZ }

// Vec3 is a point or offset in scene space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ObjectSummary describes one object in the scene as reported by the
// controlling application.
type ObjectSummary struct {
	Name        string      `json:"name"`
	Size        BoundingBox `json:"size"`
	Translation Vec3        `json:"translation"`
}

// ListObjectsRequest asks the application to enumerate its scene.
type ListObjectsRequest struct {
	Command string `json:"command"`
}

// LoadGLTFRequest asks the application to load an asset under Name.
type LoadGLTFRequest struct {
	Command string `json:"command"`
	Name    string `json:"name"`
	GLTF    GLTF   `json:"gltf"`
}

// Validate checks the request carries a name and a consistent payload.
func (r *LoadGLTFRequest) Validate() error {
	if r.Name == "" {
		return errors.New("load_gltf: name is required")
	}
	return r.GLTF.Validate()
}

// RemoteError is a {status:"error"} answer from the peer.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed on peer: %s", e.Command, e.Message)
}
