package scene

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/scenebridge/internal/envelope"
)

// Caller issues a request to the peer and returns its response data.
// *mux.Conn satisfies it.
type Caller interface {
	Call(ctx context.Context, data any) (json.RawMessage, error)
}

// Client issues scene requests to the controlling application.
type Client struct {
	c Caller
}

// NewClient returns a Client that sends through c.
func NewClient(c Caller) *Client {
	return &Client{c: c}
}

// ListObjects returns the peer's scene objects in its enumeration order.
func (cl *Client) ListObjects(ctx context.Context) ([]ObjectSummary, error) {
	raw, err := cl.c.Call(ctx, ListObjectsRequest{Command: CommandListObjects})
	if err != nil {
		return nil, fmt.Errorf("list_objects: %w", err)
	}
	if st, ok := envelope.AsErrorStatus(raw); ok {
		return nil, &RemoteError{Command: CommandListObjects, Message: st.Message}
	}
	var objs []ObjectSummary
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, fmt.Errorf("list_objects: decode response: %w", err)
	}
	return objs, nil
}

// LoadGLTF asks the peer to load g under name. The returned summary carries
// the name the peer actually used, which may differ from name.
func (cl *Client) LoadGLTF(ctx context.Context, name string, g GLTF) (*ObjectSummary, error) {
	req := LoadGLTFRequest{Command: CommandLoadGLTF, Name: name, GLTF: g}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	raw, err := cl.c.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("load_gltf: %w", err)
	}
	if st, ok := envelope.AsErrorStatus(raw); ok {
		return nil, &RemoteError{Command: CommandLoadGLTF, Message: st.Message}
	}
	var obj ObjectSummary
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("load_gltf: decode response: %w", err)
	}
	if obj.Name == "" {
		return nil, fmt.Errorf("load_gltf: response has no object name")
	}
	return &obj, nil
}
