package scene

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/scenebridge/mux"
)

// Engine is the application side of the scene requests.
type Engine interface {
	ListObjects(ctx context.Context) ([]ObjectSummary, error)
	LoadGLTF(ctx context.Context, name string, g GLTF) (ObjectSummary, error)
}

// Register installs handlers on r that answer scene requests from e.
func Register(r *mux.Router, e Engine) {
	r.HandleFunc(CommandListObjects, mux.MatchCommand(CommandListObjects), func(ctx context.Context, req *mux.Request) (any, error) {
		objs, err := e.ListObjects(ctx)
		if err != nil {
			return nil, err
		}
		if objs == nil {
			objs = []ObjectSummary{}
		}
		return objs, nil
	})
	r.HandleFunc(CommandLoadGLTF, mux.MatchCommand(CommandLoadGLTF), func(ctx context.Context, req *mux.Request) (any, error) {
		var lr LoadGLTFRequest
		if err := json.Unmarshal(req.Data, &lr); err != nil {
			return nil, fmt.Errorf("decode load_gltf: %w", err)
		}
		if err := lr.Validate(); err != nil {
			return nil, err
		}
		return e.LoadGLTF(ctx, lr.Name, lr.GLTF)
	})
}
