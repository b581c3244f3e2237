package local

import (
	"context"

	"github.com/ggoodman/scenebridge/meshprovider"
)

// Provider resolves subjects against one catalog.
type Provider struct {
	catalog *Catalog
}

func (p *Provider) Resolve(ctx context.Context, q meshprovider.Query) (*meshprovider.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.catalog.Lookup(ctx, q.Subject)
}
