// Package sketchfab resolves meshes by searching the Sketchfab model catalog
// and downloading the best downloadable hit as a glTF archive.
//
// Parameters: "apikey" (required) and "license" (optional license slug such
// as "by" or "cc0").
package sketchfab

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ggoodman/scenebridge/meshprovider"
)

const (
	paramAPIKey  = "apikey"
	paramLicense = "license"
)

// Params are the validated request parameters.
type Params struct {
	APIKey  string
	License string
}

func ParseParams(raw map[string]json.RawMessage) (Params, error) {
	if err := meshprovider.ValidateParameters(meshprovider.Sketchfab, raw, []string{paramAPIKey}, []string{paramLicense}); err != nil {
		return Params{}, err
	}
	key, err := meshprovider.StringParam(meshprovider.Sketchfab, raw, paramAPIKey)
	if err != nil {
		return Params{}, err
	}
	if strings.TrimSpace(key) == "" {
		return Params{}, meshprovider.Errorf(meshprovider.Sketchfab, meshprovider.KindInvalidParameters, "parameter %q is empty", paramAPIKey)
	}
	lic, err := meshprovider.StringParam(meshprovider.Sketchfab, raw, paramLicense)
	if err != nil {
		return Params{}, err
	}
	return Params{APIKey: key, License: lic}, nil
}

// Factory returns a meshprovider.Factory backed by c.
func Factory(c *Client) meshprovider.Factory {
	return func(raw map[string]json.RawMessage) (meshprovider.Provider, error) {
		p, err := ParseParams(raw)
		if err != nil {
			return nil, err
		}
		return &Provider{client: c, params: p}, nil
	}
}

// Provider resolves with one set of credentials.
type Provider struct {
	client *Client
	params Params
}

func (p *Provider) Resolve(ctx context.Context, q meshprovider.Query) (*meshprovider.Asset, error) {
	subject := strings.TrimSpace(q.Subject)
	if subject == "" {
		return nil, meshprovider.ErrNotFound
	}
	models, err := p.client.Search(ctx, p.params.APIKey, subject, p.params.License)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, meshprovider.ErrNotFound
	}
	m := models[0]

	u, err := p.client.DownloadURL(ctx, p.params.APIKey, m.UID)
	if err != nil {
		return nil, err
	}
	archive, err := p.client.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	g, err := extract(archive, p.client.maxArchiveBytes)
	if err != nil {
		return nil, unavailable("model %s: %w", m.UID, err)
	}
	if g.LicenseFile == "" && m.License.Label != "" {
		g.SetFile("LICENSE.txt", []byte(licenseText(m)))
		g.LicenseFile = "LICENSE.txt"
	}
	return &meshprovider.Asset{Name: subject, GLTF: g}, nil
}

func licenseText(m Model) string {
	var b strings.Builder
	b.WriteString(m.Name)
	if m.User.Username != "" {
		b.WriteString(" by " + m.User.Username)
	}
	b.WriteString("\nLicense: " + m.License.Label + "\n")
	if m.ViewerURL != "" {
		b.WriteString("Source: " + m.ViewerURL + "\n")
	}
	return b.String()
}
