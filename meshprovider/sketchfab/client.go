package sketchfab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/scenebridge/meshprovider"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.sketchfab.com"

// Client talks to the Sketchfab v3 API. One Client is shared by every
// request; the API key travels per call.
type Client struct {
	baseURL         string
	http            *http.Client
	limiter         *rate.Limiter
	maxArchiveBytes int64
}

type ClientOption func(*Client)

// WithBaseURL points the client at another API host.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRateLimit caps API calls per second across all requests.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxArchiveBytes bounds the size of a downloaded model archive.
func WithMaxArchiveBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxArchiveBytes = n
		}
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         DefaultBaseURL,
		http:            &http.Client{Timeout: 60 * time.Second},
		limiter:         rate.NewLimiter(rate.Inf, 0),
		maxArchiveBytes: 100 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model is one search hit.
type Model struct {
	UID     string `json:"uid"`
	Name    string `json:"name"`
	License struct {
		Slug  string `json:"slug"`
		Label string `json:"label"`
	} `json:"license"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
	ViewerURL string `json:"viewerUrl"`
}

type searchResponse struct {
	Results []Model `json:"results"`
}

type downloadResponse struct {
	GLTF *struct {
		URL  string `json:"url"`
		Size int64  `json:"size"`
	} `json:"gltf"`
}

// Search returns downloadable models matching q, optionally filtered by
// license slug.
func (c *Client) Search(ctx context.Context, apiKey, q, license string) ([]Model, error) {
	v := url.Values{}
	v.Set("type", "models")
	v.Set("downloadable", "true")
	v.Set("q", q)
	if license != "" {
		v.Set("license", license)
	}
	var out searchResponse
	if err := c.getJSON(ctx, apiKey, "/v3/search?"+v.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// DownloadURL returns a short-lived URL of the model's glTF archive.
func (c *Client) DownloadURL(ctx context.Context, apiKey, uid string) (string, error) {
	var out downloadResponse
	if err := c.getJSON(ctx, apiKey, "/v3/models/"+url.PathEscape(uid)+"/download", &out); err != nil {
		return "", err
	}
	if out.GLTF == nil || out.GLTF.URL == "" {
		return "", meshprovider.ErrNotFound
	}
	if out.GLTF.Size > c.maxArchiveBytes {
		return "", unavailable("archive of %d bytes exceeds limit of %d", out.GLTF.Size, c.maxArchiveBytes)
	}
	return out.GLTF.URL, nil
}

// Fetch downloads an archive. The URL is pre-signed, so no key is sent.
func (c *Client) Fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, unavailable("build request: %w", err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxArchiveBytes+1))
	if err != nil {
		return nil, unavailable("read archive: %w", err)
	}
	if int64(len(b)) > c.maxArchiveBytes {
		return nil, unavailable("archive exceeds limit of %d bytes", c.maxArchiveBytes)
	}
	return b, nil
}

func (c *Client) getJSON(ctx context.Context, apiKey, p string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+p, nil)
	if err != nil {
		return unavailable("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return unavailable("decode %s: %w", p, err)
	}
	return nil
}

// do sends req and classifies the outcome. On success the caller owns the
// response body.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, unavailable("rate limit: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, unavailable("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	detail := strings.TrimSpace(string(msg))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &meshprovider.Error{
			Provider: meshprovider.Sketchfab,
			Kind:     meshprovider.KindAuthRejected,
			Err:      fmt.Errorf("%s: %s", resp.Status, detail),
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, meshprovider.ErrNotFound
	default:
		return nil, unavailable("%s %s: %s %s", req.Method, req.URL.Path, resp.Status, detail)
	}
}

func unavailable(format string, args ...any) error {
	return meshprovider.Errorf(meshprovider.Sketchfab, meshprovider.KindUnavailable, format, args...)
}
