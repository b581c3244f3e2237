package meshprovider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/scenebridge/assetcache"
	"github.com/ggoodman/scenebridge/internal/metrics"
)

// Factory builds a provider from request parameters. It must reject
// parameters it does not understand with KindInvalidParameters.
type Factory func(params map[string]json.RawMessage) (Provider, error)

// Registry maps provider IDs to factories and caches successful results.
type Registry struct {
	mu        sync.RWMutex
	factories map[ID]Factory

	cache    assetcache.Cache
	cacheTTL time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

type RegistryOption func(*Registry)

// WithCache caches resolved assets in c for ttl.
func WithCache(c assetcache.Cache, ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[ID]Factory),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs f under id, replacing any previous factory.
func (r *Registry) Register(id ID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// IDs returns the registered provider IDs in sorted order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Open validates sel and builds its provider. Callers should Open before
// doing any other work for a request so bad parameters fail fast.
func (r *Registry) Open(sel Selector) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[sel.ProviderID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, sel.ProviderID)
	}
	params := sel.Parameters
	if params == nil {
		params = map[string]json.RawMessage{}
	}
	p, err := f(params)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		p = &cachedProvider{r: r, id: sel.ProviderID, params: params, next: p}
	}
	return &instrumented{r: r, id: sel.ProviderID, next: p}, nil
}

// Resolve opens sel and resolves q with it.
func (r *Registry) Resolve(ctx context.Context, sel Selector, q Query) (*Asset, error) {
	p, err := r.Open(sel)
	if err != nil {
		return nil, err
	}
	return p.Resolve(ctx, q)
}

type instrumented struct {
	r    *Registry
	id   ID
	next Provider
}

func (p *instrumented) Resolve(ctx context.Context, q Query) (*Asset, error) {
	a, err := p.next.Resolve(ctx, q)
	p.r.metrics.Resolution(string(p.id), resolutionOutcome(err))
	if err != nil {
		p.r.log.DebugContext(ctx, "meshprovider.resolve.fail",
			slog.String("provider", string(p.id)),
			slog.String("subject", q.Subject),
			slog.String("err", err.Error()))
	}
	return a, err
}

func resolutionOutcome(err error) string {
	var pe *Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &pe):
		return string(pe.Kind)
	default:
		return "error"
	}
}

type cachedProvider struct {
	r      *Registry
	id     ID
	params map[string]json.RawMessage
	next   Provider
}

func (c *cachedProvider) Resolve(ctx context.Context, q Query) (*Asset, error) {
	key := cacheKey(c.params, q.Subject)
	log := c.r.log.With(slog.String("provider", string(c.id)))

	item, err := c.r.cache.Get(ctx, key, assetcache.WithProvider(string(c.id)))
	if err != nil {
		log.WarnContext(ctx, "meshprovider.cache.get.fail", slog.String("err", err.Error()))
	} else if item != nil {
		var a Asset
		if err := json.Unmarshal(item.Data, &a); err == nil {
			log.DebugContext(ctx, "meshprovider.cache.hit")
			return &a, nil
		}
		log.WarnContext(ctx, "meshprovider.cache.decode.fail")
	}

	a, err := c.next.Resolve(ctx, q)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(a); err == nil {
		if err := c.r.cache.Set(ctx, key, b, assetcache.WithProvider(string(c.id)), assetcache.WithTTL(c.r.cacheTTL)); err != nil {
			log.WarnContext(ctx, "meshprovider.cache.set.fail", slog.String("err", err.Error()))
		}
	}
	return a, nil
}

// cacheKey is stable across parameter ordering and subject case.
func cacheKey(params map[string]json.RawMessage, subject string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(params[k])
		h.Write([]byte{0})
	}
	h.Write([]byte(strings.ToLower(strings.TrimSpace(subject))))
	return hex.EncodeToString(h.Sum(nil))
}
