// Package admin serves the operator HTTP surface: health, Prometheus metrics
// and JSON Schemas for the wire messages.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/invopop/jsonschema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	schemaMediaType  = contenttype.NewMediaType("application/schema+json")
	jsonMediaType    = contenttype.NewMediaType("application/json")
	schemaMediaTypes = []contenttype.MediaType{schemaMediaType, jsonMediaType}
)

// Health is the body of /healthz.
type Health struct {
	Status      string   `json:"status"`
	Connections int      `json:"connections"`
	Providers   []string `json:"providers,omitempty"`
}

type handler struct {
	log            *slog.Logger
	gatherer       prometheus.Gatherer
	allowedOrigins []string
	health         func() Health
	schemas        map[string]*jsonschema.Schema
}

type Option func(*handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *handler) { h.gatherer = g }
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(h *handler) { h.allowedOrigins = origins }
}

// WithHealth sets the function reporting /healthz.
func WithHealth(fn func() Health) Option {
	return func(h *handler) { h.health = fn }
}

// WithSchema publishes the JSON Schema of v's type under name.
func WithSchema(name string, v any) Option {
	return func(h *handler) {
		r := &jsonschema.Reflector{DoNotReference: true}
		h.schemas[name] = r.Reflect(v)
	}
}

// New returns the admin handler.
func New(opts ...Option) http.Handler {
	h := &handler{
		log:      slog.New(slog.DiscardHandler),
		gatherer: prometheus.DefaultGatherer,
		health:   func() Health { return Health{Status: "ok"} },
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	if len(h.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/schema", h.handleSchemaIndex)
	r.Get("/schema/{name}", h.handleSchema)
	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, jsonMediaType, h.health())
}

func (h *handler) handleSchemaIndex(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.schemas))
	for name := range h.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	h.writeJSON(w, r, jsonMediaType, names)
}

func (h *handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	s, ok := h.schemas[chi.URLParam(r, "name")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, schemaMediaTypes)
	if err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	h.writeJSON(w, r, mt, s)
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, mt contenttype.MediaType, v any) {
	w.Header().Set("Content-Type", mt.String())
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.DebugContext(r.Context(), "admin.write.fail", slog.String("path", r.URL.Path), slog.String("err", err.Error()))
	}
}
