// Package orchestrator executes a client's sentence: it interprets the
// sentence, consults and updates the client's scene through nested requests
// on the same connection, and resolves the mesh to load.
//
// Every outcome is answered with a status body. A failing sentence never
// closes the connection.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/ggoodman/scenebridge/internal/logctx"
	"github.com/ggoodman/scenebridge/internal/metrics"
	"github.com/ggoodman/scenebridge/meshprovider"
	"github.com/ggoodman/scenebridge/mux"
	"github.com/ggoodman/scenebridge/scene"
	"github.com/ggoodman/scenebridge/sentence"
)

// Request is the data of a client's execute request.
type Request struct {
	MeshProviderID         meshprovider.ID            `json:"mesh_provider_id"`
	MeshProviderParameters map[string]json.RawMessage `json:"mesh_provider_parameters"`
	Sentence               string                     `json:"sentence"`
}

// Selector returns the provider selection carried by r.
func (r *Request) Selector() meshprovider.Selector {
	return meshprovider.Selector{ProviderID: r.MeshProviderID, Parameters: r.MeshProviderParameters}
}

// State is a stage of sentence execution.
type State string

const (
	StateReceived       State = "received"
	StateInterpreting   State = "interpreting"
	StateBridging       State = "bridging"
	StateMeshResolution State = "mesh_resolution"
	StateResponding     State = "responding"
	StateOK             State = "ok"
	StateError          State = "error"
)

// RequestKind is the router name execute requests are logged under.
const RequestKind = "execute_sentence"

// Errors surfaced in the status message.
var (
	ErrEmptySentence    = errors.New("sentence is empty")
	ErrReferenceMissing = errors.New("reference object not in scene")
)

// Orchestrator is a mux.Handler for execute requests. It holds no
// per-request state and is safe for concurrent use.
type Orchestrator struct {
	registry    *meshprovider.Registry
	interpreter sentence.Interpreter
	log         *slog.Logger
	metrics     *metrics.Metrics
	onState     func(ctx context.Context, s State)
}

type Option func(*Orchestrator)

func WithInterpreter(i sentence.Interpreter) Option {
	return func(o *Orchestrator) {
		if i != nil {
			o.interpreter = i
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStateHook calls fn on every state transition.
func WithStateHook(fn func(ctx context.Context, s State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// New returns an orchestrator resolving meshes through reg. The default
// interpreter is sentence.RuleInterpreter.
func New(reg *meshprovider.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    reg,
		interpreter: sentence.RuleInterpreter{},
		log:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Matches reports whether data looks like an execute request.
func Matches(data json.RawMessage) bool {
	return mux.MatchFields("sentence")(data)
}

// Register installs o on r.
func (o *Orchestrator) Register(r *mux.Router) {
	r.Handle(RequestKind, Matches, o)
}

// ServeRequest implements mux.Handler. The result is always an
// envelope.Status; the error is always nil.
func (o *Orchestrator) ServeRequest(ctx context.Context, req *mux.Request) (any, error) {
	var r Request
	if err := json.Unmarshal(req.Data, &r); err != nil {
		return o.finish(ctx, &logctx.SentenceData{State: string(StateReceived)}, fmt.Errorf("invalid request: %w", err)), nil
	}
	var caller scene.Caller
	if req.Conn != nil {
		caller = req.Conn
	}
	return o.Execute(ctx, caller, &r), nil
}

// Execute runs r to completion, issuing scene requests through caller.
func (o *Orchestrator) Execute(ctx context.Context, caller scene.Caller, r *Request) envelope.Status {
	sd := &logctx.SentenceData{ProviderID: string(r.MeshProviderID)}
	ctx = logctx.WithSentenceData(ctx, sd)
	o.enter(ctx, sd, StateReceived)
	o.log.InfoContext(ctx, "sentence.received", slog.String("sentence", r.Sentence))

	return o.finish(ctx, sd, o.execute(ctx, sd, caller, r))
}

func (o *Orchestrator) execute(ctx context.Context, sd *logctx.SentenceData, caller scene.Caller, r *Request) error {
	if strings.TrimSpace(r.Sentence) == "" {
		return ErrEmptySentence
	}
	if caller == nil {
		return errors.New("no connection to the scene")
	}
	// Parameters are checked before anything reaches the client or a provider.
	provider, err := o.registry.Open(r.Selector())
	if err != nil {
		return err
	}
	client := scene.NewClient(caller)

	o.enter(ctx, sd, StateInterpreting)
	plan, err := o.interpreter.Interpret(ctx, r.Sentence)
	if err != nil {
		return fmt.Errorf("interpret %q: %w", r.Sentence, err)
	}
	o.log.DebugContext(ctx, "sentence.interpreted",
		slog.String("subject", plan.Subject),
		slog.String("relation", string(plan.Relation)),
		slog.String("reference", plan.Reference))

	var reference *scene.ObjectSummary
	if plan.HasReference() {
		o.enter(ctx, sd, StateBridging)
		objs, err := client.ListObjects(ctx)
		if err != nil {
			return err
		}
		reference = FindObject(objs, plan.Reference)
		if reference == nil {
			return fmt.Errorf("%w: %q", ErrReferenceMissing, plan.Reference)
		}
	}

	o.enter(ctx, sd, StateMeshResolution)
	asset, err := provider.Resolve(ctx, meshprovider.Query{Subject: plan.Subject, Sentence: r.Sentence})
	if errors.Is(err, meshprovider.ErrNotFound) {
		return fmt.Errorf("no mesh found for %q", plan.Subject)
	}
	if err != nil {
		return err
	}

	o.enter(ctx, sd, StateBridging)
	name := asset.Name
	if name == "" {
		name = plan.Subject
	}
	loaded, err := client.LoadGLTF(ctx, name, asset.GLTF)
	if err != nil {
		return err
	}

	attrs := []any{slog.String("object", loaded.Name)}
	if reference != nil {
		at := Place(plan.Relation, *reference, *loaded)
		attrs = append(attrs, slog.String("reference", reference.Name),
			slog.Float64("x", at.X), slog.Float64("y", at.Y), slog.Float64("z", at.Z))
	}
	o.log.InfoContext(ctx, "sentence.loaded", attrs...)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, sd *logctx.SentenceData, err error) envelope.Status {
	o.enter(ctx, sd, StateResponding)
	if err != nil {
		o.enter(ctx, sd, StateError)
		o.metrics.Sentence(string(StateError))
		o.log.InfoContext(ctx, "sentence.fail", slog.String("err", err.Error()))
		return envelope.Errorf("%s", Describe(err))
	}
	o.enter(ctx, sd, StateOK)
	o.metrics.Sentence(string(StateOK))
	return envelope.OK()
}

func (o *Orchestrator) enter(ctx context.Context, sd *logctx.SentenceData, s State) {
	sd.State = string(s)
	if o.onState != nil {
		o.onState(ctx, s)
	}
}

// Describe renders err as a message for the client.
func Describe(err error) string {
	switch {
	case errors.Is(err, mux.ErrTimeout):
		return "the scene did not answer in time: " + err.Error()
	case errors.Is(err, mux.ErrConnectionClosed):
		return "connection closed while executing the sentence"
	case errors.Is(err, sentence.ErrNotUnderstood):
		return err.Error()
	}
	var re *scene.RemoteError
	if errors.As(err, &re) {
		return fmt.Sprintf("scene rejected %s: %s", re.Command, re.Message)
	}
	var pe *meshprovider.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case meshprovider.KindAuthRejected:
			return fmt.Sprintf("%s rejected the credentials", pe.Provider)
		case meshprovider.KindPathEscape:
			return fmt.Sprintf("%s: path leaves the asset root", pe.Provider)
		}
	}
	return err.Error()
}
