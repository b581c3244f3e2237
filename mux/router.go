package mux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrUnsupportedRequest is returned for inbound requests no route matches.
var ErrUnsupportedRequest = errors.New("unsupported request")

// Request is an inbound request handed to a Handler.
type Request struct {
	ID   string
	Data json.RawMessage
	// Conn is the connection the request arrived on; handlers use it to issue
	// nested requests back to the peer.
	Conn *Conn
}

// Handler answers inbound requests. The returned value becomes the response
// data; a non-nil error is answered with {"status":"error","message":...}.
type Handler interface {
	ServeRequest(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) ServeRequest(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Matcher classifies request data by shape.
type Matcher func(data json.RawMessage) bool

// MatchCommand matches objects whose "command" member equals name.
func MatchCommand(name string) Matcher {
	return func(data json.RawMessage) bool {
		var peek struct {
			Command *string `json:"command"`
		}
		if !isObject(data) || json.Unmarshal(data, &peek) != nil {
			return false
		}
		return peek.Command != nil && *peek.Command == name
	}
}

// MatchFields matches objects that carry every named member.
func MatchFields(fields ...string) Matcher {
	return func(data json.RawMessage) bool {
		var peek map[string]json.RawMessage
		if !isObject(data) || json.Unmarshal(data, &peek) != nil {
			return false
		}
		for _, f := range fields {
			if _, ok := peek[f]; !ok {
				return false
			}
		}
		return true
	}
}

func isObject(data json.RawMessage) bool {
	b := bytes.TrimSpace(data)
	return len(b) > 0 && b[0] == '{'
}

type route struct {
	name    string
	match   Matcher
	handler Handler
}

// Router dispatches inbound requests to the first route whose matcher
// accepts the request data. The zero value is ready to use and safe for
// concurrent registration and dispatch.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// Handle registers h under name for requests accepted by m.
func (r *Router) Handle(name string, m Matcher, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{name: name, match: m, handler: h})
}

// HandleFunc registers f under name for requests accepted by m.
func (r *Router) HandleFunc(name string, m Matcher, f func(ctx context.Context, req *Request) (any, error)) {
	r.Handle(name, m, HandlerFunc(f))
}

// Route returns the name and handler for data. Unmatched data gets a handler
// that fails with ErrUnsupportedRequest.
func (r *Router) Route(data json.RawMessage) (string, Handler) {
	if r != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, rt := range r.routes {
			if rt.match(data) {
				return rt.name, rt.handler
			}
		}
	}
	return "unsupported", HandlerFunc(func(context.Context, *Request) (any, error) {
		return nil, ErrUnsupportedRequest
	})
}
