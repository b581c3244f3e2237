package mux

import (
	"log/slog"
	"time"

	"github.com/ggoodman/scenebridge/internal/frame"
	"github.com/ggoodman/scenebridge/internal/metrics"
)

// Option customizes a Conn.
type Option func(*Conn)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRouter sets the router used for inbound requests.
func WithRouter(r *Router) Option {
	return func(c *Conn) {
		if r != nil {
			c.router = r
		}
	}
}

// WithMaxFrameBytes bounds the size of a single frame in either direction.
func WithMaxFrameBytes(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.limits = frame.Limits{MaxPayloadBytes: n}
		}
	}
}

// WithExchangeTimeout bounds how long an outbound call waits for its
// response. Zero disables the default deadline.
func WithExchangeTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d >= 0 {
			c.exchangeTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single frame write on connections that support
// write deadlines.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d >= 0 {
			c.writeTimeout = d
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithID overrides the generated connection id used in logs.
func WithID(id string) Option {
	return func(c *Conn) {
		if id != "" {
			c.id = id
		}
	}
}

// WithRemoteAddr records the peer address for logs.
func WithRemoteAddr(addr string) Option {
	return func(c *Conn) { c.remoteAddr = addr }
}
