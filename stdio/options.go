package stdio

import (
	"io"
	"log/slog"

	"github.com/ggoodman/scenebridge/mux"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithConnOptions passes extra options to the underlying connection.
func WithConnOptions(opts ...mux.Option) Option {
	return func(h *Handler) {
		h.connOpts = append(h.connOpts, opts...)
	}
}
