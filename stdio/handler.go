package stdio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/ggoodman/scenebridge/mux"
)

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Handler is a single-connection stdio transport. By default it reads from
// os.Stdin and writes to os.Stdout.
type Handler struct {
	router   *mux.Router
	r        io.Reader
	w        io.Writer
	l        *slog.Logger
	connOpts []mux.Option
	served   atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(router *mux.Router, opts ...Option) *Handler {
	h := &Handler{
		router: router,
		r:      os.Stdin,
		w:      os.Stdout,
		l:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the connection until EOF on the reader or ctx is canceled.
// EOF and cancellation return nil; a framing failure is returned. It may be
// called at most once.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}
	opts := append([]mux.Option{
		mux.WithID("stdio"),
		mux.WithRemoteAddr("stdio"),
		mux.WithLogger(h.l),
		mux.WithRouter(h.router),
	}, h.connOpts...)
	return mux.NewConn(pipe{Reader: h.r, Writer: h.w}, opts...).Serve(ctx)
}

// pipe joins the two halves. Closing it closes whichever half can be closed,
// so a blocked read on a pipe reader unblocks.
type pipe struct {
	io.Reader
	io.Writer
}

func (p pipe) Close() error {
	var errs []error
	if c, ok := p.Reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := p.Writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
