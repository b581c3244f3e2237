package mux

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/ggoodman/scenebridge/internal/frame"
	"github.com/ggoodman/scenebridge/internal/logctx"
	"github.com/ggoodman/scenebridge/internal/metrics"
	"github.com/ggoodman/scenebridge/internal/outbound"
	"github.com/google/uuid"
)

const (
	defaultExchangeTimeout = 30 * time.Second
	defaultWriteTimeout    = 30 * time.Second
)

// Re-exported so callers need not import internal packages.
var (
	ErrConnectionClosed  = outbound.ErrConnectionClosed
	ErrTimeout           = outbound.ErrTimeout
	ErrDuplicateID       = outbound.ErrDuplicateID
	ErrUnmatchedResponse = outbound.ErrUnmatchedResponse
	ErrFraming           = frame.ErrFraming
	ErrMalformedEnvelope = envelope.ErrMalformed
	ErrInvalidJSON       = envelope.ErrInvalidJSON
)

var errServing = errors.New("mux: Serve already called")

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn multiplexes exchanges in both directions over one stream.
type Conn struct {
	id         string
	remoteAddr string

	rw              io.ReadWriteCloser
	r               *bufio.Reader
	log             *slog.Logger
	router          *Router
	limits          frame.Limits
	exchangeTimeout time.Duration
	writeTimeout    time.Duration
	metrics         *metrics.Metrics

	out     *outbound.Dispatcher
	writeMu sync.Mutex

	inMu     sync.Mutex
	inbound  map[string]struct{}
	handlers sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	serving   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps rw. Serve must be called to start reading.
func NewConn(rw io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		id:              uuid.NewString(),
		rw:              rw,
		log:             slog.Default(),
		router:          new(Router),
		limits:          frame.DefaultLimits(),
		exchangeTimeout: defaultExchangeTimeout,
		writeTimeout:    defaultWriteTimeout,
		inbound:         make(map[string]struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.r = bufio.NewReader(rw)
	c.out = outbound.New(outbound.TransportFunc(c.sendRequest), outbound.WithTimeout(c.exchangeTimeout))

	ctx := logctx.WithConnData(context.Background(), &logctx.ConnData{ConnID: c.id, RemoteAddr: c.remoteAddr})
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// ID returns the connection id used in logs.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Pending returns the number of outbound exchanges awaiting a response.
func (c *Conn) Pending() int { return c.out.Pending() }

// Serve reads frames until the stream ends, a fatal error occurs, Close is
// called or ctx is cancelled. It tears the connection down before returning
// and waits for in-flight handlers to finish. A clean end of stream returns
// nil.
func (c *Conn) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return errServing
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	c.log.DebugContext(c.ctx, "conn.serve.start")
	err := c.readLoop()
	if err != nil {
		c.log.WarnContext(c.ctx, "conn.serve.fail", slog.String("err", err.Error()))
	}
	c.teardown()
	c.handlers.Wait()
	c.log.DebugContext(c.ctx, "conn.serve.done")
	return err
}

// Close tears the connection down, failing every pending outbound exchange
// with ErrConnectionClosed.
func (c *Conn) Close() error {
	c.teardown()
	return nil
}

// Call sends data as a request with a generated id and waits for the
// response data.
func (c *Conn) Call(ctx context.Context, data any) (json.RawMessage, error) {
	return c.CallWithID(ctx, uuid.NewString(), data)
}

// CallWithID sends data as a request with the caller's id. The id must not
// collide with another outstanding outbound exchange on this connection.
func (c *Conn) CallWithID(ctx context.Context, id string, data any) (json.RawMessage, error) {
	start := time.Now()
	c.metrics.ExchangeStarted(metrics.Outbound)
	resp, err := c.out.CallWithID(ctx, id, data)
	c.metrics.ExchangeFinished(metrics.Outbound, outcome(err), time.Since(start).Seconds())
	return resp, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.out.Close(ErrConnectionClosed)
		_ = c.rw.Close()
		close(c.done)
	})
}

func (c *Conn) readLoop() error {
	for {
		payload, err := frame.ReadFrame(c.r, c.limits)
		if err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, frame.ErrFraming) {
				c.metrics.FrameError("framing")
			}
			return fmt.Errorf("read frame: %w", err)
		}
		c.metrics.FrameRead()

		env, err := envelope.Parse(payload)
		if err != nil {
			if fatal := c.onParseError(err); fatal != nil {
				return fatal
			}
			continue
		}

		switch env.Type {
		case envelope.TypeResponse:
			c.onResponse(env)
		case envelope.TypeRequest:
			c.onRequest(env)
		}
	}
}

func (c *Conn) onParseError(err error) error {
	var me *envelope.MalformedError
	if !errors.As(err, &me) {
		c.metrics.FrameError("invalid_json")
		return err
	}
	c.metrics.FrameError("malformed")

	// Only a request can be answered.
	if !me.Answerable() {
		return err
	}
	c.log.WarnContext(c.ctx, "conn.envelope.malformed", slog.String("id", me.ID), slog.String("err", me.Reason))
	ctx := logctx.WithExchangeData(c.ctx, &logctx.ExchangeData{ID: me.ID, Direction: metrics.Inbound, Kind: "malformed"})
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		if werr := c.respond(ctx, me.ID, envelope.Errorf("malformed request: %s", me.Reason)); werr != nil {
			c.log.DebugContext(ctx, "conn.envelope.malformed.reply.fail", slog.String("err", werr.Error()))
		}
	}()
	return nil
}

func (c *Conn) onResponse(env *envelope.Envelope) {
	err := c.out.OnResponse(env)
	switch {
	case err == nil:
	case errors.Is(err, outbound.ErrLateResponse):
		c.log.DebugContext(c.ctx, "exchange.response.late", slog.String("id", env.ID))
	default:
		c.metrics.FrameError("unmatched")
		c.log.WarnContext(c.ctx, "exchange.response.unmatched", slog.String("id", env.ID))
	}
}

func (c *Conn) onRequest(env *envelope.Envelope) {
	c.inMu.Lock()
	if _, dup := c.inbound[env.ID]; dup {
		c.inMu.Unlock()
		c.metrics.FrameError("duplicate")
		c.log.WarnContext(c.ctx, "exchange.request.duplicate", slog.String("id", env.ID))
		return
	}
	c.inbound[env.ID] = struct{}{}
	c.inMu.Unlock()

	c.handlers.Add(1)
	go c.handle(env)
}

func (c *Conn) handle(env *envelope.Envelope) {
	defer c.handlers.Done()

	start := time.Now()
	c.metrics.ExchangeStarted(metrics.Inbound)

	kind, h := c.router.Route(env.Data)
	ctx := logctx.WithExchangeData(c.ctx, &logctx.ExchangeData{ID: env.ID, Direction: metrics.Inbound, Kind: kind})

	result, err := c.serve(ctx, h, &Request{ID: env.ID, Data: env.Data, Conn: c})
	status := "ok"
	if err != nil {
		status = "error"
		c.log.InfoContext(ctx, "exchange.request.fail", slog.String("err", err.Error()))
		result = envelope.Errorf("%s", err.Error())
	}

	// Released before replying so the peer may reuse the id as soon as it
	// sees the response.
	c.inMu.Lock()
	delete(c.inbound, env.ID)
	c.inMu.Unlock()

	if werr := c.respond(ctx, env.ID, result); werr != nil {
		status = "write_failed"
		c.log.DebugContext(ctx, "exchange.response.write.fail", slog.String("err", werr.Error()))
	}
	c.metrics.ExchangeFinished(metrics.Inbound, status, time.Since(start).Seconds())
}

func (c *Conn) serve(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.log.ErrorContext(ctx, "exchange.request.panic", slog.Any("panic", p))
			result, err = nil, fmt.Errorf("internal error")
		}
	}()
	return h.ServeRequest(ctx, req)
}

func (c *Conn) respond(ctx context.Context, id string, data any) error {
	env, err := envelope.NewResponse(id, data)
	if err != nil {
		env, _ = envelope.NewResponse(id, envelope.Errorf("encode response: %s", err.Error()))
	}
	err = c.writeEnvelope(env)
	if errors.Is(err, frame.ErrFrameTooLarge) {
		// The peer is still waiting on id.
		env, _ = envelope.NewResponse(id, envelope.Errorf("response too large"))
		return c.writeEnvelope(env)
	}
	return err
}

func (c *Conn) sendRequest(ctx context.Context, req *envelope.Envelope) error {
	return c.writeEnvelope(req)
}

func (c *Conn) writeEnvelope(env *envelope.Envelope) error {
	b, err := envelope.Serialize(env)
	if err != nil {
		return err
	}
	buf, err := frame.Encode(b, c.limits)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	if c.closed.Load() {
		c.writeMu.Unlock()
		return ErrConnectionClosed
	}
	if wd, ok := c.rw.(writeDeadliner); ok && c.writeTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = c.rw.Write(buf)
	c.writeMu.Unlock()

	if err != nil {
		c.log.WarnContext(c.ctx, "conn.frame.write.fail", slog.String("err", err.Error()))
		c.teardown()
		return fmt.Errorf("write frame: %w", err)
	}
	c.metrics.FrameWritten()
	return nil
}
