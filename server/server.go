// Package server accepts TCP connections and runs one multiplexed
// connection per client. Connections are independent: a fatal error on one
// never touches another.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ggoodman/scenebridge/internal/metrics"
	"github.com/ggoodman/scenebridge/mux"
	"github.com/google/uuid"
)

// Server serves a Router over every accepted connection.
type Server struct {
	router          *mux.Router
	log             *slog.Logger
	metrics         *metrics.Metrics
	maxFrameBytes   int
	exchangeTimeout time.Duration
	writeTimeout    time.Duration

	mu    sync.Mutex
	conns map[string]*mux.Conn
	wg    sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxFrameBytes bounds the payload of a single frame on every connection.
func WithMaxFrameBytes(n int) Option {
	return func(s *Server) { s.maxFrameBytes = n }
}

// WithExchangeTimeout bounds how long nested requests wait for the client.
func WithExchangeTimeout(d time.Duration) Option {
	return func(s *Server) { s.exchangeTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// New returns a server dispatching inbound requests through router.
func New(router *mux.Router, opts ...Option) *Server {
	s := &Server{
		router: router,
		log:    slog.New(slog.DiscardHandler),
		conns:  make(map[string]*mux.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed,
// then closes every open connection and waits for them to finish. Pending
// exchanges on those connections fail with mux.ErrConnectionClosed. Other
// accept errors are retried with backoff.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.InfoContext(ctx, "server.listen", slog.String("addr", ln.Addr().String()))

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// Transient (EMFILE, ECONNABORTED, ...): back off and retry.
			delay = acceptBackoff(delay)
			s.log.WarnContext(ctx, "server.accept.fail", slog.String("err", err.Error()), slog.Duration("retry_in", delay))
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
			continue
		}
		delay = 0
		s.serveConn(ctx, nc)
	}

	s.closeAll()
	s.wg.Wait()
	s.log.InfoContext(ctx, "server.stopped")
	return nil
}

const maxAcceptBackoff = time.Second

func acceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxAcceptBackoff)
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	opts := []mux.Option{
		mux.WithID(uuid.NewString()),
		mux.WithRemoteAddr(nc.RemoteAddr().String()),
		mux.WithLogger(s.log),
		mux.WithRouter(s.router),
		mux.WithMetrics(s.metrics),
	}
	if s.maxFrameBytes > 0 {
		opts = append(opts, mux.WithMaxFrameBytes(s.maxFrameBytes))
	}
	if s.exchangeTimeout > 0 {
		opts = append(opts, mux.WithExchangeTimeout(s.exchangeTimeout))
	}
	if s.writeTimeout > 0 {
		opts = append(opts, mux.WithWriteTimeout(s.writeTimeout))
	}
	c := mux.NewConn(nc, opts...)

	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	s.metrics.ConnOpened()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, c.ID())
			s.mu.Unlock()
			s.metrics.ConnClosed()
		}()
		// Connection errors are logged by the connection itself.
		_ = c.Serve(ctx)
	}()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*mux.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
