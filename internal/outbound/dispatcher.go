// Package outbound tracks the exchanges this endpoint initiated: it owns the
// Pending Exchange table, matches responses to callers by id, applies
// timeouts and fails every waiter when the connection goes away.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/google/uuid"
)

// Transport emits request envelopes. Implementations must serialize writes.
type Transport interface {
	SendRequest(ctx context.Context, req *envelope.Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *envelope.Envelope) error

func (f TransportFunc) SendRequest(ctx context.Context, req *envelope.Envelope) error {
	return f(ctx, req)
}

var (
	// ErrConnectionClosed indicates the exchange was abandoned because the
	// connection went away before a response arrived.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout indicates no response arrived within the exchange deadline.
	ErrTimeout = errors.New("exchange timed out")
	// ErrDuplicateID indicates the id is already in use by a pending exchange.
	ErrDuplicateID = errors.New("duplicate exchange id")
	// ErrUnmatchedResponse indicates a response whose id was never issued (or
	// was already answered) by this endpoint.
	ErrUnmatchedResponse = errors.New("unmatched response")
	// ErrLateResponse indicates a response for an exchange that already
	// timed out.
	ErrLateResponse = errors.New("late response for abandoned exchange")
)

const (
	defaultAbandonedTTL = 10 * time.Minute
	maxAbandoned        = 4096
)

type pendingCall struct {
	id        string
	createdAt time.Time
	respCh    chan json.RawMessage
	errCh     chan error
}

// Dispatcher coordinates requests initiated by this endpoint. It is
// transport-agnostic and safe for concurrent use.
type Dispatcher struct {
	t       Transport
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	pending   map[string]*pendingCall
	abandoned map[string]time.Time

	closed   atomic.Bool
	closeErr error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the deadline applied to calls whose context carries none
// (or a later one). Zero disables the default deadline.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		t:         t,
		now:       time.Now,
		pending:   make(map[string]*pendingCall),
		abandoned: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call sends a request with a freshly generated id and waits for the response.
func (d *Dispatcher) Call(ctx context.Context, data any) (json.RawMessage, error) {
	return d.CallWithID(ctx, uuid.NewString(), data)
}

// CallWithID sends a request with the given id and waits for the matching
// response, the deadline, or connection teardown.
func (d *Dispatcher) CallWithID(ctx context.Context, id string, data any) (json.RawMessage, error) {
	if err := d.closedErr(); err != nil {
		return nil, err
	}

	req, err := envelope.NewRequest(id, data)
	if err != nil {
		return nil, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	pc := &pendingCall{
		id:        id,
		createdAt: d.now(),
		respCh:    make(chan json.RawMessage, 1),
		errCh:     make(chan error, 1),
	}

	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closedErr()
	}
	if _, exists := d.pending[id]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	delete(d.abandoned, id)
	d.pending[id] = pc
	d.mu.Unlock()

	// Registered before sending so a fast response can never be missed.
	if err := d.t.SendRequest(ctx, req); err != nil {
		d.remove(id)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		d.mu.Lock()
		_, still := d.pending[id]
		if still {
			delete(d.pending, id)
			d.rememberAbandonedLocked(id)
		}
		d.mu.Unlock()
		if !still {
			// Resolved or failed concurrently with the deadline; the result
			// is already buffered.
			select {
			case resp := <-pc.respCh:
				return resp, nil
			case err := <-pc.errCh:
				return nil, err
			}
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: id %q after %s", ErrTimeout, id, d.now().Sub(pc.createdAt).Round(time.Millisecond))
		}
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to its waiting caller. Responses
// that match nothing are reported as ErrLateResponse or ErrUnmatchedResponse
// and otherwise discarded.
func (d *Dispatcher) OnResponse(resp *envelope.Envelope) error {
	if resp == nil {
		return ErrUnmatchedResponse
	}
	d.mu.Lock()
	pc, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
	}
	_, late := d.abandoned[resp.ID]
	if late {
		delete(d.abandoned, resp.ID)
	}
	d.mu.Unlock()

	switch {
	case ok:
		pc.respCh <- resp.Data
		return nil
	case late:
		return fmt.Errorf("%w: %q", ErrLateResponse, resp.ID)
	default:
		return fmt.Errorf("%w: %q", ErrUnmatchedResponse, resp.ID)
	}
}

// Pending returns the number of outstanding exchanges.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err (ErrConnectionClosed if nil) and
// rejects new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) closedErr() error {
	if !d.closed.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrConnectionClosed
}

func (d *Dispatcher) remove(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) rememberAbandonedLocked(id string) {
	now := d.now()
	if len(d.abandoned) >= maxAbandoned {
		for k, at := range d.abandoned {
			if now.Sub(at) > defaultAbandonedTTL || len(d.abandoned) >= maxAbandoned {
				delete(d.abandoned, k)
			}
		}
	}
	d.abandoned[id] = now
}
