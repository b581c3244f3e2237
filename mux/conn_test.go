package mux

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/scenebridge/internal/envelope"
	"github.com/ggoodman/scenebridge/internal/frame"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rawPeer speaks the wire format directly so tests control exact bytes.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
}

func (p *rawPeer) sendRaw(payload string) {
	p.t.Helper()
	if err := frame.WriteFrame(p.conn, []byte(payload), frame.DefaultLimits()); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func (p *rawPeer) send(env *envelope.Envelope) {
	p.t.Helper()
	b, err := envelope.Serialize(env)
	if err != nil {
		p.t.Fatalf("serialize: %v", err)
	}
	p.sendRaw(string(b))
}

func (p *rawPeer) recv() *envelope.Envelope {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := frame.ReadFrame(p.conn, frame.DefaultLimits())
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	env, err := envelope.Parse(b)
	if err != nil {
		p.t.Fatalf("peer parse %s: %v", b, err)
	}
	return env
}

func newTestConn(t *testing.T, opts ...Option) (*Conn, *rawPeer, <-chan error) {
	t.Helper()
	a, b := net.Pipe()
	c := NewConn(a, append([]Option{WithLogger(discardLogger())}, opts...)...)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c, &rawPeer{t: t, conn: b}, errCh
}

func waitServe(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
		return nil
	}
}

type callResult struct {
	data json.RawMessage
	err  error
}

func goCall(c *Conn, ctx context.Context, id string, data any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		resp, err := c.CallWithID(ctx, id, data)
		ch <- callResult{resp, err}
	}()
	return ch
}

func TestConn_OutOfOrderResponses(t *testing.T) {
	t.Parallel()
	c, peer, _ := newTestConn(t)
	ctx := context.Background()

	resA := goCall(c, ctx, "a", map[string]string{"command": "list_objects"})
	if got := peer.recv(); got.ID != "a" || got.Type != envelope.TypeRequest {
		t.Fatalf("unexpected first request %+v", got)
	}
	resB := goCall(c, ctx, "b", map[string]string{"command": "list_objects"})
	if got := peer.recv(); got.ID != "b" {
		t.Fatalf("unexpected second request %+v", got)
	}

	peer.send(&envelope.Envelope{Type: envelope.TypeResponse, ID: "b", Data: json.RawMessage(`"B"`)})
	peer.send(&envelope.Envelope{Type: envelope.TypeResponse, ID: "a", Data: json.RawMessage(`"A"`)})

	if r := <-resB; r.err != nil || string(r.data) != `"B"` {
		t.Fatalf("b = %s, %v", r.data, r.err)
	}
	if r := <-resA; r.err != nil || string(r.data) != `"A"` {
		t.Fatalf("a = %s, %v", r.data, r.err)
	}
}

func TestConn_UnmatchedResponseKeepsConnection(t *testing.T) {
	t.Parallel()
	c, peer, _ := newTestConn(t)

	peer.send(&envelope.Envelope{Type: envelope.TypeResponse, ID: "never-issued", Data: json.RawMessage(`{}`)})

	res := goCall(c, context.Background(), "x", nil)
	req := peer.recv()
	peer.send(&envelope.Envelope{Type: envelope.TypeResponse, ID: req.ID, Data: json.RawMessage(`1`)})
	if r := <-res; r.err != nil {
		t.Fatalf("call after stray response: %v", r.err)
	}
}

func TestConn_TimeoutThenLateResponseDiscarded(t *testing.T) {
	t.Parallel()
	c, peer, _ := newTestConn(t, WithExchangeTimeout(0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := goCall(c, ctx, "slow", nil)
	peer.recv()
	if r := <-res; !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", r.err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", c.Pending())
	}

	peer.send(&envelope.Envelope{Type: envelope.TypeResponse, ID: "slow", Data: json.RawMessage(`{}`)})

	res = goCall(c, context.Background(), "next", nil)
	peer.recv()
	peer.send(&envelope.Envelope{Type: envelope.TypeResponse, ID: "next", Data: json.RawMessage(`true`)})
	if r := <-res; r.err != nil || string(r.data) != "true" {
		t.Fatalf("connection unusable after late response: %s %v", r.data, r.err)
	}
}

func TestConn_SlowHandlerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	router := new(Router)
	router.HandleFunc("slow", MatchFields("slow"), func(ctx context.Context, req *Request) (any, error) {
		<-release
		return "slow-done", nil
	})
	router.HandleFunc("fast", MatchFields("fast"), func(ctx context.Context, req *Request) (any, error) {
		return "fast-done", nil
	})
	_, peer, _ := newTestConn(t, WithRouter(router))

	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "1", Data: json.RawMessage(`{"slow":true}`)})
	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "2", Data: json.RawMessage(`{"fast":true}`)})

	first := peer.recv()
	if first.ID != "2" || string(first.Data) != `"fast-done"` {
		t.Fatalf("expected fast response first, got %+v", first)
	}
	close(release)
	second := peer.recv()
	if second.ID != "1" || string(second.Data) != `"slow-done"` {
		t.Fatalf("unexpected slow response %+v", second)
	}
}

// Two real Conns: the "server" answers a client request only after issuing a
// nested request back over the same connection.
func TestConn_NestedExchangeInReverseDirection(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()

	serverRouter := new(Router)
	serverRouter.HandleFunc("execute", MatchFields("sentence"), func(ctx context.Context, req *Request) (any, error) {
		// Same id as the client's exchange: namespaces are per direction.
		raw, err := req.Conn.CallWithID(ctx, req.ID, map[string]string{"command": "list_objects"})
		if err != nil {
			return nil, err
		}
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "seen": names}, nil
	})
	clientRouter := new(Router)
	clientRouter.HandleFunc("list_objects", MatchCommand("list_objects"), func(ctx context.Context, req *Request) (any, error) {
		return []string{"table"}, nil
	})

	server := NewConn(a, WithRouter(serverRouter), WithLogger(discardLogger()))
	client := NewConn(b, WithRouter(clientRouter), WithLogger(discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx) }()
	go func() { _ = client.Serve(ctx) }()

	raw, err := client.CallWithID(ctx, "c1", map[string]string{"sentence": "Place a house"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got struct {
		Status string   `json:"status"`
		Seen   []string `json:"seen"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || len(got.Seen) != 1 || got.Seen[0] != "table" {
		t.Fatalf("unexpected response %s", raw)
	}
}

func TestConn_ManyConcurrentCallsBothDirections(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	echo := new(Router)
	echo.HandleFunc("echo", MatchFields("n"), func(ctx context.Context, req *Request) (any, error) {
		return req.Data, nil
	})
	left := NewConn(a, WithRouter(echo), WithLogger(discardLogger()))
	right := NewConn(b, WithRouter(echo), WithLogger(discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = left.Serve(ctx) }()
	go func() { _ = right.Serve(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, c := range []*Conn{left, right} {
			wg.Add(1)
			go func(c *Conn, n int) {
				defer wg.Done()
				raw, err := c.Call(ctx, map[string]int{"n": n})
				if err != nil {
					t.Errorf("call %d: %v", n, err)
					return
				}
				var got struct{ N int }
				if err := json.Unmarshal(raw, &got); err != nil || got.N != n {
					t.Errorf("call %d got %s", n, raw)
				}
			}(c, i)
		}
	}
	wg.Wait()
}

func TestConn_MalformedRequestWithIDIsAnswered(t *testing.T) {
	t.Parallel()
	_, peer, _ := newTestConn(t)

	peer.sendRaw(`{"type":"request","id":"m1"}`)
	resp := peer.recv()
	if resp.ID != "m1" || resp.Type != envelope.TypeResponse {
		t.Fatalf("unexpected response %+v", resp)
	}
	if st, ok := envelope.AsErrorStatus(resp.Data); !ok || st.Message == "" {
		t.Fatalf("expected error status, got %s", resp.Data)
	}
}

func TestConn_FatalInputsCloseConnection(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		send func(p *rawPeer)
		want error
	}{
		{"invalid json", func(p *rawPeer) { p.sendRaw(`{not json`) }, ErrInvalidJSON},
		{"malformed without id", func(p *rawPeer) { p.sendRaw(`{"type":"request","data":{}}`) }, ErrMalformedEnvelope},
		{"negative length", func(p *rawPeer) {
			hdr := make([]byte, frame.HeaderLen)
			binary.LittleEndian.PutUint32(hdr, 0x80000000)
			_, _ = p.conn.Write(hdr)
		}, ErrFraming},
		{"oversized frame", func(p *rawPeer) {
			hdr := make([]byte, frame.HeaderLen)
			binary.LittleEndian.PutUint32(hdr, 1<<20)
			_, _ = p.conn.Write(hdr)
		}, ErrFraming},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, peer, errCh := newTestConn(t, WithMaxFrameBytes(1024))
			tc.send(peer)
			if err := waitServe(t, errCh); !errors.Is(err, tc.want) {
				t.Fatalf("Serve error = %v, want %v", err, tc.want)
			}
			select {
			case <-c.Done():
			default:
				t.Fatalf("connection not torn down")
			}
		})
	}
}

func TestConn_MalformedResponseClosesConnection(t *testing.T) {
	t.Parallel()
	c, peer, errCh := newTestConn(t)

	start := time.Now()
	res := goCall(c, context.Background(), "a", nil)
	peer.recv()
	peer.sendRaw(`{"type":"response","id":"a"}`)

	if err := waitServe(t, errCh); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("Serve error = %v, want %v", err, ErrMalformedEnvelope)
	}
	select {
	case r := <-res:
		if !errors.Is(r.err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("caller still waiting after %s", time.Since(start))
	}
}

func TestConn_MalformedRequestReplyDoesNotBlockReads(t *testing.T) {
	t.Parallel()
	c, peer, _ := newTestConn(t)

	res := goCall(c, context.Background(), "c1", nil)
	peer.recv()

	// The peer writes twice without reading; net.Pipe is unbuffered.
	peer.sendRaw(`{"type":"request","id":"m1"}`)
	resp, _ := envelope.NewResponse("c1", map[string]string{"ok": "yes"})
	peer.send(resp)

	select {
	case r := <-res:
		if r.err != nil {
			t.Fatalf("Call: %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop stalled behind malformed reply")
	}
	if got := peer.recv(); got.ID != "m1" {
		t.Fatalf("unexpected reply %+v", got)
	}
}

func TestConn_PeerCloseFailsPendingCalls(t *testing.T) {
	t.Parallel()
	c, peer, errCh := newTestConn(t)

	res1 := goCall(c, context.Background(), "p1", nil)
	peer.recv()
	res2 := goCall(c, context.Background(), "p2", nil)
	peer.recv()

	_ = peer.conn.Close()
	if err := waitServe(t, errCh); err != nil {
		t.Fatalf("clean close returned %v", err)
	}
	for _, ch := range []<-chan callResult{res1, res2} {
		if r := <-ch; !errors.Is(r.err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", r.err)
		}
	}
	if _, err := c.Call(context.Background(), nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after teardown, got %v", err)
	}
}

func TestConn_UnsupportedAndPanickingHandlers(t *testing.T) {
	t.Parallel()
	router := new(Router)
	router.HandleFunc("boom", MatchCommand("boom"), func(ctx context.Context, req *Request) (any, error) {
		panic("kaboom")
	})
	_, peer, _ := newTestConn(t, WithRouter(router))

	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "u", Data: json.RawMessage(`{"command":"dance"}`)})
	resp := peer.recv()
	if st, ok := envelope.AsErrorStatus(resp.Data); !ok || st.Message != ErrUnsupportedRequest.Error() {
		t.Fatalf("unexpected unsupported response %s", resp.Data)
	}

	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "p", Data: json.RawMessage(`{"command":"boom"}`)})
	resp = peer.recv()
	if _, ok := envelope.AsErrorStatus(resp.Data); !ok || resp.ID != "p" {
		t.Fatalf("unexpected panic response %+v", resp)
	}
}

func TestConn_OversizedResponseBecomesErrorStatus(t *testing.T) {
	t.Parallel()
	router := new(Router)
	router.HandleFunc("big", MatchCommand("big"), func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"blob": strings.Repeat("x", 1024)}, nil
	})
	_, peer, _ := newTestConn(t, WithRouter(router), WithMaxFrameBytes(256))

	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "b", Data: json.RawMessage(`{"command":"big"}`)})
	resp := peer.recv()
	if st, ok := envelope.AsErrorStatus(resp.Data); !ok || resp.ID != "b" || st.Message != "response too large" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestConn_DuplicateInboundIDDropped(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var dispatched atomic.Int32
	router := new(Router)
	router.HandleFunc("hold", MatchFields("hold"), func(ctx context.Context, req *Request) (any, error) {
		dispatched.Add(1)
		started <- struct{}{}
		<-release
		return "held", nil
	})
	router.HandleFunc("ping", MatchFields("ping"), func(ctx context.Context, req *Request) (any, error) {
		return "pong", nil
	})
	_, peer, _ := newTestConn(t, WithRouter(router))

	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "d", Data: json.RawMessage(`{"hold":1}`)})
	<-started
	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "d", Data: json.RawMessage(`{"hold":2}`)})
	// The reader processes frames in order, so once ping is answered the
	// duplicate has already been seen.
	peer.send(&envelope.Envelope{Type: envelope.TypeRequest, ID: "e", Data: json.RawMessage(`{"ping":1}`)})
	if resp := peer.recv(); resp.ID != "e" {
		t.Fatalf("unexpected response %+v", resp)
	}
	close(release)

	if resp := peer.recv(); resp.ID != "d" || string(resp.Data) != `"held"` {
		t.Fatalf("unexpected response %+v", resp)
	}
	if n := dispatched.Load(); n != 1 {
		t.Fatalf("duplicate id dispatched %d times", n)
	}
}

func TestConn_ContextCancelStopsServe(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a, WithLogger(discardLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve(ctx) }()
	cancel()
	if err := waitServe(t, errCh); err != nil {
		t.Fatalf("Serve after cancel = %v", err)
	}
}
