// Package mux implements a bidirectional request/response multiplexer over a
// single stream connection.
//
// Either endpoint may initiate a request at any time and any number of
// exchanges may be outstanding in both directions. Each message on the wire
// is a length-prefixed JSON envelope:
//
//	{"type": "request" | "response", "id": "<opaque>", "data": <any JSON>}
//
// # Correlation
//
// A Conn keeps two independent tables: the outbound table holds exchanges this
// endpoint initiated (keyed by the id it chose), and the inbound table holds
// ids of peer requests still being handled. Responses are matched only against
// the outbound table, so ids chosen by the peer can never resolve a local
// call, and nested exchanges in opposite directions may reuse the same id
// without confusion.
//
// # Scheduling
//
// One goroutine owns the read side and decodes frames strictly in order.
// Every decoded request is handled on its own goroutine so a slow handler
// never delays unrelated traffic; handlers may issue nested calls back to the
// peer through Request.Conn. Writes are serialized by a mutex that is only
// held for the duration of one frame write.
//
// # Failure model
//
// Framing errors and non-JSON payloads are fatal: Serve returns the error and
// the connection is torn down. Malformed envelopes that still carry a request
// id are answered with {"status":"error"}; other malformed envelopes close the
// connection. Unmatched or late responses are logged and dropped. Teardown
// fails every pending call with ErrConnectionClosed.
//
// Example:
//
//	router := new(mux.Router)
//	router.HandleFunc("echo", mux.MatchFields("echo"), func(ctx context.Context, req *mux.Request) (any, error) {
//	    return req.Data, nil
//	})
//	c := mux.NewConn(netConn, mux.WithRouter(router), mux.WithLogger(logger))
//	go c.Serve(ctx)
//	resp, err := c.Call(ctx, map[string]any{"command": "list_objects"})
package mux
