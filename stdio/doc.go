// Package stdio serves a single scenebridge connection over stdin/stdout. It
// is intended for engines that spawn the server as a subprocess and speak the
// framed protocol over its pipes instead of dialing TCP.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : 4-byte little-endian length + JSON envelope
//	Lifetime         : until EOF on the reader or context cancellation
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	var r mux.Router
//	orch.Register(&r)
//	h := stdio.NewHandler(&r)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// Nothing else may write to the writer while Serve runs; logs belong on stderr.
package stdio
