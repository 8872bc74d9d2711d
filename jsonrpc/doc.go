// Package jsonrpc implements the JSON-RPC 2.0 message protocol
// (https://www.jsonrpc.org/specification) independent of any transport.
//
// A Peer creates outgoing requests and notifications, decodes and routes
// inbound messages, and builds the replies. The same Peer can act as a
// client, a server, or both.
//
// # Methods
//
// Methods are declared once, in a Registry, before the Peer is created:
//
//	reg, err := jsonrpc.NewRegistryBuilder().
//	    Register("add", jsonrpc.MethodSpec{
//	        Params:  jsonrpc.TypeOf[[]float64](),
//	        Result:  jsonrpc.TypeOf[float64](),
//	        Handler: jsonrpc.Typed(add),
//	    }).
//	    Build()
//	peer := jsonrpc.NewPeer(jsonrpc.WithRegistry(reg))
//
// Methods without a Handler can still be called by this peer; their schemas
// are used to check outgoing params and incoming results. A peer without a
// registry accepts any method name and checks nothing.
//
// Methods can also be discovered by reflection from a receiver, as
// RegisterReceiver("math", &MathMethods{}), with the signature
//
//	func (m *MathMethods) Add(ctx context.Context, params AddParams) (int, error)
//
// The params struct accepts positional (array) and named (object) params.
// A `_` field with a `jsonrpc` tag overrides the method name.
//
// # Serving
//
// Hand every inbound payload to Handle and send back what it returns:
//
//	reply, err := peer.Handle(ctx, payload)
//	if reply != nil {
//	    out, _ := jsonrpc.Encode(reply)
//	    conn.Write(out)
//	}
//
// Input is classified in a fixed order: invalid JSON is a parse error; a
// method missing from the registry is "method not found"; params rejected by
// the method's schema are "invalid params"; anything else wrong with the
// envelope is "invalid request". Batch elements are classified one by one.
//
// # Calling
//
//	req, err := peer.Request("add", []float64{1, 2}, func(result any) {
//	    fmt.Println(result)
//	}, nil)
//
// The reply is delivered to the callback when it is passed to Handle. Requests
// that never get a reply stay pending until Abandon is called.
//
// # Batches
//
// Messages created inside a batch scope are buffered and sent together:
//
//	peer.Batch(func() error {
//	    peer.Notify("ping", nil)
//	    peer.Notify("tweet", "hello")
//	    return nil
//	})
//	batch := peer.CollectBatch()
//
// # Errors
//
// Return JSONRPCError from a handler for protocol-level errors:
//
//	return 0, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "division by zero")
//
// Any other error, or a panic, is reported with the peer's fault code
// (CodeServerError unless changed with WithFaultCode) and the error text as
// data. Standard error codes are defined as constants:
//   - CodeParseError (-32700)
//   - CodeInvalidRequest (-32600)
//   - CodeMethodNotFound (-32601)
//   - CodeInvalidParams (-32602)
//   - CodeInternalError (-32603)
//   - CodeServerError (-32000)
//
// # Concurrency
//
// Peer does no locking. Transports that read and write from several
// goroutines must serialize calls into it; HTTPHandler does so for HTTP.
package jsonrpc
