package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ResultFunc receives the validated result of a Request.
type ResultFunc func(result interface{})

// ErrorFunc receives the error object of a failed Request.
type ErrorFunc func(err *JSONRPCError)

type pendingCall struct {
	method   string
	onResult ResultFunc
	onError  ErrorFunc
	created  time.Time
}

// Peer creates, decodes and routes JSON-RPC messages. It acts as a client
// (Request, Notify, and the replies that come back through Handle), as a
// server (handlers in its Registry), or both at once.
//
// A Peer is not safe for concurrent use. Callers sharing a Peer between
// goroutines must serialize every call, including the batch methods.
type Peer struct {
	registry   *Registry
	ids        IDGenerator
	name       string
	log        zerolog.Logger
	faultCode  int
	middleware []Middleware

	pending map[ID]*pendingCall

	batchDepth int
	batched    []Message
}

// Option configures a Peer.
type Option func(*Peer)

// WithRegistry sets the methods this peer validates and serves.
// Without a registry, or with one that has no methods, the peer runs in
// loose mode: any method name is accepted and params and results are not
// checked.
func WithRegistry(r *Registry) Option {
	return func(p *Peer) { p.registry = r }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Peer) { p.log = l }
}

// WithIDGenerator replaces the default session id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(p *Peer) { p.ids = g }
}

// WithName sets the name embedded in generated ids.
func WithName(name string) Option {
	return func(p *Peer) { p.name = name }
}

// WithFaultCode sets the code reported when a handler fails unexpectedly.
// The default is CodeServerError; CodeInternalError is the common alternative.
func WithFaultCode(code int) Option {
	return func(p *Peer) { p.faultCode = code }
}

// WithMiddleware wraps every handler call, outermost first.
func WithMiddleware(mw ...Middleware) Option {
	return func(p *Peer) { p.middleware = append(p.middleware, mw...) }
}

// NewPeer creates a Peer.
func NewPeer(opts ...Option) *Peer {
	p := &Peer{
		name:      "jsonrpc",
		log:       zerolog.Nop(),
		faultCode: CodeServerError,
		pending:   make(map[ID]*pendingCall),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ids == nil {
		p.ids = NewSessionIDs(p.name)
	}
	return p
}

// Registry returns the registry the peer was built with, possibly nil.
func (p *Peer) Registry() *Registry {
	return p.registry
}

// Request creates a call to method and records the callbacks that will
// receive its reply. Params are checked against the method's params schema.
//
// While a batch is open the request is buffered and Request returns nil.
func (p *Peer) Request(method string, params interface{}, onResult ResultFunc, onError ErrorFunc) (*Request, error) {
	raw, value, err := p.prepare(method, params)
	if err != nil {
		return nil, err
	}
	id := p.ids.NextID()
	if _, exists := p.pending[id]; exists {
		return nil, fmt.Errorf("jsonrpc: id %s is already pending", id)
	}
	req := &Request{ID: id, Method: method, Params: raw, Value: value}
	p.pending[id] = &pendingCall{
		method:   method,
		onResult: onResult,
		onError:  onError,
		created:  time.Now(),
	}
	p.log.Debug().Stringer("id", id).Str("method", method).Msg("request created")

	if p.filter(req) == nil {
		return nil, nil
	}
	return req, nil
}

// Notify creates a notification for method. While a batch is open the
// notification is buffered and Notify returns nil.
func (p *Peer) Notify(method string, params interface{}) (*Notification, error) {
	n, err := p.BuildNotification(method, params)
	if err != nil {
		return nil, err
	}
	if p.filter(n) == nil {
		return nil, nil
	}
	return n, nil
}

// BuildNotification validates and creates a notification like Notify, but
// ignores any open batch scope. It reads only the peer's configuration, so
// unlike the other methods it may run concurrently with them.
func (p *Peer) BuildNotification(method string, params interface{}) (*Notification, error) {
	raw, value, err := p.prepare(method, params)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Str("method", method).Msg("notification created")
	return &Notification{Method: method, Params: raw, Value: value}, nil
}

// prepare encodes params and validates them the same way Handle would on the
// receiving side. Failures are returned as *JSONRPCError.
func (p *Peer) prepare(method string, params interface{}) (json.RawMessage, interface{}, error) {
	if method == "" {
		return nil, nil, StandardError(CodeInvalidRequest, "empty method name")
	}
	if p.registry.Strict() && !p.registry.Has(method) {
		return nil, nil, StandardError(CodeMethodNotFound, method)
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, nil, StandardError(CodeInvalidParams, err.Error())
	}
	value, err := p.registry.ValidateParams(method, raw)
	if err != nil {
		return nil, nil, StandardError(CodeInvalidParams, err.Error())
	}
	return raw, value, nil
}

// Pending returns the number of requests still waiting for a reply.
func (p *Peer) Pending() int {
	return len(p.pending)
}

// IsPending reports whether id is waiting for a reply.
func (p *Peer) IsPending(id ID) bool {
	_, ok := p.pending[id]
	return ok
}

// PendingSince returns the creation time of a pending request.
func (p *Peer) PendingSince(id ID) (time.Time, bool) {
	call, ok := p.pending[id]
	if !ok {
		return time.Time{}, false
	}
	return call.created, true
}

// Abandon forgets a pending request. When err is non-nil the request's
// error callback, if any, is invoked with it. Abandon reports whether id
// was pending.
//
// The peer never expires requests on its own; callers that need timeouts
// track them and call Abandon.
func (p *Peer) Abandon(id ID, err *JSONRPCError) bool {
	call, ok := p.pending[id]
	if !ok {
		return false
	}
	delete(p.pending, id)
	if err != nil && call.onError != nil {
		p.callback(id, func() { call.onError(err) })
	}
	return true
}

// Handle decodes inbound data and routes every message in it.
//
// data may be []byte, string, json.RawMessage, or an already decoded value
// (map[string]any, []any, a Message, ...), which is re-encoded first.
//
// The returned Message is the reply to send back: a single reply, a Batch of
// replies for batch input, or nil when nothing needs to be sent. While a batch
// is open replies are buffered and Handle returns nil.
//
// Error replies that match no pending request are returned too, so the
// caller can see them, but they report Received and are never buffered.
// Transports pass the reply through Outgoing before sending it.
//
// A non-nil error means the input could not be processed at all: an
// unsupported input type, or a validation failure that fits no protocol error.
func (p *Peer) Handle(ctx context.Context, data interface{}) (Message, error) {
	raw, err := inputBytes(data)
	if err != nil {
		return nil, err
	}

	units, batch := Decode(p.registry, raw)
	replies := make([]Message, 0, len(units))
	var errs []error
	for _, u := range units {
		reply, err := p.dispatch(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if reply != nil {
			replies = append(replies, reply)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		p.log.Error().Err(err).Msg("unclassified input")
		return nil, err
	}

	out := replies[:0]
	for _, reply := range replies {
		if e, ok := reply.(*ErrorResponse); !ok || !e.Received() {
			reply = p.filter(reply)
		}
		if reply != nil {
			out = append(out, reply)
		}
	}
	switch {
	case len(out) == 0:
		return nil, nil
	case batch:
		return Batch(out), nil
	default:
		return out[0], nil
	}
}

func inputBytes(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedInput, data, err)
	}
	return b, nil
}

func (p *Peer) dispatch(ctx context.Context, u Decoded) (Message, error) {
	switch {
	case u.Err != nil:
		return nil, u.Err
	case u.Reject != nil:
		p.log.Debug().Stringer("id", u.Reject.ID).Int("code", u.Reject.Error.Code).Msg("rejected message")
		return u.Reject, nil
	}

	switch m := u.Message.(type) {
	case *Request:
		return p.serveRequest(ctx, m), nil
	case *Notification:
		return p.serveNotification(ctx, m), nil
	case *Response:
		p.receiveResponse(m)
		return nil, nil
	case *ErrorResponse:
		return p.receiveError(m), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnclassified, u.Message)
}

func (p *Peer) serveRequest(ctx context.Context, req *Request) Message {
	handler, ok := p.registry.Handler(req.Method)
	if !ok {
		return NewErrorResponse(req.ID, StandardError(CodeMethodNotFound, req.Method))
	}

	result, err := p.invoke(ctx, req.Method, req.ID, handler, req.Value)
	if err != nil {
		return NewErrorResponse(req.ID, mapError(err, p.faultCode))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(req.ID, StandardError(CodeInternalError, err.Error()))
	}
	if p.registry.hasResultSchema(req.Method) {
		if _, err := p.registry.ValidateResult(req.Method, raw); err != nil {
			p.log.Warn().Err(err).Str("method", req.Method).Msg("handler result does not match schema")
			return NewErrorResponse(req.ID, StandardError(CodeInternalError, "invalid result: "+err.Error()))
		}
	}
	return &Response{ID: req.ID, Result: raw, Value: result}
}

// serveNotification never produces a result, but failures are still
// reported, with a null id.
func (p *Peer) serveNotification(ctx context.Context, n *Notification) Message {
	handler, ok := p.registry.Handler(n.Method)
	if !ok {
		return NewErrorResponse(NullID, StandardError(CodeMethodNotFound, n.Method))
	}
	if _, err := p.invoke(ctx, n.Method, NullID, handler, n.Value); err != nil {
		return NewErrorResponse(NullID, mapError(err, p.faultCode))
	}
	return nil
}

// invoke runs handler through the middleware chain. Panics become faults.
func (p *Peer) invoke(ctx context.Context, method string, id ID, handler Handler, params interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("method", method).Interface("panic", r).Msg("handler panic")
			result = nil
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()

	ctx = withCall(ctx, method, id)
	if len(p.middleware) > 0 {
		handler = Chain(p.middleware...)(handler)
	}
	result, err = handler(ctx, params)
	if rpcErr, ok := err.(*JSONRPCError); ok && rpcErr == nil {
		err = nil
	}
	return result, err
}

func (p *Peer) receiveResponse(resp *Response) {
	call, ok := p.pending[resp.ID]
	if !ok {
		p.log.Warn().Stringer("id", resp.ID).Msg("received response for unknown id")
		return
	}
	delete(p.pending, resp.ID)

	value, err := p.registry.ValidateResult(call.method, resp.Result)
	if err != nil {
		rpcErr := NewErrorData(CodeInternalError, "Invalid result", err.Error())
		if call.onError == nil {
			p.log.Warn().Stringer("id", resp.ID).Str("method", call.method).Err(err).Msg("unhandled invalid result")
			return
		}
		p.callback(resp.ID, func() { call.onError(rpcErr) })
		return
	}
	resp.Value = value
	if call.onResult != nil {
		p.callback(resp.ID, func() { call.onResult(value) })
	}
}

// receiveError routes an error reply to its pending request. Errors that
// match no pending request are logged and returned so the caller can see them.
func (p *Peer) receiveError(e *ErrorResponse) Message {
	call, ok := p.pending[e.ID]
	if e.ID.IsNull() || !ok {
		p.log.Warn().Stringer("id", e.ID).Int("code", e.Error.Code).Str("message", e.Error.Message).Msg("received unmatched error")
		return e
	}
	delete(p.pending, e.ID)
	if call.onError == nil {
		p.log.Warn().Stringer("id", e.ID).Int("code", e.Error.Code).Str("message", e.Error.Message).Msg("unhandled error reply")
		return nil
	}
	p.callback(e.ID, func() { call.onError(e.Error) })
	return nil
}

// callback runs a reply callback. A panicking callback is logged; there is
// nobody to reply to.
func (p *Peer) callback(id ID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Stringer("id", id).Interface("panic", r).Msg("reply callback panic")
		}
	}()
	fn()
}
