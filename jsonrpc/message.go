package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one of *Request, *Notification, *Response, *ErrorResponse or Batch.
//
// Each variant marshals to its JSON-RPC 2.0 wire form.
type Message interface {
	json.Marshaler
	fmt.Stringer
	message()
}

// Request is a call that expects a Response or ErrorResponse with the same ID.
type Request struct {
	ID     ID
	Method string
	// Params is the raw params member; nil when absent.
	Params json.RawMessage
	// Value holds the params after schema validation.
	Value interface{}
}

// Notification is a call that never receives a reply.
type Notification struct {
	Method string
	Params json.RawMessage
	Value  interface{}
}

// Response carries the result of a Request.
type Response struct {
	ID     ID
	Result json.RawMessage
	Value  interface{}
}

// ErrorResponse carries the failure of a Request, or a failure that happened
// before any id could be read (ID is then NullID).
type ErrorResponse struct {
	ID    ID
	Error *JSONRPCError

	received bool
}

// Received reports whether e was decoded from inbound data rather than
// produced by this process. A received error is never sent back.
func (e *ErrorResponse) Received() bool {
	return e != nil && e.received
}

// Batch is an ordered, non-empty group of messages sent as one JSON array.
type Batch []Message

func (*Request) message()       {}
func (*Notification) message()  {}
func (*Response) message()      {}
func (*ErrorResponse) message() {}
func (Batch) message()          {}

type requestWire struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      *ID             `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type responseWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type errorWire struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      *ID           `json:"id,omitempty"`
	Error   *JSONRPCError `json:"error"`
}

func (r *Request) MarshalJSON() ([]byte, error) {
	id := r.ID
	return json.Marshal(requestWire{JSONRPC: Version, Method: r.Method, ID: &id, Params: r.Params})
}

func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(requestWire{JSONRPC: Version, Method: n.Method, Params: n.Params})
}

func (r *Response) MarshalJSON() ([]byte, error) {
	result := r.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	return json.Marshal(responseWire{JSONRPC: Version, ID: r.ID, Result: result})
}

// MarshalJSON omits the id member when the id is null.
func (e *ErrorResponse) MarshalJSON() ([]byte, error) {
	w := errorWire{JSONRPC: Version, Error: e.Error}
	if !e.ID.IsNull() {
		id := e.ID
		w.ID = &id
	}
	if w.Error == nil {
		w.Error = StandardError(CodeInternalError, nil)
	}
	return json.Marshal(w)
}

func (b Batch) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("jsonrpc: empty batch")
	}
	return json.Marshal([]Message(b))
}

func (r *Request) String() string {
	return fmt.Sprintf("request %s %s", r.ID, r.Method)
}

func (n *Notification) String() string {
	return "notification " + n.Method
}

func (r *Response) String() string {
	return fmt.Sprintf("response %s", r.ID)
}

func (e *ErrorResponse) String() string {
	if e.Error == nil {
		return fmt.Sprintf("error %s", e.ID)
	}
	return fmt.Sprintf("error %s %d %s", e.ID, e.Error.Code, e.Error.Message)
}

func (b Batch) String() string {
	parts := make([]string, len(b))
	for i, m := range b {
		parts[i] = fmt.Sprint(m)
	}
	return "batch [" + strings.Join(parts, ", ") + "]"
}

// Encode marshals a message to its wire form.
func Encode(m Message) ([]byte, error) {
	if isNilMessage(m) {
		return nil, fmt.Errorf("jsonrpc: nil message")
	}
	return m.MarshalJSON()
}

// NewRequest builds a Request without any registry or pending-call bookkeeping.
func NewRequest(id ID, method string, params interface{}) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw, Value: params}, nil
}

// NewNotification builds a Notification without registry validation.
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw, Value: params}, nil
}

// NewResponse builds a Response for id carrying result.
func NewResponse(id ID, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: raw, Value: result}, nil
}

// NewErrorResponse builds an ErrorResponse for id.
func NewErrorResponse(id ID, err *JSONRPCError) *ErrorResponse {
	return &ErrorResponse{ID: id, Error: err}
}

// Outgoing strips received errors from a reply returned by Peer.Handle,
// leaving only what should go back to the remote peer. It returns nil when
// nothing is left.
func Outgoing(m Message) Message {
	switch v := m.(type) {
	case *ErrorResponse:
		if v.Received() {
			return nil
		}
	case Batch:
		var out Batch
		for _, elem := range v {
			if keep := Outgoing(elem); keep != nil {
				out = append(out, keep)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return m
}

// marshalParams encodes params, returning nil when params is absent.
func marshalParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encode params: %w", err)
	}
	return raw, nil
}
