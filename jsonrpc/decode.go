package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Decoded is the outcome of classifying one JSON-RPC object.
//
// Exactly one field is set: Message for a well-formed object, Reject for a
// malformed one (the error reply owed to the sender), or Err when the
// failure could not be classified at all.
type Decoded struct {
	Message Message
	Reject  *ErrorResponse
	Err     error
}

var (
	callKeys     = []string{"jsonrpc", "method", "params", "id"}
	responseKeys = []string{"jsonrpc", "id", "result"}
	errorKeys    = []string{"jsonrpc", "id", "error"}
)

// Decode parses raw input into classified units. batch reports whether the
// input was a JSON array; elements of a batch are classified independently,
// so one malformed element never hides the others.
//
// Input that is not JSON yields a single ParseError unit and an empty array
// yields a single InvalidRequest unit, both with a null id.
func Decode(reg *Registry, data []byte) (units []Decoded, batch bool) {
	var top json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return []Decoded{reject(NullID, CodeParseError, err.Error())}, false
	}
	top = bytes.TrimSpace(top)
	if len(top) == 0 || top[0] != '[' {
		return []Decoded{classify(reg, top)}, false
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(top, &elems); err != nil {
		return []Decoded{reject(NullID, CodeParseError, err.Error())}, false
	}
	if len(elems) == 0 {
		return []Decoded{reject(NullID, CodeInvalidRequest, "empty batch")}, false
	}
	units = make([]Decoded, len(elems))
	for i, elem := range elems {
		units[i] = classify(reg, elem)
	}
	return units, true
}

func reject(id ID, code int, data interface{}) Decoded {
	return Decoded{Reject: NewErrorResponse(id, StandardError(code, data))}
}

// classify matches one object against the Request, Notification, Response
// and Error shapes, using the presence of "method", "result" and "error" as
// discriminants.
func classify(reg *Registry, raw json.RawMessage) (d Decoded) {
	defer func() {
		if r := recover(); r != nil {
			d = Decoded{Err: fmt.Errorf("%w: %v", ErrUnclassified, r)}
		}
	}()

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return reject(NullID, CodeInvalidRequest, "message must be a JSON object")
	}

	id := NullID
	idRaw, hasID := obj["id"]
	var idErr error
	if hasID {
		if id, idErr = parseID(idRaw); idErr != nil {
			id = NullID
		}
	}

	if methodRaw, ok := obj["method"]; ok {
		return classifyCall(reg, obj, methodRaw, id, hasID, idErr)
	}

	_, hasResult := obj["result"]
	_, hasError := obj["error"]
	switch {
	case hasResult && hasError:
		return reject(id, CodeInvalidRequest, `message has both "result" and "error"`)
	case hasResult:
		return classifyResponse(obj, id, hasID, idErr)
	case hasError:
		return classifyError(obj, id, idErr)
	}
	return reject(id, CodeInvalidRequest, `missing field "method"`)
}

// classifyCall checks a Request or Notification. Failures are ranked:
// unknown method, then invalid params, then envelope violations.
func classifyCall(reg *Registry, obj map[string]json.RawMessage, methodRaw json.RawMessage, id ID, hasID bool, idErr error) Decoded {
	var method string
	if err := json.Unmarshal(methodRaw, &method); err != nil {
		return reject(id, CodeInvalidRequest, "method must be a string")
	}

	if reg.Strict() && !reg.Has(method) {
		return reject(id, CodeMethodNotFound, method)
	}

	params := obj["params"]
	value, err := reg.ValidateParams(method, params)
	if err != nil {
		return reject(id, CodeInvalidParams, err.Error())
	}

	if err := checkEnvelope(obj, callKeys); err != nil {
		return reject(id, CodeInvalidRequest, err.Error())
	}
	if !hasID {
		return Decoded{Message: &Notification{Method: method, Params: params, Value: value}}
	}
	if idErr != nil {
		return reject(NullID, CodeInvalidRequest, idErr.Error())
	}
	if id.IsNull() {
		return reject(NullID, CodeInvalidRequest, "request id must not be null")
	}
	return Decoded{Message: &Request{ID: id, Method: method, Params: params, Value: value}}
}

func classifyResponse(obj map[string]json.RawMessage, id ID, hasID bool, idErr error) Decoded {
	if err := checkEnvelope(obj, responseKeys); err != nil {
		return reject(id, CodeInvalidRequest, err.Error())
	}
	switch {
	case !hasID:
		return reject(NullID, CodeInvalidRequest, `missing field "id"`)
	case idErr != nil:
		return reject(NullID, CodeInvalidRequest, idErr.Error())
	case id.IsNull():
		return reject(NullID, CodeInvalidRequest, "response id must not be null")
	}
	return Decoded{Message: &Response{ID: id, Result: obj["result"]}}
}

type errorObjectWire struct {
	Code    *int            `json:"code"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// classifyError accepts an error object without an "id" member as a null-id
// error, since that is how null-id errors are written.
func classifyError(obj map[string]json.RawMessage, id ID, idErr error) Decoded {
	if err := checkEnvelope(obj, errorKeys); err != nil {
		return reject(id, CodeInvalidRequest, err.Error())
	}
	if idErr != nil {
		return reject(NullID, CodeInvalidRequest, idErr.Error())
	}

	var w errorObjectWire
	dec := json.NewDecoder(bytes.NewReader(obj["error"]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return reject(id, CodeInvalidRequest, "invalid error object: "+err.Error())
	}
	if w.Code == nil {
		return reject(id, CodeInvalidRequest, `error object: missing field "code"`)
	}
	if w.Message == nil {
		return reject(id, CodeInvalidRequest, `error object: missing field "message"`)
	}
	data, err := decodeAny(w.Data)
	if err != nil {
		return reject(id, CodeInvalidRequest, "error object: "+err.Error())
	}
	e := NewErrorResponse(id, &JSONRPCError{Code: *w.Code, Message: *w.Message, Data: data})
	e.received = true
	return Decoded{Message: e}
}

// checkEnvelope enforces the version member and rejects keys outside allowed.
func checkEnvelope(obj map[string]json.RawMessage, allowed []string) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !contains(allowed, k) {
			return fmt.Errorf("unexpected field %q", k)
		}
	}

	versionRaw, ok := obj["jsonrpc"]
	if !ok {
		return errors.New(`missing field "jsonrpc"`)
	}
	var version string
	if err := json.Unmarshal(versionRaw, &version); err != nil || version != Version {
		return fmt.Errorf("unsupported jsonrpc version %s", versionRaw)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
