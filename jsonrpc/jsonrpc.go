package jsonrpc

import (
	"errors"
	"fmt"
)

// Version is the only protocol version this package speaks.
const Version = "2.0"

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Codes -32000 through -32099 are reserved for implementation-defined server errors.
const (
	ServerErrorMin = -32099
	ServerErrorMax = -32000
)

var (
	// ErrUnsupportedInput is returned by Peer.Handle for input values it cannot decode.
	ErrUnsupportedInput = errors.New("jsonrpc: unsupported input type")
	// ErrUnclassified is returned by Peer.Handle when a validation failure could
	// not be mapped to a protocol error code.
	ErrUnclassified = errors.New("jsonrpc: unclassified validation failure")
)

// JSONRPCError is the error object carried by an ErrorResponse.
//
// Handlers return a *JSONRPCError to signal a specific protocol error; it is
// sent to the remote peer verbatim. Any other error returned by a handler is
// treated as a fault.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func NewError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}

func NewErrorData(code int, message string, data interface{}) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message, Data: data}
}

// StandardError builds an error object for code using its standard message.
func StandardError(code int, data interface{}) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: CodeMessage(code), Data: data}
}

// CodeMessage returns the standard message for a JSON-RPC error code.
func CodeMessage(code int) string {
	switch {
	case code == CodeParseError:
		return "Parse error"
	case code == CodeInvalidRequest:
		return "Invalid Request"
	case code == CodeMethodNotFound:
		return "Method not found"
	case code == CodeInvalidParams:
		return "Invalid params"
	case code == CodeInternalError:
		return "Internal error"
	case code >= ServerErrorMin && code <= ServerErrorMax:
		return "Server error"
	}
	return fmt.Sprintf("Error %d", code)
}

// IsServerErrorCode reports whether code lies in the implementation-defined range.
func IsServerErrorCode(code int) bool {
	return code >= ServerErrorMin && code <= ServerErrorMax
}

// mapError converts a handler error to an error object.
// JSONRPCError values keep their code; other errors become faults with faultCode.
func mapError(err error, faultCode int) *JSONRPCError {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	return StandardError(faultCode, err.Error())
}
