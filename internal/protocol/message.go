// Package protocol defines the JSON-RPC 2.0 wire types exchanged with
// remote automation clients, and the closed error-code set the host
// surfaces to them.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Version is the only accepted jsonrpc version string.
const Version = "2.0"

var (
	// ErrMalformedJSON indicates the frame was not valid JSON.
	ErrMalformedJSON = errors.New("malformed JSON frame")
	// ErrInvalidRequest indicates the frame was JSON but not a valid request.
	ErrInvalidRequest = errors.New("invalid request shape")
)

// Request is an inbound JSON-RPC request or notification (nil ID).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound success or error reply, correlated by ID.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Notification is a server-initiated message without an ID.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewResponse creates a success response for the given request ID.
func NewResponse(id any, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse creates an error response for the given request ID.
// A nil ID is legal: parse failures have no usable ID to echo.
func NewErrorResponse(id any, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// NewNotification creates a server-initiated notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// ParseRequest decodes and validates a single inbound text frame.
// Returns ErrMalformedJSON for non-JSON input and ErrInvalidRequest for
// frames missing the required jsonrpc/method/id shape.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, ErrMalformedJSON
	}
	if req.JSONRPC != Version {
		return nil, ErrInvalidRequest
	}
	if req.Method == "" {
		return nil, ErrInvalidRequest
	}
	switch req.ID.(type) {
	case nil, string, float64:
	default:
		return nil, ErrInvalidRequest
	}
	return &req, nil
}

// SplitMethod splits "category.method" into its two parts. The second
// return is empty when no dot is present.
func SplitMethod(method string) (category, sub string) {
	idx := strings.Index(method, ".")
	if idx < 0 {
		return method, ""
	}
	return method[:idx], method[idx+1:]
}
