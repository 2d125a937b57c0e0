package protocol

import "fmt"

// JSON-RPC 2.0 reserved error codes plus the host's extension range.
// The set is closed: handlers must map failures onto one of these codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeUnauthorized       = -32000
	CodeFileNotFound       = -32001
	CodeFileAccessDenied   = -32002
	CodeTerminalNotFound   = -32003
	CodeEditorNotActive    = -32004
	CodeOperationCancelled = -32005
	CodeRateLimited        = -32006
	CodeSessionExpired     = -32007
	CodeFeatureDisabled    = -32008
	CodePathRestricted     = -32009
	CodeCommandRestricted  = -32010
)

// Error is a structured protocol error carried back to the requesting
// client. It implements the error interface so handlers can return it
// directly; anything else crossing the dispatch boundary is converted
// to an internal error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// NewError creates a protocol error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData creates a protocol error carrying structured data.
func NewErrorWithData(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Common reusable errors.
var (
	ErrNotAuthenticated = NewError(CodeUnauthorized, "Not authenticated")
	ErrRateLimited      = NewError(CodeRateLimited, "Rate limit exceeded")
)
