package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error represents a live session error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, e.Code)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a *Error of the same type. A target with a
// Code only matches errors carrying that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// IsFatal reports whether the error always terminates the connection.
// Protocol violations are fatal only while the handshake is in progress,
// which the caller decides.
func (e *Error) IsFatal() bool {
	return e != nil && e.Type == ErrTransportFailure
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest    ErrorType = "invalid_request_error"
	ErrProtocolViolation ErrorType = "protocol_violation"
	ErrTransportFailure  ErrorType = "transport_failure"
	ErrInvalidState      ErrorType = "invalid_state"
	ErrStaleToolResponse ErrorType = "stale_tool_response"
	ErrDecode            ErrorType = "decode_error"
	ErrCancelled         ErrorType = "cancelled"
)

// Sentinels for errors.Is. They match any *Error with the same type and code.
var (
	ErrAlreadyConnected = &Error{Type: ErrInvalidState, Code: "already_connected", Message: "session is already connected"}
	ErrNotConnected     = &Error{Type: ErrInvalidState, Code: "not_connected", Message: "session is not connected"}
	ErrConfigLocked     = &Error{Type: ErrInvalidState, Code: "config_locked", Message: "config can only change while disconnected"}
	ErrBackpressure     = &Error{Type: ErrInvalidState, Code: "backpressure", Message: "outbound queue is full"}
	ErrStaleResponse    = &Error{Type: ErrStaleToolResponse}
	ErrConnectCancelled = &Error{Type: ErrCancelled}
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewProtocolViolation creates a protocol violation error.
func NewProtocolViolation(code, message string) *Error {
	return &Error{
		Type:    ErrProtocolViolation,
		Message: message,
		Code:    code,
	}
}

// NewTransportFailure creates a transport failure wrapping cause.
func NewTransportFailure(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrTransportFailure,
		Message: message,
		Code:    code,
		Cause:   cause,
	}
}

// NewDecodeError wraps a codec failure.
func NewDecodeError(cause error) *Error {
	return &Error{
		Type:    ErrDecode,
		Message: "dropped undecodable frame",
		Cause:   cause,
	}
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(message string, cause error) *Error {
	return &Error{
		Type:    ErrCancelled,
		Message: message,
		Cause:   cause,
	}
}

// NewStaleToolResponseError reports tool responses that matched no pending call.
func NewStaleToolResponseError(code string, ids []string) *Error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return &Error{
		Type:    ErrStaleToolResponse,
		Message: fmt.Sprintf("no pending tool call for id(s) %s", strings.Join(sorted, ", ")),
		Param:   "id",
		Code:    code,
	}
}

// TypeOf returns the ErrorType of err, or "" if err carries no *Error.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
