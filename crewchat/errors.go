package crewchat

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Transport errors
	ErrorConnection
	ErrorDisconnected
	ErrorTimeout
	ErrorNotConnected

	// Send / routing errors
	ErrorSendFailed
	ErrorSerialization

	// Call / media errors
	ErrorMediaDevice
	ErrorPeerConnection
	ErrorCallState

	// REST collaborator errors
	ErrorAPI

	ErrorInvalidConfig
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorConnection:
		return "connection_error"
	case ErrorDisconnected:
		return "disconnected"
	case ErrorTimeout:
		return "timeout"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorSendFailed:
		return "send_failed"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorMediaDevice:
		return "media_device_error"
	case ErrorPeerConnection:
		return "peer_connection_error"
	case ErrorCallState:
		return "call_state_error"
	case ErrorAPI:
		return "api_error"
	case ErrorInvalidConfig:
		return "invalid_config"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// CrewchatError is a structured error with code and context.
type CrewchatError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *CrewchatError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *CrewchatError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is support for error comparison by code.
func (e *CrewchatError) Is(target error) bool {
	t, ok := target.(*CrewchatError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new CrewchatError with the given code and message.
func NewError(code ErrorCode, message string) *CrewchatError {
	return &CrewchatError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with a CrewchatError.
func WrapError(code ErrorCode, message string, err error) *CrewchatError {
	return &CrewchatError{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	code, ok := codeOf(err)
	if !ok {
		return false
	}
	return code == ErrorConnection || code == ErrorDisconnected || code == ErrorTimeout || code == ErrorNotConnected
}

// IsCallError checks if an error belongs to the call/media taxonomy.
func IsCallError(err error) bool {
	code, ok := codeOf(err)
	if !ok {
		return false
	}
	return code == ErrorMediaDevice || code == ErrorPeerConnection || code == ErrorCallState
}

func codeOf(err error) (ErrorCode, bool) {
	if err == nil {
		return ErrorUnknown, false
	}
	var ce *CrewchatError
	if !errors.As(err, &ce) {
		return ErrorUnknown, false
	}
	return ce.Code, true
}
