package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGraph             = "GRAPH_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeGate              = "GATE_ERROR"
	ErrCodeBackend           = "BACKEND_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeAborted           = "ABORT_ERROR"
	ErrCodeResource          = "RESOURCE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeDepthExceeded     = "DEPTH_EXCEEDED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeExpression        = "EXPRESSION_COMPILE"
)

// AbortedMessage is the message carried by every abort result.
const AbortedMessage = "Execution aborted"

// ErrAborted is returned by blocking operations interrupted by a user abort.
var ErrAborted = NewError(ErrCodeAborted, AbortedMessage)

// FlowError is the structured error type used across the engine.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches any FlowError carrying the same code, so errors.Is(err, ErrAborted)
// holds for every abort regardless of node or details.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode returns a copy of the error bound to a node ID.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// CodeOf returns the FlowError code of err, or ErrCodeBackend for foreign errors.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeBackend
}
