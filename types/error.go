package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Provider error codes. The invoker uses these (together with the
// Retryable flag) to decide retry eligibility and breaker accounting.
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrUpstreamError  ErrorCode = "UPSTREAM_ERROR"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
)

// Workflow error codes
const (
	ErrUnknownNode           ErrorCode = "UNKNOWN_NODE"
	ErrCycleDetected         ErrorCode = "CYCLE_DETECTED"
	ErrDisconnectedReference ErrorCode = "DISCONNECTED_REFERENCE"
	ErrNodeExecutionFailed   ErrorCode = "NODE_EXECUTION_FAILED"
	ErrPredicateEvaluation   ErrorCode = "PREDICATE_EVALUATION"
	ErrToolLoopLimitExceeded ErrorCode = "TOOL_LOOP_LIMIT"
	ErrGlobalTimeout         ErrorCode = "GLOBAL_TIMEOUT"
	ErrInvalidConfig         ErrorCode = "INVALID_CONFIG"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithNodeID tags the error with the workflow node it originated from.
func (e *Error) WithNodeID(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// IsRetryable checks if an error (or any error in its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsClientError reports whether the error is caused by the caller
// (bad request, bad credentials). Client errors are never retried and
// never counted as breaker failures.
func IsClientError(err error) bool {
	switch GetErrorCode(err) {
	case ErrInvalidRequest, ErrAuthentication:
		return true
	}
	return false
}
