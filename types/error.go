package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Stage execution error codes
const (
	ErrMissingInput        ErrorCode = "MISSING_INPUT"
	ErrTransientGeneration ErrorCode = "TRANSIENT_GENERATION"
	ErrPermanentGeneration ErrorCode = "PERMANENT_GENERATION"
	ErrValidationRejected  ErrorCode = "VALIDATION_REJECTED"
	ErrRetryCeiling        ErrorCode = "RETRY_CEILING_EXCEEDED"
	ErrRunAborted          ErrorCode = "RUN_ABORTED"
	ErrInvalidTransition   ErrorCode = "INVALID_TRANSITION"
)

// Intervention error codes
const (
	ErrDuplicateResolution ErrorCode = "DUPLICATE_RESOLUTION"
	ErrResolutionVoided    ErrorCode = "RESOLUTION_VOIDED"
	ErrNoCandidateOutput   ErrorCode = "NO_CANDIDATE_OUTPUT"
	ErrAbortedByReviewer   ErrorCode = "ABORTED_BY_REVIEWER"
)

// API and infrastructure error codes
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrAuthentication   ErrorCode = "AUTHENTICATION"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	ErrPipelineNotFound ErrorCode = "PIPELINE_NOT_FOUND"
	ErrPendingNotFound  ErrorCode = "PENDING_NOT_FOUND"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Stage      string    `json:"stage,omitempty"`
	Cause      error     `json:"-"`
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

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStage records the pipeline stage the error originated from.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
