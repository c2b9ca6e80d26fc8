package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType classifies a harness error for retry and reporting decisions.
type ErrorType string

const (
	// ErrorTypeClient covers malformed requests, schemas the mock cannot
	// synthesize, and 4xx responses from the system under test. Never
	// retried; surfaced immediately as a scenario failure.
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeTransient covers network failures, 5xx responses and
	// connection resets. Retried within the scenario's attempt budget.
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeProtocol covers contract violations such as a stream closing
	// without its terminal marker. Logged loudly and treated like a client
	// error; never silently papered over.
	ErrorTypeProtocol ErrorType = "protocol_violation"
	ErrorTypeTimeout  ErrorType = "timeout"
	ErrorTypeInternal ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Status    int               `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithStatus records the HTTP status that produced the error.
func (e *AppError) WithStatus(status int) *AppError {
	e.Status = status
	return e
}

// Common error constructors

func NewClientError(message string) *AppError {
	return NewAppError(ErrorTypeClient, "CLIENT_ERROR", message)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeClient, "VALIDATION_ERROR", message)
}

func NewSynthesisError(message string) *AppError {
	return NewAppError(ErrorTypeClient, "SYNTHESIS_ERROR", message)
}

func NewTransientError(message string) *AppError {
	return NewAppError(ErrorTypeTransient, "TRANSIENT_ERROR", message)
}

func NewProtocolViolation(message string) *AppError {
	return NewAppError(ErrorTypeProtocol, "PROTOCOL_VIOLATION", message)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// FromStatusCode classifies an HTTP response status from the system under
// test: 4xx is fatal for the interaction, 5xx is retryable.
func FromStatusCode(status int, operation string) *AppError {
	switch {
	case status >= 400 && status < 500:
		return NewClientError(fmt.Sprintf("%s rejected with status %d", operation, status)).
			WithStatus(status)
	case status >= 500:
		return NewTransientError(fmt.Sprintf("%s failed with status %d", operation, status)).
			WithStatus(status)
	default:
		return NewInternalError(fmt.Sprintf("%s returned unexpected status %d", operation, status)).
			WithStatus(status)
	}
}

// IsRetryable reports whether the load generator may retry the operation.
// Unclassified errors are assumed to be transport failures, which retry.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrorTypeTransient || appErr.Type == ErrorTypeTimeout
	}
	return err != nil
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// HTTPStatus maps an error to the status code the mock service answers with.
// An explicitly recorded status wins over the type mapping.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}

	switch GetType(err) {
	case ErrorTypeClient:
		return http.StatusBadRequest
	case ErrorTypeProtocol:
		return http.StatusUnprocessableEntity
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
