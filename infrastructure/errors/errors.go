// Package errors provides unified, structured error handling for the
// streaming pipeline, implementing the five error kinds of §7: Validation,
// Transient, Policy, Fatal, and Data integrity. Policy conditions
// (suppression, disabled rules, dropped alerts) are deliberately NOT
// represented here -- §7 requires they be logged at info and never
// surfaced as errors to callers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique, namespaced error code.
type ErrorCode string

const (
	// Validation errors (3xxx) -- malformed input at the ingestion edge or
	// query surface, surfaced with a 4xx response, never placed on the broker.
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx).
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service/transient errors (5xxx) -- broker disconnect, database
	// deadlock, notification-channel timeout. Retried with bounded backoff
	// at the component boundary; on exhaustion routed to DLQ or dropped.
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeDatabaseError     ErrorCode = "SVC_5002"
	ErrCodeUnavailable       ErrorCode = "SVC_5003"
	ErrCodeTimeout           ErrorCode = "SVC_5005"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5006"

	// Authentication/authorization errors (1xxx/2xxx) -- admin token checks.
	ErrCodeUnauthorized ErrorCode = "AUTH_1001"
	ErrCodeForbidden    ErrorCode = "AUTHZ_2001"

	// Fatal errors (9xxx) -- invalid startup configuration or broker
	// topology declaration failure. Aborts the affected service; the
	// process exits non-zero.
	ErrCodeConfigInvalid ErrorCode = "FATAL_9001"
	ErrCodeTopologyFailed ErrorCode = "FATAL_9002"

	// Data-integrity errors (8xxx) -- duplicate insert, missing foreign key.
	// For events these are coerced to idempotent no-ops by the caller; for
	// alerts they are fatal for the current message (routed to DLQ).
	ErrCodeDataIntegrity ErrorCode = "DATA_8001"
)

// ServiceError is a structured error with a code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails adds additional structured context to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation errors.

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource errors.

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Transient errors.

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func Unavailable(component string, err error) *ServiceError {
	return Wrap(ErrCodeUnavailable, "component unavailable", http.StatusServiceUnavailable, err).
		WithDetails("component", component)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Auth errors.

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Fatal errors -- never sent to HTTP callers; only used at process bootstrap.

func ConfigInvalid(reason string) *ServiceError {
	return New(ErrCodeConfigInvalid, "invalid configuration", http.StatusInternalServerError).
		WithDetails("reason", reason)
}

func TopologyFailed(err error) *ServiceError {
	return Wrap(ErrCodeTopologyFailed, "broker topology declaration failed", http.StatusInternalServerError, err)
}

// Data-integrity errors.

func DataIntegrity(resource string, err error) *ServiceError {
	return Wrap(ErrCodeDataIntegrity, "data integrity violation", http.StatusConflict, err).
		WithDetails("resource", resource)
}

// Helper functions.

func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
