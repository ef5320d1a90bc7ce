package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Validation errors — rejected synchronously, never queued
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeMissingField     = "MISSING_FIELD"
	CodeBadRequest       = "BAD_REQUEST"

	// Transient backend errors — retried with backoff
	CodeNetworkError = "NETWORK_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeUnavailable  = "UNAVAILABLE"

	// Permanent backend errors — failed disposition, no blind retry
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeBadPayload   = "BAD_PAYLOAD"
	CodeNotFound     = "NOT_FOUND"

	// Local persistence errors — fatal to the current operation
	CodeStorageError = "STORAGE_ERROR"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Validation errors
func ValidationFailed(message string) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// Transient backend errors
func NetworkError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeNetworkError,
		Message: fmt.Sprintf("network error: %s", operation),
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

func Unavailable(service string, err error) *AppError {
	return &AppError{
		Code:    CodeUnavailable,
		Message: fmt.Sprintf("%s unavailable", service),
		Status:  http.StatusServiceUnavailable,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

// Permanent backend errors
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

func BadPayload(message string, err error) *AppError {
	return &AppError{
		Code:    CodeBadPayload,
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     err,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

// Local persistence errors
func StorageError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeStorageError,
		Message: fmt.Sprintf("storage error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Internal errors
func Internal(message string) *AppError {
	if message == "" {
		message = "internal error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// Code returns the error code, or INTERNAL_ERROR for unclassified errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// IsTransient reports whether err should be retried with backoff. Context
// deadline errors count as timeouts; unclassified errors default to
// transient so that an unknown outage never burns an entry permanently.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch Code(err) {
	case CodeNetworkError, CodeTimeout, CodeUnavailable:
		return true
	case CodeUnauthorized, CodeForbidden, CodeBadPayload, CodeNotFound,
		CodeValidationFailed, CodeMissingField, CodeBadRequest, CodeStorageError:
		return false
	}
	return true
}

// IsPermanent reports whether err is a permanent rejection that no retry can
// fix.
func IsPermanent(err error) bool {
	switch Code(err) {
	case CodeUnauthorized, CodeForbidden, CodeBadPayload, CodeNotFound:
		return true
	}
	return false
}
