package errors

import (
	"errors"
	"fmt"
)

// ErrCode represents an error code
type ErrCode string

const (
	ErrCodeNotFound            ErrCode = "NOT_FOUND"
	ErrCodeUnauthorized        ErrCode = "UNAUTHORIZED"
	ErrCodeRateLimited         ErrCode = "RATE_LIMITED"
	ErrCodeInternal            ErrCode = "INTERNAL_ERROR"
	ErrCodeBadRequest          ErrCode = "BAD_REQUEST"
	ErrCodeConflict            ErrCode = "CONFLICT"
	ErrCodeUpstreamUnavailable ErrCode = "UPSTREAM_UNAVAILABLE"
)

var (
	// ErrNotFound is returned by storage lookups that match no row
	ErrNotFound = errors.New("not found")

	// ErrSyncInProgress is returned when another sync holds the lease
	ErrSyncInProgress = errors.New("a sync job is already running")
)

// AppError represents an application error
type AppError struct {
	Code    ErrCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     ErrNotFound,
	}
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeRateLimited,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeBadRequest,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeConflict,
		Message: message,
		Err:     err,
	}
}

// NewUpstreamError wraps a failure of the upstream platform API
func NewUpstreamError(operation string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeUpstreamUnavailable,
		Message: operation,
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in err's chain
func CodeOf(err error) (ErrCode, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return "", false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	code, ok := CodeOf(err)
	return ok && code == ErrCodeNotFound
}

// IsBadRequest checks if the error is a caller input error
func IsBadRequest(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == ErrCodeBadRequest
}
