package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for the session and authorization core.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrRateLimited    = errors.New("rate limited")
	ErrReuseDetected  = errors.New("refresh token reuse detected")
	ErrCSRFInvalid    = errors.New("csrf token invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrServiceUnavail = errors.New("service unavailable")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`

	// RetryAfter is set on RATE_LIMITED errors so callers can back off
	// deterministically without parsing message text.
	RetryAfter time.Duration `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// AuthFailed creates a 401 error for bad credentials. The message must never
// distinguish an unknown account from a wrong password.
func AuthFailed(message string) *AppError {
	return &AppError{
		Code:    "AUTH_FAILED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrAuthFailed,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// RateLimited creates a 429 error carrying the window reset duration.
func RateLimited(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       "RATE_LIMITED",
		Message:    fmt.Sprintf("too many requests, retry in %s", retryAfter.Round(time.Second)),
		Status:     http.StatusTooManyRequests,
		Err:        ErrRateLimited,
		RetryAfter: retryAfter,
	}
}

// ReuseDetected creates a 401 error for a replayed refresh token. The whole
// lineage is already revoked by the time this error is returned; the client
// must drop its session and re-authenticate.
func ReuseDetected() *AppError {
	return &AppError{
		Code:    "REUSE_DETECTED",
		Message: "session terminated, please sign in again",
		Status:  http.StatusUnauthorized,
		Err:     ErrReuseDetected,
	}
}

// TokenExpired creates a 401 error for an expired credential.
func TokenExpired(kind string) *AppError {
	return &AppError{
		Code:    "TOKEN_EXPIRED",
		Message: fmt.Sprintf("%s token has expired", kind),
		Status:  http.StatusUnauthorized,
		Err:     ErrTokenExpired,
	}
}

// CSRFInvalid creates a 403 error for a missing, expired, or mismatched CSRF token.
func CSRFInvalid(message string) *AppError {
	return &AppError{
		Code:    "CSRF_INVALID",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrCSRFInvalid,
	}
}

// ServiceUnavailable creates a 503 error for a dependency outage. Callers must
// never map this to AuthFailed: an outage must not masquerade as bad credentials.
func ServiceUnavailable(dependency string, err error) *AppError {
	return &AppError{
		Code:    "SERVICE_UNAVAILABLE",
		Message: fmt.Sprintf("%s is temporarily unavailable", dependency),
		Status:  http.StatusServiceUnavailable,
		Err:     fmt.Errorf("%w: %w", ErrServiceUnavail, err),
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrReuseDetected), errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrCSRFInvalid):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfter extracts the backoff hint from a RATE_LIMITED error, or zero.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}
