// Package apperrors defines the error taxonomy shared by the gateway pipeline
// and its mapping onto HTTP responses.
package apperrors

import (
	"errors"
	"net/http"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// Request validation (400).
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrInvalidFilter      = errors.New("invalid filter syntax")
	ErrOperatorNotAllowed = errors.New("operator not allowed")
	ErrColumnNotAllowed   = errors.New("column not allowed")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrInvalidPaging      = errors.New("invalid paging parameter")

	// Authentication and authorization.
	ErrUnauthenticated = errors.New("missing or invalid API key")
	ErrForbidden       = errors.New("API key is inactive")

	// Admission control (429 / 503).
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrQuotaExceeded      = errors.New("daily quota exceeded")
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")

	// Downstream.
	ErrNoDatasource           = errors.New("no datasource configured")
	ErrQueryFailed            = errors.New("query failed")
	ErrCredentialsKeyMismatch = errors.New("datasource credentials were encrypted with a different key")
)

// LimitError is returned when admission is refused by the rate or quota window.
// It unwraps to ErrRateLimitExceeded or ErrQuotaExceeded.
type LimitError struct {
	Kind       error
	RetryAfter time.Duration
}

func (e *LimitError) Error() string { return e.Kind.Error() }

func (e *LimitError) Unwrap() error { return e.Kind }

// RetryAfterSeconds returns the Retry-After value rounded up to whole seconds.
func (e *LimitError) RetryAfterSeconds() int64 {
	secs := int64(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

type mapping struct {
	target error
	status int
	code   string
}

// Order matters: the first matching sentinel wins.
var mappings = []mapping{
	{ErrInvalidIdentifier, http.StatusBadRequest, "invalid_identifier"},
	{ErrInvalidFilter, http.StatusBadRequest, "invalid_filter_syntax"},
	{ErrOperatorNotAllowed, http.StatusBadRequest, "operator_not_allowed"},
	{ErrColumnNotAllowed, http.StatusBadRequest, "column_not_allowed"},
	{ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{ErrInvalidPaging, http.StatusBadRequest, "invalid_paging"},
	{ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrRateLimitExceeded, http.StatusTooManyRequests, "rate_limit_exceeded"},
	{ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded"},
	{ErrLimiterUnavailable, http.StatusServiceUnavailable, "rate_limiter_unavailable"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrNoDatasource, http.StatusBadGateway, "no_datasource_configured"},
	{ErrCredentialsKeyMismatch, http.StatusBadGateway, "datasource_credentials_invalid"},
	{ErrQueryFailed, http.StatusBadGateway, "query_failed"},
}

// HTTPStatus maps err onto the HTTP status the gateway responds with.
// Unknown errors are internal server errors.
func HTTPStatus(err error) int {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.code
		}
	}
	return "internal_error"
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	status := HTTPStatus(err)
	return status >= 400 && status < 500
}
