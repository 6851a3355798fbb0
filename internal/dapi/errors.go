// Package dapi provides the HTTP client shared by the data API drivers,
// with automatic retry, bearer token handling, and error classification,
// plus the wire types of the measurement data API.
package dapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, dapi.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("dapi: bad request")
	ErrUnauthorized = errors.New("dapi: unauthorized")
	ErrForbidden    = errors.New("dapi: forbidden")
	ErrNotFound     = errors.New("dapi: not found")
	ErrThrottled    = errors.New("dapi: throttled")
	ErrServerError  = errors.New("dapi: server error")

	// ErrMalformedResponse marks a backend contract violation: the
	// response could not be decoded. Never retried.
	ErrMalformedResponse = errors.New("dapi: malformed response")
)

// APIError wraps a sentinel error with the HTTP status code, the request
// ID returned by the backend, and the response body for diagnosis.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("dapi: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("dapi: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
