package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a transport error from the backend. It always carries the HTTP
// status and the raw response body so callers can decide what to surface.
type Error struct {
	// Op identifies the failed call, e.g. "POST /jobs/run".
	Op string

	// Status is the HTTP status code.
	Status int

	// Body is the raw response body text.
	Body string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Status, e.Body)
}

// StatusOf extracts the HTTP status from err, or 0 when err is not an
// *Error.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsAuth reports whether err is a 401/403 transport error.
func IsAuth(err error) bool {
	status := StatusOf(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsNotFound reports whether err is a 404 transport error.
func IsNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}
