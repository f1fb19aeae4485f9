// Package api is the HTTP transport to the pharmacy backend. It attaches
// bearer credentials, decodes the backend's JSON envelope and classifies
// every failure into the shared taxonomy: business rejections, auth
// expiry, or transient network errors. It never retries; retry policy
// belongs to the sync engine.
package api

import (
	"fmt"
	"net/http"

	"github.com/tonimelisma/rxsync/internal/apierr"
	"github.com/tonimelisma/rxsync/internal/broker"
)

// Error carries the HTTP details of a failed response. Err is the sentinel
// used for classification with errors.Is.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Code       string // backend error_code, when present
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s %s: HTTP %d (%s): %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("api: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx status to the sentinel it is reported as.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return broker.ErrAuthExpired
	case http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return apierr.ErrRejected
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return apierr.ErrNetwork
	default:
		if code >= http.StatusInternalServerError {
			return apierr.ErrNetwork
		}

		// Remaining 4xx are client errors the server will repeat.
		return apierr.ErrRejected
	}
}
