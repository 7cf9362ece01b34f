package strava

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes. API failures are wrapped so callers can pick a handling
// strategy without parsing status codes themselves:
//
//	ErrAuth       credential rejected; fatal for the cycle, retried next tick
//	ErrNotFound   activity vanished between fetch and update; terminal per activity
//	ErrPermission mutation rejected; terminal per activity
//
// Anything else coming off the wire (network errors, 429, 5xx) is transient
// and eligible for in-cycle retry.
var (
	ErrAuth       = errors.New("strava: authorization rejected")
	ErrNotFound   = errors.New("strava: not found")
	ErrPermission = errors.New("strava: permission denied")
)

// APIError carries the HTTP status and response body of a failed call.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("strava: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("strava: unexpected status %d: %s", e.Status, e.Body)
}

// classifyStatus wraps a non-2xx response into the matching error class.
func classifyStatus(status int, body string) error {
	apiErr := &APIError{Status: status, Body: body}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, apiErr)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrPermission, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr)
	default:
		return apiErr
	}
}

// IsTransient reports whether err is worth retrying within the current
// cycle. Auth, not-found, and permission failures are not; everything else
// (connection errors, 429, 5xx) is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrPermission)
}
