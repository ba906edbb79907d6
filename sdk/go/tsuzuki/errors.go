// Package tsuzuki provides a Go client for the tsuzuki operator API.
package tsuzuki

import (
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
)

// Error represents an error from the tsuzuki API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Location is the response's Location header, set on a refused resume
	// to the job that is still active.
	Location string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tsuzuki: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsConflict returns true if the error is a 409. The server uses it for
// corrupt checkpoint snapshots, artifact header mismatches and resumes of a
// run whose job is still queued or running.
func IsConflict(err error) bool { return statusIs(err, 409) }

// IsUnavailable returns true if the error is a 503, returned while the
// server is shutting down.
func IsUnavailable(err error) bool { return statusIs(err, 503) }

// ActiveJobID returns the job a refused resume points at.
func ActiveJobID(err error) (uuid.UUID, bool) {
	var e *Error
	if !errors.As(err, &e) || e.StatusCode != 409 || e.Location == "" {
		return uuid.Nil, false
	}
	id, perr := uuid.Parse(path.Base(e.Location))
	if perr != nil {
		return uuid.Nil, false
	}
	return id, true
}
