package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStateConflict is returned by compare-and-set updates when the row
	// exists but no longer holds the expected state.
	ErrStateConflict = errors.New("storage: state changed concurrently")
)

// Now returns the current UTC time truncated to microseconds, the finest
// precision both backends persist. Using it for every stored timestamp
// keeps values equal across a write/read round trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
