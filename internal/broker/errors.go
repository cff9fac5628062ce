package broker

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks transient network or timeout failures. Callers retry
// these with backoff; anything not wrapping ErrUnavailable is terminal for
// the attempt.
var ErrUnavailable = errors.New("broker unavailable")

// ErrOrderNotFound is returned by status/cancel calls for unknown order ids.
var ErrOrderNotFound = errors.New("order not found")

// Unavailable wraps err as a transient broker fault.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err is a transient broker fault.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
