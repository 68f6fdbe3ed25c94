package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNotFound is returned by a Store when a key does not exist.
	ErrNotFound = errors.New("breaker store: key not found")
)

// CircuitOpenError is returned when a breaker rejects a call without running it.
// Callers should fall back to cached or stale data, or fail gracefully.
type CircuitOpenError struct {
	Service       string
	Operation     string
	State         State
	NextAttemptAt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.NextAttemptAt.IsZero() {
		return fmt.Sprintf("circuit breaker %q is %s: %s rejected", e.Service, e.State, e.Operation)
	}
	return fmt.Sprintf("circuit breaker %q is %s: %s rejected until %s",
		e.Service, e.State, e.Operation, e.NextAttemptAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsOpen reports whether err is (or wraps) a CircuitOpenError.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
