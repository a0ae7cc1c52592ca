package tablequeue

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a missing or invalid setting detected at construction time.
	ErrConfiguration = errors.New("tablequeue: invalid configuration")
	// ErrNoMessage signals that no message could be claimed. It is not a failure.
	ErrNoMessage = errors.New("tablequeue: no message available")
	// ErrTimeout is returned when a connection or lock could not be obtained in time.
	ErrTimeout = errors.New("tablequeue: timeout")
	// ErrNotFound is returned when a key does not match a stored message.
	ErrNotFound = errors.New("tablequeue: message not found")
	// ErrStateNotConfigured is returned for a transition into a state without an update query.
	ErrStateNotConfigured = errors.New("tablequeue: process state not configured")
	// ErrIllegalTransition is returned when the target state is not reachable from the current one.
	ErrIllegalTransition = errors.New("tablequeue: illegal state transition")
	// ErrClaimClosed is returned when a claim is used after Commit or Rollback.
	ErrClaimClosed = errors.New("tablequeue: claim already finished")
	// ErrConnectorClosed is returned by a direct connector after Close.
	ErrConnectorClosed = errors.New("tablequeue: connector closed")
	// ErrWorkerPanic indicates a relay worker panic.
	ErrWorkerPanic = errors.New("tablequeue: worker panic")
)

// StorageError wraps a database or encoding failure once, at the component boundary.
type StorageError struct {
	Op    string
	Query string
	Err   error
}

// Error implements error.
func (e *StorageError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("tablequeue: %s failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("tablequeue: %s failed: %v (query: %s)", e.Op, e.Err, e.Query)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err unless it is nil or already a StorageError.
func NewStorageError(op, query string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	return &StorageError{Op: op, Query: query, Err: err}
}

// MustRollback reports whether err requires the enclosing transaction to roll back.
// Timeouts and storage failures do; "no message" and not-found results do not.
func MustRollback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoMessage) || errors.Is(err, ErrNotFound) {
		return false
	}
	var se *StorageError
	if errors.As(err, &se) {
		return true
	}

	return errors.Is(err, ErrTimeout)
}

// Configf returns an ErrConfiguration-wrapped error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
