package storage

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by every operation invoked before Connect
// or after Disconnect.
var ErrNotConnected = errors.New("storage: not connected")

// ConnectionError wraps failures to reach the backend.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError wraps a failed statement or transaction.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("storage: query %s failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// NotFoundError reports a missing resource on operations that require it
// to exist. Plain getters return (nil, nil) instead.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("storage: %s %q not found", e.Resource, e.ID)
}

// ConflictError reports a concurrent-update collision.
type ConflictError struct {
	Resource string
	ID       string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: conflict on %s %q: %v", e.Resource, e.ID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
