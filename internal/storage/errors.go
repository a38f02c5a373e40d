package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrCollectionNotFound indicates a collection name or id could not be resolved.
	ErrCollectionNotFound = errors.New("storage: collection not found")
	// ErrItemNotFound indicates a storage object is absent or expired.
	ErrItemNotFound = errors.New("storage: item not found")
	// ErrConflict indicates a write lock could not be granted without regressing
	// the collection's modified timestamp.
	ErrConflict = errors.New("storage: timestamp conflict")
	// ErrLockEscalation indicates a session attempted to upgrade a read lock to
	// a write lock, which the locking protocol forbids.
	ErrLockEscalation = errors.New("storage: cannot escalate read lock to write lock")
	// ErrSessionClosed indicates an operation on a session whose transaction
	// has already been committed or rolled back.
	ErrSessionClosed = errors.New("storage: session closed")
)

// StoreError wraps an underlying failure with an operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for logging and metrics.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
