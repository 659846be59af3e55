package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes callers branch on. Orchestrator
// code treats ErrNotFound as an absent record (missing watermark, no
// duplicate); everything else surfaces as a per-subject failure.
var (
	// ErrConnectionFailed indicates the cluster could not be reached.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a statement or query failed to execute.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert exhausted its retries.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// StorageError carries the operation and table alongside the underlying
// error so run logs identify the failing store without stack traces.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageErrorWithRetries wraps an error that survived retry attempts.
func NewStorageErrorWithRetries(op, table string, err error, retries int) *StorageError {
	return &StorageError{
		Op:      op,
		Table:   table,
		Err:     err,
		Retries: retries,
	}
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapConnectionError classifies err as a connection failure.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError classifies err as a query failure against table.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

// WrapNotFoundError builds the not-found error for a record id.
func WrapNotFoundError(op, table, id string) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: id=%s", ErrNotFound, id),
	}
}
