package rolestate

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned by Get when the user has no cached record.
	ErrRecordNotFound = errors.New("role record not found")

	ErrVersionConflict  = errors.New("version conflict")
	ErrConcurrentUpdate = errors.New("concurrent update")
	ErrIntegrity        = errors.New("role record failed integrity check")
	ErrRollbackNotFound = errors.New("rollback snapshot not found")
)

// VersionConflictError reports that the stored version differs from the
// version the caller based its update on.
type VersionConflictError struct {
	UserID   string
	Expected uint64
	Current  uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for user %s: expected %d, current %d", e.UserID, e.Expected, e.Current)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// ConcurrentUpdateError reports that another writer holds the user's lock, or
// that a forced write kept racing other writers.
type ConcurrentUpdateError struct {
	UserID string
	Reason string
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("concurrent update for user %s: %s", e.UserID, e.Reason)
}

func (e *ConcurrentUpdateError) Is(target error) bool { return target == ErrConcurrentUpdate }

// IntegrityError reports a record whose checksum does not match its fields.
type IntegrityError struct {
	UserID   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("role record for user %s failed integrity check", e.UserID)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// RollbackNotFoundError reports that no snapshot exists for the operation.
type RollbackNotFoundError struct {
	UserID      string
	OperationID string
}

func (e *RollbackNotFoundError) Error() string {
	return fmt.Sprintf("no rollback snapshot for user %s, operation %s", e.UserID, e.OperationID)
}

func (e *RollbackNotFoundError) Is(target error) bool { return target == ErrRollbackNotFound }
