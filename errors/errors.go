// Package errors provides error handling for pulsejob.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Detail lines that survive wrapping
//
// On top of the re-exports it defines the job scheduling error taxonomy.
// Each class is a sentinel; constructors mark a freshly formatted error with
// the sentinel so the message reads exactly as written while errors.Is still
// matches the class:
//
//	err := errors.NewLockOwnershipf("%s does not hold a lock on the requested job", workerID)
//	errors.Is(err, errors.ErrLockOwnership) // true
//	err.Error()                             // "w2 does not hold a lock on the requested job"
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Job scheduling error taxonomy.
var (
	// ErrValidation indicates a missing or malformed request field (HTTP 400)
	ErrValidation = New("validation failed")

	// ErrNotFound indicates the requested job does not exist (HTTP 404)
	ErrNotFound = New("not found")

	// ErrLockOwnership indicates the caller is not the current lease holder (HTTP 403)
	ErrLockOwnership = New("lock not held")

	// ErrUnsupportedOperation indicates the operation is not legal for the job's scope kind (HTTP 400)
	ErrUnsupportedOperation = New("unsupported operation")

	// ErrInvalidSchedule indicates a due-date expression could not be evaluated
	ErrInvalidSchedule = New("invalid schedule")

	// ErrStaleRevision signals a lost optimistic-locking race. Internal only.
	ErrStaleRevision = New("stale revision")
)

// NewValidationf creates a validation error with a formatted message
func NewValidationf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrValidation)
}

// NewNotFoundf creates a not-found error with a formatted message
func NewNotFoundf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrNotFound)
}

// NewLockOwnershipf creates a lock-ownership error with a formatted message
func NewLockOwnershipf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrLockOwnership)
}

// NewUnsupportedOperationf creates an unsupported-operation error with a formatted message
func NewUnsupportedOperationf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrUnsupportedOperation)
}

// NewInvalidSchedulef creates an invalid-schedule error with a formatted message
func NewInvalidSchedulef(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrInvalidSchedule)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsLockOwnershipError checks if an error is or wraps ErrLockOwnership
func IsLockOwnershipError(err error) bool {
	return err != nil && Is(err, ErrLockOwnership)
}

// IsUnsupportedOperationError checks if an error is or wraps ErrUnsupportedOperation
func IsUnsupportedOperationError(err error) bool {
	return err != nil && Is(err, ErrUnsupportedOperation)
}

// IsInvalidScheduleError checks if an error is or wraps ErrInvalidSchedule
func IsInvalidScheduleError(err error) bool {
	return err != nil && Is(err, ErrInvalidSchedule)
}

// IsStaleRevision checks if an error is or wraps ErrStaleRevision
func IsStaleRevision(err error) bool {
	return err != nil && Is(err, ErrStaleRevision)
}
