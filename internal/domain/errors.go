// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidState indicates the operation is not valid for the current
// session or conflict status.
var ErrInvalidState = errors.New("invalid state")

// ErrCapacityExceeded indicates a session is already at its participant limit.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrConflictResolutionFailed indicates a resolution strategy handler failed.
var ErrConflictResolutionFailed = errors.New("conflict resolution failed")

// ErrPersistenceFailed indicates a recording could not be saved or loaded.
var ErrPersistenceFailed = errors.New("persistence failed")

// ErrConfiguration indicates an operation was requested with a configuration
// that does not allow it (e.g. a handoff on a realtime session).
var ErrConfiguration = errors.New("configuration error")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation failed")
