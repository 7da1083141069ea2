// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotConfigured indicates sync is disabled or CalDAV credentials are missing.
	ErrNotConfigured = errors.New("calendar sync not configured")

	// ErrSyncRunning indicates a sync run for this account is already in flight.
	ErrSyncRunning = errors.New("sync already running")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., external_id taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidEvent indicates a row violates the role invariants
	// (master with recurring_event_id, exception without recurrence_id, ...).
	ErrInvalidEvent = errors.New("invalid event")
)
