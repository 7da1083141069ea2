package repository

import (
	"context"
	"time"

	"github.com/and161185/agenda/internal/model"
)

// EventRepository provides access to persisted calendar event rows.
type EventRepository interface {
	// Create inserts a new event row.
	Create(ctx context.Context, e *model.Event) error

	// Get returns a single event by local id.
	Get(ctx context.Context, id string) (*model.Event, error)

	// GetByExternalID returns a single event by its remote identity.
	GetByExternalID(ctx context.Context, externalID string) (*model.Event, error)

	// Update overwrites all mutable fields of an existing row.
	Update(ctx context.Context, e *model.Event) error

	// Delete removes a row by local id.
	Delete(ctx context.Context, id string) error

	// ListSimpleInRange returns non-recurring, non-exception events whose
	// start_time falls within [start, end).
	ListSimpleInRange(ctx context.Context, start, end time.Time) ([]model.Event, error)

	// ListMasters returns all rows with an RRULE and no master reference.
	ListMasters(ctx context.Context) ([]model.Event, error)

	// ListExceptions returns all override rows for the given master,
	// recurrence_id values unique within the result.
	ListExceptions(ctx context.Context, masterID string) ([]model.Event, error)

	// ListUnsynced returns local-origin rows that have never been pushed
	// (calendar_source = local, empty external_id and href).
	ListUnsynced(ctx context.Context) ([]model.Event, error)

	// UpsertByExternalID creates or overwrites a row keyed by external_id.
	// Server fields win unconditionally on conflict. Reports whether a new
	// row was created.
	UpsertByExternalID(ctx context.Context, e *model.Event) (created bool, err error)

	// DeleteMissingRemote removes caldav-sourced rows inside [start, end)
	// whose external_id is not in seen, and returns the number deleted.
	// Rows outside the window are never deletion candidates.
	DeleteMissingRemote(ctx context.Context, start, end time.Time, seen []string) (int64, error)

	// DeleteExceptions removes all override rows referencing the master.
	DeleteExceptions(ctx context.Context, masterID string) error
}
