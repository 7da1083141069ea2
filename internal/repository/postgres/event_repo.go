package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/agenda/internal/errs"
	"github.com/and161185/agenda/internal/model"
)

// EventRepo implements EventRepository using PostgreSQL.
type EventRepo struct{ db *DB }

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

// eventColumns is the canonical select list; keep scanEvent in sync with it.
const eventColumns = `id, title, description, location,
start_time, end_time, all_day, original_timezone,
rrule, COALESCE(recurring_event_id,''), COALESCE(recurrence_id,''),
calendar_source, calendar_id, COALESCE(external_id,''), caldav_href, etag,
synced_at, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanEvent(row rowScanner) (*model.Event, error) {
	var e model.Event
	var source string
	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &e.Location,
		&e.StartTime, &e.EndTime, &e.AllDay, &e.OriginalTimezone,
		&e.RRule, &e.RecurringEventID, &e.RecurrenceID,
		&source, &e.CalendarID, &e.ExternalID, &e.CalDAVHref, &e.ETag,
		&e.SyncedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CalendarSource = model.CalendarSource(source)
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]model.Event, error) {
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Create inserts a new event row.
func (r *EventRepo) Create(ctx context.Context, e *model.Event) error {
	const q = `
INSERT INTO events (
  id, title, description, location,
  start_time, end_time, all_day, original_timezone,
  rrule, recurring_event_id, recurrence_id,
  calendar_source, calendar_id, external_id, caldav_href, etag, synced_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),NULLIF($11,''),$12,$13,NULLIF($14,''),$15,$16,$17)`
	_, err := r.db.Pool.Exec(ctx, q,
		e.ID, e.Title, e.Description, e.Location,
		e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
		e.RRule, e.RecurringEventID, e.RecurrenceID,
		string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag, e.SyncedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s: %w", e.ID, errs.ErrAlreadyExists)
	}
	return err
}

// Get returns a single event by local id.
func (r *EventRepo) Get(ctx context.Context, id string) (*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id=$1`
	e, err := scanEvent(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return e, err
}

// GetByExternalID returns a single event by its remote identity.
func (r *EventRepo) GetByExternalID(ctx context.Context, externalID string) (*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE external_id=$1`
	e, err := scanEvent(r.db.Pool.QueryRow(ctx, q, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return e, err
}

// Update overwrites all mutable fields of an existing row.
func (r *EventRepo) Update(ctx context.Context, e *model.Event) error {
	const q = `
UPDATE events SET
  title=$2, description=$3, location=$4,
  start_time=$5, end_time=$6, all_day=$7, original_timezone=$8,
  rrule=$9, recurring_event_id=NULLIF($10,''), recurrence_id=NULLIF($11,''),
  calendar_source=$12, calendar_id=$13, external_id=NULLIF($14,''),
  caldav_href=$15, etag=$16, synced_at=$17, updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		e.ID, e.Title, e.Description, e.Location,
		e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
		e.RRule, e.RecurringEventID, e.RecurrenceID,
		string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag, e.SyncedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes a row by local id.
func (r *EventRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM events WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListSimpleInRange returns non-recurring, non-exception events in [start, end).
func (r *EventRepo) ListSimpleInRange(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	q := `SELECT ` + eventColumns + `
FROM events
WHERE rrule='' AND recurring_event_id IS NULL
  AND start_time >= $1 AND start_time < $2
ORDER BY start_time ASC`
	rows, err := r.db.Pool.Query(ctx, q, start, end)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListMasters returns all recurring series definitions.
func (r *EventRepo) ListMasters(ctx context.Context) ([]model.Event, error) {
	q := `SELECT ` + eventColumns + `
FROM events
WHERE rrule<>'' AND recurring_event_id IS NULL
ORDER BY start_time ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListExceptions returns all override rows for the given master.
func (r *EventRepo) ListExceptions(ctx context.Context, masterID string) ([]model.Event, error) {
	q := `SELECT ` + eventColumns + `
FROM events
WHERE recurring_event_id=$1
ORDER BY start_time ASC`
	rows, err := r.db.Pool.Query(ctx, q, masterID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListUnsynced returns local-origin rows that were never pushed to a server.
func (r *EventRepo) ListUnsynced(ctx context.Context) ([]model.Event, error) {
	q := `SELECT ` + eventColumns + `
FROM events
WHERE calendar_source='local' AND external_id IS NULL AND caldav_href=''
ORDER BY start_time ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// UpsertByExternalID creates or overwrites a row keyed by external_id.
// Server fields win unconditionally on conflict ("server wins").
func (r *EventRepo) UpsertByExternalID(ctx context.Context, e *model.Event) (bool, error) {
	const q = `
INSERT INTO events (
  id, title, description, location,
  start_time, end_time, all_day, original_timezone,
  rrule, recurring_event_id, recurrence_id,
  calendar_source, calendar_id, external_id, caldav_href, etag, synced_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),NULLIF($11,''),$12,$13,$14,$15,$16,$17)
ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO UPDATE SET
  title=EXCLUDED.title, description=EXCLUDED.description, location=EXCLUDED.location,
  start_time=EXCLUDED.start_time, end_time=EXCLUDED.end_time, all_day=EXCLUDED.all_day,
  original_timezone=EXCLUDED.original_timezone, rrule=EXCLUDED.rrule,
  recurring_event_id=EXCLUDED.recurring_event_id, recurrence_id=EXCLUDED.recurrence_id,
  calendar_source=EXCLUDED.calendar_source, calendar_id=EXCLUDED.calendar_id,
  caldav_href=EXCLUDED.caldav_href, etag=EXCLUDED.etag, synced_at=EXCLUDED.synced_at,
  updated_at=now()
RETURNING (xmax = 0)`
	var inserted bool
	if err := r.db.Pool.QueryRow(ctx, q,
		e.ID, e.Title, e.Description, e.Location,
		e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
		e.RRule, e.RecurringEventID, e.RecurrenceID,
		string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag, e.SyncedAt,
	).Scan(&inserted); err != nil {
		return false, err
	}
	return inserted, nil
}

// DeleteMissingRemote removes caldav-sourced rows inside [start, end) whose
// external_id was not observed during the pull. Rows outside the window are
// kept even when unseen: the search simply did not cover them.
func (r *EventRepo) DeleteMissingRemote(ctx context.Context, start, end time.Time, seen []string) (int64, error) {
	if seen == nil {
		seen = []string{}
	}
	const q = `
DELETE FROM events
WHERE calendar_source='caldav' AND external_id IS NOT NULL
  AND start_time >= $1 AND start_time < $2
  AND NOT (external_id = ANY($3))`
	tag, err := r.db.Pool.Exec(ctx, q, start, end, seen)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExceptions removes all override rows referencing the master.
func (r *EventRepo) DeleteExceptions(ctx context.Context, masterID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM events WHERE recurring_event_id=$1`, masterID)
	return err
}
