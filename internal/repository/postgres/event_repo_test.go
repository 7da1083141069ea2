package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/agenda/internal/errs"
	"github.com/and161185/agenda/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var eventCols = []string{
	"id", "title", "description", "location",
	"start_time", "end_time", "all_day", "original_timezone",
	"rrule", "recurring_event_id", "recurrence_id",
	"calendar_source", "calendar_id", "external_id", "caldav_href", "etag",
	"synced_at", "created_at", "updated_at",
}

func eventRow(e *model.Event) *pgxmock.Rows {
	return pgxmock.NewRows(eventCols).AddRow(
		e.ID, e.Title, e.Description, e.Location,
		e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
		e.RRule, e.RecurringEventID, e.RecurrenceID,
		string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag,
		e.SyncedAt, e.CreatedAt, e.UpdatedAt,
	)
}

func sampleEvent() *model.Event {
	start := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	return &model.Event{
		ID:             "event_abc123def456",
		Title:          "Dentist",
		StartTime:      start,
		EndTime:        &end,
		CalendarSource: model.SourceLocal,
		CreatedAt:      start.Add(-24 * time.Hour),
		UpdatedAt:      start.Add(-24 * time.Hour),
	}
}

func TestEventRepo_Create_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	e := sampleEvent()
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs(
			e.ID, e.Title, e.Description, e.Location,
			e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
			e.RRule, e.RecurringEventID, e.RecurrenceID,
			string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag, e.SyncedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Create(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepo_Create_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	e := sampleEvent()
	mock.ExpectExec(`INSERT INTO events`).
		WithArgs(
			e.ID, e.Title, e.Description, e.Location,
			e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
			e.RRule, e.RecurringEventID, e.RecurrenceID,
			string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag, e.SyncedAt,
		).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := r.Create(context.Background(), e)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestEventRepo_Get_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	e := sampleEvent()
	mock.ExpectQuery(`SELECT .+ FROM events WHERE id=\$1`).
		WithArgs(e.ID).
		WillReturnRows(eventRow(e))

	got, err := r.Get(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, e.Title, got.Title)
	require.Equal(t, model.SourceLocal, got.CalendarSource)
}

func TestEventRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	mock.ExpectQuery(`SELECT .+ FROM events WHERE id=\$1`).
		WithArgs("event_missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.Get(context.Background(), "event_missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEventRepo_GetByExternalID_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	mock.ExpectQuery(`SELECT .+ FROM events WHERE external_id=\$1`).
		WithArgs("remote-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.GetByExternalID(context.Background(), "remote-1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEventRepo_Update_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	e := sampleEvent()
	mock.ExpectExec(`UPDATE events SET`).
		WithArgs(
			e.ID, e.Title, e.Description, e.Location,
			e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
			e.RRule, e.RecurringEventID, e.RecurrenceID,
			string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag, e.SyncedAt,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, r.Update(context.Background(), e), errs.ErrNotFound)
}

func TestEventRepo_Delete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	mock.ExpectExec(`DELETE FROM events WHERE id=\$1`).
		WithArgs("event_1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.Delete(context.Background(), "event_1"))

	mock.ExpectExec(`DELETE FROM events WHERE id=\$1`).
		WithArgs("event_2").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, r.Delete(context.Background(), "event_2"), errs.ErrNotFound)
}

func TestEventRepo_ListSimpleInRange(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	e := sampleEvent()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE rrule='' AND recurring_event_id IS NULL`).
		WithArgs(start, end).
		WillReturnRows(eventRow(e))

	got, err := r.ListSimpleInRange(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, e.ID, got[0].ID)
}

func TestEventRepo_ListUnsynced(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	e := sampleEvent()
	mock.ExpectQuery(`WHERE calendar_source='local' AND external_id IS NULL`).
		WillReturnRows(eventRow(e))

	got, err := r.ListUnsynced(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestEventRepo_UpsertByExternalID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	e := sampleEvent()
	e.CalendarSource = model.SourceCalDAV
	e.ExternalID = "remote-1"
	upsertArgs := []any{
		e.ID, e.Title, e.Description, e.Location,
		e.StartTime, e.EndTime, e.AllDay, e.OriginalTimezone,
		e.RRule, e.RecurringEventID, e.RecurrenceID,
		string(e.CalendarSource), e.CalendarID, e.ExternalID, e.CalDAVHref, e.ETag, e.SyncedAt,
	}

	mock.ExpectQuery(`ON CONFLICT \(external_id\) WHERE external_id IS NOT NULL`).
		WithArgs(upsertArgs...).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(true))
	created, err := r.UpsertByExternalID(context.Background(), e)
	require.NoError(t, err)
	require.True(t, created)

	mock.ExpectQuery(`ON CONFLICT \(external_id\) WHERE external_id IS NOT NULL`).
		WithArgs(upsertArgs...).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(false))
	created, err = r.UpsertByExternalID(context.Background(), e)
	require.NoError(t, err)
	require.False(t, created)
}

func TestEventRepo_DeleteMissingRemote(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	seen := []string{"remote-1", "standup"}

	mock.ExpectExec(`DELETE FROM events`).
		WithArgs(start, end, seen).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := r.DeleteMissingRemote(context.Background(), start, end, seen)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestEventRepo_DeleteMissingRemote_EmptySeen(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM events`).
		WithArgs(start, end, []string{}).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	n, err := r.DeleteMissingRemote(context.Background(), start, end, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestEventRepo_QueryError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)

	boom := errors.New("connection reset")
	mock.ExpectQuery(`WHERE rrule<>'' AND recurring_event_id IS NULL`).
		WillReturnError(boom)

	_, err := r.ListMasters(context.Background())
	require.ErrorIs(t, err, boom)
}
