// Package model defines domain entities used by services and repositories.
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// CalendarSource marks where an event row originates from.
type CalendarSource string

const (
	SourceLocal  CalendarSource = "local"
	SourceCalDAV CalendarSource = "caldav"
)

// SyncDirection controls which phases a sync run executes.
type SyncDirection string

const (
	DirectionImport SyncDirection = "import"
	DirectionExport SyncDirection = "export"
	DirectionBoth   SyncDirection = "both"
)

// AllowsPush reports whether local-only events are pushed to the server.
func (d SyncDirection) AllowsPush() bool { return d == DirectionExport || d == DirectionBoth }

// AllowsPull reports whether remote ranges are pulled from the server.
func (d SyncDirection) AllowsPull() bool { return d == DirectionImport || d == DirectionBoth }

// Role classifies an event row. The three roles are mutually exclusive and
// exhaustive for persisted rows; occurrences produced by expansion are not
// rows and carry their own type (Occurrence).
type Role int

const (
	// RoleSimple is a single non-recurring occurrence.
	RoleSimple Role = iota
	// RoleMaster defines a recurring series via RRULE and is never displayed
	// directly, only expanded.
	RoleMaster
	// RoleException is a persisted override of one occurrence of a master.
	RoleException
)

// Event is the single persisted calendar entity, polymorphic by Role.
type Event struct {
	ID string // local primary key, "event_<12 hex>"

	Title       string
	Description string
	Location    string

	StartTime time.Time  // always stored UTC
	EndTime   *time.Time // optional; when set, >= StartTime
	AllDay    bool
	// OriginalTimezone is the IANA zone the event was authored in. Required
	// to re-expand recurrences with correct wall-clock/DST behavior.
	OriginalTimezone string

	// RRule is RFC-5545 recurrence rule text; non-empty only for masters.
	RRule string
	// RecurringEventID references the master row; non-empty only for exceptions.
	RecurringEventID string
	// RecurrenceID is the RFC3339 UTC timestamp of the original occurrence
	// this row overrides; non-empty only for exceptions.
	RecurrenceID string

	CalendarSource CalendarSource
	CalendarID     string // remote calendar identifier
	ExternalID     string // stable remote identity (uid, or uid_<recurrence iso>)
	CalDAVHref     string
	ETag           string
	SyncedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Role derives the row's role from its shape.
func (e *Event) Role() Role {
	switch {
	case e.RecurringEventID != "":
		return RoleException
	case e.RRule != "":
		return RoleMaster
	default:
		return RoleSimple
	}
}

// Duration returns the event duration, defaulting to one hour when EndTime
// is absent. Virtual instances inherit this from their master.
func (e *Event) Duration() time.Duration {
	if e.EndTime == nil {
		return time.Hour
	}
	return e.EndTime.Sub(e.StartTime)
}

// Synced reports whether the row has been correlated with a remote resource.
func (e *Event) Synced() bool {
	return e.CalendarSource == SourceCalDAV && e.ExternalID != ""
}

// NewEventID generates a local primary key in the "event_<12 hex>" form.
func NewEventID() string {
	id := uuid.Must(uuid.NewV4())
	return "event_" + hex.EncodeToString(id.Bytes())[:12]
}

// VirtualInstanceID builds the synthetic identifier of a computed occurrence
// that has no persisted override.
func VirtualInstanceID(masterID string, start time.Time) string {
	return fmt.Sprintf("%s__rec__%s", masterID, start.UTC().Format("20060102T150405"))
}

// RecurrenceKey normalizes an occurrence start into the key exceptions are
// matched by (recurrence_id values use the same form).
func RecurrenceKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ExceptionExternalID derives the deterministic remote identity of an
// exception from its master's uid and the overridden occurrence key, so
// repeated pulls are idempotent.
func ExceptionExternalID(masterUID, recurrenceID string) string {
	return masterUID + "_" + recurrenceID
}

// Occurrence is a computed, display-only entry produced during expansion:
// either a projection of a persisted row (simple event or exception) or a
// virtual instance of a master. Never stored.
type Occurrence struct {
	ID        string // row id, or synthetic "{master}__rec__{start}" for virtual instances
	EventID   string // master row id for virtual instances, own id otherwise
	Title     string
	Location  string
	StartTime time.Time
	EndTime   time.Time
	AllDay    bool
	// Virtual is true when the occurrence was computed from a master and has
	// no persisted row of its own.
	Virtual bool
}

// OccurrenceOf projects a persisted row into an Occurrence.
func OccurrenceOf(e *Event) Occurrence {
	end := e.StartTime.Add(e.Duration())
	if e.EndTime != nil {
		end = *e.EndTime
	}
	return Occurrence{
		ID:        e.ID,
		EventID:   e.ID,
		Title:     e.Title,
		Location:  e.Location,
		StartTime: e.StartTime,
		EndTime:   end,
		AllDay:    e.AllDay,
	}
}

// SyncReport aggregates the outcome of one sync run.
type SyncReport struct {
	SyncedEvents int       `json:"synced_events"`
	Created      int       `json:"created"`
	Updated      int       `json:"updated"`
	Deleted      int       `json:"deleted"`
	Errors       []string  `json:"errors"`
	LastSync     time.Time `json:"last_sync"`
}

// AddError appends a per-item error string without aborting the run.
func (r *SyncReport) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Settings keys used by the calendar subsystem (stored in the settings KV).
const (
	SettingCalendarSource  = "calendar_source"
	SettingSyncEnabled     = "calendar_sync_enabled"
	SettingSelectedCals    = "selected_calendars"
	SettingSyncPastDays    = "calendar_sync_range_past_days"
	SettingSyncFutureDays  = "calendar_sync_range_future_days"
	SettingSyncDirection   = "calendar_sync_direction"
	SettingCalDAVServerURL = "caldav_server_url"
	SettingCalDAVUsername  = "caldav_username"
	SettingCalDAVPassword  = "caldav_password"
	SettingLastSyncAt      = "last_sync_at"
	SettingLastSyncError   = "last_sync_error"
)

// Defaults for the pull window.
const (
	DefaultSyncPastDays   = 30
	DefaultSyncFutureDays = 90
)

// FingerprintETag builds a weak local etag for payloads saved to servers that
// do not return one on PUT.
func FingerprintETag(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:8])
}
