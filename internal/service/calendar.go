package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/agenda/internal/caldav"
	"github.com/and161185/agenda/internal/errs"
	"github.com/and161185/agenda/internal/expand"
	"github.com/and161185/agenda/internal/ics"
	"github.com/and161185/agenda/internal/model"
	"github.com/and161185/agenda/internal/repository"
)

// CalendarService implements the local calendar operations: CRUD on event
// rows, the agenda occurrence query, and the best-effort mirroring of single
// events to the configured CalDAV server. Remote failures never fail the
// local operation, they are logged and left for the next full sync run.
type CalendarService struct {
	events   repository.EventRepository
	settings *SettingsService
	notifier Notifier
	dial     Dialer
	logger   *zap.Logger
	eventMu  *keyedMutex
	now      func() time.Time
}

func NewCalendarService(events repository.EventRepository, settings *SettingsService, notifier Notifier, dial Dialer, logger *zap.Logger) *CalendarService {
	return &CalendarService{
		events:   events,
		settings: settings,
		notifier: notifier,
		dial:     dial,
		logger:   logger,
		eventMu:  newKeyedMutex(),
		now:      time.Now,
	}
}

func validateEvent(e *model.Event) error {
	if e.Title == "" {
		return fmt.Errorf("%w: title is required", errs.ErrInvalidEvent)
	}
	if e.StartTime.IsZero() {
		return fmt.Errorf("%w: start time is required", errs.ErrInvalidEvent)
	}
	if e.EndTime != nil && !e.EndTime.After(e.StartTime) {
		return fmt.Errorf("%w: end time must be after start time", errs.ErrInvalidEvent)
	}
	if (e.RecurringEventID == "") != (e.RecurrenceID == "") {
		return fmt.Errorf("%w: exception needs both parent id and recurrence id", errs.ErrInvalidEvent)
	}
	if e.RecurringEventID != "" && e.RRule != "" {
		return fmt.Errorf("%w: exception must not carry its own recurrence rule", errs.ErrInvalidEvent)
	}
	return nil
}

// Create stores a new event and mirrors it to CalDAV when export is enabled.
func (s *CalendarService) Create(ctx context.Context, e *model.Event) (*model.Event, error) {
	if err := validateEvent(e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = model.NewEventID()
	}
	if e.CalendarSource == "" {
		e.CalendarSource = model.SourceLocal
	}
	now := s.now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := s.events.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	notify(ctx, s.notifier, s.logger, NotifyEventCreated, e)
	s.pushOne(ctx, e)
	return e, nil
}

// Get loads one event row by id.
func (s *CalendarService) Get(ctx context.Context, id string) (*model.Event, error) {
	return s.events.Get(ctx, id)
}

// Update applies the user-editable fields of e to the stored row. Sync
// bookkeeping columns are preserved from the stored row.
func (s *CalendarService) Update(ctx context.Context, e *model.Event) (*model.Event, error) {
	cur, err := s.events.Get(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	cur.Title = e.Title
	cur.Description = e.Description
	cur.Location = e.Location
	cur.StartTime = e.StartTime
	cur.EndTime = e.EndTime
	cur.AllDay = e.AllDay
	cur.OriginalTimezone = e.OriginalTimezone
	cur.RRule = e.RRule
	cur.UpdatedAt = s.now().UTC()
	if err := validateEvent(cur); err != nil {
		return nil, err
	}
	if err := s.events.Update(ctx, cur); err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	notify(ctx, s.notifier, s.logger, NotifyEventUpdated, cur)
	if cur.Synced() {
		s.updateRemote(ctx, cur)
	} else {
		s.pushOne(ctx, cur)
	}
	return cur, nil
}

// Delete removes an event. Deleting a recurring master removes the whole
// series including its exception rows.
func (s *CalendarService) Delete(ctx context.Context, id string) error {
	e, err := s.events.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Role() == model.RoleMaster {
		return s.deleteSeries(ctx, e)
	}
	s.deleteRemote(ctx, e)
	if err := s.events.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	notify(ctx, s.notifier, s.logger, NotifyEventDeleted, map[string]string{"id": id})
	return nil
}

// DeleteSeries removes a recurring master and all of its exceptions.
func (s *CalendarService) DeleteSeries(ctx context.Context, masterID string) error {
	e, err := s.events.Get(ctx, masterID)
	if err != nil {
		return err
	}
	if e.Role() != model.RoleMaster {
		return fmt.Errorf("%w: %s is not a recurring master", errs.ErrInvalidEvent, masterID)
	}
	return s.deleteSeries(ctx, e)
}

func (s *CalendarService) deleteSeries(ctx context.Context, master *model.Event) error {
	// One remote delete covers the whole series: the exceptions live as
	// overrides inside the master's resource.
	s.deleteRemote(ctx, master)
	if err := s.events.DeleteExceptions(ctx, master.ID); err != nil {
		return fmt.Errorf("delete exceptions: %w", err)
	}
	if err := s.events.Delete(ctx, master.ID); err != nil {
		return fmt.Errorf("delete master: %w", err)
	}
	notify(ctx, s.notifier, s.logger, NotifyEventDeleted, map[string]string{"id": master.ID})
	return nil
}

// Occurrences answers the agenda query: concrete event entries inside
// [start, end), recurring series expanded. A master whose rule fails to
// expand degrades to a single entry so the series stays visible.
func (s *CalendarService) Occurrences(ctx context.Context, start, end time.Time, limit, offset int) ([]model.Occurrence, error) {
	simples, err := s.events.ListSimpleInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	occ := make([]model.Occurrence, 0, len(simples))
	for i := range simples {
		occ = append(occ, model.OccurrenceOf(&simples[i]))
	}

	masters, err := s.events.ListMasters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recurring masters: %w", err)
	}
	for i := range masters {
		m := &masters[i]
		excs, err := s.events.ListExceptions(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("list exceptions for %s: %w", m.ID, err)
		}
		got, err := expand.Expand(m, excs, start, end)
		if err != nil {
			s.logger.Warn("recurrence expansion failed",
				zap.String("event_id", m.ID), zap.String("rrule", m.RRule), zap.Error(err))
			occ = append(occ, model.OccurrenceOf(m))
			continue
		}
		occ = append(occ, got...)
	}

	sort.Slice(occ, func(i, j int) bool {
		if !occ[i].StartTime.Equal(occ[j].StartTime) {
			return occ[i].StartTime.Before(occ[j].StartTime)
		}
		return occ[i].ID < occ[j].ID
	})

	if offset > 0 {
		if offset >= len(occ) {
			return []model.Occurrence{}, nil
		}
		occ = occ[offset:]
	}
	if limit > 0 && limit < len(occ) {
		occ = occ[:limit]
	}
	return occ, nil
}

// pushConfig loads the sync settings and reports whether single-event pushes
// are currently allowed.
func (s *CalendarService) pushConfig(ctx context.Context) (*SyncConfig, bool) {
	cfg, err := s.settings.SyncConfig(ctx)
	if err != nil {
		s.logger.Warn("load sync settings failed", zap.Error(err))
		return nil, false
	}
	if cfg.Source != model.SourceCalDAV || !cfg.SyncEnabled || !cfg.SyncDirection.AllowsPush() || cfg.ServerURL == "" {
		return nil, false
	}
	return cfg, true
}

// pushOne uploads a not-yet-synced event to the first selected calendar and
// records the sync bookkeeping on success. Failures are logged only.
func (s *CalendarService) pushOne(ctx context.Context, e *model.Event) {
	cfg, ok := s.pushConfig(ctx)
	if !ok {
		return
	}
	unlock := s.eventMu.lock(e.ID)
	defer unlock()

	remote, err := s.dial(ctx, dialConfig(cfg))
	if err != nil {
		s.logger.Warn("caldav connect failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	calendars := selectCalendars(remote.Calendars(), cfg.SelectedCalendars)
	if len(calendars) == 0 {
		s.logger.Warn("no caldav calendar to push to", zap.String("event_id", e.ID))
		return
	}
	target := calendars[0]

	cal, err := ics.Serialize(e)
	if err != nil {
		s.logger.Warn("serialize event failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	uid := ics.UID(e)
	href, etag, err := remote.Put(ctx, caldav.ObjectPath(target.Path, uid), cal)
	if err != nil {
		s.logger.Warn("caldav put failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	if etag == "" {
		if data, encErr := ics.Encode(cal); encErr == nil {
			etag = model.FingerprintETag(data)
		}
	}
	now := s.now().UTC()
	e.ExternalID = uid
	e.CalDAVHref = href
	e.ETag = etag
	e.CalendarSource = model.SourceCalDAV
	e.CalendarID = target.Path
	e.SyncedAt = &now
	if err := s.events.Update(ctx, e); err != nil {
		s.logger.Warn("record pushed event failed", zap.String("event_id", e.ID), zap.Error(err))
	}
}

// updateRemote rewrites the event's component inside its CalDAV resource.
// For an exception only its override component is replaced, the master and
// the other overrides in the resource stay untouched.
func (s *CalendarService) updateRemote(ctx context.Context, e *model.Event) {
	cfg, ok := s.pushConfig(ctx)
	if !ok || e.CalDAVHref == "" {
		return
	}
	unlock := s.eventMu.lock(e.ID)
	defer unlock()

	remote, err := s.dial(ctx, dialConfig(cfg))
	if err != nil {
		s.logger.Warn("caldav connect failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	obj, err := remote.Get(ctx, e.CalDAVHref)
	if err != nil {
		s.logger.Warn("caldav get failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	if err := ics.UpdateComponent(obj.Data, e); err != nil {
		s.logger.Warn("update calendar component failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	_, etag, err := remote.Put(ctx, e.CalDAVHref, obj.Data)
	if err != nil {
		s.logger.Warn("caldav put failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	if etag == "" {
		if data, encErr := ics.Encode(obj.Data); encErr == nil {
			etag = model.FingerprintETag(data)
		}
	}
	now := s.now().UTC()
	e.ETag = etag
	e.SyncedAt = &now
	if err := s.events.Update(ctx, e); err != nil {
		s.logger.Warn("record updated event failed", zap.String("event_id", e.ID), zap.Error(err))
	}
}

// deleteRemote removes the event's resource from the server. Failures are
// logged only, the row is deleted locally regardless.
func (s *CalendarService) deleteRemote(ctx context.Context, e *model.Event) {
	cfg, ok := s.pushConfig(ctx)
	if !ok || !e.Synced() || e.CalDAVHref == "" {
		return
	}
	unlock := s.eventMu.lock(e.ID)
	defer unlock()

	remote, err := s.dial(ctx, dialConfig(cfg))
	if err != nil {
		s.logger.Warn("caldav connect failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	if err := remote.Delete(ctx, e.CalDAVHref); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return
		}
		s.logger.Warn("caldav delete failed", zap.String("event_id", e.ID), zap.Error(err))
	}
}
