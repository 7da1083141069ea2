package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/agenda/internal/caldav"
	"github.com/and161185/agenda/internal/errs"
	"github.com/and161185/agenda/internal/ics"
	"github.com/and161185/agenda/internal/limiter"
	"github.com/and161185/agenda/internal/model"
	"github.com/and161185/agenda/internal/repository"
)

// SyncService runs the bidirectional CalDAV reconciliation. A run walks
// fixed phases: connect, push local-only events, pull the configured window,
// reconcile deletions, then persist the outcome. Per-item failures are
// collected into the report and never abort the run.
type SyncService struct {
	events   repository.EventRepository
	settings *SettingsService
	notifier Notifier
	dial     Dialer
	backoff  limiter.Limiter
	logger   *zap.Logger
	now      func() time.Time

	runMu sync.Mutex
}

// NewSyncService wires a sync engine. backoff may be nil to disable the
// endpoint cooldown.
func NewSyncService(events repository.EventRepository, settings *SettingsService, notifier Notifier, dial Dialer, backoff limiter.Limiter, logger *zap.Logger) *SyncService {
	return &SyncService{
		events:   events,
		settings: settings,
		notifier: notifier,
		dial:     dial,
		backoff:  backoff,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes one sync pass. Only one run is active at a time: a concurrent
// call returns errs.ErrSyncRunning without touching anything. Configuration
// and connection failures end the run early with the cause in the report.
func (s *SyncService) Run(ctx context.Context) (*model.SyncReport, error) {
	if !s.runMu.TryLock() {
		return nil, errs.ErrSyncRunning
	}
	defer s.runMu.Unlock()

	started := s.now().UTC()
	report := &model.SyncReport{LastSync: started}

	cfg, err := s.settings.SyncConfig(ctx)
	if err != nil {
		report.AddError("load sync settings: %v", err)
		return report, nil
	}
	if cfg.Source != model.SourceCalDAV || !cfg.SyncEnabled {
		report.AddError("%v: caldav sync is disabled", errs.ErrNotConfigured)
		s.finish(ctx, started, report)
		return report, nil
	}
	if cfg.ServerURL == "" || cfg.Username == "" {
		report.AddError("%v: caldav server or credentials missing", errs.ErrNotConfigured)
		s.finish(ctx, started, report)
		return report, nil
	}

	if s.backoff != nil {
		ok, retry, err := s.backoff.Allow(ctx, cfg.ServerURL)
		if err != nil {
			s.logger.Warn("backoff check failed", zap.Error(err))
		} else if !ok {
			report.AddError("%s is cooling down, retry in %s", cfg.ServerURL, retry.Round(time.Second))
			s.finish(ctx, started, report)
			return report, nil
		}
	}

	remote, err := s.dial(ctx, dialConfig(cfg))
	if err != nil {
		report.AddError("connect %s: %v", cfg.ServerURL, err)
		if s.backoff != nil {
			if _, _, ferr := s.backoff.Failure(ctx, cfg.ServerURL); ferr != nil {
				s.logger.Warn("record endpoint failure", zap.Error(ferr))
			}
		}
		s.finish(ctx, started, report)
		return report, nil
	}
	if s.backoff != nil {
		if err := s.backoff.Success(ctx, cfg.ServerURL); err != nil {
			s.logger.Warn("reset endpoint backoff", zap.Error(err))
		}
	}
	calendars := selectCalendars(remote.Calendars(), cfg.SelectedCalendars)
	if len(calendars) == 0 {
		report.AddError("no calendars found at %s", cfg.ServerURL)
		s.finish(ctx, started, report)
		return report, nil
	}

	if cfg.SyncDirection.AllowsPush() {
		s.push(ctx, remote, calendars[0], report)
	}

	if cfg.SyncDirection.AllowsPull() {
		windowStart := started.AddDate(0, 0, -cfg.SyncPastDays)
		windowEnd := started.AddDate(0, 0, cfg.SyncFutureDays)
		seen := make(map[string]struct{})
		complete := true
		for _, cal := range calendars {
			if !s.pull(ctx, remote, cal, windowStart, windowEnd, seen, report) {
				complete = false
			}
		}
		// Deletion reconciliation needs the full remote picture: a failed
		// calendar query would make untouched events look deleted.
		if complete {
			seenIDs := make([]string, 0, len(seen))
			for id := range seen {
				seenIDs = append(seenIDs, id)
			}
			deleted, err := s.events.DeleteMissingRemote(ctx, windowStart, windowEnd, seenIDs)
			if err != nil {
				report.AddError("reconcile deletions: %v", err)
			} else {
				report.Deleted = int(deleted)
			}
		}
	}

	report.SyncedEvents = report.Created + report.Updated
	s.finish(ctx, started, report)
	notify(ctx, s.notifier, s.logger, NotifySyncCompleted, report)
	s.logger.Info("sync completed",
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("deleted", report.Deleted),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// finish persists the run outcome into the settings rows.
func (s *SyncService) finish(ctx context.Context, at time.Time, report *model.SyncReport) {
	if err := s.settings.RecordSyncOutcome(ctx, at, strings.Join(report.Errors, "; ")); err != nil {
		s.logger.Warn("record sync outcome failed", zap.Error(err))
	}
}

// push uploads events that exist only locally to the target calendar and
// records their sync bookkeeping.
func (s *SyncService) push(ctx context.Context, remote Remote, target caldav.Calendar, report *model.SyncReport) {
	locals, err := s.events.ListUnsynced(ctx)
	if err != nil {
		report.AddError("list local events: %v", err)
		return
	}
	now := s.now().UTC()
	for i := range locals {
		e := &locals[i]
		cal, err := ics.Serialize(e)
		if err != nil {
			report.AddError("serialize %s: %v", e.ID, err)
			continue
		}
		uid := ics.UID(e)
		href, etag, err := remote.Put(ctx, caldav.ObjectPath(target.Path, uid), cal)
		if err != nil {
			report.AddError("push %s: %v", e.ID, err)
			continue
		}
		if etag == "" {
			if data, encErr := ics.Encode(cal); encErr == nil {
				etag = model.FingerprintETag(data)
			}
		}
		e.ExternalID = uid
		e.CalDAVHref = href
		e.ETag = etag
		e.CalendarSource = model.SourceCalDAV
		e.CalendarID = target.Path
		e.SyncedAt = &now
		if err := s.events.Update(ctx, e); err != nil {
			report.AddError("record pushed %s: %v", e.ID, err)
			continue
		}
		report.Created++
	}
}

// pull fetches one calendar's events inside the window and upserts them.
// Returns false when the calendar query itself failed.
func (s *SyncService) pull(ctx context.Context, remote Remote, cal caldav.Calendar, start, end time.Time, seen map[string]struct{}, report *model.SyncReport) bool {
	objs, err := remote.Query(ctx, cal.Path, start, end)
	if err != nil {
		report.AddError("query %s: %v", cal.Path, err)
		return false
	}
	for i := range objs {
		s.applyObject(ctx, cal, &objs[i], seen, report)
	}
	return true
}

// applyObject reconciles one remote resource: the master component maps to
// one row keyed by its UID, each override maps to an exception row keyed by
// UID plus recurrence id. The server copy wins over local edits.
func (s *SyncService) applyObject(ctx context.Context, cal caldav.Calendar, obj *caldav.Object, seen map[string]struct{}, report *model.SyncReport) {
	master, overrides, err := ics.SplitCalendar(obj.Data)
	if err != nil {
		report.AddError("parse %s: %v", obj.Path, err)
		return
	}
	now := s.now().UTC()

	var uid, masterRowID string
	switch {
	case master != nil:
		uid = master.UID
		e := remoteEvent(master, cal, obj, now)
		created, err := s.events.UpsertByExternalID(ctx, e)
		if err != nil {
			report.AddError("store %s: %v", uid, err)
			return
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
		seen[uid] = struct{}{}
		row, err := s.events.GetByExternalID(ctx, uid)
		if err != nil {
			report.AddError("reload %s: %v", uid, err)
			return
		}
		masterRowID = row.ID
	case len(overrides) > 0:
		// A resource carrying only overrides: the master must already be
		// known locally from an earlier pull.
		uid = overrides[0].UID
		row, err := s.events.GetByExternalID(ctx, uid)
		if err != nil {
			report.AddError("override without master %s: %v", uid, err)
			return
		}
		masterRowID = row.ID
		seen[uid] = struct{}{}
	default:
		return
	}

	for i := range overrides {
		ov := &overrides[i]
		if ov.RecurrenceID == nil {
			continue
		}
		rid := model.RecurrenceKey(*ov.RecurrenceID)
		e := remoteEvent(ov, cal, obj, now)
		e.RRule = ""
		e.RecurringEventID = masterRowID
		e.RecurrenceID = rid
		e.ExternalID = model.ExceptionExternalID(uid, rid)
		created, err := s.events.UpsertByExternalID(ctx, e)
		if err != nil {
			report.AddError("store exception %s: %v", e.ExternalID, err)
			continue
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
		seen[e.ExternalID] = struct{}{}
	}
}

// remoteEvent maps a parsed VEVENT onto an event row. The generated id is
// used only when the upsert inserts a new row.
func remoteEvent(p *ics.ParsedEvent, cal caldav.Calendar, obj *caldav.Object, now time.Time) *model.Event {
	title := p.Summary
	if title == "" {
		title = fmt.Sprintf("(untitled %s)", p.UID)
	}
	return &model.Event{
		ID:               model.NewEventID(),
		Title:            title,
		Description:      p.Description,
		Location:         p.Location,
		StartTime:        p.Start,
		EndTime:          p.End,
		AllDay:           p.AllDay,
		OriginalTimezone: p.Timezone,
		RRule:            p.RRule,
		CalendarSource:   model.SourceCalDAV,
		CalendarID:       cal.Path,
		ExternalID:       p.UID,
		CalDAVHref:       obj.Path,
		ETag:             obj.ETag,
		SyncedAt:         &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
