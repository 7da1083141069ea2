package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"github.com/and161185/agenda/internal/caldav"
	"github.com/and161185/agenda/internal/errs"
	"github.com/and161185/agenda/internal/model"
	"github.com/and161185/agenda/internal/repository"
)

// memEventRepo is an in-memory EventRepository. Sync tests need real upsert
// semantics (second run must update, not create), so this is stateful rather
// than record-and-replay.
type memEventRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Event
}

var _ repository.EventRepository = (*memEventRepo)(nil)

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{rows: make(map[string]*model.Event)}
}

func (r *memEventRepo) clone(e *model.Event) *model.Event {
	cp := *e
	return &cp
}

func (r *memEventRepo) Create(_ context.Context, e *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[e.ID]; ok {
		return errs.ErrAlreadyExists
	}
	r.rows[e.ID] = r.clone(e)
	return nil
}

func (r *memEventRepo) Get(_ context.Context, id string) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return r.clone(e), nil
}

func (r *memEventRepo) GetByExternalID(_ context.Context, externalID string) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rows {
		if e.ExternalID == externalID && externalID != "" {
			return r.clone(e), nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *memEventRepo) Update(_ context.Context, e *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[e.ID]; !ok {
		return errs.ErrNotFound
	}
	r.rows[e.ID] = r.clone(e)
	return nil
}

func (r *memEventRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *memEventRepo) ListSimpleInRange(_ context.Context, start, end time.Time) ([]model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.rows {
		if e.RRule == "" && e.RecurringEventID == "" &&
			!e.StartTime.Before(start) && e.StartTime.Before(end) {
			out = append(out, *r.clone(e))
		}
	}
	return out, nil
}

func (r *memEventRepo) ListMasters(_ context.Context) ([]model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.rows {
		if e.RRule != "" && e.RecurringEventID == "" {
			out = append(out, *r.clone(e))
		}
	}
	return out, nil
}

func (r *memEventRepo) ListExceptions(_ context.Context, masterID string) ([]model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.rows {
		if e.RecurringEventID == masterID {
			out = append(out, *r.clone(e))
		}
	}
	return out, nil
}

func (r *memEventRepo) ListUnsynced(_ context.Context) ([]model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.rows {
		if e.CalendarSource == model.SourceLocal && e.ExternalID == "" && e.CalDAVHref == "" {
			out = append(out, *r.clone(e))
		}
	}
	return out, nil
}

func (r *memEventRepo) UpsertByExternalID(_ context.Context, e *model.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cur := range r.rows {
		if cur.ExternalID == e.ExternalID {
			keep := cur.ID
			cp := r.clone(e)
			cp.ID = keep
			r.rows[keep] = cp
			return false, nil
		}
	}
	r.rows[e.ID] = r.clone(e)
	return true, nil
}

func (r *memEventRepo) DeleteMissingRemote(_ context.Context, start, end time.Time, seen []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keep := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		keep[id] = struct{}{}
	}
	var n int64
	for id, e := range r.rows {
		if e.CalendarSource != model.SourceCalDAV || e.ExternalID == "" {
			continue
		}
		if e.StartTime.Before(start) || !e.StartTime.Before(end) {
			continue
		}
		if _, ok := keep[e.ExternalID]; ok {
			continue
		}
		delete(r.rows, id)
		n++
	}
	return n, nil
}

func (r *memEventRepo) DeleteExceptions(_ context.Context, masterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.rows {
		if e.RecurringEventID == masterID {
			delete(r.rows, id)
		}
	}
	return nil
}

func (r *memEventRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// memSettingsRepo is an in-memory SettingsRepository.
type memSettingsRepo struct {
	mu   sync.Mutex
	vals map[string]string
}

var _ repository.SettingsRepository = (*memSettingsRepo)(nil)

func newMemSettingsRepo(vals map[string]string) *memSettingsRepo {
	if vals == nil {
		vals = make(map[string]string)
	}
	return &memSettingsRepo{vals: vals}
}

func (r *memSettingsRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vals[key]
	if !ok {
		return "", errs.ErrNotFound
	}
	return v, nil
}

func (r *memSettingsRepo) GetAll(_ context.Context, keys []string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := r.vals[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (r *memSettingsRepo) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[key] = value
	return nil
}

// fakeRemote is a canned CalDAV account.
type fakeRemote struct {
	mu        sync.Mutex
	calendars []caldav.Calendar
	objects   map[string][]caldav.Object
	queryErr  map[string]error

	puts    []string
	putCals []*ical.Calendar
	putErr  error
	deletes []string
}

var _ Remote = (*fakeRemote)(nil)

func (f *fakeRemote) Calendars() []caldav.Calendar { return f.calendars }

func (f *fakeRemote) Query(_ context.Context, calendarPath string, _, _ time.Time) ([]caldav.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.queryErr[calendarPath]; err != nil {
		return nil, err
	}
	return append([]caldav.Object(nil), f.objects[calendarPath]...), nil
}

func (f *fakeRemote) Get(_ context.Context, href string) (*caldav.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, objs := range f.objects {
		for i := range objs {
			if objs[i].Path == href {
				return &objs[i], nil
			}
		}
	}
	return nil, fmt.Errorf("fake remote: %s not found", href)
}

func (f *fakeRemote) Put(_ context.Context, href string, cal *ical.Calendar) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", "", f.putErr
	}
	f.puts = append(f.puts, href)
	f.putCals = append(f.putCals, cal)
	return href, fmt.Sprintf("etag-%d", len(f.puts)), nil
}

func (f *fakeRemote) Delete(_ context.Context, href string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, href)
	return nil
}

// fakeNotifier records every notification.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, event string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *fakeNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// fakeBackoff is a canned endpoint limiter.
type fakeBackoff struct {
	allow    bool
	retry    time.Duration
	failures int
	resets   int
}

func (b *fakeBackoff) Allow(context.Context, string) (bool, time.Duration, error) {
	return b.allow, b.retry, nil
}

func (b *fakeBackoff) Success(context.Context, string) error {
	b.resets++
	return nil
}

func (b *fakeBackoff) Failure(context.Context, string) (bool, time.Duration, error) {
	b.failures++
	return false, 0, nil
}

// caldavSettings returns settings rows for an enabled bidirectional account.
func caldavSettings(direction model.SyncDirection) map[string]string {
	return map[string]string{
		model.SettingCalendarSource:  string(model.SourceCalDAV),
		model.SettingSyncEnabled:     "true",
		model.SettingCalDAVServerURL: "https://dav.example.net",
		model.SettingCalDAVUsername:  "alice",
		model.SettingCalDAVPassword:  "secret",
		model.SettingSyncDirection:   string(direction),
	}
}

func staticDialer(remote Remote, err error) Dialer {
	return func(context.Context, caldav.Config) (Remote, error) {
		return remote, err
	}
}
