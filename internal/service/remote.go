package service

import (
	"context"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"github.com/and161185/agenda/internal/caldav"
)

// Remote is the per-run view of a CalDAV account. *caldav.Session satisfies
// it; tests plug in fakes.
type Remote interface {
	Calendars() []caldav.Calendar
	Query(ctx context.Context, calendarPath string, start, end time.Time) ([]caldav.Object, error)
	Get(ctx context.Context, href string) (*caldav.Object, error)
	Put(ctx context.Context, href string, cal *ical.Calendar) (string, string, error)
	Delete(ctx context.Context, href string) error
}

// Dialer opens an authenticated CalDAV session.
type Dialer func(ctx context.Context, cfg caldav.Config) (Remote, error)

// DialCalDAV is the production Dialer.
func DialCalDAV(ctx context.Context, cfg caldav.Config) (Remote, error) {
	return caldav.Dial(ctx, cfg)
}

func dialConfig(cfg *SyncConfig) caldav.Config {
	return caldav.Config{
		ServerURL: cfg.ServerURL,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
}

// selectCalendars filters the discovered calendars down to the configured
// selection. An empty or stale selection falls back to every calendar.
func selectCalendars(all []caldav.Calendar, selected []string) []caldav.Calendar {
	if len(selected) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(selected))
	for _, s := range selected {
		want[s] = struct{}{}
	}
	var out []caldav.Calendar
	for _, c := range all {
		if _, ok := want[c.Path]; ok {
			out = append(out, c)
			continue
		}
		if _, ok := want[c.Name]; ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

// keyedMutex serializes remote operations per event id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*entryLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &entryLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
