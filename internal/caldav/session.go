// Package caldav wraps the DAV client behind a per-run session object.
// A Session is constructed for one sync run (or one single-event operation)
// and never shared as package state, so concurrent accounts stay isolated.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

// maxRedirects bounds the manual endpoint resolution walk.
const maxRedirects = 5

// dialTimeout covers individual DAV requests within a session.
const dialTimeout = 30 * time.Second

// Config carries the credentials for one account's server.
type Config struct {
	ServerURL string
	Username  string
	Password  string
}

// Calendar is a remote calendar collection.
type Calendar struct {
	Path string
	Name string
}

// Object is one remote calendar resource.
type Object struct {
	Path string
	ETag string
	Data *ical.Calendar
}

// Session is an authenticated connection to one CalDAV server with its
// calendar collections discovered.
type Session struct {
	client    *caldav.Client
	calendars []Calendar
}

// Dial resolves the real server endpoint, authenticates and discovers the
// account's calendars.
//
// Resolution walks redirects manually before the DAV client is built:
// some servers redirect cross-host in ways that make http.Client drop the
// Authorization header, which then looks like an auth failure.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("caldav: empty server url")
	}

	endpoint, err := resolveEndpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}

	httpClient := webdav.HTTPClientWithBasicAuth(
		&http.Client{Timeout: dialTimeout},
		cfg.Username, cfg.Password,
	)
	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav: client for %s: %w", endpoint, err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("caldav: principal discovery: %w", err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("caldav: calendar home set: %w", err)
	}
	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("caldav: calendar listing: %w", err)
	}

	s := &Session{client: client}
	for _, c := range cals {
		s.calendars = append(s.calendars, Calendar{Path: c.Path, Name: c.Name})
	}
	return s, nil
}

func resolveEndpoint(ctx context.Context, cfg Config) (string, error) {
	client := &http.Client{
		Timeout: dialTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	current := cfg.ServerURL
	for i := 0; i < maxRedirects; i++ {
		req, err := http.NewRequestWithContext(ctx, "PROPFIND", current, nil)
		if err != nil {
			return "", fmt.Errorf("caldav: bad server url %q: %w", current, err)
		}
		req.SetBasicAuth(cfg.Username, cfg.Password)
		req.Header.Set("Depth", "0")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("caldav: connect %s: %w", current, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			if loc == "" {
				return "", fmt.Errorf("caldav: redirect from %s without location", current)
			}
			next, err := resolveRef(current, loc)
			if err != nil {
				return "", err
			}
			current = next
		case http.StatusUnauthorized, http.StatusForbidden:
			return "", fmt.Errorf("caldav: authentication failed for %s (status %d)", current, resp.StatusCode)
		default:
			return current, nil
		}
	}
	return "", fmt.Errorf("caldav: too many redirects resolving %s", cfg.ServerURL)
}

func resolveRef(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("caldav: bad url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("caldav: bad redirect target %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// Calendars returns the discovered calendar collections.
func (s *Session) Calendars() []Calendar { return s.calendars }

// Query fetches VEVENT resources intersecting [start, end) from one calendar.
func (s *Session) Query(ctx context.Context, calendarPath string, start, end time.Time) ([]Object, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			Comps:    []caldav.CalendarCompRequest{{Name: "VEVENT", AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}

	objs, err := s.client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("caldav: query %s: %w", calendarPath, err)
	}

	out := make([]Object, 0, len(objs))
	for _, o := range objs {
		out = append(out, Object{Path: o.Path, ETag: o.ETag, Data: o.Data})
	}
	return out, nil
}

// Get fetches one resource by href.
func (s *Session) Get(ctx context.Context, href string) (*Object, error) {
	o, err := s.client.GetCalendarObject(ctx, href)
	if err != nil {
		return nil, fmt.Errorf("caldav: get %s: %w", href, err)
	}
	return &Object{Path: o.Path, ETag: o.ETag, Data: o.Data}, nil
}

// Put creates or overwrites one resource and returns its href and etag
// (etag may be empty when the server does not report one).
func (s *Session) Put(ctx context.Context, href string, cal *ical.Calendar) (string, string, error) {
	o, err := s.client.PutCalendarObject(ctx, href, cal)
	if err != nil {
		return "", "", fmt.Errorf("caldav: put %s: %w", href, err)
	}
	outPath := o.Path
	if outPath == "" {
		outPath = href
	}
	return outPath, o.ETag, nil
}

// Delete removes one resource by href.
func (s *Session) Delete(ctx context.Context, href string) error {
	if err := s.client.RemoveAll(ctx, href); err != nil {
		return fmt.Errorf("caldav: delete %s: %w", href, err)
	}
	return nil
}

// ObjectPath builds the resource href for a uid inside a calendar collection.
func ObjectPath(calendarPath, uid string) string {
	return path.Join(calendarPath, uid) + ".ics"
}
