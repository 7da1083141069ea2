// Package expand turns a recurring master event plus its exception set into
// concrete occurrences for a time window. Pure computation, no I/O.
package expand

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/and161185/agenda/internal/model"
)

// maxOccurrences caps a single expansion so a pathological rule cannot
// produce an unbounded result set.
const maxOccurrences = 10000

// ErrNotRecurring is returned when the event carries no recurrence rule.
var ErrNotRecurring = errors.New("expand: event has no rrule")

// Expand enumerates the occurrences of master within [rangeStart, rangeEnd),
// substituting persisted exception rows for the slots they override and
// appending in-range exceptions whose slot the rule never produced (an
// override may move an occurrence far outside the naive rule output).
//
// When master.OriginalTimezone is set, the rule is evaluated on the wall
// clock of that zone so occurrences keep their local time across DST
// transitions; results are always returned in UTC.
//
// A malformed rule or unknown zone yields an error; the caller decides the
// degraded behavior (the calendar service emits the unexpanded master).
func Expand(master *model.Event, exceptions []model.Event, rangeStart, rangeEnd time.Time) ([]model.Occurrence, error) {
	if master.RRule == "" {
		return nil, ErrNotRecurring
	}

	loc := time.UTC
	if master.OriginalTimezone != "" {
		l, err := time.LoadLocation(master.OriginalTimezone)
		if err != nil {
			return nil, fmt.Errorf("expand: event %s: %w", master.ID, err)
		}
		loc = l
	}

	opt, err := rrule.StrToROption(strings.TrimPrefix(master.RRule, "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("expand: event %s: %w", master.ID, err)
	}
	// Wall-clock start in the event's own zone. rrule-go iterates calendar
	// fields in the Dtstart location, which is exactly the DST behavior
	// required: 11:00 America/New_York stays 11:00 local year-round.
	opt.Dtstart = master.StartTime.In(loc)
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("expand: event %s: %w", master.ID, err)
	}

	byKey := make(map[string]*model.Event, len(exceptions))
	for i := range exceptions {
		byKey[exceptions[i].RecurrenceID] = &exceptions[i]
	}

	duration := master.Duration()
	starts := rule.Between(rangeStart.In(loc), rangeEnd.In(loc), true)
	if len(starts) > maxOccurrences {
		starts = starts[:maxOccurrences]
	}

	out := make([]model.Occurrence, 0, len(starts))
	emitted := make(map[string]struct{}, len(exceptions))

	for _, start := range starts {
		startUTC := start.UTC()
		// rrule-go's Between is closed on both ends; the window is
		// half-open like the store's range queries.
		if !startUTC.Before(rangeEnd) {
			continue
		}
		if exc, ok := byKey[model.RecurrenceKey(startUTC)]; ok {
			// The override consumes the slot even when its new start
			// falls outside the window; it is emitted below only if
			// the moved start itself lands in range.
			emitted[exc.ID] = struct{}{}
			if !exc.StartTime.Before(rangeStart) && exc.StartTime.Before(rangeEnd) {
				out = append(out, model.OccurrenceOf(exc))
			}
			continue
		}
		out = append(out, model.Occurrence{
			ID:        model.VirtualInstanceID(master.ID, startUTC),
			EventID:   master.ID,
			Title:     master.Title,
			Location:  master.Location,
			StartTime: startUTC,
			EndTime:   startUTC.Add(duration),
			AllDay:    master.AllDay,
			Virtual:   true,
		})
	}

	// Overrides moved outside the naive rule output still belong to the
	// window their new start falls into.
	for i := range exceptions {
		exc := &exceptions[i]
		if _, ok := emitted[exc.ID]; ok {
			continue
		}
		if exc.StartTime.Before(rangeStart) || !exc.StartTime.Before(rangeEnd) {
			continue
		}
		out = append(out, model.OccurrenceOf(exc))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}
