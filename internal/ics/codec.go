// Package ics translates between the local event representation and RFC-5545
// VEVENT components.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/and161185/agenda/internal/model"
)

// ParsedEvent is the normalized representation of one VEVENT component.
// All timestamps are UTC-aware; naive values are treated as UTC.
type ParsedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    *time.Time
	AllDay bool
	// Timezone is the TZID parameter of DTSTART, when present.
	Timezone string

	RRule string
	// RecurrenceID is set when this component overrides one occurrence of a
	// recurring series.
	RecurrenceID *time.Time
}

// IsOverride reports whether the component carries a RECURRENCE-ID.
func (p *ParsedEvent) IsOverride() bool { return p.RecurrenceID != nil }

// SplitCalendar parses every VEVENT in a calendar object and separates the
// master component from the RECURRENCE-ID exception components it bundles.
func SplitCalendar(cal *ical.Calendar) (master *ParsedEvent, overrides []ParsedEvent, err error) {
	for _, ve := range cal.Events() {
		p, perr := parseEvent(&ve)
		if perr != nil {
			return nil, nil, perr
		}
		if p.IsOverride() {
			overrides = append(overrides, *p)
			continue
		}
		if master != nil {
			return nil, nil, fmt.Errorf("ics: multiple master components (uid %s)", p.UID)
		}
		master = p
	}
	if master == nil && len(overrides) == 0 {
		return nil, nil, errors.New("ics: no VEVENT components")
	}
	return master, overrides, nil
}

func parseEvent(ve *ical.Event) (*ParsedEvent, error) {
	out := &ParsedEvent{}

	uid := ve.Props.Get(ical.PropUID)
	if uid == nil || uid.Value == "" {
		return nil, errors.New("ics: VEVENT missing UID")
	}
	out.UID = uid.Value

	if p := ve.Props.Get(ical.PropSummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.Props.Get(ical.PropDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.Props.Get(ical.PropLocation); p != nil {
		out.Location = p.Value
	}

	dtstart := ve.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("ics: VEVENT %s missing DTSTART", out.UID)
	}
	start, err := dtstart.DateTime(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("ics: VEVENT %s: %w", out.UID, err)
	}
	out.Start = start.UTC()

	// All-day events use a DATE value; some producers omit the VALUE param,
	// so also treat a value without a time part as a date.
	if dtstart.ValueType() == ical.ValueDate || !strings.Contains(dtstart.Value, "T") {
		out.AllDay = true
	}
	out.Timezone = dtstart.Params.Get(ical.ParamTimezoneID)

	if dtend := ve.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err := dtend.DateTime(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("ics: VEVENT %s: %w", out.UID, err)
		}
		endUTC := end.UTC()
		out.End = &endUTC
	}

	if p := ve.Props.Get(ical.PropRecurrenceRule); p != nil {
		out.RRule = p.Value
	}
	if p := ve.Props.Get(ical.PropRecurrenceID); p != nil {
		rid, err := p.DateTime(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("ics: VEVENT %s: %w", out.UID, err)
		}
		ridUTC := rid.UTC()
		out.RecurrenceID = &ridUTC
	}

	return out, nil
}

// Serialize renders a local event as a single-VEVENT calendar object.
// It round-trips UID, RRULE, all-day vs timed shape and the
// timezone-qualified start time.
func Serialize(e *model.Event) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//agenda//calendar//EN")

	ve, err := serializeEvent(e)
	if err != nil {
		return nil, err
	}
	cal.Children = append(cal.Children, ve.Component)
	return cal, nil
}

func serializeEvent(e *model.Event) (*ical.Event, error) {
	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, UID(e))
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetText(ical.PropSummary, e.Title)
	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}

	if e.AllDay {
		setDate(ve.Props, ical.PropDateTimeStart, e.StartTime)
		if e.EndTime != nil {
			setDate(ve.Props, ical.PropDateTimeEnd, *e.EndTime)
		}
	} else {
		loc := time.UTC
		if e.OriginalTimezone != "" {
			l, err := time.LoadLocation(e.OriginalTimezone)
			if err != nil {
				return nil, fmt.Errorf("ics: event %s: %w", e.ID, err)
			}
			loc = l
		}
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.StartTime.In(loc))
		if e.EndTime != nil {
			ve.Props.SetDateTime(ical.PropDateTimeEnd, e.EndTime.In(loc))
		}
	}

	if e.RRule != "" {
		// RECUR is a structured value: SetText would escape the
		// semicolons between rule parts, so set it verbatim.
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = strings.TrimPrefix(e.RRule, "RRULE:")
		ve.Props.Set(p)
	}
	if e.RecurrenceID != "" {
		rid, err := time.Parse(time.RFC3339, e.RecurrenceID)
		if err != nil {
			return nil, fmt.Errorf("ics: event %s recurrence_id: %w", e.ID, err)
		}
		ve.Props.SetDateTime(ical.PropRecurrenceID, rid.UTC())
	}
	return ve, nil
}

func setDate(props ical.Props, name string, t time.Time) {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueDate)
	p.Value = t.UTC().Format("20060102")
	props.Set(p)
}

// UpdateComponent rewrites the mutable fields of the component inside cal
// that corresponds to e: the master component when e is a plain event or
// series master, or the matching RECURRENCE-ID component when e is that
// instance. Other components are left untouched.
func UpdateComponent(cal *ical.Calendar, e *model.Event) error {
	var wantRID time.Time
	if e.RecurrenceID != "" {
		rid, err := time.Parse(time.RFC3339, e.RecurrenceID)
		if err != nil {
			return fmt.Errorf("ics: event %s recurrence_id: %w", e.ID, err)
		}
		wantRID = rid.UTC()
	}

	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		ridProp := child.Props.Get(ical.PropRecurrenceID)
		if e.RecurrenceID == "" {
			if ridProp != nil {
				continue
			}
		} else {
			if ridProp == nil {
				continue
			}
			rid, err := ridProp.DateTime(time.UTC)
			if err != nil || !rid.UTC().Equal(wantRID) {
				continue
			}
		}

		fresh, err := serializeEvent(e)
		if err != nil {
			return err
		}
		// keep the published identity stable
		if uid := child.Props.Get(ical.PropUID); uid != nil {
			fresh.Props.SetText(ical.PropUID, uid.Value)
		}
		child.Props = fresh.Props
		return nil
	}
	return fmt.Errorf("ics: no matching component for event %s", e.ID)
}

// UID returns the identity an event is published under: the remote uid when
// the row is already correlated, the local id otherwise.
func UID(e *model.Event) string {
	if e.ExternalID != "" {
		return e.ExternalID
	}
	return e.ID
}

// Encode renders a calendar object as iCalendar text.
func Encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses iCalendar text.
func Decode(data []byte) (*ical.Calendar, error) {
	return ical.NewDecoder(bytes.NewReader(data)).Decode()
}
