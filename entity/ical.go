package entity

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// ParseICS reads an iCalendar stream and returns the contained events as
// master entities with their override children attached. Components other
// than VEVENT/VTODO/VJOURNAL are skipped.
func ParseICS(r io.Reader) ([]*Event, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	masters := make(map[string]*Event)
	var order []string
	var overrides []*Event

	for _, comp := range cal.Children {
		switch comp.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
		default:
			continue
		}
		ev, err := EventFromComponent(comp)
		if err != nil {
			return nil, err
		}
		if ev.RecurrenceID != "" {
			ev.IsOverride = true
			overrides = append(overrides, ev)
			continue
		}
		if _, seen := masters[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		masters[ev.UID] = ev
	}

	for _, ov := range overrides {
		master, ok := masters[ov.UID]
		if !ok {
			return nil, fmt.Errorf("override %s references unknown uid %q", ov.RecurrenceID, ov.UID)
		}
		master.Overrides = append(master.Overrides, ov)
	}

	events := make([]*Event, 0, len(order))
	for _, uid := range order {
		ev := masters[uid]
		// ICS carries no storage location. Derive a stable href from the
		// UID so every event keys its own documents.
		ev.Href = "/" + url.PathEscape(ev.UID) + ".ics"
		ev.ColPath = "/"
		for _, ov := range ev.Overrides {
			ov.Href = ev.Href
			ov.ColPath = ev.ColPath
		}
		events = append(events, ev)
	}
	return events, nil
}

// EventFromComponent maps a single VEVENT-like component to an Event.
func EventFromComponent(comp *ical.Component) (*Event, error) {
	ev := &Event{}

	switch comp.Name {
	case ical.CompToDo:
		ev.EntityType = TypeTodo
	case ical.CompJournal:
		ev.EntityType = TypeJournal
	default:
		ev.EntityType = TypeEvent
	}

	if p := comp.Props.Get(ical.PropUID); p != nil {
		ev.UID = p.Value
	}
	if ev.UID == "" {
		return nil, fmt.Errorf("component %s has no UID", comp.Name)
	}
	ev.Summary = propValue(comp, ical.PropSummary)
	ev.Description = propValue(comp, ical.PropDescription)
	ev.Status = propValue(comp, ical.PropStatus)
	ev.Class = propValue(comp, "CLASS")
	ev.Transparency = propValue(comp, "TRANSP")
	ev.Duration = propValue(comp, ical.PropDuration)
	ev.Created = propValue(comp, "CREATED")
	ev.LastModified = propValue(comp, ical.PropLastModified)
	ev.DTStamp = propValue(comp, ical.PropDateTimeStamp)

	if v := propValue(comp, "PRIORITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ev.Priority = n
		}
	}
	if v := propValue(comp, "SEQUENCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ev.Sequence = n
		}
	}

	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		dt, err := dateTimeFromProp(p)
		if err != nil {
			return nil, fmt.Errorf("uid %s: DTSTART: %w", ev.UID, err)
		}
		ev.Start = dt
	}
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		dt, err := dateTimeFromProp(p)
		if err != nil {
			return nil, fmt.Errorf("uid %s: DTEND: %w", ev.UID, err)
		}
		ev.End = dt
	} else if p := comp.Props.Get(ical.PropDue); p != nil {
		dt, err := dateTimeFromProp(p)
		if err != nil {
			return nil, fmt.Errorf("uid %s: DUE: %w", ev.UID, err)
		}
		ev.End = dt
	}
	if ev.End.IsZero() && !ev.Start.IsZero() {
		// Default duration: one day for date-only, instantaneous otherwise.
		if ev.Start.DateOnly {
			end, err := ev.Start.Shift(24 * time.Hour)
			if err == nil {
				ev.End = end
			}
		} else {
			ev.End = ev.Start
		}
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil && p.Value != "" {
		ev.RRules = append(ev.RRules, p.Value)
	}
	for _, p := range comp.Props["RDATE"] {
		ev.RDates = append(ev.RDates, dateListFromProp(&p)...)
	}
	for _, p := range comp.Props["EXDATE"] {
		ev.ExDates = append(ev.ExDates, dateListFromProp(&p)...)
	}
	if p := comp.Props.Get("RECURRENCE-ID"); p != nil && p.Value != "" {
		rid, err := dateTimeFromProp(p)
		if err != nil {
			return nil, fmt.Errorf("uid %s: RECURRENCE-ID: %w", ev.UID, err)
		}
		if rid.DateOnly {
			ev.RecurrenceID = rid.Local
		} else {
			ev.RecurrenceID = rid.UTC
		}
	}

	if p := comp.Props.Get("GEO"); p != nil && p.Value != "" {
		if geo, ok := parseGeo(p.Value); ok {
			ev.Geo = mo.Some(geo)
		}
	}
	ev.LocationHref = propValue(comp, ical.PropLocation)
	ev.Link = propValue(comp, "URL")

	if p := comp.Props.Get("ORGANIZER"); p != nil {
		ev.Organizer = &Organizer{
			CalAddress: p.Value,
			CN:         paramValue(p, "CN"),
		}
	}
	for _, p := range comp.Props[ical.PropAttendee] {
		ev.Attendees = append(ev.Attendees, Attendee{
			CalAddress: p.Value,
			CN:         paramValue(&p, "CN"),
			Role:       paramValue(&p, "ROLE"),
			PartStat:   paramValue(&p, "PARTSTAT"),
			RSVP:       strings.EqualFold(paramValue(&p, "RSVP"), "TRUE"),
		})
	}
	for _, p := range comp.Props[ical.PropCategories] {
		for _, word := range strings.Split(p.Value, ",") {
			word = strings.TrimSpace(word)
			if word != "" {
				ev.Categories = append(ev.Categories, Ref{Value: word})
			}
		}
	}

	for _, child := range comp.Children {
		if child.Name != "VALARM" {
			continue
		}
		ev.Alarms = append(ev.Alarms, alarmFromComponent(child))
	}

	for name, props := range comp.Props {
		if !strings.HasPrefix(name, "X-") {
			continue
		}
		for _, p := range props {
			ev.XProps = append(ev.XProps, XProperty{
				Name:   name,
				Params: encodeParams(p.Params),
				Value:  p.Value,
			})
		}
	}

	return ev, nil
}

func alarmFromComponent(comp *ical.Component) Alarm {
	alarm := Alarm{
		Action:      propValue(comp, "ACTION"),
		Description: propValue(comp, ical.PropDescription),
		Duration:    propValue(comp, ical.PropDuration),
	}
	if v := propValue(comp, "REPEAT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			alarm.RepeatCount = n
		}
	}
	if p := comp.Props.Get("TRIGGER"); p != nil {
		if strings.EqualFold(paramValue(p, "VALUE"), "DATE-TIME") {
			if dt, err := dateTimeFromProp(p); err == nil {
				alarm.TriggerAbs = dt
			}
		} else {
			alarm.Trigger = p.Value
			alarm.RelatedToEnd = strings.EqualFold(paramValue(p, "RELATED"), "END")
		}
	}
	return alarm
}

func propValue(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

func paramValue(p *ical.Prop, name string) string {
	if vals, ok := p.Params[name]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func encodeParams(params ical.Params) string {
	if len(params) == 0 {
		return ""
	}
	var parts []string
	for name, vals := range params {
		parts = append(parts, name+"="+strings.Join(vals, ","))
	}
	return strings.Join(parts, ";")
}

// dateTimeFromProp converts a date-time property into the indexed quadruple,
// honoring VALUE=DATE and TZID parameters. A value with neither a Z suffix
// nor a TZID is floating.
func dateTimeFromProp(p *ical.Prop) (DateTime, error) {
	value := strings.TrimSpace(p.Value)
	if strings.EqualFold(paramValue(p, "VALUE"), "DATE") || len(value) == 8 {
		t, err := time.Parse(DateFormat, value)
		if err != nil {
			return DateTime{}, err
		}
		return NewDate(t), nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(UTCFormat, value)
		if err != nil {
			return DateTime{}, err
		}
		return NewDateTime(t), nil
	}

	if tzid := paramValue(p, "TZID"); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			return DateTime{}, fmt.Errorf("unknown TZID %q: %w", tzid, err)
		}
		t, err := time.ParseInLocation(LocalFormat, value, loc)
		if err != nil {
			return DateTime{}, err
		}
		return NewDateTime(t), nil
	}

	t, err := time.Parse(LocalFormat, value)
	if err != nil {
		return DateTime{}, err
	}
	return NewFloating(t), nil
}

func dateListFromProp(p *ical.Prop) []DateTime {
	var out []DateTime
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		single := &ical.Prop{Name: p.Name, Params: p.Params, Value: part}
		if dt, err := dateTimeFromProp(single); err == nil {
			out = append(out, dt)
		}
	}
	return out
}

func parseGeo(value string) (Geo, bool) {
	parts := strings.Split(value, ";")
	if len(parts) != 2 {
		return Geo{}, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return Geo{}, false
	}
	return Geo{Latitude: lat, Longitude: lon}, true
}
