package index

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calidx/entity"
)

// Period is one computed occurrence window of a recurring event.
type Period struct {
	Start        entity.DateTime
	End          entity.DateTime
	RecurrenceID string
}

// emitFunc receives each document the expander decides to produce. For
// override documents the override entity is passed; instances and masters
// carry nil and the caller uses the master event.
type emitFunc func(kind ItemKind, start, end entity.DateTime, recurrenceID string, override *entity.Event) error

// Expander materializes recurring events into master, override and instance
// document windows, bounded by per-realm caps.
type Expander struct {
	logger *slog.Logger
}

// NewExpander creates an expander logging to logger.
func NewExpander(logger *slog.Logger) *Expander {
	return &Expander{logger: logger}
}

// Occurrences computes the ordered occurrence periods of ev, bounded by
// caps.MaxYears from the event start and truncated to the earliest
// caps.MaxInstances entries.
func (x *Expander) Occurrences(ev *entity.Event, caps Caps) ([]Period, error) {
	start, err := ev.Start.Time()
	if err != nil {
		return nil, fmt.Errorf("event %s: bad start: %w", ev.Href, err)
	}

	duration, err := x.eventDuration(ev)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.Href, err)
	}

	set, err := x.ruleSet(ev, start)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.Href, err)
	}

	windowEnd := start.AddDate(caps.MaxYears, 0, 0)
	times := set.Between(start, windowEnd, true)
	if caps.MaxInstances > 0 && len(times) > caps.MaxInstances {
		times = times[:caps.MaxInstances]
	}

	periods := make([]Period, 0, len(times))
	for _, t := range times {
		ps := x.rebuild(ev.Start, t)
		pe, err := ps.Shift(duration)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.Href, err)
		}
		periods = append(periods, Period{
			Start:        ps,
			End:          pe,
			RecurrenceID: recurrenceIDFor(ev.Start, t),
		})
	}
	return periods, nil
}

// Materialize runs the full expansion for one event and emits the documents
// to write: one document per override, one per non-overridden occurrence up
// to the instance budget (earliest first), then exactly one master whose
// window is the union over everything emitted. Existing fan-out documents
// for the event must already have been deleted by the caller.
func (x *Expander) Materialize(ev *entity.Event, caps Caps, emit emitFunc) error {
	if ev.RecurrenceID != "" {
		// A single override submitted without its master.
		return ErrOverrideWithoutMaster
	}

	if !ev.Recurring() {
		return emit(ItemMaster, ev.Start, ev.End, "", nil)
	}

	periods, err := x.Occurrences(ev, caps)
	if err != nil {
		return err
	}
	if len(periods) == 0 {
		return fmt.Errorf("event %s: %w", ev.Href, ErrNoInstances)
	}

	duration, err := x.eventDuration(ev)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.Href, err)
	}

	overridden := make(map[string]bool, len(ev.Overrides))
	budget := caps.MaxInstances
	var limits DateLimits

	for _, ov := range ev.Overrides {
		if ov.RecurrenceID == "" {
			return fmt.Errorf("event %s: override without recurrence id", ev.Href)
		}
		overridden[normalizeRID(ov.RecurrenceID)] = true

		start := ov.Start
		if start.IsZero() {
			if start, err = x.ridDateTime(ev.Start, ov.RecurrenceID); err != nil {
				return fmt.Errorf("event %s: override %s: %w", ev.Href, ov.RecurrenceID, err)
			}
		}
		end := ov.End
		if end.IsZero() {
			if end, err = start.Shift(duration); err != nil {
				return fmt.Errorf("event %s: override %s: %w", ev.Href, ov.RecurrenceID, err)
			}
		}
		if err := emit(ItemOverride, start, end, ov.RecurrenceID, ov); err != nil {
			return err
		}
		limits.Update(start, end)
		budget--
	}

	for _, p := range periods {
		if overridden[normalizeRID(p.RecurrenceID)] {
			continue
		}
		if budget <= 0 {
			x.logger.Debug("instance budget exhausted, truncating",
				"href", ev.Href, "maxInstances", caps.MaxInstances)
			break
		}
		if err := emit(ItemInstance, p.Start, p.End, p.RecurrenceID, nil); err != nil {
			return err
		}
		limits.Update(p.Start, p.End)
		budget--
	}

	// The master document's window is the union over everything emitted,
	// so a single master hit can satisfy any time-range the real event
	// could.
	return emit(ItemMaster, limits.MinStart, limits.MaxEnd, "", nil)
}

// ruleSet assembles a recurrence set in the teambition string grammar so
// RRULE, EXRULE, RDATE and EXDATE lines are all honored.
func (x *Expander) ruleSet(ev *entity.Event, start time.Time) (*rrule.Set, error) {
	lines := []string{"DTSTART:" + start.UTC().Format("20060102T150405Z")}
	for _, r := range ev.RRules {
		lines = append(lines, "RRULE:"+r)
	}
	for _, r := range ev.ExRules {
		lines = append(lines, "EXRULE:"+r)
	}
	if len(ev.RDates) > 0 {
		lines = append(lines, "RDATE:"+joinDates(ev.RDates))
	}
	if len(ev.ExDates) > 0 {
		lines = append(lines, "EXDATE:"+joinDates(ev.ExDates))
	}

	set, err := rrule.StrToRRuleSet(strings.Join(lines, "\n"))
	if err != nil {
		return nil, fmt.Errorf("bad recurrence rules: %w", err)
	}
	return set, nil
}

func joinDates(dts []entity.DateTime) string {
	parts := make([]string, 0, len(dts))
	for _, dt := range dts {
		if t, err := dt.Time(); err == nil {
			parts = append(parts, t.UTC().Format("20060102T150405Z"))
		}
	}
	return strings.Join(parts, ",")
}

// eventDuration derives the occurrence length from end-start, falling back
// to the explicit duration property.
func (x *Expander) eventDuration(ev *entity.Event) (time.Duration, error) {
	if !ev.End.IsZero() && !ev.Start.IsZero() {
		return ev.End.Sub(ev.Start)
	}
	if ev.Duration != "" {
		d, err := parseISODuration(ev.Duration)
		if err != nil {
			return 0, fmt.Errorf("bad duration: %w", err)
		}
		return d, nil
	}
	return 0, nil
}

// rebuild maps a computed occurrence time back into the master start's
// date-time flavor (date-only, floating or zoned).
func (x *Expander) rebuild(master entity.DateTime, t time.Time) entity.DateTime {
	switch {
	case master.DateOnly:
		return entity.NewDate(t)
	case master.Floating:
		return entity.NewFloating(t)
	default:
		loc := time.UTC
		if master.TZID != "" && master.TZID != "UTC" {
			if l, err := time.LoadLocation(master.TZID); err == nil {
				loc = l
			}
		}
		return entity.NewDateTime(t.In(loc))
	}
}

// ridDateTime converts a recurrence id back into a window start in the
// master's flavor.
func (x *Expander) ridDateTime(master entity.DateTime, rid string) (entity.DateTime, error) {
	switch {
	case master.DateOnly:
		t, err := time.Parse(entity.DateFormat, rid)
		if err != nil {
			return entity.DateTime{}, err
		}
		return entity.NewDate(t), nil
	case master.Floating:
		t, err := time.Parse(entity.LocalFormat, rid)
		if err != nil {
			return entity.DateTime{}, err
		}
		return entity.NewFloating(t), nil
	default:
		t, err := time.Parse(entity.UTCFormat, rid)
		if err != nil {
			return entity.DateTime{}, err
		}
		loc := time.UTC
		if master.TZID != "" && master.TZID != "UTC" {
			if l, lerr := time.LoadLocation(master.TZID); lerr == nil {
				loc = l
			}
		}
		return entity.NewDateTime(t.In(loc)), nil
	}
}

// recurrenceIDFor formats an occurrence time as a recurrence id in the
// master's flavor: 8-character date for date-only, local form for floating,
// UTC otherwise.
func recurrenceIDFor(master entity.DateTime, t time.Time) string {
	switch {
	case master.DateOnly:
		return t.Format(entity.DateFormat)
	case master.Floating:
		return t.Format(entity.LocalFormat)
	default:
		return t.UTC().Format(entity.UTCFormat)
	}
}

// normalizeRID makes recurrence ids comparable across the UTC and floating
// renderings.
func normalizeRID(rid string) string {
	return strings.TrimSuffix(rid, "Z")
}
