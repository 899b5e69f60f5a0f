package entity

import "github.com/samber/mo"

// EntityType is the iCalendar component flavor of an event entity.
type EntityType int

const (
	TypeEvent EntityType = iota
	TypeTodo
	TypeJournal
	TypeFreeBusy
	TypeVavailability
	TypeAvailable
	TypePoll
)

var entityTypeNames = map[EntityType]string{
	TypeEvent:         "event",
	TypeTodo:          "todo",
	TypeJournal:       "journal",
	TypeFreeBusy:      "freeAndBusy",
	TypeVavailability: "vavailability",
	TypeAvailable:     "available",
	TypePoll:          "poll",
}

func (t EntityType) String() string {
	if name, ok := entityTypeNames[t]; ok {
		return name
	}
	return "event"
}

// EntityTypeFromString reverses String; unknown values map to TypeEvent.
func EntityTypeFromString(s string) EntityType {
	for t, name := range entityTypeNames {
		if name == s {
			return t
		}
	}
	return TypeEvent
}

// Geo is a geographic position.
type Geo struct {
	Latitude  float64
	Longitude float64
}

// Organizer is the scheduling organizer of an event.
type Organizer struct {
	CalAddress     string
	CN             string
	ScheduleStatus string
}

// Attendee is one scheduling attendee.
type Attendee struct {
	CalAddress     string
	CN             string
	Role           string
	PartStat       string
	RSVP           bool
	ScheduleStatus string
}

// Alarm is a VALARM attached to an event. Trigger is either an absolute
// date-time or a signed ISO-8601 duration relative to the event start (or
// end when RelatedToEnd is set).
type Alarm struct {
	Action       string
	Trigger      string
	TriggerAbs   DateTime
	RelatedToEnd bool
	Duration     string
	RepeatCount  int
	Description  string
}

// XProperty is a non-standard iCalendar property carried through the index.
type XProperty struct {
	Name   string
	Params string
	Value  string
}

// Event is the calendar event entity, covering VEVENT and its sibling
// component types. A master event owns zero or more override children; an
// event with a non-empty RecurrenceID is either an override (IsOverride) or
// a materialized instance.
type Event struct {
	Shareable
	Href    string
	ColPath string
	UID     string

	EntityType   EntityType
	Summary      string
	Description  string
	Status       string
	Class        string
	Link         string
	Priority     int
	Sequence     int
	Transparency string

	Created      string
	LastModified string
	DTStamp      string

	Start    DateTime
	End      DateTime
	Duration string

	Deleted    bool
	Tombstoned bool

	// Recurrence.
	RRules       []string
	ExRules      []string
	RDates       []DateTime
	ExDates      []DateTime
	RecurrenceID string
	IsOverride   bool
	Overrides    []*Event // override children, master only

	LocationHref string
	Geo          mo.Option[Geo]
	Organizer    *Organizer
	Attendees    []Attendee
	Alarms       []Alarm
	Categories   []Ref
	Contacts     []Ref
	XProps       []XProperty
}

// Recurring reports whether the event carries any recurrence rules or
// dates of its own.
func (e *Event) Recurring() bool {
	return len(e.RRules) > 0 || len(e.RDates) > 0
}
