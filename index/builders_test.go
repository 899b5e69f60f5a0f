package index

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calidx/entity"
)

func fullEvent() *entity.Event {
	return &entity.Event{
		Shareable: entity.Shareable{
			CreatorHref: "/principals/users/alex",
			OwnerHref:   "/principals/users/alex",
			Public:      false,
			Access:      "acl-blob",
		},
		Href:         "/user/cal/planning.ics",
		ColPath:      "/user/cal",
		UID:          "planning-1",
		EntityType:   entity.TypeEvent,
		Summary:      "Planning",
		Description:  "Quarterly planning",
		Status:       "CONFIRMED",
		Class:        "PRIVATE",
		Link:         "https://example.com/planning",
		Priority:     5,
		Sequence:     3,
		Transparency: "OPAQUE",
		Created:      "20240101T000000Z",
		LastModified: "20240102T000000Z",
		DTStamp:      "20240102T000000Z",
		Start:        entity.NewDateTime(time.Date(2024, 7, 15, 9, 0, 0, 0, time.UTC)),
		End:          entity.NewDateTime(time.Date(2024, 7, 15, 10, 0, 0, 0, time.UTC)),
		RRules:       []string{"FREQ=WEEKLY;COUNT=4"},
		ExDates: []entity.DateTime{
			entity.NewDateTime(time.Date(2024, 7, 22, 9, 0, 0, 0, time.UTC)),
		},
		LocationHref: "Room 4",
		Geo:          mo.Some(entity.Geo{Latitude: 52.52, Longitude: 13.405}),
		Organizer: &entity.Organizer{
			CalAddress: "mailto:alex@example.com",
			CN:         "Alex Chair",
		},
		Attendees: []entity.Attendee{{
			CalAddress: "mailto:sam@example.com",
			CN:         "Sam Dev",
			Role:       "REQ-PARTICIPANT",
			PartStat:   "ACCEPTED",
			RSVP:       true,
		}},
		Alarms: []entity.Alarm{{
			Action:      "DISPLAY",
			Trigger:     "-PT15M",
			Description: "Reminder",
		}},
		Categories: []entity.Ref{{Value: "work"}},
		Contacts:   []entity.Ref{{Href: "/contacts/sam", Value: "Sam Dev"}},
		XProps: []entity.XProperty{
			{Name: "X-MICROSOFT-CDO-BUSYSTATUS", Value: "BUSY"},
			{Name: "X-CUSTOM-TAG", Params: "FOO=BAR", Value: "custom"},
		},
	}
}

func TestBuildEvent_ParseEvent_RoundTrip(t *testing.T) {
	db := &DocBuilder{}
	eb := &EntityBuilder{}
	ev := fullEvent()

	doc, err := db.BuildEvent(ev, ItemMaster, ev.Start, ev.End, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "master-/user/cal/planning.ics", doc.ID)
	assert.Equal(t, "event", doc.Type)

	back, err := eb.ParseEvent(doc.Fields)
	require.NoError(t, err)

	// The window fields travel through the document, everything else must
	// survive untouched.
	assert.Equal(t, ev.Shareable, back.Shareable)
	assert.Equal(t, ev.Href, back.Href)
	assert.Equal(t, ev.ColPath, back.ColPath)
	assert.Equal(t, ev.UID, back.UID)
	assert.Equal(t, ev.Summary, back.Summary)
	assert.Equal(t, ev.Description, back.Description)
	assert.Equal(t, ev.Status, back.Status)
	assert.Equal(t, ev.Class, back.Class)
	assert.Equal(t, ev.Link, back.Link)
	assert.Equal(t, ev.Priority, back.Priority)
	assert.Equal(t, ev.Sequence, back.Sequence)
	assert.Equal(t, ev.Transparency, back.Transparency)
	assert.Equal(t, ev.Start, back.Start)
	assert.Equal(t, ev.End, back.End)
	assert.Equal(t, ev.RRules, back.RRules)
	assert.Equal(t, ev.ExDates, back.ExDates)
	assert.Equal(t, ev.LocationHref, back.LocationHref)
	assert.Equal(t, ev.Geo, back.Geo)
	assert.Equal(t, ev.Organizer, back.Organizer)
	assert.Equal(t, ev.Attendees, back.Attendees)
	assert.Equal(t, ev.Alarms, back.Alarms)
	assert.Equal(t, ev.Categories, back.Categories)
	assert.Equal(t, ev.Contacts, back.Contacts)
	assert.Equal(t, ev.XProps, back.XProps)
	assert.False(t, back.IsOverride)
}

func TestBuildEvent_OverrideDocument(t *testing.T) {
	db := &DocBuilder{}
	eb := &EntityBuilder{}
	ev := fullEvent()

	start := entity.NewDateTime(time.Date(2024, 7, 29, 14, 0, 0, 0, time.UTC))
	end := entity.NewDateTime(time.Date(2024, 7, 29, 15, 0, 0, 0, time.UTC))
	doc, err := db.BuildEvent(ev, ItemOverride, start, end, "20240729T090000Z", nil)
	require.NoError(t, err)
	assert.Equal(t, "override-/user/cal/planning.ics-20240729T090000Z", doc.ID)

	back, err := eb.ParseEvent(doc.Fields)
	require.NoError(t, err)
	assert.True(t, back.IsOverride)
	assert.Equal(t, "20240729T090000Z", back.RecurrenceID)
	assert.Equal(t, start, back.Start)
	assert.Equal(t, end, back.End)
}

func TestBuildEvent_WidensLimits(t *testing.T) {
	db := &DocBuilder{}
	ev := fullEvent()

	var limits DateLimits
	first := entity.NewDateTime(time.Date(2024, 7, 15, 9, 0, 0, 0, time.UTC))
	firstEnd := entity.NewDateTime(time.Date(2024, 7, 15, 10, 0, 0, 0, time.UTC))
	last := entity.NewDateTime(time.Date(2024, 8, 5, 9, 0, 0, 0, time.UTC))
	lastEnd := entity.NewDateTime(time.Date(2024, 8, 5, 10, 0, 0, 0, time.UTC))

	_, err := db.BuildEvent(ev, ItemInstance, last, lastEnd, "20240805T090000Z", &limits)
	require.NoError(t, err)
	_, err = db.BuildEvent(ev, ItemInstance, first, firstEnd, "20240715T090000Z", &limits)
	require.NoError(t, err)

	assert.Equal(t, first, limits.MinStart)
	assert.Equal(t, lastEnd, limits.MaxEnd)
}

func TestBuildEvent_AlarmNextTrigger(t *testing.T) {
	db := &DocBuilder{}
	ev := fullEvent()

	doc, err := db.BuildEvent(ev, ItemMaster, ev.Start, ev.End, "", nil)
	require.NoError(t, err)

	alarms, ok := doc.Fields["alarms"].([]any)
	require.True(t, ok)
	require.Len(t, alarms, 1)
	alarm := alarms[0].(map[string]any)
	// -PT15M before the 09:00Z start.
	assert.Equal(t, "20240715T084500Z", alarm["nextTrigger"])
}

func TestBuild_UnsupportedKind(t *testing.T) {
	db := &DocBuilder{}
	_, err := db.Build(entity.KindNone, &entity.Contact{})
	assert.ErrorIs(t, err, ErrUnsupportedEntity)
}

func TestBuildParse_Collection(t *testing.T) {
	db := &DocBuilder{}
	eb := &EntityBuilder{}
	col := &entity.Collection{
		Shareable:  entity.Shareable{OwnerHref: "/principals/users/alex", Public: true},
		Href:       "/user/cal",
		ColPath:    "/user",
		Name:       "cal",
		Summary:    "Main calendar",
		CalType:    1,
		Created:    "20240101T000000Z",
		LastMod:    "20240301T000000Z",
		Categories: []entity.Ref{{Value: "personal"}},
	}

	doc, err := db.Build(entity.KindCollection, col)
	require.NoError(t, err)
	assert.Equal(t, col.Href, doc.ID)
	assert.Equal(t, "collection", doc.Type)

	got, err := eb.Parse(entity.KindCollection, doc.Fields)
	require.NoError(t, err)
	assert.Equal(t, col, got)
}

func TestBuildParse_Contact(t *testing.T) {
	db := &DocBuilder{}
	eb := &EntityBuilder{}
	c := &entity.Contact{
		Href:    "/contacts/sam",
		ColPath: "/contacts",
		UID:     "contact-sam",
		CN:      "Sam Dev",
		Email:   "sam@example.com",
	}

	doc, err := db.Build(entity.KindContact, c)
	require.NoError(t, err)

	got, err := eb.Parse(entity.KindContact, doc.Fields)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestBuildParse_Preferences(t *testing.T) {
	db := &DocBuilder{}
	eb := &EntityBuilder{}
	prefs := &entity.Preferences{
		Shareable:           entity.Shareable{OwnerHref: "/principals/users/alex"},
		Href:                "/user/prefs",
		ColPath:             "/user",
		DefaultCalendarPath: "/user/cal",
		SkinName:            "dusk",
		PreferredLocale:     "en_GB",
		HourFormat24:        true,
	}

	doc, err := db.Build(entity.KindPreferences, prefs)
	require.NoError(t, err)
	assert.Equal(t, "preferences", doc.Type)

	got, err := eb.Parse(entity.KindPreferences, doc.Fields)
	require.NoError(t, err)
	assert.Equal(t, prefs, got)
}

func TestParseEvent_MalformedComposite(t *testing.T) {
	eb := &EntityBuilder{}
	_, err := eb.ParseEvent(map[string]any{
		fldHref: "/user/cal/x.ics",
		"geo":   "not-an-object",
	})
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "geo", perr.Field)
}

func TestParseEvent_MissingFieldsAreZero(t *testing.T) {
	eb := &EntityBuilder{}
	ev, err := eb.ParseEvent(map[string]any{fldHref: "/user/cal/min.ics"})
	require.NoError(t, err)
	assert.Equal(t, "/user/cal/min.ics", ev.Href)
	assert.Zero(t, ev.Priority)
	assert.True(t, ev.Start.IsZero())
	assert.Nil(t, ev.Attendees)
}
