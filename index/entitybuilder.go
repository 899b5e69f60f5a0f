package index

import (
	"fmt"
	"strconv"

	"github.com/samber/mo"

	"calidx/entity"
)

// ParseError reports a malformed composite field. Missing scalar fields are
// never an error; they parse to zero values.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse field %q: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EntityBuilder reconstructs calendar entities from document field trees.
// It is the structural inverse of DocBuilder for every field the builder
// pair owns.
type EntityBuilder struct{}

// Parse dispatches on kind and reconstructs the matching entity type.
func (b *EntityBuilder) Parse(kind entity.Kind, fields map[string]any) (any, error) {
	switch kind {
	case entity.KindEvent:
		return b.ParseEvent(fields)
	case entity.KindCollection:
		return b.parseCollection(fields)
	case entity.KindCategory:
		return b.parseCategory(fields), nil
	case entity.KindContact:
		return b.parseContact(fields), nil
	case entity.KindLocation:
		return b.parseLocation(fields), nil
	case entity.KindPrincipal:
		p := b.parsePrincipal(fields)
		return &p, nil
	case entity.KindGroup:
		return b.parseGroup(fields), nil
	case entity.KindAdminGroup:
		g := b.parseGroup(fields)
		return &entity.AdminGroup{Group: *g, GroupOwnerHref: getString(fields, "groupOwner")}, nil
	case entity.KindCalSuite:
		return b.parseCalSuite(fields), nil
	case entity.KindPreferences:
		return b.parsePreferences(fields)
	case entity.KindResource:
		return b.parseResource(fields), nil
	case entity.KindResourceContent:
		return &entity.ResourceContent{
			Href:    getString(fields, fldHref),
			ColPath: getString(fields, fldColPath),
			Content: []byte(getString(fields, "content")),
		}, nil
	case entity.KindFilter:
		return &entity.FilterDef{
			Shareable:  b.parseShareable(fields),
			Href:       getString(fields, fldHref),
			ColPath:    getString(fields, fldColPath),
			Name:       getString(fields, "name"),
			Definition: getString(fields, "definition"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEntity, kind)
	}
}

// ParseEvent reconstructs an event from its document fields. The document's
// itemKind and window belong to the document, not the logical event, so the
// caller decides what to do with the start/end it gets back.
func (b *EntityBuilder) ParseEvent(fields map[string]any) (*entity.Event, error) {
	ev := &entity.Event{
		Shareable:    b.parseShareable(fields),
		Href:         getString(fields, fldHref),
		ColPath:      getString(fields, fldColPath),
		UID:          getString(fields, fldUID),
		EntityType:   entity.EntityTypeFromString(getString(fields, "entityType")),
		Summary:      getString(fields, "summary"),
		Description:  getString(fields, "description"),
		Status:       getString(fields, "status"),
		Class:        getString(fields, "class"),
		Link:         getString(fields, "link"),
		Transparency: getString(fields, "transparency"),
		Priority:     getInt(fields, "priority"),
		Sequence:     getInt(fields, "sequence"),
		Created:      getString(fields, "created"),
		LastModified: getString(fields, "lastModified"),
		DTStamp:      getString(fields, "dtstamp"),
		Duration:     getString(fields, "duration"),
		Deleted:      getBool(fields, fldDeleted),
		Tombstoned:   getBool(fields, fldTombstoned),
		RecurrenceID: getString(fields, fldRecurrenceID),
		LocationHref: getString(fields, "locationHref"),
	}

	// Master documents carry the event's own start/end beside the union
	// window; prefer those so reconstruction is faithful.
	var err error
	if ev.Start, err = getDate(fields, "dtstart"); err != nil {
		return nil, err
	}
	if ev.Start.IsZero() {
		if ev.Start, err = getDate(fields, fldStart); err != nil {
			return nil, err
		}
	}
	if ev.End, err = getDate(fields, "dtend"); err != nil {
		return nil, err
	}
	if ev.End.IsZero() {
		if ev.End, err = getDate(fields, fldEnd); err != nil {
			return nil, err
		}
	}

	ev.RRules = getStrings(fields, "rrules")
	ev.ExRules = getStrings(fields, "exrules")
	if ev.RDates, err = getDates(fields, "rdates"); err != nil {
		return nil, err
	}
	if ev.ExDates, err = getDates(fields, "exdates"); err != nil {
		return nil, err
	}

	if kind, ok := ItemKindFromTag(getString(fields, fldItemKind)); ok {
		ev.IsOverride = kind == ItemOverride && ev.RecurrenceID != ""
	}

	if raw, ok := fields["geo"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &ParseError{Field: "geo", Err: fmt.Errorf("not a nested object")}
		}
		lat, err1 := strconv.ParseFloat(getString(m, "latitude"), 64)
		lon, err2 := strconv.ParseFloat(getString(m, "longitude"), 64)
		if err1 != nil || err2 != nil {
			return nil, &ParseError{Field: "geo", Err: fmt.Errorf("bad coordinates")}
		}
		ev.Geo = mo.Some(entity.Geo{Latitude: lat, Longitude: lon})
	}

	if raw, ok := fields["organizer"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &ParseError{Field: "organizer", Err: fmt.Errorf("not a nested object")}
		}
		ev.Organizer = &entity.Organizer{
			CalAddress:     getString(m, "calAddress"),
			CN:             getString(m, "cn"),
			ScheduleStatus: getString(m, "scheduleStatus"),
		}
	}

	attendees, err := getObjects(fields, "attendees")
	if err != nil {
		return nil, err
	}
	for _, m := range attendees {
		ev.Attendees = append(ev.Attendees, entity.Attendee{
			CalAddress:     getString(m, "calAddress"),
			CN:             getString(m, "cn"),
			Role:           getString(m, "role"),
			PartStat:       getString(m, "partStat"),
			RSVP:           getBool(m, "rsvp"),
			ScheduleStatus: getString(m, "scheduleStatus"),
		})
	}

	alarms, err := getObjects(fields, "alarms")
	if err != nil {
		return nil, err
	}
	for _, m := range alarms {
		alarm := entity.Alarm{
			Action:       getString(m, "action"),
			Trigger:      getString(m, "trigger"),
			Description:  getString(m, "description"),
			Duration:     getString(m, "duration"),
			RepeatCount:  getInt(m, "repeatCount"),
			RelatedToEnd: getBool(m, "relatedToEnd"),
		}
		if alarm.TriggerAbs, err = getDate(m, "triggerAbs"); err != nil {
			return nil, err
		}
		ev.Alarms = append(ev.Alarms, alarm)
	}

	if ev.Categories, err = getRefs(fields, "categories"); err != nil {
		return nil, err
	}
	if ev.Contacts, err = getRefs(fields, "contacts"); err != nil {
		return nil, err
	}
	if ev.XProps, err = b.parseXProps(fields); err != nil {
		return nil, err
	}

	return ev, nil
}

func (b *EntityBuilder) parseCollection(fields map[string]any) (*entity.Collection, error) {
	c := &entity.Collection{
		Shareable:  b.parseShareable(fields),
		Href:       getString(fields, fldHref),
		ColPath:    getString(fields, fldColPath),
		Name:       getString(fields, "name"),
		Summary:    getString(fields, "summary"),
		CalType:    getInt(fields, "calType"),
		AliasURI:   getString(fields, "aliasUri"),
		Created:    getString(fields, "created"),
		LastMod:    getString(fields, "lastMod"),
		Tombstoned: getBool(fields, fldTombstoned),
	}
	var err error
	if c.Categories, err = getRefs(fields, "categories"); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *EntityBuilder) parseCategory(fields map[string]any) *entity.Category {
	return &entity.Category{
		Shareable:   b.parseShareable(fields),
		Href:        getString(fields, fldHref),
		ColPath:     getString(fields, fldColPath),
		UID:         getString(fields, fldUID),
		Word:        getString(fields, "word"),
		Description: getString(fields, "description"),
	}
}

func (b *EntityBuilder) parseContact(fields map[string]any) *entity.Contact {
	return &entity.Contact{
		Shareable: b.parseShareable(fields),
		Href:      getString(fields, fldHref),
		ColPath:   getString(fields, fldColPath),
		UID:       getString(fields, fldUID),
		CN:        getString(fields, "cn"),
		Phone:     getString(fields, "phone"),
		Email:     getString(fields, "email"),
		Link:      getString(fields, "link"),
	}
}

func (b *EntityBuilder) parseLocation(fields map[string]any) *entity.Location {
	return &entity.Location{
		Shareable:  b.parseShareable(fields),
		Href:       getString(fields, fldHref),
		ColPath:    getString(fields, fldColPath),
		UID:        getString(fields, fldUID),
		Address:    getString(fields, "address"),
		Subaddress: getString(fields, "subaddress"),
		Link:       getString(fields, "link"),
	}
}

func (b *EntityBuilder) parsePrincipal(fields map[string]any) entity.Principal {
	return entity.Principal{
		Shareable:     b.parseShareable(fields),
		Href:          getString(fields, fldHref),
		Account:       getString(fields, "account"),
		PrincipalKind: entity.PrincipalKind(getInt(fields, "principalKind")),
		Description:   getString(fields, "description"),
	}
}

func (b *EntityBuilder) parseGroup(fields map[string]any) *entity.Group {
	return &entity.Group{
		Principal:   b.parsePrincipal(fields),
		MemberHrefs: getStrings(fields, "memberHrefs"),
	}
}

func (b *EntityBuilder) parseCalSuite(fields map[string]any) *entity.CalSuite {
	return &entity.CalSuite{
		Shareable:          b.parseShareable(fields),
		Href:               getString(fields, fldHref),
		Name:               getString(fields, "name"),
		GroupHref:          getString(fields, "groupHref"),
		RootCollectionHref: getString(fields, "rootCollection"),
	}
}

func (b *EntityBuilder) parsePreferences(fields map[string]any) (*entity.Preferences, error) {
	p := &entity.Preferences{
		Shareable:           b.parseShareable(fields),
		Href:                getString(fields, fldHref),
		ColPath:             getString(fields, fldColPath),
		DefaultCalendarPath: getString(fields, "defaultCalendarPath"),
		SkinName:            getString(fields, "skinName"),
		PreferredLocale:     getString(fields, "preferredLocale"),
		HourFormat24:        getBool(fields, "hourFormat24"),
	}
	var err error
	if p.Properties, err = b.parseXProps(fields); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *EntityBuilder) parseResource(fields map[string]any) *entity.Resource {
	r := &entity.Resource{
		Shareable:   b.parseShareable(fields),
		Href:        getString(fields, fldHref),
		ColPath:     getString(fields, fldColPath),
		Name:        getString(fields, "name"),
		ContentType: getString(fields, "contentType"),
		Created:     getString(fields, "created"),
		LastMod:     getString(fields, "lastMod"),
		Tombstoned:  getBool(fields, fldTombstoned),
	}
	if v := getString(fields, "contentLength"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.ContentLength = n
		}
	}
	return r
}

func (b *EntityBuilder) parseShareable(fields map[string]any) entity.Shareable {
	return entity.Shareable{
		CreatorHref: getString(fields, fldCreator),
		OwnerHref:   getString(fields, fldOwner),
		Public:      getBool(fields, fldPublic),
		Access:      getString(fields, fldACL),
	}
}

// parseXProps reassembles x-properties from the promoted well-known fields
// plus the residual array, in promoted-first order.
func (b *EntityBuilder) parseXProps(fields map[string]any) ([]entity.XProperty, error) {
	var out []entity.XProperty
	for _, promoted := range promotedXProps {
		if v := getString(fields, promoted.Field); v != "" {
			out = append(out, entity.XProperty{Name: promoted.Name, Value: v})
		}
	}
	residual, err := getObjects(fields, "xprops")
	if err != nil {
		return nil, err
	}
	for _, m := range residual {
		out = append(out, entity.XProperty{
			Name:   getString(m, "name"),
			Params: getString(m, "pars"),
			Value:  getString(m, "value"),
		})
	}
	return out, nil
}

// Field getters. Missing scalars return zero values; malformed composites
// fail with a ParseError.

func getString(fields map[string]any, name string) string {
	if v, ok := fields[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getBool(fields map[string]any, name string) bool {
	if v, ok := fields[name]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func getInt(fields map[string]any, name string) int {
	if s := getString(fields, name); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}

func getStrings(fields map[string]any, name string) []string {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getDate(fields map[string]any, name string) (entity.DateTime, error) {
	raw, ok := fields[name]
	if !ok {
		return entity.DateTime{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return entity.DateTime{}, &ParseError{Field: name, Err: fmt.Errorf("not a nested object")}
	}
	dt := entity.DateTime{
		UTC:      getString(m, "utc"),
		Local:    getString(m, "local"),
		TZID:     getString(m, "tzid"),
		Floating: getBool(m, "floating"),
		DateOnly: getBool(m, "dateOnly"),
	}
	if dt.IsZero() {
		return entity.DateTime{}, &ParseError{Field: name, Err: fmt.Errorf("empty date-time object")}
	}
	return dt, nil
}

func getDates(fields map[string]any, name string) ([]entity.DateTime, error) {
	objs, err := getObjects(fields, name)
	if err != nil {
		return nil, err
	}
	var out []entity.DateTime
	for _, m := range objs {
		dt := entity.DateTime{
			UTC:      getString(m, "utc"),
			Local:    getString(m, "local"),
			TZID:     getString(m, "tzid"),
			Floating: getBool(m, "floating"),
			DateOnly: getBool(m, "dateOnly"),
		}
		if dt.IsZero() {
			return nil, &ParseError{Field: name, Err: fmt.Errorf("empty date-time in list")}
		}
		out = append(out, dt)
	}
	return out, nil
}

func getRefs(fields map[string]any, name string) ([]entity.Ref, error) {
	objs, err := getObjects(fields, name)
	if err != nil {
		return nil, err
	}
	var out []entity.Ref
	for _, m := range objs {
		out = append(out, entity.Ref{
			Href:  getString(m, "href"),
			UID:   getString(m, "uid"),
			Value: getString(m, "value"),
		})
	}
	return out, nil
}

func getObjects(fields map[string]any, name string) ([]map[string]any, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, &ParseError{Field: name, Err: fmt.Errorf("not an array")}
	}
	out := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, &ParseError{Field: name, Err: fmt.Errorf("array element is not a nested object")}
		}
		out = append(out, m)
	}
	return out, nil
}
