package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"calidx/docstore"
	"calidx/entity"
)

// Document field names shared by the builder pair.
const (
	fldHref         = "href"
	fldColPath      = "colPath"
	fldUID          = "uid"
	fldCreator      = "creator"
	fldOwner        = "owner"
	fldPublic       = "public"
	fldACL          = "acl"
	fldItemKind     = "itemKind"
	fldRecurrenceID = "recurrenceId"
	fldStart        = "start"
	fldEnd          = "end"
	fldDeleted      = "deleted"
	fldTombstoned   = "tombstoned"
)

// promotedXProps maps well-known x-property names to first-class document
// fields. Everything else lands in the opaque residual xprops array.
var promotedXProps = []struct {
	Name  string
	Field string
}{
	{"X-MICROSOFT-CDO-BUSYSTATUS", "busyStatus"},
	{"X-CALENDARSERVER-ACCESS", "calendarAccess"},
	{"X-APPLE-STRUCTURED-LOCATION", "structuredLocation"},
}

// DocBuilder maps calendar entities, or single recurrence instances of an
// event, to documents. It is a pure transform: its only side effect is
// widening a caller-supplied DateLimits accumulator.
type DocBuilder struct{}

// Build maps a non-event entity to a document, dispatching on kind.
func (b *DocBuilder) Build(kind entity.Kind, e any) (*docstore.Document, error) {
	switch kind {
	case entity.KindCollection:
		return b.buildCollection(e.(*entity.Collection)), nil
	case entity.KindCategory:
		return b.buildCategory(e.(*entity.Category)), nil
	case entity.KindContact:
		return b.buildContact(e.(*entity.Contact)), nil
	case entity.KindLocation:
		return b.buildLocation(e.(*entity.Location)), nil
	case entity.KindPrincipal:
		return b.buildPrincipal(e.(*entity.Principal)), nil
	case entity.KindGroup:
		return b.buildGroup(e.(*entity.Group)), nil
	case entity.KindAdminGroup:
		return b.buildAdminGroup(e.(*entity.AdminGroup)), nil
	case entity.KindCalSuite:
		return b.buildCalSuite(e.(*entity.CalSuite)), nil
	case entity.KindPreferences:
		return b.buildPreferences(e.(*entity.Preferences)), nil
	case entity.KindResource:
		return b.buildResource(e.(*entity.Resource)), nil
	case entity.KindResourceContent:
		return b.buildResourceContent(e.(*entity.ResourceContent)), nil
	case entity.KindFilter:
		return b.buildFilter(e.(*entity.FilterDef)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEntity, kind)
	}
}

// BuildEvent maps one materialized window of an event to a document. For
// override and instance documents the caller passes the per-occurrence
// window and recurrence id; for masters the accumulated union window.
// A non-nil limits accumulator is widened by the given window.
func (b *DocBuilder) BuildEvent(ev *entity.Event, kind ItemKind, start, end entity.DateTime, recurrenceID string, limits *DateLimits) (*docstore.Document, error) {
	if limits != nil {
		limits.Update(start, end)
	}

	f := fieldMap{}
	b.putShareable(f, ev.Shareable)
	f.setString(fldHref, ev.Href)
	f.setString(fldColPath, ev.ColPath)
	f.setString(fldUID, ev.UID)
	f.setString(fldItemKind, kind.Tag())
	f.setString(fldRecurrenceID, recurrenceID)
	f.setString("entityType", ev.EntityType.String())
	f.setString("summary", ev.Summary)
	f.setString("description", ev.Description)
	f.setString("status", ev.Status)
	f.setString("class", ev.Class)
	f.setString("link", ev.Link)
	f.setString("transparency", ev.Transparency)
	f.setInt("priority", ev.Priority)
	f.setInt("sequence", ev.Sequence)
	f.setString("created", ev.Created)
	f.setString("lastModified", ev.LastModified)
	f.setString("dtstamp", ev.DTStamp)
	f.setDate(fldStart, start)
	f.setDate(fldEnd, end)
	// A master's start/end fields carry the union window for range queries;
	// the event's own values ride along so the entity can be reconstructed.
	if kind == ItemMaster {
		f.setDate("dtstart", ev.Start)
		f.setDate("dtend", ev.End)
	}
	f.setString("duration", ev.Duration)
	f.setBool(fldDeleted, ev.Deleted)
	f.setBool(fldTombstoned, ev.Tombstoned)
	f.setBool("recurring", ev.Recurring())
	f.setStrings("rrules", ev.RRules)
	f.setStrings("exrules", ev.ExRules)
	f.setDates("rdates", ev.RDates)
	f.setDates("exdates", ev.ExDates)
	f.setString("locationHref", ev.LocationHref)

	if geo, ok := ev.Geo.Get(); ok {
		f["geo"] = map[string]any{
			"latitude":  strconv.FormatFloat(geo.Latitude, 'f', -1, 64),
			"longitude": strconv.FormatFloat(geo.Longitude, 'f', -1, 64),
		}
	}
	if ev.Organizer != nil {
		org := fieldMap{}
		org.setString("calAddress", ev.Organizer.CalAddress)
		org.setString("cn", ev.Organizer.CN)
		org.setString("scheduleStatus", ev.Organizer.ScheduleStatus)
		f["organizer"] = map[string]any(org)
	}
	if len(ev.Attendees) > 0 {
		list := make([]any, 0, len(ev.Attendees))
		for _, a := range ev.Attendees {
			att := fieldMap{}
			att.setString("calAddress", a.CalAddress)
			att.setString("cn", a.CN)
			att.setString("role", a.Role)
			att.setString("partStat", a.PartStat)
			att.setBool("rsvp", a.RSVP)
			att.setString("scheduleStatus", a.ScheduleStatus)
			list = append(list, map[string]any(att))
		}
		f["attendees"] = list
	}
	if len(ev.Alarms) > 0 {
		list := make([]any, 0, len(ev.Alarms))
		for _, a := range ev.Alarms {
			list = append(list, b.alarmFields(a, start, end))
		}
		f["alarms"] = list
	}
	f.setRefs("categories", ev.Categories)
	f.setRefs("contacts", ev.Contacts)
	b.putXProps(f, ev.XProps)

	return &docstore.Document{
		ID:     EventDocID(kind, ev.Href, recurrenceID),
		Type:   entity.KindEvent.DocType(),
		Fields: map[string]any(f),
	}, nil
}

// EventDocID builds the composite event document id.
func EventDocID(kind ItemKind, href, recurrenceID string) string {
	if recurrenceID == "" {
		return kind.Tag() + "-" + href
	}
	return kind.Tag() + "-" + href + "-" + recurrenceID
}

// alarmFields encodes one alarm, computing the next trigger time from the
// occurrence window so alarm queries need no expansion of their own.
func (b *DocBuilder) alarmFields(a entity.Alarm, start, end entity.DateTime) map[string]any {
	f := fieldMap{}
	f.setString("action", a.Action)
	f.setString("trigger", a.Trigger)
	f.setString("description", a.Description)
	f.setString("duration", a.Duration)
	f.setInt("repeatCount", a.RepeatCount)
	f.setBool("relatedToEnd", a.RelatedToEnd)
	if !a.TriggerAbs.IsZero() {
		f.setDate("triggerAbs", a.TriggerAbs)
		f.setString("nextTrigger", a.TriggerAbs.UTC)
	} else if a.Trigger != "" {
		base := start
		if a.RelatedToEnd {
			base = end
		}
		if offset, err := parseISODuration(a.Trigger); err == nil {
			if at, err := base.Shift(offset); err == nil {
				f.setString("nextTrigger", at.UTC)
			}
		}
	}
	return map[string]any(f)
}

func (b *DocBuilder) buildCollection(c *entity.Collection) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, c.Shareable)
	f.setString(fldHref, c.Href)
	f.setString(fldColPath, c.ColPath)
	f.setString("name", c.Name)
	f.setString("summary", c.Summary)
	f.setInt("calType", c.CalType)
	f.setString("aliasUri", c.AliasURI)
	f.setString("created", c.Created)
	f.setString("lastMod", c.LastMod)
	f.setBool(fldTombstoned, c.Tombstoned)
	f.setRefs("categories", c.Categories)
	return b.doc(entity.KindCollection, c.Href, f)
}

func (b *DocBuilder) buildCategory(c *entity.Category) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, c.Shareable)
	f.setString(fldHref, c.Href)
	f.setString(fldColPath, c.ColPath)
	f.setString(fldUID, c.UID)
	f.setString("word", c.Word)
	f.setString("description", c.Description)
	return b.doc(entity.KindCategory, c.Href, f)
}

func (b *DocBuilder) buildContact(c *entity.Contact) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, c.Shareable)
	f.setString(fldHref, c.Href)
	f.setString(fldColPath, c.ColPath)
	f.setString(fldUID, c.UID)
	f.setString("cn", c.CN)
	f.setString("phone", c.Phone)
	f.setString("email", c.Email)
	f.setString("link", c.Link)
	return b.doc(entity.KindContact, c.Href, f)
}

func (b *DocBuilder) buildLocation(l *entity.Location) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, l.Shareable)
	f.setString(fldHref, l.Href)
	f.setString(fldColPath, l.ColPath)
	f.setString(fldUID, l.UID)
	f.setString("address", l.Address)
	f.setString("subaddress", l.Subaddress)
	f.setString("link", l.Link)
	return b.doc(entity.KindLocation, l.Href, f)
}

func (b *DocBuilder) putPrincipal(f fieldMap, p *entity.Principal) {
	b.putShareable(f, p.Shareable)
	f.setString(fldHref, p.Href)
	f.setString("account", p.Account)
	f.setInt("principalKind", int(p.PrincipalKind))
	f.setString("description", p.Description)
}

func (b *DocBuilder) buildPrincipal(p *entity.Principal) *docstore.Document {
	f := fieldMap{}
	b.putPrincipal(f, p)
	return b.doc(entity.KindPrincipal, p.Href, f)
}

func (b *DocBuilder) buildGroup(g *entity.Group) *docstore.Document {
	f := fieldMap{}
	b.putPrincipal(f, &g.Principal)
	f.setStrings("memberHrefs", g.MemberHrefs)
	return b.doc(entity.KindGroup, g.Href, f)
}

func (b *DocBuilder) buildAdminGroup(g *entity.AdminGroup) *docstore.Document {
	f := fieldMap{}
	b.putPrincipal(f, &g.Principal)
	f.setStrings("memberHrefs", g.MemberHrefs)
	f.setString("groupOwner", g.GroupOwnerHref)
	return b.doc(entity.KindAdminGroup, g.Href, f)
}

func (b *DocBuilder) buildCalSuite(cs *entity.CalSuite) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, cs.Shareable)
	f.setString(fldHref, cs.Href)
	f.setString("name", cs.Name)
	f.setString("groupHref", cs.GroupHref)
	f.setString("rootCollection", cs.RootCollectionHref)
	return b.doc(entity.KindCalSuite, cs.Href, f)
}

func (b *DocBuilder) buildPreferences(p *entity.Preferences) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, p.Shareable)
	f.setString(fldHref, p.Href)
	f.setString(fldColPath, p.ColPath)
	f.setString("defaultCalendarPath", p.DefaultCalendarPath)
	f.setString("skinName", p.SkinName)
	f.setString("preferredLocale", p.PreferredLocale)
	f.setBool("hourFormat24", p.HourFormat24)
	b.putXProps(f, p.Properties)
	return b.doc(entity.KindPreferences, p.Href, f)
}

func (b *DocBuilder) buildResource(r *entity.Resource) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, r.Shareable)
	f.setString(fldHref, r.Href)
	f.setString(fldColPath, r.ColPath)
	f.setString("name", r.Name)
	f.setString("contentType", r.ContentType)
	if r.ContentLength > 0 {
		f["contentLength"] = strconv.FormatInt(r.ContentLength, 10)
	}
	f.setString("created", r.Created)
	f.setString("lastMod", r.LastMod)
	f.setBool(fldTombstoned, r.Tombstoned)
	return b.doc(entity.KindResource, r.Href, f)
}

func (b *DocBuilder) buildResourceContent(rc *entity.ResourceContent) *docstore.Document {
	f := fieldMap{}
	f.setString(fldHref, rc.Href)
	f.setString(fldColPath, rc.ColPath)
	f.setString("content", string(rc.Content))
	return b.doc(entity.KindResourceContent, rc.Href, f)
}

func (b *DocBuilder) buildFilter(fd *entity.FilterDef) *docstore.Document {
	f := fieldMap{}
	b.putShareable(f, fd.Shareable)
	f.setString(fldHref, fd.Href)
	f.setString(fldColPath, fd.ColPath)
	f.setString("name", fd.Name)
	f.setString("definition", fd.Definition)
	return b.doc(entity.KindFilter, fd.Href, f)
}

func (b *DocBuilder) doc(kind entity.Kind, href string, f fieldMap) *docstore.Document {
	return &docstore.Document{ID: href, Type: kind.DocType(), Fields: map[string]any(f)}
}

func (b *DocBuilder) putShareable(f fieldMap, s entity.Shareable) {
	f.setString(fldCreator, s.CreatorHref)
	f.setString(fldOwner, s.OwnerHref)
	f.setBool(fldPublic, s.Public)
	f.setString(fldACL, s.Access)
}

// putXProps partitions x-properties: well-known names become first-class
// fields, the rest go to the residual array.
func (b *DocBuilder) putXProps(f fieldMap, xprops []entity.XProperty) {
	var residual []any
	for _, xp := range xprops {
		field := ""
		for _, promoted := range promotedXProps {
			if promoted.Name == xp.Name {
				field = promoted.Field
				break
			}
		}
		if field != "" {
			f.setString(field, xp.Value)
			continue
		}
		xf := fieldMap{}
		xf.setString("name", xp.Name)
		xf.setString("pars", xp.Params)
		xf.setString("value", xp.Value)
		residual = append(residual, map[string]any(xf))
	}
	if len(residual) > 0 {
		f["xprops"] = residual
	}
}

// fieldMap layers empty-skipping setters over a document field tree.
type fieldMap map[string]any

func (f fieldMap) setString(name, v string) {
	if v != "" {
		f[name] = v
	}
}

func (f fieldMap) setBool(name string, v bool) {
	f[name] = v
}

func (f fieldMap) setInt(name string, v int) {
	if v != 0 {
		f[name] = strconv.Itoa(v)
	}
}

func (f fieldMap) setStrings(name string, vs []string) {
	if len(vs) == 0 {
		return
	}
	list := make([]any, len(vs))
	for i, v := range vs {
		list[i] = v
	}
	f[name] = list
}

func (f fieldMap) setDate(name string, dt entity.DateTime) {
	if dt.IsZero() {
		return
	}
	f[name] = dateFields(dt)
}

func (f fieldMap) setDates(name string, dts []entity.DateTime) {
	if len(dts) == 0 {
		return
	}
	list := make([]any, len(dts))
	for i, dt := range dts {
		list[i] = dateFields(dt)
	}
	f[name] = list
}

func (f fieldMap) setRefs(name string, refs []entity.Ref) {
	if len(refs) == 0 {
		return
	}
	list := make([]any, 0, len(refs))
	for _, ref := range refs {
		rf := fieldMap{}
		rf.setString("href", ref.Href)
		rf.setString("uid", ref.UID)
		rf.setString("value", ref.Value)
		list = append(list, map[string]any(rf))
	}
	f[name] = list
}

func dateFields(dt entity.DateTime) map[string]any {
	f := fieldMap{}
	f.setString("utc", dt.UTC)
	f.setString("local", dt.Local)
	f.setString("tzid", dt.TZID)
	f.setBool("floating", dt.Floating)
	f.setBool("dateOnly", dt.DateOnly)
	return map[string]any(f)
}

// parseISODuration parses the RFC 5545 duration subset used by alarm
// triggers: [+/-]P[nW][nD][T[nH][nM][nS]].
func parseISODuration(s string) (time.Duration, error) {
	orig := s
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", orig)
		}
		num = ""
		switch r {
		case 'W':
			total += time.Duration(n) * 7 * 24 * time.Hour
		case 'D':
			total += time.Duration(n) * 24 * time.Hour
		case 'H':
			if !inTime {
				return 0, fmt.Errorf("invalid duration %q", orig)
			}
			total += time.Duration(n) * time.Hour
		case 'M':
			if !inTime {
				return 0, fmt.Errorf("invalid duration %q", orig)
			}
			total += time.Duration(n) * time.Minute
		case 'S':
			if !inTime {
				return 0, fmt.Errorf("invalid duration %q", orig)
			}
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", orig)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	if neg {
		total = -total
	}
	return total, nil
}
