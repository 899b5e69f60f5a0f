// Package entity holds the calendar entity model the indexing core operates
// on. Entities are produced by an external persistence layer; this package
// defines their shape, the explicit kind tags used for builder dispatch, and
// the indexed date-time representation.
package entity

// Kind tags every indexable entity type. Builder behavior is selected by
// this tag, never by runtime type inspection.
type Kind int

const (
	KindNone Kind = iota
	KindCollection
	KindEvent
	KindCategory
	KindContact
	KindLocation
	KindPrincipal
	KindGroup
	KindAdminGroup
	KindCalSuite
	KindPreferences
	KindResource
	KindResourceContent
	KindFilter
)

var kindNames = map[Kind]string{
	KindCollection:      "collection",
	KindEvent:           "event",
	KindCategory:        "category",
	KindContact:         "contact",
	KindLocation:        "location",
	KindPrincipal:       "principal",
	KindGroup:           "group",
	KindAdminGroup:      "admingroup",
	KindCalSuite:        "calsuite",
	KindPreferences:     "preferences",
	KindResource:        "resource",
	KindResourceContent: "resourcecontent",
	KindFilter:          "filter",
}

// DocType is the document type tag for this kind, also used in index names.
func (k Kind) DocType() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) String() string { return k.DocType() }

// KindFromString resolves a document type tag back to its Kind.
func KindFromString(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindNone, false
}

// Shareable carries the ownership and access fields common to every entity.
type Shareable struct {
	CreatorHref string
	OwnerHref   string
	Public      bool
	Access      string // encoded ACL
}

// Ref is a reference stub to a shared entity (category, contact). Shared
// entities are indexed by reference, not embedded, so edits to them don't
// fan out across every referencing document.
type Ref struct {
	Href  string
	UID   string
	Value string
}

// Collection is a calendar collection (a folder of events or a calendar).
type Collection struct {
	Shareable
	Href        string
	ColPath     string // parent collection path
	Name        string
	Summary     string
	CalType     int
	AliasURI    string
	Created     string
	LastMod     string
	Tombstoned  bool
	Categories  []Ref
}

// Category is a shared keyword entity.
type Category struct {
	Shareable
	Href        string
	ColPath     string
	UID         string
	Word        string
	Description string
}

// Contact is a shared contact entity.
type Contact struct {
	Shareable
	Href    string
	ColPath string
	UID     string
	CN      string
	Phone   string
	Email   string
	Link    string
}

// Location is a shared location entity.
type Location struct {
	Shareable
	Href       string
	ColPath    string
	UID        string
	Address    string
	Subaddress string
	Link       string
}

// PrincipalKind distinguishes principal flavors.
type PrincipalKind int

const (
	PrincipalUser PrincipalKind = iota
	PrincipalGroupKind
	PrincipalResourceKind
)

// Principal is a directory principal. Principals are the one entity type not
// contained in a collection.
type Principal struct {
	Shareable
	Href          string
	Account       string
	PrincipalKind PrincipalKind
	Description   string
}

// Group is a principal group with members.
type Group struct {
	Principal
	MemberHrefs []string
}

// AdminGroup is a group with administrative ownership.
type AdminGroup struct {
	Group
	GroupOwnerHref string
}

// CalSuite is a named calendar suite bound to an admin group.
type CalSuite struct {
	Shareable
	Href               string
	Name               string
	GroupHref          string
	RootCollectionHref string
}

// Preferences holds per-principal preference settings.
type Preferences struct {
	Shareable
	Href                string
	ColPath             string
	DefaultCalendarPath string
	SkinName            string
	PreferredLocale     string
	HourFormat24        bool
	Properties          []XProperty
}

// Resource is a stored resource (attachment-like content metadata).
type Resource struct {
	Shareable
	Href          string
	ColPath       string
	Name          string
	ContentType   string
	ContentLength int64
	Created       string
	LastMod       string
	Tombstoned    bool
}

// ResourceContent is the content half of a resource, indexed separately.
type ResourceContent struct {
	Href    string
	ColPath string
	Content []byte
}

// FilterDef is a stored filter definition.
type FilterDef struct {
	Shareable
	Href       string
	ColPath    string
	Name       string
	Definition string
}
