// Package index implements the recurrence-aware document indexing engine: it
// materializes events into master/override/instance documents, reconciles
// query hits back into logical events, runs bulk reindexes with an atomic
// alias swap, and fronts reads with a token-invalidated entity cache.
package index

import (
	"errors"

	"calidx/entity"
)

// Status classifies the outcome of a fetch or index operation. Not-found and
// access-denied are results, not errors; only StatusFailed carries an error.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusNoAccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "notFound"
	case StatusNoAccess:
		return "noAccess"
	default:
		return "failed"
	}
}

// Response is the uniform result type for fetch operations: a status plus
// payload. Err is set only when Status is StatusFailed.
type Response[T any] struct {
	Status Status
	Err    error
	Entity T
}

func ok[T any](v T) Response[T]          { return Response[T]{Status: StatusOK, Entity: v} }
func notFound[T any]() Response[T]       { return Response[T]{Status: StatusNotFound} }
func noAccess[T any]() Response[T]       { return Response[T]{Status: StatusNoAccess} }
func failed[T any](err error) Response[T] { return Response[T]{Status: StatusFailed, Err: err} }

// ItemKind tags event documents by their role in a recurrence set.
type ItemKind int

const (
	ItemMaster ItemKind = iota
	ItemOverride
	ItemInstance
)

var itemKindTags = map[ItemKind]string{
	ItemMaster:   "master",
	ItemOverride: "override",
	ItemInstance: "instance",
}

// Tag is the value stored in the itemKind document field.
func (k ItemKind) Tag() string { return itemKindTags[k] }

// ItemKindFromTag reverses Tag.
func ItemKindFromTag(tag string) (ItemKind, bool) {
	for k, t := range itemKindTags {
		if t == tag {
			return k, true
		}
	}
	return ItemMaster, false
}

// EventInfo is a reconstructed-event aggregate: one event entity plus its
// resolved overrides and the access decision made for the caller. Overrides
// reference their master through the aggregate, never by embedded pointer
// back-references. Built only at read time; never persisted.
type EventInfo struct {
	Event         *entity.Event
	MasterHref    string // set on override entries; the key of the master
	Overrides     []*EventInfo
	CurrentAccess *AccessDecision
}

// DateLimits accumulates the union window over all emitted instance and
// override documents, so the master document can cover any time-range filter
// the real event could satisfy.
type DateLimits struct {
	MinStart entity.DateTime
	MaxEnd   entity.DateTime
}

// Update widens the limits to include [start, end].
func (dl *DateLimits) Update(start, end entity.DateTime) {
	if dl.MinStart.IsZero() || start.Before(dl.MinStart) {
		dl.MinStart = start
	}
	if dl.MaxEnd.IsZero() || end.After(dl.MaxEnd) {
		dl.MaxEnd = end
	}
}

var (
	// ErrOverrideWithoutMaster rejects direct indexing of a single
	// override when its master is not part of the request.
	ErrOverrideWithoutMaster = errors.New("indexing a single override without its master is not supported")
	// ErrNoInstances flags a recurring event whose expansion produced
	// zero occurrences; this indicates corrupt source data.
	ErrNoInstances = errors.New("recurring event has no instances")
	// ErrUnsupportedEntity is returned for entity kinds the document
	// builder has no mapping for.
	ErrUnsupportedEntity = errors.New("unsupported entity kind")
	// ErrMissingHref rejects an event submitted without an href.
	ErrMissingHref = errors.New("event has no href")
)
