package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calidx/docstore"
	"calidx/entity"
)

func dtp(t time.Time) *entity.DateTime {
	dt := entity.NewDateTime(t)
	return &dt
}

func TestSearch_OverridesMode(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(4)
	ev.Overrides = []*entity.Event{{
		Href:         ev.Href,
		UID:          ev.UID,
		RecurrenceID: "20240109T100000Z",
		IsOverride:   true,
		Summary:      "moved",
		Start:        entity.NewDateTime(time.Date(2024, 1, 9, 14, 0, 0, 0, time.UTC)),
		End:          entity.NewDateTime(time.Date(2024, 1, 9, 15, 0, 0, 0, time.UTC)),
	}}
	require.NoError(t, ix.IndexEvent(ctx, ev))

	other := weeklyEvent(4)
	other.Href = "/user/cal/other.ics"
	other.UID = "other-sync"
	require.NoError(t, ix.IndexEvent(ctx, other))

	sr, err := ix.Search(ctx, SearchParams{RecurMode: RecurOverrides})
	require.NoError(t, err)
	assert.True(t, sr.RequiresSecondaryFetch)
	assert.Positive(t, sr.Found)

	entries, err := ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byHref := make(map[string]SearchEntry)
	for _, e := range entries {
		byHref[e.Href] = e
	}
	got := byHref[ev.Href]
	require.NotNil(t, got.Event)
	require.Len(t, got.Event.Overrides, 1)
	assert.Equal(t, "moved", got.Event.Overrides[0].Event.Summary)
	assert.Empty(t, byHref[other.Href].Event.Overrides)
}

func TestSearch_TimeRangeFalsePositiveRejected(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	// Occurrences on Jan 1 and Mar 1 only: the master's union window spans
	// February without any real occurrence falling into it.
	sparse := &entity.Event{
		Href:    "/user/cal/sparse.ics",
		ColPath: "/user/cal",
		UID:     "sparse",
		Start:   entity.NewDateTime(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)),
		End:     entity.NewDateTime(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)),
		RDates: []entity.DateTime{
			entity.NewDateTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		},
	}
	require.NoError(t, ix.IndexEvent(ctx, sparse))

	february := &entity.Event{
		Href:    "/user/cal/feb.ics",
		ColPath: "/user/cal",
		UID:     "feb",
		Start:   entity.NewDateTime(time.Date(2024, 2, 6, 10, 0, 0, 0, time.UTC)),
		End:     entity.NewDateTime(time.Date(2024, 2, 6, 11, 0, 0, 0, time.UTC)),
		RRules:  []string{"FREQ=WEEKLY;COUNT=2"},
	}
	require.NoError(t, ix.IndexEvent(ctx, february))

	sr, err := ix.Search(ctx, SearchParams{
		RecurMode: RecurOverrides,
		Start:     dtp(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
		End:       dtp(time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	entries, err := ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, february.Href, entries[0].Href)
}

func TestSearch_OverrideMovedIntoWindow(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	// Every rule occurrence falls in January; one of them is overridden
	// onto March 5. A March-bounded query reaches the event only through
	// the override's real window.
	ev := weeklyEvent(4)
	ev.Overrides = []*entity.Event{{
		Href:         ev.Href,
		UID:          ev.UID,
		RecurrenceID: "20240109T100000Z",
		IsOverride:   true,
		Summary:      "moved to march",
		Start:        entity.NewDateTime(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
		End:          entity.NewDateTime(time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC)),
	}}
	require.NoError(t, ix.IndexEvent(ctx, ev))

	sr, err := ix.Search(ctx, SearchParams{
		RecurMode: RecurOverrides,
		Start:     dtp(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		End:       dtp(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	entries, err := ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ev.Href, entries[0].Href)
	require.NotNil(t, entries[0].Event)
	require.Len(t, entries[0].Event.Overrides, 1)
	assert.Equal(t, "moved to march", entries[0].Event.Overrides[0].Event.Summary)
}

func TestSearch_OverriddenOccurrenceVacatesSlot(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	// Occurrences on Jan 1 and Feb 1; the Feb 1 occurrence is overridden
	// onto March 5, so nothing really happens in February anymore even
	// though the master's union window still spans it.
	ev := &entity.Event{
		Href:    "/user/cal/vacated.ics",
		ColPath: "/user/cal",
		UID:     "vacated",
		Start:   entity.NewDateTime(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)),
		End:     entity.NewDateTime(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)),
		RDates: []entity.DateTime{
			entity.NewDateTime(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)),
		},
	}
	ev.Overrides = []*entity.Event{{
		Href:         ev.Href,
		UID:          ev.UID,
		RecurrenceID: "20240201T100000Z",
		IsOverride:   true,
		Start:        entity.NewDateTime(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
		End:          entity.NewDateTime(time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC)),
	}}
	require.NoError(t, ix.IndexEvent(ctx, ev))

	sr, err := ix.Search(ctx, SearchParams{
		RecurMode: RecurOverrides,
		Start:     dtp(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
		End:       dtp(time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	entries, err := ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearch_ExpandedMode(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	recurring := weeklyEvent(4)
	require.NoError(t, ix.IndexEvent(ctx, recurring))

	single := &entity.Event{
		Href:    "/user/cal/single.ics",
		ColPath: "/user/cal",
		UID:     "single",
		Summary: "One-off",
		Start:   entity.NewDateTime(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)),
		End:     entity.NewDateTime(time.Date(2024, 1, 3, 11, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, ix.IndexEvent(ctx, single))

	sr, err := ix.Search(ctx, SearchParams{RecurMode: RecurExpanded})
	require.NoError(t, err)
	assert.False(t, sr.RequiresSecondaryFetch)

	entries, err := ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)

	// 4 instances of the recurring event plus the non-recurring master;
	// the recurring master document itself is not an occurrence.
	require.Len(t, entries, 5)
	var oneOff int
	for _, e := range entries {
		require.NotNil(t, e.Event)
		if e.Href == single.Href {
			oneOff++
			assert.Equal(t, "One-off", e.Event.Event.Summary)
		}
	}
	assert.Equal(t, 1, oneOff)
}

func TestSearch_DeletedExcludedByDefault(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(4)
	ev.Deleted = true
	require.NoError(t, ix.IndexEvent(ctx, ev))

	sr, err := ix.Search(ctx, SearchParams{RecurMode: RecurOverrides})
	require.NoError(t, err)
	entries, err := ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)
	assert.Empty(t, entries)

	sr, err = ix.Search(ctx, SearchParams{RecurMode: RecurOverrides, IncludeDeleted: true})
	require.NoError(t, err)
	entries, err = ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSearch_NonEventKind(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindContact)
	ctx := context.Background()

	require.NoError(t, ix.IndexEntity(ctx, &entity.Contact{Href: "/contacts/sam", UID: "c1", CN: "Sam Dev"}))
	require.NoError(t, ix.IndexEntity(ctx, &entity.Contact{Href: "/contacts/kim", UID: "c2", CN: "Kim Ops"}))

	sr, err := ix.Search(ctx, SearchParams{
		Filter: (&docstore.Query{}).AddFilter(docstore.Term("cn", "Sam Dev")),
	})
	require.NoError(t, err)
	assert.False(t, sr.RequiresSecondaryFetch)
	assert.Equal(t, int64(1), sr.Found)

	entries, err := ix.GetSearchResult(ctx, sr, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	contact, ok := entries[0].Entity.(*entity.Contact)
	require.True(t, ok)
	assert.Equal(t, "Sam Dev", contact.CN)
}

func TestSearch_AccessDeniedMastersDroppedSilently(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent, func(o *Options) { o.Access = denyAll{} })
	ctx := context.Background()

	require.NoError(t, ix.IndexEvent(ctx, weeklyEvent(4)))

	sr, err := ix.Search(ctx, SearchParams{RecurMode: RecurOverrides})
	require.NoError(t, err)
	entries, err := ix.GetSearchResult(ctx, sr, 0, 50)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddDateRangeQuery_FloatingSpace(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	// A floating 09:00 event must match a window expressed in UTC covering
	// the same local day, via the parallel local-rendering comparison.
	floating := &entity.Event{
		Href:    "/user/cal/floating.ics",
		ColPath: "/user/cal",
		UID:     "floating",
		Start:   entity.NewFloating(time.Date(2024, 2, 6, 9, 0, 0, 0, time.UTC)),
		End:     entity.NewFloating(time.Date(2024, 2, 6, 9, 30, 0, 0, time.UTC)),
	}
	require.NoError(t, ix.IndexEvent(ctx, floating))

	sr, err := ix.Search(ctx, SearchParams{
		RecurMode: RecurOverrides,
		Start:     dtp(time.Date(2024, 2, 6, 0, 0, 0, 0, time.UTC)),
		End:       dtp(time.Date(2024, 2, 7, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	entries, err := ix.GetSearchResult(ctx, sr, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, floating.Href, entries[0].Href)
}

func TestGetSearchResult_Paging(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindContact)
	ctx := context.Background()

	hrefs := []string{"/contacts/a", "/contacts/b", "/contacts/c"}
	for i, href := range hrefs {
		require.NoError(t, ix.IndexEntity(ctx, &entity.Contact{Href: href, UID: href, CN: string(rune('A' + i))}))
	}

	sr, err := ix.Search(ctx, SearchParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), sr.Found)

	first, err := ix.GetSearchResult(ctx, sr, 0, 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	rest, err := ix.GetSearchResult(ctx, sr, 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}
