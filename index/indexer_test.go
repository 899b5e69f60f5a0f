package index

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calidx/docstore"
	"calidx/docstore/memory"
	"calidx/entity"
)

func newTestIndexer(t *testing.T, kind entity.Kind, opts ...func(*Options)) (*Indexer, *memory.Store) {
	t.Helper()
	store := memory.New()
	cfg := Config{Prefix: "t", TokenCheckInterval: time.Hour}

	o := Options{
		Store:  store,
		Kind:   kind,
		Config: cfg,
		Caches: NewCaches(cfg, testLogger()),
		Logger: testLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	ix, err := New(o)
	require.NoError(t, err)

	ctx := context.Background()
	phys := ix.Alias() + "20240101000000"
	require.NoError(t, store.CreateIndex(ctx, phys, nil))
	require.NoError(t, store.UpdateAliases(ctx, []docstore.AliasAction{
		{Add: true, Index: phys, Alias: ix.Alias()},
	}))
	return ix, store
}

func countEventDocs(t *testing.T, ix *Indexer, store *memory.Store, href string) int {
	t.Helper()
	page, err := store.Search(context.Background(), ix.Alias(), &docstore.SearchRequest{
		Query: (&docstore.Query{}).AddFilter(docstore.Term(fldHref, href)),
		Size:  1000,
	})
	require.NoError(t, err)
	return len(page.Hits)
}

func TestIndexEvent_FanOut(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(10)
	ev.Overrides = []*entity.Event{{
		Href:         ev.Href,
		UID:          ev.UID,
		RecurrenceID: "20240109T100000Z",
		IsOverride:   true,
		Start:        entity.NewDateTime(time.Date(2024, 1, 9, 14, 0, 0, 0, time.UTC)),
		End:          entity.NewDateTime(time.Date(2024, 1, 9, 15, 0, 0, 0, time.UTC)),
	}}

	require.NoError(t, ix.IndexEvent(ctx, ev))
	assert.Equal(t, 11, countEventDocs(t, ix, store, ev.Href))

	doc, err := store.Get(ctx, ix.Alias(), EventDocID(ItemMaster, ev.Href, ""))
	require.NoError(t, err)
	assert.Equal(t, "master", doc.Fields[fldItemKind])
}

func TestIndexEvent_RequiresHref(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)

	ev := weeklyEvent(4)
	ev.Href = ""
	err := ix.IndexEvent(context.Background(), ev)
	assert.ErrorIs(t, err, ErrMissingHref)
}

func TestIndexEvent_ParsedICSEventsStayDistinct(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calidx//test//EN",
		"BEGIN:VEVENT",
		"UID:first",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240102T100000Z",
		"DTEND:20240102T110000Z",
		"SUMMARY:First",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:second",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240103T100000Z",
		"DTEND:20240103T110000Z",
		"SUMMARY:Second",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	events, err := entity.ParseICS(strings.NewReader(ics))
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		require.NoError(t, ix.IndexEvent(ctx, ev))
	}

	page, err := store.Search(ctx, ix.Alias(), &docstore.SearchRequest{
		Query: (&docstore.Query{}).AddFilter(docstore.Term(fldItemKind, ItemMaster.Tag())),
		Size:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

func TestIndexEvent_RewriteIsIdempotent(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(10)
	require.NoError(t, ix.IndexEvent(ctx, ev))
	require.Equal(t, 11, countEventDocs(t, ix, store, ev.Href))

	// Shrinking the recurrence must not leave stale fan-out behind.
	ev.RRules = []string{"FREQ=WEEKLY;COUNT=4"}
	require.NoError(t, ix.IndexEvent(ctx, ev))
	assert.Equal(t, 5, countEventDocs(t, ix, store, ev.Href))
}

func TestDeleteEvent_RemovesWholeFanOut(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(10)
	require.NoError(t, ix.IndexEvent(ctx, ev))
	require.NoError(t, ix.DeleteEvent(ctx, ev.ColPath, ev.UID))
	assert.Zero(t, countEventDocs(t, ix, store, ev.Href))
}

func TestIndexEntity_NonEvent(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindContact)
	ctx := context.Background()

	contact := &entity.Contact{Href: "/contacts/sam", ColPath: "/contacts", UID: "c1", CN: "Sam Dev"}
	require.NoError(t, ix.IndexEntity(ctx, contact))

	resp := ix.FetchEntity(ctx, "/contacts/sam")
	require.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, contact, resp.Entity)
}

func TestFetchEntity_NotFound(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindContact)
	resp := ix.FetchEntity(context.Background(), "/contacts/ghost")
	assert.Equal(t, StatusNotFound, resp.Status)
}

func TestFetchEntity_TombstonedReadsAsNotFound(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindResource)
	ctx := context.Background()

	res := &entity.Resource{Href: "/user/cal/r.bin", ColPath: "/user/cal", Name: "r.bin", Tombstoned: true}
	doc, err := (&DocBuilder{}).Build(entity.KindResource, res)
	require.NoError(t, err)
	require.NoError(t, store.Index(ctx, ix.Alias(), doc))

	resp := ix.FetchEntity(ctx, "/user/cal/r.bin")
	assert.Equal(t, StatusNotFound, resp.Status)
}

func TestFetchEvent_ReconstructsOverrides(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(10)
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

	resp := ix.FetchEvent(ctx, ev.Href)
	require.Equal(t, StatusOK, resp.Status)
	info := resp.Entity
	assert.Equal(t, ev.UID, info.Event.UID)
	require.NotNil(t, info.CurrentAccess)
	assert.True(t, info.CurrentAccess.Allowed)

	require.Len(t, info.Overrides, 1)
	assert.Equal(t, ev.Href, info.Overrides[0].MasterHref)
	assert.Equal(t, "moved", info.Overrides[0].Event.Summary)
	assert.True(t, info.Overrides[0].Event.IsOverride)
}

func TestFetchEvent_SecondReadHitsCache(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(4)
	require.NoError(t, ix.IndexEvent(ctx, ev))

	first := ix.FetchEvent(ctx, ev.Href)
	require.Equal(t, StatusOK, first.Status)
	second := ix.FetchEvent(ctx, ev.Href)
	require.Equal(t, StatusOK, second.Status)

	assert.Same(t, first.Entity, second.Entity)
	assert.Positive(t, ix.CacheStats().Hits)
}

type denyAll struct{}

func (denyAll) CheckAccess(_ AccessTarget, desiredAccess int, _ bool) (*AccessDecision, error) {
	return &AccessDecision{Allowed: false, Desired: desiredAccess}, nil
}

func TestFetchEvent_AccessDenied(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent, func(o *Options) { o.Access = denyAll{} })
	ctx := context.Background()

	ev := weeklyEvent(4)
	require.NoError(t, ix.IndexEvent(ctx, ev))

	resp := ix.FetchEvent(ctx, ev.Href)
	assert.Equal(t, StatusNoAccess, resp.Status)
}

func TestDeleteEntity_AbsentIsNotAnError(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindContact)
	assert.NoError(t, ix.DeleteEntity(context.Background(), "/contacts/ghost"))
}

func TestMarkUpdated_BumpsToken(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	before, err := ix.currentToken(ctx)
	require.NoError(t, err)
	require.NoError(t, ix.MarkUpdated(ctx))
	after, err := ix.currentToken(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	// The base survives a bump; only the count moves.
	assert.Equal(t, before[2:], after[2:])
}

func TestIndexEvent_RejectsLoneOverrideDocument(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)

	ev := weeklyEvent(4)
	ev.RecurrenceID = "20240109T100000Z"
	err := ix.IndexEvent(context.Background(), ev)
	assert.ErrorIs(t, err, ErrOverrideWithoutMaster)
}
