package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calidx/docstore"
	"calidx/docstore/memory"
	"calidx/entity"
)

func waitForReindex(t *testing.T, ix *Indexer) ReindexSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := ix.ReindexStatus()
		require.True(t, ok)
		if snap.State != ReindexProcessing {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reindex did not finish in time")
	return ReindexSnapshot{}
}

func TestReindex_RebuildsAndSwapsAlias(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	ev := weeklyEvent(4)
	ev.Overrides = []*entity.Event{{
		Href:         ev.Href,
		UID:          ev.UID,
		RecurrenceID: "20240109T100000Z",
		IsOverride:   true,
		Start:        entity.NewDateTime(time.Date(2024, 1, 9, 14, 0, 0, 0, time.UTC)),
		End:          entity.NewDateTime(time.Date(2024, 1, 9, 15, 0, 0, 0, time.UTC)),
	}}
	require.NoError(t, ix.IndexEvent(ctx, ev))

	other := weeklyEvent(4)
	other.Href = "/user/cal/other.ics"
	other.UID = "other"
	require.NoError(t, ix.IndexEvent(ctx, other))

	snap, err := ix.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReindexProcessing, snap.State)
	newIndex := snap.NewIndex
	require.NotEmpty(t, newIndex)

	snap = waitForReindex(t, ix)
	require.Equal(t, ReindexDone, snap.State)
	assert.Equal(t, int64(2), snap.Processed)
	// 1 override + 4 instances... minus the overridden one, plus masters:
	// event one fans out to 5 docs, the other to 5.
	assert.Equal(t, int64(10), snap.Indexed)
	assert.Zero(t, snap.TotalFailed)

	// The alias now serves the rebuilt index.
	table, err := store.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ix.Alias()}, table[newIndex])
	assert.Empty(t, table["tevent20240101000000"])

	page, err := store.Search(ctx, newIndex, &docstore.SearchRequest{
		Query: (&docstore.Query{}).AddFilter(docstore.Exists(fldHref)),
		Size:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), page.Total)

	// Override content survives the round trip through the old index.
	ovDoc, err := store.Get(ctx, newIndex, EventDocID(ItemOverride, ev.Href, "20240109T100000Z"))
	require.NoError(t, err)
	assert.Equal(t, "override", ovDoc.Fields[fldItemKind])
}

func TestReindex_NonEventCopiesDocuments(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindContact)
	ctx := context.Background()

	require.NoError(t, ix.IndexEntity(ctx, &entity.Contact{Href: "/contacts/sam", UID: "c1", CN: "Sam Dev"}))
	require.NoError(t, ix.IndexEntity(ctx, &entity.Contact{Href: "/contacts/kim", UID: "c2", CN: "Kim Ops"}))

	snap, err := ix.Reindex(ctx)
	require.NoError(t, err)
	newIndex := snap.NewIndex

	snap = waitForReindex(t, ix)
	require.Equal(t, ReindexDone, snap.State)
	assert.Equal(t, int64(2), snap.Indexed)

	doc, err := store.Get(ctx, newIndex, "/contacts/sam")
	require.NoError(t, err)
	assert.Equal(t, "Sam Dev", doc.Fields["cn"])

	// The update-tracker sentinel is regenerated, never copied.
	_, err = store.Get(ctx, newIndex, tokenDocID)
	assert.NoError(t, err, "token recreated by the post-swap bump")
}

// scrollFailStore fails every Scroll call and counts cursor releases.
type scrollFailStore struct {
	*memory.Store
	closed int
}

func (s *scrollFailStore) Scroll(ctx context.Context, scrollID string) (*docstore.SearchPage, error) {
	return nil, errors.New("scroll context lost")
}

func (s *scrollFailStore) CloseScroll(ctx context.Context, scrollID string) error {
	s.closed++
	return s.Store.CloseScroll(ctx, scrollID)
}

func TestReindex_ScrollFailureReleasesCursor(t *testing.T) {
	var flaky *scrollFailStore
	ix, _ := newTestIndexer(t, entity.KindEvent, func(o *Options) {
		flaky = &scrollFailStore{Store: o.Store.(*memory.Store)}
		o.Store = flaky
		o.Config.ScrollPageSize = 1
	})
	ctx := context.Background()

	require.NoError(t, ix.IndexEvent(ctx, weeklyEvent(2)))
	other := weeklyEvent(2)
	other.Href = "/user/cal/other.ics"
	other.UID = "other"
	require.NoError(t, ix.IndexEvent(ctx, other))

	_, err := ix.Reindex(ctx)
	require.NoError(t, err)

	snap := waitForReindex(t, ix)
	require.Equal(t, ReindexFailed, snap.State)
	assert.Contains(t, snap.Err, "scroll")
	assert.Equal(t, 1, flaky.closed, "failed run must release its cursor")
}

func TestReindex_ReturnsInFlightRun(t *testing.T) {
	ix, _ := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()
	require.NoError(t, ix.IndexEvent(ctx, weeklyEvent(4)))

	first, err := ix.Reindex(ctx)
	require.NoError(t, err)

	second, err := ix.Reindex(ctx)
	require.NoError(t, err)
	if second.State == ReindexProcessing {
		assert.Equal(t, first.NewIndex, second.NewIndex)
	}
	waitForReindex(t, ix)
}

func TestSetAlias_AtomicMove(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	second := ix.Alias() + "20250101000000"
	require.NoError(t, store.CreateIndex(ctx, second, nil))
	require.NoError(t, ix.SetAlias(ctx, second))

	table, err := store.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ix.Alias()}, table[second])
	assert.Empty(t, table["tevent20240101000000"], "old holder released in the same batch")
}

func TestPurgeIndexes_OnlyOrphansMatchingPattern(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	orphan := ix.Alias() + "20230101000000"
	require.NoError(t, store.CreateIndex(ctx, orphan, nil))
	require.NoError(t, store.CreateIndex(ctx, "unrelated-index", nil))

	purged, err := ix.PurgeIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, purged)

	names, err := store.IndexNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "unrelated-index")
	assert.Contains(t, names, "tevent20240101000000", "aliased index survives")
	assert.NotContains(t, names, orphan)
}

func TestAliasTable_ScopedToType(t *testing.T) {
	ix, store := newTestIndexer(t, entity.KindEvent)
	ctx := context.Background()

	require.NoError(t, store.CreateIndex(ctx, "unrelated-index", nil))
	require.NoError(t, store.UpdateAliases(ctx, []docstore.AliasAction{
		{Add: true, Index: "unrelated-index", Alias: "somewhere-else"},
	}))

	table, err := ix.AliasTable(ctx)
	require.NoError(t, err)
	assert.Contains(t, table, "tevent20240101000000")
	assert.NotContains(t, table, "unrelated-index")
}
