package index

import (
	"context"
	"fmt"

	"calidx/docstore"
	"calidx/entity"
)

// RecurRetrieval selects how recurring events come back from a search.
type RecurRetrieval int

const (
	// RecurOverrides returns one logical event per master, with override
	// children attached.
	RecurOverrides RecurRetrieval = iota
	// RecurExpanded returns individual occurrence documents: instances,
	// overrides and non-recurring masters.
	RecurExpanded
)

// SearchParams describes one query. Filter is the store query produced by
// the external filter-expression compiler; the time range and limits are
// added here.
type SearchParams struct {
	Filter         *docstore.Query
	Start          *entity.DateTime
	End            *entity.DateTime
	RecurMode      RecurRetrieval
	DesiredAccess  int
	IncludeDeleted bool
	Sort           []docstore.SortField
}

// SearchResult is a paged result handle. It carries the total found, the
// window bounds needed for the reconciliation re-check, and whether hits are
// partial projections that require a secondary batched fetch.
type SearchResult struct {
	Found                  int64
	LatestStart            *entity.DateTime
	EarliestEnd            *entity.DateTime
	RequiresSecondaryFetch bool

	params SearchParams
	query  *docstore.Query
}

// SearchEntry is one reconciled result. Event is set for event documents,
// Entity for every other document type.
type SearchEntry struct {
	Href   string
	Score  float64
	Event  *EventInfo
	Entity any
}

// Search builds the store query for params and resolves the total count.
// Hits are retrieved page-wise through GetSearchResult.
func (ix *Indexer) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	q := &docstore.Query{}
	if !params.Filter.IsEmpty() {
		q.AddFilter(docstore.Bool(params.Filter))
	}
	AddDateRangeQuery(q, params.Start, params.End)
	ix.addLimits(q, params)

	sr := &SearchResult{
		// Masters carry a synthetic union window, so a bounded
		// overrides-mode query can only be answered from partial hits
		// plus a batched re-fetch of the full recurrence sets.
		RequiresSecondaryFetch: ix.kind == entity.KindEvent && params.RecurMode == RecurOverrides,
		LatestStart:            params.End,
		EarliestEnd:            params.Start,
		params:                 params,
		query:                  q,
	}

	page, err := ix.store.Search(ctx, ix.Alias(), &docstore.SearchRequest{Query: q, Size: 1})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ix.kind, err)
	}
	sr.Found = page.Total
	return sr, nil
}

// GetSearchResult executes one page of a search and reconciles the raw hits
// into entities. Result order follows the store's native order; no
// re-sorting happens after reconciliation.
func (ix *Indexer) GetSearchResult(ctx context.Context, sr *SearchResult, offset, count int) ([]SearchEntry, error) {
	if err := ix.caches.Observe(ctx, ix.currentToken); err != nil {
		ix.logger.Error("token check failed", "err", err)
	}

	page, err := ix.store.Search(ctx, ix.Alias(), &docstore.SearchRequest{
		Query: sr.query,
		Sort:  sr.params.Sort,
		From:  offset,
		Size:  count,
	})
	if err != nil {
		return nil, fmt.Errorf("search page: %w", err)
	}

	if ix.kind != entity.KindEvent {
		return ix.plainEntries(page.Hits, sr.params.DesiredAccess)
	}
	if sr.params.RecurMode == RecurExpanded {
		return ix.expandedEntries(page.Hits)
	}
	return ix.reconciledEntries(ctx, sr, page.Hits)
}

// plainEntries maps non-event hits straight through the entity builder.
// Access-denied entities are omitted, not errored.
func (ix *Indexer) plainEntries(hits []docstore.Hit, desiredAccess int) ([]SearchEntry, error) {
	if desiredAccess == 0 {
		desiredAccess = AccessRead
	}
	var entries []SearchEntry
	for _, hit := range hits {
		if !ix.allowed(hit.Fields, desiredAccess) {
			continue
		}
		ent, err := ix.entBuilder.Parse(ix.kind, hit.Fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, SearchEntry{
			Href:   getString(hit.Fields, fldHref),
			Score:  hit.Score,
			Entity: ent,
		})
	}
	return entries, nil
}

// expandedEntries returns each occurrence document as its own entry.
func (ix *Indexer) expandedEntries(hits []docstore.Hit) ([]SearchEntry, error) {
	var entries []SearchEntry
	for _, hit := range hits {
		if !ix.allowed(hit.Fields, AccessRead) {
			continue
		}
		ev, err := ix.entBuilder.ParseEvent(hit.Fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, SearchEntry{
			Href:  ev.Href,
			Score: hit.Score,
			Event: &EventInfo{Event: ev},
		})
	}
	return entries, nil
}

// reconciledEntries turns master/override/instance hits back into logical
// events: a secondary batched fetch pulls the full recurrence sets, masters
// are access-checked and re-checked against the real time range, and
// overrides attach to their master's aggregate.
func (ix *Indexer) reconciledEntries(ctx context.Context, sr *SearchResult, hits []docstore.Hit) ([]SearchEntry, error) {
	// Phase one: distinct hrefs in store order.
	var hrefOrder []string
	scores := make(map[string]float64)
	seen := make(map[string]bool)
	for _, hit := range hits {
		href := getString(hit.Fields, fldHref)
		if href == "" || seen[href] {
			continue
		}
		seen[href] = true
		hrefOrder = append(hrefOrder, href)
		scores[href] = hit.Score
	}
	if len(hrefOrder) == 0 {
		return nil, nil
	}

	full, err := ix.secondaryFetch(ctx, hrefOrder)
	if err != nil {
		return nil, err
	}

	// Classify. Masters must pass the access check; denied masters are
	// dropped along with their overrides.
	masters := make(map[string]*EventInfo)
	overrides := make(map[string][]*EventInfo)
	excluded := make(map[string]bool)

	for _, hit := range full {
		kind, _ := ItemKindFromTag(getString(hit.Fields, fldItemKind))
		href := getString(hit.Fields, fldHref)
		switch kind {
		case ItemMaster:
			if !ix.allowed(hit.Fields, AccessRead) {
				excluded[href] = true
				continue
			}
			ev, err := ix.entBuilder.ParseEvent(hit.Fields)
			if err != nil {
				return nil, err
			}
			masters[href] = &EventInfo{Event: ev}
		case ItemOverride:
			ev, err := ix.entBuilder.ParseEvent(hit.Fields)
			if err != nil {
				return nil, err
			}
			overrides[href] = append(overrides[href], &EventInfo{Event: ev, MasterHref: href})
		}
	}

	// Time-range correctness filter: a master's synthetic window can
	// overlap the caller's window while the real occurrences don't.
	if sr.EarliestEnd != nil || sr.LatestStart != nil {
		for href, info := range masters {
			if !info.Event.Recurring() {
				continue
			}
			hit, err := ix.trueWindowOverlap(info.Event, overrides[href], sr.EarliestEnd, sr.LatestStart)
			if err != nil {
				return nil, err
			}
			if !hit {
				delete(masters, href)
				excluded[href] = true
				ix.logger.Debug("master excluded by true-occurrence check", "href", href)
			}
		}
	}

	var entries []SearchEntry
	for _, href := range hrefOrder {
		if excluded[href] {
			continue
		}
		info, okMaster := masters[href]
		if !okMaster {
			continue
		}
		info.Overrides = overrides[href]
		ix.caches.PutEvent(EventDocID(ItemMaster, href, ""), false, false, info)
		entries = append(entries, SearchEntry{Href: href, Score: scores[href], Event: info})
	}
	return entries, nil
}

// secondaryFetch pulls the full master and override documents for a set of
// hrefs, scrolling until the batch is exhausted.
func (ix *Indexer) secondaryFetch(ctx context.Context, hrefs []string) ([]docstore.Hit, error) {
	vals := make([]any, len(hrefs))
	for i, h := range hrefs {
		vals[i] = h
	}
	q := (&docstore.Query{}).AddFilter(
		docstore.Terms(fldHref, vals...),
		docstore.Terms(fldItemKind, ItemMaster.Tag(), ItemOverride.Tag()),
	)

	page, err := ix.store.Search(ctx, ix.Alias(), &docstore.SearchRequest{
		Query:  q,
		Size:   ix.cfg.ScrollPageSize,
		Scroll: ix.cfg.ScrollKeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("secondary fetch: %w", err)
	}

	hits := page.Hits
	cursor := page.ScrollID
	for cursor != "" {
		next, err := ix.store.Scroll(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("secondary fetch scroll: %w", err)
		}
		if len(next.Hits) == 0 {
			break
		}
		hits = append(hits, next.Hits...)
		if next.ScrollID != "" {
			cursor = next.ScrollID
		}
	}
	if cursor != "" {
		if err := ix.store.CloseScroll(ctx, cursor); err != nil {
			ix.logger.Error("close scroll failed", "err", err)
		}
	}
	return hits, nil
}

// trueWindowOverlap recomputes the event's real occurrence periods and
// reports whether any of them overlaps [from, to]. Overridden occurrences
// count at their override's window, not at the rule-derived slot they
// vacated.
func (ix *Indexer) trueWindowOverlap(ev *entity.Event, overrides []*EventInfo, from, to *entity.DateTime) (bool, error) {
	overridden := make(map[string]bool, len(overrides))
	for _, ov := range overrides {
		overridden[normalizeRID(ov.Event.RecurrenceID)] = true
		if windowOverlaps(ov.Event.Start, ov.Event.End, from, to) {
			return true, nil
		}
	}

	periods, err := ix.expander.Occurrences(ev, ix.cfg.capsFor(ev.Public))
	if err != nil {
		return false, err
	}
	for _, p := range periods {
		if overridden[normalizeRID(p.RecurrenceID)] {
			continue
		}
		if windowOverlaps(p.Start, p.End, from, to) {
			return true, nil
		}
	}
	return false, nil
}

func windowOverlaps(start, end entity.DateTime, from, to *entity.DateTime) bool {
	if to != nil && start.After(*to) {
		return false
	}
	if from != nil && end.Before(*from) {
		return false
	}
	return true
}

// AddDateRangeQuery adds the time-range overlap filter to q. Floating events
// are matched in a parallel date space: their local rendering against the
// bounds' local rendering, alongside the absolute-UTC comparison.
func AddDateRangeQuery(q *docstore.Query, start, end *entity.DateTime) {
	if start == nil && end == nil {
		return
	}

	utc := &docstore.Query{}
	floating := (&docstore.Query{}).AddFilter(docstore.Term("start.floating", true))
	if end != nil {
		utc.AddFilter(docstore.RangeLTE("start.utc", end.UTC))
		floating.AddFilter(docstore.RangeLTE("start.local", end.Local))
	}
	if start != nil {
		utc.AddFilter(docstore.RangeGTE("end.utc", start.UTC))
		floating.AddFilter(docstore.RangeGTE("end.local", start.Local))
	}

	q.AddFilter(docstore.Bool(&docstore.Query{
		Should:             []docstore.Clause{docstore.Bool(utc), docstore.Bool(floating)},
		MinimumShouldMatch: 1,
	}))
}

// addLimits adds the deletion-state and item-kind limits for params. Every
// real document carries an href; requiring it keeps the update-tracker
// sentinel out of results.
func (ix *Indexer) addLimits(q *docstore.Query, params SearchParams) {
	q.AddFilter(docstore.Exists(fldHref))
	if !params.IncludeDeleted {
		q.AddMustNot(
			docstore.Term(fldDeleted, true),
			docstore.Term(fldTombstoned, true),
		)
	}
	if ix.kind != entity.KindEvent {
		return
	}

	switch params.RecurMode {
	case RecurExpanded:
		// Instances, overrides, and masters of non-recurring events.
		plainMaster := (&docstore.Query{}).AddFilter(
			docstore.Term(fldItemKind, ItemMaster.Tag()),
			docstore.Term("recurring", false),
		)
		q.AddFilter(docstore.Bool(&docstore.Query{
			Should: []docstore.Clause{
				docstore.Term(fldItemKind, ItemInstance.Tag()),
				docstore.Term(fldItemKind, ItemOverride.Tag()),
				docstore.Bool(plainMaster),
			},
			MinimumShouldMatch: 1,
		}))
	default:
		q.AddFilter(docstore.Terms(fldItemKind,
			ItemMaster.Tag(), ItemOverride.Tag(), ItemInstance.Tag()))
	}
}
