package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"calidx/docstore"
	"calidx/entity"
)

// Indexer is the top-level orchestrator for one document type. It owns the
// recurrence expander, the builder pair and the cache service reference, and
// drives the document store client.
type Indexer struct {
	store      docstore.Store
	kind       entity.Kind
	cfg        Config
	caches     *Caches
	access     AccessChecker
	expander   *Expander
	docBuilder *DocBuilder
	entBuilder *EntityBuilder
	logger     *slog.Logger

	reindexMu sync.Mutex
	reindex   *ReindexStatus
}

// Options configures an Indexer.
type Options struct {
	Store  docstore.Store
	Kind   entity.Kind
	Config Config
	Caches *Caches
	Access AccessChecker
	Logger *slog.Logger
}

// New creates an Indexer for one document type.
func New(opts Options) (*Indexer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Kind == entity.KindNone {
		return nil, fmt.Errorf("entity kind is required")
	}
	if opts.Caches == nil {
		return nil, fmt.Errorf("cache service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	access := opts.Access
	if access == nil {
		access = AllowAll{}
	}
	return &Indexer{
		store:      opts.Store,
		kind:       opts.Kind,
		cfg:        opts.Config.withDefaults(),
		caches:     opts.Caches,
		access:     access,
		expander:   NewExpander(logger),
		docBuilder: &DocBuilder{},
		entBuilder: &EntityBuilder{},
		logger:     logger,
	}, nil
}

// Kind returns the document type this indexer serves.
func (ix *Indexer) Kind() entity.Kind { return ix.kind }

// IndexEntity writes one entity to the index. Events go through recurrence
// materialization; everything else maps to a single document.
func (ix *Indexer) IndexEntity(ctx context.Context, e any) error {
	if ev, isEvent := e.(*entity.Event); isEvent {
		return ix.IndexEvent(ctx, ev)
	}

	doc, err := ix.docBuilder.Build(ix.kind, e)
	if err != nil {
		return err
	}
	if err := ix.store.Index(ctx, ix.Alias(), doc); err != nil {
		return fmt.Errorf("index %s %s: %w", ix.kind, doc.ID, err)
	}
	return ix.MarkUpdated(ctx)
}

// IndexEvent materializes one event's recurrence set into documents. All
// existing master/override/instance documents for the event are deleted
// first; old and new fan-out documents must never be visible together.
func (ix *Indexer) IndexEvent(ctx context.Context, ev *entity.Event) error {
	// The href keys every document id in the fan-out; without it distinct
	// events would collapse onto one document.
	if ev.Href == "" {
		return fmt.Errorf("index event %s: %w", ev.UID, ErrMissingHref)
	}
	if err := ix.deleteEventDocs(ctx, ev.ColPath, ev.UID); err != nil {
		return err
	}

	caps := ix.cfg.capsFor(ev.Public)
	var ops []docstore.BulkOp

	emit := func(kind ItemKind, start, end entity.DateTime, recurrenceID string, override *entity.Event) error {
		source := ev
		if override != nil {
			source = override
		}
		doc, err := ix.docBuilder.BuildEvent(source, kind, start, end, recurrenceID, nil)
		if err != nil {
			return err
		}
		ops = append(ops, docstore.BulkOp{Action: docstore.BulkIndex, Document: doc})
		return nil
	}

	if err := ix.expander.Materialize(ev, caps, emit); err != nil {
		return err
	}

	results, err := ix.store.Bulk(ctx, ix.Alias(), ops)
	if err != nil {
		return fmt.Errorf("index event %s: %w", ev.Href, err)
	}
	var failures int
	for _, r := range results {
		if r.Err != nil {
			failures++
			ix.logger.Error("event document write failed", "href", ev.Href, "docId", r.ID, "err", r.Err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("index event %s: %d of %d documents failed", ev.Href, failures, len(ops))
	}

	ix.logger.Debug("event indexed", "href", ev.Href, "documents", len(ops))
	return ix.MarkUpdated(ctx)
}

// deleteEventDocs removes every fan-out document of one recurrence set.
func (ix *Indexer) deleteEventDocs(ctx context.Context, colPath, uid string) error {
	q := (&docstore.Query{}).AddFilter(
		docstore.Term(fldColPath, colPath),
		docstore.Term(fldUID, uid),
	)
	if _, err := ix.store.DeleteByQuery(ctx, ix.Alias(), q); err != nil {
		return fmt.Errorf("delete event docs %s/%s: %w", colPath, uid, err)
	}
	return nil
}

// DeleteEvent removes an event and its whole fan-out, then bumps the change
// token.
func (ix *Indexer) DeleteEvent(ctx context.Context, colPath, uid string) error {
	if err := ix.deleteEventDocs(ctx, colPath, uid); err != nil {
		return err
	}
	return ix.MarkUpdated(ctx)
}

// DeleteEntity removes a non-event entity document by href. Deleting an
// absent entity is not an error.
func (ix *Indexer) DeleteEntity(ctx context.Context, href string) error {
	err := ix.store.Delete(ctx, ix.Alias(), href)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("delete %s %s: %w", ix.kind, href, err)
	}
	return ix.MarkUpdated(ctx)
}

// FetchEntity reads one entity through the cache.
func (ix *Indexer) FetchEntity(ctx context.Context, href string) Response[any] {
	if err := ix.caches.Observe(ctx, ix.currentToken); err != nil {
		ix.logger.Error("token check failed", "err", err)
	}

	if v, hit := ix.caches.GetEntity(ix.kind, href); hit {
		return ok(v)
	}

	doc, err := ix.store.Get(ctx, ix.Alias(), href)
	if errors.Is(err, docstore.ErrNotFound) {
		return notFound[any]()
	}
	if err != nil {
		return failed[any](err)
	}
	if getBool(doc.Fields, fldTombstoned) {
		return notFound[any]()
	}

	ent, err := ix.entBuilder.Parse(ix.kind, doc.Fields)
	if err != nil {
		return failed[any](err)
	}

	if !ix.allowed(doc.Fields, AccessRead) {
		return noAccess[any]()
	}

	ix.caches.PutEntity(ix.kind, href, ent)
	return ok(ent)
}

// FetchCollection reads a collection through the access-scoped cache. The
// same collection may resolve to different wrappers per desired access.
func (ix *Indexer) FetchCollection(ctx context.Context, href string, desiredAccess int) Response[*entity.Collection] {
	if err := ix.caches.Observe(ctx, ix.currentToken); err != nil {
		ix.logger.Error("token check failed", "err", err)
	}

	if col, hit := ix.caches.GetCollection(href, desiredAccess); hit {
		return ok(col)
	}

	doc, err := ix.store.Get(ctx, ix.Alias(), href)
	if errors.Is(err, docstore.ErrNotFound) {
		return notFound[*entity.Collection]()
	}
	if err != nil {
		return failed[*entity.Collection](err)
	}
	if getBool(doc.Fields, fldTombstoned) {
		return notFound[*entity.Collection]()
	}

	col, err := ix.entBuilder.parseCollection(doc.Fields)
	if err != nil {
		return failed[*entity.Collection](err)
	}
	if !ix.allowed(doc.Fields, desiredAccess) {
		return noAccess[*entity.Collection]()
	}

	ix.caches.PutCollection(href, desiredAccess, col)
	return ok(col)
}

// FetchEvent reconstructs one logical event: the master document plus every
// override document under the same href, wired into an EventInfo aggregate.
func (ix *Indexer) FetchEvent(ctx context.Context, href string) Response[*EventInfo] {
	if err := ix.caches.Observe(ctx, ix.currentToken); err != nil {
		ix.logger.Error("token check failed", "err", err)
	}

	masterID := EventDocID(ItemMaster, href, "")
	if info, hit := ix.caches.GetEvent(masterID, false, false); hit {
		return ok(info)
	}

	doc, err := ix.store.Get(ctx, ix.Alias(), masterID)
	if errors.Is(err, docstore.ErrNotFound) {
		return notFound[*EventInfo]()
	}
	if err != nil {
		return failed[*EventInfo](err)
	}

	master, err := ix.entBuilder.ParseEvent(doc.Fields)
	if err != nil {
		return failed[*EventInfo](err)
	}

	decision, err := ix.access.CheckAccess(targetFrom(doc.Fields), AccessRead, true)
	if err != nil {
		return failed[*EventInfo](err)
	}
	if decision == nil || !decision.Allowed {
		return noAccess[*EventInfo]()
	}

	info := &EventInfo{Event: master, CurrentAccess: decision}

	q := (&docstore.Query{}).AddFilter(
		docstore.Term(fldHref, href),
		docstore.Term(fldItemKind, ItemOverride.Tag()),
	)
	page, err := ix.store.Search(ctx, ix.Alias(), &docstore.SearchRequest{
		Query: q,
		Size:  ix.cfg.UserCaps.MaxInstances,
	})
	if err != nil {
		return failed[*EventInfo](err)
	}
	for _, hit := range page.Hits {
		ov, err := ix.entBuilder.ParseEvent(hit.Fields)
		if err != nil {
			return failed[*EventInfo](err)
		}
		info.Overrides = append(info.Overrides, &EventInfo{
			Event:      ov,
			MasterHref: href,
		})
	}

	ix.caches.PutEvent(masterID, false, false, info)
	return ok(info)
}

// Alias is the live alias name for this document type.
func (ix *Indexer) Alias() string {
	return aliasName(ix.cfg.Prefix, ix.kind)
}

// CacheStats exposes the cache service counters.
func (ix *Indexer) CacheStats() CacheStats { return ix.caches.Stats() }

func (ix *Indexer) allowed(fields map[string]any, desiredAccess int) bool {
	decision, err := ix.access.CheckAccess(targetFrom(fields), desiredAccess, true)
	if err != nil {
		ix.logger.Error("access check failed", "err", err)
		return false
	}
	return decision != nil && decision.Allowed
}

func targetFrom(fields map[string]any) AccessTarget {
	return AccessTarget{
		Href:        getString(fields, fldHref),
		OwnerHref:   getString(fields, fldOwner),
		CreatorHref: getString(fields, fldCreator),
		Public:      getBool(fields, fldPublic),
		ACL:         getString(fields, fldACL),
	}
}
