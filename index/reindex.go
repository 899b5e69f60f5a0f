package index

import (
	"context"
	"fmt"
	"time"

	"calidx/docstore"
	"calidx/entity"
)

// ReindexState is the lifecycle of one reindex run.
type ReindexState int

const (
	ReindexProcessing ReindexState = iota
	ReindexDone
	ReindexFailed
)

func (s ReindexState) String() string {
	switch s {
	case ReindexProcessing:
		return "processing"
	case ReindexDone:
		return "done"
	case ReindexFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReindexStatus tracks one reindex run. It is shared between the pipeline
// goroutine and status callers; read it through Snapshot.
type ReindexStatus struct {
	newIndex string
	started  time.Time

	state     ReindexState
	processed int64
	finished  time.Time
	err       error

	writer *bulkWriter
}

// ReindexSnapshot is a point-in-time view of a run.
type ReindexSnapshot struct {
	State       ReindexState
	NewIndex    string
	Processed   int64
	Indexed     int64
	TotalFailed int64
	Failures    []BulkFailure
	Started     time.Time
	Finished    time.Time
	Err         string
}

// Snapshot returns the current view of the run. The indexer's reindex mutex
// guards the mutable fields.
func (ix *Indexer) snapshotLocked(st *ReindexStatus) ReindexSnapshot {
	snap := ReindexSnapshot{
		State:     st.state,
		NewIndex:  st.newIndex,
		Processed: st.processed,
		Started:   st.started,
		Finished:  st.finished,
	}
	if st.err != nil {
		snap.Err = st.err.Error()
	}
	if st.writer != nil {
		snap.Indexed, snap.Failures, snap.TotalFailed = st.writer.Stats()
	}
	return snap
}

// ReindexStatus returns the snapshot of the most recent run, or false when
// no run has started.
func (ix *Indexer) ReindexStatus() (ReindexSnapshot, bool) {
	ix.reindexMu.Lock()
	defer ix.reindexMu.Unlock()
	if ix.reindex == nil {
		return ReindexSnapshot{}, false
	}
	return ix.snapshotLocked(ix.reindex), true
}

// Reindex rebuilds this type's index into a fresh physical index and, on
// success, atomically moves the alias onto it. The rebuild runs in the
// background; the returned snapshot describes the run just started. Calling
// Reindex while a run is already processing returns that run's snapshot
// instead of starting another.
func (ix *Indexer) Reindex(ctx context.Context) (ReindexSnapshot, error) {
	ix.reindexMu.Lock()
	defer ix.reindexMu.Unlock()

	if ix.reindex != nil && ix.reindex.state == ReindexProcessing {
		return ix.snapshotLocked(ix.reindex), nil
	}

	newIndex := ix.newIndexName()
	if err := ix.store.CreateIndex(ctx, newIndex, nil); err != nil {
		return ReindexSnapshot{}, fmt.Errorf("reindex %s: %w", ix.kind, err)
	}

	st := &ReindexStatus{
		newIndex: newIndex,
		started:  time.Now(),
		state:    ReindexProcessing,
		writer:   newBulkWriter(ix.store, newIndex, ix.cfg, ix.logger),
	}
	ix.reindex = st
	ix.logger.Info("reindex started", "kind", ix.kind, "index", newIndex)

	go ix.runReindex(context.WithoutCancel(ctx), st)
	return ix.snapshotLocked(st), nil
}

// runReindex drives the rebuild: scroll the live alias, refeed every logical
// entity through materialization into the bulk writer, drain, swap the alias.
// A failed run leaves the new index in place for inspection; the alias stays
// on the old index.
func (ix *Indexer) runReindex(ctx context.Context, st *ReindexStatus) {
	err := ix.reindexPipeline(ctx, st)

	ix.reindexMu.Lock()
	defer ix.reindexMu.Unlock()
	st.finished = time.Now()
	if err != nil {
		st.state = ReindexFailed
		st.err = err
		ix.logger.Error("reindex failed", "kind", ix.kind, "index", st.newIndex, "err", err)
		return
	}
	st.state = ReindexDone
	indexed, _, failed := st.writer.Stats()
	ix.logger.Info("reindex finished",
		"kind", ix.kind, "index", st.newIndex,
		"processed", st.processed, "indexed", indexed, "failed", failed)
}

func (ix *Indexer) reindexPipeline(ctx context.Context, st *ReindexStatus) error {
	oldAlias := ix.Alias()

	q := &docstore.Query{}
	if ix.kind == entity.KindEvent {
		// Masters only: each master hit re-fans its whole recurrence set,
		// so override and instance documents of the old index are
		// regenerated rather than copied.
		q.AddFilter(docstore.Term(fldItemKind, ItemMaster.Tag()))
	}

	page, err := ix.store.Search(ctx, oldAlias, &docstore.SearchRequest{
		Query:  q,
		Size:   ix.cfg.ScrollPageSize,
		Scroll: ix.cfg.ScrollKeepAlive,
	})
	if err != nil {
		return fmt.Errorf("open scroll: %w", err)
	}
	cursor := page.ScrollID

	for len(page.Hits) > 0 {
		for _, hit := range page.Hits {
			if hit.ID == tokenDocID {
				continue
			}
			if err := ix.refeed(ctx, st, oldAlias, hit); err != nil {
				ix.logger.Error("reindex entity failed", "docId", hit.ID, "err", err)
				st.writer.statMu.Lock()
				st.writer.recordFailureLocked(hit.ID, err.Error())
				st.writer.statMu.Unlock()
			}
			ix.reindexMu.Lock()
			st.processed++
			ix.reindexMu.Unlock()
		}

		if cursor == "" {
			break
		}
		page, err = ix.store.Scroll(ctx, cursor)
		if err != nil {
			// Drain what was already queued before reporting; the new
			// index stays behind for inspection. The cursor is released
			// rather than left to its keep-alive.
			if derr := st.writer.Drain(ctx, ix.cfg.BulkDrainTimeout); derr != nil {
				ix.logger.Error("drain after scroll failure", "err", derr)
			}
			if cerr := ix.store.CloseScroll(ctx, cursor); cerr != nil {
				ix.logger.Error("close scroll failed", "err", cerr)
			}
			return fmt.Errorf("scroll: %w", err)
		}
		if page.ScrollID != "" {
			cursor = page.ScrollID
		}
	}

	if cursor != "" {
		if err := ix.store.CloseScroll(ctx, cursor); err != nil {
			ix.logger.Error("close scroll failed", "err", err)
		}
	}

	if err := st.writer.Drain(ctx, ix.cfg.BulkDrainTimeout); err != nil {
		return err
	}

	if err := ix.SetAlias(ctx, st.newIndex); err != nil {
		return err
	}
	return ix.MarkUpdated(ctx)
}

// refeed rebuilds one logical entity into the bulk writer. Event masters are
// reconstructed with their overrides from the old index and re-materialized;
// everything else passes through unchanged.
func (ix *Indexer) refeed(ctx context.Context, st *ReindexStatus, oldAlias string, hit docstore.Hit) error {
	if ix.kind != entity.KindEvent {
		st.writer.Add(ctx, docstore.BulkOp{
			Action: docstore.BulkIndex,
			Document: &docstore.Document{
				ID:     hit.ID,
				Type:   ix.kind.DocType(),
				Fields: hit.Fields,
			},
		})
		return nil
	}

	master, err := ix.entBuilder.ParseEvent(hit.Fields)
	if err != nil {
		return err
	}
	ovq := (&docstore.Query{}).AddFilter(
		docstore.Term(fldHref, master.Href),
		docstore.Term(fldItemKind, ItemOverride.Tag()),
	)
	ovPage, err := ix.store.Search(ctx, oldAlias, &docstore.SearchRequest{
		Query: ovq,
		Size:  ix.cfg.capsFor(master.Public).MaxInstances,
	})
	if err != nil {
		return err
	}
	for _, ovHit := range ovPage.Hits {
		ov, err := ix.entBuilder.ParseEvent(ovHit.Fields)
		if err != nil {
			return err
		}
		ov.IsOverride = true
		master.Overrides = append(master.Overrides, ov)
	}

	emit := func(kind ItemKind, start, end entity.DateTime, recurrenceID string, override *entity.Event) error {
		source := master
		if override != nil {
			source = override
		}
		doc, err := ix.docBuilder.BuildEvent(source, kind, start, end, recurrenceID, nil)
		if err != nil {
			return err
		}
		st.writer.Add(ctx, docstore.BulkOp{Action: docstore.BulkIndex, Document: doc})
		return nil
	}
	return ix.expander.Materialize(master, ix.cfg.capsFor(master.Public), emit)
}
