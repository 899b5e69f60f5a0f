package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"calidx/docstore"
)

// maxRecordedFailures caps the itemized failure list kept by a bulk writer;
// anything beyond the cap is only counted.
const maxRecordedFailures = 50

// BulkFailure records one failed document write.
type BulkFailure struct {
	ID  string
	Err string
}

// bulkWriter batches documents into store bulk requests. Batches flush when
// they reach the action or byte limit, or when a new add arrives after the
// flush interval has elapsed. Flushes run on background goroutines, with the
// number in flight bounded by a semaphore so a slow store applies
// backpressure to the producer.
type bulkWriter struct {
	store  docstore.Store
	index  string
	logger *slog.Logger

	maxActions int
	maxBytes   int
	flushEvery time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	mu           sync.Mutex
	pending      []docstore.BulkOp
	pendingBytes int
	lastFlush    time.Time

	statMu      sync.Mutex
	indexed     int64
	failures    []BulkFailure
	totalFailed int64
}

func newBulkWriter(store docstore.Store, index string, cfg Config, logger *slog.Logger) *bulkWriter {
	return &bulkWriter{
		store:      store,
		index:      index,
		logger:     logger,
		maxActions: cfg.BulkMaxActions,
		maxBytes:   cfg.BulkMaxBytes,
		flushEvery: cfg.BulkFlushEvery,
		sem:        make(chan struct{}, cfg.BulkMaxInFlight),
		lastFlush:  time.Now(),
	}
}

// Add queues one operation, flushing the current batch first when it is full
// or stale.
func (w *bulkWriter) Add(ctx context.Context, op docstore.BulkOp) {
	size := opSize(op)

	w.mu.Lock()
	full := len(w.pending) >= w.maxActions ||
		(w.pendingBytes > 0 && w.pendingBytes+size > w.maxBytes)
	stale := len(w.pending) > 0 && time.Since(w.lastFlush) >= w.flushEvery
	if full || stale {
		w.flushLocked(ctx)
	}
	w.pending = append(w.pending, op)
	w.pendingBytes += size
	w.mu.Unlock()
}

// flushLocked hands the pending batch to a background sender. Caller holds
// w.mu; the semaphore acquire happens off the lock, so a saturated store
// blocks the sender goroutines rather than the producer.
func (w *bulkWriter) flushLocked(ctx context.Context) {
	batch := w.pending
	w.pending = nil
	w.pendingBytes = 0
	w.lastFlush = time.Now()
	if len(batch) == 0 {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sem <- struct{}{}
		defer func() { <-w.sem }()
		w.send(ctx, batch)
	}()
}

func (w *bulkWriter) send(ctx context.Context, batch []docstore.BulkOp) {
	results, err := w.store.Bulk(ctx, w.index, batch)
	if err != nil {
		w.logger.Error("bulk batch failed", "index", w.index, "actions", len(batch), "err", err)
		w.statMu.Lock()
		for _, op := range batch {
			w.recordFailureLocked(opID(op), err.Error())
		}
		w.statMu.Unlock()
		return
	}

	w.statMu.Lock()
	for _, r := range results {
		if r.Err != nil {
			w.recordFailureLocked(r.ID, r.Err.Error())
			continue
		}
		w.indexed++
	}
	w.statMu.Unlock()
}

func (w *bulkWriter) recordFailureLocked(id, msg string) {
	w.totalFailed++
	if len(w.failures) < maxRecordedFailures {
		w.failures = append(w.failures, BulkFailure{ID: id, Err: msg})
	}
}

// Drain flushes the final batch and waits for every in-flight sender. It
// fails loudly on timeout rather than silently abandoning writes.
func (w *bulkWriter) Drain(ctx context.Context, timeout time.Duration) error {
	w.mu.Lock()
	w.flushLocked(ctx)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("bulk drain timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns indexed count, the recorded failures and the total failure
// count (which may exceed the recorded list).
func (w *bulkWriter) Stats() (indexed int64, failures []BulkFailure, totalFailed int64) {
	w.statMu.Lock()
	defer w.statMu.Unlock()
	out := make([]BulkFailure, len(w.failures))
	copy(out, w.failures)
	return w.indexed, out, w.totalFailed
}

func opSize(op docstore.BulkOp) int {
	if op.Document == nil {
		return 64
	}
	raw, err := json.Marshal(op.Document.Fields)
	if err != nil {
		return 64
	}
	return len(raw) + len(op.Document.ID) + 64
}

func opID(op docstore.BulkOp) string {
	if op.Document != nil {
		return op.Document.ID
	}
	return ""
}
