// Package docstore defines the document-store boundary the indexing core is
// written against: JSON-like documents addressed by id within named indexes,
// with search, scroll, bulk and alias primitives. Two implementations ship
// with this module, docstore/memory for tests and embedding and
// docstore/elastic for production.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a document or index doesn't exist.
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict is returned when an external-version write loses
	// against a newer document version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrIndexExists is returned when creating an index that already exists.
	ErrIndexExists = errors.New("index already exists")
	// ErrScrollExpired is returned when a scroll cursor is unknown or has
	// been released.
	ErrScrollExpired = errors.New("scroll cursor expired")
	// ErrStoreUnavailable wraps transport-level failures talking to the
	// backend. Callers may retry.
	ErrStoreUnavailable = errors.New("document store unavailable")
)

// Error carries an operation name alongside the underlying failure so store
// errors stay distinguishable after wrapping.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("docstore: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Document is the unit of storage. Fields is a tree of scalars, []any and
// nested map[string]any values; arrays of nested maps represent repeated
// sub-structures such as attendees or x-properties.
type Document struct {
	ID      string
	Type    string
	Version int64
	Fields  map[string]any
}

// Hit is a single search or scroll result.
type Hit struct {
	Index   string
	ID      string
	Score   float64
	Version int64
	Fields  map[string]any
}

// SortField orders search results by a document field.
type SortField struct {
	Field      string
	Descending bool
}

// SearchRequest describes one search round trip. A zero Scroll means no
// cursor is opened; From is ignored when scrolling.
type SearchRequest struct {
	Query  *Query
	Sort   []SortField
	From   int
	Size   int
	Scroll time.Duration
}

// SearchPage is one page of hits. ScrollID is non-empty when a cursor was
// requested and more pages may follow.
type SearchPage struct {
	Hits     []Hit
	Total    int64
	ScrollID string
}

// BulkAction discriminates bulk operations.
type BulkAction int

const (
	BulkIndex BulkAction = iota
	BulkDelete
)

// BulkOp is a single entry in a bulk request.
type BulkOp struct {
	Action   BulkAction
	Document *Document
}

// BulkResult reports the outcome of one bulk entry, in request order.
type BulkResult struct {
	ID  string
	Err error
}

// AliasAction adds or removes one alias on one index. A batch of actions
// passed to UpdateAliases is applied atomically.
type AliasAction struct {
	Add   bool
	Index string
	Alias string
}

// Store is the client contract for a document store. Index arguments accept
// either a physical index name or an alias, except where noted. All calls
// block on I/O and honor ctx cancellation.
type Store interface {
	// Get fetches one document by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, index, id string) (*Document, error)

	// Index writes one document. A Version > 0 requests external-version
	// semantics: the write is rejected with ErrVersionConflict unless the
	// given version is strictly greater than the stored one.
	Index(ctx context.Context, index string, doc *Document) error

	// Delete removes one document by id. Deleting an absent document
	// returns ErrNotFound.
	Delete(ctx context.Context, index, id string) error

	// Bulk applies a batch of operations and reports per-item results.
	// A non-nil error means the whole batch failed to execute.
	Bulk(ctx context.Context, index string, ops []BulkOp) ([]BulkResult, error)

	// DeleteByQuery removes every document matching q and reports how
	// many were deleted.
	DeleteByQuery(ctx context.Context, index string, q *Query) (int64, error)

	// Search runs one query. When req.Scroll is non-zero the returned
	// page carries a cursor for Scroll.
	Search(ctx context.Context, index string, req *SearchRequest) (*SearchPage, error)

	// Scroll advances a cursor. An empty hit list signals exhaustion.
	// Cursors are not safe for concurrent advancement.
	Scroll(ctx context.Context, scrollID string) (*SearchPage, error)

	// CloseScroll releases a server-side cursor.
	CloseScroll(ctx context.Context, scrollID string) error

	// CreateIndex creates a physical index with the given mapping.
	CreateIndex(ctx context.Context, name string, mapping map[string]any) error

	// DeleteIndexes removes physical indexes by exact name.
	DeleteIndexes(ctx context.Context, names []string) error

	// IndexNames lists all physical index names.
	IndexNames(ctx context.Context) ([]string, error)

	// Aliases returns the alias table keyed by physical index name.
	Aliases(ctx context.Context) (map[string][]string, error)

	// UpdateAliases applies alias add/remove actions atomically.
	UpdateAliases(ctx context.Context, actions []AliasAction) error
}
