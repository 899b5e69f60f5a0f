package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"calidx/docstore"
)

// The update token is a sentinel document in each index: a monotonically
// increasing count plus a base id minted at creation. The change token
// exposed to caches is "<count>:<base>", so any write that bumps the count
// invalidates cheaply.
const tokenDocID = "updateTracker"

// currentToken reads the change token, lazily creating the sentinel on
// first use.
func (ix *Indexer) currentToken(ctx context.Context) (string, error) {
	doc, err := ix.store.Get(ctx, ix.Alias(), tokenDocID)
	if errors.Is(err, docstore.ErrNotFound) {
		return ix.createToken(ctx)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", getString(doc.Fields, "count"), getString(doc.Fields, "token")), nil
}

func (ix *Indexer) createToken(ctx context.Context) (string, error) {
	base := uuid.NewString()
	doc := &docstore.Document{
		ID:      tokenDocID,
		Version: 1,
		Fields: map[string]any{
			"count": "1",
			"token": base,
		},
	}
	err := ix.store.Index(ctx, ix.Alias(), doc)
	if errors.Is(err, docstore.ErrVersionConflict) {
		// Lost a creation race; the winner's token is the truth.
		return ix.currentToken(ctx)
	}
	if err != nil {
		return "", err
	}
	return "1:" + base, nil
}

// MarkUpdated bumps the change token and flags the cache service dirty so
// the next staleness check forces an invalidation. A version conflict on the
// touch write means a concurrent writer already bumped it, which serves the
// same purpose and is ignored.
func (ix *Indexer) MarkUpdated(ctx context.Context) error {
	defer ix.caches.MarkDirty()

	doc, err := ix.store.Get(ctx, ix.Alias(), tokenDocID)
	if errors.Is(err, docstore.ErrNotFound) {
		_, err = ix.createToken(ctx)
		return err
	}
	if err != nil {
		return err
	}

	count, _ := strconv.ParseInt(getString(doc.Fields, "count"), 10, 64)
	next := &docstore.Document{
		ID:      tokenDocID,
		Version: count + 1,
		Fields: map[string]any{
			"count": strconv.FormatInt(count+1, 10),
			"token": getString(doc.Fields, "token"),
		},
	}
	err = ix.store.Index(ctx, ix.Alias(), next)
	if errors.Is(err, docstore.ErrVersionConflict) {
		return nil
	}
	return err
}
