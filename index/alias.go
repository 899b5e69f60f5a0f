package index

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"calidx/docstore"
	"calidx/entity"
)

// Index naming convention: the live alias is "<prefix><lowercased-doctype>";
// physical reindex targets append a 14-digit timestamp suffix. Only names
// matching the latter pattern are eligible for orphan purge.

func aliasName(prefix string, kind entity.Kind) string {
	return prefix + strings.ToLower(kind.DocType())
}

// newIndexName mints a fresh physical index name for a reindex run.
func (ix *Indexer) newIndexName() string {
	return ix.Alias() + time.Now().UTC().Format("20060102150405")
}

func (ix *Indexer) indexNamePattern() *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(ix.Alias()) + `\d{14}$`)
}

// SetAlias atomically moves the type's alias onto newIndex: one alias-update
// batch removes it from every index currently holding it and adds it to the
// new one.
func (ix *Indexer) SetAlias(ctx context.Context, newIndex string) error {
	alias := ix.Alias()

	table, err := ix.store.Aliases(ctx)
	if err != nil {
		return fmt.Errorf("set alias %s: %w", alias, err)
	}

	var actions []docstore.AliasAction
	for indexName, aliases := range table {
		for _, a := range aliases {
			if a == alias && indexName != newIndex {
				actions = append(actions, docstore.AliasAction{Index: indexName, Alias: alias})
			}
		}
	}
	actions = append(actions, docstore.AliasAction{Add: true, Index: newIndex, Alias: alias})

	if err := ix.store.UpdateAliases(ctx, actions); err != nil {
		return fmt.Errorf("set alias %s -> %s: %w", alias, newIndex, err)
	}
	ix.logger.Info("alias moved", "alias", alias, "index", newIndex)
	return nil
}

// AliasTable returns the alias table restricted to this type's indexes:
// every physical index matching the naming convention or holding the alias.
func (ix *Indexer) AliasTable(ctx context.Context) (map[string][]string, error) {
	table, err := ix.store.Aliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("alias table: %w", err)
	}

	alias := ix.Alias()
	pattern := ix.indexNamePattern()
	out := make(map[string][]string)
	for indexName, aliases := range table {
		if pattern.MatchString(indexName) {
			out[indexName] = aliases
			continue
		}
		for _, a := range aliases {
			if a == alias {
				out[indexName] = aliases
				break
			}
		}
	}
	return out, nil
}

// PurgeIndexes deletes every index that matches this type's naming
// convention and is not referenced by any alias. The names removed are
// returned.
func (ix *Indexer) PurgeIndexes(ctx context.Context) ([]string, error) {
	names, err := ix.store.IndexNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("purge indexes: %w", err)
	}
	table, err := ix.store.Aliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("purge indexes: %w", err)
	}

	pattern := ix.indexNamePattern()
	var doomed []string
	for _, name := range names {
		if !pattern.MatchString(name) {
			continue
		}
		if len(table[name]) > 0 {
			continue
		}
		doomed = append(doomed, name)
	}
	if len(doomed) == 0 {
		return nil, nil
	}

	if err := ix.store.DeleteIndexes(ctx, doomed); err != nil {
		return nil, fmt.Errorf("purge indexes: %w", err)
	}
	ix.logger.Info("orphan indexes purged", "count", len(doomed))
	return doomed, nil
}
