// Package memory provides an in-memory docstore.Store for tests and
// embedded use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"calidx/docstore"
)

// Store implements docstore.Store using in-memory maps. All operations are
// safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	indexes map[string]*memIndex
	aliases map[string]string // alias -> physical index
	scrolls map[string]*memScroll
}

type memIndex struct {
	docs  map[string]*docstore.Document
	order []string // insertion order, for deterministic iteration
}

type memScroll struct {
	index string
	ids   []string // remaining ids
	size  int
	total int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		indexes: make(map[string]*memIndex),
		aliases: make(map[string]string),
		scrolls: make(map[string]*memScroll),
	}
}

// resolve maps an alias or physical name to the physical index, or nil.
func (s *Store) resolve(name string) *memIndex {
	if idx, ok := s.indexes[name]; ok {
		return idx
	}
	if phys, ok := s.aliases[name]; ok {
		return s.indexes[phys]
	}
	return nil
}

func (s *Store) Get(_ context.Context, index, id string) (*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.resolve(index)
	if idx == nil {
		return nil, docstore.ErrNotFound
	}
	doc, ok := idx.docs[id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (s *Store) Index(_ context.Context, index string, doc *docstore.Document) error {
	if doc == nil || doc.ID == "" {
		return &docstore.Error{Op: "index", Err: fmt.Errorf("missing document id")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.resolve(index)
	if idx == nil {
		// Auto-create on first write, as the backend would.
		idx = &memIndex{docs: make(map[string]*docstore.Document)}
		s.indexes[s.physical(index)] = idx
	}
	return idx.put(doc)
}

// physical returns the physical name behind an alias, or the name itself.
func (s *Store) physical(name string) string {
	if phys, ok := s.aliases[name]; ok {
		return phys
	}
	return name
}

func (ix *memIndex) put(doc *docstore.Document) error {
	prev, exists := ix.docs[doc.ID]
	if doc.Version > 0 && exists && prev.Version >= doc.Version {
		return docstore.ErrVersionConflict
	}
	if !exists {
		ix.order = append(ix.order, doc.ID)
	}
	ix.docs[doc.ID] = copyDoc(doc)
	return nil
}

func (s *Store) Delete(_ context.Context, index, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.resolve(index)
	if idx == nil {
		return docstore.ErrNotFound
	}
	if _, ok := idx.docs[id]; !ok {
		return docstore.ErrNotFound
	}
	idx.remove(id)
	return nil
}

func (ix *memIndex) remove(id string) {
	delete(ix.docs, id)
	for i, other := range ix.order {
		if other == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
}

func (s *Store) Bulk(_ context.Context, index string, ops []docstore.BulkOp) ([]docstore.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.resolve(index)
	if idx == nil {
		idx = &memIndex{docs: make(map[string]*docstore.Document)}
		s.indexes[s.physical(index)] = idx
	}

	results := make([]docstore.BulkResult, 0, len(ops))
	for _, op := range ops {
		res := docstore.BulkResult{}
		if op.Document == nil || op.Document.ID == "" {
			res.Err = fmt.Errorf("missing document id")
			results = append(results, res)
			continue
		}
		res.ID = op.Document.ID
		switch op.Action {
		case docstore.BulkIndex:
			res.Err = idx.put(op.Document)
		case docstore.BulkDelete:
			if _, ok := idx.docs[op.Document.ID]; !ok {
				res.Err = docstore.ErrNotFound
			} else {
				idx.remove(op.Document.ID)
			}
		default:
			res.Err = fmt.Errorf("unknown bulk action %d", op.Action)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Store) DeleteByQuery(_ context.Context, index string, q *docstore.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.resolve(index)
	if idx == nil {
		return 0, nil
	}
	var doomed []string
	for id, doc := range idx.docs {
		if evalQuery(doc.Fields, q) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		idx.remove(id)
	}
	return int64(len(doomed)), nil
}

func (s *Store) Search(_ context.Context, index string, req *docstore.SearchRequest) (*docstore.SearchPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.resolve(index)
	if idx == nil {
		return &docstore.SearchPage{}, nil
	}

	matched := make([]string, 0)
	for _, id := range idx.order {
		if evalQuery(idx.docs[id].Fields, req.Query) {
			matched = append(matched, id)
		}
	}
	if len(req.Sort) > 0 {
		sortIDs(idx, matched, req.Sort)
	}

	page := &docstore.SearchPage{Total: int64(len(matched))}
	size := req.Size
	if size <= 0 {
		size = 10
	}

	if req.Scroll > 0 {
		cursor := uuid.NewString()
		sc := &memScroll{index: s.physical(index), ids: matched, size: size, total: page.Total}
		page.Hits = s.takeHits(idx, sc)
		page.ScrollID = cursor
		s.scrolls[cursor] = sc
		return page, nil
	}

	from := req.From
	if from > len(matched) {
		from = len(matched)
	}
	to := from + size
	if to > len(matched) {
		to = len(matched)
	}
	for _, id := range matched[from:to] {
		page.Hits = append(page.Hits, toHit(s.physical(index), idx.docs[id]))
	}
	return page, nil
}

// takeHits pops the next page off a scroll cursor.
func (s *Store) takeHits(idx *memIndex, sc *memScroll) []docstore.Hit {
	n := sc.size
	if n > len(sc.ids) {
		n = len(sc.ids)
	}
	hits := make([]docstore.Hit, 0, n)
	for _, id := range sc.ids[:n] {
		if doc, ok := idx.docs[id]; ok {
			hits = append(hits, toHit(sc.index, doc))
		}
	}
	sc.ids = sc.ids[n:]
	return hits
}

func (s *Store) Scroll(_ context.Context, scrollID string) (*docstore.SearchPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scrolls[scrollID]
	if !ok {
		return nil, docstore.ErrScrollExpired
	}
	idx := s.indexes[sc.index]
	if idx == nil {
		return nil, docstore.ErrScrollExpired
	}
	page := &docstore.SearchPage{Total: sc.total, ScrollID: scrollID}
	page.Hits = s.takeHits(idx, sc)
	return page, nil
}

func (s *Store) CloseScroll(_ context.Context, scrollID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scrolls[scrollID]; !ok {
		return docstore.ErrScrollExpired
	}
	delete(s.scrolls, scrollID)
	return nil
}

func (s *Store) CreateIndex(_ context.Context, name string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.indexes[name]; exists {
		return docstore.ErrIndexExists
	}
	s.indexes[name] = &memIndex{docs: make(map[string]*docstore.Document)}
	return nil
}

func (s *Store) DeleteIndexes(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		if _, exists := s.indexes[name]; !exists {
			return docstore.ErrNotFound
		}
	}
	for _, name := range names {
		delete(s.indexes, name)
		for alias, phys := range s.aliases {
			if phys == name {
				delete(s.aliases, alias)
			}
		}
	}
	return nil
}

func (s *Store) IndexNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.indexes))
	for name := range s.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Aliases(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := make(map[string][]string)
	for alias, phys := range s.aliases {
		table[phys] = append(table[phys], alias)
	}
	for _, aliases := range table {
		sort.Strings(aliases)
	}
	return table, nil
}

func (s *Store) UpdateAliases(_ context.Context, actions []docstore.AliasAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate first so the batch applies atomically.
	for _, a := range actions {
		if a.Add {
			if _, exists := s.indexes[a.Index]; !exists {
				return &docstore.Error{Op: "updateAliases", Err: fmt.Errorf("no such index %q", a.Index)}
			}
		}
	}
	for _, a := range actions {
		if a.Add {
			s.aliases[a.Alias] = a.Index
		} else if s.aliases[a.Alias] == a.Index {
			delete(s.aliases, a.Alias)
		}
	}
	return nil
}

func toHit(index string, doc *docstore.Document) docstore.Hit {
	return docstore.Hit{
		Index:   index,
		ID:      doc.ID,
		Score:   1,
		Version: doc.Version,
		Fields:  copyFields(doc.Fields),
	}
}

func copyDoc(doc *docstore.Document) *docstore.Document {
	return &docstore.Document{
		ID:      doc.ID,
		Type:    doc.Type,
		Version: doc.Version,
		Fields:  copyFields(doc.Fields),
	}
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyFields(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func sortIDs(idx *memIndex, ids []string, fields []docstore.SortField) {
	sort.SliceStable(ids, func(i, j int) bool {
		a := idx.docs[ids[i]].Fields
		b := idx.docs[ids[j]].Fields
		for _, sf := range fields {
			av := stringValue(lookupOne(a, sf.Field))
			bv := stringValue(lookupOne(b, sf.Field))
			if av == bv {
				continue
			}
			if sf.Descending {
				return av > bv
			}
			return av < bv
		}
		return false
	})
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// lookupOne resolves a dotted path to the first matching value.
func lookupOne(fields map[string]any, path string) any {
	vals := lookup(fields, path)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// lookup resolves a dotted path against a field tree, descending into
// arrays of nested objects the way the backend's flattened mapping would.
func lookup(fields map[string]any, path string) []any {
	parts := strings.Split(path, ".")
	current := []any{any(fields)}
	for _, part := range parts {
		var next []any
		for _, node := range current {
			switch tn := node.(type) {
			case map[string]any:
				if v, ok := tn[part]; ok {
					next = append(next, flatten(v)...)
				}
			case []any:
				for _, e := range tn {
					if m, ok := e.(map[string]any); ok {
						if v, ok := m[part]; ok {
							next = append(next, flatten(v)...)
						}
					}
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

func flatten(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

func evalQuery(fields map[string]any, q *docstore.Query) bool {
	if q.IsEmpty() {
		return true
	}
	for _, c := range q.Must {
		if !evalClause(fields, c) {
			return false
		}
	}
	for _, c := range q.Filter {
		if !evalClause(fields, c) {
			return false
		}
	}
	for _, c := range q.MustNot {
		if evalClause(fields, c) {
			return false
		}
	}
	if len(q.Should) > 0 {
		needed := q.MinimumShouldMatch
		if needed <= 0 {
			if len(q.Must) > 0 || len(q.Filter) > 0 {
				needed = 0
			} else {
				needed = 1
			}
		}
		matched := 0
		for _, c := range q.Should {
			if evalClause(fields, c) {
				matched++
			}
		}
		if matched < needed {
			return false
		}
	}
	return true
}

func evalClause(fields map[string]any, c docstore.Clause) bool {
	switch c.Kind {
	case docstore.KindTerm:
		for _, v := range lookup(fields, c.Field) {
			if stringValue(v) == stringValue(c.Value) {
				return true
			}
		}
		return false
	case docstore.KindTerms:
		for _, v := range lookup(fields, c.Field) {
			for _, want := range c.Values {
				if stringValue(v) == stringValue(want) {
					return true
				}
			}
		}
		return false
	case docstore.KindPrefix:
		for _, v := range lookup(fields, c.Field) {
			if strings.HasPrefix(stringValue(v), stringValue(c.Value)) {
				return true
			}
		}
		return false
	case docstore.KindRange:
		for _, v := range lookup(fields, c.Field) {
			if inRange(stringValue(v), c) {
				return true
			}
		}
		return false
	case docstore.KindExists:
		return len(lookup(fields, c.Field)) > 0
	case docstore.KindBool:
		if c.Sub == nil {
			return true
		}
		return evalQuery(fields, c.Sub)
	default:
		return false
	}
}

func inRange(v string, c docstore.Clause) bool {
	if c.GT != "" && !(v > c.GT) {
		return false
	}
	if c.GTE != "" && !(v >= c.GTE) {
		return false
	}
	if c.LT != "" && !(v < c.LT) {
		return false
	}
	if c.LTE != "" && !(v <= c.LTE) {
		return false
	}
	return true
}
