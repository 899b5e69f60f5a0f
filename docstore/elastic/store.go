// Package elastic implements docstore.Store on top of Elasticsearch using
// the official go-elasticsearch client.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"calidx/docstore"
)

const defaultScrollKeepAlive = 2 * time.Minute

// Config holds connection settings for the Elasticsearch backend.
type Config struct {
	Addresses []string
	Username  string
	Password  string

	// ScrollKeepAlive bounds how long an idle scroll cursor survives
	// between Scroll calls. Defaults to two minutes.
	ScrollKeepAlive time.Duration

	// Logger receives request-level diagnostics. Defaults to a discard
	// handler.
	Logger *slog.Logger
}

// Store implements docstore.Store against an Elasticsearch cluster.
type Store struct {
	es        *elasticsearch.Client
	keepAlive time.Duration
	logger    *slog.Logger
}

// New connects a Store. The cluster is not contacted until the first call.
func New(cfg Config) (*Store, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, &docstore.Error{Op: "connect", Err: err}
	}
	keepAlive := cfg.ScrollKeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultScrollKeepAlive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{es: es, keepAlive: keepAlive, logger: logger}, nil
}

func (s *Store) Get(ctx context.Context, index, id string) (*docstore.Document, error) {
	res, err := s.es.Get(index, id, s.es.Get.WithContext(ctx))
	if err != nil {
		return nil, wrapTransport("get", err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil, docstore.ErrNotFound
	}
	if res.IsError() {
		return nil, storeError("get", res.String())
	}

	var body struct {
		ID      string         `json:"_id"`
		Version int64          `json:"_version"`
		Source  map[string]any `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, &docstore.Error{Op: "get", Err: err}
	}
	return &docstore.Document{ID: body.ID, Version: body.Version, Fields: body.Source}, nil
}

func (s *Store) Index(ctx context.Context, index string, doc *docstore.Document) error {
	payload, err := json.Marshal(doc.Fields)
	if err != nil {
		return &docstore.Error{Op: "index", Err: err}
	}

	var res *responseRaw
	if doc.Version > 0 {
		res, err = doRaw(s.es.Index(index, bytes.NewReader(payload),
			s.es.Index.WithContext(ctx),
			s.es.Index.WithDocumentID(doc.ID),
			s.es.Index.WithVersion(int(doc.Version)),
			s.es.Index.WithVersionType("external"),
		))
	} else {
		res, err = doRaw(s.es.Index(index, bytes.NewReader(payload),
			s.es.Index.WithContext(ctx),
			s.es.Index.WithDocumentID(doc.ID),
		))
	}
	if err != nil {
		return wrapTransport("index", err)
	}
	defer res.close()

	if res.statusCode == 409 {
		return docstore.ErrVersionConflict
	}
	if res.isError {
		return storeError("index", res.detail)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, index, id string) error {
	res, err := doRaw(s.es.Delete(index, id, s.es.Delete.WithContext(ctx)))
	if err != nil {
		return wrapTransport("delete", err)
	}
	defer res.close()

	if res.statusCode == 404 {
		return docstore.ErrNotFound
	}
	if res.isError {
		return storeError("delete", res.detail)
	}
	return nil
}

func (s *Store) Bulk(ctx context.Context, index string, ops []docstore.BulkOp) ([]docstore.BulkResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{"_id": op.Document.ID}
		switch op.Action {
		case docstore.BulkIndex:
			if err := enc.Encode(map[string]any{"index": meta}); err != nil {
				return nil, &docstore.Error{Op: "bulk", Err: err}
			}
			if err := enc.Encode(op.Document.Fields); err != nil {
				return nil, &docstore.Error{Op: "bulk", Err: err}
			}
		case docstore.BulkDelete:
			if err := enc.Encode(map[string]any{"delete": meta}); err != nil {
				return nil, &docstore.Error{Op: "bulk", Err: err}
			}
		}
	}

	res, err := s.es.Bulk(bytes.NewReader(buf.Bytes()),
		s.es.Bulk.WithContext(ctx),
		s.es.Bulk.WithIndex(index),
	)
	if err != nil {
		return nil, wrapTransport("bulk", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, storeError("bulk", res.String())
	}

	var body struct {
		Items []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, &docstore.Error{Op: "bulk", Err: err}
	}

	results := make([]docstore.BulkResult, 0, len(body.Items))
	for _, item := range body.Items {
		for _, detail := range item {
			r := docstore.BulkResult{ID: detail.ID}
			if detail.Error != nil {
				r.Err = fmt.Errorf("%s: %s", detail.Error.Type, detail.Error.Reason)
			}
			results = append(results, r)
		}
	}
	return results, nil
}

func (s *Store) DeleteByQuery(ctx context.Context, index string, q *docstore.Query) (int64, error) {
	body, err := json.Marshal(map[string]any{"query": esQuery(q)})
	if err != nil {
		return 0, &docstore.Error{Op: "deleteByQuery", Err: err}
	}

	res, err := s.es.DeleteByQuery([]string{index}, bytes.NewReader(body),
		s.es.DeleteByQuery.WithContext(ctx),
		s.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return 0, wrapTransport("deleteByQuery", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, storeError("deleteByQuery", res.String())
	}

	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, &docstore.Error{Op: "deleteByQuery", Err: err}
	}
	return out.Deleted, nil
}

func (s *Store) Search(ctx context.Context, index string, req *docstore.SearchRequest) (*docstore.SearchPage, error) {
	body := map[string]any{
		"query":   esQuery(req.Query),
		"version": true,
	}
	if len(req.Sort) > 0 {
		sorts := make([]any, 0, len(req.Sort))
		for _, sf := range req.Sort {
			order := "asc"
			if sf.Descending {
				order = "desc"
			}
			sorts = append(sorts, map[string]any{sf.Field: map[string]any{"order": order}})
		}
		body["sort"] = sorts
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &docstore.Error{Op: "search", Err: err}
	}

	size := req.Size
	if size <= 0 {
		size = 10
	}

	var res *responseRaw
	if req.Scroll > 0 {
		res, err = doRaw(s.es.Search(
			s.es.Search.WithContext(ctx),
			s.es.Search.WithIndex(index),
			s.es.Search.WithBody(bytes.NewReader(payload)),
			s.es.Search.WithSize(size),
			s.es.Search.WithScroll(req.Scroll),
			s.es.Search.WithTrackTotalHits(true),
		))
	} else {
		res, err = doRaw(s.es.Search(
			s.es.Search.WithContext(ctx),
			s.es.Search.WithIndex(index),
			s.es.Search.WithBody(bytes.NewReader(payload)),
			s.es.Search.WithFrom(req.From),
			s.es.Search.WithSize(size),
			s.es.Search.WithTrackTotalHits(true),
		))
	}
	if err != nil {
		return nil, wrapTransport("search", err)
	}
	defer res.close()
	if res.isError {
		return nil, storeError("search", res.detail)
	}
	return decodePage(res.body, "search")
}

func (s *Store) Scroll(ctx context.Context, scrollID string) (*docstore.SearchPage, error) {
	res, err := doRaw(s.es.Scroll(
		s.es.Scroll.WithContext(ctx),
		s.es.Scroll.WithScrollID(scrollID),
		s.es.Scroll.WithScroll(s.keepAlive),
	))
	if err != nil {
		return nil, wrapTransport("scroll", err)
	}
	defer res.close()
	if res.statusCode == 404 {
		return nil, docstore.ErrScrollExpired
	}
	if res.isError {
		return nil, storeError("scroll", res.detail)
	}
	return decodePage(res.body, "scroll")
}

func (s *Store) CloseScroll(ctx context.Context, scrollID string) error {
	res, err := doRaw(s.es.ClearScroll(
		s.es.ClearScroll.WithContext(ctx),
		s.es.ClearScroll.WithScrollID(scrollID),
	))
	if err != nil {
		return wrapTransport("closeScroll", err)
	}
	defer res.close()
	if res.statusCode == 404 {
		return docstore.ErrScrollExpired
	}
	if res.isError {
		return storeError("closeScroll", res.detail)
	}
	return nil
}

func (s *Store) CreateIndex(ctx context.Context, name string, mapping map[string]any) error {
	var body io.Reader
	if mapping != nil {
		payload, err := json.Marshal(mapping)
		if err != nil {
			return &docstore.Error{Op: "createIndex", Err: err}
		}
		body = bytes.NewReader(payload)
	}

	var res *responseRaw
	var err error
	if body != nil {
		res, err = doRaw(s.es.Indices.Create(name,
			s.es.Indices.Create.WithContext(ctx),
			s.es.Indices.Create.WithBody(body),
		))
	} else {
		res, err = doRaw(s.es.Indices.Create(name, s.es.Indices.Create.WithContext(ctx)))
	}
	if err != nil {
		return wrapTransport("createIndex", err)
	}
	defer res.close()
	if res.statusCode == 400 {
		return docstore.ErrIndexExists
	}
	if res.isError {
		return storeError("createIndex", res.detail)
	}
	return nil
}

func (s *Store) DeleteIndexes(ctx context.Context, names []string) error {
	res, err := doRaw(s.es.Indices.Delete(names, s.es.Indices.Delete.WithContext(ctx)))
	if err != nil {
		return wrapTransport("deleteIndexes", err)
	}
	defer res.close()
	if res.statusCode == 404 {
		return docstore.ErrNotFound
	}
	if res.isError {
		return storeError("deleteIndexes", res.detail)
	}
	return nil
}

func (s *Store) IndexNames(ctx context.Context) ([]string, error) {
	res, err := doRaw(s.es.Cat.Indices(
		s.es.Cat.Indices.WithContext(ctx),
		s.es.Cat.Indices.WithFormat("json"),
		s.es.Cat.Indices.WithH("index"),
	))
	if err != nil {
		return nil, wrapTransport("indexNames", err)
	}
	defer res.close()
	if res.isError {
		return nil, storeError("indexNames", res.detail)
	}

	var rows []struct {
		Index string `json:"index"`
	}
	if err := json.NewDecoder(res.body).Decode(&rows); err != nil {
		return nil, &docstore.Error{Op: "indexNames", Err: err}
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Index)
	}
	return names, nil
}

func (s *Store) Aliases(ctx context.Context) (map[string][]string, error) {
	res, err := doRaw(s.es.Indices.GetAlias(s.es.Indices.GetAlias.WithContext(ctx)))
	if err != nil {
		return nil, wrapTransport("aliases", err)
	}
	defer res.close()
	if res.isError {
		return nil, storeError("aliases", res.detail)
	}

	var body map[string]struct {
		Aliases map[string]any `json:"aliases"`
	}
	if err := json.NewDecoder(res.body).Decode(&body); err != nil {
		return nil, &docstore.Error{Op: "aliases", Err: err}
	}
	table := make(map[string][]string, len(body))
	for index, entry := range body {
		if len(entry.Aliases) == 0 {
			continue
		}
		aliases := make([]string, 0, len(entry.Aliases))
		for alias := range entry.Aliases {
			aliases = append(aliases, alias)
		}
		table[index] = aliases
	}
	return table, nil
}

func (s *Store) UpdateAliases(ctx context.Context, actions []docstore.AliasAction) error {
	acts := make([]any, 0, len(actions))
	for _, a := range actions {
		verb := "remove"
		if a.Add {
			verb = "add"
		}
		acts = append(acts, map[string]any{
			verb: map[string]any{"index": a.Index, "alias": a.Alias},
		})
	}
	payload, err := json.Marshal(map[string]any{"actions": acts})
	if err != nil {
		return &docstore.Error{Op: "updateAliases", Err: err}
	}

	res, err := doRaw(s.es.Indices.UpdateAliases(bytes.NewReader(payload),
		s.es.Indices.UpdateAliases.WithContext(ctx),
	))
	if err != nil {
		return wrapTransport("updateAliases", err)
	}
	defer res.close()
	if res.isError {
		return storeError("updateAliases", res.detail)
	}
	return nil
}

func decodePage(body io.Reader, op string) (*docstore.SearchPage, error) {
	var out struct {
		ScrollID string `json:"_scroll_id"`
		Hits     struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Index   string         `json:"_index"`
				ID      string         `json:"_id"`
				Score   float64        `json:"_score"`
				Version int64          `json:"_version"`
				Source  map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, &docstore.Error{Op: op, Err: err}
	}

	page := &docstore.SearchPage{
		Total:    out.Hits.Total.Value,
		ScrollID: out.ScrollID,
	}
	for _, h := range out.Hits.Hits {
		page.Hits = append(page.Hits, docstore.Hit{
			Index:   h.Index,
			ID:      h.ID,
			Score:   h.Score,
			Version: h.Version,
			Fields:  h.Source,
		})
	}
	return page, nil
}

func wrapTransport(op string, err error) error {
	return &docstore.Error{Op: op, Err: fmt.Errorf("%w: %v", docstore.ErrStoreUnavailable, err)}
}

func storeError(op, detail string) error {
	return &docstore.Error{Op: op, Err: fmt.Errorf("store error: %s", detail)}
}
