package elastic

import "calidx/docstore"

// esQuery translates the structured query model into the Elasticsearch
// bool-query DSL.
func esQuery(q *docstore.Query) map[string]any {
	if q.IsEmpty() {
		return map[string]any{"match_all": map[string]any{}}
	}

	b := map[string]any{}
	if len(q.Must) > 0 {
		b["must"] = esClauses(q.Must)
	}
	if len(q.Filter) > 0 {
		b["filter"] = esClauses(q.Filter)
	}
	if len(q.Should) > 0 {
		b["should"] = esClauses(q.Should)
		if q.MinimumShouldMatch > 0 {
			b["minimum_should_match"] = q.MinimumShouldMatch
		}
	}
	if len(q.MustNot) > 0 {
		b["must_not"] = esClauses(q.MustNot)
	}
	return map[string]any{"bool": b}
}

func esClauses(cs []docstore.Clause) []any {
	out := make([]any, 0, len(cs))
	for _, c := range cs {
		out = append(out, esClause(c))
	}
	return out
}

func esClause(c docstore.Clause) map[string]any {
	switch c.Kind {
	case docstore.KindTerm:
		return map[string]any{"term": map[string]any{c.Field: map[string]any{"value": c.Value}}}
	case docstore.KindTerms:
		return map[string]any{"terms": map[string]any{c.Field: c.Values}}
	case docstore.KindPrefix:
		return map[string]any{"prefix": map[string]any{c.Field: c.Value}}
	case docstore.KindRange:
		bounds := map[string]any{}
		if c.GT != "" {
			bounds["gt"] = c.GT
		}
		if c.GTE != "" {
			bounds["gte"] = c.GTE
		}
		if c.LT != "" {
			bounds["lt"] = c.LT
		}
		if c.LTE != "" {
			bounds["lte"] = c.LTE
		}
		return map[string]any{"range": map[string]any{c.Field: bounds}}
	case docstore.KindExists:
		return map[string]any{"exists": map[string]any{"field": c.Field}}
	case docstore.KindBool:
		return esQuery(c.Sub)
	default:
		return map[string]any{"match_none": map[string]any{}}
	}
}
