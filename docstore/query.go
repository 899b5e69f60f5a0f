package docstore

// The structured query model below is the boundary between the indexing core
// and whatever filter-expression compiler sits in front of it. It is a small
// subset of a boolean query tree: enough for term/terms/prefix/range/exists
// clauses combined with must/filter/should/must-not occurrence.

// ClauseKind discriminates Clause.
type ClauseKind int

const (
	// KindTerm matches Field == Value.
	KindTerm ClauseKind = iota
	// KindTerms matches Field equal to any of Values.
	KindTerms
	// KindPrefix matches string fields beginning with Value.
	KindPrefix
	// KindRange matches Field against the GT/GTE/LT/LTE bounds that are
	// non-empty. Bounds compare as strings, which is sufficient for the
	// fixed-width date formats this module indexes.
	KindRange
	// KindExists matches documents where Field is present.
	KindExists
	// KindBool nests a sub-query.
	KindBool
)

// Clause is one leaf or nested node of a query tree.
type Clause struct {
	Kind   ClauseKind
	Field  string
	Value  any
	Values []any
	GT     string
	GTE    string
	LT     string
	LTE    string
	Sub    *Query
}

// Query is a boolean combination of clauses. A nil or empty Query matches
// every document.
type Query struct {
	Must    []Clause
	Filter  []Clause
	Should  []Clause
	MustNot []Clause

	// MinimumShouldMatch applies when Should is non-empty; zero means one
	// should-clause must match unless Must/Filter are also present.
	MinimumShouldMatch int
}

// Term builds an equality clause.
func Term(field string, value any) Clause {
	return Clause{Kind: KindTerm, Field: field, Value: value}
}

// Terms builds a set-membership clause.
func Terms(field string, values ...any) Clause {
	return Clause{Kind: KindTerms, Field: field, Values: values}
}

// Prefix builds a string-prefix clause.
func Prefix(field, value string) Clause {
	return Clause{Kind: KindPrefix, Field: field, Value: value}
}

// Exists builds a field-presence clause.
func Exists(field string) Clause {
	return Clause{Kind: KindExists, Field: field}
}

// RangeLTE builds a Field <= value clause.
func RangeLTE(field, value string) Clause {
	return Clause{Kind: KindRange, Field: field, LTE: value}
}

// RangeGTE builds a Field >= value clause.
func RangeGTE(field, value string) Clause {
	return Clause{Kind: KindRange, Field: field, GTE: value}
}

// Bool wraps a sub-query as a clause.
func Bool(sub *Query) Clause {
	return Clause{Kind: KindBool, Sub: sub}
}

// AddMust appends clauses to the must list and returns q for chaining.
func (q *Query) AddMust(cs ...Clause) *Query {
	q.Must = append(q.Must, cs...)
	return q
}

// AddFilter appends clauses to the filter list and returns q for chaining.
func (q *Query) AddFilter(cs ...Clause) *Query {
	q.Filter = append(q.Filter, cs...)
	return q
}

// AddShould appends clauses to the should list and returns q for chaining.
func (q *Query) AddShould(cs ...Clause) *Query {
	q.Should = append(q.Should, cs...)
	return q
}

// AddMustNot appends clauses to the must-not list and returns q for chaining.
func (q *Query) AddMustNot(cs ...Clause) *Query {
	q.MustNot = append(q.MustNot, cs...)
	return q
}

// IsEmpty reports whether the query constrains anything at all.
func (q *Query) IsEmpty() bool {
	if q == nil {
		return true
	}
	return len(q.Must) == 0 && len(q.Filter) == 0 && len(q.Should) == 0 && len(q.MustNot) == 0
}
