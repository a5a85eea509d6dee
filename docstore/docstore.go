// Package docstore defines the document-store contract the run catalog is
// built on: ordered, filterable, countable collections of schemaless
// documents with a store-assigned, strictly increasing identifier.
//
// The package ships three implementations of the contract: an in-memory
// store (this file tree), a SQLite-backed store (sqlitestore) and a
// DuckDB-backed store (duckstore). The catalog layer drives collections only
// through the Collection interface, so any store honoring the identifier and
// ordering rules below can back a catalog.
package docstore

import (
	"context"
	"errors"
)

// IDField is the reserved document key carrying the store-assigned
// identifier. Identifiers are int64, strictly increasing in insert order,
// and never reused. The identifier exists for cursor stability only;
// pagination strips it before documents reach callers.
const IDField = "_id"

// ErrIteratorDone is returned by Iterator.Next when the iterator has been
// exhausted or stopped.
var ErrIteratorDone = errors.New("iterator done")

// ErrUnsupportedFilter is wrapped by the SQL-backed stores when a filter
// falls outside the operator subset documented on Filter. The in-memory
// store mismatches such filters instead of rejecting them.
var ErrUnsupportedFilter = errors.New("unsupported filter expression")

// Document is one stored record. Values are the JSON-compatible subset:
// nil, bool, string, float64, int64, []any and map[string]any. Stores may
// widen integer values to float64 on round-trip; callers comparing numbers
// should compare by value, not by Go type.
type Document = map[string]any

// Filter is a store-native predicate over documents. The supported shape is
// a conjunction of per-field conditions:
//
//	{"field": value}                      equality
//	{"field": {"$gt": v}}                 ordered comparison, also $gte/$lt/$lte
//	{"field": {"$in": [v1, v2]}}          membership
//	{"$and": [f1, f2, ...]}               nested conjunction
//	{"$text": {"$search": "needle"}}      substring match over string fields
//
// Field names may use dotted paths ("sample.position"). An empty Filter
// matches every document. No other operators are defined; stores reject or
// mismatch anything outside this subset.
type Filter = map[string]any

// CloneFilter returns a top-level copy of f, safe for adding conditions
// without mutating the original. Nested values are shared.
func CloneFilter(f Filter) Filter {
	out := make(Filter, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	return out
}

// CloneDocument returns a deep copy of doc. Maps and slices are copied
// recursively; scalar values are shared.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// DocumentID extracts the store identifier from a document returned by
// Collection.Find. The second return is false when the document carries no
// identifier (for example after pagination stripped it).
func DocumentID(doc Document) (int64, bool) {
	v, ok := doc[IDField]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	case float64:
		return int64(id), true
	default:
		return 0, false
	}
}

// FindOptions bounds a single Find call.
type FindOptions struct {
	// Skip drops this many matching documents before returning any.
	Skip int64

	// Limit caps the number of returned documents. Zero means no limit.
	Limit int64
}

// Stage is one aggregation pipeline step. A stage carries exactly one of a
// Match filter or a Group.
type Stage struct {
	// Match narrows the working set to documents satisfying the filter.
	Match Filter

	// Group collapses the working set into a single result document.
	Group *GroupStage
}

// GroupStage folds every document of the working set into one bucket with a
// constant key, computing max accumulators. The result document carries the
// bucket key under IDField and one numeric entry per accumulator. An empty
// working set produces no result documents.
type GroupStage struct {
	// Key is the constant bucket identifier.
	Key string

	// Max maps output field names to the source field whose maximum value
	// is computed.
	Max map[string]string
}

// Collection is filtered, counted, ordered access to one named document set.
//
// Contract:
//   - Find returns matching documents in ascending IDField order, each
//     including its identifier. Returned documents are fresh copies the
//     caller may mutate.
//   - CountDocuments is exact; EstimatedDocumentCount may answer from store
//     statistics and ignores any filter.
//   - Distinct returns the unique string values of a field over matching
//     documents.
//   - Aggregate evaluates the stages in order against the full collection.
//
// Implementations MUST be safe for concurrent use.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Insert stores the documents and returns their assigned identifiers
	// in input order.
	Insert(ctx context.Context, docs ...Document) ([]int64, error)

	// Find returns documents matching filter, ascending by identifier.
	Find(ctx context.Context, filter Filter, opts FindOptions) ([]Document, error)

	// CountDocuments returns the exact number of matching documents.
	CountDocuments(ctx context.Context, filter Filter) (int64, error)

	// EstimatedDocumentCount returns an approximate collection size.
	EstimatedDocumentCount(ctx context.Context) (int64, error)

	// Distinct returns the unique string values of field across matching
	// documents, in first-appearance order.
	Distinct(ctx context.Context, field string, filter Filter) ([]string, error)

	// Aggregate runs the pipeline and returns its result documents.
	Aggregate(ctx context.Context, pipeline []Stage) ([]Document, error)
}

// Database groups named collections of one store. Collection never fails;
// unknown names resolve to empty collections created on demand.
//
// Implementations MUST be safe for concurrent use.
type Database interface {
	Collection(name string) Collection
	Close() error
}
