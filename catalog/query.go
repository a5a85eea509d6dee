package catalog

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"

	"github.com/lumen-lab/beamline-go/docstore"
)

// Query is a backend-agnostic search intent. The built-in intents below
// cover the common cases; an external intent implements Query and registers
// a translator for its kind with the registry before first use.
type Query interface {
	// Kind returns the tag the registry dispatches on.
	Kind() string
}

// Kind tags of the built-in intents.
const (
	KindFullText     = "full_text"
	KindKeyLookup    = "key_lookup"
	KindRawFilter    = "raw_filter"
	KindSampleRegion = "sample_region"
)

// FullText matches runs containing the text anywhere in their start
// document.
type FullText struct {
	Text string
}

func (FullText) Kind() string { return KindFullText }

// KeyLookup matches the single run with the given uid.
type KeyLookup struct {
	UID string
}

func (KeyLookup) Kind() string { return KindKeyLookup }

// RawFilter passes a store-native predicate through untranslated.
type RawFilter struct {
	Filter docstore.Filter
}

func (RawFilter) Kind() string { return KindRawFilter }

// SampleRegion matches runs whose recorded sample position lies inside a
// bounding box. XField and YField are dotted document paths of the
// coordinate values.
type SampleRegion struct {
	XField string
	YField string
	Bound  orb.Bound
}

func (SampleRegion) Kind() string { return KindSampleRegion }

// TranslateFunc converts one intent into a store-native predicate.
type TranslateFunc func(Query) (docstore.Filter, error)

// QueryRegistry maps intent kinds to translators. Registration is explicit;
// nothing registers itself on import.
//
// A QueryRegistry is safe for concurrent use.
type QueryRegistry struct {
	mu          sync.RWMutex
	translators map[string]TranslateFunc
}

// NewQueryRegistry returns an empty registry.
func NewQueryRegistry() *QueryRegistry {
	return &QueryRegistry{translators: make(map[string]TranslateFunc)}
}

// DefaultRegistry returns a registry with all built-in intents registered.
func DefaultRegistry() *QueryRegistry {
	r := NewQueryRegistry()
	r.Register(KindFullText, translateFullText)
	r.Register(KindKeyLookup, translateKeyLookup)
	r.Register(KindRawFilter, translateRawFilter)
	r.Register(KindSampleRegion, translateSampleRegion)
	return r
}

// Register associates kind with a translator. Re-registering a kind
// replaces the previous translator.
func (r *QueryRegistry) Register(kind string, fn TranslateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translators[kind] = fn
}

// Translate converts q into a store predicate. It fails with
// ErrUnsupportedQuery when no translator is registered for the intent's
// kind.
func (r *QueryRegistry) Translate(q Query) (docstore.Filter, error) {
	r.mu.RLock()
	fn, ok := r.translators[q.Kind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedQuery, q.Kind())
	}
	return fn(q)
}

// Combine AND-composes predicates into one. No predicates yields the
// match-everything predicate.
func Combine(filters []docstore.Filter) docstore.Filter {
	switch len(filters) {
	case 0:
		return docstore.Filter{}
	case 1:
		return docstore.CloneFilter(filters[0])
	}
	clauses := make([]any, len(filters))
	for i, f := range filters {
		clauses[i] = f
	}
	return docstore.Filter{"$and": clauses}
}

func translateFullText(q Query) (docstore.Filter, error) {
	ft, ok := q.(FullText)
	if !ok {
		return nil, kindMismatch(KindFullText, q)
	}
	return docstore.Filter{"$text": docstore.Filter{"$search": ft.Text}}, nil
}

func translateKeyLookup(q Query) (docstore.Filter, error) {
	kl, ok := q.(KeyLookup)
	if !ok {
		return nil, kindMismatch(KindKeyLookup, q)
	}
	return docstore.Filter{"uid": kl.UID}, nil
}

func translateRawFilter(q Query) (docstore.Filter, error) {
	rf, ok := q.(RawFilter)
	if !ok {
		return nil, kindMismatch(KindRawFilter, q)
	}
	return docstore.CloneFilter(rf.Filter), nil
}

func translateSampleRegion(q Query) (docstore.Filter, error) {
	sr, ok := q.(SampleRegion)
	if !ok {
		return nil, kindMismatch(KindSampleRegion, q)
	}
	if sr.XField == "" || sr.YField == "" {
		return nil, fmt.Errorf("%w: sample region needs X and Y field paths", ErrUnsupportedQuery)
	}
	b := sr.Bound
	return docstore.Filter{
		sr.XField: docstore.Filter{"$gte": b.Left(), "$lte": b.Right()},
		sr.YField: docstore.Filter{"$gte": b.Bottom(), "$lte": b.Top()},
	}, nil
}

func kindMismatch(kind string, q Query) error {
	return fmt.Errorf("%w: %T is not the built-in %q intent", ErrUnsupportedQuery, q, kind)
}
