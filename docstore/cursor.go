package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Iterator yields values one at a time until exhaustion.
//
// Next returns ErrIteratorDone once no values remain; any other error is
// terminal and the iterator must not be used afterwards. Stop releases the
// iterator early; it is safe to call more than once. Iterators are not safe
// for concurrent use by multiple goroutines.
type Iterator[T any] interface {
	Next(ctx context.Context) (T, error)
	Stop()
}

// Map returns an iterator applying fn to every value produced by it.
// Stopping the returned iterator stops it as well.
func Map[T, U any](it Iterator[T], fn func(T) (U, error)) Iterator[U] {
	return &mappedIterator[T, U]{inner: it, fn: fn}
}

// Empty returns an iterator that yields nothing.
func Empty[T any]() Iterator[T] { return emptyIterator[T]{} }

type emptyIterator[T any] struct{}

func (emptyIterator[T]) Next(context.Context) (T, error) {
	var zero T
	return zero, ErrIteratorDone
}

func (emptyIterator[T]) Stop() {}

type mappedIterator[T, U any] struct {
	inner Iterator[T]
	fn    func(T) (U, error)
}

func (m *mappedIterator[T, U]) Next(ctx context.Context) (U, error) {
	var zero U
	v, err := m.inner.Next(ctx)
	if err != nil {
		return zero, err
	}
	return m.fn(v)
}

func (m *mappedIterator[T, U]) Stop() { m.inner.Stop() }

// DefaultBatchSize is the per-round document budget of a Cursor when the
// caller does not choose one.
const DefaultBatchSize = 100

// CursorOptions tunes a Cursor.
type CursorOptions struct {
	// BatchSize caps how many documents one store round trip may return.
	// Zero means DefaultBatchSize.
	BatchSize int64

	// Skip drops this many matching documents before the first yield. The
	// skip is pushed into the store on the first round only; later rounds
	// are positioned by identifier instead.
	Skip int64

	// Limit caps the total number of yielded documents. Zero means
	// unbounded.
	Limit int64
}

// Cursor paginates a filtered collection in bounded memory.
//
// Instead of holding one long-lived store cursor, it issues independent
// rounds of at most BatchSize documents, each round constrained to
// identifiers greater than the last one seen and sorted ascending. That
// keeps memory at O(BatchSize), survives concurrent inserts (a document
// inserted behind the cursor position is never revisited; one inserted ahead
// may or may not appear in the current pass), and yields every document
// matching at the time of its round exactly once, in ascending identifier
// order.
//
// Identifiers are stripped before documents are yielded. A store error ends
// the iteration; there is no retry. A Cursor is not safe for concurrent use.
type Cursor struct {
	coll   Collection
	filter Filter

	batchSize int64
	skip      int64
	limit     int64

	batch   []Document
	pos     int
	lastID  int64
	fetched int64
	started bool
	done    bool
}

var _ Iterator[Document] = (*Cursor)(nil)

// NewCursor returns a cursor over the documents of coll matching filter.
func NewCursor(coll Collection, filter Filter, opts CursorOptions) *Cursor {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Cursor{
		coll:      coll,
		filter:    filter,
		batchSize: batch,
		skip:      opts.Skip,
		limit:     opts.Limit,
	}
}

// Next returns the next matching document, without its identifier.
func (c *Cursor) Next(ctx context.Context) (Document, error) {
	if c.done {
		return nil, ErrIteratorDone
	}
	if c.pos >= len(c.batch) {
		if err := c.fetch(ctx); err != nil {
			c.done = true
			c.batch = nil
			return nil, err
		}
	}
	doc := c.batch[c.pos]
	c.pos++
	return doc, nil
}

// Stop ends the iteration. Nothing beyond the already-fetched batch has been
// requested from the store, so there is nothing else to release.
func (c *Cursor) Stop() {
	c.done = true
	c.batch = nil
}

// fetch loads the next round into c.batch. It returns ErrIteratorDone when
// the store has no further documents for this cursor.
func (c *Cursor) fetch(ctx context.Context) error {
	size := c.batchSize
	if c.limit > 0 {
		remaining := c.limit - c.fetched
		if remaining <= 0 {
			return ErrIteratorDone
		}
		if remaining < size {
			size = remaining
		}
	}

	filter := c.filter
	var skip int64
	if !c.started {
		skip = c.skip
	} else {
		filter = CloneFilter(c.filter)
		filter[IDField] = Filter{"$gt": c.lastID}
	}

	docs, err := c.coll.Find(ctx, filter, FindOptions{Skip: skip, Limit: size})
	if err != nil {
		return err
	}
	c.started = true
	if len(docs) == 0 {
		return ErrIteratorDone
	}

	last, ok := DocumentID(docs[len(docs)-1])
	if !ok {
		return fmt.Errorf("store returned document without %s from %q", IDField, c.coll.Name())
	}
	c.lastID = last
	for _, doc := range docs {
		delete(doc, IDField)
	}

	c.batch = docs
	c.pos = 0
	c.fetched += int64(len(docs))
	return nil
}

// Drain consumes it to exhaustion and returns every value. It stops the
// iterator in all cases.
func Drain[T any](ctx context.Context, it Iterator[T]) ([]T, error) {
	defer it.Stop()
	var out []T
	for {
		v, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, v)
	}
}
