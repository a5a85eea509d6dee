package docstore

import (
	"context"
	"sync"
)

// MemoryDatabase is an in-memory Database. It is the zero-setup backend used
// by tests and examples, and the reference implementation of the Collection
// contract.
type MemoryDatabase struct {
	mu          sync.RWMutex
	collections map[string]*MemoryCollection
}

var _ Database = (*MemoryDatabase)(nil)

// NewMemoryDatabase returns an empty in-memory database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{collections: make(map[string]*MemoryCollection)}
}

// Collection returns the named collection, creating it empty on first use.
func (db *MemoryDatabase) Collection(name string) Collection {
	db.mu.RLock()
	coll, ok := db.collections[name]
	db.mu.RUnlock()
	if ok {
		return coll
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if coll, ok = db.collections[name]; ok {
		return coll
	}
	coll = &MemoryCollection{name: name}
	db.collections[name] = coll
	return coll
}

// Close releases nothing; it exists to satisfy Database.
func (db *MemoryDatabase) Close() error { return nil }

// MemoryCollection is an in-memory Collection. Documents are held in insert
// order, which is also ascending identifier order. All reads return deep
// copies, so callers may mutate results freely.
type MemoryCollection struct {
	name string

	mu     sync.RWMutex
	docs   []Document // ascending IDField order, GUARDED_BY(mu)
	nextID int64      // GUARDED_BY(mu)
}

var _ Collection = (*MemoryCollection)(nil)

// Name returns the collection name.
func (c *MemoryCollection) Name() string { return c.name }

// Insert stores deep copies of docs, assigning strictly increasing ids.
func (c *MemoryCollection) Insert(ctx context.Context, docs ...Document) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		c.nextID++
		stored := CloneDocument(doc)
		stored[IDField] = c.nextID
		c.docs = append(c.docs, stored)
		ids = append(ids, c.nextID)
	}
	return ids, nil
}

// Find returns matching documents in ascending identifier order.
func (c *MemoryCollection) Find(ctx context.Context, filter Filter, opts FindOptions) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Document
	skip := opts.Skip
	for _, doc := range c.docs {
		if !Match(doc, filter) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, CloneDocument(doc))
		if opts.Limit > 0 && int64(len(out)) == opts.Limit {
			break
		}
	}
	return out, nil
}

// CountDocuments returns the exact number of matching documents.
func (c *MemoryCollection) CountDocuments(ctx context.Context, filter Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	for _, doc := range c.docs {
		if Match(doc, filter) {
			n++
		}
	}
	return n, nil
}

// EstimatedDocumentCount returns the collection size. For the in-memory
// store the estimate is exact.
func (c *MemoryCollection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.docs)), nil
}

// Distinct returns unique string values of field over matching documents.
func (c *MemoryCollection) Distinct(ctx context.Context, field string, filter Filter) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, doc := range c.docs {
		if !Match(doc, filter) {
			continue
		}
		val, ok := lookupPath(doc, field)
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// Aggregate evaluates the pipeline stages in order.
func (c *MemoryCollection) Aggregate(ctx context.Context, pipeline []Stage) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	working := make([]Document, 0, len(c.docs))
	for _, doc := range c.docs {
		working = append(working, doc)
	}
	c.mu.RUnlock()

	for _, stage := range pipeline {
		switch {
		case stage.Match != nil:
			var next []Document
			for _, doc := range working {
				if Match(doc, stage.Match) {
					next = append(next, doc)
				}
			}
			working = next
		case stage.Group != nil:
			working = groupMax(working, stage.Group)
		}
	}

	out := make([]Document, 0, len(working))
	for _, doc := range working {
		out = append(out, CloneDocument(doc))
	}
	return out, nil
}

// groupMax folds docs into a single constant-key bucket with max
// accumulators. An empty input yields no result documents.
func groupMax(docs []Document, g *GroupStage) []Document {
	if len(docs) == 0 {
		return nil
	}
	result := Document{IDField: g.Key}
	for outField, srcField := range g.Max {
		var (
			best  float64
			found bool
		)
		for _, doc := range docs {
			val, ok := lookupPath(doc, srcField)
			if !ok {
				continue
			}
			f, ok := asFloat(val)
			if !ok {
				continue
			}
			if !found || f > best {
				best = f
				found = true
			}
		}
		if found {
			result[outField] = best
		}
	}
	return []Document{result}
}
