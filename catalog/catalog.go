// Package catalog provides a lazy, hierarchical catalog of experiment runs
// backed by a document store.
//
// A Catalog maps run uids to Runs; a Run holds its start and stop documents
// and a lazy map of EventStreams; an EventStream exposes its descriptors and
// one lazy field array per data key. Nothing is fetched until asked for:
// listing pages through the store in bounded memory, streams are built on
// first access, and field arrays fetch data block by block.
//
// Catalog views are immutable. Search and AuthenticateAs return new views
// sharing the store handles, so concurrently held views never interfere.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/docstore"
)

var (
	// ErrNotFound reports a lookup of a key the catalog does not contain.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedQuery reports an intent with no registered translator.
	ErrUnsupportedQuery = errors.New("unsupported query kind")

	// ErrEmptyStream reports an event stream with zero descriptors.
	ErrEmptyStream = errors.New("event stream has no descriptors")

	// ErrConfiguration reports an invalid catalog configuration.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrAlreadyAuthenticated reports a rebind of a view that is already
	// bound to an identity.
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrIndexOutOfRange reports a positional index outside the catalog.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// End marks an unbounded stop position in range addressing.
const End int64 = -1

// Collection names of the run document set.
const (
	runStartCollection   = "run_start"
	runStopCollection    = "run_stop"
	descriptorCollection = "event_descriptor"
	eventCollection      = "event"
)

// Config assembles a Catalog. Database is required; everything else has a
// working default.
type Config struct {
	// Database holds the run documents.
	Database docstore.Database

	// Registry translates search intents. Nil means DefaultRegistry.
	Registry *QueryRegistry

	// Policy gates reads per identity. Nil means Unrestricted.
	Policy AccessPolicy

	// Source serves array structure and blocks for stream fields. Nil means
	// a DocumentSource reading event documents from Database.
	Source dataset.Source

	// BatchSize is the pagination round size. Zero means
	// docstore.DefaultBatchSize.
	BatchSize int64

	// EventChunk is the event-axis block length of the default
	// DocumentSource. Ignored when Source is set. Zero means
	// DefaultEventChunk.
	EventChunk int64

	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

// Catalog is an immutable view over the runs of one document store, scoped
// by its search intents and bound identity.
//
// A Catalog is safe for concurrent use.
type Catalog struct {
	db     docstore.Database
	runs   docstore.Collection
	stops  docstore.Collection
	descs  docstore.Collection
	events docstore.Collection

	registry *QueryRegistry
	policy   AccessPolicy
	source   dataset.Source

	intents  []Query
	identity string

	batchSize int64
	logger    *slog.Logger
}

// Entry pairs a run uid with its Run, the item form of positional access.
type Entry struct {
	UID string
	Run *Run
}

// New builds a catalog over cfg.Database. It fails with ErrConfiguration
// when the database is missing or the policy reports itself incompatible.
func New(cfg Config) (*Catalog, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%w: Database is required", ErrConfiguration)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = Unrestricted{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = docstore.DefaultBatchSize
	}

	c := &Catalog{
		db:        cfg.Database,
		runs:      cfg.Database.Collection(runStartCollection),
		stops:     cfg.Database.Collection(runStopCollection),
		descs:     cfg.Database.Collection(descriptorCollection),
		events:    cfg.Database.Collection(eventCollection),
		registry:  registry,
		policy:    policy,
		batchSize: batch,
		logger:    logger,
	}

	c.source = cfg.Source
	if c.source == nil {
		source, err := NewDocumentSource(DocumentSourceConfig{
			Database:   cfg.Database,
			EventChunk: cfg.EventChunk,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		c.source = source
	}

	if !policy.Compatible(c) {
		return nil, fmt.Errorf("%w: access policy %T rejects this catalog", ErrConfiguration, policy)
	}
	return c, nil
}

func (c *Catalog) clone() *Catalog {
	out := *c
	out.intents = append([]Query(nil), c.intents...)
	return &out
}

// Search returns a new view with q appended to the active intents. The
// receiver is never modified. Translation happens at read time, so an
// unregistered kind surfaces as ErrUnsupportedQuery on the first read.
func (c *Catalog) Search(q Query) *Catalog {
	out := c.clone()
	out.intents = append(out.intents, q)
	return out
}

// AuthenticateAs returns a new view bound to identity, routed through the
// access policy. It fails with ErrAlreadyAuthenticated when the view is
// already bound.
func (c *Catalog) AuthenticateAs(identity string) (*Catalog, error) {
	if c.identity != "" {
		return nil, fmt.Errorf("%w: view is bound to %q", ErrAlreadyAuthenticated, c.identity)
	}
	return c.policy.FilterResults(c, identity)
}

// WithIdentity returns a copy of the view bound to identity, with no policy
// involvement. Policies call it from FilterResults; everyone else goes
// through AuthenticateAs.
func (c *Catalog) WithIdentity(identity string) *Catalog {
	out := c.clone()
	out.identity = identity
	return out
}

// Identity returns the identity this view is bound to, empty when unbound.
func (c *Catalog) Identity() string { return c.identity }

// effectiveFilters recomputes the store predicates for one read call: the
// policy extends the stored intents for the current identity, then every
// intent is translated. The result is never cached, so a later rebind is
// reflected immediately.
func (c *Catalog) effectiveFilters() ([]docstore.Filter, error) {
	intents := c.policy.ModifyQueries(c.intents, c.identity)
	filters := make([]docstore.Filter, 0, len(intents)+1)
	for _, q := range intents {
		f, err := c.registry.Translate(q)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// Get returns the run with the given uid. It fails with ErrNotFound when no
// run matches the uid under the view's effective filter.
func (c *Catalog) Get(ctx context.Context, uid string) (*Run, error) {
	filters, err := c.effectiveFilters()
	if err != nil {
		return nil, err
	}
	filter := Combine(append(filters, docstore.Filter{"uid": uid}))
	docs, err := c.runs.Find(ctx, filter, docstore.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: run %q", ErrNotFound, uid)
	}
	doc := docs[0]
	delete(doc, docstore.IDField)
	return c.newRun(ctx, doc)
}

// Keys returns a lazy iterator over the uids of matching runs, in store
// order.
func (c *Catalog) Keys() (docstore.Iterator[string], error) {
	return c.KeysRange(0, End)
}

// Runs returns a lazy iterator over matching runs. Each step builds the Run,
// issuing its stream-name query.
func (c *Catalog) Runs() (docstore.Iterator[*Run], error) {
	return c.RunsRange(0, End)
}

// Entries returns a lazy iterator over uid and Run pairs.
func (c *Catalog) Entries() (docstore.Iterator[Entry], error) {
	return c.EntriesRange(0, End)
}

// KeysRange returns the uids of the matching runs with positions in
// [start, stop). A stop of End means unbounded.
func (c *Catalog) KeysRange(start, stop int64) (docstore.Iterator[string], error) {
	docs, err := c.docRange(start, stop)
	if err != nil {
		return nil, err
	}
	return docstore.Map(docs, runUID), nil
}

// RunsRange returns the matching runs with positions in [start, stop). A
// stop of End means unbounded.
func (c *Catalog) RunsRange(start, stop int64) (docstore.Iterator[*Run], error) {
	docs, err := c.docRange(start, stop)
	if err != nil {
		return nil, err
	}
	return &runIterator{c: c, docs: docs}, nil
}

// EntriesRange returns uid and Run pairs with positions in [start, stop). A
// stop of End means unbounded.
func (c *Catalog) EntriesRange(start, stop int64) (docstore.Iterator[Entry], error) {
	runs, err := c.RunsRange(start, stop)
	if err != nil {
		return nil, err
	}
	return docstore.Map(runs, func(r *Run) (Entry, error) {
		return Entry{UID: r.UID(), Run: r}, nil
	}), nil
}

// EntryAt returns the entry at position i. It fails with ErrIndexOutOfRange
// when i is negative or at least the catalog length.
func (c *Catalog) EntryAt(ctx context.Context, i int64) (Entry, error) {
	if i < 0 {
		return Entry{}, fmt.Errorf("%w: index %d", ErrIndexOutOfRange, i)
	}
	filters, err := c.effectiveFilters()
	if err != nil {
		return Entry{}, err
	}
	docs, err := c.runs.Find(ctx, Combine(filters), docstore.FindOptions{Skip: i, Limit: 1})
	if err != nil {
		return Entry{}, err
	}
	if len(docs) == 0 {
		return Entry{}, fmt.Errorf("%w: index %d", ErrIndexOutOfRange, i)
	}
	doc := docs[0]
	delete(doc, docstore.IDField)
	run, err := c.newRun(ctx, doc)
	if err != nil {
		return Entry{}, err
	}
	return Entry{UID: run.UID(), Run: run}, nil
}

// Len returns the exact number of matching runs.
func (c *Catalog) Len(ctx context.Context) (int64, error) {
	filters, err := c.effectiveFilters()
	if err != nil {
		return 0, err
	}
	return c.runs.CountDocuments(ctx, Combine(filters))
}

// LenHint returns a cheap, approximate catalog size. It answers from store
// statistics and ignores active intents and policy.
func (c *Catalog) LenHint(ctx context.Context) (int64, error) {
	return c.runs.EstimatedDocumentCount(ctx)
}

// docRange returns a document iterator over the matching run start documents
// with positions in [start, stop).
func (c *Catalog) docRange(start, stop int64) (docstore.Iterator[docstore.Document], error) {
	if start < 0 || (stop != End && stop < 0) {
		return nil, fmt.Errorf("%w: range [%d, %d)", ErrIndexOutOfRange, start, stop)
	}
	filters, err := c.effectiveFilters()
	if err != nil {
		return nil, err
	}
	if stop != End && stop <= start {
		return docstore.Empty[docstore.Document](), nil
	}
	opts := docstore.CursorOptions{BatchSize: c.batchSize, Skip: start}
	if stop != End {
		opts.Limit = stop - start
	}
	return docstore.NewCursor(c.runs, Combine(filters), opts), nil
}

type runIterator struct {
	c    *Catalog
	docs docstore.Iterator[docstore.Document]
}

func (r *runIterator) Next(ctx context.Context) (*Run, error) {
	doc, err := r.docs.Next(ctx)
	if err != nil {
		return nil, err
	}
	return r.c.newRun(ctx, doc)
}

func (r *runIterator) Stop() { r.docs.Stop() }

func runUID(doc docstore.Document) (string, error) {
	uid, ok := doc["uid"].(string)
	if !ok {
		return "", errors.New("run start document has no string uid")
	}
	return uid, nil
}
