package catalog

import (
	"context"
	"fmt"

	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/docstore"
)

// Run is one experiment run: its start metadata, its stop document once the
// run has ended, and a lazy map of event streams.
//
// A Run is safe for concurrent use.
type Run struct {
	uid     string
	start   docstore.Document
	stop    docstore.Document
	streams *LazyMap[string, *EventStream]
}

// UID returns the run's globally unique identifier.
func (r *Run) UID() string { return r.uid }

// Start returns the run start document. Every run has one.
func (r *Run) Start() docstore.Document { return r.start }

// Stop returns the run stop document, or nil while the run is in progress.
func (r *Run) Stop() docstore.Document { return r.stop }

// StreamNames lists the run's event stream names without constructing any
// stream.
func (r *Run) StreamNames() []string { return r.streams.Keys() }

// Stream returns the named event stream, constructing it on first access.
// Unknown names fail with ErrNotFound.
func (r *Run) Stream(ctx context.Context, name string) (*EventStream, error) {
	return r.streams.Get(ctx, name)
}

// newRun wraps a run start document. It issues one query for the stream
// names and one for the stop document; the streams themselves stay
// unconstructed until asked for.
func (c *Catalog) newRun(ctx context.Context, start docstore.Document) (*Run, error) {
	uid, err := runUID(start)
	if err != nil {
		return nil, err
	}

	stop, err := c.findStop(ctx, uid)
	if err != nil {
		return nil, err
	}

	names, err := c.descs.Distinct(ctx, "name", docstore.Filter{"run_start": uid})
	if err != nil {
		return nil, err
	}

	streams := NewLazyMap[string, *EventStream]()
	for _, name := range names {
		streams.Put(name, func(ctx context.Context) (*EventStream, error) {
			return c.newEventStream(ctx, uid, name)
		})
	}
	return &Run{uid: uid, start: start, stop: stop, streams: streams}, nil
}

func (c *Catalog) findStop(ctx context.Context, uid string) (docstore.Document, error) {
	docs, err := c.stops.Find(ctx, docstore.Filter{"run_start": uid}, docstore.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	doc := docs[0]
	delete(doc, docstore.IDField)
	return doc, nil
}

// EventStream is a named, time-ordered sub-collection of measurements
// within a run. Its descriptors declare the field schema; its length is
// frozen at construction by the cutoff snapshot; its field arrays are built
// lazily and fetch data block by block.
//
// An EventStream is safe for concurrent use.
type EventStream struct {
	name        string
	runUID      string
	descriptors []docstore.Document
	cutoff      int64
	fields      *LazyMap[string, *dataset.Array]
}

// Name returns the stream name.
func (s *EventStream) Name() string { return s.name }

// RunUID returns the uid of the run the stream belongs to.
func (s *EventStream) RunUID() string { return s.runUID }

// Descriptors returns the stream's descriptor documents in insert order.
// There is always at least one.
func (s *EventStream) Descriptors() []docstore.Document {
	return append([]docstore.Document(nil), s.descriptors...)
}

// Cutoff returns the stream length snapshot taken at construction: the
// highest event seq_num at that moment, 0 when the stream had no events
// yet. Events appended later do not move it.
func (s *EventStream) Cutoff() int64 { return s.cutoff }

// FieldNames lists the stream's field names in sorted order, constructing
// no array.
func (s *EventStream) FieldNames() []string { return s.fields.Keys() }

// Field returns the named field's array, constructing it on first access.
// Unknown names fail with ErrNotFound.
func (s *EventStream) Field(ctx context.Context, name string) (*dataset.Array, error) {
	return s.fields.Get(ctx, name)
}

// newEventStream loads all descriptors for (run, stream), snapshots the
// cutoff and registers one lazy array per field of the first descriptor.
// Descriptors of one stream are assumed schema-compatible per field.
func (c *Catalog) newEventStream(ctx context.Context, runUID, name string) (*EventStream, error) {
	descriptors, err := streamDescriptors(ctx, c.descs, runUID, name, c.batchSize)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("%w: stream %q of run %q", ErrEmptyStream, name, runUID)
	}

	cutoff, err := maxSeqNum(ctx, c.events, descriptorUIDs(descriptors))
	if err != nil {
		return nil, err
	}

	fields, err := parseDataKeys(descriptors[0])
	if err != nil {
		return nil, err
	}

	s := &EventStream{
		name:        name,
		runUID:      runUID,
		descriptors: descriptors,
		cutoff:      cutoff,
		fields:      NewLazyMap[string, *dataset.Array](),
	}
	// The ref carries the stream's cutoff so the source derives every block
	// from the same snapshot, no matter how many events arrive later.
	source := c.source
	for _, field := range sortedFieldNames(fields) {
		ref := dataset.Ref{Run: runUID, Stream: name, Field: field, Cutoff: cutoff}
		s.fields.Put(field, func(ctx context.Context) (*dataset.Array, error) {
			structure, err := source.Structure(ctx, ref)
			if err != nil {
				return nil, err
			}
			// A zero snapshot carries no pin, so freeze the array at the
			// length its structure was actually derived from.
			pinned := ref
			if pinned.Cutoff == 0 && structure.Rank() > 0 {
				pinned.Cutoff = structure.Shape[0]
			}
			return dataset.New(structure, pinned, source)
		})
	}

	c.logger.Debug("constructed event stream",
		"run", runUID,
		"stream", name,
		"descriptors", len(descriptors),
		"cutoff", cutoff,
	)
	return s, nil
}

// streamDescriptors drains every descriptor of (run, stream) in insert
// order, identifiers stripped.
func streamDescriptors(ctx context.Context, descs docstore.Collection, run, stream string, batchSize int64) ([]docstore.Document, error) {
	cur := docstore.NewCursor(descs,
		docstore.Filter{"run_start": run, "name": stream},
		docstore.CursorOptions{BatchSize: batchSize},
	)
	return docstore.Drain[docstore.Document](ctx, cur)
}

// maxSeqNum takes the aggregate max seq_num over all events referencing the
// given descriptors. Zero when no such events exist.
func maxSeqNum(ctx context.Context, events docstore.Collection, descriptorUIDs []string) (int64, error) {
	uids := make([]any, len(descriptorUIDs))
	for i, uid := range descriptorUIDs {
		uids[i] = uid
	}
	results, err := events.Aggregate(ctx, []docstore.Stage{
		{Match: docstore.Filter{"descriptor": docstore.Filter{"$in": uids}}},
		{Group: &docstore.GroupStage{
			Key: "highest",
			Max: map[string]string{"highest_seq_num": "seq_num"},
		}},
	})
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	n, ok := docstore.AsInt64(results[0]["highest_seq_num"])
	if !ok {
		return 0, fmt.Errorf("aggregate returned non-numeric highest_seq_num: %v", results[0]["highest_seq_num"])
	}
	return n, nil
}

func descriptorUIDs(descriptors []docstore.Document) []string {
	uids := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if uid, ok := d["uid"].(string); ok {
			uids = append(uids, uid)
		}
	}
	return uids
}
