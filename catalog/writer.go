package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumen-lab/beamline-go/docstore"
)

// RunWriter ingests one run into a store as correctly linked documents: a
// start document, one descriptor per stream, events numbered from 1, and a
// stop document. It is the first-party way to populate a catalog.
//
// A RunWriter drives a single run from Start to Stop and is not safe for
// concurrent use.
type RunWriter struct {
	runs   docstore.Collection
	stops  docstore.Collection
	descs  docstore.Collection
	events docstore.Collection

	runUID  string
	streams map[string]*streamState
	stopped bool
}

type streamState struct {
	descriptorUID string
	nextSeq       int64
}

// NewRunWriter returns a writer targeting db.
func NewRunWriter(db docstore.Database) *RunWriter {
	return &RunWriter{
		runs:    db.Collection(runStartCollection),
		stops:   db.Collection(runStopCollection),
		descs:   db.Collection(descriptorCollection),
		events:  db.Collection(eventCollection),
		streams: make(map[string]*streamState),
	}
}

// Start writes the run start document and returns the new run uid. Metadata
// is copied into the document; the uid and time entries are always the
// generated ones.
func (w *RunWriter) Start(ctx context.Context, metadata docstore.Document) (string, error) {
	if w.runUID != "" {
		return "", fmt.Errorf("run %q already started", w.runUID)
	}
	uid := uuid.NewString()
	doc := docstore.Document{}
	for k, v := range metadata {
		doc[k] = v
	}
	doc["uid"] = uid
	doc["time"] = wallClock()
	if _, err := w.runs.Insert(ctx, doc); err != nil {
		return "", err
	}
	w.runUID = uid
	return uid, nil
}

// Describe declares an event stream and its fields, returning the
// descriptor uid the stream's events will reference.
func (w *RunWriter) Describe(ctx context.Context, stream string, fields map[string]FieldSpec) (string, error) {
	if w.runUID == "" {
		return "", errors.New("run not started")
	}
	if w.stopped {
		return "", errors.New("run already stopped")
	}
	if _, ok := w.streams[stream]; ok {
		return "", fmt.Errorf("stream %q already described", stream)
	}

	uid := uuid.NewString()
	keys := make(map[string]any, len(fields))
	for name, spec := range fields {
		shape := make([]any, len(spec.Shape))
		for i, e := range spec.Shape {
			shape[i] = e
		}
		keys[name] = map[string]any{"dtype": spec.DType, "shape": shape}
	}
	doc := docstore.Document{
		"uid":       uid,
		"run_start": w.runUID,
		"name":      stream,
		"data_keys": keys,
		"time":      wallClock(),
	}
	if _, err := w.descs.Insert(ctx, doc); err != nil {
		return "", err
	}
	w.streams[stream] = &streamState{descriptorUID: uid, nextSeq: 1}
	return uid, nil
}

// Event appends one event to a described stream. Events are numbered from 1
// in write order.
func (w *RunWriter) Event(ctx context.Context, stream string, data docstore.Document) error {
	if w.stopped {
		return errors.New("run already stopped")
	}
	st, ok := w.streams[stream]
	if !ok {
		return fmt.Errorf("stream %q not described", stream)
	}
	doc := docstore.Document{
		"uid":        uuid.NewString(),
		"descriptor": st.descriptorUID,
		"seq_num":    st.nextSeq,
		"data":       data,
		"time":       wallClock(),
	}
	if _, err := w.events.Insert(ctx, doc); err != nil {
		return err
	}
	st.nextSeq++
	return nil
}

// Stop writes the run stop document, recording exitStatus as exit_status
// ("success" when empty). A writer stops at most once.
func (w *RunWriter) Stop(ctx context.Context, exitStatus string) error {
	if w.runUID == "" {
		return errors.New("run not started")
	}
	if w.stopped {
		return errors.New("run already stopped")
	}
	if exitStatus == "" {
		exitStatus = "success"
	}
	doc := docstore.Document{
		"uid":         uuid.NewString(),
		"run_start":   w.runUID,
		"exit_status": exitStatus,
		"time":        wallClock(),
	}
	if _, err := w.stops.Insert(ctx, doc); err != nil {
		return err
	}
	w.stopped = true
	return nil
}

// UID returns the run uid, empty before Start.
func (w *RunWriter) UID() string { return w.runUID }

func wallClock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
