package duckstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lumen-lab/beamline-go/catalog"
	"github.com/lumen-lab/beamline-go/docstore"
	"github.com/lumen-lab/beamline-go/docstore/duckstore"
)

func openDatabase(t *testing.T) *duckstore.Database {
	t.Helper()
	db, err := duckstore.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func seedCollection(t *testing.T, db *duckstore.Database) docstore.Collection {
	t.Helper()
	coll := db.Collection("run_start")
	docs := []docstore.Document{
		{"uid": "a", "plan": "count", "shots": 10, "good": true, "sample": map[string]any{"name": "water"}},
		{"uid": "b", "plan": "scan", "shots": 25, "good": false, "sample": map[string]any{"name": "ethanol"}},
		{"uid": "c", "plan": "count", "shots": 40, "good": true, "sample": map[string]any{"name": "Water mix"}},
		{"uid": "d", "plan": "rel_scan", "shots": 55, "good": true, "note": "warm Water baseline"},
	}
	if _, err := coll.Insert(context.Background(), docs...); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return coll
}

func resultUIDs(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i], _ = doc["uid"].(string)
	}
	return out
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	db := openDatabase(t)
	coll := db.Collection("run_start")
	ctx := context.Background()

	ids, err := coll.Insert(ctx, docstore.Document{"uid": "a"}, docstore.Document{"uid": "b"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	more, err := coll.Insert(ctx, docstore.Document{"uid": "c"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ids = append(ids, more...)
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not increasing: %v", ids)
		}
	}

	docs, err := coll.Find(ctx, nil, docstore.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d documents, want 3", len(docs))
	}
	for i, doc := range docs {
		id, ok := docstore.DocumentID(doc)
		if !ok || id != ids[i] {
			t.Errorf("document %d id = %v, want %d", i, doc[docstore.IDField], ids[i])
		}
	}
}

func TestFindFilters(t *testing.T) {
	db := openDatabase(t)
	coll := seedCollection(t, db)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter docstore.Filter
		want   []string
	}{
		{"empty matches all", docstore.Filter{}, []string{"a", "b", "c", "d"}},
		{"string equality", docstore.Filter{"plan": "count"}, []string{"a", "c"}},
		{"number equality", docstore.Filter{"shots": 25}, []string{"b"}},
		{"bool equality", docstore.Filter{"good": false}, []string{"b"}},
		{"dotted path", docstore.Filter{"sample.name": "water"}, []string{"a"}},
		{"gt", docstore.Filter{"shots": docstore.Filter{"$gt": 25}}, []string{"c", "d"}},
		{"lte", docstore.Filter{"shots": docstore.Filter{"$lte": 25}}, []string{"a", "b"}},
		{"in", docstore.Filter{"plan": docstore.Filter{"$in": []any{"scan", "rel_scan"}}}, []string{"b", "d"}},
		{"in empty", docstore.Filter{"plan": docstore.Filter{"$in": []any{}}}, nil},
		{"and", docstore.Filter{"$and": []any{
			docstore.Filter{"plan": "count"},
			docstore.Filter{"shots": docstore.Filter{"$gt": 20}},
		}}, []string{"c"}},
		{"text search", docstore.Filter{"$text": docstore.Filter{"$search": "water"}}, []string{"a", "c", "d"}},
		{"text and pushed condition", docstore.Filter{
			"plan":  "count",
			"$text": docstore.Filter{"$search": "water"},
		}, []string{"a", "c"}},
		{"id gt", docstore.Filter{docstore.IDField: docstore.Filter{"$gt": int64(2)}}, []string{"c", "d"}},
		{"string never equals number", docstore.Filter{"plan": 42}, nil},
		{"missing field", docstore.Filter{"absent": "x"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := coll.Find(ctx, tt.filter, docstore.FindOptions{})
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			got := resultUIDs(docs)
			if len(got) != len(tt.want) {
				t.Fatalf("Find = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Find[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFindSkipLimit(t *testing.T) {
	db := openDatabase(t)
	coll := seedCollection(t, db)
	ctx := context.Background()

	docs, err := coll.Find(ctx, docstore.Filter{}, docstore.FindOptions{Skip: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	got := resultUIDs(docs)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("skip/limit window wrong: %v", got)
	}
}

func TestTextSearchWindowsAfterResidual(t *testing.T) {
	db := openDatabase(t)
	coll := seedCollection(t, db)
	ctx := context.Background()

	// water matches a, c, d; the window must slide over the residual
	// matches, not the raw rows.
	docs, err := coll.Find(ctx,
		docstore.Filter{"$text": docstore.Filter{"$search": "water"}},
		docstore.FindOptions{Skip: 1, Limit: 1},
	)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	got := resultUIDs(docs)
	if len(got) != 1 || got[0] != "c" {
		t.Errorf("residual window = %v, want [c]", got)
	}

	n, err := coll.CountDocuments(ctx, docstore.Filter{"$text": docstore.Filter{"$search": "water"}})
	if err != nil || n != 3 {
		t.Errorf("CountDocuments = (%d, %v), want (3, nil)", n, err)
	}
}

func TestCounts(t *testing.T) {
	db := openDatabase(t)
	coll := seedCollection(t, db)
	ctx := context.Background()

	n, err := coll.CountDocuments(ctx, docstore.Filter{"plan": "count"})
	if err != nil || n != 2 {
		t.Errorf("CountDocuments = (%d, %v), want (2, nil)", n, err)
	}
	est, err := coll.EstimatedDocumentCount(ctx)
	if err != nil || est != 4 {
		t.Errorf("EstimatedDocumentCount = (%d, %v), want (4, nil)", est, err)
	}
}

func TestDistinctFirstAppearance(t *testing.T) {
	db := openDatabase(t)
	coll := db.Collection("event_descriptor")
	ctx := context.Background()

	_, err := coll.Insert(ctx,
		docstore.Document{"run_start": "r1", "name": "primary"},
		docstore.Document{"run_start": "r1", "name": "baseline"},
		docstore.Document{"run_start": "r1", "name": "primary"},
		docstore.Document{"run_start": "r2", "name": "dark"},
	)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	names, err := coll.Distinct(ctx, "name", docstore.Filter{"run_start": "r1"})
	if err != nil {
		t.Fatalf("Distinct: %v", err)
	}
	want := []string{"primary", "baseline"}
	if len(names) != len(want) {
		t.Fatalf("Distinct = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Distinct[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestAggregateMatchGroupMax(t *testing.T) {
	db := openDatabase(t)
	coll := db.Collection("event")
	ctx := context.Background()

	_, err := coll.Insert(ctx,
		docstore.Document{"descriptor": "d1", "seq_num": 17},
		docstore.Document{"descriptor": "d1", "seq_num": 42},
		docstore.Document{"descriptor": "d2", "seq_num": 5},
	)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pipeline := []docstore.Stage{
		{Match: docstore.Filter{"descriptor": docstore.Filter{"$in": []any{"d1"}}}},
		{Group: &docstore.GroupStage{Key: "descriptor", Max: map[string]string{"highest_seq_num": "seq_num"}}},
	}
	results, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d result documents, want 1", len(results))
	}
	max, ok := docstore.AsInt64(results[0]["highest_seq_num"])
	if !ok || max != 42 {
		t.Errorf("highest_seq_num = %v, want 42", results[0]["highest_seq_num"])
	}
}

func TestAggregateEmptyWorkingSet(t *testing.T) {
	db := openDatabase(t)
	coll := db.Collection("event")
	ctx := context.Background()

	if _, err := coll.Insert(ctx, docstore.Document{"descriptor": "d1", "seq_num": 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	pipeline := []docstore.Stage{
		{Match: docstore.Filter{"descriptor": "nope"}},
		{Group: &docstore.GroupStage{Key: "descriptor", Max: map[string]string{"highest_seq_num": "seq_num"}}},
	}
	results, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("group over empty set should yield no documents, got %v", results)
	}
}

func TestCollectionCreatedOnDemand(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()

	coll := db.Collection("never_written")
	docs, err := coll.Find(ctx, docstore.Filter{"x": 1}, docstore.FindOptions{})
	if err != nil {
		t.Fatalf("Find on fresh collection: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("fresh collection not empty: %v", docs)
	}
}

func TestUnsupportedFilterRejected(t *testing.T) {
	db := openDatabase(t)
	coll := seedCollection(t, db)

	_, err := coll.Find(context.Background(), docstore.Filter{"plan": docstore.Filter{"$nin": []any{"x"}}}, docstore.FindOptions{})
	if !errors.Is(err, docstore.ErrUnsupportedFilter) {
		t.Errorf("Find with $nin = %v, want ErrUnsupportedFilter", err)
	}
}

func TestFileBackedPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.duckdb")
	ctx := context.Background()

	db, err := duckstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ids, err := db.Collection("run_start").Insert(ctx, docstore.Document{"uid": "persisted"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := duckstore.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	docs, err := reopened.Collection("run_start").Find(ctx, docstore.Filter{"uid": "persisted"}, docstore.FindOptions{})
	if err != nil {
		t.Fatalf("Find after reopen: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents after reopen, want 1", len(docs))
	}
	id, ok := docstore.DocumentID(docs[0])
	if !ok || id != ids[0] {
		t.Errorf("persisted id = %v, want %d", docs[0][docstore.IDField], ids[0])
	}

	more, err := reopened.Collection("run_start").Insert(ctx, docstore.Document{"uid": "later"})
	if err != nil {
		t.Fatalf("Insert after reopen: %v", err)
	}
	if more[0] <= ids[0] {
		t.Errorf("id sequence restarted after reopen: %d then %d", ids[0], more[0])
	}
}

func TestCatalogOnDuckDB(t *testing.T) {
	db := openDatabase(t)
	ctx := context.Background()
	values := []float64{1.5, 2.5, 3.5}

	writer := catalog.NewRunWriter(db)
	uid, err := writer.Start(ctx, docstore.Document{"plan": "count", "operator": "grace"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := writer.Describe(ctx, "primary", map[string]catalog.FieldSpec{
		"det": {DType: "float64"},
	}); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	for _, v := range values {
		if err := writer.Event(ctx, "primary", docstore.Document{"det": v}); err != nil {
			t.Fatalf("Event: %v", err)
		}
	}
	if err := writer.Stop(ctx, "success"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	cat, err := catalog.New(catalog.Config{Database: db, EventChunk: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run, err := cat.Search(catalog.FullText{Text: "grace"}).Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	stream, err := run.Stream(ctx, "primary")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	arr, err := stream.Field(ctx, "det")
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	dense, err := arr.Materialize(ctx)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, err := dense.Float64s()
	if err != nil {
		t.Fatalf("Float64s: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("materialized %d values, want %d", len(got), len(values))
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value[%d] = %v, want %v", i, got[i], values[i])
		}
	}
}
