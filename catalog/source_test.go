package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/docstore"
)

func newTestSource(t *testing.T, db docstore.Database, chunk int64) *DocumentSource {
	t.Helper()
	s, err := NewDocumentSource(DocumentSourceConfig{Database: db, EventChunk: chunk})
	if err != nil {
		t.Fatalf("NewDocumentSource: %v", err)
	}
	return s
}

func floatPayload(values ...float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func TestDocumentSourceStructure(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()

	w := NewRunWriter(db)
	uid, err := w.Start(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	fields := map[string]FieldSpec{
		"det": {DType: "float64"},
		"img": {DType: "int32", Shape: []int64{2, 3}},
	}
	if _, err := w.Describe(ctx, "primary", fields); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		err := w.Event(ctx, "primary", docstore.Document{
			"det": float64(i),
			"img": []any{[]any{0, 0, 0}, []any{0, 0, 0}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	source := newTestSource(t, db, 2)

	t.Run("scalar field", func(t *testing.T) {
		st, err := source.Structure(ctx, dataset.Ref{Run: uid, Stream: "primary", Field: "det"})
		if err != nil {
			t.Fatalf("Structure: %v", err)
		}
		if !reflect.DeepEqual(st.Shape, []int64{5}) {
			t.Errorf("shape = %v, want [5]", st.Shape)
		}
		if !reflect.DeepEqual(st.Chunks, [][]int64{{2, 2, 1}}) {
			t.Errorf("chunks = %v, want [[2 2 1]]", st.Chunks)
		}
		if !arrow.TypeEqual(st.DType, arrow.PrimitiveTypes.Float64) {
			t.Errorf("dtype = %v, want float64", st.DType)
		}
	})

	t.Run("array field", func(t *testing.T) {
		st, err := source.Structure(ctx, dataset.Ref{Run: uid, Stream: "primary", Field: "img"})
		if err != nil {
			t.Fatalf("Structure: %v", err)
		}
		if !reflect.DeepEqual(st.Shape, []int64{5, 2, 3}) {
			t.Errorf("shape = %v, want [5 2 3]", st.Shape)
		}
		if !reflect.DeepEqual(st.Chunks, [][]int64{{2, 2, 1}, {2}, {3}}) {
			t.Errorf("chunks = %v", st.Chunks)
		}
		if !arrow.TypeEqual(st.DType, arrow.PrimitiveTypes.Int32) {
			t.Errorf("dtype = %v, want int32", st.DType)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := source.Structure(ctx, dataset.Ref{Run: uid, Stream: "primary", Field: "nope"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("unknown stream", func(t *testing.T) {
		_, err := source.Structure(ctx, dataset.Ref{Run: uid, Stream: "nope", Field: "det"})
		if !errors.Is(err, ErrEmptyStream) {
			t.Errorf("err = %v, want ErrEmptyStream", err)
		}
	})
}

func TestDocumentSourceFetchBlock(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()
	uid := writeScalarRun(t, db, 10, 20, 30, 40, 50)
	source := newTestSource(t, db, 2)
	ref := dataset.Ref{Run: uid, Stream: "primary", Field: "det"}

	tests := []struct {
		name  string
		block []int
		want  []byte
	}{
		{"first block", []int{0}, floatPayload(10, 20)},
		{"middle block", []int{1}, floatPayload(30, 40)},
		{"short tail block", []int{2}, floatPayload(50)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := source.FetchBlock(ctx, ref, tt.block)
			if err != nil {
				t.Fatalf("FetchBlock: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("payload = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("block outside the grid", func(t *testing.T) {
		_, err := source.FetchBlock(ctx, ref, []int{3})
		if !errors.Is(err, dataset.ErrOutOfRange) {
			t.Errorf("err = %v, want ErrOutOfRange", err)
		}
	})
}

func TestDocumentSourceFetchBlockArrayField(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()

	w := NewRunWriter(db)
	uid, err := w.Start(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Describe(ctx, "primary", map[string]FieldSpec{
		"img": {DType: "float64", Shape: []int64{2, 2}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.Event(ctx, "primary", docstore.Document{
		"img": []any{[]any{1.0, 2.0}, []any{3.0, 4.0}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.Event(ctx, "primary", docstore.Document{
		"img": []any{[]any{5.0, 6.0}, []any{7.0, 8.0}},
	}); err != nil {
		t.Fatal(err)
	}

	source := newTestSource(t, db, 100)
	got, err := source.FetchBlock(ctx, dataset.Ref{Run: uid, Stream: "primary", Field: "img"}, []int{0, 0, 0})
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	want := floatPayload(1, 2, 3, 4, 5, 6, 7, 8)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("payload = %v, want the events packed row-major", got)
	}
}

func TestDocumentSourceZeroFillsMissingEvents(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()
	descs := db.Collection(descriptorCollection)
	events := db.Collection(eventCollection)

	seedRuns(t, db, "r1")
	if _, err := descs.Insert(ctx, docstore.Document{
		"uid":       "d1",
		"run_start": "r1",
		"name":      "primary",
		"data_keys": map[string]any{"det": map[string]any{"dtype": "float64", "shape": []any{}}},
	}); err != nil {
		t.Fatal(err)
	}
	// seq 2 never arrived.
	for _, e := range []docstore.Document{
		{"uid": "e1", "descriptor": "d1", "seq_num": int64(1), "data": map[string]any{"det": 7.0}},
		{"uid": "e3", "descriptor": "d1", "seq_num": int64(3), "data": map[string]any{"det": 9.0}},
	} {
		if _, err := events.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	source := newTestSource(t, db, 100)
	got, err := source.FetchBlock(ctx, dataset.Ref{Run: "r1", Stream: "primary", Field: "det"}, []int{0})
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	if !reflect.DeepEqual(got, floatPayload(7, 0, 9)) {
		t.Errorf("payload = %v, want [7 0 9]", got)
	}
}

func TestDocumentSourceBooleanField(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()

	w := NewRunWriter(db)
	uid, err := w.Start(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Describe(ctx, "primary", map[string]FieldSpec{
		"shutter_open": {DType: "boolean"},
	}); err != nil {
		t.Fatal(err)
	}
	for _, open := range []bool{true, false, true} {
		if err := w.Event(ctx, "primary", docstore.Document{"shutter_open": open}); err != nil {
			t.Fatal(err)
		}
	}

	source := newTestSource(t, db, 100)
	ref := dataset.Ref{Run: uid, Stream: "primary", Field: "shutter_open"}

	st, err := source.Structure(ctx, ref)
	if err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if !arrow.TypeEqual(st.DType, arrow.PrimitiveTypes.Uint8) {
		t.Errorf("dtype = %v, want uint8", st.DType)
	}

	got, err := source.FetchBlock(ctx, ref, []int{0})
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	if !reflect.DeepEqual(got, []byte{1, 0, 1}) {
		t.Errorf("payload = %v, want [1 0 1]", got)
	}
}

func TestDocumentSourceMaterializeThroughCatalog(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()
	values := []float64{10, 20, 30, 40, 50}
	uid := writeScalarRun(t, db, values...)

	c := newTestCatalog(t, Config{Database: db, EventChunk: 2})
	run, err := c.Get(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := run.Stream(ctx, "primary")
	if err != nil {
		t.Fatal(err)
	}
	det, err := stream.Field(ctx, "det")
	if err != nil {
		t.Fatal(err)
	}
	if det.NumBlocks() != 3 {
		t.Fatalf("NumBlocks = %d, want 3", det.NumBlocks())
	}

	dense, err := det.Materialize(ctx)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, err := dense.Float64s()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, values) {
		t.Errorf("Materialize = %v, want %v", got, values)
	}

	// A slice touches only the blocks it needs.
	part, err := det.Slice(ctx, dataset.Region{Start: []int64{1}, Stop: []int64{4}})
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	gotPart, err := part.Float64s()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(gotPart, []float64{20, 30, 40}) {
		t.Errorf("Slice = %v, want [20 30 40]", gotPart)
	}
}

func TestDocumentSourceEmptyStreamArray(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDatabase()

	w := NewRunWriter(db)
	uid, err := w.Start(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Describe(ctx, "primary", map[string]FieldSpec{"det": {DType: "float64"}}); err != nil {
		t.Fatal(err)
	}

	c := newTestCatalog(t, Config{Database: db})
	run, err := c.Get(ctx, uid)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := run.Stream(ctx, "primary")
	if err != nil {
		t.Fatal(err)
	}
	det, err := stream.Field(ctx, "det")
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	if !reflect.DeepEqual(det.Shape(), []int64{0}) {
		t.Errorf("shape = %v, want [0]", det.Shape())
	}

	dense, err := det.Materialize(ctx)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if dense.Len() != 0 {
		t.Errorf("Len = %d, want 0", dense.Len())
	}
}
