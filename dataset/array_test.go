package dataset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
)

// gridFetcher serves blocks of a reference array whose element value is its
// row-major linear index, and records every fetch it sees.
type gridFetcher struct {
	structure Structure

	mu    sync.Mutex
	calls [][]int

	failOn  string
	blockCh chan struct{}
	started chan struct{}
}

func blockKey(block []int) string { return fmt.Sprint(block) }

func (f *gridFetcher) FetchBlock(ctx context.Context, ref Ref, block []int) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]int(nil), block...))
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failOn == blockKey(block) {
		return nil, errors.New("backend unavailable")
	}

	origin, err := f.structure.BlockOrigin(block)
	if err != nil {
		return nil, err
	}
	shape, err := f.structure.BlockShape(block)
	if err != nil {
		return nil, err
	}

	arrayStrides := rowMajorStrides(f.structure.Shape, 1)
	payload := make([]byte, sizeOf(shape)*8)
	coords := make([]int64, len(shape))
	for i := int64(0); i < sizeOf(shape); i++ {
		var linear int64
		for axis := range coords {
			linear += (origin[axis] + coords[axis]) * arrayStrides[axis]
		}
		binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(float64(linear)))

		for axis := len(coords) - 1; axis >= 0; axis-- {
			coords[axis]++
			if coords[axis] < shape[axis] {
				break
			}
			coords[axis] = 0
		}
	}
	return payload, nil
}

func (f *gridFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestArray(t *testing.T, s Structure) (*Array, *gridFetcher) {
	t.Helper()
	fetcher := &gridFetcher{structure: s}
	arr, err := New(s, Ref{Run: "r1", Stream: "primary", Field: "image"}, fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return arr, fetcher
}

func square4x4() Structure {
	return Structure{
		Shape:  []int64{4, 4},
		Chunks: [][]int64{{2, 2}, {2, 2}},
		DType:  arrow.PrimitiveTypes.Float64,
	}
}

func TestArrayMaterialize(t *testing.T) {
	arr, fetcher := newTestArray(t, square4x4())

	if got := arr.NumBlocks(); got != 4 {
		t.Fatalf("NumBlocks = %d, want 4", got)
	}

	dense, err := arr.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	values, err := dense.Float64s()
	if err != nil {
		t.Fatalf("Float64s: %v", err)
	}
	if len(values) != 16 {
		t.Fatalf("got %d elements, want 16", len(values))
	}
	for i, v := range values {
		if v != float64(i) {
			t.Fatalf("element %d = %v, want %d (blocks assembled out of order)", i, v, i)
		}
	}
	if fetcher.fetchCount() != 4 {
		t.Errorf("fetched %d blocks, want 4", fetcher.fetchCount())
	}
}

func TestArrayMaterializeBlockFailure(t *testing.T) {
	arr, fetcher := newTestArray(t, square4x4())
	fetcher.failOn = blockKey([]int{1, 0})

	dense, err := arr.Materialize(context.Background())
	if dense != nil {
		t.Fatal("Materialize returned a partial result alongside an error")
	}
	if !errors.Is(err, ErrBlockFetch) {
		t.Fatalf("Materialize error = %v, want ErrBlockFetch", err)
	}
	var bfe *BlockFetchError
	if !errors.As(err, &bfe) {
		t.Fatalf("Materialize error %v is not a *BlockFetchError", err)
	}
	if len(bfe.Block) != 2 || bfe.Block[0] != 1 || bfe.Block[1] != 0 {
		t.Errorf("failed block = %v, want [1 0]", bfe.Block)
	}
}

func TestArrayMaterializeConcurrentDispatch(t *testing.T) {
	arr, fetcher := newTestArray(t, square4x4())

	// Every fetch parks until all four are in flight; assembly can only
	// finish if the dispatch is concurrent.
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	fetcher.blockCh = release
	fetcher.started = started

	go func() {
		for i := 0; i < 4; i++ {
			<-started
		}
		close(release)
	}()

	if _, err := arr.Materialize(context.Background()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
}

func TestArraySlice(t *testing.T) {
	tests := []struct {
		name       string
		region     Region
		want       []float64
		wantBlocks int
	}{
		{
			name:       "interior crossing all blocks",
			region:     Region{Start: []int64{1, 1}, Stop: []int64{3, 3}},
			want:       []float64{5, 6, 9, 10},
			wantBlocks: 4,
		},
		{
			name:       "single block only",
			region:     Region{Start: []int64{0, 0}, Stop: []int64{2, 2}},
			want:       []float64{0, 1, 4, 5},
			wantBlocks: 1,
		},
		{
			name:       "one row across two blocks",
			region:     Region{Start: []int64{2, 0}, Stop: []int64{3, 4}},
			want:       []float64{8, 9, 10, 11},
			wantBlocks: 2,
		},
		{
			name:       "empty region",
			region:     Region{Start: []int64{1, 1}, Stop: []int64{1, 1}},
			want:       nil,
			wantBlocks: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arr, fetcher := newTestArray(t, square4x4())
			dense, err := arr.Slice(context.Background(), tt.region)
			if err != nil {
				t.Fatalf("Slice: %v", err)
			}
			values, err := dense.Float64s()
			if err != nil {
				t.Fatalf("Float64s: %v", err)
			}
			if len(values) != len(tt.want) {
				t.Fatalf("got %d elements, want %d", len(values), len(tt.want))
			}
			for i := range tt.want {
				if values[i] != tt.want[i] {
					t.Fatalf("slice = %v, want %v", values, tt.want)
				}
			}
			if fetcher.fetchCount() != tt.wantBlocks {
				t.Errorf("fetched %d blocks, want %d (covering set not minimal)", fetcher.fetchCount(), tt.wantBlocks)
			}
		})
	}
}

func TestArraySliceUnevenChunks(t *testing.T) {
	arr, fetcher := newTestArray(t, Structure{
		Shape:  []int64{5},
		Chunks: [][]int64{{2, 2, 1}},
		DType:  arrow.PrimitiveTypes.Float64,
	})

	dense, err := arr.Slice(context.Background(), Region{Start: []int64{1}, Stop: []int64{5}})
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	values, _ := dense.Float64s()
	want := []float64{1, 2, 3, 4}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("slice = %v, want %v", values, want)
		}
	}
	if fetcher.fetchCount() != 3 {
		t.Errorf("fetched %d blocks, want 3", fetcher.fetchCount())
	}
}

func TestArraySliceRegionValidation(t *testing.T) {
	arr, _ := newTestArray(t, square4x4())
	ctx := context.Background()

	tests := []struct {
		name   string
		region Region
	}{
		{"stop beyond extent", Region{Start: []int64{0, 0}, Stop: []int64{5, 4}}},
		{"negative start", Region{Start: []int64{-1, 0}, Stop: []int64{2, 2}}},
		{"inverted bounds", Region{Start: []int64{3, 0}, Stop: []int64{1, 4}}},
		{"wrong rank", Region{Start: []int64{0}, Stop: []int64{4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := arr.Slice(ctx, tt.region); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Slice(%v) error = %v, want ErrOutOfRange", tt.region, err)
			}
		})
	}
}

func TestArrayPayloadSizeMismatch(t *testing.T) {
	s := square4x4()
	short := FetchFunc(func(ctx context.Context, ref Ref, block []int) ([]byte, error) {
		return make([]byte, 7), nil
	})
	arr, err := New(s, Ref{Run: "r1", Stream: "primary", Field: "image"}, short)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = arr.Materialize(context.Background())
	if !errors.Is(err, ErrBlockFetch) {
		t.Fatalf("Materialize with short payload = %v, want ErrBlockFetch", err)
	}
}

func TestArrayInt64Roundtrip(t *testing.T) {
	s := Structure{
		Shape:  []int64{3},
		Chunks: [][]int64{{2, 1}},
		DType:  arrow.PrimitiveTypes.Int64,
	}
	fetcher := FetchFunc(func(ctx context.Context, ref Ref, block []int) ([]byte, error) {
		origin, _ := s.BlockOrigin(block)
		shape, _ := s.BlockShape(block)
		payload := make([]byte, shape[0]*8)
		for i := int64(0); i < shape[0]; i++ {
			binary.LittleEndian.PutUint64(payload[i*8:], uint64((origin[0]+i)*10))
		}
		return payload, nil
	})
	arr, err := New(s, Ref{Run: "r1", Stream: "primary", Field: "counts"}, fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dense, err := arr.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	values, err := dense.Int64s()
	if err != nil {
		t.Fatalf("Int64s: %v", err)
	}
	for i, v := range values {
		if v != int64(i*10) {
			t.Fatalf("values = %v, want multiples of 10", values)
		}
	}
}

func TestDenseArrowView(t *testing.T) {
	arr, _ := newTestArray(t, square4x4())
	dense, err := arr.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	view := dense.Arrow()
	defer view.Release()
	if view.Len() != 16 {
		t.Fatalf("arrow view has %d elements, want 16", view.Len())
	}
	if !arrow.TypeEqual(view.DataType(), arrow.PrimitiveTypes.Float64) {
		t.Errorf("arrow view dtype = %s, want float64", view.DataType())
	}
}

func TestNewRejectsBadStructure(t *testing.T) {
	fetcher := FetchFunc(func(ctx context.Context, ref Ref, block []int) ([]byte, error) {
		return nil, nil
	})
	bad := Structure{Shape: []int64{4}, Chunks: [][]int64{{3}}, DType: arrow.PrimitiveTypes.Float64}
	if _, err := New(bad, Ref{}, fetcher); !errors.Is(err, ErrInvalidStructure) {
		t.Errorf("New with bad chunks = %v, want ErrInvalidStructure", err)
	}
	good := square4x4()
	if _, err := New(good, Ref{}, nil); !errors.Is(err, ErrInvalidStructure) {
		t.Errorf("New with nil fetcher = %v, want ErrInvalidStructure", err)
	}
}
