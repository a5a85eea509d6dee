package dataset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
)

// Array is a lazy N-dimensional array. Construction records geometry only;
// element data is fetched block-by-block from the BlockFetcher when
// Materialize or Slice is called, and never cached.
//
// An Array is immutable and safe for concurrent use.
type Array struct {
	ref       Ref
	structure Structure
	fetcher   BlockFetcher
	elemSize  int64
}

// New returns an Array over the given structure, reading blocks for ref from
// fetcher. The structure is validated and copied.
func New(structure Structure, ref Ref, fetcher BlockFetcher) (*Array, error) {
	if err := structure.Validate(); err != nil {
		return nil, fmt.Errorf("array %s: %w", ref, err)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("array %s: %w: nil block fetcher", ref, ErrInvalidStructure)
	}
	elem, err := ElemSize(structure.DType)
	if err != nil {
		return nil, fmt.Errorf("array %s: %w", ref, err)
	}

	copied := Structure{
		Shape:  append([]int64(nil), structure.Shape...),
		Chunks: make([][]int64, len(structure.Chunks)),
		DType:  structure.DType,
	}
	for axis, table := range structure.Chunks {
		copied.Chunks[axis] = append([]int64(nil), table...)
	}

	return &Array{
		ref:       ref,
		structure: copied,
		fetcher:   fetcher,
		elemSize:  int64(elem),
	}, nil
}

// Ref returns the address this array reads from.
func (a *Array) Ref() Ref { return a.ref }

// Shape returns a copy of the per-axis extents.
func (a *Array) Shape() []int64 { return append([]int64(nil), a.structure.Shape...) }

// DType returns the element type.
func (a *Array) DType() arrow.DataType { return a.structure.DType }

// Chunks returns a copy of the per-axis chunk tables.
func (a *Array) Chunks() [][]int64 {
	out := make([][]int64, len(a.structure.Chunks))
	for axis, table := range a.structure.Chunks {
		out[axis] = append([]int64(nil), table...)
	}
	return out
}

// Structure returns a copy of the array geometry.
func (a *Array) Structure() Structure {
	return Structure{Shape: a.Shape(), Chunks: a.Chunks(), DType: a.structure.DType}
}

// Size returns the total element count.
func (a *Array) Size() int64 { return a.structure.Size() }

// GridShape returns the per-axis block counts.
func (a *Array) GridShape() []int { return a.structure.GridShape() }

// NumBlocks returns the total number of blocks.
func (a *Array) NumBlocks() int { return a.structure.NumBlocks() }

// BlockShape returns the extents of one block of the grid.
func (a *Array) BlockShape(block []int) ([]int64, error) {
	return a.structure.BlockShape(block)
}

// Materialize fetches every block concurrently and assembles the full array.
// All fetches must succeed; the first failure cancels the remaining fetches
// and Materialize returns it, never a partial result.
func (a *Array) Materialize(ctx context.Context) (*Dense, error) {
	full := Region{Start: make([]int64, a.structure.Rank()), Stop: a.Shape()}
	return a.Slice(ctx, full)
}

// Slice fetches the minimal set of blocks covering region and assembles the
// requested sub-array. Like Materialize, it either returns the complete
// region or the first fetch error.
func (a *Array) Slice(ctx context.Context, region Region) (*Dense, error) {
	if err := region.validate(a.structure.Shape); err != nil {
		return nil, fmt.Errorf("array %s: %w", a.ref, err)
	}

	regionShape := region.Shape()
	dest := make([]byte, sizeOf(regionShape)*a.elemSize)
	tasks := a.coveringBlocks(region)

	g, gctx := errgroup.WithContext(ctx)
	payloads := make([][]byte, len(tasks))
	for i, task := range tasks {
		g.Go(func() error {
			data, err := a.fetchBlock(gctx, task)
			if err != nil {
				return err
			}
			payloads[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	destStrides := rowMajorStrides(regionShape, a.elemSize)
	for i, task := range tasks {
		srcStrides := rowMajorStrides(task.shape, a.elemSize)

		rank := a.structure.Rank()
		copyShape := make([]int64, rank)
		var srcOff, dstOff int64
		for axis := 0; axis < rank; axis++ {
			lo := max(task.origin[axis], region.Start[axis])
			hi := min(task.origin[axis]+task.shape[axis], region.Stop[axis])
			copyShape[axis] = hi - lo
			srcOff += (lo - task.origin[axis]) * srcStrides[axis]
			dstOff += (lo - region.Start[axis]) * destStrides[axis]
		}
		copyRegion(dest, dstOff, destStrides, payloads[i], srcOff, srcStrides, copyShape, a.elemSize)
	}

	return &Dense{shape: regionShape, dtype: a.structure.DType, data: dest}, nil
}

// blockTask is one block scheduled for fetch: its grid index plus its
// element-space origin and shape, resolved once up front.
type blockTask struct {
	index  []int
	origin []int64
	shape  []int64
}

// coveringBlocks resolves the minimal block set intersecting region, in
// row-major grid order. An empty region intersects nothing.
func (a *Array) coveringBlocks(region Region) []blockTask {
	rank := a.structure.Rank()

	// Per axis, the chunk ordinals whose spans intersect the region.
	type span struct {
		ordinal int
		origin  int64
		length  int64
	}
	axes := make([][]span, rank)
	for axis := 0; axis < rank; axis++ {
		if region.Start[axis] >= region.Stop[axis] {
			return nil
		}
		var off int64
		for ordinal, length := range a.structure.Chunks[axis] {
			if off < region.Stop[axis] && off+length > region.Start[axis] {
				axes[axis] = append(axes[axis], span{ordinal: ordinal, origin: off, length: length})
			}
			off += length
		}
		if len(axes[axis]) == 0 {
			return nil
		}
	}

	total := 1
	for _, spans := range axes {
		total *= len(spans)
	}
	tasks := make([]blockTask, 0, total)

	odometer := make([]int, rank)
	for {
		task := blockTask{
			index:  make([]int, rank),
			origin: make([]int64, rank),
			shape:  make([]int64, rank),
		}
		for axis, pos := range odometer {
			s := axes[axis][pos]
			task.index[axis] = s.ordinal
			task.origin[axis] = s.origin
			task.shape[axis] = s.length
		}
		tasks = append(tasks, task)

		axis := rank - 1
		for axis >= 0 {
			odometer[axis]++
			if odometer[axis] < len(axes[axis]) {
				break
			}
			odometer[axis] = 0
			axis--
		}
		if axis < 0 {
			return tasks
		}
	}
}

// fetchBlock retrieves one block payload and validates its size against the
// block geometry.
func (a *Array) fetchBlock(ctx context.Context, task blockTask) ([]byte, error) {
	data, err := a.fetcher.FetchBlock(ctx, a.ref, task.index)
	if err != nil {
		var bfe *BlockFetchError
		if errors.As(err, &bfe) {
			return nil, err
		}
		return nil, &BlockFetchError{Ref: a.ref, Block: append([]int(nil), task.index...), Err: err}
	}
	want := sizeOf(task.shape) * a.elemSize
	if int64(len(data)) != want {
		return nil, &BlockFetchError{
			Ref:   a.ref,
			Block: append([]int(nil), task.index...),
			Err:   fmt.Errorf("payload is %d bytes, block shape %v of %s needs %d", len(data), task.shape, a.structure.DType, want),
		}
	}
	return data, nil
}

// copyRegion copies a rank-N rectangle between two row-major byte buffers.
// Offsets and strides are in bytes; the innermost axis of both buffers is
// contiguous, so the recursion bottoms out on a single copy per row.
func copyRegion(dst []byte, dstOff int64, dstStrides []int64, src []byte, srcOff int64, srcStrides []int64, shape []int64, elem int64) {
	if len(shape) == 1 {
		n := shape[0] * elem
		copy(dst[dstOff:dstOff+n], src[srcOff:srcOff+n])
		return
	}
	for i := int64(0); i < shape[0]; i++ {
		copyRegion(dst, dstOff+i*dstStrides[0], dstStrides[1:],
			src, srcOff+i*srcStrides[0], srcStrides[1:], shape[1:], elem)
	}
}

// rowMajorStrides returns per-axis byte strides for a row-major layout.
func rowMajorStrides(shape []int64, elem int64) []int64 {
	strides := make([]int64, len(shape))
	stride := elem
	for axis := len(shape) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape[axis]
	}
	return strides
}

func sizeOf(shape []int64) int64 {
	n := int64(1)
	for _, extent := range shape {
		n *= extent
	}
	return n
}

// Dense is a fully assembled array region: shape, dtype and row-major
// little-endian element bytes.
type Dense struct {
	shape []int64
	dtype arrow.DataType
	data  []byte
}

// NewDense wraps raw element bytes. The byte length must match the shape and
// dtype.
func NewDense(shape []int64, dtype arrow.DataType, data []byte) (*Dense, error) {
	elem, err := ElemSize(dtype)
	if err != nil {
		return nil, err
	}
	if want := sizeOf(shape) * int64(elem); int64(len(data)) != want {
		return nil, fmt.Errorf("%w: %d bytes for shape %v of %s, want %d", ErrInvalidStructure, len(data), shape, dtype, want)
	}
	return &Dense{shape: append([]int64(nil), shape...), dtype: dtype, data: data}, nil
}

// Shape returns a copy of the per-axis extents.
func (d *Dense) Shape() []int64 { return append([]int64(nil), d.shape...) }

// DType returns the element type.
func (d *Dense) DType() arrow.DataType { return d.dtype }

// Len returns the element count.
func (d *Dense) Len() int64 { return sizeOf(d.shape) }

// Bytes returns the backing row-major element bytes. The slice is owned by
// the Dense; callers must not modify it.
func (d *Dense) Bytes() []byte { return d.data }

// Arrow returns the elements as a flat Arrow array. The caller owns the
// returned array and must Release it.
func (d *Dense) Arrow() arrow.Array {
	buf := memory.NewBufferBytes(d.data)
	data := array.NewData(d.dtype, int(d.Len()), []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer data.Release()
	return array.MakeFromData(data)
}

// Float64s decodes the elements as float64. It fails for any other dtype.
func (d *Dense) Float64s() ([]float64, error) {
	if d.dtype.ID() != arrow.FLOAT64 {
		return nil, fmt.Errorf("dense array is %s, not float64", d.dtype)
	}
	out := make([]float64, d.Len())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(d.data[i*8:]))
	}
	return out, nil
}

// Int64s decodes the elements as int64. It fails for any other dtype.
func (d *Dense) Int64s() ([]int64, error) {
	if d.dtype.ID() != arrow.INT64 {
		return nil, fmt.Errorf("dense array is %s, not int64", d.dtype)
	}
	out := make([]int64, d.Len())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(d.data[i*8:]))
	}
	return out, nil
}
