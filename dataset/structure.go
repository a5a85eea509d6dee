// Package dataset provides lazy, block-addressed access to N-dimensional
// field arrays. An Array never holds data; it knows its shape, per-axis
// chunk tables and dtype, and fetches rectangular blocks on demand from a
// BlockFetcher, in parallel, assembling them into a Dense result only for
// the region a caller actually asked for.
package dataset

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Structure describes the geometry of a chunked N-dimensional array: its
// full extent per axis, the chunk lengths along each axis, and the element
// dtype. It carries enough to address and size every block without touching
// any data.
type Structure struct {
	// Shape is the array extent per axis. Rank must be at least one.
	Shape []int64

	// Chunks holds one chunk-length table per axis; each table must sum to
	// the axis extent. The number of blocks along an axis is the table
	// length.
	Chunks [][]int64

	// DType is the element type. Only fixed-width, byte-aligned numeric
	// types are supported.
	DType arrow.DataType
}

// Validate checks that the structure describes a well-formed chunked array.
func (s Structure) Validate() error {
	if len(s.Shape) == 0 {
		return fmt.Errorf("%w: rank zero", ErrInvalidStructure)
	}
	if len(s.Chunks) != len(s.Shape) {
		return fmt.Errorf("%w: %d chunk tables for rank %d", ErrInvalidStructure, len(s.Chunks), len(s.Shape))
	}
	for axis, extent := range s.Shape {
		if extent < 0 {
			return fmt.Errorf("%w: negative extent %d on axis %d", ErrInvalidStructure, extent, axis)
		}
		var sum int64
		for _, c := range s.Chunks[axis] {
			if c <= 0 {
				return fmt.Errorf("%w: non-positive chunk length %d on axis %d", ErrInvalidStructure, c, axis)
			}
			sum += c
		}
		if sum != extent {
			return fmt.Errorf("%w: axis %d chunks sum to %d, extent is %d", ErrInvalidStructure, axis, sum, extent)
		}
	}
	if _, err := ElemSize(s.DType); err != nil {
		return err
	}
	return nil
}

// Rank returns the number of axes.
func (s Structure) Rank() int { return len(s.Shape) }

// Size returns the total element count.
func (s Structure) Size() int64 {
	n := int64(1)
	for _, extent := range s.Shape {
		n *= extent
	}
	return n
}

// GridShape returns the per-axis block counts.
func (s Structure) GridShape() []int {
	grid := make([]int, len(s.Chunks))
	for axis, table := range s.Chunks {
		grid[axis] = len(table)
	}
	return grid
}

// NumBlocks returns the total block count, the product of the per-axis
// block counts.
func (s Structure) NumBlocks() int {
	n := 1
	for _, table := range s.Chunks {
		n *= len(table)
	}
	return n
}

// BlockShape returns the extents of the block at the given grid index,
// derived from the chunk tables alone.
func (s Structure) BlockShape(block []int) ([]int64, error) {
	if err := s.checkBlock(block); err != nil {
		return nil, err
	}
	shape := make([]int64, len(block))
	for axis, b := range block {
		shape[axis] = s.Chunks[axis][b]
	}
	return shape, nil
}

// BlockOrigin returns the element coordinates of the block's first element.
func (s Structure) BlockOrigin(block []int) ([]int64, error) {
	if err := s.checkBlock(block); err != nil {
		return nil, err
	}
	origin := make([]int64, len(block))
	for axis, b := range block {
		var off int64
		for _, c := range s.Chunks[axis][:b] {
			off += c
		}
		origin[axis] = off
	}
	return origin, nil
}

func (s Structure) checkBlock(block []int) error {
	if len(block) != len(s.Chunks) {
		return fmt.Errorf("%w: block index rank %d, array rank %d", ErrOutOfRange, len(block), len(s.Chunks))
	}
	for axis, b := range block {
		if b < 0 || b >= len(s.Chunks[axis]) {
			return fmt.Errorf("%w: block index %d on axis %d, grid has %d", ErrOutOfRange, b, axis, len(s.Chunks[axis]))
		}
	}
	return nil
}

// SingleChunk returns the chunk tables of an array stored as one block per
// axis of the given shape.
func SingleChunk(shape []int64) [][]int64 {
	chunks := make([][]int64, len(shape))
	for axis, extent := range shape {
		if extent == 0 {
			chunks[axis] = nil
			continue
		}
		chunks[axis] = []int64{extent}
	}
	return chunks
}

// ChunkAxis splits an extent into chunks of at most size elements. A zero
// extent yields an empty table.
func ChunkAxis(extent, size int64) []int64 {
	if size <= 0 || extent <= 0 {
		if extent > 0 {
			return []int64{extent}
		}
		return nil
	}
	table := make([]int64, 0, extent/size+1)
	for remaining := extent; remaining > 0; remaining -= size {
		c := size
		if remaining < size {
			c = remaining
		}
		table = append(table, c)
	}
	return table
}

// ElemSize returns the byte width of a supported element dtype.
func ElemSize(dt arrow.DataType) (int, error) {
	fw, ok := dt.(arrow.FixedWidthDataType)
	if !ok {
		return 0, fmt.Errorf("%w: dtype %s is not fixed-width", ErrInvalidStructure, dt)
	}
	bits := fw.BitWidth()
	if bits%8 != 0 {
		return 0, fmt.Errorf("%w: dtype %s is not byte-aligned", ErrInvalidStructure, dt)
	}
	switch dt.ID() {
	case arrow.FLOAT64, arrow.FLOAT32,
		arrow.INT64, arrow.INT32, arrow.INT16, arrow.INT8,
		arrow.UINT64, arrow.UINT32, arrow.UINT16, arrow.UINT8:
		return bits / 8, nil
	default:
		return 0, fmt.Errorf("%w: unsupported dtype %s", ErrInvalidStructure, dt)
	}
}

// DTypeByName resolves a dtype from its wire name ("float64", "int32", ...).
// "boolean" resolves to uint8: block payloads are raw bytes, one element per
// byte, which bit-packed booleans cannot satisfy.
func DTypeByName(name string) (arrow.DataType, error) {
	switch name {
	case "float64":
		return arrow.PrimitiveTypes.Float64, nil
	case "float32":
		return arrow.PrimitiveTypes.Float32, nil
	case "int64":
		return arrow.PrimitiveTypes.Int64, nil
	case "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "int16":
		return arrow.PrimitiveTypes.Int16, nil
	case "int8":
		return arrow.PrimitiveTypes.Int8, nil
	case "uint64":
		return arrow.PrimitiveTypes.Uint64, nil
	case "uint32":
		return arrow.PrimitiveTypes.Uint32, nil
	case "uint16":
		return arrow.PrimitiveTypes.Uint16, nil
	case "uint8", "boolean":
		return arrow.PrimitiveTypes.Uint8, nil
	default:
		return nil, fmt.Errorf("%w: unknown dtype name %q", ErrInvalidStructure, name)
	}
}

// Region selects a half-open hyper-rectangle [Start, Stop) of an array.
type Region struct {
	Start []int64
	Stop  []int64
}

// Shape returns the region extents.
func (r Region) Shape() []int64 {
	shape := make([]int64, len(r.Start))
	for axis := range r.Start {
		shape[axis] = r.Stop[axis] - r.Start[axis]
	}
	return shape
}

func (r Region) validate(arrayShape []int64) error {
	if len(r.Start) != len(arrayShape) || len(r.Stop) != len(arrayShape) {
		return fmt.Errorf("%w: region rank %d/%d, array rank %d", ErrOutOfRange, len(r.Start), len(r.Stop), len(arrayShape))
	}
	for axis := range arrayShape {
		if r.Start[axis] < 0 || r.Stop[axis] < r.Start[axis] || r.Stop[axis] > arrayShape[axis] {
			return fmt.Errorf("%w: region [%d, %d) on axis %d, extent %d",
				ErrOutOfRange, r.Start[axis], r.Stop[axis], axis, arrayShape[axis])
		}
	}
	return nil
}
