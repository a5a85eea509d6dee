package serialize

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lumen-lab/beamline-go/dataset"
)

// BlockColumn is the column name under which block elements travel in a
// Flight record stream.
const BlockColumn = "values"

// BlockSchema returns the one-column Arrow schema carrying a block of the
// given element dtype.
func BlockSchema(dtype arrow.DataType) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: BlockColumn, Type: dtype},
	}, nil)
}

// BlockRecord wraps a raw little-endian block payload as a one-column Arrow
// record without copying the element bytes. The caller owns the returned
// record and must Release it.
func BlockRecord(dtype arrow.DataType, payload []byte) (arrow.Record, error) {
	elem, err := dataset.ElemSize(dtype)
	if err != nil {
		return nil, err
	}
	if len(payload)%elem != 0 {
		return nil, fmt.Errorf("block payload of %d bytes is not a whole number of %s elements", len(payload), dtype)
	}
	n := len(payload) / elem

	buf := memory.NewBufferBytes(payload)
	data := array.NewData(dtype, n, []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer data.Release()
	col := array.MakeFromData(data)
	defer col.Release()

	return array.NewRecord(BlockSchema(dtype), []arrow.Array{col}, int64(n)), nil
}

// BlockBytes extracts the raw element bytes of a one-column block record.
// The returned slice is a copy and stays valid after the record is released.
func BlockBytes(rec arrow.Record, dtype arrow.DataType) ([]byte, error) {
	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("block record has %d columns, want 1", rec.NumCols())
	}
	col := rec.Column(0)
	if !arrow.TypeEqual(col.DataType(), dtype) {
		return nil, fmt.Errorf("block record column is %s, want %s", col.DataType(), dtype)
	}
	elem, err := dataset.ElemSize(dtype)
	if err != nil {
		return nil, err
	}

	data := col.Data()
	values := data.Buffers()[1]
	if values == nil {
		return []byte{}, nil
	}
	start := data.Offset() * elem
	length := col.Len() * elem
	raw := values.Bytes()
	if start+length > len(raw) {
		return nil, fmt.Errorf("block record values buffer is %d bytes, need %d", len(raw), start+length)
	}
	return append([]byte(nil), raw[start:start+length]...), nil
}
