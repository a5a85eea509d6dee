package serialize

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lumen-lab/beamline-go/dataset"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("beamline"), 512)

	packed, err := Compress(payload)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(packed) >= len(payload) {
		t.Errorf("compressed %d bytes to %d, expected a reduction on repetitive input", len(payload), len(packed))
	}

	restored, err := Decompress(packed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("round trip did not restore the original payload")
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not a zstd frame")); err == nil {
		t.Error("expected an error for a malformed frame")
	}
}

func TestStructureRoundTrip(t *testing.T) {
	in := dataset.Structure{
		Shape:  []int64{4, 6},
		Chunks: [][]int64{{2, 2}, {3, 3}},
		DType:  arrow.PrimitiveTypes.Float64,
	}

	body, err := EncodeStructure(in)
	if err != nil {
		t.Fatalf("EncodeStructure: %v", err)
	}

	out, err := DecodeStructure(body)
	if err != nil {
		t.Fatalf("DecodeStructure: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, in.Shape) {
		t.Errorf("shape = %v, want %v", out.Shape, in.Shape)
	}
	if !reflect.DeepEqual(out.Chunks, in.Chunks) {
		t.Errorf("chunks = %v, want %v", out.Chunks, in.Chunks)
	}
	if !arrow.TypeEqual(out.DType, in.DType) {
		t.Errorf("dtype = %v, want %v", out.DType, in.DType)
	}
}

func TestEncodeStructureRejectsInvalid(t *testing.T) {
	bad := dataset.Structure{
		Shape:  []int64{4},
		Chunks: [][]int64{{3}},
		DType:  arrow.PrimitiveTypes.Float64,
	}
	if _, err := EncodeStructure(bad); err == nil {
		t.Error("expected an error for chunk sums not covering the shape")
	}
}

func TestDecodeStructureEmptyBody(t *testing.T) {
	if _, err := DecodeStructure(nil); err == nil {
		t.Error("expected an error for an empty body")
	}
}

func TestStructureRequestRoundTrip(t *testing.T) {
	ref := dataset.Ref{Run: "run-1", Stream: "primary", Field: "det", Cutoff: 7}

	body, err := EncodeStructureRequest(ref)
	if err != nil {
		t.Fatalf("EncodeStructureRequest: %v", err)
	}
	out, err := DecodeStructureRequest(body)
	if err != nil {
		t.Fatalf("DecodeStructureRequest: %v", err)
	}
	if out != ref {
		t.Errorf("ref = %+v, want %+v", out, ref)
	}

	if _, err := DecodeStructureRequest(nil); err == nil {
		t.Error("expected an error for an empty body")
	}
}

func TestBlockRecordRoundTrip(t *testing.T) {
	values := []float64{1.5, -2, 3.25, 0}
	payload := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(v))
	}

	rec, err := BlockRecord(arrow.PrimitiveTypes.Float64, payload)
	if err != nil {
		t.Fatalf("BlockRecord: %v", err)
	}
	defer rec.Release()

	if got := rec.NumRows(); got != int64(len(values)) {
		t.Fatalf("NumRows = %d, want %d", got, len(values))
	}
	if name := rec.Schema().Field(0).Name; name != BlockColumn {
		t.Errorf("column name = %q, want %q", name, BlockColumn)
	}

	raw, err := BlockBytes(rec, arrow.PrimitiveTypes.Float64)
	if err != nil {
		t.Fatalf("BlockBytes: %v", err)
	}
	if !bytes.Equal(raw, payload) {
		t.Error("extracted bytes differ from the original payload")
	}
}

func TestBlockRecordRejectsRaggedPayload(t *testing.T) {
	if _, err := BlockRecord(arrow.PrimitiveTypes.Float64, make([]byte, 10)); err == nil {
		t.Error("expected an error for a payload that is not a whole number of elements")
	}
}

func TestBlockBytesRejectsDTypeMismatch(t *testing.T) {
	rec, err := BlockRecord(arrow.PrimitiveTypes.Int32, make([]byte, 8))
	if err != nil {
		t.Fatalf("BlockRecord: %v", err)
	}
	defer rec.Release()

	if _, err := BlockBytes(rec, arrow.PrimitiveTypes.Float64); err == nil {
		t.Error("expected an error for a column dtype mismatch")
	}
}
