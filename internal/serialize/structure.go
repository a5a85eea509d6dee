package serialize

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumen-lab/beamline-go/dataset"
)

// wireStructure is the msgpack form of an array structure. The dtype travels
// by name so the wire stays independent of any in-memory type system.
type wireStructure struct {
	Shape  []int64   `msgpack:"shape"`
	Chunks [][]int64 `msgpack:"chunks"`
	DType  string    `msgpack:"dtype"`
}

// EncodeStructure encodes a structure as zstd-compressed msgpack.
func EncodeStructure(s dataset.Structure) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	packed, err := msgpack.Marshal(wireStructure{
		Shape:  s.Shape,
		Chunks: s.Chunks,
		DType:  s.DType.Name(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode structure: %w", err)
	}
	return Compress(packed)
}

// DecodeStructure decodes and validates a structure produced by
// EncodeStructure.
func DecodeStructure(data []byte) (dataset.Structure, error) {
	if len(data) == 0 {
		return dataset.Structure{}, fmt.Errorf("decode structure: empty payload")
	}
	packed, err := Decompress(data)
	if err != nil {
		return dataset.Structure{}, fmt.Errorf("decode structure: %w", err)
	}
	var wire wireStructure
	if err := msgpack.Unmarshal(packed, &wire); err != nil {
		return dataset.Structure{}, fmt.Errorf("decode structure: %w", err)
	}
	dtype, err := dataset.DTypeByName(wire.DType)
	if err != nil {
		return dataset.Structure{}, err
	}
	s := dataset.Structure{Shape: wire.Shape, Chunks: wire.Chunks, DType: dtype}
	if err := s.Validate(); err != nil {
		return dataset.Structure{}, err
	}
	return s, nil
}

// StructureRequest is the msgpack body of a structure lookup action. Cutoff
// carries the ref's event-axis pin so a remote source answers from the same
// snapshot the requesting array was built from.
type StructureRequest struct {
	Run    string `msgpack:"run"`
	Stream string `msgpack:"stream"`
	Field  string `msgpack:"field"`
	Cutoff int64  `msgpack:"cutoff,omitempty"`
}

// EncodeStructureRequest encodes the request body for the structure action.
func EncodeStructureRequest(ref dataset.Ref) ([]byte, error) {
	data, err := msgpack.Marshal(StructureRequest{
		Run:    ref.Run,
		Stream: ref.Stream,
		Field:  ref.Field,
		Cutoff: ref.Cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("encode structure request: %w", err)
	}
	return data, nil
}

// DecodeStructureRequest decodes a structure action body.
func DecodeStructureRequest(data []byte) (dataset.Ref, error) {
	if len(data) == 0 {
		return dataset.Ref{}, fmt.Errorf("decode structure request: empty body")
	}
	var req StructureRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return dataset.Ref{}, fmt.Errorf("decode structure request: %w", err)
	}
	return dataset.Ref{Run: req.Run, Stream: req.Stream, Field: req.Field, Cutoff: req.Cutoff}, nil
}
