package dataset

import "context"

// Ref addresses one field array: the run it belongs to, the event stream
// inside the run, and the field name.
//
// Cutoff pins the event-axis length to a snapshot taken when the stream was
// constructed. Sources that derive geometry from a live store MUST honor a
// non-zero Cutoff instead of re-reading the current stream length, so an
// array keeps its shape (and its block payloads keep their size) while
// events are still being appended. Zero means no pin.
type Ref struct {
	Run    string
	Stream string
	Field  string
	Cutoff int64
}

func (r Ref) String() string {
	return r.Run + "/" + r.Stream + "/" + r.Field
}

// BlockFetcher retrieves raw block payloads.
//
// FetchBlock returns the little-endian, row-major element bytes of the block
// at the given grid index; the payload length must equal the element size
// times the product of the block shape. Implementations MUST be safe for
// concurrent use: materialization fans fetches out across goroutines.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, ref Ref, block []int) ([]byte, error)
}

// StructureSource describes arrays without fetching any block.
//
// Implementations MUST be safe for concurrent use.
type StructureSource interface {
	Structure(ctx context.Context, ref Ref) (Structure, error)
}

// Source is everything an Array needs from a data backend: structure
// discovery plus block fetch. The catalog wires one Source per view; the
// local implementation reads event documents, the flight client reads a
// remote data server.
type Source interface {
	StructureSource
	BlockFetcher
}

// FetchFunc adapts a function to the BlockFetcher interface.
type FetchFunc func(ctx context.Context, ref Ref, block []int) ([]byte, error)

func (f FetchFunc) FetchBlock(ctx context.Context, ref Ref, block []int) ([]byte, error) {
	return f(ctx, ref, block)
}
