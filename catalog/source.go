package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/docstore"
)

// DefaultEventChunk is the event-axis block length used when none is
// configured.
const DefaultEventChunk = 100

// FieldSpec declares one stream field: its element dtype name ("float64",
// "int32", ...) and its per-event shape, empty for scalars.
type FieldSpec struct {
	DType string
	Shape []int64
}

// DocumentSourceConfig assembles a DocumentSource.
type DocumentSourceConfig struct {
	// Database holds the descriptor and event documents.
	Database docstore.Database

	// EventChunk is the block length along the event axis. Zero means
	// DefaultEventChunk.
	EventChunk int64

	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

// DocumentSource serves array structure and block payloads from event
// documents. It is the local realization of the data source contract; a
// catalog for remote data uses the flight client instead.
//
// Field values live inline in event documents under data.<field>. An
// array's first axis is the event axis, sized by the ref's pinned cutoff
// (the current stream cutoff when unpinned) and chunked by EventChunk;
// remaining axes follow the field's declared shape as one chunk each. A block covers a contiguous seq_num range; events are
// packed row-major in sequence order, and sequence numbers missing from the
// store leave zeroed rows.
//
// A DocumentSource is safe for concurrent use.
type DocumentSource struct {
	descs  docstore.Collection
	events docstore.Collection
	chunk  int64
	logger *slog.Logger
}

var _ dataset.Source = (*DocumentSource)(nil)

// NewDocumentSource returns a source reading cfg.Database.
func NewDocumentSource(cfg DocumentSourceConfig) (*DocumentSource, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%w: Database is required", ErrConfiguration)
	}
	chunk := cfg.EventChunk
	if chunk <= 0 {
		chunk = DefaultEventChunk
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentSource{
		descs:  cfg.Database.Collection(descriptorCollection),
		events: cfg.Database.Collection(eventCollection),
		chunk:  chunk,
		logger: logger,
	}, nil
}

// Structure derives the array geometry of one stream field from its
// descriptors and the stream cutoff, fetching no data.
func (s *DocumentSource) Structure(ctx context.Context, ref dataset.Ref) (dataset.Structure, error) {
	info, err := s.streamInfo(ctx, ref)
	if err != nil {
		return dataset.Structure{}, err
	}
	return s.fieldStructure(info, ref)
}

// FetchBlock packs the raw little-endian payload of one block from the
// event documents covering its seq_num range.
func (s *DocumentSource) FetchBlock(ctx context.Context, ref dataset.Ref, block []int) ([]byte, error) {
	info, err := s.streamInfo(ctx, ref)
	if err != nil {
		return nil, err
	}
	structure, err := s.fieldStructure(info, ref)
	if err != nil {
		return nil, err
	}
	origin, err := structure.BlockOrigin(block)
	if err != nil {
		return nil, err
	}
	shape, err := structure.BlockShape(block)
	if err != nil {
		return nil, err
	}
	elem, err := dataset.ElemSize(structure.DType)
	if err != nil {
		return nil, err
	}

	rowBytes := int(product(shape[1:])) * elem
	payload := make([]byte, int(shape[0])*rowBytes)

	// seq_num is 1-based; block rows cover (first, last] exclusive below,
	// inclusive above.
	first := origin[0]
	last := origin[0] + shape[0]
	uids := make([]any, len(info.descriptorUIDs))
	for i, uid := range info.descriptorUIDs {
		uids[i] = uid
	}
	cur := docstore.NewCursor(s.events, docstore.Filter{
		"descriptor": docstore.Filter{"$in": uids},
		"seq_num":    docstore.Filter{"$gt": first, "$lte": last},
	}, docstore.CursorOptions{})
	events, err := docstore.Drain[docstore.Document](ctx, cur)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		seq, ok := docstore.AsInt64(event["seq_num"])
		if !ok || seq <= first || seq > last {
			continue
		}
		row := payload[(seq-first-1)*int64(rowBytes) : (seq-first)*int64(rowBytes)]
		value, ok := eventValue(event, ref.Field)
		if !ok {
			continue
		}
		n, err := packInto(row, structure.DType, value)
		if err != nil {
			return nil, fmt.Errorf("event %d of %s: %w", seq, ref, err)
		}
		if n != rowBytes {
			return nil, fmt.Errorf("event %d of %s: value fills %d of %d bytes", seq, ref, n, rowBytes)
		}
	}

	s.logger.Debug("served block",
		"ref", ref.String(),
		"block", fmt.Sprint(block),
		"events", len(events),
		"bytes", len(payload),
	)
	return payload, nil
}

type streamInfo struct {
	descriptorUIDs []string
	fields         map[string]FieldSpec
	cutoff         int64
}

func (s *DocumentSource) streamInfo(ctx context.Context, ref dataset.Ref) (streamInfo, error) {
	descriptors, err := streamDescriptors(ctx, s.descs, ref.Run, ref.Stream, 0)
	if err != nil {
		return streamInfo{}, err
	}
	if len(descriptors) == 0 {
		return streamInfo{}, fmt.Errorf("%w: stream %q of run %q", ErrEmptyStream, ref.Stream, ref.Run)
	}
	uids := descriptorUIDs(descriptors)
	// A pinned ref fixes the event-axis length to the snapshot the array was
	// built from; only an unpinned ref reads the current stream length.
	cutoff := ref.Cutoff
	if cutoff <= 0 {
		cutoff, err = maxSeqNum(ctx, s.events, uids)
		if err != nil {
			return streamInfo{}, err
		}
	}
	fields, err := parseDataKeys(descriptors[0])
	if err != nil {
		return streamInfo{}, err
	}
	return streamInfo{descriptorUIDs: uids, fields: fields, cutoff: cutoff}, nil
}

func (s *DocumentSource) fieldStructure(info streamInfo, ref dataset.Ref) (dataset.Structure, error) {
	spec, ok := info.fields[ref.Field]
	if !ok {
		return dataset.Structure{}, fmt.Errorf("%w: field %q in stream %s/%s",
			ErrNotFound, ref.Field, ref.Run, ref.Stream)
	}
	dtype, err := dataset.DTypeByName(spec.DType)
	if err != nil {
		return dataset.Structure{}, err
	}

	shape := append([]int64{info.cutoff}, spec.Shape...)
	chunks := make([][]int64, 0, len(shape))
	chunks = append(chunks, dataset.ChunkAxis(info.cutoff, s.chunk))
	chunks = append(chunks, dataset.SingleChunk(spec.Shape)...)
	return dataset.Structure{Shape: shape, Chunks: chunks, DType: dtype}, nil
}

// parseDataKeys reads the data_keys mapping of a descriptor document.
func parseDataKeys(descriptor docstore.Document) (map[string]FieldSpec, error) {
	raw, ok := descriptor["data_keys"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("descriptor %v has no data_keys", descriptor["uid"])
	}
	fields := make(map[string]FieldSpec, len(raw))
	for name, v := range raw {
		spec, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("data key %q is not a mapping", name)
		}
		dtype, ok := spec["dtype"].(string)
		if !ok {
			return nil, fmt.Errorf("data key %q has no dtype", name)
		}
		var shape []int64
		switch rawShape := spec["shape"].(type) {
		case nil:
		case []int64:
			shape = append([]int64(nil), rawShape...)
		case []any:
			shape = make([]int64, len(rawShape))
			for i, e := range rawShape {
				n, ok := docstore.AsInt64(e)
				if !ok {
					return nil, fmt.Errorf("data key %q has non-numeric shape", name)
				}
				shape[i] = n
			}
		default:
			return nil, fmt.Errorf("data key %q has shape of type %T", name, rawShape)
		}
		fields[name] = FieldSpec{DType: dtype, Shape: shape}
	}
	return fields, nil
}

func sortedFieldNames(fields map[string]FieldSpec) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func eventValue(event docstore.Document, field string) (any, bool) {
	data, ok := event["data"].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := data[field]
	return v, ok
}

// packInto encodes value into dst as little-endian elements of dtype,
// flattening nested sequences row-major. It returns the number of bytes
// written.
func packInto(dst []byte, dtype arrow.DataType, value any) (int, error) {
	switch seq := value.(type) {
	case []any:
		off := 0
		for _, e := range seq {
			n, err := packInto(dst[off:], dtype, e)
			if err != nil {
				return 0, err
			}
			off += n
		}
		return off, nil
	case []float64:
		off := 0
		for _, e := range seq {
			n, err := packInto(dst[off:], dtype, e)
			if err != nil {
				return 0, err
			}
			off += n
		}
		return off, nil
	case []int64:
		off := 0
		for _, e := range seq {
			n, err := packInto(dst[off:], dtype, e)
			if err != nil {
				return 0, err
			}
			off += n
		}
		return off, nil
	}

	elem, err := dataset.ElemSize(dtype)
	if err != nil {
		return 0, err
	}
	if len(dst) < elem {
		return 0, fmt.Errorf("value overflows the block row")
	}

	switch dtype.ID() {
	case arrow.FLOAT64:
		f, ok := docstore.AsFloat64(value)
		if !ok {
			return 0, fmt.Errorf("value %v is not numeric", value)
		}
		binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
	case arrow.FLOAT32:
		f, ok := docstore.AsFloat64(value)
		if !ok {
			return 0, fmt.Errorf("value %v is not numeric", value)
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
	case arrow.INT64, arrow.UINT64:
		n, ok := docstore.AsInt64(value)
		if !ok {
			return 0, fmt.Errorf("value %v is not numeric", value)
		}
		binary.LittleEndian.PutUint64(dst, uint64(n))
	case arrow.INT32, arrow.UINT32:
		n, ok := docstore.AsInt64(value)
		if !ok {
			return 0, fmt.Errorf("value %v is not numeric", value)
		}
		binary.LittleEndian.PutUint32(dst, uint32(n))
	case arrow.INT16, arrow.UINT16:
		n, ok := docstore.AsInt64(value)
		if !ok {
			return 0, fmt.Errorf("value %v is not numeric", value)
		}
		binary.LittleEndian.PutUint16(dst, uint16(n))
	case arrow.INT8, arrow.UINT8:
		if b, ok := value.(bool); ok {
			dst[0] = 0
			if b {
				dst[0] = 1
			}
			return elem, nil
		}
		n, ok := docstore.AsInt64(value)
		if !ok {
			return 0, fmt.Errorf("value %v is not numeric", value)
		}
		dst[0] = byte(n)
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
	return elem, nil
}

func product(extents []int64) int64 {
	n := int64(1)
	for _, e := range extents {
		n *= e
	}
	return n
}
