package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lumen-lab/beamline-go/auth"
	"github.com/lumen-lab/beamline-go/catalog"
	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/internal/serialize"
)

// ClientConfig assembles a Client. Every field is optional.
type ClientConfig struct {
	// Allocator for Arrow memory management. Nil means
	// memory.DefaultAllocator.
	Allocator memory.Allocator

	// Logger receives diagnostics. Nil means slog.Default.
	Logger *slog.Logger

	// Token is a bearer token attached to every call, for servers running
	// the auth interceptors. Empty means no authorization metadata.
	Token string
}

// Client reads field arrays from a remote data server. It implements
// dataset.Source, so it plugs into a catalog as the array backend via
// catalog.Config.Source.
//
// A Client is safe for concurrent use; materialization fans FetchBlock calls
// out across goroutines over the shared connection.
type Client struct {
	raw       flight.FlightServiceClient
	allocator memory.Allocator
	logger    *slog.Logger
	token     string
}

var _ dataset.Source = (*Client)(nil)

// NewClient wraps an established gRPC connection. The caller owns the
// connection lifecycle.
func NewClient(conn grpc.ClientConnInterface, cfg ClientConfig) *Client {
	allocator := cfg.Allocator
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		raw:       flight.NewFlightServiceClient(conn),
		allocator: allocator,
		logger:    logger,
		token:     cfg.Token,
	}
}

// Structure resolves the array geometry of ref via the dataset_structure
// action.
func (c *Client) Structure(ctx context.Context, ref dataset.Ref) (dataset.Structure, error) {
	body, err := serialize.EncodeStructureRequest(ref)
	if err != nil {
		return dataset.Structure{}, err
	}

	stream, err := c.raw.DoAction(c.callContext(ctx), &flight.Action{
		Type: ActionStructure,
		Body: body,
	})
	if err != nil {
		return dataset.Structure{}, mapRemoteError(err, "structure action")
	}

	result, err := stream.Recv()
	if err != nil {
		return dataset.Structure{}, mapRemoteError(err, "structure action")
	}
	// Drain to the end of the stream so the call completes cleanly.
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}

	structure, err := serialize.DecodeStructure(result.GetBody())
	if err != nil {
		return dataset.Structure{}, fmt.Errorf("structure action: %w", err)
	}

	c.logger.Debug("resolved remote structure",
		"ref", ref.String(),
		"shape", structure.Shape,
		"dtype", structure.DType.Name(),
	)
	return structure, nil
}

// FetchBlock retrieves the raw payload of one block via DoGet.
func (c *Client) FetchBlock(ctx context.Context, ref dataset.Ref, block []int) ([]byte, error) {
	ticketBytes, err := EncodeTicket(ref, block)
	if err != nil {
		return nil, err
	}

	stream, err := c.raw.DoGet(c.callContext(ctx), &flight.Ticket{Ticket: ticketBytes})
	if err != nil {
		return nil, mapRemoteError(err, "block fetch")
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, mapRemoteError(err, "block fetch")
	}
	defer reader.Release()

	var payload []byte
	var dtype arrow.DataType
	for reader.Next() {
		record := reader.RecordBatch()
		if dtype == nil {
			if record.NumCols() != 1 {
				return nil, fmt.Errorf("block fetch: record has %d columns, want 1", record.NumCols())
			}
			dtype = record.Column(0).DataType()
		}
		part, err := serialize.BlockBytes(record, dtype)
		if err != nil {
			return nil, fmt.Errorf("block fetch: %w", err)
		}
		payload = append(payload, part...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, mapRemoteError(err, "block fetch")
	}

	c.logger.Debug("fetched remote block",
		"ref", ref.String(),
		"block", block,
		"bytes", len(payload),
	)
	return payload, nil
}

// callContext attaches the bearer token, when configured, to the outgoing
// call metadata.
func (c *Client) callContext(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return auth.WithBearerToken(ctx, c.token)
}

// mapRemoteError turns transport status codes back into the sentinel kinds
// local sources produce, so remote and local arrays fail alike.
func mapRemoteError(err error, op string) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", catalog.ErrNotFound, st.Message())
	case codes.OutOfRange:
		return fmt.Errorf("%w: %s", dataset.ErrOutOfRange, st.Message())
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
