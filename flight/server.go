// Package flight is the Arrow Flight data plane for field arrays. A Server
// exposes one dataset.Source over gRPC: DoGet streams block payloads as
// one-column Arrow records, the dataset_structure action answers structure
// lookups. Client speaks the same protocol and implements dataset.Source, so
// a catalog can read arrays from a remote store by swapping in a Client.
package flight

import (
	"errors"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lumen-lab/beamline-go/catalog"
	"github.com/lumen-lab/beamline-go/dataset"
)

// Server implements the Flight service handlers over a dataset.Source.
// Embeds BaseFlightServer for forward compatibility with protocol changes.
type Server struct {
	flight.BaseFlightServer

	source    dataset.Source
	allocator memory.Allocator
	logger    *slog.Logger
}

var _ flight.FlightServer = (*Server)(nil)

// NewServer creates a Flight server over the given source. A nil allocator
// means memory.DefaultAllocator, a nil logger means slog.Default.
func NewServer(source dataset.Source, allocator memory.Allocator, logger *slog.Logger) *Server {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		source:    source,
		allocator: allocator,
		logger:    logger,
	}
}

// RegisterFlightServer registers the Flight service on the provided gRPC
// server. This follows the standard gRPC service registration pattern.
func RegisterFlightServer(grpcServer *grpc.Server, flightServer *Server) {
	flight.RegisterFlightServiceServer(grpcServer, flightServer)
}

// toStatus maps source errors to gRPC status codes at the transport
// boundary. Errors that already carry a status pass through unchanged.
func toStatus(err error, op string) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, catalog.ErrEmptyStream):
		return status.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, dataset.ErrOutOfRange):
		return status.Errorf(codes.OutOfRange, "%s: %v", op, err)
	case errors.Is(err, dataset.ErrInvalidStructure):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
