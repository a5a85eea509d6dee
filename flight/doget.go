package flight

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/internal/recovery"
	"github.com/lumen-lab/beamline-go/internal/serialize"
)

// DoGet streams one block of one field array as a single Arrow record batch.
//
// The ticket must be encoded using EncodeTicket (array ref + block index).
// The handler:
//  1. Decodes the ticket to get the array ref and block grid index
//  2. Asks the source for the array structure to learn the element dtype
//  3. Fetches the raw block payload from the source
//  4. Streams it as a one-column record using Arrow IPC format
//
// Source panics are recovered and surface as Internal errors.
func (s *Server) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := stream.Context()

	ref, block, err := DecodeTicket(ticket.GetTicket())
	if err != nil {
		s.logger.Error("Failed to decode ticket", "error", err)
		return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
	}

	s.logger.Debug("DoGet request", "ref", ref.String(), "block", block)

	structure, err := recovery.RecoverToValue(s.logger, "Structure", func() (dataset.Structure, error) {
		return s.source.Structure(ctx, ref)
	})
	if err != nil {
		s.logger.Error("Failed to resolve array structure", "ref", ref.String(), "error", err)
		return toStatus(err, "structure lookup")
	}

	payload, err := recovery.RecoverToValue(s.logger, "FetchBlock", func() ([]byte, error) {
		return s.source.FetchBlock(ctx, ref, block)
	})
	if err != nil {
		s.logger.Error("Failed to fetch block",
			"ref", ref.String(),
			"block", block,
			"error", err,
		)
		return toStatus(err, "block fetch")
	}

	record, err := serialize.BlockRecord(structure.DType, payload)
	if err != nil {
		s.logger.Error("Failed to build block record", "ref", ref.String(), "error", err)
		return status.Errorf(codes.Internal, "failed to build block record: %v", err)
	}
	defer record.Release()

	writer := flight.NewRecordWriter(stream,
		ipc.WithSchema(record.Schema()),
		ipc.WithAllocator(s.allocator),
	)
	defer writer.Close()

	if err := writer.Write(record); err != nil {
		s.logger.Error("Failed to write block record",
			"ref", ref.String(),
			"block", block,
			"error", err,
		)
		return status.Errorf(codes.Internal, "failed to write block: %v", err)
	}

	s.logger.Debug("DoGet completed",
		"ref", ref.String(),
		"block", block,
		"rows", record.NumRows(),
	)
	return nil
}
