package flight

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/internal/recovery"
	"github.com/lumen-lab/beamline-go/internal/serialize"
)

// ActionStructure is the DoAction type answering array structure lookups.
// The request body is a msgpack-encoded ref (run, stream, field); the single
// result body is the zstd-compressed msgpack structure.
const ActionStructure = "dataset_structure"

// DoAction executes server actions. The data plane supports one action,
// dataset_structure; everything else is Unimplemented.
func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	ctx := stream.Context()

	s.logger.Debug("DoAction called",
		"type", action.GetType(),
		"body_size", len(action.GetBody()),
	)

	switch action.GetType() {
	case ActionStructure:
		return s.handleStructure(ctx, action, stream)
	default:
		return status.Errorf(codes.Unimplemented, "unknown action type: %s", action.GetType())
	}
}

func (s *Server) handleStructure(ctx context.Context, action *flight.Action, stream flight.FlightService_DoActionServer) error {
	ref, err := serialize.DecodeStructureRequest(action.GetBody())
	if err != nil {
		s.logger.Error("Failed to decode structure request", "error", err)
		return status.Errorf(codes.InvalidArgument, "invalid structure request: %v", err)
	}

	structure, err := recovery.RecoverToValue(s.logger, "Structure", func() (dataset.Structure, error) {
		return s.source.Structure(ctx, ref)
	})
	if err != nil {
		s.logger.Error("Failed to resolve array structure", "ref", ref.String(), "error", err)
		return toStatus(err, "structure lookup")
	}

	body, err := serialize.EncodeStructure(structure)
	if err != nil {
		s.logger.Error("Failed to encode structure", "ref", ref.String(), "error", err)
		return status.Errorf(codes.Internal, "failed to encode structure: %v", err)
	}

	if err := stream.Send(&flight.Result{Body: body}); err != nil {
		return status.Errorf(codes.Internal, "failed to send result: %v", err)
	}

	s.logger.Debug("DoAction completed",
		"type", ActionStructure,
		"ref", ref.String(),
		"shape", structure.Shape,
	)
	return nil
}

// ListActions advertises the supported action types.
func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	return stream.Send(&flight.ActionType{
		Type:        ActionStructure,
		Description: "Resolve the structure (shape, chunks, dtype) of one field array",
	})
}
