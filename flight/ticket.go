package flight

import (
	"encoding/json"
	"fmt"

	"github.com/lumen-lab/beamline-go/dataset"
)

// blockTicket is the decoded content of a Flight ticket. Tickets are opaque
// byte slices addressing one block of one field array: the array ref plus
// the block's grid index. JSON keeps them transparent on the wire.
type blockTicket struct {
	Run    string `json:"run"`
	Stream string `json:"stream"`
	Field  string `json:"field"`
	Cutoff int64  `json:"cutoff,omitempty"`
	Block  []int  `json:"block"`
}

// EncodeTicket creates an opaque ticket addressing one block of the array at
// ref. Returns an error when the ref is incomplete or the block index is
// malformed.
func EncodeTicket(ref dataset.Ref, block []int) ([]byte, error) {
	if err := validateTicket(ref, block); err != nil {
		return nil, err
	}
	data, err := json.Marshal(blockTicket{
		Run:    ref.Run,
		Stream: ref.Stream,
		Field:  ref.Field,
		Cutoff: ref.Cutoff,
		Block:  block,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket: %w", err)
	}
	return data, nil
}

// DecodeTicket parses an opaque ticket back into an array ref and a block
// grid index. Returns an error when the ticket is empty, not valid JSON, or
// incomplete.
func DecodeTicket(ticketBytes []byte) (dataset.Ref, []int, error) {
	if len(ticketBytes) == 0 {
		return dataset.Ref{}, nil, fmt.Errorf("ticket cannot be empty")
	}
	var ticket blockTicket
	if err := json.Unmarshal(ticketBytes, &ticket); err != nil {
		return dataset.Ref{}, nil, fmt.Errorf("failed to decode ticket: %w", err)
	}
	ref := dataset.Ref{Run: ticket.Run, Stream: ticket.Stream, Field: ticket.Field, Cutoff: ticket.Cutoff}
	if err := validateTicket(ref, ticket.Block); err != nil {
		return dataset.Ref{}, nil, err
	}
	return ref, ticket.Block, nil
}

func validateTicket(ref dataset.Ref, block []int) error {
	if ref.Run == "" {
		return fmt.Errorf("run uid cannot be empty")
	}
	if ref.Stream == "" {
		return fmt.Errorf("stream name cannot be empty")
	}
	if ref.Field == "" {
		return fmt.Errorf("field name cannot be empty")
	}
	if ref.Cutoff < 0 {
		return fmt.Errorf("cutoff %d is negative", ref.Cutoff)
	}
	if len(block) == 0 {
		return fmt.Errorf("block index cannot be empty")
	}
	for axis, b := range block {
		if b < 0 {
			return fmt.Errorf("block index %d on axis %d is negative", b, axis)
		}
	}
	return nil
}
