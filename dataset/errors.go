package dataset

import (
	"errors"
	"fmt"
)

// ErrInvalidStructure is wrapped by New and Structure.Validate when a
// structure's shape, chunk tables and dtype do not describe a well-formed
// chunked array.
var ErrInvalidStructure = errors.New("invalid array structure")

// ErrOutOfRange is wrapped when a block index lies outside the block grid or
// a slice region lies outside the array shape.
var ErrOutOfRange = errors.New("out of range")

// ErrBlockFetch is the error kind all block-fetch failures match via
// errors.Is, regardless of cause. The concrete error is a *BlockFetchError.
var ErrBlockFetch = errors.New("block fetch failed")

// BlockFetchError reports one failed or malformed block fetch. A single
// BlockFetchError aborts the whole materialization or slice it occurred in;
// no partial array is ever returned around it.
type BlockFetchError struct {
	Ref   Ref
	Block []int
	Err   error
}

func (e *BlockFetchError) Error() string {
	return fmt.Sprintf("fetch block %v of %s: %v", e.Block, e.Ref, e.Err)
}

func (e *BlockFetchError) Unwrap() error { return e.Err }

// Is matches the ErrBlockFetch kind.
func (e *BlockFetchError) Is(target error) bool { return target == ErrBlockFetch }
