package pagedattn

import "errors"

// Error sentinels for the paged attention operator. All of them are detected
// synchronously, before any output row is written; callers never observe a
// partially written output tensor.
var (
	// ErrAddressOutOfRange indicates a block id or slot outside the allocated
	// cache, or a context length that does not fit the sequence's block table.
	// This is an upstream scheduling defect and is never retried.
	ErrAddressOutOfRange = errors.New("address out of range")

	// ErrInvalidHeadGrouping indicates num_heads is not a multiple of
	// num_kv_heads. Caught at configuration time.
	ErrInvalidHeadGrouping = errors.New("invalid head grouping")

	// ErrShapeMismatch indicates a tensor length inconsistent with the
	// configured attributes and the batch's addressing tensors.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrSlotOccupiedConflict indicates two writers targeted the same cache
	// slot within one step. This is a caller protocol bug, not a recoverable
	// condition.
	ErrSlotOccupiedConflict = errors.New("slot occupied conflict")
)
