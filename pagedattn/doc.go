// Package pagedattn implements multi-head scaled-dot-product attention over a
// paged key/value cache: fixed-size blocks addressed indirectly through
// per-sequence block tables and per-token slot mappings, the layout that lets
// a batched inference server avoid reserving a maximum-length contiguous
// buffer per request.
//
// The core pieces are AddressResolver (logical position to physical slot),
// BlockCache (block storage), HeadExpander (grouped-query head replication),
// MaskBuilder (causal/windowed/padded admissibility), AttentionCore (stable
// masked softmax attention) and PagedAttentionOp (prefill/decode
// orchestration). BlockManager, Scheduler and Engine add the serving loop
// around the operator.
package pagedattn
