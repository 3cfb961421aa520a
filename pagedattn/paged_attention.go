package pagedattn

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Batch is one forward pass worth of inputs: the new tokens' projections plus
// the addressing tensors that tie them to the paged cache.
//
// In prefill (IsPrompt) each sequence contributes ContextLens[i] new tokens
// and reads no prior history. In decode each sequence contributes exactly one
// new token and ContextLens[i] counts its full history including that token.
type Batch struct {
	Query []float32 // [total_tokens, num_heads*head_size]
	Key   []float32 // [total_tokens, num_kv_heads*head_size]
	Value []float32 // [total_tokens, num_kv_heads*head_size]

	BlockTables [][]int32 // [batch][max_blocks_per_seq], PadValue padded
	SlotMapping []int32   // [total_tokens]
	ContextLens []int32   // [batch]
	IsPrompt    bool
}

// TotalTokens returns the number of new tokens the batch carries.
func (b *Batch) TotalTokens() int {
	if !b.IsPrompt {
		return len(b.ContextLens)
	}
	total := 0
	for _, cl := range b.ContextLens {
		total += int(cl)
	}
	return total
}

// PagedAttentionOp orchestrates one attention layer over the paged cache:
// resolve addresses, append the batch's new keys/values, gather each
// sequence's history and run the attention core against it.
type PagedAttentionOp struct {
	cfg      *Config
	cache    *BlockCache
	resolver *AddressResolver
	core     *AttentionCore
}

// NewPagedAttentionOp allocates the cache layer and wires the op together.
func NewPagedAttentionOp(cfg *Config) (*PagedAttentionOp, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	core, err := NewAttentionCore(cfg)
	if err != nil {
		return nil, err
	}
	return &PagedAttentionOp{
		cfg:      cfg,
		cache:    NewBlockCache(cfg.NumBlocks, cfg.SlotsPerBlock, cfg.KVHidden(), cfg.CacheDType),
		resolver: NewAddressResolver(cfg.NumBlocks, cfg.SlotsPerBlock),
		core:     core,
	}, nil
}

// Cache exposes the underlying block storage (read access for tests and
// tooling; ownership of block ids stays with the external allocator).
func (op *PagedAttentionOp) Cache() *BlockCache { return op.cache }

func (op *PagedAttentionOp) validateBatch(b *Batch) (totalTokens int, err error) {
	if len(b.ContextLens) == 0 || len(b.ContextLens) != len(b.BlockTables) {
		return 0, fmt.Errorf("%w: %d context lengths, %d block table rows",
			ErrShapeMismatch, len(b.ContextLens), len(b.BlockTables))
	}
	totalTokens = b.TotalTokens()
	if len(b.SlotMapping) != totalTokens {
		return 0, fmt.Errorf("%w: slot mapping length %d, want %d new tokens",
			ErrShapeMismatch, len(b.SlotMapping), totalTokens)
	}
	if want := totalTokens * op.cfg.QueryHidden(); len(b.Query) != want {
		return 0, fmt.Errorf("%w: query length %d, want %d", ErrShapeMismatch, len(b.Query), want)
	}
	if want := totalTokens * op.cfg.KVHidden(); len(b.Key) != want || len(b.Value) != want {
		return 0, fmt.Errorf("%w: key/value length %d/%d, want %d",
			ErrShapeMismatch, len(b.Key), len(b.Value), want)
	}
	return totalTokens, nil
}

// Forward runs one prefill or decode step and returns the attention output
// [total_tokens, num_heads*head_size]. All addressing is resolved before the
// cache is touched; either the full output is produced or none of it.
func (op *PagedAttentionOp) Forward(b *Batch) ([]float32, error) {
	totalTokens, err := op.validateBatch(b)
	if err != nil {
		return nil, err
	}

	writes, err := op.resolver.WriteAddresses(b.SlotMapping)
	if err != nil {
		return nil, err
	}
	history := make([][]Address, len(b.ContextLens))
	for i, table := range b.BlockTables {
		history[i], err = op.resolver.HistoryAddresses(table, int(b.ContextLens[i]))
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
	}

	logrus.Debugf("paged attention: %d seqs, %d new tokens, prompt=%v",
		len(b.ContextLens), totalTokens, b.IsPrompt)

	// New tokens are appended before any history read so a decode step sees
	// its own token.
	kvHidden := op.cfg.KVHidden()
	op.cache.BeginStep()
	for t, addr := range writes {
		if addr.Block == PadValue {
			continue
		}
		if err := op.cache.Write(addr, b.Key[t*kvHidden:(t+1)*kvHidden], b.Value[t*kvHidden:(t+1)*kvHidden]); err != nil {
			return nil, err
		}
	}

	qHidden := op.cfg.QueryHidden()
	out := make([]float32, totalTokens*qHidden)
	qRow := 0
	for i := range b.ContextLens {
		seqlenQ := 1
		if b.IsPrompt {
			seqlenQ = int(b.ContextLens[i])
		}
		seqlenK := int(b.ContextLens[i])

		keys, values, err := op.cache.Gather(history[i])
		if err != nil {
			return nil, err
		}

		mask := NewMaskBuilder(seqlenQ, seqlenK, op.cfg.Causal, op.cfg.Window, nil, nil)
		seqOut, _, err := op.core.Compute(AttentionInput{
			Query:   b.Query[qRow*qHidden : (qRow+seqlenQ)*qHidden],
			Key:     keys,
			Value:   values,
			Batch:   1,
			SeqlenQ: seqlenQ,
			SeqlenK: seqlenK,
			Mask:    mask,
		})
		if err != nil {
			return nil, err
		}
		copy(out[qRow*qHidden:(qRow+seqlenQ)*qHidden], seqOut)
		qRow += seqlenQ
	}
	return out, nil
}
