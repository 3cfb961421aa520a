package pagedattn

import "fmt"

// HeadExpander replicates grouped key/value heads to match the query head
// count. Each kv head is repeated groupSize = numHeads/numKVHeads times
// contiguously, so query head q reads kv head q/groupSize.
type HeadExpander struct {
	numHeads   int
	numKVHeads int
	headSize   int
}

// NewHeadExpander validates the grouping and returns an expander.
func NewHeadExpander(numHeads, numKVHeads, headSize int) (*HeadExpander, error) {
	if numKVHeads <= 0 || numHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("%w: num_heads=%d num_kv_heads=%d",
			ErrInvalidHeadGrouping, numHeads, numKVHeads)
	}
	return &HeadExpander{numHeads: numHeads, numKVHeads: numKVHeads, headSize: headSize}, nil
}

// GroupSize returns how many query heads share one kv head.
func (e *HeadExpander) GroupSize() int { return e.numHeads / e.numKVHeads }

// KVHead maps a query head index to the kv head it reads. This is the strided
// view of the expansion; the attention core uses it to avoid a physical copy.
func (e *HeadExpander) KVHead(qHead int) int {
	return qHead / e.GroupSize()
}

// Expand physically replicates kv heads. Input is [tokens, numKVHeads*headSize]
// flattened, output [tokens, numHeads*headSize]. With numKVHeads == numHeads it
// returns a copy of the input.
func (e *HeadExpander) Expand(kv []float32, tokens int) ([]float32, error) {
	kvHidden := e.numKVHeads * e.headSize
	if len(kv) != tokens*kvHidden {
		return nil, fmt.Errorf("%w: kv length %d, want %d tokens x %d",
			ErrShapeMismatch, len(kv), tokens, kvHidden)
	}

	qHidden := e.numHeads * e.headSize
	out := make([]float32, tokens*qHidden)
	for t := 0; t < tokens; t++ {
		src := kv[t*kvHidden : (t+1)*kvHidden]
		dst := out[t*qHidden : (t+1)*qHidden]
		for h := 0; h < e.numHeads; h++ {
			kvh := e.KVHead(h)
			copy(dst[h*e.headSize:(h+1)*e.headSize], src[kvh*e.headSize:(kvh+1)*e.headSize])
		}
	}
	return out, nil
}
