package pagedattn

import "math/rand"

// SyntheticProjector produces deterministic pseudo-random projections: the
// q/k/v rows of a token depend only on (token id, position), so projecting a
// prompt in one prefill or token by token in decode yields identical vectors.
// It plays the role the mock model runner plays in a full serving stack.
type SyntheticProjector struct {
	NumHeads   int
	NumKVHeads int
	HeadSize   int
	VocabSize  int
}

// NewSyntheticProjector creates a projector matching the operator config.
func NewSyntheticProjector(cfg *Config) *SyntheticProjector {
	return &SyntheticProjector{
		NumHeads:   cfg.NumHeads,
		NumKVHeads: cfg.NumKVHeads,
		HeadSize:   cfg.HeadSize,
		VocabSize:  32000,
	}
}

func fillRow(dst []float32, rng *rand.Rand) {
	for i := range dst {
		dst[i] = rng.Float32()*2 - 1
	}
}

// Project returns q/k/v rows for tokenIDs placed at consecutive positions
// starting at startPos.
func (p *SyntheticProjector) Project(tokenIDs []int, startPos int) (q, k, v []float32) {
	qHidden := p.NumHeads * p.HeadSize
	kvHidden := p.NumKVHeads * p.HeadSize
	q = make([]float32, len(tokenIDs)*qHidden)
	k = make([]float32, len(tokenIDs)*kvHidden)
	v = make([]float32, len(tokenIDs)*kvHidden)

	for i, tok := range tokenIDs {
		pos := startPos + i
		rng := rand.New(rand.NewSource(int64(tok)<<20 ^ int64(pos)))
		fillRow(q[i*qHidden:(i+1)*qHidden], rng)
		fillRow(k[i*kvHidden:(i+1)*kvHidden], rng)
		fillRow(v[i*kvHidden:(i+1)*kvHidden], rng)
	}
	return q, k, v
}

// Next derives the sequence's next token from its newest one.
func (p *SyntheticProjector) Next(seq *Sequence) int {
	last := seq.TokenIDs[len(seq.TokenIDs)-1]
	return (last*31 + 7) % p.VocabSize
}
