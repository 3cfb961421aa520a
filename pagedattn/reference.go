package pagedattn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ReferenceParams configures the unpaged, fully-materialized reference
// attention used for validation. It is deliberately naive: the whole
// [B, H, Sq, Sk] score matrix is built in memory.
type ReferenceParams struct {
	Batch      int
	SeqlenQ    int
	SeqlenK    int
	NumHeads   int
	NumKVHeads int
	HeadSize   int

	Causal bool
	Window Window

	QueryPad [][]bool // [batch][seqlen_q], true = real token; nil = none
	KeyPad   [][]bool // [batch][seqlen_k]

	DropoutP    float64
	DropoutMask []bool // [B, H, Sq, Sk], true = keep; nil = no dropout

	// Upcast computes in float64 and casts back at the end.
	Upcast bool
	// ReorderOps scales the key operand instead of the query operand. The two
	// orderings agree only to floating-point tolerance.
	ReorderOps bool
}

// ReferenceAttention computes masked softmax attention the slow, obvious way.
// Query is [B, Sq, H, D], key/value [B, Sk, Hkv, D], all flattened. It returns
// the output [B, Sq, H, D] and attention weights [B, H, Sq, Sk] (post
// zero-corrections, pre-dropout), matching the validation semantics the paged
// operator is held to.
func ReferenceAttention(q, k, v []float32, p ReferenceParams) (out, attention []float32) {
	group := p.NumHeads / p.NumKVHeads
	scale := 1.0 / math.Sqrt(float64(p.HeadSize))

	mask := NewMaskBuilder(p.SeqlenQ, p.SeqlenK, p.Causal, p.Window, p.QueryPad, p.KeyPad)

	out = make([]float32, p.Batch*p.SeqlenQ*p.NumHeads*p.HeadSize)
	attention = make([]float32, p.Batch*p.NumHeads*p.SeqlenQ*p.SeqlenK)

	qIdx := func(b, t, h int) int { return ((b*p.SeqlenQ+t)*p.NumHeads + h) * p.HeadSize }
	kvIdx := func(b, s, h int) int { return ((b*p.SeqlenK+s)*p.NumKVHeads + h/group) * p.HeadSize }
	wIdx := func(b, h, t int) int { return ((b*p.NumHeads+h)*p.SeqlenQ + t) * p.SeqlenK }

	dropScale := 1.0
	if p.DropoutMask != nil {
		dropScale = 1.0 / (1.0 - p.DropoutP)
	}

	scores := make([]float64, p.SeqlenK)
	for b := 0; b < p.Batch; b++ {
		for h := 0; h < p.NumHeads; h++ {
			for t := 0; t < p.SeqlenQ; t++ {
				for s := 0; s < p.SeqlenK; s++ {
					var dot float64
					for d := 0; d < p.HeadSize; d++ {
						qv := float64(q[qIdx(b, t, h)+d])
						kv := float64(k[kvIdx(b, s, h)+d])
						if p.Upcast {
							if p.ReorderOps {
								dot += qv * (kv * scale)
							} else {
								dot += (qv * scale) * kv
							}
						} else {
							// Emulate float32 rounding at each step.
							var prod float32
							if p.ReorderOps {
								prod = q[qIdx(b, t, h)+d] * (k[kvIdx(b, s, h)+d] * float32(scale))
							} else {
								prod = (q[qIdx(b, t, h)+d] * float32(scale)) * k[kvIdx(b, s, h)+d]
							}
							dot = float64(float32(dot) + prod)
						}
					}
					if !mask.Admissible(b, t, s) {
						dot = math.Inf(-1)
					}
					scores[s] = dot
				}

				rowMax := floats.Max(scores)
				fullyMasked := math.IsInf(rowMax, -1)
				padded := mask.QueryPadded(b, t)

				if fullyMasked {
					continue
				}
				expRow := make([]float64, p.SeqlenK)
				for s, sc := range scores {
					if math.IsInf(sc, -1) {
						expRow[s] = 0
					} else {
						expRow[s] = math.Exp(sc - rowMax)
					}
				}
				denom := floats.Sum(expRow)

				if padded {
					continue
				}

				acc := make([]float64, p.HeadSize)
				for s := 0; s < p.SeqlenK; s++ {
					w := expRow[s] / denom
					attention[wIdx(b, h, t)+s] = float32(w)
					if w == 0 {
						continue
					}
					if p.DropoutMask != nil {
						if !p.DropoutMask[wIdx(b, h, t)+s] {
							continue
						}
						w *= dropScale
					}
					for d := 0; d < p.HeadSize; d++ {
						acc[d] += w * float64(v[kvIdx(b, s, h)+d])
					}
				}
				for d := 0; d < p.HeadSize; d++ {
					out[qIdx(b, t, h)+d] = float32(acc[d])
				}
			}
		}
	}
	return out, attention
}
