package pagedattn

import (
	"fmt"
	"math"
)

// AttentionCore computes masked, numerically-stable softmax attention over
// query [B, Sq, H, D] and key/value [B, Sk, Hkv, D], all flattened row-major.
// Grouped kv heads are read through the expander's strided mapping; no
// physical head replication happens here.
//
// The 1/sqrt(D) scale is applied to the query operand before the dot product.
// Cross-implementation equality is tolerance-bounded, not bit-exact; scaling
// the key side instead gives slightly different rounding (see
// ReferenceAttention's ReorderOps).
type AttentionCore struct {
	numHeads int
	headSize int
	expander *HeadExpander
	scale    float64
	dropoutP float64
	upcast   bool
}

// NewAttentionCore wires an attention core from the operator config.
func NewAttentionCore(cfg *Config) (*AttentionCore, error) {
	exp, err := NewHeadExpander(cfg.NumHeads, cfg.NumKVHeads, cfg.HeadSize)
	if err != nil {
		return nil, err
	}
	return &AttentionCore{
		numHeads: cfg.NumHeads,
		headSize: cfg.HeadSize,
		expander: exp,
		scale:    cfg.EffectiveScale(),
		dropoutP: cfg.DropoutP,
		upcast:   cfg.Upcast,
	}, nil
}

// AttentionInput carries one attention computation's tensors and mask.
type AttentionInput struct {
	Query []float32 // [B, Sq, H, D]
	Key   []float32 // [B, Sk, Hkv, D]
	Value []float32 // [B, Sk, Hkv, D]

	Batch   int
	SeqlenQ int
	SeqlenK int

	Mask *MaskBuilder

	// DropoutMask is the precomputed keep mask [B, H, Sq, Sk], true = keep.
	// Nil disables dropout regardless of the configured probability.
	DropoutMask []bool

	// ReturnWeights requests the post-correction, pre-dropout attention
	// weights [B, H, Sq, Sk].
	ReturnWeights bool
}

func (in *AttentionInput) validate(numHeads, numKVHeads, headSize int) error {
	if in.Batch <= 0 || in.SeqlenQ <= 0 || in.SeqlenK < 0 {
		return fmt.Errorf("%w: batch=%d seqlen_q=%d seqlen_k=%d",
			ErrShapeMismatch, in.Batch, in.SeqlenQ, in.SeqlenK)
	}
	if want := in.Batch * in.SeqlenQ * numHeads * headSize; len(in.Query) != want {
		return fmt.Errorf("%w: query length %d, want %d", ErrShapeMismatch, len(in.Query), want)
	}
	if want := in.Batch * in.SeqlenK * numKVHeads * headSize; len(in.Key) != want || len(in.Value) != want {
		return fmt.Errorf("%w: key/value length %d/%d, want %d",
			ErrShapeMismatch, len(in.Key), len(in.Value), want)
	}
	if in.DropoutMask != nil {
		if want := in.Batch * numHeads * in.SeqlenQ * in.SeqlenK; len(in.DropoutMask) != want {
			return fmt.Errorf("%w: dropout mask length %d, want %d",
				ErrShapeMismatch, len(in.DropoutMask), want)
		}
	}
	if in.Mask == nil {
		return fmt.Errorf("%w: nil mask", ErrShapeMismatch)
	}
	return nil
}

// Compute returns the attention output [B, Sq, H, D] and, if requested, the
// attention weights [B, H, Sq, Sk]. Errors are returned before any output is
// produced; there is no partial-success state.
func (a *AttentionCore) Compute(in AttentionInput) (out []float32, weights []float32, err error) {
	if err := in.validate(a.numHeads, a.expander.numKVHeads, a.headSize); err != nil {
		return nil, nil, err
	}

	out = make([]float32, in.Batch*in.SeqlenQ*a.numHeads*a.headSize)
	if in.ReturnWeights {
		weights = make([]float32, in.Batch*a.numHeads*in.SeqlenQ*in.SeqlenK)
	}

	for b := 0; b < in.Batch; b++ {
		for h := 0; h < a.numHeads; h++ {
			for q := 0; q < in.SeqlenQ; q++ {
				if a.upcast {
					a.rowUpcast(&in, out, weights, b, h, q)
				} else {
					a.row32(&in, out, weights, b, h, q)
				}
			}
		}
	}
	return out, weights, nil
}

func (a *AttentionCore) qOffset(in *AttentionInput, b, q, h int) int {
	return ((b*in.SeqlenQ+q)*a.numHeads + h) * a.headSize
}

func (a *AttentionCore) kvOffset(in *AttentionInput, b, k, h int) int {
	return ((b*in.SeqlenK+k)*a.expander.numKVHeads + a.expander.KVHead(h)) * a.headSize
}

func (a *AttentionCore) wOffset(in *AttentionInput, b, h, q int) int {
	return ((b*a.numHeads+h)*in.SeqlenQ + q) * in.SeqlenK
}

// rowUpcast computes one (b,h,q) row entirely in float64, casting back to
// float32 at the end. This is the reference-matching precision mode.
func (a *AttentionCore) rowUpcast(in *AttentionInput, out, weights []float32, b, h, q int) {
	sk := in.SeqlenK
	scores := make([]float64, sk)
	rowMax := math.Inf(-1)

	qOff := a.qOffset(in, b, q, h)
	for k := 0; k < sk; k++ {
		if !in.Mask.Admissible(b, q, k) {
			scores[k] = math.Inf(-1)
			continue
		}
		kOff := a.kvOffset(in, b, k, h)
		sum := 0.0
		for d := 0; d < a.headSize; d++ {
			sum += float64(in.Query[qOff+d]) * a.scale * float64(in.Key[kOff+d])
		}
		scores[k] = sum
		if sum > rowMax {
			rowMax = sum
		}
	}

	padded := in.Mask.QueryPadded(b, q)
	fullyMasked := math.IsInf(rowMax, -1)

	var denom float64
	if !fullyMasked {
		for k := 0; k < sk; k++ {
			if math.IsInf(scores[k], -1) {
				scores[k] = 0
				continue
			}
			scores[k] = math.Exp(scores[k] - rowMax)
			denom += scores[k]
		}
	}

	outOff := a.qOffset(in, b, q, h)
	if fullyMasked || padded {
		// Weights stay zero; output row stays zero.
		return
	}

	dropScale := 1.0
	if in.DropoutMask != nil {
		dropScale = 1.0 / (1.0 - a.dropoutP)
	}

	acc := make([]float64, a.headSize)
	wOff := a.wOffset(in, b, h, q)
	for k := 0; k < sk; k++ {
		w := scores[k] / denom
		if weights != nil {
			weights[wOff+k] = float32(w)
		}
		if w == 0 {
			continue
		}
		if in.DropoutMask != nil {
			if !in.DropoutMask[wOff+k] {
				continue
			}
			w *= dropScale
		}
		vOff := a.kvOffset(in, b, k, h)
		for d := 0; d < a.headSize; d++ {
			acc[d] += w * float64(in.Value[vOff+d])
		}
	}
	for d := 0; d < a.headSize; d++ {
		out[outOff+d] = float32(acc[d])
	}
}

// row32 is the low-precision path: float32 accumulation throughout. A row
// whose scores overflow to +Inf is zeroed like a fully-masked row instead of
// propagating NaN.
func (a *AttentionCore) row32(in *AttentionInput, out, weights []float32, b, h, q int) {
	sk := in.SeqlenK
	scores := make([]float32, sk)
	rowMax := float32(math.Inf(-1))
	scale := float32(a.scale)

	qOff := a.qOffset(in, b, q, h)
	overflowed := false
	for k := 0; k < sk; k++ {
		if !in.Mask.Admissible(b, q, k) {
			scores[k] = float32(math.Inf(-1))
			continue
		}
		kOff := a.kvOffset(in, b, k, h)
		var sum float32
		for d := 0; d < a.headSize; d++ {
			sum += in.Query[qOff+d] * scale * in.Key[kOff+d]
		}
		scores[k] = sum
		if math.IsInf(float64(sum), 1) || math.IsNaN(float64(sum)) {
			overflowed = true
		}
		if sum > rowMax {
			rowMax = sum
		}
	}

	padded := in.Mask.QueryPadded(b, q)
	// A +Inf score means low-precision accumulation overflowed; a NaN score
	// means +Inf and -Inf partial sums met. Either way the row is zeroed like
	// a fully-masked one rather than emitting NaN.
	fullyMasked := math.IsInf(float64(rowMax), -1) || overflowed

	var denom float32
	if !fullyMasked {
		for k := 0; k < sk; k++ {
			if math.IsInf(float64(scores[k]), -1) {
				scores[k] = 0
				continue
			}
			scores[k] = float32(math.Exp(float64(scores[k] - rowMax)))
			denom += scores[k]
		}
	}

	outOff := a.qOffset(in, b, q, h)
	if fullyMasked || padded || denom == 0 {
		return
	}

	dropScale := float32(1.0)
	if in.DropoutMask != nil {
		dropScale = float32(1.0 / (1.0 - a.dropoutP))
	}

	acc := make([]float32, a.headSize)
	wOff := a.wOffset(in, b, h, q)
	for k := 0; k < sk; k++ {
		w := scores[k] / denom
		if weights != nil {
			weights[wOff+k] = w
		}
		if w == 0 {
			continue
		}
		if in.DropoutMask != nil {
			if !in.DropoutMask[wOff+k] {
				continue
			}
			w *= dropScale
		}
		vOff := a.kvOffset(in, b, k, h)
		for d := 0; d < a.headSize; d++ {
			acc[d] += w * in.Value[vOff+d]
		}
	}
	copy(out[outOff:outOff+a.headSize], acc)
}
