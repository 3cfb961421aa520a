package pagedattn

// MaskBuilder evaluates the admissibility of (query position, key position)
// pairs for one batch. The mask is never materialized; it is a predicate over
// the causal/window parameters and optional padding masks.
//
// Alignment: query position q lines up with key position q + sk - sq, where
// sk and sq are the unpadded key/query lengths of that batch element.
type MaskBuilder struct {
	seqlenQ int
	seqlenK int
	window  Window

	// Padding masks, true = real token. Nil means no padding.
	queryPad [][]bool
	keyPad   [][]bool
}

// NewMaskBuilder builds the predicate. Causal masking clamps the right window
// bound to 0 before any window logic runs.
func NewMaskBuilder(seqlenQ, seqlenK int, causal bool, window Window, queryPad, keyPad [][]bool) *MaskBuilder {
	if causal {
		window.Right = 0
	}
	return &MaskBuilder{
		seqlenQ:  seqlenQ,
		seqlenK:  seqlenK,
		window:   window,
		queryPad: queryPad,
		keyPad:   keyPad,
	}
}

func countTrue(row []bool) int {
	n := 0
	for _, v := range row {
		if v {
			n++
		}
	}
	return n
}

// keyLen returns the unpadded key length for batch element b.
func (m *MaskBuilder) keyLen(b int) int {
	if m.keyPad == nil {
		return m.seqlenK
	}
	return countTrue(m.keyPad[b])
}

// queryLen returns the unpadded query length for batch element b.
func (m *MaskBuilder) queryLen(b int) int {
	if m.queryPad == nil {
		return m.seqlenQ
	}
	return countTrue(m.queryPad[b])
}

// QueryPadded reports whether query row q of batch element b is padding.
// Padded query rows get their weights and output zeroed after softmax; their
// admissibility does not affect other rows.
func (m *MaskBuilder) QueryPadded(b, q int) bool {
	return m.queryPad != nil && !m.queryPad[b][q]
}

// Admissible reports whether query position q may attend to key position k
// for batch element b.
func (m *MaskBuilder) Admissible(b, q, k int) bool {
	if m.keyPad != nil && !m.keyPad[b][k] {
		return false
	}
	if m.window.Unbounded() {
		return true
	}

	sk := m.keyLen(b)
	sq := m.queryLen(b)
	offset := q + sk - sq

	if m.window.Left < 0 {
		return k <= offset+m.window.Right
	}
	hi := offset + m.window.Right
	if hi > sk {
		hi = sk
	}
	return k <= hi && k >= offset-m.window.Left
}

// FullyMasked reports whether query row q of batch element b admits no key at
// all. Such rows must produce all-zero attention weights after softmax.
func (m *MaskBuilder) FullyMasked(b, q int) bool {
	for k := 0; k < m.seqlenK; k++ {
		if m.Admissible(b, q, k) {
			return false
		}
	}
	return true
}
