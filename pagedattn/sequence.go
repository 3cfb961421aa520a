package pagedattn

import "sync/atomic"

// SequenceStatus tracks where a request is in its lifecycle.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

// Sequence is one request in the batch: its tokens, its block table, and the
// position of its prefill/decode boundary. A sequence is prefilled once, then
// decodes one token per step until it is externally finished.
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	TokenIDs        []int
	NumPromptTokens int
	NumCachedTokens int
	BlockTable      []int32
	Prefilled       bool
	MaxNewTokens    int

	slotsPerBlock int
}

var seqCounter int64

// NewSequence creates a sequence for the given prompt tokens. maxNewTokens
// bounds how many decode steps the sequence stays live for.
func NewSequence(tokenIDs []int, slotsPerBlock, maxNewTokens int) *Sequence {
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	return &Sequence{
		SeqID:           atomic.AddInt64(&seqCounter, 1) - 1,
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		NumPromptTokens: len(tokens),
		BlockTable:      make([]int32, 0),
		MaxNewTokens:    maxNewTokens,
		slotsPerBlock:   slotsPerBlock,
	}
}

// Len returns the sequence's logical token count (its context length).
func (s *Sequence) Len() int { return len(s.TokenIDs) }

// IsFinished reports whether the sequence has been completed.
func (s *Sequence) IsFinished() bool { return s.Status == StatusFinished }

// NumDecodedTokens returns how many tokens were appended after the prompt.
func (s *Sequence) NumDecodedTokens() int { return s.Len() - s.NumPromptTokens }

// NumBlocks returns how many cache blocks the sequence currently needs.
func (s *Sequence) NumBlocks() int {
	return (s.Len() + s.slotsPerBlock - 1) / s.slotsPerBlock
}

// LastBlockNumTokens returns how many slots of the last block are in use.
func (s *Sequence) LastBlockNumTokens() int {
	return s.Len() - (s.NumBlocks()-1)*s.slotsPerBlock
}

// BlockTokens returns the token ids stored in the i-th block.
func (s *Sequence) BlockTokens(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.slotsPerBlock
	end := start + s.slotsPerBlock
	if end > s.Len() {
		end = s.Len()
	}
	return s.TokenIDs[start:end]
}

// AppendToken appends one decoded token.
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
}

// SlotMapping returns the global slot indices for positions [start, Len()),
// i.e. the write destinations of the tokens added since start. The block
// table must already cover the sequence's length.
func (s *Sequence) SlotMapping(start int) []int32 {
	mapping := make([]int32, 0, s.Len()-start)
	for pos := start; pos < s.Len(); pos++ {
		block := s.BlockTable[pos/s.slotsPerBlock]
		mapping = append(mapping, block*int32(s.slotsPerBlock)+int32(pos%s.slotsPerBlock))
	}
	return mapping
}

// PaddedBlockTable returns the block table padded to width with PadValue.
func (s *Sequence) PaddedBlockTable(width int) []int32 {
	table := make([]int32, width)
	for i := range table {
		if i < len(s.BlockTable) {
			table[i] = s.BlockTable[i]
		} else {
			table[i] = PadValue
		}
	}
	return table
}
