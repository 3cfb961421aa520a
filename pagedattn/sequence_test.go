package pagedattn

import (
	"testing"
)

func TestSequenceCreation(t *testing.T) {
	tokenIDs := []int{1, 2, 3, 4, 5}
	seq := NewSequence(tokenIDs, 16, 32)

	if seq.Len() != 5 {
		t.Errorf("Expected length 5, got %d", seq.Len())
	}

	if seq.NumPromptTokens != 5 {
		t.Errorf("Expected 5 prompt tokens, got %d", seq.NumPromptTokens)
	}

	if seq.NumDecodedTokens() != 0 {
		t.Errorf("Expected 0 decoded tokens, got %d", seq.NumDecodedTokens())
	}

	if seq.Status != StatusWaiting {
		t.Errorf("Expected status WAITING, got %v", seq.Status)
	}
}

func TestSequenceAppendToken(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3}, 16, 32)

	seq.AppendToken(4)

	if seq.Len() != 4 {
		t.Errorf("Expected length 4, got %d", seq.Len())
	}

	if seq.NumDecodedTokens() != 1 {
		t.Errorf("Expected 1 decoded token, got %d", seq.NumDecodedTokens())
	}
}

func TestSequenceBlocks(t *testing.T) {
	tokenIDs := make([]int, 40) // 3 blocks of 16
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	seq := NewSequence(tokenIDs, 16, 8)

	if seq.NumBlocks() != 3 {
		t.Errorf("Expected 3 blocks, got %d", seq.NumBlocks())
	}

	if len(seq.BlockTokens(0)) != 16 {
		t.Errorf("Expected block 0 to hold 16 tokens, got %d", len(seq.BlockTokens(0)))
	}

	if len(seq.BlockTokens(2)) != 8 {
		t.Errorf("Expected last block to hold 8 tokens, got %d", len(seq.BlockTokens(2)))
	}

	if seq.LastBlockNumTokens() != 8 {
		t.Errorf("Expected 8 tokens in last block, got %d", seq.LastBlockNumTokens())
	}
}

func TestSequenceSlotMapping(t *testing.T) {
	tokenIDs := make([]int, 20)
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	seq := NewSequence(tokenIDs, 16, 8)
	seq.BlockTable = []int32{5, 2}

	mapping := seq.SlotMapping(0)
	if len(mapping) != 20 {
		t.Fatalf("Expected 20 slots, got %d", len(mapping))
	}
	if mapping[0] != 5*16 {
		t.Errorf("Position 0: expected slot %d, got %d", 5*16, mapping[0])
	}
	if mapping[16] != 2*16 {
		t.Errorf("Position 16: expected slot %d, got %d", 2*16, mapping[16])
	}
	if mapping[19] != 2*16+3 {
		t.Errorf("Position 19: expected slot %d, got %d", 2*16+3, mapping[19])
	}

	tail := seq.SlotMapping(19)
	if len(tail) != 1 || tail[0] != 2*16+3 {
		t.Errorf("Tail mapping wrong: %v", tail)
	}
}

func TestSequencePaddedBlockTable(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3}, 16, 8)
	seq.BlockTable = []int32{7}

	table := seq.PaddedBlockTable(4)
	if len(table) != 4 {
		t.Fatalf("Expected width 4, got %d", len(table))
	}
	if table[0] != 7 {
		t.Errorf("Expected block 7, got %d", table[0])
	}
	for i := 1; i < 4; i++ {
		if table[i] != PadValue {
			t.Errorf("Expected PadValue at %d, got %d", i, table[i])
		}
	}
}
