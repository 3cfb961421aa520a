package pagedattn

import (
	"testing"
)

func newTestScheduler(numBlocks, maxSeqs, maxTokens int) (*Scheduler, *BlockManager) {
	bm := NewBlockManager(numBlocks, 16)
	return NewScheduler(bm, maxSeqs, maxTokens), bm
}

func promptOfLen(n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i + 1
	}
	return tokens
}

func TestSchedulerPrefillFirst(t *testing.T) {
	s, _ := newTestScheduler(64, 8, 4096)

	seq1 := NewSequence(promptOfLen(20), 16, 4)
	seq2 := NewSequence(promptOfLen(10), 16, 4)
	s.Add(seq1)
	s.Add(seq2)

	seqs, isPrefill := s.Schedule()
	if !isPrefill {
		t.Fatalf("Expected a prefill step first")
	}
	if len(seqs) != 2 {
		t.Fatalf("Expected both sequences scheduled, got %d", len(seqs))
	}
	if seq1.Status != StatusRunning || seq2.Status != StatusRunning {
		t.Errorf("Scheduled sequences should be running")
	}
	if len(seq1.BlockTable) != 2 || len(seq2.BlockTable) != 1 {
		t.Errorf("Block tables not allocated: %d/%d blocks", len(seq1.BlockTable), len(seq2.BlockTable))
	}
}

func TestSchedulerDecodeAfterPrefill(t *testing.T) {
	s, _ := newTestScheduler(64, 8, 4096)

	seq := NewSequence(promptOfLen(5), 16, 4)
	s.Add(seq)

	seqs, isPrefill := s.Schedule()
	if !isPrefill || len(seqs) != 1 {
		t.Fatalf("Expected one prefill sequence")
	}
	s.Postprocess(seqs, []int{100})

	seqs, isPrefill = s.Schedule()
	if isPrefill {
		t.Fatalf("Expected a decode step after prefill")
	}
	if len(seqs) != 1 || seqs[0].SeqID != seq.SeqID {
		t.Fatalf("Expected the same sequence in decode")
	}
	if seq.Len() != 6 {
		t.Errorf("Expected 6 tokens after postprocess, got %d", seq.Len())
	}
}

func TestSchedulerTokenBudget(t *testing.T) {
	s, _ := newTestScheduler(64, 8, 25)

	seq1 := NewSequence(promptOfLen(20), 16, 4)
	seq2 := NewSequence(promptOfLen(10), 16, 4)
	s.Add(seq1)
	s.Add(seq2)

	seqs, isPrefill := s.Schedule()
	if !isPrefill || len(seqs) != 1 {
		t.Fatalf("Token budget should admit only the first sequence, got %d", len(seqs))
	}
}

func TestSchedulerFinish(t *testing.T) {
	s, _ := newTestScheduler(64, 8, 4096)

	seq := NewSequence(promptOfLen(5), 16, 1)
	s.Add(seq)

	seqs, _ := s.Schedule()
	s.Postprocess(seqs, []int{100})

	if !seq.IsFinished() {
		t.Errorf("Sequence with MaxNewTokens=1 should finish after one token")
	}
	if !s.IsFinished() {
		t.Errorf("Scheduler should be finished")
	}
}

func TestSchedulerPreemption(t *testing.T) {
	// 2 blocks of 16 slots: one 32-token sequence fills the whole cache, so
	// its first decode append must preempt it (nothing else to evict).
	s, bm := newTestScheduler(2, 8, 4096)

	seq := NewSequence(promptOfLen(32), 16, 8)
	s.Add(seq)

	seqs, isPrefill := s.Schedule()
	if !isPrefill || len(seqs) != 1 {
		t.Fatalf("Expected prefill of the single sequence")
	}
	s.Postprocess(seqs, []int{100}) // now 33 tokens, needs a 3rd block

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic when nothing can be scheduled")
		}
	}()
	s.Schedule()
	_ = bm
}
