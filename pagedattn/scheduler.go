package pagedattn

import (
	"container/list"

	"github.com/sirupsen/logrus"
)

// Scheduler forms prefill and decode batches. Prefill runs first: waiting
// sequences are admitted while blocks and the token budget allow. Otherwise
// every running sequence decodes one token, preempting from the back of the
// queue when blocks run out.
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List
}

// NewScheduler creates a scheduler over the given block manager.
func NewScheduler(blockManager *BlockManager, maxNumSeqs, maxNumBatchedTokens int) *Scheduler {
	return &Scheduler{
		maxNumSeqs:          maxNumSeqs,
		maxNumBatchedTokens: maxNumBatchedTokens,
		blockManager:        blockManager,
		waiting:             list.New(),
		running:             list.New(),
	}
}

// IsFinished reports whether all admitted sequences have completed.
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add queues a sequence for admission.
func (s *Scheduler) Add(seq *Sequence) {
	s.waiting.PushBack(seq)
}

// Schedule returns the next batch of sequences and whether it is a prefill
// step.
func (s *Scheduler) Schedule() ([]*Sequence, bool) {
	scheduled := make([]*Sequence, 0)
	numSeqs := 0
	numTokens := 0

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if numTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		numSeqs++
		s.blockManager.Allocate(seq)
		numTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduled = append(scheduled, seq)
	}
	if len(scheduled) > 0 {
		return scheduled, true
	}

	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				last := s.running.Back()
				victim := last.Value.(*Sequence)
				s.running.Remove(last)
				logrus.Warnf("preempting sequence %d: no free blocks", victim.SeqID)
				s.preempt(victim)
			} else {
				logrus.Warnf("preempting sequence %d: no free blocks", seq.SeqID)
				s.preempt(seq)
				break
			}
		}

		if seq.Status == StatusRunning {
			numSeqs++
			s.blockManager.MayAppend(seq)
			scheduled = append(scheduled, seq)
		}
	}
	if len(scheduled) == 0 {
		panic("no sequences scheduled")
	}

	for i := len(scheduled) - 1; i >= 0; i-- {
		s.running.PushFront(scheduled[i])
	}
	return scheduled, false
}

// preempt evicts a sequence back to the waiting queue, releasing its blocks.
// Its history is recomputed (and prefix-cache reused) on re-admission.
func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	seq.Prefilled = false
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
}

// Postprocess appends the step's new tokens and retires sequences that hit
// their decode budget.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		seq.AppendToken(tokenIDs[i])

		if seq.NumDecodedTokens() >= seq.MaxNewTokens {
			seq.Status = StatusFinished
			s.blockManager.Deallocate(seq)
			for elem := s.running.Front(); elem != nil; elem = elem.Next() {
				if elem.Value.(*Sequence).SeqID == seq.SeqID {
					s.running.Remove(elem)
					break
				}
			}
		}
	}
}
