package pagedattn

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Projector stands in for the model surrounding this attention layer: it
// supplies the query/key/value rows for a run of tokens and picks each
// sequence's next token. Implementations can bind a real model, an ONNX
// session, or synthetic data for benchmarks.
type Projector interface {
	// Project returns q [n, num_heads*head_size] and k, v
	// [n, num_kv_heads*head_size] for tokenIDs placed at positions
	// startPos, startPos+1, ...
	Project(tokenIDs []int, startPos int) (q, k, v []float32)

	// Next returns the token id the sequence appends this step.
	Next(seq *Sequence) int
}

// StepResult is one sequence's share of a forward step.
type StepResult struct {
	SeqID    int64
	Output   []float32 // [new_tokens, num_heads*head_size]
	Finished bool
}

// Engine drives the serving loop: admission, block allocation, batch
// formation, and the paged attention forward pass, one step at a time.
type Engine struct {
	cfg          *Config
	op           *PagedAttentionOp
	blockManager *BlockManager
	scheduler    *Scheduler
	projector    Projector
}

// NewEngine wires an engine from the operator config and a projector.
func NewEngine(cfg *Config, projector Projector, maxNumSeqs, maxNumBatchedTokens int) (*Engine, error) {
	op, err := NewPagedAttentionOp(cfg)
	if err != nil {
		return nil, err
	}
	bm := NewBlockManager(cfg.NumBlocks, cfg.SlotsPerBlock)
	return &Engine{
		cfg:          cfg,
		op:           op,
		blockManager: bm,
		scheduler:    NewScheduler(bm, maxNumSeqs, maxNumBatchedTokens),
		projector:    projector,
	}, nil
}

// Op exposes the underlying attention operator.
func (e *Engine) Op() *PagedAttentionOp { return e.op }

// AddRequest admits a prompt and returns its sequence.
func (e *Engine) AddRequest(tokenIDs []int, maxNewTokens int) (*Sequence, error) {
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrShapeMismatch)
	}
	seq := NewSequence(tokenIDs, e.cfg.SlotsPerBlock, maxNewTokens)
	e.scheduler.Add(seq)
	return seq, nil
}

// IsFinished reports whether every admitted sequence has completed.
func (e *Engine) IsFinished() bool { return e.scheduler.IsFinished() }

// Step schedules one batch, runs the paged attention forward pass, and
// advances every scheduled sequence by one token.
func (e *Engine) Step() ([]StepResult, error) {
	seqs, isPrefill := e.scheduler.Schedule()
	batch := e.buildBatch(seqs, isPrefill)

	out, err := e.op.Forward(batch)
	if err != nil {
		return nil, err
	}

	qHidden := e.cfg.QueryHidden()
	results := make([]StepResult, len(seqs))
	row := 0
	for i, seq := range seqs {
		n := 1
		if isPrefill {
			n = seq.Len()
			seq.Prefilled = true
		}
		results[i] = StepResult{
			SeqID:  seq.SeqID,
			Output: out[row*qHidden : (row+n)*qHidden],
		}
		row += n
	}

	nextTokens := make([]int, len(seqs))
	for i, seq := range seqs {
		nextTokens[i] = e.projector.Next(seq)
	}
	e.scheduler.Postprocess(seqs, nextTokens)
	for i, seq := range seqs {
		results[i].Finished = seq.IsFinished()
	}
	return results, nil
}

// buildBatch assembles the op inputs for one step. Prefill projects the whole
// prompt; decode projects only the newest token. Tokens already resident via
// the prefix cache keep their slots (PadValue suppresses the rewrite).
func (e *Engine) buildBatch(seqs []*Sequence, isPrefill bool) *Batch {
	maxBlocks := 0
	for _, seq := range seqs {
		if seq.NumBlocks() > maxBlocks {
			maxBlocks = seq.NumBlocks()
		}
	}

	batch := &Batch{
		IsPrompt:    isPrefill,
		BlockTables: make([][]int32, len(seqs)),
		ContextLens: make([]int32, len(seqs)),
	}
	for i, seq := range seqs {
		batch.BlockTables[i] = seq.PaddedBlockTable(maxBlocks)
		batch.ContextLens[i] = int32(seq.Len())

		var q, k, v []float32
		var mapping []int32
		if isPrefill {
			q, k, v = e.projector.Project(seq.TokenIDs, 0)
			mapping = seq.SlotMapping(0)
			for t := 0; t < seq.NumCachedTokens; t++ {
				mapping[t] = PadValue
			}
		} else {
			last := seq.Len() - 1
			q, k, v = e.projector.Project(seq.TokenIDs[last:], last)
			mapping = seq.SlotMapping(last)
		}
		batch.Query = append(batch.Query, q...)
		batch.Key = append(batch.Key, k...)
		batch.Value = append(batch.Value, v...)
		batch.SlotMapping = append(batch.SlotMapping, mapping...)
	}
	return batch
}

// Run steps the engine until all sequences complete, optionally showing a
// progress bar with prefill/decode throughput.
func (e *Engine) Run(showProgress bool, total int) ([]StepResult, error) {
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Attention"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	var finished []StepResult
	var prefillTput, decodeTput float64
	for !e.IsFinished() {
		start := time.Now()
		results, err := e.Step()
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		tokens := 0
		prefillStep := false
		for _, r := range results {
			n := len(r.Output) / e.cfg.QueryHidden()
			tokens += n
			if n > 1 {
				prefillStep = true
			}
			if r.Finished {
				finished = append(finished, r)
				if bar != nil {
					bar.Add(1)
				}
			}
		}
		if elapsed > 0 {
			if prefillStep {
				prefillTput = float64(tokens) / elapsed
			} else {
				decodeTput = float64(tokens) / elapsed
			}
		}
		if bar != nil {
			bar.Describe(fmt.Sprintf("Attention [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillTput), int(decodeTput)))
		} else {
			logrus.Debugf("step done: %d tokens, prefill=%v", tokens, prefillStep)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return finished, nil
}
