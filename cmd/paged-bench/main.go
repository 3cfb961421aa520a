package main

import (
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mmoskal/pagedattn/pagedattn"
)

var (
	configPath    string // Optional YAML operator config; flags below are ignored when set
	logLevel      string // Log verbosity level
	seed          int64  // Seed for synthetic query/key/value generation
	numHeads      int    // Query heads
	numKVHeads    int    // Key/value heads (grouped-query when < numHeads)
	headSize      int    // Per-head width
	slotsPerBlock int    // Tokens per cache block
	numBlocks     int    // Total cache blocks
	fp16Cache     bool   // Store cache entries as float16
	numSeqs       int    // Number of synthetic requests
	promptLen     int    // Prompt tokens per request
	maxNewTokens  int    // Decode steps per request
	maxBatchSeqs  int    // Scheduler sequence budget
	maxBatchToks  int    // Scheduler token budget per step
	tolerance     float64
)

var rootCmd = &cobra.Command{
	Use:   "paged-bench",
	Short: "Benchmark and verify the paged attention operator",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run synthetic prefill/decode traffic through the engine",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := loadOrBuildConfig()
		logrus.Infof("Starting bench: %d seqs x %d prompt tokens, %d decode steps, %d/%d heads, head size %d",
			numSeqs, promptLen, maxNewTokens, cfg.NumHeads, cfg.NumKVHeads, cfg.HeadSize)

		projector := pagedattn.NewSyntheticProjector(cfg)
		engine, err := pagedattn.NewEngine(cfg, projector, maxBatchSeqs, maxBatchToks)
		if err != nil {
			logrus.Fatalf("Engine setup failed: %v", err)
		}

		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < numSeqs; i++ {
			prompt := make([]int, promptLen)
			for j := range prompt {
				prompt[j] = rng.Intn(projector.VocabSize)
			}
			if _, err := engine.AddRequest(prompt, maxNewTokens); err != nil {
				logrus.Fatalf("Admission failed: %v", err)
			}
		}

		start := time.Now()
		finished, err := engine.Run(true, numSeqs)
		if err != nil {
			logrus.Fatalf("Engine run failed: %v", err)
		}
		elapsed := time.Since(start)

		totalTokens := numSeqs * (promptLen + maxNewTokens)
		logrus.Infof("Completed %d sequences, %d tokens in %v (%.0f tok/s)",
			len(finished), totalTokens, elapsed, float64(totalTokens)/elapsed.Seconds())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare a paged prefill against the dense reference kernel",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := loadOrBuildConfig()
		maxDiff, err := verifyPrefill(cfg, promptLen, seed)
		if err != nil {
			logrus.Fatalf("Verification failed: %v", err)
		}
		if maxDiff > tolerance {
			logrus.Fatalf("Paged output diverges from reference: max diff %g > %g", maxDiff, tolerance)
		}
		logrus.Infof("Paged output matches reference within %g (max diff %g)", tolerance, maxDiff)
	},
}

func loadOrBuildConfig() *pagedattn.Config {
	if configPath != "" {
		cfg, err := pagedattn.LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Config load failed: %v", err)
		}
		return cfg
	}

	opts := []pagedattn.ConfigOption{
		pagedattn.WithSlotsPerBlock(slotsPerBlock),
		pagedattn.WithNumBlocks(numBlocks),
	}
	if fp16Cache {
		opts = append(opts, pagedattn.WithCacheDType(pagedattn.CacheFloat16))
	}
	cfg, err := pagedattn.NewConfig(numHeads, numKVHeads, headSize, opts...)
	if err != nil {
		logrus.Fatalf("Invalid attention config: %v", err)
	}
	return cfg
}

// verifyPrefill pushes one random prompt through the paged operator and the
// dense reference with the same mask settings, returning the largest
// element-wise difference.
func verifyPrefill(cfg *pagedattn.Config, n int, seed int64) (float64, error) {
	op, err := pagedattn.NewPagedAttentionOp(cfg)
	if err != nil {
		return 0, err
	}

	rng := rand.New(rand.NewSource(seed))
	fill := func(size int) []float32 {
		data := make([]float32, size)
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
		return data
	}
	q := fill(n * cfg.QueryHidden())
	k := fill(n * cfg.KVHidden())
	v := fill(n * cfg.KVHidden())

	blocks := (n + cfg.SlotsPerBlock - 1) / cfg.SlotsPerBlock
	table := make([]int32, blocks)
	mapping := make([]int32, n)
	for b := range table {
		table[b] = int32(b)
	}
	for t := range mapping {
		mapping[t] = int32(t/cfg.SlotsPerBlock)*int32(cfg.SlotsPerBlock) + int32(t%cfg.SlotsPerBlock)
	}

	paged, err := op.Forward(&pagedattn.Batch{
		Query:       q,
		Key:         k,
		Value:       v,
		BlockTables: [][]int32{table},
		SlotMapping: mapping,
		ContextLens: []int32{int32(n)},
		IsPrompt:    true,
	})
	if err != nil {
		return 0, err
	}

	ref, _ := pagedattn.ReferenceAttention(q, k, v, pagedattn.ReferenceParams{
		Batch:      1,
		SeqlenQ:    n,
		SeqlenK:    n,
		NumHeads:   cfg.NumHeads,
		NumKVHeads: cfg.NumKVHeads,
		HeadSize:   cfg.HeadSize,
		Causal:     cfg.Causal,
		Window:     cfg.Window,
		Upcast:     true,
	})

	maxDiff := 0.0
	for i := range paged {
		if d := math.Abs(float64(paged[i] - ref[i])); d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	for _, c := range []*cobra.Command{runCmd, verifyCmd} {
		c.Flags().StringVar(&configPath, "config", "", "YAML operator config (overrides shape flags)")
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
		c.Flags().Int64Var(&seed, "seed", 42, "Seed for synthetic data")
		c.Flags().IntVar(&numHeads, "num-heads", 32, "Query heads")
		c.Flags().IntVar(&numKVHeads, "num-kv-heads", 32, "Key/value heads")
		c.Flags().IntVar(&headSize, "head-size", 16, "Per-head width")
		c.Flags().IntVar(&slotsPerBlock, "block-size-in-tokens", 16, "Tokens per KV cache block")
		c.Flags().IntVar(&numBlocks, "total-kv-blocks", 1024, "Total KV cache blocks")
		c.Flags().BoolVar(&fp16Cache, "fp16-cache", false, "Store cache entries as float16")
		c.Flags().IntVar(&promptLen, "prompt-tokens", 127, "Prompt tokens per request")
	}

	runCmd.Flags().IntVar(&numSeqs, "max-prompts", 8, "Number of synthetic requests")
	runCmd.Flags().IntVar(&maxNewTokens, "output-tokens", 32, "Decode steps per request")
	runCmd.Flags().IntVar(&maxBatchSeqs, "max-num-running-reqs", 64, "Maximum sequences per step")
	runCmd.Flags().IntVar(&maxBatchToks, "max-num-scheduled-tokens", 4096, "Maximum tokens per step")

	verifyCmd.Flags().Float64Var(&tolerance, "tolerance", 1e-3, "Maximum allowed element-wise difference")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
}
