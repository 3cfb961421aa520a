//go:build cgo

package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/daulet/tokenizers"

	"github.com/mmoskal/pagedattn/pagedattn"
)

func main() {
	tokenizerPath := flag.String("tokenizer", "", "Path to a HuggingFace tokenizer.json (optional)")
	numHeads := flag.Int("heads", 8, "Query heads")
	numKVHeads := flag.Int("kv-heads", 2, "Key/value heads")
	headSize := flag.Int("head-size", 32, "Per-head width")
	maxNewTokens := flag.Int("max-tokens", 16, "Decode steps per prompt")
	flag.Parse()

	fmt.Println("Paged Attention - Demo")
	fmt.Println("======================")
	fmt.Println()

	prompts := flag.Args()
	if len(prompts) == 0 {
		prompts = []string{
			"hello world",
			"hello world this is a test",
			"how are you",
		}
	}

	cfg, err := pagedattn.NewConfig(*numHeads, *numKVHeads, *headSize)
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}

	projector := pagedattn.NewSyntheticProjector(cfg)
	engine, err := pagedattn.NewEngine(cfg, projector, 64, 4096)
	if err != nil {
		log.Fatalf("Engine setup failed: %v", err)
	}

	encode := wordEncoder(projector.VocabSize)
	var tok *tokenizers.Tokenizer
	if *tokenizerPath != "" {
		tok, err = tokenizers.FromFile(*tokenizerPath)
		if err != nil {
			log.Fatalf("Tokenizer load failed: %v", err)
		}
		defer tok.Close()
		encode = func(text string) []int {
			ids, _ := tok.Encode(text, true)
			tokenIDs := make([]int, len(ids))
			for i, id := range ids {
				tokenIDs[i] = int(id) % projector.VocabSize
			}
			return tokenIDs
		}
		fmt.Printf("Loaded tokenizer: %s (vocab size %d)\n\n", *tokenizerPath, tok.VocabSize())
	}

	seqs := make([]*pagedattn.Sequence, 0, len(prompts))
	for _, prompt := range prompts {
		tokenIDs := encode(prompt)
		fmt.Printf("Prompt: %q -> %d tokens\n", prompt, len(tokenIDs))

		seq, err := engine.AddRequest(tokenIDs, *maxNewTokens)
		if err != nil {
			log.Fatalf("Admission failed: %v", err)
		}
		seqs = append(seqs, seq)
	}

	fmt.Println("\nRunning attention...")
	finished, err := engine.Run(true, len(prompts))
	if err != nil {
		log.Fatalf("Engine run failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	bySeq := make(map[int64]pagedattn.StepResult, len(finished))
	for _, r := range finished {
		bySeq[r.SeqID] = r
	}
	for i, seq := range seqs {
		r := bySeq[seq.SeqID]
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Tokens: %d prompt + %d generated\n", seq.NumPromptTokens, seq.NumDecodedTokens())
		fmt.Printf("Cache blocks: %d (prefix cached tokens: %d)\n", seq.NumBlocks(), seq.NumCachedTokens)
		fmt.Printf("Final attention row: %d values, first 4: %.4f %.4f %.4f %.4f\n",
			len(r.Output), r.Output[0], r.Output[1], r.Output[2], r.Output[3])
	}
}

// wordEncoder hashes whitespace-separated words into token ids so the demo
// runs without an external tokenizer file.
func wordEncoder(vocabSize int) func(string) []int {
	return func(text string) []int {
		words := strings.Fields(text)
		tokenIDs := make([]int, len(words))
		for i, w := range words {
			h := 0
			for _, c := range w {
				h = h*31 + int(c)
			}
			if h < 0 {
				h = -h
			}
			tokenIDs[i] = h % vocabSize
		}
		return tokenIDs
	}
}
