//go:build cgo

package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/mmoskal/pagedattn/pagedattn"
)

// ort-verify runs a dense attention ONNX model (inputs "query", "key",
// "value", output "output", all [batch, seqlen, heads*head_size]) and checks
// its output against the in-process kernel on the same random tensors.

func main() {
	modelPath := flag.String("model", "", "Path to the attention ONNX model")
	libPath := flag.String("ort-lib", "", "Path to the onnxruntime shared library (optional)")
	batch := flag.Int("batch", 2, "Batch size")
	seqlen := flag.Int("seqlen", 32, "Sequence length")
	numHeads := flag.Int("heads", 8, "Query heads")
	numKVHeads := flag.Int("kv-heads", 8, "Key/value heads")
	headSize := flag.Int("head-size", 16, "Per-head width")
	causal := flag.Bool("causal", true, "Apply causal masking")
	tolerance := flag.Float64("tolerance", 1e-3, "Maximum allowed element-wise difference")
	seed := flag.Int64("seed", 42, "Seed for random tensors")
	flag.Parse()

	if *modelPath == "" {
		log.Fatal("Usage: ort-verify -model attention.onnx [-ort-lib libonnxruntime.so]")
	}

	cfg, err := pagedattn.NewConfig(*numHeads, *numKVHeads, *headSize,
		pagedattn.WithCausal(*causal), pagedattn.WithUpcast(true))
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	fill := func(size int) []float32 {
		data := make([]float32, size)
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
		return data
	}
	n := *batch * *seqlen
	q := fill(n * cfg.QueryHidden())
	k := fill(n * cfg.KVHidden())
	v := fill(n * cfg.KVHidden())

	got, err := runModel(*modelPath, *libPath, q, k, v, *batch, *seqlen, cfg)
	if err != nil {
		log.Fatalf("ONNX run failed: %v", err)
	}

	want, _ := pagedattn.ReferenceAttention(q, k, v, pagedattn.ReferenceParams{
		Batch:      *batch,
		SeqlenQ:    *seqlen,
		SeqlenK:    *seqlen,
		NumHeads:   cfg.NumHeads,
		NumKVHeads: cfg.NumKVHeads,
		HeadSize:   cfg.HeadSize,
		Causal:     cfg.Causal,
		Window:     cfg.Window,
		Upcast:     true,
	})

	maxDiff := 0.0
	for i := range want {
		if d := math.Abs(float64(got[i] - want[i])); d > maxDiff {
			maxDiff = d
		}
	}
	if maxDiff > *tolerance {
		log.Fatalf("Model diverges from reference: max diff %g > %g", maxDiff, *tolerance)
	}
	fmt.Printf("Model matches reference within %g (max diff %g, %d values)\n", *tolerance, maxDiff, len(want))
}

func runModel(modelPath, libPath string, q, k, v []float32, batch, seqlen int, cfg *pagedattn.Config) ([]float32, error) {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	defer ort.DestroyEnvironment()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	qShape := ort.NewShape(int64(batch), int64(seqlen), int64(cfg.QueryHidden()))
	kvShape := ort.NewShape(int64(batch), int64(seqlen), int64(cfg.KVHidden()))

	qTensor, err := ort.NewTensor(qShape, q)
	if err != nil {
		return nil, fmt.Errorf("failed to create query tensor: %w", err)
	}
	defer qTensor.Destroy()

	kTensor, err := ort.NewTensor(kvShape, k)
	if err != nil {
		return nil, fmt.Errorf("failed to create key tensor: %w", err)
	}
	defer kTensor.Destroy()

	vTensor, err := ort.NewTensor(kvShape, v)
	if err != nil {
		return nil, fmt.Errorf("failed to create value tensor: %w", err)
	}
	defer vTensor.Destroy()

	outData := make([]float32, batch*seqlen*cfg.QueryHidden())
	outTensor, err := ort.NewTensor(qShape, outData)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"query", "key", "value"},
		[]string{"output"},
		[]ort.Value{qTensor, kTensor, vTensor},
		[]ort.Value{outTensor},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(outData))
	copy(out, outTensor.GetData())
	return out, nil
}
