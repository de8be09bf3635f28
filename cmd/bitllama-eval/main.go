package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"bitllama-go/pkg/bitllama"
)

func main() {
	klog.InitFlags(nil)
	var (
		modelPath  = flag.String("model", "", "Path to GGUF checkpoint")
		configPath = flag.String("config", "", "Model config JSON (default: config stored in the checkpoint)")
		gpuLayers  = flag.Int("n-gpu-layers", -1, "Layers on the accelerator (-1 = from config)")
		dataPath   = flag.String("data", "", "Token file (.bin u16, .u32 u32), optional .mask alongside")
		contextLen = flag.Int("context-len", 128, "Sequence length")
		batchSize  = flag.Int("batch-size", 8, "Sequences per batch")
		limit      = flag.Int("limit", 0, "Stop after this many tokens (0 = whole file)")
	)
	flag.Parse()

	if *modelPath == "" || *dataPath == "" {
		fmt.Fprintln(os.Stderr, "usage: bitllama-eval --model <path> --data <tokens> [--context-len N] [--batch-size N] [--limit N]")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := bitllama.LoadOptions{ConfigPath: *configPath}
	if *gpuLayers >= 0 {
		opts.NGPULayers = gpuLayers
	}
	model := must.M1(bitllama.LoadModel(ctx, *modelPath, opts))
	defer model.Close()
	info := model.Info()
	klog.Infof("loaded %s: %d layers, %s params", info.Path, info.NumLayers, humanize.Comma(int64(info.Params)))

	res, err := model.Evaluate(ctx, *dataPath, bitllama.EvalOptions{
		BatchSize:  *batchSize,
		ContextLen: *contextLen,
		Limit:      *limit,
	})
	if err != nil {
		klog.Exitf("evaluate: %v", err)
	}
	fmt.Printf("avg_nll=%.4f perplexity=%.4f\n", res.Loss, res.Perplexity)
}
