package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/internal/train"
)

func parseInts(v string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(v, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

func main() {
	klog.InitFlags(nil)
	def := train.DefaultConfig()
	var (
		configPath   = flag.String("config", "", "YAML training config; flags set explicitly override it")
		dim          = flag.Int("dim", def.Dim, "Hidden dimension")
		layers       = flag.Int("layers", def.Layers, "Number of blocks")
		vocab        = flag.Int("vocab", def.Vocab, "Vocabulary size")
		attention    = flag.String("attention-layers", "", "Comma separated block indices that use attention")
		contextLen   = flag.Int("context-len", def.ContextLen, "Sequence length")
		batchSize    = flag.Int("batch-size", def.BatchSize, "Sequences per batch")
		accum        = flag.Int("accum", def.Accum, "Batches per optimizer step")
		lr           = flag.Float64("lr", def.LR, "Peak learning rate")
		minLR        = flag.Float64("min-lr", def.MinLR, "Final learning rate")
		warmup       = flag.Int("warmup-steps", def.WarmupSteps, "Linear warmup steps")
		steps        = flag.Int("steps", def.Steps, "Total optimizer steps")
		saveInterval = flag.Int("save-interval", def.SaveInterval, "Steps between periodic checkpoints")
		logInterval  = flag.Int("log-interval", def.LogInterval, "Steps between log lines")
		chunk        = flag.Int("chunk-size", def.ChunkSize, "TTT chunk size")
		eps          = flag.Float64("mezo-eps", def.MezoEps, "MeZO perturbation scale")
		seed         = flag.Uint64("seed", def.Seed, "Random seed")
		dataPath     = flag.String("data", "", "Token file (.bin u16, .u32 u32), optional .mask alongside")
		outputDir    = flag.String("output-dir", def.OutputDir, "Checkpoint directory")
		load         = flag.String("load", "", "Checkpoint to resume from")
		f16          = flag.Bool("f16", def.F16, "Store checkpoint weights as f16")
		progress     = flag.Bool("progress", def.Progress, "Show a progress bar")
	)
	flag.Parse()

	cfg := def
	if *configPath != "" {
		cfg = must.M1(train.LoadConfig(*configPath))
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dim":
			cfg.Dim = *dim
		case "layers":
			cfg.Layers = *layers
		case "vocab":
			cfg.Vocab = *vocab
		case "attention-layers":
			cfg.AttentionLayers = must.M1(parseInts(*attention))
		case "context-len":
			cfg.ContextLen = *contextLen
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "accum":
			cfg.Accum = *accum
		case "lr":
			cfg.LR = *lr
		case "min-lr":
			cfg.MinLR = *minLR
		case "warmup-steps":
			cfg.WarmupSteps = *warmup
		case "steps":
			cfg.Steps = *steps
		case "save-interval":
			cfg.SaveInterval = *saveInterval
		case "log-interval":
			cfg.LogInterval = *logInterval
		case "chunk-size":
			cfg.ChunkSize = *chunk
		case "mezo-eps":
			cfg.MezoEps = *eps
		case "seed":
			cfg.Seed = *seed
		case "data":
			cfg.Data = *dataPath
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "load":
			cfg.Load = *load
		case "f16":
			cfg.F16 = *f16
		case "progress":
			cfg.Progress = *progress
		}
	})
	if cfg.Data == "" {
		fmt.Fprintln(os.Stderr, "missing --data (or data: in --config)")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stopper := train.WatchSignals(context.Background())
	defer stopper.Stop()
	stopper.Force = func(err error) {
		klog.Flush()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(130)
	}

	summary, err := train.Train(ctx, cfg)
	if err != nil {
		klog.Exitf("training failed: %+v", err)
	}
	fmt.Println(summary.Render())
}
