package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/pkg/bitllama"
)

// tokenList is a flag holding token IDs separated by commas or spaces.
type tokenList []int32

func (l *tokenList) String() string {
	parts := make([]string, len(*l))
	for i, t := range *l {
		parts[i] = strconv.Itoa(int(t))
	}
	return strings.Join(parts, ",")
}

func (l *tokenList) Set(v string) error {
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' }) {
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "token %q", f)
		}
		*l = append(*l, int32(n))
	}
	return nil
}

func readTokenFile(path string) (tokenList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l tokenList
	return l, l.Set(string(raw))
}

func main() {
	klog.InitFlags(nil)
	var (
		modelPath  = flag.String("model", "", "Path to GGUF checkpoint")
		configPath = flag.String("config", "", "Model config JSON (default: config stored in the checkpoint)")
		gpuLayers  = flag.Int("n-gpu-layers", -1, "Layers on the accelerator (-1 = from config)")
		learnFile  = flag.String("learn", "", "File of token IDs fed into memory before generating")
		memIn      = flag.String("memory-in", "", "Load session memory from this file")
		memOut     = flag.String("memory-out", "", "Save session memory to this file afterwards")
		procs      = flag.Int("procs", 0, "GOMAXPROCS setting (0 = auto: NumCPU-2, min 1)")
		cpuProf    = flag.String("cpuprofile", "", "Write CPU profile to file")
		seed       = flag.Int64("seed", 1, "Deterministic seed")
		maxTokens  = flag.Int("max-tokens", 32, "Maximum tokens to generate")
		maxSeq     = flag.Int("max-seq", 0, "Session length (0 = model maximum)")
		batch      = flag.Int("batch", 1, "Independent sessions run in parallel with seeds seed..seed+batch-1")
		temp       = flag.Float64("temp", 0, "Sampling temperature (0 = greedy)")
		topP       = flag.Float64("top-p", 1, "Top-p nucleus sampling")
		topK       = flag.Int("top-k", 0, "Top-k sampling (0 = disabled)")
	)
	var prompt, stops tokenList
	flag.Var(&prompt, "prompt", "Prompt token IDs, comma separated")
	flag.Var(&stops, "stop", "Stop token IDs, comma separated")
	flag.Parse()

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "missing required --model")
		flag.Usage()
		os.Exit(2)
	}
	if *procs == 0 {
		*procs = max(runtime.NumCPU()-2, 1)
	}
	runtime.GOMAXPROCS(*procs)
	if *cpuProf != "" {
		f := must.M1(os.Create(*cpuProf))
		must.M(pprof.StartCPUProfile(f))
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
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
	klog.Infof("loaded %s: %d layers, hidden %d, vocab %d, %s params, %s packed",
		info.Path, info.NumLayers, info.HiddenDim, info.VocabSize,
		humanize.Comma(int64(info.Params)), humanize.IBytes(info.PackedBytes))

	var learn tokenList
	if *learnFile != "" {
		learn = must.M1(readTokenFile(*learnFile))
	}

	*batch = max(*batch, 1)
	results := make([]bitllama.GenerateResult, *batch)
	errs := make([]error, *batch)
	var wg sync.WaitGroup
	for i := 0; i < *batch; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s := model.NewSession(*maxSeq)
			if *memIn != "" {
				if errs[idx] = s.LoadMemory(*memIn); errs[idx] != nil {
					return
				}
			}
			if errs[idx] = s.Learn(ctx, learn); errs[idx] != nil {
				return
			}
			results[idx], errs[idx] = s.Generate(ctx, bitllama.GenerateRequest{
				Prompt:     prompt,
				Seed:       *seed + int64(idx),
				MaxTokens:  *maxTokens,
				Temp:       float32(*temp),
				TopP:       float32(*topP),
				TopK:       *topK,
				StopTokens: stops,
			})
			if errs[idx] == nil && idx == 0 && *memOut != "" {
				errs[idx] = s.SaveMemory(*memOut)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			klog.Exitf("session %d: %v", i, err)
		}
		out := tokenList(results[i].TokenIDs)
		fmt.Printf("seed=%d tokens=%d output=%s\n", *seed+int64(i), len(out), out.String())
	}
}
