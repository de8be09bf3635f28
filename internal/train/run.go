package train

import (
	"context"
	"io"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"bitllama-go/internal/data"
	"bitllama-go/internal/mezo"
	"bitllama-go/internal/model"
)

// BatchSource yields training batches. *data.Loader implements it.
type BatchSource interface {
	Next(size, seqLen int) (*data.Batch, error)
}

// cursored sources can resume from a saved position.
type cursored interface {
	Cursor() int
	Seek(int)
}

// Trainer runs MeZO on Model with batches from Data.
type Trainer struct {
	Config      Config
	Model       *model.Model
	Data        BatchSource
	Checkpoints *Checkpointer
	// StartStep resumes the schedule; steps before it are skipped.
	StartStep int
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
}

// Summary reports a finished run.
type Summary struct {
	RunID      string
	StartStep  int
	Steps      int
	LastLoss   float32
	BestLoss   float32
	Tokens     int64
	Elapsed    time.Duration
	Stopped    string
	Checkpoint string
}

// TokensPerSecond is the training throughput, counting both perturbed passes.
func (s Summary) TokensPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Tokens) / s.Elapsed.Seconds()
}

// loss evaluates the mask-weighted cross-entropy over all batches.
func (t *Trainer) loss(batches []*data.Batch) mezo.LossFunc {
	return func() (float32, error) {
		var sum, weight float64
		for _, b := range batches {
			logits, err := t.Model.ForwardChunkwise(b.Inputs, nil, t.Config.ChunkSize)
			if err != nil {
				return 0, err
			}
			for r := range logits {
				var mask []float32
				if b.Mask != nil {
					mask = b.Mask[r]
				}
				s, w, err := crossEntropySum(logits[r], b.Targets[r], mask)
				if err != nil {
					return 0, err
				}
				sum += s
				weight += w
			}
		}
		if weight == 0 {
			return 0, nil
		}
		return float32(sum / weight), nil
	}
}

func (t *Trainer) batches() ([]*data.Batch, error) {
	out := make([]*data.Batch, t.Config.Accum)
	for i := range out {
		b, err := t.Data.Next(t.Config.BatchSize, t.Config.ContextLen)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (t *Trainer) state(step int, loss float32) State {
	st := State{Step: step, Loss: loss}
	if c, ok := t.Data.(cursored); ok {
		st.Cursor = c.Cursor()
	}
	return st
}

func (t *Trainer) newBar() *progressbar.ProgressBar {
	if t.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(t.Config.Steps-t.StartStep,
		progressbar.OptionSetWriter(t.Progress),
		progressbar.OptionSetDescription("train"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionThrottle(200*time.Millisecond),
	)
}

// Run trains until Config.Steps, the data runs out, ctx is cancelled or a
// stop_signal file appears. Graceful stops write the interrupt checkpoint;
// completed runs write model.gguf. A non-finite loss aborts the run.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	cfg := &t.Config
	if err := cfg.Validate(); err != nil {
		return Summary{}, err
	}
	if t.Checkpoints == nil {
		t.Checkpoints = &Checkpointer{Dir: cfg.OutputDir, Keep: cfg.KeepLast, F16: cfg.F16}
	}
	if t.Checkpoints.RunID == "" {
		t.Checkpoints.RunID = uuid.NewString()
	}
	sum := Summary{RunID: t.Checkpoints.RunID, StartStep: t.StartStep, BestLoss: float32(math.Inf(1))}
	opt := mezo.New(float32(cfg.MezoEps), cfg.Seed, cfg.Schedule())
	opt.Sync = t.Model.Repack
	vars := t.Model.Variables()
	bar := t.newBar()
	klog.Infof("training run %s: steps %d..%d, batch %dx%d (accum %d), %s params",
		sum.RunID, t.StartStep, cfg.Steps, cfg.BatchSize, cfg.ContextLen, cfg.Accum,
		humanize.Comma(int64(t.Model.NumParams())))

	start := time.Now()
	var window float64
	var windowN int
	step := t.StartStep
	for ; step < cfg.Steps; step++ {
		if ctx.Err() != nil {
			sum.Stopped = "interrupt"
			break
		}
		if consumeStopFile(cfg.OutputDir) {
			sum.Stopped = StopFileName
			break
		}
		batches, err := t.batches()
		if errors.Is(err, data.ErrEndOfData) {
			sum.Stopped = "end of data"
			break
		}
		if err != nil {
			return sum, err
		}
		res, err := opt.Step(ctx, vars, t.loss(batches), step)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, mezo.ErrNonFiniteLoss) {
				sum.Stopped = "interrupt"
				break
			}
			return sum, errors.WithMessagef(err, "step %d", step)
		}
		for _, b := range batches {
			sum.Tokens += 2 * int64(b.Tokens())
		}
		sum.LastLoss = res.Loss()
		sum.Steps++
		window += float64(res.Loss())
		windowN++
		if bar != nil {
			bar.Describe("loss " + humanize.FtoaWithDigits(float64(res.Loss()), 4))
			_ = bar.Add(1)
		}

		done := step + 1
		if done%cfg.LogInterval == 0 {
			elapsed := time.Since(start)
			klog.Infof("step %d/%d loss %.4f lr %.3g g %.4g %.0f tok/s",
				done, cfg.Steps, res.Loss(), res.LR, res.ProjectedGrad, float64(sum.Tokens)/elapsed.Seconds())
		}
		if cfg.SaveInterval > 0 && done%cfg.SaveInterval == 0 {
			if _, err := t.Checkpoints.SavePeriodic(t.Model, t.state(done, res.Loss())); err != nil {
				return sum, err
			}
		}
		if done%cfg.BestInterval == 0 && windowN > 0 {
			avg := float32(window / float64(windowN))
			window, windowN = 0, 0
			if avg < sum.BestLoss {
				sum.BestLoss = avg
				if _, err := t.Checkpoints.Save(BestName, t.Model, t.state(done, avg)); err != nil {
					return sum, err
				}
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
		_, _ = io.WriteString(t.Progress, "\n")
	}
	sum.Elapsed = time.Since(start)
	if math.IsInf(float64(sum.BestLoss), 1) {
		sum.BestLoss = sum.LastLoss
	}

	name := FinalName
	if sum.Stopped == "interrupt" || sum.Stopped == StopFileName {
		name = InterruptName
	}
	path, err := t.Checkpoints.Save(name, t.Model, t.state(step, sum.LastLoss))
	if err != nil {
		return sum, err
	}
	sum.Checkpoint = path
	return sum, nil
}

// Train builds the model (fresh or from cfg.Load), opens cfg.Data and runs
// the trainer, resuming from training_state.json in the output directory
// when it matches cfg.Load.
func Train(ctx context.Context, cfg Config) (Summary, error) {
	if err := cfg.Validate(); err != nil {
		return Summary{}, err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return Summary{}, err
	}
	var (
		m   *model.Model
		err error
	)
	if cfg.Load != "" {
		m, err = LoadCheckpoint(cfg.Load, model.Config{}, model.Options{InitMissing: true, Seed: cfg.Seed})
	} else {
		m, err = model.New(cfg.ModelConfig(), cfg.Seed)
	}
	if err != nil {
		return Summary{}, err
	}
	defer m.Free()

	loader, err := data.Open(cfg.Data)
	if err != nil {
		return Summary{}, err
	}
	defer loader.Close()
	loader.Loop = true

	t := &Trainer{Config: cfg, Model: m, Data: loader}
	t.Checkpoints = &Checkpointer{Dir: cfg.OutputDir, Keep: cfg.KeepLast, F16: cfg.F16}
	if cfg.Load != "" {
		st, err := LoadState(cfg.OutputDir)
		if err != nil {
			return Summary{}, err
		}
		if st.Checkpoint != "" && st.Step < cfg.Steps {
			t.StartStep = st.Step
			t.Checkpoints.RunID = st.RunID
			loader.Seek(st.Cursor)
			klog.Infof("resuming run %s at step %d from %s", st.RunID, st.Step, st.Checkpoint)
		}
	}
	if cfg.Progress {
		t.Progress = os.Stderr
	}
	return t.Run(ctx)
}
