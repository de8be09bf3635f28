package train

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitllama-go/internal/data"
	"bitllama-go/internal/model"
)

func tinyTrainConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	tokens := make([]uint32, 400)
	for i := range tokens {
		tokens[i] = uint32(i*7) % 32
	}
	path := filepath.Join(dir, "train.bin")
	require.NoError(t, data.WriteTokens(path, tokens))

	cfg := DefaultConfig()
	cfg.Dim = 16
	cfg.Layers = 2
	cfg.Vocab = 32
	cfg.ContextLen = 8
	cfg.BatchSize = 2
	cfg.ChunkSize = 4
	cfg.Steps = 4
	cfg.WarmupSteps = 1
	cfg.SaveInterval = 2
	cfg.BestInterval = 2
	cfg.LogInterval = 1
	cfg.Seed = 7
	cfg.Data = path
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Progress = false
	return cfg
}

func tinyModel(t *testing.T) *model.Model {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dim, cfg.Layers, cfg.Vocab = 16, 1, 32
	m, err := model.New(cfg.ModelConfig(), 1)
	require.NoError(t, err)
	t.Cleanup(m.Free)
	return m
}

func TestCrossEntropy(t *testing.T) {
	uniform := make([]float32, 2*4)
	loss, err := CrossEntropy(uniform, []int32{1, 3}, nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), float64(loss), 1e-6)

	logits := []float32{
		10, 0, 0, 0,
		0, 0, 0, 10,
	}
	confident, err := CrossEntropy(logits, []int32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Less(t, confident, float32(1e-3), "masked wrong prediction must not count")

	all, err := CrossEntropy(logits, []int32{0, 0}, nil)
	require.NoError(t, err)
	assert.Greater(t, all, float32(4))

	zero, err := CrossEntropy(logits, []int32{0, 0}, []float32{0, 0})
	require.NoError(t, err)
	assert.Zero(t, zero)

	_, err = CrossEntropy(logits, []int32{0, 0, 0}, nil)
	assert.Error(t, err)
	_, err = CrossEntropy(logits, []int32{0, 9}, nil)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dim: 64\nlayers: 2\nlr: 0.001\nattention_layers: [1]\naccum: 0\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Dim)
	assert.Equal(t, 2, cfg.Layers)
	assert.Equal(t, 0.001, cfg.LR)
	assert.Equal(t, []int{1}, cfg.AttentionLayers)
	assert.Equal(t, 1, cfg.Accum)
	assert.Equal(t, 128, cfg.ContextLen, "unset keys keep defaults")

	mc := cfg.ModelConfig()
	assert.Equal(t, 64, mc.HiddenDim)
	assert.Equal(t, 0, mc.AccelLayers())

	require.NoError(t, os.WriteFile(path, []byte("lr: 0.001\nmin_lr: 0.01\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestCheckpointRotation(t *testing.T) {
	m := tinyModel(t)
	c := &Checkpointer{Dir: t.TempDir(), Keep: 3, RunID: "run"}
	for step := 1; step <= 5; step++ {
		_, err := c.SavePeriodic(m, State{Step: step, Loss: float32(step)})
		require.NoError(t, err)
	}
	steps, err := c.Periodic()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, steps)
	assert.NoFileExists(t, filepath.Join(c.Dir, "checkpoint_step_1.json"))
	assert.FileExists(t, filepath.Join(c.Dir, "checkpoint_step_5.json"))

	st, err := LoadState(c.Dir)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Step)
	assert.Equal(t, "checkpoint_step_5.gguf", st.Checkpoint)
	assert.Equal(t, "run", st.RunID)
	assert.NotEmpty(t, st.Date)

	loaded, err := LoadCheckpoint(filepath.Join(c.Dir, "checkpoint_step_5.gguf"), model.Config{}, model.Options{})
	require.NoError(t, err)
	defer loaded.Free()
	assert.Equal(t, m.Config.HiddenDim, loaded.Config.HiddenDim)
	assert.Equal(t, m.Embed.Weight.Data, loaded.Embed.Weight.Data)
}

func TestLoadStateMissing(t *testing.T) {
	st, err := LoadState(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, st.Step)
}

func TestStopFile(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, consumeStopFile(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, StopFileName), nil, 0o644))
	assert.True(t, consumeStopFile(dir))
	assert.NoFileExists(t, filepath.Join(dir, StopFileName))
}

func TestStopperEscalates(t *testing.T) {
	ctx, s := WatchSignals(context.Background())
	defer s.Stop()
	var forced error
	s.Force = func(err error) { forced = err }

	s.Interrupt("test")
	assert.True(t, s.Interrupted())
	assert.Error(t, ctx.Err())
	assert.NoError(t, forced)

	s.Interrupt("test")
	assert.ErrorIs(t, forced, ErrForcedExit)
}

func TestTrainAndResume(t *testing.T) {
	cfg := tinyTrainConfig(t)
	sum, err := Train(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Steps)
	assert.Empty(t, sum.Stopped)
	assert.Equal(t, int64(4*2*2*8), sum.Tokens)
	assert.False(t, math.IsNaN(float64(sum.LastLoss)))
	assert.Equal(t, filepath.Join(cfg.OutputDir, FinalName), sum.Checkpoint)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, BestName))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "checkpoint_step_4.gguf"))
	assert.Contains(t, sum.Render(), sum.RunID)
	assert.Contains(t, sum.Render(), "completed")

	st, err := LoadState(cfg.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Step)
	assert.Equal(t, FinalName, st.Checkpoint)
	assert.Equal(t, sum.RunID, st.RunID)

	cfg.Load = sum.Checkpoint
	cfg.Steps = 6
	resumed, err := Train(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, resumed.StartStep)
	assert.Equal(t, 2, resumed.Steps)
	assert.Equal(t, sum.RunID, resumed.RunID)
}

func TestRunStopsGracefully(t *testing.T) {
	cfg := tinyTrainConfig(t)
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, StopFileName), nil, 0o644))

	loader, err := data.Open(cfg.Data)
	require.NoError(t, err)
	defer loader.Close()
	tr := &Trainer{Config: cfg, Model: tinyModel(t), Data: loader}
	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopFileName, sum.Stopped)
	assert.Zero(t, sum.Steps)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, InterruptName))
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, StopFileName))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err = tr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "interrupt", sum.Stopped)
}

type exhausted struct{}

func (exhausted) Next(size, seqLen int) (*data.Batch, error) {
	return nil, data.ErrEndOfData
}

func TestRunEndOfData(t *testing.T) {
	cfg := tinyTrainConfig(t)
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0o755))
	tr := &Trainer{Config: cfg, Model: tinyModel(t), Data: exhausted{}}
	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "end of data", sum.Stopped)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, FinalName))
}

func writeEvalData(t *testing.T, n int) string {
	t.Helper()
	tokens := make([]uint32, n)
	for i := range tokens {
		tokens[i] = uint32(i*5+3) % 32
	}
	path := filepath.Join(t.TempDir(), "eval.bin")
	require.NoError(t, data.WriteTokens(path, tokens))
	return path
}

func openEval(t *testing.T, path string) *data.Loader {
	t.Helper()
	l, err := data.Open(path)
	require.NoError(t, err)
	l.Loop = false
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// sequentialLoss runs every row of src token by token from fresh state.
func sequentialLoss(t *testing.T, m *model.Model, src BatchSource, batch, ctxLen, maxBatches int) float64 {
	t.Helper()
	var sum float64
	var n int
	for i := 0; maxBatches <= 0 || i < maxBatches; i++ {
		b, err := src.Next(batch, ctxLen)
		if errors.Is(err, data.ErrEndOfData) {
			break
		}
		require.NoError(t, err)
		for r, row := range b.Inputs {
			states, caches := m.NewStates(), m.NewCaches(ctxLen)
			for pos, tok := range row {
				logits, err := m.ForwardOne(tok, states, caches, pos)
				require.NoError(t, err)
				ce, err := CrossEntropy(logits, b.Targets[r][pos:pos+1], nil)
				require.NoError(t, err)
				sum += float64(ce)
				n++
			}
		}
	}
	return sum / float64(n)
}

func TestEvaluatePerplexity(t *testing.T) {
	m := tinyModel(t)
	path := writeEvalData(t, 50)

	loss, ppl, err := Evaluate(context.Background(), m, openEval(t, path), 2, 8, 0)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(loss), ppl, 1e-9)
	assert.InDelta(t, sequentialLoss(t, m, openEval(t, path), 2, 8, 0), loss, 1e-4)
	assert.Greater(t, ppl, 1.0)

	limited, _, err := Evaluate(context.Background(), m, openEval(t, path), 2, 8, 16)
	require.NoError(t, err)
	assert.InDelta(t, sequentialLoss(t, m, openEval(t, path), 2, 8, 1), limited, 1e-4)
}

func TestEvaluateErrors(t *testing.T) {
	m := tinyModel(t)
	path := writeEvalData(t, 50)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Evaluate(ctx, m, openEval(t, path), 2, 8, 0)
	require.ErrorIs(t, err, context.Canceled)

	_, _, err = Evaluate(context.Background(), m, openEval(t, path), 8, 8, 0)
	require.ErrorIs(t, err, data.ErrTooShort, "no full batch fits")

	_, _, err = Evaluate(context.Background(), m, openEval(t, path), 0, 8, 0)
	require.Error(t, err)
}
