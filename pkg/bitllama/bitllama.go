// Package bitllama is the public API: load a ternary recurrent model from a
// GGUF checkpoint, run generation sessions over token IDs, and train.
package bitllama

import (
	"context"

	"github.com/pkg/errors"

	"bitllama-go/internal/data"
	"bitllama-go/internal/model"
	"bitllama-go/internal/runtime"
	"bitllama-go/internal/train"
	"bitllama-go/internal/weights"
)

var (
	ErrBusy        = runtime.ErrBusy
	ErrContextFull = runtime.ErrContextFull
)

type LoadOptions struct {
	// ConfigPath overrides the config stored in the checkpoint.
	ConfigPath string
	// NGPULayers overrides accelerator placement when not nil.
	NGPULayers *int
}

type ModelInfo struct {
	Path            string
	VocabSize       int
	HiddenDim       int
	NumLayers       int
	AttentionLayers []int
	Params          int
	PackedBytes     uint64
	AccelLayers     int
}

type Model struct {
	path string
	m    *model.Model
}

// LoadModel reads a checkpoint written by Train or converted to the same
// tensor names.
func LoadModel(ctx context.Context, path string, opts LoadOptions) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := weights.OpenGGUF(path)
	if err != nil {
		return nil, err
	}
	var cfg model.Config
	if opts.ConfigPath != "" {
		if cfg, err = model.LoadConfig(opts.ConfigPath); err != nil {
			return nil, err
		}
	} else {
		c, ok, err := model.ConfigFromMeta(src.Meta())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrapf(model.ErrConfig, "%s has no embedded config, pass a config file", path)
		}
		cfg = c
	}
	if opts.NGPULayers != nil {
		cfg.NGPULayers = opts.NGPULayers
	}
	m, err := model.Load(src, cfg, model.Options{})
	if err != nil {
		return nil, errors.WithMessagef(err, "load %s", path)
	}
	return &Model{path: path, m: m}, nil
}

func (m *Model) Info() ModelInfo {
	c := m.m.Config
	return ModelInfo{
		Path:            m.path,
		VocabSize:       c.VocabSize,
		HiddenDim:       c.HiddenDim,
		NumLayers:       c.NumLayers,
		AttentionLayers: c.AttentionLayers,
		Params:          m.m.NumParams(),
		PackedBytes:     m.m.PackedBytes(),
		AccelLayers:     m.m.Plan.NumAccel(),
	}
}

// Close releases accelerator memory. Sessions must not be used afterwards.
func (m *Model) Close() { m.m.Free() }

type GenerateRequest struct {
	Prompt      []int32
	Seed        int64
	MaxTokens   int
	Temp        float32
	TopP        float32
	TopK        int
	StopTokens  []int32
	CaptureTopK int
}

type TopKEntry struct {
	TokenID int32
	Logit   float32
}

type TopKStep struct {
	Step    int
	Entries []TopKEntry
}

type GenerateResult struct {
	TokenIDs []int32
	TopK     []TopKStep
}

// Session is one conversation. It is not safe for concurrent use.
type Session struct {
	s *runtime.Session
}

// NewSession starts a session with room for maxSeq tokens (0 for the model
// maximum).
func (m *Model) NewSession(maxSeq int) *Session {
	return &Session{s: runtime.NewSession(m.m, maxSeq)}
}

func (s *Session) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if req.MaxTokens < 0 {
		return GenerateResult{}, errors.New("max tokens must be >= 0")
	}
	raw, err := s.s.Generate(ctx, runtime.GenerateRequest{
		Prompt:      req.Prompt,
		Seed:        req.Seed,
		MaxTokens:   req.MaxTokens,
		Temp:        req.Temp,
		TopP:        req.TopP,
		TopK:        req.TopK,
		StopTokens:  req.StopTokens,
		CaptureTopK: req.CaptureTopK,
	})
	if err != nil {
		return GenerateResult{}, err
	}
	topk := make([]TopKStep, 0, len(raw.TopK))
	for _, step := range raw.TopK {
		entries := make([]TopKEntry, 0, len(step.Entries))
		for _, e := range step.Entries {
			entries = append(entries, TopKEntry{TokenID: e.TokenID, Logit: e.Logit})
		}
		topk = append(topk, TopKStep{Step: step.Step, Entries: entries})
	}
	return GenerateResult{TokenIDs: raw.Tokens, TopK: topk}, nil
}

// Learn feeds tokens into the session memory without generating.
func (s *Session) Learn(ctx context.Context, tokens []int32) error { return s.s.Learn(ctx, tokens) }

func (s *Session) Reset() error { return s.s.Reset() }

func (s *Session) SaveMemory(path string) error { return s.s.SaveMemory(path) }

func (s *Session) LoadMemory(path string) error { return s.s.LoadMemory(path) }

type (
	TrainConfig  = train.Config
	TrainSummary = train.Summary
)

// DefaultTrainConfig returns the stock training setup.
func DefaultTrainConfig() TrainConfig { return train.DefaultConfig() }

// Train runs MeZO training as described by cfg and returns the run summary.
func Train(ctx context.Context, cfg TrainConfig) (TrainSummary, error) {
	return train.Train(ctx, cfg)
}

// EvalOptions control Evaluate.
type EvalOptions struct {
	BatchSize  int
	ContextLen int
	// Limit stops after this many input tokens; 0 reads the whole file.
	Limit int
}

// EvalResult is the mean cross-entropy over the scored tokens and its
// exponential.
type EvalResult struct {
	Loss       float64
	Perplexity float64
}

// Evaluate reads the token file at dataPath once, without looping, and
// reports the model's perplexity on it. A mask file next to it restricts
// which targets are scored.
func (m *Model) Evaluate(ctx context.Context, dataPath string, opts EvalOptions) (EvalResult, error) {
	loader, err := data.Open(dataPath)
	if err != nil {
		return EvalResult{}, err
	}
	defer loader.Close()
	loader.Loop = false
	loss, ppl, err := train.Evaluate(ctx, m.m, loader, opts.BatchSize, opts.ContextLen, opts.Limit)
	if err != nil {
		return EvalResult{}, errors.WithMessage(err, dataPath)
	}
	return EvalResult{Loss: loss, Perplexity: ppl}, nil
}
