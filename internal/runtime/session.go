// Package runtime runs inference over a loaded model. A Session owns the
// per-layer fast-weight states and KV caches of one conversation.
package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/internal/kernels"
	"bitllama-go/internal/kvcache"
	"bitllama-go/internal/model"
	"bitllama-go/internal/tensor"
	"bitllama-go/internal/weights"
)

var (
	// ErrBusy is returned when a Session is used from two goroutines at once.
	ErrBusy = errors.New("session busy")
	// ErrContextFull is returned when a token would exceed the session length.
	ErrContextFull = errors.New("session context full")
	// ErrEmptyPrompt is returned by Generate with nothing to continue from.
	ErrEmptyPrompt = errors.New("empty prompt")
)

const memoryPosKey = "bitllama.memory.pos"

type GenerateRequest struct {
	Prompt    []int32
	Seed      int64
	MaxTokens int
	Temp      float32
	TopP      float32
	TopK      int
	// StopTokens end generation after any of them is produced.
	StopTokens []int32
	// CaptureTopK records the best k candidates at every generated step.
	CaptureTopK int
}

type GenerateResult struct {
	Tokens  []int32
	TopK    []TopKStep
	Elapsed time.Duration
}

// Session is not safe for concurrent use; overlapping calls fail with
// ErrBusy instead of blocking.
type Session struct {
	mu     sync.Mutex
	model  *model.Model
	states []*tensor.Tensor
	caches []*kvcache.Cache
	maxSeq int
	pos    int
	last   []float32
}

// NewSession starts an empty session over m. maxSeq <= 0 uses the model's
// max_position_embeddings.
func NewSession(m *model.Model, maxSeq int) *Session {
	if maxSeq <= 0 {
		maxSeq = m.Config.MaxPositionEmbeddings
	}
	return &Session{model: m, states: m.NewStates(), caches: m.NewCaches(maxSeq), maxSeq: maxSeq}
}

func (s *Session) acquire() error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

func (s *Session) Model() *model.Model { return s.model }

// Pos is the number of tokens fed since the last Reset, or -1 while another
// call holds the session.
func (s *Session) Pos() int {
	if err := s.acquire(); err != nil {
		return -1
	}
	defer s.mu.Unlock()
	return s.pos
}

// Reset zeroes every fast-weight state and empties every KV cache.
func (s *Session) Reset() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *Session) reset() {
	for _, st := range s.states {
		if st != nil {
			st.Fill(0)
		}
	}
	for _, c := range s.caches {
		if c != nil {
			c.Reset()
		}
	}
	s.pos = 0
	s.last = nil
}

func (s *Session) feed(tok int32) error {
	if s.pos >= s.maxSeq {
		return errors.Wrapf(ErrContextFull, "position %d of %d", s.pos, s.maxSeq)
	}
	if tok < 0 || int(tok) >= s.model.Config.VocabSize {
		return errors.Errorf("token %d outside vocab %d", tok, s.model.Config.VocabSize)
	}
	logits, err := s.model.ForwardOne(tok, s.states, s.caches, s.pos)
	if err != nil {
		// Earlier layers already advanced; a half-fed token is unrecoverable.
		s.reset()
		return err
	}
	s.pos++
	s.last = logits
	return nil
}

func (s *Session) feedAll(ctx context.Context, tokens []int32) error {
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.feed(tok); err != nil {
			return err
		}
	}
	return nil
}

// Learn feeds tokens through the model without sampling, so the fast
// weights absorb them.
func (s *Session) Learn(ctx context.Context, tokens []int32) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.feedAll(ctx, tokens)
}

// Generate feeds the prompt token by token and then samples up to
// MaxTokens continuations, feeding each back. An empty prompt continues from
// the last fed token. ctx is checked once per token.
func (s *Session) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.feedAll(ctx, req.Prompt); err != nil {
		return nil, err
	}
	if s.last == nil {
		return nil, ErrEmptyPrompt
	}
	cfg := samplingConfig{temp: req.Temp, topP: req.TopP, topK: req.TopK}
	cfg.normalize()
	rng := newSampler(req.Seed)
	res := &GenerateResult{Tokens: make([]int32, 0, max(req.MaxTokens, 0))}
	var topk []TopKEntry
	if req.CaptureTopK > 0 {
		topk = make([]TopKEntry, req.CaptureTopK)
	}
	for step := 0; step < req.MaxTokens; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if topk != nil {
			n := fillTopK(topk, s.last, req.CaptureTopK)
			res.TopK = append(res.TopK, TopKStep{Step: step, Entries: slices.Clone(topk[:n])})
		}
		tok := int32(sampleLogits(s.last, cfg, rng))
		res.Tokens = append(res.Tokens, tok)
		if slices.Contains(req.StopTokens, tok) {
			break
		}
		if err := s.feed(tok); err != nil {
			return res, err
		}
	}
	res.Elapsed = time.Since(start)
	if klog.V(1).Enabled() && res.Elapsed > 0 {
		klog.Infof("generated %d tokens after %d prompt tokens in %s (%.1f tok/s)",
			len(res.Tokens), len(req.Prompt), res.Elapsed, float64(len(res.Tokens)+len(req.Prompt))/res.Elapsed.Seconds())
	}
	return res, nil
}

func memoryName(layer int) string { return fmt.Sprintf("layer_%d", layer) }

// SaveMemory writes the fast-weight state of every TTT layer to a GGUF file
// as tensors layer_N. KV caches are not saved.
func (s *Session) SaveMemory(path string) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	w := weights.NewGGUFWriter(false)
	if err := w.SetMeta(memoryPosKey, uint64(s.pos)); err != nil {
		return err
	}
	for i, st := range s.states {
		if st == nil {
			continue
		}
		if err := w.PutFloat(memoryName(i), st); err != nil {
			return err
		}
	}
	if err := w.Save(path); err != nil {
		return errors.WithMessagef(err, "save memory %s", path)
	}
	klog.V(1).Infof("saved session memory to %s", path)
	return nil
}

// LoadMemory replaces the fast-weight states with those saved by SaveMemory.
// KV caches are emptied and the position restarts at zero.
func (s *Session) LoadMemory(path string) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	src, err := weights.OpenGGUF(path)
	if err != nil {
		return err
	}
	loaded := make([]*tensor.Tensor, len(s.states))
	for i, st := range s.states {
		if st == nil {
			continue
		}
		t, err := src.Float(memoryName(i))
		if err != nil {
			return err
		}
		if !tensor.SameShape(t, st) {
			return errors.Wrapf(kernels.ErrDimensionMismatch, "%s: shape %v, want %v", memoryName(i), t.Shape, st.Shape)
		}
		loaded[i] = t
	}
	s.reset()
	for i, t := range loaded {
		if t != nil {
			copy(s.states[i].Data, t.Data)
		}
	}
	klog.V(1).Infof("loaded session memory from %s", path)
	return nil
}
