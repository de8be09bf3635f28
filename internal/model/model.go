package model

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"bitllama-go/internal/device"
	"bitllama-go/internal/kernels"
	"bitllama-go/internal/kvcache"
	"bitllama-go/internal/layers"
	"bitllama-go/internal/tensor"
	"bitllama-go/internal/weights"
)

// Model is the full network. It holds no per-sequence state: fast weights
// and KV caches are created with NewStates and NewCaches and passed to every
// forward call.
type Model struct {
	Config Config
	Plan   device.Plan
	Embed  *layers.Embedding
	Blocks []*Block
	Norm   *layers.RMSNorm
	Head   *layers.Head
}

// Named pairs a trainable tensor with its checkpoint name.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// NewStates returns zero fast weights for every TTT block and nil for
// attention blocks.
func (m *Model) NewStates() []*tensor.Tensor {
	states := make([]*tensor.Tensor, len(m.Blocks))
	for i, b := range m.Blocks {
		if b.TTT != nil {
			states[i] = b.TTT.NewState()
		}
	}
	return states
}

// NewCaches returns an empty KV cache for every attention block and nil for
// TTT blocks. maxSeq <= 0 uses max_position_embeddings.
func (m *Model) NewCaches(maxSeq int) []*kvcache.Cache {
	if maxSeq <= 0 {
		maxSeq = m.Config.MaxPositionEmbeddings
	}
	caches := make([]*kvcache.Cache, len(m.Blocks))
	for i, b := range m.Blocks {
		if b.Attn != nil {
			caches[i] = kvcache.New(b.Attn.NKVHeads, b.Attn.HeadDim, maxSeq)
		}
	}
	return caches
}

func (m *Model) checkStates(states []*tensor.Tensor) error {
	if len(states) != len(m.Blocks) {
		return errors.Wrapf(kernels.ErrDimensionMismatch, "%d states for %d layers", len(states), len(m.Blocks))
	}
	return nil
}

// transfer moves h to dst with an explicit synchronous copy.
func transfer(h *tensor.Tensor, dst device.Device) (*tensor.Tensor, error) {
	if h.Device.Same(dst) {
		return h, nil
	}
	out, err := h.To(dst)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("copy activations %s -> %s", h, dst)
	h.Free()
	return out, nil
}

// forward runs tokens of one sequence through every block and the head. It
// returns logits[len(tokens)×vocab] on the host.
func (m *Model) forward(tokens []int32, states []*tensor.Tensor, caches []*kvcache.Cache, pos, chunk int) ([]float32, error) {
	if err := m.checkStates(states); err != nil {
		return nil, err
	}
	seq := len(tokens)
	hidden := m.Config.HiddenDim
	h, err := tensor.New(seq, hidden)
	if err != nil {
		return nil, err
	}
	// h is released on every return path, including a failed copy.
	defer func() { h.Free() }()
	move := func(dst device.Device) error {
		out, err := transfer(h, dst)
		if err != nil {
			return err
		}
		h = out
		return nil
	}
	for s, tok := range tokens {
		if err := m.Embed.Lookup(h.Data[s*hidden:(s+1)*hidden], tok); err != nil {
			return nil, err
		}
	}
	if err := move(m.Plan.IO); err != nil {
		return nil, err
	}

	for i, b := range m.Blocks {
		if err := move(b.Device); err != nil {
			return nil, err
		}
		var cache *kvcache.Cache
		if caches != nil {
			cache = caches[i]
		}
		out, next, err := b.Forward(h.Data, seq, states[i], cache, pos, chunk)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer %d", i)
		}
		copy(h.Data, out)
		states[i] = next
	}

	if err := move(m.Plan.IO); err != nil {
		return nil, err
	}
	if err := m.Norm.Forward(h.Data, h.Data, seq); err != nil {
		return nil, err
	}
	if err := move(m.Plan.LMHead); err != nil {
		return nil, err
	}
	logits := make([]float32, seq*m.Config.VocabSize)
	if err := m.Head.Forward(logits, h.Data, seq); err != nil {
		return nil, err
	}
	return logits, nil
}

// ForwardOne runs a single token at absolute position pos, updating every TTT
// state in place and appending to every attention cache. It returns the
// vocab-sized logits.
func (m *Model) ForwardOne(token int32, states []*tensor.Tensor, caches []*kvcache.Cache, pos int) ([]float32, error) {
	if caches != nil && len(caches) != len(m.Blocks) {
		return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "%d caches for %d layers", len(caches), len(m.Blocks))
	}
	return m.forward([]int32{token}, states, caches, pos, 0)
}

// ForwardChunkwise runs a batch of equal-length sequences with chunkwise TTT
// updates. states[b] holds the fast weights of sequence b (nil for fresh
// zeros) and is updated to the final states. Attention blocks see the whole
// sequence with a causal mask. Rows run in parallel; the result is
// logits[b][t×vocab].
func (m *Model) ForwardChunkwise(tokens [][]int32, states [][]*tensor.Tensor, chunk int) ([][]float32, error) {
	if states != nil && len(states) != len(tokens) {
		return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "%d state sets for batch %d", len(states), len(tokens))
	}
	if chunk <= 0 {
		chunk = layers.DefaultChunkSize
	}
	for b := range tokens {
		if len(tokens[b]) == 0 || len(tokens[b]) != len(tokens[0]) {
			return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "row %d has %d tokens, row 0 has %d", b, len(tokens[b]), len(tokens[0]))
		}
	}
	logits := make([][]float32, len(tokens))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := range tokens {
		g.Go(func() error {
			var st []*tensor.Tensor
			if states != nil && states[b] != nil {
				st = states[b]
			} else {
				st = m.NewStates()
			}
			out, err := m.forward(tokens[b], st, nil, 0, chunk)
			if err != nil {
				return errors.WithMessagef(err, "batch row %d", b)
			}
			logits[b] = out
			if states != nil {
				states[b] = st
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return logits, nil
}

// NamedVariables lists every trainable tensor in a fixed order: embedding,
// then per layer norm1, core projections, norm2, mlp gate/up/down, then the
// final norm and the LM head. Names follow the legacy layout.
func (m *Model) NamedVariables() []Named {
	l := LayoutLegacy
	vars := []Named{{l.embed() + ".weight", m.Embed.Weight}}
	for i, b := range m.Blocks {
		vars = append(vars, Named{l.norm1(i) + ".weight", b.Norm1.Weight})
		if b.Attn != nil {
			vars = append(vars,
				Named{l.attn(i, "q") + ".weight", b.Attn.Q.Weight},
				Named{l.attn(i, "k") + ".weight", b.Attn.K.Weight},
				Named{l.attn(i, "v") + ".weight", b.Attn.V.Weight},
				Named{l.attn(i, "o") + ".weight", b.Attn.O.Weight})
		} else {
			vars = append(vars,
				Named{l.ttt(i, "down") + ".weight", b.TTT.Down.Weight},
				Named{l.ttt(i, "up") + ".weight", b.TTT.Up.Weight})
		}
		vars = append(vars,
			Named{l.norm2(i) + ".weight", b.Norm2.Weight},
			Named{l.mlp(i, "gate") + ".weight", b.MLP.Gate.Weight},
			Named{l.mlp(i, "up") + ".weight", b.MLP.Up.Weight},
			Named{l.mlp(i, "down") + ".weight", b.MLP.Down.Weight})
	}
	return append(vars,
		Named{l.finalNorm() + ".weight", m.Norm.Weight},
		Named{l.lmHead() + ".weight", m.Head.Weight})
}

// Variables returns the trainable tensors in NamedVariables order.
func (m *Model) Variables() []*tensor.Tensor {
	named := m.NamedVariables()
	vars := make([]*tensor.Tensor, len(named))
	for i, n := range named {
		vars[i] = n.Tensor
	}
	return vars
}

func (m *Model) linears() []*layers.BitLinear {
	var ls []*layers.BitLinear
	for _, b := range m.Blocks {
		ls = append(ls, b.linears()...)
	}
	return ls
}

// Repack refreshes every packed, resident or dense kernel copy from the
// master weights. Call it after mutating Variables.
func (m *Model) Repack() error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, l := range m.linears() {
		g.Go(l.Repack)
	}
	return g.Wait()
}

// PackedBytes is the memory held by all kernel copies.
func (m *Model) PackedBytes() uint64 {
	var n uint64
	for _, l := range m.linears() {
		n += l.Bytes()
	}
	return n
}

// NumParams counts the elements of all trainable tensors.
func (m *Model) NumParams() int {
	n := 0
	for _, v := range m.Variables() {
		n += v.Len()
	}
	return n
}

// Free releases accelerator memory held by the model.
func (m *Model) Free() {
	for _, l := range m.linears() {
		l.Free()
	}
}

// Save writes every variable and the config to sink.
func (m *Model) Save(sink weights.Sink) error {
	cfg, err := m.Config.marshal()
	if err != nil {
		return err
	}
	if err := sink.SetMeta("general.architecture", "bitllama"); err != nil {
		return err
	}
	if err := sink.SetMeta(MetaConfigKey, cfg); err != nil {
		return err
	}
	for _, v := range m.NamedVariables() {
		if err := sink.PutFloat(v.Name, v.Tensor); err != nil {
			return errors.WithMessage(err, v.Name)
		}
	}
	return nil
}
