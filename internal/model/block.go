package model

import (
	"bitllama-go/internal/device"
	"bitllama-go/internal/kernels"
	"bitllama-go/internal/kvcache"
	"bitllama-go/internal/layers"
	"bitllama-go/internal/tensor"
)

// Block is RMSNorm -> core -> residual -> RMSNorm -> SwiGLU -> residual. The
// core is either a TTT layer or attention; exactly one of TTT and Attn is set.
type Block struct {
	Index  int
	Device device.Device
	Norm1  *layers.RMSNorm
	TTT    *layers.TTT
	Attn   *layers.Attention
	Norm2  *layers.RMSNorm
	MLP    *layers.SwiGLU
}

func (b *Block) IsAttention() bool { return b.Attn != nil }

func (b *Block) linears() []*layers.BitLinear {
	var ls []*layers.BitLinear
	if b.Attn != nil {
		ls = append(ls, b.Attn.Q, b.Attn.K, b.Attn.V, b.Attn.O)
	} else {
		ls = append(ls, b.TTT.Down, b.TTT.Up)
	}
	return append(ls, b.MLP.Gate, b.MLP.Up, b.MLP.Down)
}

// Forward runs seq positions of x[seq×hidden]. TTT blocks update state
// sequentially when chunk is 0 and chunkwise otherwise; attention blocks use
// cache (may be nil) starting at absolute position pos. The returned state is
// the TTT block's new fast weights, or state unchanged for attention.
func (b *Block) Forward(x []float32, seq int, state *tensor.Tensor, cache *kvcache.Cache, pos, chunk int) ([]float32, *tensor.Tensor, error) {
	hidden := len(x) / seq
	normed := make([]float32, len(x))
	if err := b.Norm1.Forward(normed, x, seq); err != nil {
		return nil, nil, err
	}

	var core []float32
	next := state
	switch {
	case b.Attn != nil:
		core = make([]float32, len(x))
		if err := b.Attn.Forward(core, normed, seq, cache, pos); err != nil {
			return nil, nil, err
		}
	case chunk > 0:
		var err error
		core, next, err = b.TTT.ForwardChunkwise(state, normed, seq, chunk)
		if err != nil {
			return nil, nil, err
		}
	default:
		core = make([]float32, 0, len(x))
		for s := 0; s < seq; s++ {
			out, st, err := b.TTT.ForwardUpdate(next, normed[s*hidden:(s+1)*hidden])
			if err != nil {
				return nil, nil, err
			}
			core = append(core, out...)
			next = st
		}
	}

	mid := make([]float32, len(x))
	copy(mid, x)
	kernels.AddInto(mid, core)

	if err := b.Norm2.Forward(normed, mid, seq); err != nil {
		return nil, nil, err
	}
	mlp := make([]float32, len(x))
	if err := b.MLP.Forward(mlp, normed, seq); err != nil {
		return nil, nil, err
	}
	kernels.AddInto(mid, mlp)
	return mid, next, nil
}
