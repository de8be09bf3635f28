package layers

import (
	"math"

	"github.com/pkg/errors"

	"bitllama-go/internal/kernels"
	"bitllama-go/internal/kvcache"
)

// Attention is causal multi-head self-attention with grouped KV heads,
// rotary embeddings and ternary projections.
type Attention struct {
	Q, K, V, O *BitLinear
	NHeads     int
	NKVHeads   int
	HeadDim    int
	Rope       *Rope
}

// NewAttention validates the head layout against the projection shapes.
func NewAttention(q, k, v, o *BitLinear, nHeads, nKVHeads, maxPos int, theta float64) (*Attention, error) {
	if nHeads <= 0 || nKVHeads <= 0 || nHeads%nKVHeads != 0 || q.Out%nHeads != 0 {
		return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "attention: %d heads, %d kv heads, q out %d", nHeads, nKVHeads, q.Out)
	}
	headDim := q.Out / nHeads
	if k.Out != nKVHeads*headDim || v.Out != nKVHeads*headDim || o.In != q.Out {
		return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "attention: k=%d v=%d o.in=%d for %d kv heads of %d",
			k.Out, v.Out, o.In, nKVHeads, headDim)
	}
	return &Attention{
		Q: q, K: k, V: v, O: o,
		NHeads:   nHeads,
		NKVHeads: nKVHeads,
		HeadDim:  headDim,
		Rope:     NewRope(headDim, maxPos, theta),
	}, nil
}

// Forward attends seq new positions x[seq×hidden] starting at absolute
// position pos. With a cache, keys and values of earlier positions are read
// from it and the new ones appended; without one only the new positions are
// visible.
func (a *Attention) Forward(dst, x []float32, seq int, cache *kvcache.Cache, pos int) error {
	hd := a.HeadDim
	q := make([]float32, seq*a.Q.Out)
	k := make([]float32, seq*a.K.Out)
	v := make([]float32, seq*a.V.Out)
	if err := a.Q.Forward(q, x, seq); err != nil {
		return err
	}
	if err := a.K.Forward(k, x, seq); err != nil {
		return err
	}
	if err := a.V.Forward(v, x, seq); err != nil {
		return err
	}
	for s := 0; s < seq; s++ {
		for h := 0; h < a.NHeads; h++ {
			a.Rope.Apply(q[s*a.Q.Out+h*hd:s*a.Q.Out+(h+1)*hd], pos+s)
		}
		for h := 0; h < a.NKVHeads; h++ {
			a.Rope.Apply(k[s*a.K.Out+h*hd:s*a.K.Out+(h+1)*hd], pos+s)
		}
	}

	// [seq][heads][hd] -> [heads][seq][hd]
	kh := headMajor(k, seq, a.NKVHeads, hd)
	vh := headMajor(v, seq, a.NKVHeads, hd)
	total := seq
	if cache != nil {
		var err error
		kh, vh, err = cache.Append(kh, vh)
		if err != nil {
			return err
		}
		total = cache.Len()
	}
	past := total - seq

	ctx := make([]float32, seq*a.Q.Out)
	scores := make([]float32, total)
	scale := float32(1 / math.Sqrt(float64(hd)))
	negInf := float32(math.Inf(-1))
	for s := 0; s < seq; s++ {
		for h := 0; h < a.NHeads; h++ {
			kvHead := h * a.NKVHeads / a.NHeads
			qh := q[s*a.Q.Out+h*hd : s*a.Q.Out+(h+1)*hd]
			keys := kh[kvHead*total*hd : (kvHead+1)*total*hd]
			vals := vh[kvHead*total*hd : (kvHead+1)*total*hd]
			for j := 0; j < total; j++ {
				if seq > 1 && j > s+past {
					scores[j] = negInf
					continue
				}
				scores[j] = kernels.Dot(qh, keys[j*hd:(j+1)*hd]) * scale
			}
			kernels.SoftmaxInPlace(scores)
			out := ctx[s*a.Q.Out+h*hd : s*a.Q.Out+(h+1)*hd]
			for j := 0; j < total; j++ {
				if scores[j] != 0 {
					kernels.AddScaled(out, vals[j*hd:(j+1)*hd], scores[j])
				}
			}
		}
	}
	return a.O.Forward(dst, ctx, seq)
}

func headMajor(x []float32, seq, heads, hd int) []float32 {
	out := make([]float32, len(x))
	for s := 0; s < seq; s++ {
		for h := 0; h < heads; h++ {
			copy(out[(h*seq+s)*hd:(h*seq+s+1)*hd], x[(s*heads+h)*hd:(s*heads+h+1)*hd])
		}
	}
	return out
}
