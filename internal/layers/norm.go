package layers

import (
	"github.com/pkg/errors"

	"bitllama-go/internal/kernels"
	"bitllama-go/internal/tensor"
)

// DefaultRMSNormEps matches the model's default rms_norm_eps.
const DefaultRMSNormEps = 1e-5

type RMSNorm struct {
	Weight *tensor.Tensor
	Eps    float32
}

func NewRMSNorm(weight *tensor.Tensor, eps float32) *RMSNorm {
	return &RMSNorm{Weight: weight, Eps: eps}
}

// Forward normalizes each of the m rows of x into dst.
func (n *RMSNorm) Forward(dst, x []float32, m int) error {
	dim := n.Weight.Len()
	if len(x) != m*dim || len(dst) < m*dim {
		return errors.Wrapf(kernels.ErrDimensionMismatch, "rmsnorm: %d values for %d rows of %d", len(x), m, dim)
	}
	for i := 0; i < m; i++ {
		kernels.RMSNormInto(dst[i*dim:(i+1)*dim], x[i*dim:(i+1)*dim], n.Weight.Data, n.Eps)
	}
	return nil
}

// SwiGLU is down(silu(gate(x)) * up(x)).
type SwiGLU struct {
	Gate *BitLinear
	Up   *BitLinear
	Down *BitLinear
}

// Forward computes dst[m×hidden] from x[m×hidden].
func (s *SwiGLU) Forward(dst, x []float32, m int) error {
	inter := s.Gate.Out
	gate := make([]float32, m*inter)
	up := make([]float32, m*inter)
	if err := s.Gate.Forward(gate, x, m); err != nil {
		return err
	}
	if err := s.Up.Forward(up, x, m); err != nil {
		return err
	}
	kernels.SiLUMulInto(gate, gate, up)
	return s.Down.Forward(dst, gate, m)
}

// ErrTokenRange is returned for token ids outside the vocabulary.
var ErrTokenRange = errors.New("token id out of range")

// Embedding maps token ids to rows of Weight (vocab, hidden).
type Embedding struct {
	Weight *tensor.Tensor
}

func (e *Embedding) Vocab() int  { return e.Weight.Shape[0] }
func (e *Embedding) Hidden() int { return e.Weight.Shape[1] }

// Lookup copies the embedding of id into dst.
func (e *Embedding) Lookup(dst []float32, id int32) error {
	if id < 0 || int(id) >= e.Vocab() {
		return errors.Wrapf(ErrTokenRange, "token %d, vocab %d", id, e.Vocab())
	}
	copy(dst, e.Weight.Row(int(id)))
	return nil
}

// Head is the untied float output projection (vocab, hidden).
type Head struct {
	Weight *tensor.Tensor
}

// Forward computes logits[m×vocab] from x[m×hidden].
func (h *Head) Forward(logits, x []float32, m int) error {
	return kernels.DenseMatMulT(logits, x, m, h.Weight.Data, h.Weight.Shape[0], h.Weight.Shape[1])
}
