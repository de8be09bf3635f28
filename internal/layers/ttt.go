package layers

import (
	"github.com/pkg/errors"

	"bitllama-go/internal/kernels"
	"bitllama-go/internal/tensor"
)

const (
	// TTTNormEps is added to the feature norm before normalizing.
	TTTNormEps = 1e-6
	// DefaultChunkSize is the chunk length used by chunkwise training.
	DefaultChunkSize = 32
)

// TTT is the test-time-training layer. Its recurrent state is a small
// (DSmall × DSmall) fast-weight matrix that learns, one gradient step per
// token, to reconstruct the layer's own normalized features. The state is
// owned by the caller; every update returns a new detached matrix.
type TTT struct {
	Down    *BitLinear // hidden -> DSmall
	Up      *BitLinear // DSmall -> hidden
	InnerLR float32
}

func NewTTT(down, up *BitLinear, innerLR float32) (*TTT, error) {
	if down.Out != up.In || down.In != up.Out {
		return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "ttt: down (%d, %d), up (%d, %d)", down.Out, down.In, up.Out, up.In)
	}
	return &TTT{Down: down, Up: up, InnerLR: innerLR}, nil
}

func (t *TTT) DSmall() int { return t.Down.Out }
func (t *TTT) Hidden() int { return t.Down.In }

// NewState returns a zero fast-weight matrix.
func (t *TTT) NewState() *tensor.Tensor {
	return tensor.Zeros(t.DSmall(), t.DSmall())
}

func (t *TTT) checkState(state *tensor.Tensor) error {
	d := t.DSmall()
	if state.Rank() != 2 || state.Shape[0] != d || state.Shape[1] != d {
		return errors.Wrapf(kernels.ErrDimensionMismatch, "ttt: state %v, want (%d, %d)", state.Shape, d, d)
	}
	return nil
}

// features projects x[seq×hidden] down and L2-normalizes every row.
func (t *TTT) features(x []float32, seq int) ([]float32, error) {
	d := t.DSmall()
	feat := make([]float32, seq*d)
	if err := t.Down.Forward(feat, x, seq); err != nil {
		return nil, err
	}
	for s := 0; s < seq; s++ {
		row := feat[s*d : (s+1)*d]
		kernels.L2NormalizeInto(row, row, TTTNormEps)
	}
	return feat, nil
}

// predictInto computes pred = state · feat and diff = pred - feat.
func predictInto(pred, diff, state, feat []float32) {
	d := len(feat)
	kernels.MatVec(pred, state, d, d, feat)
	for i := range diff {
		diff[i] = pred[i] - feat[i]
	}
}

// ForwardUpdate runs one token. It returns the up-projected prediction and
// the updated state state - InnerLR * (diff ⊗ feat); state itself is not
// modified.
func (t *TTT) ForwardUpdate(state *tensor.Tensor, x []float32) ([]float32, *tensor.Tensor, error) {
	if err := t.checkState(state); err != nil {
		return nil, nil, err
	}
	if len(x) != t.Hidden() {
		return nil, nil, errors.Wrapf(kernels.ErrDimensionMismatch, "ttt: input %d, want %d", len(x), t.Hidden())
	}
	feat, err := t.features(x, 1)
	if err != nil {
		return nil, nil, err
	}
	d := t.DSmall()
	pred := make([]float32, d)
	diff := make([]float32, d)
	predictInto(pred, diff, state.Data, feat)

	next := state.Clone()
	grad := make([]float32, d*d)
	kernels.OuterAdd(grad, diff, feat, 1)
	kernels.AddScaled(next.Data, grad, -t.InnerLR)

	out := make([]float32, t.Hidden())
	if err := t.Up.Forward(out, pred, 1); err != nil {
		return nil, nil, err
	}
	return out, next, nil
}

// ForwardChunkwise processes xSeq[seq×hidden] in chunks of chunkSize. All
// predictions inside a chunk use the state frozen at the chunk start; the
// chunk's summed gradient is then applied once. With chunkSize 1 the result
// is identical to calling ForwardUpdate per token.
func (t *TTT) ForwardChunkwise(state *tensor.Tensor, xSeq []float32, seq, chunkSize int) ([]float32, *tensor.Tensor, error) {
	if err := t.checkState(state); err != nil {
		return nil, nil, err
	}
	if len(xSeq) != seq*t.Hidden() {
		return nil, nil, errors.Wrapf(kernels.ErrDimensionMismatch, "ttt: input %d values, want %d×%d", len(xSeq), seq, t.Hidden())
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	feat, err := t.features(xSeq, seq)
	if err != nil {
		return nil, nil, err
	}
	d := t.DSmall()
	cur := state.Clone()
	preds := make([]float32, seq*d)
	diff := make([]float32, d)
	grad := make([]float32, d*d)
	for start := 0; start < seq; start += chunkSize {
		end := min(start+chunkSize, seq)
		for i := range grad {
			grad[i] = 0
		}
		for s := start; s < end; s++ {
			f := feat[s*d : (s+1)*d]
			predictInto(preds[s*d:(s+1)*d], diff, cur.Data, f)
			kernels.OuterAdd(grad, diff, f, 1)
		}
		kernels.AddScaled(cur.Data, grad, -t.InnerLR)
	}
	out := make([]float32, seq*t.Hidden())
	if err := t.Up.Forward(out, preds, seq); err != nil {
		return nil, nil, err
	}
	return out, cur, nil
}

// ReconstructionLoss returns ||state·feat - feat||² for x without updating.
func (t *TTT) ReconstructionLoss(state *tensor.Tensor, x []float32) (float32, error) {
	if err := t.checkState(state); err != nil {
		return 0, err
	}
	feat, err := t.features(x, 1)
	if err != nil {
		return 0, err
	}
	d := t.DSmall()
	pred := make([]float32, d)
	diff := make([]float32, d)
	predictInto(pred, diff, state.Data, feat)
	return kernels.Dot(diff, diff), nil
}

// ChunkwiseGap runs xSeq from a zero state both sequentially and chunkwise
// and returns the largest absolute difference between the two outputs.
func ChunkwiseGap(t *TTT, xSeq []float32, seq, chunkSize int) (float32, error) {
	h := t.Hidden()
	state := t.NewState()
	seqOut := make([]float32, 0, seq*h)
	for s := 0; s < seq; s++ {
		out, next, err := t.ForwardUpdate(state, xSeq[s*h:(s+1)*h])
		if err != nil {
			return 0, err
		}
		seqOut = append(seqOut, out...)
		state = next
	}
	chunkOut, _, err := t.ForwardChunkwise(t.NewState(), xSeq, seq, chunkSize)
	if err != nil {
		return 0, err
	}
	return tensor.MaxAbsDiff(seqOut, chunkOut), nil
}
