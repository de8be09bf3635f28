package layers

import (
	"github.com/pkg/errors"

	"bitllama-go/internal/graph"
	"bitllama-go/internal/kernels"
	"bitllama-go/internal/tensor"
)

// BitLinearOp exposes a BitLinear to the graph as a two-input op (x, W).
// Forward runs the layer's kernel variant on its current pack, so the layer
// must have been repacked from W. Backward gives dX through the packed
// kernel and dW = dYᵀ·X, the straight-through estimate.
type BitLinearOp struct {
	Layer *BitLinear
}

var _ graph.CustomOp2 = BitLinearOp{}

func (op BitLinearOp) Name() string { return "BitLinear(" + op.Layer.Name + ")" }

func (op BitLinearOp) Forward(x, w *tensor.Tensor) (*tensor.Tensor, error) {
	l := op.Layer
	if !tensor.SameShape(w, l.Weight) {
		return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "%s: weight %v, layer is (%d, %d)", l.Name, w.Shape, l.Out, l.In)
	}
	return l.Apply(x)
}

func (op BitLinearOp) Backward(x, w, out, gradOut *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	l := op.Layer
	m, _ := x.Rows2()
	gx, err := tensor.New(x.Shape...)
	if err != nil {
		return nil, nil, err
	}
	if err := l.BackwardInput(gx.Data, gradOut.Data, m); err != nil {
		return nil, nil, err
	}
	gw, err := tensor.New(l.Out, l.In)
	if err != nil {
		return nil, nil, err
	}
	if err := kernels.DenseMatMulTN(gw.Data, gradOut.Data, x.Data, m, l.Out, l.In); err != nil {
		return nil, nil, err
	}
	return gx, gw, nil
}

// GradDiff is the largest absolute gap between a BitLinearOp and the
// straight-through reference built from graph primitives.
type GradDiff struct {
	Out, GradX, GradW float32
}

// Max returns the largest of the three gaps.
func (d GradDiff) Max() float32 { return max(d.Out, d.GradX, d.GradW) }

// CompareSTE differentiates sum(op(x, W) ⊙ c) twice, once through
// BitLinearOp and once through MatMulT(x, STEWeight(W)), and reports how far
// the outputs and gradients differ. x is (m, In) and c is (m, Out).
func CompareSTE(l *BitLinear, x, c *tensor.Tensor) (GradDiff, error) {
	var (
		d             GradDiff
		g, ref        = graph.New(), graph.New()
		gx, gw, loss  *graph.Node
		rx, rw, rLoss *graph.Node
		y, ry         *graph.Node
	)
	err := graph.Run(func() {
		gx, gw = g.Parameter(x.Clone()), g.Parameter(l.Weight)
		y = graph.Apply2(BitLinearOp{Layer: l}, gx, gw)
		loss = graph.ReduceSum(graph.Mul(y, g.Const(c)))

		rx, rw = ref.Parameter(x.Clone()), ref.Parameter(l.Weight.Clone())
		ry = graph.MatMulT(rx, graph.STEWeight(rw))
		rLoss = graph.ReduceSum(graph.Mul(ry, ref.Const(c)))
	})
	if err != nil {
		return d, errors.WithMessage(err, l.Name)
	}
	if err := g.Backward(loss); err != nil {
		return d, errors.WithMessage(err, l.Name)
	}
	if err := ref.Backward(rLoss); err != nil {
		return d, errors.WithMessage(err, l.Name+" reference")
	}

	d.Out = tensor.MaxAbsDiff(y.Value().Data, ry.Value().Data)
	d.GradX = tensor.MaxAbsDiff(gx.Grad().Data, rx.Grad().Data)
	d.GradW = tensor.MaxAbsDiff(gw.Grad().Data, rw.Grad().Data)
	return d, nil
}
