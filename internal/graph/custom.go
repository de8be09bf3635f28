package graph

import (
	"github.com/gomlx/exceptions"

	"bitllama-go/internal/tensor"
)

// CustomOp2 is a two-input operation with a hand-written backward pass.
type CustomOp2 interface {
	Name() string
	Forward(a, b *tensor.Tensor) (*tensor.Tensor, error)
	// Backward returns the gradients of a and b given the output gradient.
	// Either may be nil when it is not needed.
	Backward(a, b, out, gradOut *tensor.Tensor) (gradA, gradB *tensor.Tensor, err error)
}

// Apply2 records op(a, b) on the tape.
func Apply2(op CustomOp2, a, b *Node) *Node {
	out, err := op.Forward(a.value, b.value)
	if err != nil {
		exceptions.Panicf("graph.%s forward: %v", op.Name(), err)
	}
	n := a.g.add(out, a, b)
	n.backFn = func() {
		gradOut, err := tensor.FromSlice(n.grad, out.Shape...)
		if err != nil {
			exceptions.Panicf("graph.%s backward: %v", op.Name(), err)
		}
		ga, gb, err := op.Backward(a.value, b.value, out, gradOut)
		if err != nil {
			exceptions.Panicf("graph.%s backward: %v", op.Name(), err)
		}
		if ga != nil {
			a.accumulate(ga.Data)
		}
		if gb != nil {
			b.accumulate(gb.Data)
		}
	}
	return n
}

// Parameters returns the trainable leaves in creation order.
func (g *Graph) Parameters() []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.trainable {
			out = append(out, n)
		}
	}
	return out
}
