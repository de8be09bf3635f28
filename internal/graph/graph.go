// Package graph is a small reverse-mode tape over tensor values.
//
// It only knows the handful of operations needed to express a quantized
// linear layer and its straight-through estimator: element-wise arithmetic,
// x·wᵀ products, a non-differentiable ternary quantizer, StopGradient and
// user supplied two-input custom ops. Operations panic on invalid input with
// exceptions.Panicf; Backward and Run convert panics back into errors.
package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"bitllama-go/internal/tensor"
)

// Node is one value on the tape.
type Node struct {
	g         *Graph
	id        int
	value     *tensor.Tensor
	grad      []float32
	parents   []*Node
	backFn    func()
	trainable bool
	// noGrad marks values that never receive gradient (constants, StopGradient outputs).
	noGrad bool
}

// Graph records nodes in creation order, which is a topological order.
type Graph struct {
	nodes []*Node
}

func New() *Graph { return &Graph{} }

func (g *Graph) add(value *tensor.Tensor, parents ...*Node) *Node {
	n := &Node{g: g, id: len(g.nodes), value: value, parents: parents}
	n.noGrad = true
	for _, p := range parents {
		if p.g != g {
			exceptions.Panicf("graph: node #%d belongs to a different graph", p.id)
		}
		if !p.noGrad {
			n.noGrad = false
		}
	}
	g.nodes = append(g.nodes, n)
	return n
}

// Parameter adds a trainable leaf. Its gradient is available after Backward.
func (g *Graph) Parameter(t *tensor.Tensor) *Node {
	n := g.add(t)
	n.trainable = true
	n.noGrad = false
	return n
}

// Const adds a leaf that never receives gradient.
func (g *Graph) Const(t *tensor.Tensor) *Node {
	return g.add(t)
}

func (n *Node) Value() *tensor.Tensor { return n.value }

func (n *Node) Shape() []int { return n.value.Shape }

// Grad returns the accumulated gradient, or nil when none flowed into n.
func (n *Node) Grad() *tensor.Tensor {
	if n.grad == nil {
		return nil
	}
	t, err := tensor.FromSlice(n.grad, n.value.Shape...)
	if err != nil {
		return nil
	}
	return t
}

func (n *Node) accumulate(g []float32) {
	if n.noGrad {
		return
	}
	if n.grad == nil {
		n.grad = make([]float32, len(n.value.Data))
	}
	for i, v := range g {
		n.grad[i] += v
	}
}

// Backward propagates d(loss)/d(node) for a scalar loss.
func (g *Graph) Backward(loss *Node) error {
	return Run(func() {
		if loss.value.Len() != 1 {
			exceptions.Panicf("graph: Backward needs a scalar loss, got shape %v", loss.value.Shape)
		}
		for _, n := range g.nodes {
			n.grad = nil
		}
		loss.accumulate([]float32{1})
		for i := loss.id; i >= 0; i-- {
			n := g.nodes[i]
			if n.grad != nil && n.backFn != nil {
				n.backFn()
			}
		}
	})
}

// Run calls fn and converts graph panics into errors.
func Run(fn func()) error {
	return exceptions.TryCatch[error](fn)
}

func newLike(shape []int) *tensor.Tensor {
	t, err := tensor.New(shape...)
	if err != nil {
		panic(errors.WithMessage(err, "graph"))
	}
	return t
}

func checkSameShape(op string, a, b *Node) {
	if !tensor.SameShape(a.value, b.value) {
		exceptions.Panicf("graph.%s: shape mismatch %v vs %v", op, a.value.Shape, b.value.Shape)
	}
}
