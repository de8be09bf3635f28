package graph

import (
	"github.com/gomlx/exceptions"

	"bitllama-go/internal/kernels"
	"bitllama-go/internal/packed"
)

func Add(a, b *Node) *Node {
	checkSameShape("Add", a, b)
	out := newLike(a.value.Shape)
	for i := range out.Data {
		out.Data[i] = a.value.Data[i] + b.value.Data[i]
	}
	n := a.g.add(out, a, b)
	n.backFn = func() {
		a.accumulate(n.grad)
		b.accumulate(n.grad)
	}
	return n
}

func Sub(a, b *Node) *Node {
	checkSameShape("Sub", a, b)
	out := newLike(a.value.Shape)
	for i := range out.Data {
		out.Data[i] = a.value.Data[i] - b.value.Data[i]
	}
	n := a.g.add(out, a, b)
	n.backFn = func() {
		a.accumulate(n.grad)
		neg := make([]float32, len(n.grad))
		for i, v := range n.grad {
			neg[i] = -v
		}
		b.accumulate(neg)
	}
	return n
}

// Mul is the element-wise product.
func Mul(a, b *Node) *Node {
	checkSameShape("Mul", a, b)
	out := newLike(a.value.Shape)
	for i := range out.Data {
		out.Data[i] = a.value.Data[i] * b.value.Data[i]
	}
	n := a.g.add(out, a, b)
	n.backFn = func() {
		ga := make([]float32, len(n.grad))
		gb := make([]float32, len(n.grad))
		for i, v := range n.grad {
			ga[i] = v * b.value.Data[i]
			gb[i] = v * a.value.Data[i]
		}
		a.accumulate(ga)
		b.accumulate(gb)
	}
	return n
}

// ReduceSum sums every element into a scalar.
func ReduceSum(a *Node) *Node {
	out := newLike([]int{1})
	for _, v := range a.value.Data {
		out.Data[0] += v
	}
	n := a.g.add(out, a)
	n.backFn = func() {
		g := make([]float32, a.value.Len())
		for i := range g {
			g[i] = n.grad[0]
		}
		a.accumulate(g)
	}
	return n
}

// MatMulT computes x[m×k] · w[n×k]ᵀ.
func MatMulT(x, w *Node) *Node {
	if x.value.Rank() != 2 || w.value.Rank() != 2 || x.value.Dim(1) != w.value.Dim(1) {
		exceptions.Panicf("graph.MatMulT: incompatible shapes %v and %v", x.value.Shape, w.value.Shape)
	}
	m, k, nOut := x.value.Dim(0), x.value.Dim(1), w.value.Dim(0)
	out := newLike([]int{m, nOut})
	must(kernels.DenseMatMulT(out.Data, x.value.Data, m, w.value.Data, nOut, k))
	n := x.g.add(out, x, w)
	n.backFn = func() {
		if !x.noGrad {
			gx := make([]float32, m*k)
			must(kernels.DenseMatMul(gx, n.grad, w.value.Data, m, nOut, k))
			x.accumulate(gx)
		}
		if !w.noGrad {
			gw := make([]float32, nOut*k)
			must(kernels.DenseMatMulTN(gw, n.grad, x.value.Data, m, nOut, k))
			w.accumulate(gw)
		}
	}
	return n
}

// StopGradient passes the value through and blocks gradient flow.
func StopGradient(a *Node) *Node {
	n := a.g.add(a.value)
	return n
}

// TernaryQuantize replaces a rank-2 value with its dequantized ternary pack.
// It is not differentiable; use it under StopGradient.
func TernaryQuantize(a *Node) *Node {
	if a.value.Rank() != 2 {
		exceptions.Panicf("graph.TernaryQuantize: want rank 2, got %v", a.value.Shape)
	}
	w := packed.Pack(a.value.Data, a.value.Dim(0), a.value.Dim(1))
	out := newLike(a.value.Shape)
	w.UnpackInto(out.Data)
	return a.g.add(out)
}

// STEWeight returns w + StopGradient(quant(w) - w): its value is the
// ternary weight and its gradient flows to w unchanged.
func STEWeight(w *Node) *Node {
	return Add(w, StopGradient(Sub(TernaryQuantize(w), w)))
}

func must(err error) {
	if err != nil {
		exceptions.Panicf("graph: %v", err)
	}
}
