package kernels

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// DenseMatMulT computes dst[m×out] = x[m×in] · wᵀ for a row-major (out, in) w.
// It is the dequantize-then-dense path.
func DenseMatMulT(dst, x []float32, m int, w []float32, out, in int) error {
	if len(x) != m*in || len(w) != out*in || len(dst) < m*out {
		return errors.Wrapf(ErrDimensionMismatch, "dense matmul: x=%d w=%d dst=%d for m=%d out=%d in=%d",
			len(x), len(w), len(dst), m, out, in)
	}
	return gemm(blas.NoTrans, blas.Trans, m, out, in, x, w, dst[:m*out])
}

// DenseMatMul computes dst[m×n] = a[m×k] · b[k×n].
func DenseMatMul(dst, a, b []float32, m, k, n int) error {
	if len(a) != m*k || len(b) != k*n || len(dst) < m*n {
		return errors.Wrapf(ErrDimensionMismatch, "dense matmul: a=%d b=%d dst=%d for m=%d k=%d n=%d",
			len(a), len(b), len(dst), m, k, n)
	}
	return gemm(blas.NoTrans, blas.NoTrans, m, n, k, a, b, dst[:m*n])
}

// DenseMatMulTN computes dst[p×q] = aᵀ · b for a[m×p] and b[m×q]. It gives
// weight gradients dW = dYᵀ · X.
func DenseMatMulTN(dst, a, b []float32, m, p, q int) error {
	if len(a) != m*p || len(b) != m*q || len(dst) < p*q {
		return errors.Wrapf(ErrDimensionMismatch, "dense matmul: a=%d b=%d dst=%d for m=%d p=%d q=%d",
			len(a), len(b), len(dst), m, p, q)
	}
	return gemm(blas.Trans, blas.NoTrans, p, q, m, a, b, dst[:p*q])
}

// gemm computes c[rows×cols] = op(a) · op(b) with inner dimension k.
func gemm(ta, tb blas.Transpose, rows, cols, k int, a, b, c []float32) error {
	if rows == 0 || cols == 0 {
		return nil
	}
	if k == 0 {
		for i := range c {
			c[i] = 0
		}
		return nil
	}
	ga := blas32.General{Rows: rows, Cols: k, Stride: k, Data: a}
	if ta == blas.Trans {
		ga = blas32.General{Rows: k, Cols: rows, Stride: rows, Data: a}
	}
	gb := blas32.General{Rows: k, Cols: cols, Stride: cols, Data: b}
	if tb == blas.Trans {
		gb = blas32.General{Rows: cols, Cols: k, Stride: k, Data: b}
	}
	gc := blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: c}
	blas32.Gemm(ta, tb, 1, ga, gb, 0, gc)
	return nil
}
