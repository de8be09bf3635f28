package kernels

import (
	"sync"

	"github.com/pkg/errors"

	"bitllama-go/internal/packed"
)

// ErrDimensionMismatch is returned when operand shapes disagree.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// dotPackedImpl returns sum_k value(code(off+k)) * x[k], unscaled.
var dotPackedImpl = dotPackedGeneric

// MatMulPacked computes dst[m×Out] = x[m×In] · dequant(w)ᵀ without
// materializing w. Output elements are split across the kernel pool and
// joined before returning.
func MatMulPacked(dst, x []float32, m int, w *packed.Weight) error {
	if m < 0 || len(x) != m*w.In {
		return errors.Wrapf(ErrDimensionMismatch, "packed matmul: x has %d values, want %d×%d", len(x), m, w.In)
	}
	if len(dst) < m*w.Out {
		return errors.Wrapf(ErrDimensionMismatch, "packed matmul: dst has %d values, want %d×%d", len(dst), m, w.Out)
	}
	if len(w.Codes) < packed.PackedLen(w.Out*w.In) {
		return errors.Wrapf(ErrDimensionMismatch, "packed matmul: %d code bytes for (%d, %d)", len(w.Codes), w.Out, w.In)
	}
	total := m * w.Out
	if total == 0 {
		return nil
	}
	workers := poolWorkers()
	if workers == 1 || total*w.In < packedParMinWork || total < 2 {
		matMulPackedRange(dst, x, w, 0, total)
		return nil
	}
	chunk := (total + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < total; start += chunk {
		end := min(start+chunk, total)
		wg.Add(1)
		submitPackedTask(packedTask{dst: dst, x: x, w: w, start: start, end: end, wg: &wg})
	}
	wg.Wait()
	return nil
}

// MatVecPacked is MatMulPacked for a single row.
func MatVecPacked(dst, x []float32, w *packed.Weight) error {
	return MatMulPacked(dst, x, 1, w)
}

func matMulPackedRange(dst, x []float32, w *packed.Weight, start, end int) {
	for idx := start; idx < end; idx++ {
		i, j := idx/w.Out, idx%w.Out
		row := x[i*w.In : (i+1)*w.In]
		dst[idx] = dotPackedImpl(w.Codes, j*w.In, row) * w.Scale
	}
}

func codeAt(codes []byte, idx int) float32 {
	c := (codes[idx>>2] >> ((idx & 3) * 2)) & 3
	return float32(int32(c&1) - int32(c>>1))
}

// dotPackedGeneric walks the packed row one byte per four features using the
// shared decode table. Rows need not start on a byte boundary.
func dotPackedGeneric(codes []byte, off int, x []float32) float32 {
	n := len(x)
	k := 0
	var sum float32
	for ; k < n && (off+k)&3 != 0; k++ {
		sum += codeAt(codes, off+k) * x[k]
	}
	lut := packed.DecodeLUT()
	b := (off + k) >> 2
	for ; k+3 < n; k += 4 {
		e := &lut[codes[b]]
		sum += e[0]*x[k] + e[1]*x[k+1] + e[2]*x[k+2] + e[3]*x[k+3]
		b++
	}
	for ; k < n; k++ {
		sum += codeAt(codes, off+k) * x[k]
	}
	return sum
}
