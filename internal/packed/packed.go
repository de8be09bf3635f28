// Package packed implements the 1.58-bit ternary weight format.
//
// A weight matrix of shape (Out, In) is quantized to {-1, 0, +1} times one
// per-matrix scale and stored as 2-bit codes, four per byte, least significant
// pair first, in row-major order over the whole matrix:
//
//	00 -> 0   01 -> +1   10 -> -1   11 -> 0 (unused)
//
// Rows are not padded; element (o, k) lives at flat index o*In+k. The last
// byte is zero-padded when Out*In is not a multiple of four.
package packed

import (
	"math"

	"github.com/pkg/errors"

	"bitllama-go/internal/device"
	"bitllama-go/internal/tensor"
)

const (
	CodeZero = 0b00
	CodePos  = 0b01
	CodeNeg  = 0b10

	// ScaleEpsilon keeps the scale strictly positive for all-zero matrices.
	ScaleEpsilon = 1e-6
)

// ErrLayout is returned when packed bytes do not match the declared shape.
var ErrLayout = errors.New("invalid packed layout")

// Weight is an immutable packed ternary matrix.
type Weight struct {
	Codes []byte
	Scale float32
	Out   int
	In    int
}

// PackedLen returns ceil(n/4).
func PackedLen(n int) int {
	return (n + 3) / 4
}

// New validates and wraps existing packed codes.
func New(codes []byte, out, in int, scale float32) (*Weight, error) {
	if out < 0 || in < 0 {
		return nil, errors.Wrapf(ErrLayout, "negative shape (%d, %d)", out, in)
	}
	if want := PackedLen(out * in); len(codes) != want {
		return nil, errors.Wrapf(ErrLayout, "got %d bytes for (%d, %d), want %d", len(codes), out, in, want)
	}
	return &Weight{Codes: codes, Scale: scale, Out: out, In: in}, nil
}

// Bytes is the size of the packed codes.
func (w *Weight) Bytes() uint64 { return uint64(len(w.Codes)) }

// Code returns the 2-bit code of element (o, k).
func (w *Weight) Code(o, k int) byte {
	idx := o*w.In + k
	return (w.Codes[idx>>2] >> ((idx & 3) * 2)) & 3
}

// Value decodes a single code to its ternary value.
func Value(code byte) float32 {
	return codeValue[code&3]
}

var codeValue = [4]float32{0, 1, -1, 0}

// Scale computes mean(|w|) + ScaleEpsilon, accumulating in float64.
func Scale(w []float32) float32 {
	if len(w) == 0 {
		return ScaleEpsilon
	}
	var sum float64
	for _, v := range w {
		sum += math.Abs(float64(v))
	}
	return float32(sum/float64(len(w))) + ScaleEpsilon
}

// Quantize maps v/scale to a ternary code: round then clamp to [-1, 1].
func Quantize(v, scale float32) byte {
	q := math.Round(float64(v / scale))
	switch {
	case q >= 1:
		return CodePos
	case q <= -1:
		return CodeNeg
	default:
		return CodeZero
	}
}

// Pack quantizes a row-major (out, in) float matrix. NaN and Inf inputs are
// not supported.
func Pack(w []float32, out, in int) *Weight {
	n := out * in
	if len(w) < n {
		panic(errors.Errorf("packed.Pack: %d values for (%d, %d)", len(w), out, in))
	}
	w = w[:n]
	scale := Scale(w)
	codes := make([]byte, PackedLen(n))
	for i, v := range w {
		codes[i>>2] |= Quantize(v, scale) << ((i & 3) * 2)
	}
	return &Weight{Codes: codes, Scale: scale, Out: out, In: in}
}

// PackTensor packs a rank-2 tensor.
func PackTensor(t *tensor.Tensor) (*Weight, error) {
	if t.Rank() != 2 {
		return nil, errors.Wrapf(tensor.ErrShape, "pack %s: want rank 2", t)
	}
	return Pack(t.Data, t.Shape[0], t.Shape[1]), nil
}

// UnpackInto writes the dequantized matrix into dst (length Out*In).
func (w *Weight) UnpackInto(dst []float32) {
	n := w.Out * w.In
	full := n &^ 3
	lut := DecodeLUT()
	for i := 0; i < full; i += 4 {
		e := &lut[w.Codes[i>>2]]
		dst[i] = e[0] * w.Scale
		dst[i+1] = e[1] * w.Scale
		dst[i+2] = e[2] * w.Scale
		dst[i+3] = e[3] * w.Scale
	}
	for i := full; i < n; i++ {
		dst[i] = Value(w.Codes[i>>2]>>((i&3)*2)) * w.Scale
	}
}

// Unpack returns the dense (Out, In) matrix on dev. Padding codes are never read.
func Unpack(w *Weight, dev device.Device) (*tensor.Tensor, error) {
	t, err := tensor.New(w.Out, w.In)
	if err != nil {
		return nil, err
	}
	w.UnpackInto(t.Data)
	return t.To(dev)
}

// Transpose returns the packed (In, Out) transpose. The scale is shared.
func (w *Weight) Transpose() *Weight {
	codes := make([]byte, len(w.Codes))
	for o := 0; o < w.Out; o++ {
		for k := 0; k < w.In; k++ {
			c := w.Code(o, k)
			if c == CodeZero {
				continue
			}
			idx := k*w.Out + o
			codes[idx>>2] |= c << ((idx & 3) * 2)
		}
	}
	return &Weight{Codes: codes, Scale: w.Scale, Out: w.In, In: w.Out}
}

// Ternary returns the fraction of -1, 0 and +1 codes.
func (w *Weight) Ternary() (neg, zero, pos float64) {
	n := w.Out * w.In
	if n == 0 {
		return 0, 0, 0
	}
	var cn, cz, cp int
	for i := 0; i < n; i++ {
		switch (w.Codes[i>>2] >> ((i & 3) * 2)) & 3 {
		case CodePos:
			cp++
		case CodeNeg:
			cn++
		default:
			cz++
		}
	}
	f := float64(n)
	return float64(cn) / f, float64(cz) / f, float64(cp) / f
}
