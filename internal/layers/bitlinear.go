// Package layers holds the building blocks of the model: ternary linear
// projections, normalization, the gated MLP, rotary attention and the TTT
// fast-weight layer. Layers never own per-sequence state; fast weights and
// KV caches are passed in by the caller.
package layers

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/internal/device"
	"bitllama-go/internal/kernels"
	"bitllama-go/internal/packed"
	"bitllama-go/internal/tensor"
)

// Variant is the kernel path a BitLinear was resolved to at load time.
type Variant uint8

const (
	// VariantPacked runs the CPU packed kernel.
	VariantPacked Variant = iota
	// VariantResident runs the packed kernel on accelerator-resident weights.
	VariantResident
	// VariantDense dequantizes once and runs a dense matmul.
	VariantDense
)

func (v Variant) String() string {
	switch v {
	case VariantPacked:
		return "packed"
	case VariantResident:
		return "resident"
	case VariantDense:
		return "dense"
	}
	return fmt.Sprintf("variant(%d)", v)
}

var denseFallback = os.Getenv("BITLLAMA_DENSE_FALLBACK") == "1"

// BitLinear is y = x · dequant(pack(W))ᵀ with no bias. Weight keeps the
// master float values; the packed, resident or dense copy is derived from it
// and must be refreshed with Repack after Weight changes.
type BitLinear struct {
	Name    string
	Out     int
	In      int
	Weight  *tensor.Tensor
	Device  device.Device
	Variant Variant

	packed   *packed.Weight
	packedT  *packed.Weight
	resident *kernels.Resident
	dense    []float32
}

// NewBitLinear packs weight (Out, In) and resolves the kernel variant for dev.
func NewBitLinear(name string, weight *tensor.Tensor, dev device.Device) (*BitLinear, error) {
	if weight.Rank() != 2 {
		return nil, errors.Wrapf(tensor.ErrShape, "%s: weight %v is not a matrix", name, weight.Shape)
	}
	l := &BitLinear{
		Name:   name,
		Out:    weight.Shape[0],
		In:     weight.Shape[1],
		Weight: weight,
		Device: dev,
	}
	switch {
	case dev.IsAccel() && denseFallback:
		l.Variant = VariantDense
	case dev.IsAccel():
		l.Variant = VariantResident
	default:
		l.Variant = VariantPacked
	}
	if err := l.Repack(); err != nil {
		return nil, err
	}
	klog.V(2).Infof("%s: (%d, %d) %s on %s", name, l.Out, l.In, l.Variant, dev)
	return l, nil
}

// NewBitLinearPacked wraps an already packed weight; Weight is reconstructed
// from the pack so that the layer can still be trained.
func NewBitLinearPacked(name string, w *packed.Weight, dev device.Device) (*BitLinear, error) {
	t, err := packed.Unpack(w, device.Host)
	if err != nil {
		return nil, errors.WithMessage(err, name)
	}
	return NewBitLinear(name, t, dev)
}

// Repack re-quantizes Weight and refreshes the variant's copy.
func (l *BitLinear) Repack() error {
	l.packed = packed.Pack(l.Weight.Data, l.Out, l.In)
	l.packedT = nil
	switch l.Variant {
	case VariantResident:
		if l.resident == nil {
			r, err := kernels.NewResident(l.packed, l.Device)
			if err != nil {
				return errors.WithMessage(err, l.Name)
			}
			l.resident = r
			return nil
		}
		return l.resident.Update(l.packed)
	case VariantDense:
		if l.dense == nil {
			if err := device.Reserve(l.Device, uint64(l.Out*l.In)*4); err != nil {
				return errors.WithMessage(err, l.Name)
			}
			l.dense = make([]float32, l.Out*l.In)
		}
		l.packed.UnpackInto(l.dense)
	}
	return nil
}

// Packed returns the current packed weight.
func (l *BitLinear) Packed() *packed.Weight { return l.packed }

// Forward computes dst[m×Out] from x[m×In].
func (l *BitLinear) Forward(dst, x []float32, m int) error {
	var err error
	switch l.Variant {
	case VariantResident:
		err = l.resident.Forward(dst, x, m)
	case VariantDense:
		err = kernels.DenseMatMulT(dst, x, m, l.dense, l.Out, l.In)
	default:
		err = kernels.MatMulPacked(dst, x, m, l.packed)
	}
	if err != nil {
		return errors.WithMessage(err, l.Name)
	}
	return nil
}

// Apply runs Forward over every row of x (last dimension In).
func (l *BitLinear) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols := x.Rows2()
	if cols != l.In {
		return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "%s: input %v, want last dim %d", l.Name, x.Shape, l.In)
	}
	shape := append(append([]int(nil), x.Shape[:len(x.Shape)-1]...), l.Out)
	out, err := tensor.New(shape...)
	if err != nil {
		return nil, err
	}
	out.Device = l.Device
	if err := l.Forward(out.Data, x.Data, rows); err != nil {
		return nil, err
	}
	return out, nil
}

// BackwardInput computes dx[m×In] = dy[m×Out] · dequant(W).
func (l *BitLinear) BackwardInput(dx, dy []float32, m int) error {
	switch l.Variant {
	case VariantResident:
		return l.resident.Backward(dx, dy, m)
	case VariantDense:
		return kernels.DenseMatMul(dx, dy, l.dense, m, l.Out, l.In)
	}
	if l.packedT == nil {
		l.packedT = l.packed.Transpose()
	}
	return kernels.MatMulPacked(dx, dy, m, l.packedT)
}

// Bytes is the memory held by the layer's kernel copy.
func (l *BitLinear) Bytes() uint64 {
	switch l.Variant {
	case VariantResident:
		return 2 * l.packed.Bytes()
	case VariantDense:
		return uint64(len(l.dense)) * 4
	}
	return l.packed.Bytes()
}

// Free releases accelerator memory held by the layer.
func (l *BitLinear) Free() {
	if l.resident != nil {
		l.resident.Free()
		l.resident = nil
	}
	if l.dense != nil {
		device.Release(l.Device, uint64(len(l.dense))*4)
		l.dense = nil
	}
}
