// Package tensor is the minimal dense f32 tensor the core passes between
// layers. Data is row-major and always host-addressable; Device records where
// the values are considered resident for placement and copy accounting.
package tensor

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"bitllama-go/internal/device"
)

// ErrAllocation is returned when a requested tensor exceeds the element limit.
// It is recoverable: callers may retry with a smaller batch or sequence.
var ErrAllocation = errors.New("tensor allocation too large")

// ErrShape is returned for malformed shapes.
var ErrShape = errors.New("invalid tensor shape")

var maxElements = envInt("BITLLAMA_MAX_TENSOR_ELEMENTS", 1<<30)

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// SetMaxElementsForTest overrides the allocation limit and returns a restore func.
func SetMaxElementsForTest(n int) func() {
	old := maxElements
	maxElements = n
	return func() { maxElements = old }
}

type Tensor struct {
	Shape  []int
	Data   []float32
	Device device.Device
}

// NumElements returns the product of the dimensions of shape.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Wrapf(ErrShape, "negative dimension in %v", shape)
		}
		if d != 0 && n > maxElements/d {
			return 0, errors.Wrapf(ErrAllocation, "shape %v exceeds %d elements", shape, maxElements)
		}
		n *= d
	}
	if n > maxElements {
		return 0, errors.Wrapf(ErrAllocation, "shape %v exceeds %d elements", shape, maxElements)
	}
	return n, nil
}

// New allocates a zero tensor on the host.
func New(shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n), Device: device.Host}, nil
}

// Zeros is New that panics on error; only for shapes known to be small.
func Zeros(shape ...int) *Tensor {
	t, err := New(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromSlice wraps data (without copying) with the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errors.Wrapf(ErrShape, "%d values for shape %v", len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data, Device: device.Host}, nil
}

// FromValues converts any numeric slice into a new tensor.
func FromValues[T constraints.Integer | constraints.Float](values []T, shape ...int) (*Tensor, error) {
	data := make([]float32, len(values))
	for i, v := range values {
		data[i] = float32(v)
	}
	return FromSlice(data, shape...)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v@%s", t.Shape, t.Device)
}

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Rows2 interprets t as a matrix whose last dimension is the column count.
func (t *Tensor) Rows2() (rows, cols int) {
	if len(t.Shape) == 0 {
		return 1, 1
	}
	cols = t.Shape[len(t.Shape)-1]
	if cols == 0 {
		return 0, 0
	}
	return len(t.Data) / cols, cols
}

// Row returns a view of row i of the matrix view of t.
func (t *Tensor) Row(i int) []float32 {
	_, cols := t.Rows2()
	return t.Data[i*cols : (i+1)*cols]
}

// Clone returns a deep copy on the same device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...), Device: t.Device}
}

// Reshape returns a view of t with a new shape holding the same number of elements.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.Data) {
		return nil, errors.Wrapf(ErrShape, "cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data, Device: t.Device}, nil
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Bytes is the f32 footprint of t.
func (t *Tensor) Bytes() uint64 { return uint64(len(t.Data)) * 4 }

// To copies t onto dst synchronously. Copying to the device t already lives
// on returns t itself. Accelerator-bound copies reserve accelerator memory;
// the reservation is returned by Free.
func (t *Tensor) To(dst device.Device) (*Tensor, error) {
	if t.Device.Same(dst) {
		return t, nil
	}
	if err := device.Reserve(dst, t.Bytes()); err != nil {
		return nil, errors.WithMessagef(err, "copy %s to %s", t, dst)
	}
	out := t.Clone()
	out.Device = dst
	return out, nil
}

// Free releases accelerator accounting held by t. It is a no-op on the host.
func (t *Tensor) Free() {
	device.Release(t.Device, t.Bytes())
}

// MaxAbsDiff returns max |a[i]-b[i]| over the common prefix.
func MaxAbsDiff(a, b []float32) float32 {
	n := min(len(a), len(b))
	var m float32
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}
