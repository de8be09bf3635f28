package kernels

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/internal/device"
	"bitllama-go/internal/packed"
)

// Resident is a packed weight living on an accelerator together with its
// pre-transposed pack, so both the forward product and the input gradient
// run through the packed kernel. It is created once at load time and only
// refreshed through Update.
type Resident struct {
	Device device.Device
	W      *packed.Weight
	WT     *packed.Weight
}

// NewResident copies w onto dev, reserving memory for both packs.
func NewResident(w *packed.Weight, dev device.Device) (*Resident, error) {
	if err := device.Reserve(dev, 2*w.Bytes()); err != nil {
		return nil, errors.WithMessagef(err, "resident weight (%d, %d)", w.Out, w.In)
	}
	r := &Resident{Device: dev}
	r.set(w)
	klog.V(2).Infof("resident weight (%d, %d) on %s", w.Out, w.In, dev)
	return r, nil
}

func (r *Resident) set(w *packed.Weight) {
	codes := append([]byte(nil), w.Codes...)
	r.W = &packed.Weight{Codes: codes, Scale: w.Scale, Out: w.Out, In: w.In}
	r.WT = r.W.Transpose()
}

// Update replaces the resident copy with a fresh pack of the same shape.
func (r *Resident) Update(w *packed.Weight) error {
	if w.Out != r.W.Out || w.In != r.W.In {
		return errors.Wrapf(ErrDimensionMismatch, "resident update (%d, %d) -> (%d, %d)", r.W.Out, r.W.In, w.Out, w.In)
	}
	r.set(w)
	return nil
}

// Forward computes y[m×Out] = x · dequant(W)ᵀ.
func (r *Resident) Forward(y, x []float32, m int) error {
	return MatMulPacked(y, x, m, r.W)
}

// Backward computes dx[m×In] = dy · dequant(W) using the transposed pack.
func (r *Resident) Backward(dx, dy []float32, m int) error {
	return MatMulPacked(dx, dy, m, r.WT)
}

// Free returns the reserved accelerator memory.
func (r *Resident) Free() {
	if r.W == nil {
		return
	}
	device.Release(r.Device, r.W.Bytes()+r.WT.Bytes())
	r.W, r.WT = nil, nil
}
