package device

import (
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

const (
	offloadSafetyBytes = 2 << 30
	offloadSeqLen      = 4096
)

// LayerBytes estimates the accelerator footprint of one transformer layer of
// width `hidden`: seven ternary K×K projections, an f16 KV cache of 4096
// positions, the norm weights and 1MiB of scratch.
func LayerBytes(hidden int) uint64 {
	k := uint64(hidden)
	weights := 7 * k * k / 4
	kv := 2 * k * offloadSeqLen * 2
	overhead := k*8 + 1<<20
	return weights + kv + overhead
}

// AutoOffload returns how many of `numLayers` layers fit in `free` bytes,
// keeping 10% plus 2GiB of headroom.
func AutoOffload(free uint64, hidden, numLayers int) int {
	usable := float64(free) * 0.9
	if usable <= offloadSafetyBytes {
		return 0
	}
	per := LayerBytes(hidden)
	if per == 0 {
		return 0
	}
	n := int((uint64(usable) - offloadSafetyBytes) / per)
	if n > numLayers {
		n = numLayers
	}
	return n
}

// Plan is the static device assignment of every layer plus the IO layers
// (embedding, final norm and LM head).
type Plan struct {
	Layers []Device
	IO     Device
	LMHead Device
}

// NumAccel returns how many layers are placed on an accelerator.
func (p Plan) NumAccel() int {
	n := 0
	for _, d := range p.Layers {
		if d.IsAccel() {
			n++
		}
	}
	return n
}

// NewPlan places the first `nAccel` layers on accelerator 0 and the rest on the
// host. A negative nAccel asks for auto-offload from the accelerator's free
// memory. Without an accelerator every layer is placed on the host.
func NewPlan(numLayers, hidden, nAccel int, lmHeadCPU bool) Plan {
	accel := Device{Kind: Accel}
	if !Available(0) {
		if nAccel > 0 {
			klog.Warningf("requested %d accelerator layers but no accelerator is configured, using cpu", nAccel)
		}
		nAccel = 0
	} else if nAccel < 0 {
		free, total := MemInfo(accel)
		nAccel = AutoOffload(free, hidden, numLayers)
		klog.Infof("auto-offload: %s free / %s total, %d of %d layers on %s",
			humanize.IBytes(free), humanize.IBytes(total), nAccel, numLayers, accel)
	}
	if nAccel > numLayers {
		nAccel = numLayers
	}
	p := Plan{Layers: make([]Device, numLayers), IO: Host, LMHead: Host}
	for i := range p.Layers {
		if i < nAccel {
			p.Layers[i] = accel
		} else {
			p.Layers[i] = Host
		}
	}
	if nAccel > 0 {
		p.IO = accel
		if !lmHeadCPU {
			p.LMHead = accel
		}
	}
	return p
}
