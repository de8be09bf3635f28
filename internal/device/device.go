// Package device describes where tensors and layer weights live.
//
// A Device is a small tagged value (kind + ordinal). Placement is decided once,
// when a model is loaded, and never changes during a run. Moving data between
// devices is always an explicit, synchronous copy done by the caller.
//
// The accelerator is host-emulated: it owns its own memory budget and its
// own resident buffers, so the placement, copy and out-of-memory contracts
// are the same ones a discrete GPU imposes.
package device

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Kind of a device.
type Kind uint8

const (
	CPU Kind = iota
	Accel
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case Accel:
		return "accel"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Device identifies one compute device.
type Device struct {
	Kind    Kind
	Ordinal int
}

// Host is the default CPU device.
var Host = Device{Kind: CPU}

func (d Device) String() string {
	if d.Kind == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// IsAccel reports whether d is an accelerator.
func (d Device) IsAccel() bool { return d.Kind == Accel }

// Same reports whether a and b are the same device.
func (d Device) Same(o Device) bool { return d == o }

// ErrOutOfMemory is returned when an accelerator reservation exceeds its
// remaining budget. The caller may retry with smaller parameters.
var ErrOutOfMemory = errors.New("accelerator out of memory")

// ErrNoAccelerator is returned when an accelerator is requested but none is configured.
var ErrNoAccelerator = errors.New("no accelerator available")

type accelerator struct {
	mu    sync.Mutex
	total uint64
	used  uint64
}

var (
	accelMu sync.Mutex
	accels  = map[int]*accelerator{}
)

func init() {
	if raw := os.Getenv("BITLLAMA_ACCEL_MEM"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil && v > 0 {
			accels[0] = &accelerator{total: v}
		}
	}
}

// Register makes accelerator `ordinal` available with `total` bytes of memory.
// Registering an existing ordinal resets its budget.
func Register(ordinal int, total uint64) Device {
	accelMu.Lock()
	defer accelMu.Unlock()
	accels[ordinal] = &accelerator{total: total}
	return Device{Kind: Accel, Ordinal: ordinal}
}

// Unregister removes accelerator `ordinal`.
func Unregister(ordinal int) {
	accelMu.Lock()
	defer accelMu.Unlock()
	delete(accels, ordinal)
}

func lookup(d Device) (*accelerator, error) {
	accelMu.Lock()
	defer accelMu.Unlock()
	a, ok := accels[d.Ordinal]
	if !ok {
		return nil, errors.Wrapf(ErrNoAccelerator, "device %s", d)
	}
	return a, nil
}

// Available reports whether accelerator `ordinal` is registered.
func Available(ordinal int) bool {
	accelMu.Lock()
	defer accelMu.Unlock()
	_, ok := accels[ordinal]
	return ok
}

// MemInfo returns (free, total) bytes for d. CPU devices and missing
// accelerators report (0, 0).
func MemInfo(d Device) (free, total uint64) {
	if d.Kind != Accel {
		return 0, 0
	}
	a, err := lookup(d)
	if err != nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.used, a.total
}

// Reserve accounts `bytes` of memory on d. CPU reservations always succeed.
func Reserve(d Device, bytes uint64) error {
	if d.Kind != Accel {
		return nil
	}
	a, err := lookup(d)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+bytes > a.total {
		return errors.Wrapf(ErrOutOfMemory, "device %s: requested %d bytes, %d of %d in use", d, bytes, a.used, a.total)
	}
	a.used += bytes
	return nil
}

// Release returns `bytes` previously reserved on d.
func Release(d Device, bytes uint64) {
	if d.Kind != Accel {
		return
	}
	a, err := lookup(d)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bytes > a.used {
		bytes = a.used
	}
	a.used -= bytes
}
