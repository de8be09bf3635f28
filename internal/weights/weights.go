// Package weights is the boundary between the model and whatever stores its
// named tensors. The model reads through Source and writes through Sink and
// never parses a container format itself.
package weights

import (
	"slices"
	"sync"

	"github.com/pkg/errors"

	"bitllama-go/internal/tensor"
)

// ErrNotFound is returned for names the store does not hold.
var ErrNotFound = errors.New("weight not found")

// Source provides named float tensors, raw byte tensors (packed multi-base
// codes) and free-form metadata.
type Source interface {
	Names() []string
	Has(name string) bool
	Float(name string) (*tensor.Tensor, error)
	Bytes(name string) ([]byte, []int, error)
	Meta() map[string]any
}

// Sink receives named tensors and metadata.
type Sink interface {
	PutFloat(name string, t *tensor.Tensor) error
	PutBytes(name string, shape []int, data []byte) error
	SetMeta(key string, v any) error
}

type rawTensor struct {
	shape []int
	data  []byte
}

// Map is an in-memory Source and Sink. It is safe for concurrent use.
type Map struct {
	mu     sync.RWMutex
	floats map[string]*tensor.Tensor
	raw    map[string]rawTensor
	meta   map[string]any
}

func NewMap() *Map {
	return &Map{
		floats: make(map[string]*tensor.Tensor),
		raw:    make(map[string]rawTensor),
		meta:   make(map[string]any),
	}
}

// Names returns every tensor name, sorted.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.floats)+len(m.raw))
	for n := range m.floats {
		names = append(names, n)
	}
	for n := range m.raw {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (m *Map) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, f := m.floats[name]
	_, r := m.raw[name]
	return f || r
}

// Float returns a copy, so callers may mutate it freely. Byte tensors are
// widened to their unsigned values.
func (m *Map) Float(name string) (*tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.floats[name]; ok {
		return t.Clone(), nil
	}
	if r, ok := m.raw[name]; ok {
		return tensor.FromValues(r.data, r.shape...)
	}
	return nil, errors.Wrap(ErrNotFound, name)
}

func (m *Map) Bytes(name string) ([]byte, []int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.raw[name]
	if !ok {
		return nil, nil, errors.Wrap(ErrNotFound, name)
	}
	return slices.Clone(r.data), slices.Clone(r.shape), nil
}

func (m *Map) Meta() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.meta))
	for k, v := range m.meta {
		out[k] = v
	}
	return out
}

func (m *Map) PutFloat(name string, t *tensor.Tensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.floats[name] = t.Clone()
	return nil
}

func (m *Map) PutBytes(name string, shape []int, data []byte) error {
	n, err := tensor.NumElements(shape)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Wrapf(tensor.ErrShape, "%s: %d bytes for shape %v", name, len(data), shape)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[name] = rawTensor{shape: slices.Clone(shape), data: slices.Clone(data)}
	return nil
}

func (m *Map) SetMeta(key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = v
	return nil
}
