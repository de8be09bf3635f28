package weights

import (
	"github.com/pkg/errors"

	"bitllama-go/internal/gguf"
	"bitllama-go/internal/tensor"
)

// GGUF reads tensors from a GGUF file. F32, F16 and the ternary I2_S and
// TQ2_0 types decode to float; I8 tensors are returned by Bytes.
type GGUF struct {
	file *gguf.File
}

// OpenGGUF indexes path. Tensor data is read on demand.
func OpenGGUF(path string) (*GGUF, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	return &GGUF{file: f}, nil
}

func (g *GGUF) Names() []string {
	names := make([]string, len(g.file.Tensors))
	for i, t := range g.file.Tensors {
		names[i] = t.Name
	}
	return names
}

func (g *GGUF) Has(name string) bool {
	_, ok := g.file.Tensor(name)
	return ok
}

func (g *GGUF) Float(name string) (*tensor.Tensor, error) {
	info, ok := g.file.Tensor(name)
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	if info.Type == gguf.TypeI8 {
		raw, err := g.file.ReadBytes(name)
		if err != nil {
			return nil, err
		}
		return tensor.FromValues(asInt8(raw), info.Shape()...)
	}
	data, err := g.file.ReadF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(data, info.Shape()...)
}

// asInt8 reinterprets raw I8 storage as signed values.
func asInt8(raw []byte) []int8 {
	out := make([]int8, len(raw))
	for i, b := range raw {
		out[i] = int8(b)
	}
	return out
}

func (g *GGUF) Bytes(name string) ([]byte, []int, error) {
	info, ok := g.file.Tensor(name)
	if !ok {
		return nil, nil, errors.Wrap(ErrNotFound, name)
	}
	data, err := g.file.ReadBytes(name)
	if err != nil {
		return nil, nil, err
	}
	return data, info.Shape(), nil
}

func (g *GGUF) Meta() map[string]any { return g.file.KeyValues }

// GGUFWriter is a Sink that buffers tensors and writes one GGUF file on
// Save. With F16 set, float tensors are stored at half precision.
type GGUFWriter struct {
	F16 bool
	w   *gguf.Writer
}

func NewGGUFWriter(f16 bool) *GGUFWriter {
	return &GGUFWriter{F16: f16, w: gguf.NewWriter()}
}

// PutFloat keeps a reference to t until Save; t must not change before then.
func (s *GGUFWriter) PutFloat(name string, t *tensor.Tensor) error {
	if s.F16 {
		return s.w.AddF16(name, t.Shape, t.Data)
	}
	return s.w.AddF32(name, t.Shape, t.Data)
}

func (s *GGUFWriter) PutBytes(name string, shape []int, data []byte) error {
	return s.w.AddBytes(name, shape, data)
}

func (s *GGUFWriter) SetMeta(key string, v any) error {
	return s.w.SetMetadata(key, v)
}

// Save writes the file atomically.
func (s *GGUFWriter) Save(path string) error {
	return s.w.WriteFile(path)
}
