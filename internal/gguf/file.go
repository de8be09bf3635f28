package gguf

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// GGML tensor type tags understood by this package.
const (
	TypeF32   = 0
	TypeF16   = 1
	TypeI8    = 24
	TypeTQ2_0 = 35
	TypeI2_S  = 36
)

const defaultAlignment = 32

var (
	// ErrTensorNotFound is returned when a named tensor is absent.
	ErrTensorNotFound = errors.New("gguf tensor not found")
	// ErrTensorType is returned when a tensor cannot be decoded as requested.
	ErrTensorType = errors.New("gguf tensor type not supported")
)

// TensorInfo describes one tensor. Dimensions are stored fastest-varying
// first, as in ggml; Shape returns them in row-major order.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       uint32
	Offset     uint64
}

// Shape returns the row-major shape (slowest-varying dimension first).
func (t TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		shape[len(shape)-1-i] = int(d)
	}
	return shape
}

// ElementCount is the product of the dimensions.
func (t TensorInfo) ElementCount() (uint64, error) {
	if len(t.Dimensions) == 0 {
		return 0, errors.Errorf("tensor %q has no dimensions", t.Name)
	}
	n := uint64(1)
	for _, d := range t.Dimensions {
		if d == 0 {
			return 0, errors.Errorf("tensor %q has zero-sized dimension", t.Name)
		}
		if n > math.MaxUint64/d {
			return 0, errors.Errorf("tensor %q element count overflow", t.Name)
		}
		n *= d
	}
	return n, nil
}

// File is a parsed GGUF index. Tensor data is read lazily from Path.
type File struct {
	Header
	Path       string
	KeyValues  map[string]any
	Tensors    []TensorInfo
	Alignment  uint32
	DataOffset uint64

	byName map[string]int
}

// Open parses the header, metadata and tensor index of path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := Decode(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "gguf %s", path)
	}
	info.Path = path
	return info, nil
}

// Decode parses a GGUF index from r.
func Decode(r io.Reader) (*File, error) {
	cr := &countingReader{r: r}
	h, err := DecodeHeader(cr)
	if err != nil {
		return nil, err
	}

	info := &File{
		Header:    h,
		KeyValues: make(map[string]any, min(h.KVCount, 1024)),
		Tensors:   make([]TensorInfo, 0, min(h.TensorCount, 4096)),
		byName:    make(map[string]int),
	}

	for i := uint64(0); i < h.KVCount; i++ {
		key, err := readGGUFString(cr)
		if err != nil {
			return nil, errors.Wrapf(err, "read kv key[%d]", i)
		}
		t, err := readLE[uint32](cr)
		if err != nil {
			return nil, errors.Wrapf(err, "read kv type[%d]", i)
		}
		v, err := readValueByType(cr, t)
		if err != nil {
			return nil, errors.Wrapf(err, "read kv value %q", key)
		}
		info.KeyValues[key] = v
	}

	for i := uint64(0); i < h.TensorCount; i++ {
		name, err := readGGUFString(cr)
		if err != nil {
			return nil, errors.Wrapf(err, "read tensor name[%d]", i)
		}
		nDims, err := readLE[uint32](cr)
		if err != nil {
			return nil, errors.Wrapf(err, "read tensor n_dims[%d]", i)
		}
		if nDims > 8 {
			return nil, errors.Errorf("tensor %q has %d dimensions", name, nDims)
		}
		dims := make([]uint64, nDims)
		if err := binary.Read(cr, binary.LittleEndian, dims); err != nil {
			return nil, errors.Wrapf(err, "read tensor dims %q", name)
		}
		tType, err := readLE[uint32](cr)
		if err != nil {
			return nil, errors.Wrapf(err, "read tensor type %q", name)
		}
		offset, err := readLE[uint64](cr)
		if err != nil {
			return nil, errors.Wrapf(err, "read tensor offset %q", name)
		}
		info.byName[name] = len(info.Tensors)
		info.Tensors = append(info.Tensors, TensorInfo{Name: name, Dimensions: dims, Type: tType, Offset: offset})
	}

	info.Alignment = alignment(info.KeyValues)
	info.DataOffset = alignUp(cr.n, uint64(info.Alignment))
	return info, nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += uint64(n)
	return n, err
}

func alignment(kv map[string]any) uint32 {
	if v, ok := MetaInt(kv, "general.alignment"); ok && v > 0 && v <= math.MaxUint32 {
		return uint32(v)
	}
	return defaultAlignment
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + align - rem
	}
	return v
}

// Tensor returns the index entry for name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

func (f *File) open(name string) (*os.File, TensorInfo, uint64, error) {
	t, ok := f.Tensor(name)
	if !ok {
		return nil, TensorInfo{}, 0, errors.Wrap(ErrTensorNotFound, name)
	}
	count, err := t.ElementCount()
	if err != nil {
		return nil, TensorInfo{}, 0, err
	}
	if count > uint64(math.MaxInt/4) {
		return nil, TensorInfo{}, 0, errors.Errorf("tensor %q too large to load", name)
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, 0, err
	}
	if _, err := fh.Seek(int64(f.DataOffset+t.Offset), io.SeekStart); err != nil {
		fh.Close()
		return nil, TensorInfo{}, 0, errors.Wrapf(err, "seek tensor %q", name)
	}
	return fh, t, count, nil
}

// ReadF32 decodes a tensor to float32 values in row-major order.
func (f *File) ReadF32(name string) ([]float32, error) {
	fh, t, count, err := f.open(name)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	switch t.Type {
	case TypeF32:
		out := make([]float32, count)
		if err := binary.Read(fh, binary.LittleEndian, out); err != nil {
			return nil, errors.Wrapf(err, "read tensor %q f32", name)
		}
		return out, nil
	case TypeF16:
		buf := make([]uint16, count)
		if err := binary.Read(fh, binary.LittleEndian, buf); err != nil {
			return nil, errors.Wrapf(err, "read tensor %q f16", name)
		}
		out := make([]float32, count)
		for i, h := range buf {
			out[i] = float16.Frombits(h).Float32()
		}
		return out, nil
	case TypeTQ2_0:
		return readTQ20(fh, name, count)
	case TypeI2_S:
		return readI2S(fh, name, count)
	default:
		return nil, errors.Wrapf(ErrTensorType, "tensor %q type=%d as f32", name, t.Type)
	}
}

// ReadBytes returns the raw bytes of an I8 tensor.
func (f *File) ReadBytes(name string) ([]byte, error) {
	fh, t, count, err := f.open(name)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	if t.Type != TypeI8 {
		return nil, errors.Wrapf(ErrTensorType, "tensor %q type=%d as bytes", name, t.Type)
	}
	out := make([]byte, count)
	if _, err := io.ReadFull(fh, out); err != nil {
		return nil, errors.Wrapf(err, "read tensor %q i8", name)
	}
	return out, nil
}
