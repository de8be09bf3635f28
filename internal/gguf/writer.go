package gguf

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

type pendingTensor struct {
	info   TensorInfo
	size   uint64
	encode func(io.Writer) error
}

// Writer accumulates metadata and tensors and serializes them as one GGUF
// file. Tensor data is referenced, not copied, until WriteTo.
type Writer struct {
	keys    []string
	kv      map[string]any
	tensors []pendingTensor
	names   map[string]bool
}

func NewWriter() *Writer {
	return &Writer{kv: make(map[string]any), names: make(map[string]bool)}
}

// SetMetadata records key. Setting a key twice keeps the first position and
// the last value.
func (w *Writer) SetMetadata(key string, v any) error {
	if _, err := valueType(v); err != nil {
		return errors.WithMessagef(err, "metadata %q", key)
	}
	if _, ok := w.kv[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.kv[key] = v
	return nil
}

func (w *Writer) add(name string, shape []int, typ uint32, count int, size uint64, enc func(io.Writer) error) error {
	if w.names[name] {
		return errors.Errorf("tensor %q added twice", name)
	}
	n := 1
	dims := make([]uint64, len(shape))
	for i, d := range shape {
		if d <= 0 {
			return errors.Errorf("tensor %q has dimension %d", name, d)
		}
		n *= d
		dims[len(shape)-1-i] = uint64(d)
	}
	if n != count {
		return errors.Errorf("tensor %q shape %v holds %d values, got %d", name, shape, n, count)
	}
	w.names[name] = true
	w.tensors = append(w.tensors, pendingTensor{
		info:   TensorInfo{Name: name, Dimensions: dims, Type: typ},
		size:   size,
		encode: enc,
	})
	return nil
}

func (w *Writer) AddF32(name string, shape []int, data []float32) error {
	return w.add(name, shape, TypeF32, len(data), 4*uint64(len(data)), func(out io.Writer) error {
		return binary.Write(out, binary.LittleEndian, data)
	})
}

func (w *Writer) AddF16(name string, shape []int, data []float32) error {
	return w.add(name, shape, TypeF16, len(data), 2*uint64(len(data)), func(out io.Writer) error {
		buf := make([]uint16, len(data))
		for i, v := range data {
			buf[i] = float16.Fromfloat32(v).Bits()
		}
		return binary.Write(out, binary.LittleEndian, buf)
	})
}

// AddBytes stores raw bytes as an I8 tensor.
func (w *Writer) AddBytes(name string, shape []int, data []byte) error {
	return w.add(name, shape, TypeI8, len(data), uint64(len(data)), func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	})
}

// AddI2S stores ternary values data/scale in {-1, 0, +1} in I2_S layout.
func (w *Writer) AddI2S(name string, shape []int, data []float32, scale float32) error {
	size := i2sBytes(uint64(len(data))) + 4
	return w.add(name, shape, TypeI2_S, len(data), size, func(out io.Writer) error {
		return encodeI2S(out, data, scale)
	})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func pad(w *countingWriter, align uint64) error {
	n := alignUp(uint64(w.n), align) - uint64(w.n)
	if n == 0 {
		return nil
	}
	_, err := w.Write(make([]byte, n))
	return err
}

// WriteTo serializes the file.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: out}
	h := Header{Version: Version, TensorCount: uint64(len(w.tensors)), KVCount: uint64(len(w.keys))}
	if err := encodeHeader(cw, h); err != nil {
		return cw.n, errors.Wrap(err, "write header")
	}
	for _, k := range w.keys {
		if err := writeGGUFString(cw, k); err != nil {
			return cw.n, err
		}
		if err := writeValue(cw, w.kv[k]); err != nil {
			return cw.n, errors.Wrapf(err, "write metadata %q", k)
		}
	}

	const align = defaultAlignment
	var offset uint64
	for i := range w.tensors {
		t := &w.tensors[i]
		t.info.Offset = offset
		offset = alignUp(offset+t.size, align)
		if err := writeGGUFString(cw, t.info.Name); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(len(t.info.Dimensions))); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, t.info.Dimensions); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, t.info.Type); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.LittleEndian, t.info.Offset); err != nil {
			return cw.n, err
		}
	}
	if err := pad(cw, align); err != nil {
		return cw.n, err
	}
	for _, t := range w.tensors {
		if err := t.encode(cw); err != nil {
			return cw.n, errors.Wrapf(err, "write tensor %q", t.info.Name)
		}
		if err := pad(cw, align); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

// WriteFile writes to a temporary file next to path and renames it into
// place, so readers never observe a partial file.
func (w *Writer) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	bw := bufio.NewWriterSize(tmp, 1<<20)
	if _, err := w.WriteTo(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "rename checkpoint %s", path)
}
