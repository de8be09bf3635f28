package gguf

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

const (
	valueTypeUint8   = 0
	valueTypeInt8    = 1
	valueTypeUint16  = 2
	valueTypeInt16   = 3
	valueTypeUint32  = 4
	valueTypeInt32   = 5
	valueTypeFloat32 = 6
	valueTypeBool    = 7
	valueTypeString  = 8
	valueTypeArray   = 9
	valueTypeUint64  = 10
	valueTypeInt64   = 11
	valueTypeFloat64 = 12
)

// maxArrayLen bounds metadata arrays so a corrupt length cannot trigger a
// huge allocation.
const maxArrayLen = 1 << 26

// ErrUnsupportedValue is returned for metadata values the codec cannot
// represent.
var ErrUnsupportedValue = errors.New("unsupported gguf value")

func readValueByType(r io.Reader, valueType uint32) (any, error) {
	switch valueType {
	case valueTypeUint8:
		return readLE[uint8](r)
	case valueTypeInt8:
		return readLE[int8](r)
	case valueTypeUint16:
		return readLE[uint16](r)
	case valueTypeInt16:
		return readLE[int16](r)
	case valueTypeUint32:
		return readLE[uint32](r)
	case valueTypeInt32:
		return readLE[int32](r)
	case valueTypeFloat32:
		return readLE[float32](r)
	case valueTypeBool:
		b, err := readLE[uint8](r)
		return b != 0, err
	case valueTypeString:
		return readGGUFString(r)
	case valueTypeUint64:
		return readLE[uint64](r)
	case valueTypeInt64:
		return readLE[int64](r)
	case valueTypeFloat64:
		return readLE[float64](r)
	case valueTypeArray:
		return readArrayValue(r)
	default:
		return nil, errors.Wrapf(ErrUnsupportedValue, "type %d", valueType)
	}
}

func readArrayValue(r io.Reader) (any, error) {
	elemType, err := readLE[uint32](r)
	if err != nil {
		return nil, err
	}
	n, err := readLE[uint64](r)
	if err != nil {
		return nil, err
	}
	if n > maxArrayLen {
		return nil, errors.Errorf("array too large: %d", n)
	}
	switch elemType {
	case valueTypeString:
		return readArrayOf(r, n, readGGUFString)
	case valueTypeUint8:
		return readArrayOf(r, n, readLE[uint8])
	case valueTypeInt8:
		return readArrayOf(r, n, readLE[int8])
	case valueTypeUint16:
		return readArrayOf(r, n, readLE[uint16])
	case valueTypeInt16:
		return readArrayOf(r, n, readLE[int16])
	case valueTypeUint32:
		return readArrayOf(r, n, readLE[uint32])
	case valueTypeInt32:
		return readArrayOf(r, n, readLE[int32])
	case valueTypeFloat32:
		return readArrayOf(r, n, readLE[float32])
	case valueTypeUint64:
		return readArrayOf(r, n, readLE[uint64])
	case valueTypeInt64:
		return readArrayOf(r, n, readLE[int64])
	case valueTypeFloat64:
		return readArrayOf(r, n, readLE[float64])
	case valueTypeBool:
		return readArrayOf(r, n, func(r io.Reader) (bool, error) {
			b, err := readLE[uint8](r)
			return b != 0, err
		})
	default:
		return nil, errors.Wrapf(ErrUnsupportedValue, "array element type %d", elemType)
	}
}

func readArrayOf[T any](r io.Reader, n uint64, read func(io.Reader) (T, error)) ([]T, error) {
	out := make([]T, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := read(r)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		out = append(out, v)
	}
	return out, nil
}

func readGGUFString(r io.Reader) (string, error) {
	n, err := readLE[uint64](r)
	if err != nil {
		return "", err
	}
	if n > math.MaxInt32 {
		return "", errors.Errorf("string too large: %d", n)
	}
	buf := make([]byte, int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readLE[T any](r io.Reader) (T, error) {
	var v T
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeGGUFString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// valueType maps a Go metadata value to its GGUF type tag.
func valueType(v any) (uint32, error) {
	switch v.(type) {
	case uint8:
		return valueTypeUint8, nil
	case int8:
		return valueTypeInt8, nil
	case uint16:
		return valueTypeUint16, nil
	case int16:
		return valueTypeInt16, nil
	case uint32:
		return valueTypeUint32, nil
	case int32:
		return valueTypeInt32, nil
	case float32:
		return valueTypeFloat32, nil
	case bool:
		return valueTypeBool, nil
	case string:
		return valueTypeString, nil
	case uint64:
		return valueTypeUint64, nil
	case int64:
		return valueTypeInt64, nil
	case float64:
		return valueTypeFloat64, nil
	case []string, []uint32, []int32, []float32, []uint64, []int64, []float64:
		return valueTypeArray, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedValue, "%T", v)
}

func writeValue(w io.Writer, v any) error {
	t, err := valueType(v)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	return writeRaw(w, v)
}

func writeRaw(w io.Writer, v any) error {
	switch x := v.(type) {
	case string:
		return writeGGUFString(w, x)
	case bool:
		var b uint8
		if x {
			b = 1
		}
		return binary.Write(w, binary.LittleEndian, b)
	case []string:
		if err := writeArrayHeader(w, valueTypeString, len(x)); err != nil {
			return err
		}
		for _, s := range x {
			if err := writeGGUFString(w, s); err != nil {
				return err
			}
		}
		return nil
	case []uint32:
		return writeNumericArray(w, valueTypeUint32, x)
	case []int32:
		return writeNumericArray(w, valueTypeInt32, x)
	case []float32:
		return writeNumericArray(w, valueTypeFloat32, x)
	case []uint64:
		return writeNumericArray(w, valueTypeUint64, x)
	case []int64:
		return writeNumericArray(w, valueTypeInt64, x)
	case []float64:
		return writeNumericArray(w, valueTypeFloat64, x)
	default:
		return binary.Write(w, binary.LittleEndian, v)
	}
}

func writeArrayHeader(w io.Writer, elemType uint32, n int) error {
	if err := binary.Write(w, binary.LittleEndian, elemType); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint64(n))
}

func writeNumericArray[T any](w io.Writer, elemType uint32, xs []T) error {
	if err := writeArrayHeader(w, elemType, len(xs)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, xs)
}

// MetaInt reads an integer metadata value regardless of its stored width.
func MetaInt(kv map[string]any, key string) (int64, bool) {
	switch x := kv[key].(type) {
	case uint8:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case int16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	case int64:
		return x, true
	}
	return 0, false
}

// MetaString reads a string metadata value.
func MetaString(kv map[string]any, key string) (string, bool) {
	s, ok := kv[key].(string)
	return s, ok
}
