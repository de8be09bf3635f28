// Package gguf reads and writes the GGUF container used for checkpoints and
// pretrained weights. Only the tensor types the model stores are decoded:
// F32, F16, I8 (raw bytes) and the two ternary layouts I2_S and TQ2_0.
package gguf

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	magic   = "GGUF"
	Version = 3
)

var ErrInvalidMagic = errors.New("invalid gguf magic")

type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	return DecodeHeader(f)
}

func DecodeHeader(r io.Reader) (Header, error) {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return Header{}, errors.Wrap(err, "read magic")
	}
	if string(m[:]) != magic {
		return Header{}, ErrInvalidMagic
	}

	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return Header{}, errors.Wrap(err, "read version")
	}
	if err := binary.Read(r, binary.LittleEndian, &h.TensorCount); err != nil {
		return Header{}, errors.Wrap(err, "read tensor count")
	}
	if err := binary.Read(r, binary.LittleEndian, &h.KVCount); err != nil {
		return Header{}, errors.Wrap(err, "read kv count")
	}

	return h, nil
}

func encodeHeader(w io.Writer, h Header) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, h)
}
