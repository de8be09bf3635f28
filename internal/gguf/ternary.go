package gguf

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// I2_S: blocks of 128 values in 32 bytes followed by one f32 scale for the
// whole tensor. Byte j of a block holds values j, 32+j, 64+j and 96+j in bit
// pairs 6, 4, 2 and 0. Codes 0, 1, 2 decode to -1, 0, +1.
const (
	i2sBlock      = 128
	i2sBlockBytes = 32
)

// TQ2_0: blocks of 256 values, 64 code bytes then an f16 scale. Code q
// decodes to (q-1)*scale.
const (
	tq20Block = 256
	tq20Codes = tq20Block / 4
)

func i2sBytes(count uint64) uint64 {
	return (count + i2sBlock - 1) / i2sBlock * i2sBlockBytes
}

func readI2S(r io.Reader, name string, count uint64) ([]float32, error) {
	packed := make([]byte, i2sBytes(count))
	if _, err := io.ReadFull(r, packed); err != nil {
		return nil, errors.Wrapf(err, "read tensor %q i2_s packed", name)
	}
	var scale float32
	if err := binary.Read(r, binary.LittleEndian, &scale); err != nil {
		return nil, errors.Wrapf(err, "read tensor %q i2_s scale", name)
	}
	out := make([]float32, count)
	for i := uint64(0); i < count; i++ {
		blk, within := i/i2sBlock, i%i2sBlock
		group, col := within/32, within%32
		b := packed[blk*i2sBlockBytes+col]
		code := (b >> (6 - 2*group)) & 0x3
		if code <= 2 {
			out[i] = float32(int(code)-1) * scale
		}
	}
	return out, nil
}

// encodeI2S writes ternary values (each in {-1, 0, +1} after dividing by
// scale) in I2_S layout.
func encodeI2S(w io.Writer, values []float32, scale float32) error {
	packed := make([]byte, i2sBytes(uint64(len(values))))
	for i, v := range values {
		q := 0
		if scale != 0 {
			q = int(math.Round(float64(v / scale)))
		}
		q = max(-1, min(1, q))
		blk, within := i/i2sBlock, i%i2sBlock
		group, col := within/32, within%32
		packed[blk*i2sBlockBytes+col] |= byte(q+1) << (6 - 2*group)
	}
	if _, err := w.Write(packed); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, scale)
}

func readTQ20(r io.Reader, name string, count uint64) ([]float32, error) {
	if count%tq20Block != 0 {
		return nil, errors.Errorf("tensor %q tq2_0 element count=%d not divisible by %d", name, count, tq20Block)
	}
	out := make([]float32, count)
	buf := make([]byte, tq20Codes+2)
	idx := 0
	for b := uint64(0); b < count/tq20Block; b++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrapf(err, "read tensor %q tq2_0 block %d", name, b)
		}
		scale := float16.Frombits(binary.LittleEndian.Uint16(buf[tq20Codes:])).Float32()
		for j := 0; j < tq20Codes; j += 32 {
			for l := 0; l < 4; l++ {
				for m := 0; m < 32; m++ {
					q := (buf[j+m] >> uint(2*l)) & 0x3
					out[idx] = float32(int8(q)-1) * scale
					idx++
				}
			}
		}
	}
	return out, nil
}
