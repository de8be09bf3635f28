package packed

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitllama-go/internal/device"
)

func TestPackExample(t *testing.T) {
	w := []float32{1, -1, 0, 0, 1, -1, 0, 0}
	p := Pack(w, 2, 4)
	assert.InDelta(t, 0.5, p.Scale, 1e-5)
	require.Len(t, p.Codes, 2)
	// LSB first: +1, -1, 0, 0 -> 01 | 10<<2
	assert.Equal(t, byte(0b1001), p.Codes[0])
	assert.Equal(t, byte(0b1001), p.Codes[1])

	got, err := Unpack(p, device.Host)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, got.Shape)
	for i, v := range got.Data {
		assert.Equal(t, w[i], v/p.Scale, "element %d", i)
	}
}

func TestRoundTripTernaryExact(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	const out, in = 7, 13
	w := make([]float32, out*in)
	for i := range w {
		w[i] = float32(r.IntN(3) - 1)
	}
	p := Pack(w, out, in)
	dst := make([]float32, out*in)
	p.UnpackInto(dst)
	for i := range w {
		require.Equal(t, w[i], dst[i]/p.Scale, "element %d", i)
	}
}

func TestPackPadding(t *testing.T) {
	w := []float32{2, -2, 2, 0, -2}
	p := Pack(w, 1, 5)
	require.Len(t, p.Codes, 2)
	assert.Equal(t, byte(CodeNeg), p.Codes[1], "pad codes must be zero")

	dst := make([]float32, 5)
	p.UnpackInto(dst)
	assert.Equal(t, []float32{1, -1, 1, 0, -1}, []float32{
		dst[0] / p.Scale, dst[1] / p.Scale, dst[2] / p.Scale, dst[3] / p.Scale, dst[4] / p.Scale,
	})
}

func TestScaleZeroMatrix(t *testing.T) {
	p := Pack(make([]float32, 8), 2, 4)
	assert.Equal(t, float32(ScaleEpsilon), p.Scale)
	assert.Equal(t, []byte{0, 0}, p.Codes)
}

func TestQuantizeClamp(t *testing.T) {
	assert.Equal(t, byte(CodePos), Quantize(100, 1))
	assert.Equal(t, byte(CodeNeg), Quantize(-100, 1))
	assert.Equal(t, byte(CodeZero), Quantize(0.49, 1))
	assert.Equal(t, byte(CodePos), Quantize(0.5, 1))
}

func TestNewValidatesLength(t *testing.T) {
	_, err := New(make([]byte, 2), 3, 3, 1)
	require.ErrorIs(t, err, ErrLayout)
	w, err := New(make([]byte, 3), 3, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w.Bytes())
}

func TestDecodeLUT(t *testing.T) {
	lut := DecodeLUT()
	assert.Equal(t, [4]float32{1, -1, 0, 0}, lut[0b1001])
	assert.Equal(t, [4]float32{0, 0, 0, 0}, lut[0xFF])
	assert.Equal(t, [4]float32{-1, -1, -1, -1}, lut[0xAA])
}

func TestTranspose(t *testing.T) {
	w := []float32{
		1, 0, -1,
		-1, 1, 0,
	}
	p := Pack(w, 2, 3)
	tp := p.Transpose()
	assert.Equal(t, 3, tp.Out)
	assert.Equal(t, 2, tp.In)
	for o := 0; o < 2; o++ {
		for k := 0; k < 3; k++ {
			assert.Equal(t, p.Code(o, k), tp.Code(k, o))
		}
	}
}

func TestMultiBase(t *testing.T) {
	// out=1, in=4, two bases: [+1,-1,0,+1]*0.5 + [+1,+1,-1,0]*0.25
	m := &MultiBase{
		Packed: []byte{0b01_00_10_01, 0b00_10_01_01},
		Scales: []float32{0.5, 0.25},
		Out:    1,
		In:     4,
	}
	dense, err := m.Dense()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.75, -0.25, -0.25, 0.5}, dense, 1e-6)

	w, dense2, err := FromMultiBase(m)
	require.NoError(t, err)
	assert.Equal(t, dense, dense2)
	assert.Equal(t, 1, w.Out)

	m.Scales = nil
	_, err = m.Dense()
	require.ErrorIs(t, err, ErrLayout)
}

func TestTernaryFractions(t *testing.T) {
	p := Pack([]float32{1, -1, 0, 0}, 1, 4)
	neg, zero, pos := p.Ternary()
	assert.Equal(t, 0.25, neg)
	assert.Equal(t, 0.5, zero)
	assert.Equal(t, 0.25, pos)
}
