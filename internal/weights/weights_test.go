package weights

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitllama-go/internal/tensor"
)

func TestMapSource(t *testing.T) {
	m := NewMap()
	w, err := tensor.FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	require.NoError(t, m.PutFloat("b.weight", w))
	require.NoError(t, m.PutBytes("a.weight_packed", []int{2, 1, 1}, []byte{1, 2}))
	require.Error(t, m.PutBytes("bad", []int{3}, []byte{1}))
	require.NoError(t, m.SetMeta("k", "v"))

	assert.Equal(t, []string{"a.weight_packed", "b.weight"}, m.Names())
	assert.True(t, m.Has("b.weight"))
	assert.False(t, m.Has("c.weight"))

	got, err := m.Float("b.weight")
	require.NoError(t, err)
	got.Data[0] = 100
	again, _ := m.Float("b.weight")
	assert.Equal(t, float32(1), again.Data[0], "Float must return a copy")

	_, err = m.Float("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = m.Bytes("missing")
	require.ErrorIs(t, err, ErrNotFound)

	b, shape, err := m.Bytes("a.weight_packed")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)
	assert.Equal(t, []int{2, 1, 1}, shape)
	assert.Equal(t, "v", m.Meta()["k"])

	wide, err := m.Float("a.weight_packed")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1}, wide.Shape)
	assert.Equal(t, []float32{1, 2}, wide.Data)
}

func TestGGUFRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.gguf")
	w, err := tensor.FromSlice([]float32{0.5, -1, 2, 0, 3, -4}, 2, 3)
	require.NoError(t, err)

	for _, f16 := range []bool{false, true} {
		sink := NewGGUFWriter(f16)
		require.NoError(t, sink.PutFloat("layers.0.w.weight", w))
		require.NoError(t, sink.PutBytes("layers.0.p.weight_packed", []int{1, 1, 2}, []byte{0x41, 0x12}))
		require.NoError(t, sink.SetMeta("bitllama.step", uint64(3)))
		require.NoError(t, sink.Save(path))

		src, err := OpenGGUF(path)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"layers.0.w.weight", "layers.0.p.weight_packed"}, src.Names())
		got, err := src.Float("layers.0.w.weight")
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, got.Shape)
		assert.Equal(t, w.Data, got.Data, "values are exact in f16 too")

		b, shape, err := src.Bytes("layers.0.p.weight_packed")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x41, 0x12}, b)
		assert.Equal(t, []int{1, 1, 2}, shape)
		assert.Equal(t, uint64(3), src.Meta()["bitllama.step"])

		_, err = src.Float("nope")
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestGGUFInt8AsFloat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "i8.gguf")
	sink := NewGGUFWriter(false)
	require.NoError(t, sink.PutBytes("codes", []int{2, 2}, []byte{0x01, 0x7f, 0x80, 0xff}))
	require.NoError(t, sink.Save(path))

	src, err := OpenGGUF(path)
	require.NoError(t, err)
	got, err := src.Float("codes")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, got.Shape)
	assert.Equal(t, []float32{1, 127, -128, -1}, got.Data)
}
