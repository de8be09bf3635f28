package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitllama-go/internal/device"
)

func TestNewAndReshape(t *testing.T) {
	x, err := New(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, x.Len())
	rows, cols := x.Rows2()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)

	y, err := x.Reshape(3, 2)
	require.NoError(t, err)
	y.Data[0] = 7
	assert.Equal(t, float32(7), x.Data[0], "reshape must be a view")

	_, err = x.Reshape(4, 2)
	require.ErrorIs(t, err, ErrShape)
}

func TestAllocationLimit(t *testing.T) {
	defer SetMaxElementsForTest(100)()
	_, err := New(10, 11)
	require.ErrorIs(t, err, ErrAllocation)
	_, err = New(10, 10)
	require.NoError(t, err)
}

func TestFromValues(t *testing.T) {
	x, err := FromValues([]int32{1, -2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, x.Row(1))

	_, err = FromValues([]float64{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ErrShape)
}

func TestCopyToAccelerator(t *testing.T) {
	accel := device.Register(7, 64)
	defer device.Unregister(7)

	x, err := FromSlice([]float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)
	same, err := x.To(device.Host)
	require.NoError(t, err)
	assert.Same(t, x, same)

	onAccel, err := x.To(accel)
	require.NoError(t, err)
	assert.Equal(t, accel, onAccel.Device)
	assert.Equal(t, x.Data, onAccel.Data)
	onAccel.Data[0] = 9
	assert.Equal(t, float32(1), x.Data[0], "copies never alias")

	free, total := device.MemInfo(accel)
	assert.Equal(t, uint64(64), total)
	assert.Equal(t, uint64(48), free)

	big := Zeros(32)
	_, err = big.To(accel)
	require.ErrorIs(t, err, device.ErrOutOfMemory)

	onAccel.Free()
	free, _ = device.MemInfo(accel)
	assert.Equal(t, uint64(64), free)
}
