package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoOffload(t *testing.T) {
	assert.Equal(t, 0, AutoOffload(1<<30, 256, 8), "below safety margin")
	per := LayerBytes(256)
	free := uint64(float64(offloadSafetyBytes+3*per) / 0.9)
	assert.Equal(t, 3, AutoOffload(free+per/2, 256, 8))
	assert.Equal(t, 8, AutoOffload(64<<30, 256, 8), "capped by layer count")
}

func TestNewPlanWithoutAccelerator(t *testing.T) {
	Unregister(0)
	p := NewPlan(4, 64, 2, false)
	require.Len(t, p.Layers, 4)
	assert.Equal(t, 0, p.NumAccel())
	assert.Equal(t, Host, p.IO)
}

func TestNewPlanSplit(t *testing.T) {
	accel := Register(0, 1<<20)
	defer Unregister(0)

	p := NewPlan(4, 64, 2, true)
	assert.Equal(t, []Device{accel, accel, Host, Host}, p.Layers)
	assert.Equal(t, accel, p.IO)
	assert.Equal(t, Host, p.LMHead)

	p = NewPlan(4, 64, 9, false)
	assert.Equal(t, 4, p.NumAccel())
	assert.Equal(t, accel, p.LMHead)
}

func TestReserveRelease(t *testing.T) {
	d := Register(3, 100)
	defer Unregister(3)
	require.NoError(t, Reserve(d, 60))
	require.ErrorIs(t, Reserve(d, 60), ErrOutOfMemory)
	Release(d, 60)
	require.NoError(t, Reserve(d, 100))
	require.NoError(t, Reserve(Host, 1<<40))
	require.ErrorIs(t, Reserve(Device{Kind: Accel, Ordinal: 42}, 1), ErrNoAccelerator)
}
