package mezo

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitllama-go/internal/tensor"
)

func params() []*tensor.Tensor {
	a, _ := tensor.FromSlice([]float32{1, -2, 3, 0.5}, 2, 2)
	b, _ := tensor.FromSlice([]float32{0.25, 4, -1}, 3)
	return []*tensor.Tensor{a, b}
}

func snapshot(vars []*tensor.Tensor) [][]float32 {
	out := make([][]float32, len(vars))
	for i, v := range vars {
		out[i] = append([]float32(nil), v.Data...)
	}
	return out
}

func sqLoss(vars []*tensor.Tensor) LossFunc {
	return func() (float32, error) {
		var s float32
		for _, v := range vars {
			for _, x := range v.Data {
				s += x * x
			}
		}
		return s, nil
	}
}

func TestZeroLearningRateKeepsWeights(t *testing.T) {
	vars := params()
	before := snapshot(vars)
	opt := New(1e-3, 1, Constant(0))
	for step := 0; step < 5; step++ {
		res, err := opt.Step(context.Background(), vars, sqLoss(vars), step)
		require.NoError(t, err)
		assert.NotZero(t, res.ProjectedGrad)
		assert.Zero(t, res.LR)
	}
	for i := range vars {
		assert.InDeltaSlice(t, before[i], vars[i].Data, 1e-5)
	}
}

func TestStepDescends(t *testing.T) {
	vars := params()
	loss := sqLoss(vars)
	start, _ := loss()
	opt := New(1e-3, 42, Constant(0.05))
	for step := 0; step < 300; step++ {
		_, err := opt.Step(context.Background(), vars, loss, step)
		require.NoError(t, err)
	}
	end, _ := loss()
	assert.Less(t, end, start/4)
}

func TestPerturbIsReproducible(t *testing.T) {
	a, b := params(), params()
	Perturb(a, 99, 0.5)
	Perturb(b, 99, 0.5)
	assert.Equal(t, snapshot(a), snapshot(b))

	Perturb(a, 99, -0.5)
	orig := params()
	for i := range a {
		assert.InDeltaSlice(t, orig[i].Data, a[i].Data, 1e-6)
	}

	c := params()
	Perturb(c, 100, 0.5)
	assert.NotEqual(t, snapshot(b), snapshot(c))
}

func TestReplayMatchesStep(t *testing.T) {
	trained := params()
	opt := New(1e-3, 7, Constant(0.01))
	res, err := opt.Step(context.Background(), trained, sqLoss(trained), 0)
	require.NoError(t, err)
	assert.InDelta(t, (res.LossPos+res.LossNeg)/2, res.Loss(), 1e-6)

	replayed := params()
	Replay(replayed, res)
	for i := range trained {
		assert.InDeltaSlice(t, trained[i].Data, replayed[i].Data, 1e-5)
	}
}

func TestSyncCalledAfterEveryChange(t *testing.T) {
	vars := params()
	opt := New(1e-3, 3, Constant(0.1))
	calls := 0
	opt.Sync = func() error { calls++; return nil }
	_, err := opt.Step(context.Background(), vars, sqLoss(vars), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestNonFiniteLossRestores(t *testing.T) {
	vars := params()
	before := snapshot(vars)
	opt := New(1e-3, 5, Constant(0.1))
	n := 0
	_, err := opt.Step(context.Background(), vars, func() (float32, error) {
		n++
		if n == 2 {
			return float32(math.NaN()), nil
		}
		return 1, nil
	}, 0)
	require.ErrorIs(t, err, ErrNonFiniteLoss)
	for i := range vars {
		assert.InDeltaSlice(t, before[i], vars[i].Data, 1e-5)
	}
}

func TestLossErrorRestores(t *testing.T) {
	vars := params()
	before := snapshot(vars)
	boom := errors.New("boom")
	for _, failAt := range []int{1, 2} {
		n := 0
		opt := New(1e-3, 5, Constant(0.1))
		_, err := opt.Step(context.Background(), vars, func() (float32, error) {
			n++
			if n == failAt {
				return 0, boom
			}
			return 1, nil
		}, 0)
		require.ErrorIs(t, err, boom)
		for i := range vars {
			assert.InDeltaSlice(t, before[i], vars[i].Data, 1e-5)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(1e-3, 5, Constant(0.1)).Step(ctx, vars, sqLoss(vars), 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWarmupCosine(t *testing.T) {
	s := WarmupCosine{LR: 3e-4, MinLR: 1e-5, Warmup: 100, Total: 1000}
	assert.Zero(t, s.At(0))
	assert.InDelta(t, 1.5e-4, s.At(50), 1e-9)
	assert.InDelta(t, 3e-4, s.At(100), 1e-9)
	assert.InDelta(t, 1e-5, s.At(1000), 1e-9)
	assert.InDelta(t, 1e-5, s.At(5000), 1e-9)
	prev := s.At(100)
	for step := 150; step <= 1000; step += 50 {
		cur := s.At(step)
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
	assert.InDelta(t, 1e-5, WarmupCosine{LR: 1, MinLR: 1e-5, Warmup: 10, Total: 10}.At(10), 1e-9)
}
