package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitllama-go/internal/device"
	"bitllama-go/internal/kernels"
	"bitllama-go/internal/kvcache"
	"bitllama-go/internal/tensor"
	"bitllama-go/internal/weights"
)

func tinyConfig(attention ...int) Config {
	zero := 0
	return Config{
		VocabSize:       32,
		HiddenDim:       16,
		NumLayers:       2,
		NHeads:          2,
		IntermediateDim: 24,
		AttentionLayers: attention,
		NGPULayers:      &zero,
	}
}

func newTiny(t *testing.T, cfg Config, seed uint64) *Model {
	t.Helper()
	m, err := New(cfg, seed)
	require.NoError(t, err)
	t.Cleanup(m.Free)
	return m
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig([]byte(`{"vocab_size": 100, "hidden_dim": 128, "n_layers": 3, "inner_lr": 0.05}`))
	require.NoError(t, err)
	assert.Equal(t, 3, c.NumLayers)
	assert.Equal(t, 0.05, c.InnerLR)
	assert.Equal(t, 2, c.NHeads)
	assert.Equal(t, 2, c.NKVHeads)
	assert.Equal(t, 512, c.IntermediateDim)
	assert.Equal(t, 32, c.DSmall())
	assert.Equal(t, 64, c.HeadDim())
	assert.Equal(t, -1, c.AccelLayers())

	c, err = ParseConfig([]byte(`{"vocab_size": 100, "hidden_dim": 64, "num_layers": 2, "n_layers": 9, "n_gpu_layers": 1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, c.NumLayers, "num_layers wins over the alias")
	assert.Equal(t, 1, c.AccelLayers())
	assert.Equal(t, 0.1, c.InnerLR)

	for _, bad := range []string{
		`{"vocab_size": 0, "hidden_dim": 64, "num_layers": 1}`,
		`{"vocab_size": 10, "hidden_dim": 66, "num_layers": 1}`,
		`{"vocab_size": 10, "hidden_dim": 64, "num_layers": 0}`,
		`{"vocab_size": 10, "hidden_dim": 64, "num_layers": 2, "n_heads": 3}`,
		`{"vocab_size": 10, "hidden_dim": 64, "num_layers": 2, "attention_layers": [2]}`,
	} {
		_, err := ParseConfig([]byte(bad))
		assert.ErrorIs(t, err, ErrConfig, bad)
	}
}

func TestForwardOneDeterministic(t *testing.T) {
	cfg := tinyConfig(1)
	a := newTiny(t, cfg, 7)
	b := newTiny(t, cfg, 7)
	require.True(t, a.Blocks[1].IsAttention())
	require.False(t, a.Blocks[0].IsAttention())

	sa, ca := a.NewStates(), a.NewCaches(8)
	sb, cb := b.NewStates(), b.NewCaches(8)
	assert.Nil(t, sa[1])
	assert.Nil(t, ca[0])
	for pos, tok := range []int32{1, 5, 9, 1} {
		la, err := a.ForwardOne(tok, sa, ca, pos)
		require.NoError(t, err)
		lb, err := b.ForwardOne(tok, sb, cb, pos)
		require.NoError(t, err)
		require.Len(t, la, cfg.VocabSize)
		assert.Equal(t, la, lb)
	}
	assert.Equal(t, 4, ca[1].Len())
	assert.NotEqual(t, make([]float32, 16), sa[0].Data, "fast weights updated")

	_, err := a.ForwardOne(99, sa, ca, 4)
	require.Error(t, err)
	_, err = a.ForwardOne(1, sa[:1], ca, 4)
	require.ErrorIs(t, err, kernels.ErrDimensionMismatch)
}

func TestChunkwiseChunkOneMatchesSequential(t *testing.T) {
	m := newTiny(t, tinyConfig(), 11)
	tokens := []int32{3, 1, 4, 1, 5, 9, 2, 6}

	states := m.NewStates()
	var want []float32
	for pos, tok := range tokens {
		logits, err := m.ForwardOne(tok, states, nil, pos)
		require.NoError(t, err)
		want = append(want, logits...)
	}

	batchStates := [][]*tensor.Tensor{nil, nil}
	got, err := m.ForwardChunkwise([][]int32{tokens, tokens}, batchStates, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for b := range got {
		assert.InDeltaSlice(t, want, got[b], 1e-5)
		for i := range states {
			assert.InDeltaSlice(t, states[i].Data, batchStates[b][i].Data, 1e-6)
		}
	}

	coarse, err := m.ForwardChunkwise([][]int32{tokens}, nil, 4)
	require.NoError(t, err)
	assert.Len(t, coarse[0], len(want))

	_, err = m.ForwardChunkwise([][]int32{tokens, tokens[:3]}, nil, 4)
	require.ErrorIs(t, err, kernels.ErrDimensionMismatch)
}

func TestVariablesOrder(t *testing.T) {
	m := newTiny(t, tinyConfig(1), 1)
	named := m.NamedVariables()
	var names []string
	for _, n := range named {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{
		"embed.weight",
		"layers.0.norm1.weight", "layers.0.ttt.down.weight", "layers.0.ttt.up.weight",
		"layers.0.norm2.weight", "layers.0.mlp.gate_proj.weight", "layers.0.mlp.up_proj.weight", "layers.0.mlp.down_proj.weight",
		"layers.1.norm1.weight",
		"layers.1.self_attn.q_proj.weight", "layers.1.self_attn.k_proj.weight",
		"layers.1.self_attn.v_proj.weight", "layers.1.self_attn.o_proj.weight",
		"layers.1.norm2.weight", "layers.1.mlp.gate_proj.weight", "layers.1.mlp.up_proj.weight", "layers.1.mlp.down_proj.weight",
		"norm_f.weight", "lm_head.weight",
	}, names)

	vars := m.Variables()
	require.Len(t, vars, len(named))
	assert.Same(t, m.Embed.Weight, vars[0])
	assert.Same(t, m.Head.Weight, vars[len(vars)-1])
	assert.Equal(t, []int{4, 16}, m.Blocks[0].TTT.Down.Weight.Shape)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := tinyConfig(1)
	m := newTiny(t, cfg, 3)
	store := weights.NewMap()
	require.NoError(t, m.Save(store))

	loaded, err := Load(store, Config{}, Options{})
	require.NoError(t, err)
	defer loaded.Free()
	assert.Equal(t, m.Config.AttentionLayers, loaded.Config.AttentionLayers)

	s1, c1 := m.NewStates(), m.NewCaches(0)
	s2, c2 := loaded.NewStates(), loaded.NewCaches(0)
	for pos, tok := range []int32{2, 4, 6} {
		l1, err := m.ForwardOne(tok, s1, c1, pos)
		require.NoError(t, err)
		l2, err := loaded.ForwardOne(tok, s2, c2, pos)
		require.NoError(t, err)
		assert.Equal(t, l1, l2)
	}
}

func TestLoadMissingTensor(t *testing.T) {
	_, err := Load(weights.NewMap(), tinyConfig(), Options{})
	require.ErrorIs(t, err, weights.ErrNotFound)
	_, err = Load(weights.NewMap(), Config{}, Options{})
	require.ErrorIs(t, err, ErrConfig)
}

func TestLoadHFLayoutAndMultiBase(t *testing.T) {
	cfg := tinyConfig(0)
	cfg.NumLayers = 1
	m := newTiny(t, cfg, 5)

	// Re-export under HF names.
	store := weights.NewMap()
	for _, v := range m.NamedVariables() {
		name := v.Name
		name = strings.Replace(name, "embed.weight", "model.embed_tokens.weight", 1)
		name = strings.Replace(name, "norm_f.weight", "model.norm.weight", 1)
		name = strings.Replace(name, ".norm1.", ".input_layernorm.", 1)
		name = strings.Replace(name, ".norm2.", ".post_attention_layernorm.", 1)
		if strings.HasPrefix(name, "layers.") {
			name = "model." + name
		}
		require.NoError(t, store.PutFloat(name, v.Tensor))
	}
	require.True(t, store.Has("model.layers.0.self_attn.q_proj.weight"))

	// Replace gate_proj with a two-base packed weight: (24, 16) -> (24, 4, 2).
	gate := "model.layers.0.mlp.gate_proj"
	store2 := weights.NewMap()
	for _, name := range store.Names() {
		if name == gate+".weight" {
			continue
		}
		v, err := store.Float(name)
		require.NoError(t, err)
		require.NoError(t, store2.PutFloat(name, v))
	}
	codes := make([]byte, 24*4*2)
	for i := range codes {
		codes[i] = 0b01_10_00_01 // +1, 0, -1, +1
	}
	scales, _ := tensor.FromSlice([]float32{0.5, 0.25}, 2)
	require.NoError(t, store2.PutBytes(gate+".weight_packed", []int{24, 4, 2}, codes))
	require.NoError(t, store2.PutFloat(gate+".scales", scales))

	loaded, err := Load(store2, cfg, Options{})
	require.NoError(t, err)
	defer loaded.Free()
	w := loaded.Blocks[0].MLP.Gate.Weight
	assert.Equal(t, []float32{0.75, 0, -0.75, 0.75}, w.Data[:4])

	_, err = loaded.ForwardOne(3, loaded.NewStates(), loaded.NewCaches(4), 0)
	require.NoError(t, err)

	require.NoError(t, store2.PutBytes(gate+".weight_packed", []int{24, 3, 2}, codes[:24*3*2]))
	_, err = Load(store2, cfg, Options{})
	require.ErrorIs(t, err, kernels.ErrDimensionMismatch)
}

func TestAcceleratorPlacementMatchesCPU(t *testing.T) {
	cfg := tinyConfig(1)
	cpu := newTiny(t, cfg, 9)

	accel := device.Register(0, 64<<20)
	defer device.Unregister(0)
	one := 1
	cfg.NGPULayers = &one
	hybrid := newTiny(t, cfg, 9)
	assert.Equal(t, accel, hybrid.Blocks[0].Device)
	assert.Equal(t, device.Host, hybrid.Blocks[1].Device)
	assert.Equal(t, 1, hybrid.Plan.NumAccel())

	s1, c1 := cpu.NewStates(), cpu.NewCaches(4)
	s2, c2 := hybrid.NewStates(), hybrid.NewCaches(4)
	for pos, tok := range []int32{7, 8} {
		l1, err := cpu.ForwardOne(tok, s1, c1, pos)
		require.NoError(t, err)
		l2, err := hybrid.ForwardOne(tok, s2, c2, pos)
		require.NoError(t, err)
		assert.InDeltaSlice(t, l1, l2, 1e-4)
	}
	var resident uint64
	for _, l := range hybrid.Blocks[0].linears() {
		resident += l.Bytes()
	}
	free, total := device.MemInfo(accel)
	assert.Equal(t, resident, total-free, "activation copies are released after each forward")
}

func TestRepackAfterMutation(t *testing.T) {
	m := newTiny(t, tinyConfig(), 13)
	before, err := m.ForwardOne(1, m.NewStates(), nil, 0)
	require.NoError(t, err)
	for _, v := range m.Variables()[1:] {
		for i := range v.Data {
			v.Data[i] = -v.Data[i]
		}
	}
	stale, err := m.ForwardOne(1, m.NewStates(), nil, 0)
	require.NoError(t, err)
	require.NoError(t, m.Repack())
	after, err := m.ForwardOne(1, m.NewStates(), nil, 0)
	require.NoError(t, err)
	assert.NotEqual(t, stale, after)
	assert.NotEqual(t, before, after)
}

func TestFailedLoadReleasesAccelerator(t *testing.T) {
	accel := device.Register(0, 64<<20)
	defer device.Unregister(0)
	cfg := tinyConfig()
	two := 2
	cfg.NGPULayers = &two

	store := weights.NewMap()
	bad := tensor.Zeros(3, 3)
	require.NoError(t, store.PutFloat("layers.0.mlp.down_proj.weight", bad))
	_, err := Load(store, cfg, Options{InitMissing: true, Seed: 1})
	require.ErrorIs(t, err, kernels.ErrDimensionMismatch)

	free, total := device.MemInfo(accel)
	assert.Equal(t, total, free)
}

func TestFailedForwardReleasesActivations(t *testing.T) {
	accel := device.Register(0, 64<<20)
	defer device.Unregister(0)
	cfg := tinyConfig(0)
	one := 1
	cfg.NGPULayers = &one
	m := newTiny(t, cfg, 2)
	var resident uint64
	for _, l := range m.Blocks[0].linears() {
		resident += l.Bytes()
	}

	states, caches := m.NewStates(), m.NewCaches(1)
	_, err := m.ForwardOne(1, states, caches, 0)
	require.NoError(t, err)
	_, err = m.ForwardOne(2, states, caches, 1)
	require.ErrorIs(t, err, kvcache.ErrCacheFull)

	free, total := device.MemInfo(accel)
	assert.Equal(t, resident, total-free)
}
