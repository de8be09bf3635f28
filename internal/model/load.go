package model

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"bitllama-go/internal/device"
	"bitllama-go/internal/kernels"
	"bitllama-go/internal/layers"
	"bitllama-go/internal/packed"
	"bitllama-go/internal/tensor"
	"bitllama-go/internal/weights"
)

// Options control Load.
type Options struct {
	// InitMissing initializes absent tensors instead of failing, for training
	// from scratch.
	InitMissing bool
	// Seed makes initialization reproducible. Each tensor draws from its own
	// stream keyed by its name, so parallel loading stays deterministic.
	Seed uint64
}

type loader struct {
	src    weights.Source
	layout Layout
	opts   Options
}

func initStream(seed uint64, name string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return rand.New(rand.NewPCG(seed, h.Sum64()))
}

func (l *loader) initNormal(name string, std float64, shape ...int) (*tensor.Tensor, error) {
	t, err := tensor.New(shape...)
	if err != nil {
		return nil, err
	}
	r := initStream(l.opts.Seed, name)
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64() * std)
	}
	klog.V(2).Infof("init %s %v std=%.4g", name, shape, std)
	return t, nil
}

func checkShape(name string, t *tensor.Tensor, shape ...int) error {
	if !tensor.SameShape(t, &tensor.Tensor{Shape: shape}) {
		return errors.Wrapf(kernels.ErrDimensionMismatch, "%s: shape %v, want %v", name, t.Shape, shape)
	}
	return nil
}

// float loads name+".weight", falling back to a normal init with std.
func (l *loader) float(base string, std float64, shape ...int) (*tensor.Tensor, error) {
	name := base + ".weight"
	if l.src.Has(name) {
		t, err := l.src.Float(name)
		if err != nil {
			return nil, err
		}
		return t, checkShape(name, t, shape...)
	}
	if !l.opts.InitMissing {
		return nil, errors.Wrap(weights.ErrNotFound, name)
	}
	return l.initNormal(name, std, shape...)
}

func (l *loader) norm(base string, dim int) (*tensor.Tensor, error) {
	name := base + ".weight"
	if !l.src.Has(name) && l.opts.InitMissing {
		t := tensor.Zeros(dim)
		t.Fill(1)
		return t, nil
	}
	return l.float(base, 0, dim)
}

// projection loads an (out, in) ternary projection from either a float
// weight or the multi-base weight_packed + scales pair.
func (l *loader) projection(base string, out, in int, dev device.Device) (*layers.BitLinear, error) {
	var w *tensor.Tensor
	if name := base + ".weight_packed"; !l.src.Has(base+".weight") && l.src.Has(name) {
		codes, shape, err := l.src.Bytes(name)
		if err != nil {
			return nil, err
		}
		scales, err := l.src.Float(base + ".scales")
		if err != nil {
			return nil, errors.WithMessage(err, base)
		}
		if len(shape) != 3 || shape[0] != out || shape[1] != packed.PackedLen(in) || shape[2] != scales.Len() {
			return nil, errors.Wrapf(kernels.ErrDimensionMismatch, "%s: packed shape %v for (%d, %d) with %d bases",
				name, shape, out, in, scales.Len())
		}
		mb := &packed.MultiBase{Packed: codes, Scales: scales.Data, Out: out, In: in}
		dense, err := mb.Dense()
		if err != nil {
			return nil, errors.WithMessage(err, base)
		}
		if w, err = tensor.FromSlice(dense, out, in); err != nil {
			return nil, err
		}
		klog.V(2).Infof("%s: reconstructed %d-base weight", base, mb.Bases())
	} else {
		var err error
		if w, err = l.float(base, math.Sqrt(2/float64(in)), out, in); err != nil {
			return nil, err
		}
	}
	return layers.NewBitLinear(base, w, dev)
}

// block builds layer i. On failure every projection it already placed is
// freed, so no accelerator memory stays reserved.
func (l *loader) block(cfg *Config, i int, dev device.Device) (_ *Block, err error) {
	h, eps := cfg.HiddenDim, float32(cfg.RMSNormEps)
	lay := l.layout
	b := &Block{Index: i, Device: dev}
	var built []*layers.BitLinear
	defer func() {
		if err != nil {
			for _, bl := range built {
				bl.Free()
			}
		}
	}()

	n1, err := l.norm(lay.norm1(i), h)
	if err != nil {
		return nil, err
	}
	n2, err := l.norm(lay.norm2(i), h)
	if err != nil {
		return nil, err
	}
	b.Norm1 = layers.NewRMSNorm(n1, eps)
	b.Norm2 = layers.NewRMSNorm(n2, eps)

	proj := func(base string, out, in int) *layers.BitLinear {
		if err != nil {
			return nil
		}
		var bl *layers.BitLinear
		if bl, err = l.projection(base, out, in, dev); err == nil {
			built = append(built, bl)
		}
		return bl
	}
	if cfg.IsAttention(i) {
		kv := cfg.NKVHeads * cfg.HeadDim()
		q := proj(lay.attn(i, "q"), h, h)
		k := proj(lay.attn(i, "k"), kv, h)
		v := proj(lay.attn(i, "v"), kv, h)
		o := proj(lay.attn(i, "o"), h, h)
		if err != nil {
			return nil, err
		}
		if b.Attn, err = layers.NewAttention(q, k, v, o, cfg.NHeads, cfg.NKVHeads, cfg.MaxPositionEmbeddings, cfg.RopeTheta); err != nil {
			return nil, err
		}
	} else {
		down := proj(lay.ttt(i, "down"), cfg.DSmall(), h)
		up := proj(lay.ttt(i, "up"), h, cfg.DSmall())
		if err != nil {
			return nil, err
		}
		if b.TTT, err = layers.NewTTT(down, up, float32(cfg.InnerLR)); err != nil {
			return nil, err
		}
	}
	b.MLP = &layers.SwiGLU{
		Gate: proj(lay.mlp(i, "gate"), cfg.IntermediateDim, h),
		Up:   proj(lay.mlp(i, "up"), cfg.IntermediateDim, h),
		Down: proj(lay.mlp(i, "down"), h, cfg.IntermediateDim),
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Load builds the model from src. When cfg is the zero value the config is
// read from the source's metadata. Device placement is decided here, once:
// the first n_gpu_layers blocks go to the accelerator (or as many as fit in
// its free memory when unset) and the rest stay on the host.
func Load(src weights.Source, cfg Config, opts Options) (*Model, error) {
	if cfg.VocabSize == 0 {
		meta, ok, err := ConfigFromMeta(src.Meta())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrap(ErrConfig, "no config given and none stored in weights")
		}
		cfg = meta
	} else if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	l := &loader{src: src, layout: detectLayout(src.Has), opts: opts}
	plan := device.NewPlan(cfg.NumLayers, cfg.HiddenDim, cfg.AccelLayers(), cfg.LMHeadCPU)
	m := &Model{Config: cfg, Plan: plan, Blocks: make([]*Block, cfg.NumLayers)}

	embed, err := l.float(l.layout.embed(), 0.02, cfg.VocabSize, cfg.HiddenDim)
	if err != nil {
		return nil, err
	}
	m.Embed = &layers.Embedding{Weight: embed}
	norm, err := l.norm(l.layout.finalNorm(), cfg.HiddenDim)
	if err != nil {
		return nil, err
	}
	m.Norm = layers.NewRMSNorm(norm, float32(cfg.RMSNormEps))
	head, err := l.float(l.layout.lmHead(), 0.02, cfg.VocabSize, cfg.HiddenDim)
	if err != nil {
		return nil, err
	}
	m.Head = &layers.Head{Weight: head}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range m.Blocks {
		g.Go(func() error {
			b, err := l.block(&cfg, i, plan.Layers[i])
			if err != nil {
				return errors.WithMessagef(err, "layer %d", i)
			}
			m.Blocks[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, b := range m.Blocks {
			if b != nil {
				for _, bl := range b.linears() {
					bl.Free()
				}
			}
		}
		return nil, err
	}

	klog.Infof("model: %d layers (%d attention), hidden %d, vocab %d, %s layout, %d layers on accelerator, %s packed, %s params",
		cfg.NumLayers, len(cfg.AttentionLayers), cfg.HiddenDim, cfg.VocabSize, l.layout,
		plan.NumAccel(), humanize.IBytes(m.PackedBytes()), humanize.Comma(int64(m.NumParams())))
	return m, nil
}

// New initializes a fresh model from cfg.
func New(cfg Config, seed uint64) (*Model, error) {
	return Load(weights.NewMap(), cfg, Options{InitMissing: true, Seed: seed})
}
