package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/internal/device"
	"bitllama-go/internal/kernels"
	"bitllama-go/internal/layers"
	"bitllama-go/internal/packed"
	"bitllama-go/internal/tensor"
	"bitllama-go/internal/weights"
)

type result struct {
	w        *packed.Weight
	want     []float32
	got      []float32
	resident []float32
	elapsed  time.Duration
	maxDiff  float64
	grad     layers.GradDiff
}

// check packs t and compares the packed kernel, the accelerator-resident
// kernel and a dense product over the dequantized matrix on a random input.
// It also differentiates the layer op against the straight-through reference.
func check(t *tensor.Tensor, m int, seed uint64) (*result, error) {
	w, err := packed.PackTensor(t)
	if err != nil {
		return nil, err
	}
	r := &result{w: w}
	rng := rand.New(rand.NewPCG(seed, 0))
	x := make([]float32, m*w.In)
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}

	dense := make([]float32, w.Out*w.In)
	w.UnpackInto(dense)
	r.want = make([]float32, m*w.Out)
	if err := kernels.DenseMatMulT(r.want, x, m, dense, w.Out, w.In); err != nil {
		return nil, err
	}

	start := time.Now()
	r.got = make([]float32, m*w.Out)
	if err := kernels.MatMulPacked(r.got, x, m, w); err != nil {
		return nil, err
	}
	r.elapsed = time.Since(start)
	r.maxDiff = float64(tensor.MaxAbsDiff(r.got, r.want))
	if r.grad, err = gradCheck(t, x, m, rng); err != nil {
		return nil, err
	}

	accel := device.Device{Kind: device.Accel}
	if !device.Available(0) {
		accel = device.Register(0, 2*w.Bytes())
		defer device.Unregister(0)
	}
	res, err := kernels.NewResident(w, accel)
	if err != nil {
		klog.Warningf("resident check skipped: %v", err)
		return r, nil
	}
	defer res.Free()
	r.resident = make([]float32, m*w.Out)
	if err := res.Forward(r.resident, x, m); err != nil {
		return nil, err
	}
	r.maxDiff = max(r.maxDiff, float64(tensor.MaxAbsDiff(r.resident, r.want)))
	return r, nil
}

func gradCheck(t *tensor.Tensor, x []float32, m int, rng *rand.Rand) (layers.GradDiff, error) {
	l, err := layers.NewBitLinear("packcheck", t.Clone(), device.Host)
	if err != nil {
		return layers.GradDiff{}, err
	}
	defer l.Free()
	xt, err := tensor.FromSlice(slices.Clone(x), m, l.In)
	if err != nil {
		return layers.GradDiff{}, err
	}
	c := tensor.Zeros(m, l.Out)
	for i := range c.Data {
		c.Data[i] = float32(rng.NormFloat64())
	}
	return layers.CompareSTE(l, xt, c)
}

// packable reports whether name is a projection the model packs.
func packable(name string, t *tensor.Tensor) bool {
	return t.Rank() == 2 && strings.HasSuffix(name, ".weight") &&
		(strings.Contains(name, ".ttt.") || strings.Contains(name, "_proj") || strings.Contains(name, ".mlp."))
}

func main() {
	klog.InitFlags(nil)
	var (
		modelPath = flag.String("model", "", "Path to GGUF checkpoint")
		name      = flag.String("tensor", "", "Rank-2 float tensor to check (default: every packed projection)")
		rowStart  = flag.Int("row", 0, "First row to report for --tensor")
		rows      = flag.Int("rows", 4, "Number of rows to report for --tensor")
		batch     = flag.Int("m", 1, "Input rows")
		seed      = flag.Uint64("seed", 1, "Random seed for the input")
		tol       = flag.Float64("tol", 1e-4, "Maximum allowed absolute difference")
		gradTol   = flag.Float64("grad-tol", 1e-3, "Maximum allowed gradient difference against the straight-through reference")
	)
	flag.Parse()

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "usage: packcheck --model <path> [--tensor <name>] [--row N] [--rows N] [--m N] [--seed N]")
		flag.Usage()
		os.Exit(2)
	}
	*batch = max(*batch, 1)
	src := must.M1(weights.OpenGGUF(*modelPath))

	if *name != "" {
		t := must.M1(src.Float(*name))
		r := must.M1(check(t, *batch, *seed))
		fmt.Printf("tensor=%s shape=%dx%d scale=%g packed=%s m=%d seed=%d packed_time=%s\n",
			*name, r.w.Out, r.w.In, r.w.Scale, humanize.IBytes(r.w.Bytes()), *batch, *seed, r.elapsed)
		if *rowStart < 0 || *rowStart >= r.w.Out {
			klog.Exitf("row out of range: %d (rows=%d)", *rowStart, r.w.Out)
		}
		for row := *rowStart; row < min(*rowStart+max(*rows, 1), r.w.Out); row++ {
			line := fmt.Sprintf("  row=%d dense=%g packed=%g", row, r.want[row], r.got[row])
			if r.resident != nil {
				line += fmt.Sprintf(" resident=%g", r.resident[row])
			}
			fmt.Println(line)
		}
		fmt.Printf("max_abs_diff=%g grad_out=%g grad_x=%g grad_w=%g\n", r.maxDiff, r.grad.Out, r.grad.GradX, r.grad.GradW)
		if r.maxDiff > *tol {
			klog.Exitf("packed kernel differs from dense by %g (tol %g)", r.maxDiff, *tol)
		}
		if g := float64(r.grad.Max()); g > *gradTol {
			klog.Exitf("layer gradients differ from the straight-through reference by %g (tol %g)", g, *gradTol)
		}
		return
	}

	var failed, checked int
	var total uint64
	for _, n := range src.Names() {
		t, err := src.Float(n)
		if errors.Is(err, weights.ErrNotFound) || (err == nil && !packable(n, t)) {
			continue
		}
		if err != nil {
			klog.Warningf("%s: %v", n, err)
			continue
		}
		r := must.M1(check(t, *batch, *seed))
		checked++
		total += r.w.Bytes()
		status := "ok"
		if r.maxDiff > *tol || float64(r.grad.Max()) > *gradTol {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-4s %s %dx%d max_abs_diff=%g grad_diff=%g\n", status, n, r.w.Out, r.w.In, r.maxDiff, r.grad.Max())
	}
	fmt.Printf("checked=%d failed=%d packed=%s\n", checked, failed, humanize.IBytes(total))
	if failed > 0 {
		os.Exit(1)
	}
}
