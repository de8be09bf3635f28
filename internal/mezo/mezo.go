// Package mezo implements memory-efficient zeroth-order optimization: the
// gradient is estimated from two forward passes at θ ± ε·z for a random
// direction z that is never stored, only regenerated from its seed.
package mezo

import (
	"context"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"bitllama-go/internal/tensor"
)

// ErrNonFiniteLoss is returned when either perturbed loss is NaN or Inf. The
// parameters are restored before returning.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// DefaultEps is the default perturbation scale.
const DefaultEps = 1e-3

// LossFunc evaluates the training loss at the current parameters.
type LossFunc func() (float32, error)

// Schedule maps a step to a learning rate.
type Schedule interface {
	At(step int) float32
}

// StepResult reports one optimizer step. Seed together with ProjectedGrad
// and LR is enough to replay the update.
type StepResult struct {
	Seed          uint64
	LossPos       float32
	LossNeg       float32
	ProjectedGrad float32
	LR            float32
}

// Loss is the mean of the two perturbed losses.
func (r StepResult) Loss() float32 { return (r.LossPos + r.LossNeg) / 2 }

// Optimizer is the MeZO step. It is not safe for concurrent use.
type Optimizer struct {
	Eps      float32
	Schedule Schedule
	// Sync is called after every parameter change, before the next loss
	// evaluation; models use it to refresh their packed weight copies.
	Sync func() error

	seeds *rand.Rand
}

// New returns an optimizer whose step seeds are drawn from a PCG stream
// seeded with seed.
func New(eps float32, seed uint64, schedule Schedule) *Optimizer {
	if eps <= 0 {
		eps = DefaultEps
	}
	return &Optimizer{Eps: eps, Schedule: schedule, seeds: rand.New(rand.NewPCG(seed, 0x6d657a6f))}
}

func (o *Optimizer) sync() error {
	if o.Sync == nil {
		return nil
	}
	return o.Sync()
}

// Perturb adds scale·z(seed) to vars. z is standard normal, generated per
// variable from a PCG stream keyed by (seed, index), so the same seed always
// reproduces the same direction regardless of scheduling.
func Perturb(vars []*tensor.Tensor, seed uint64, scale float32) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, v := range vars {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(seed, uint64(i)))
			for j := range v.Data {
				v.Data[j] += scale * float32(r.NormFloat64())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Replay re-applies the update of a recorded step.
func Replay(vars []*tensor.Tensor, res StepResult) {
	Perturb(vars, res.Seed, -res.LR*res.ProjectedGrad)
}

func finite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

// Step performs one update of vars at training step `step`.
func (o *Optimizer) Step(ctx context.Context, vars []*tensor.Tensor, loss LossFunc, step int) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	res := StepResult{Seed: o.seeds.Uint64()}
	eps := o.Eps

	// offset tracks how far θ currently is from its starting point, in units
	// of z, so every exit path can restore it.
	var offset float32
	move := func(by float32) error {
		Perturb(vars, res.Seed, by)
		offset += by
		return o.sync()
	}
	restore := func(err error) (StepResult, error) {
		if offset != 0 {
			Perturb(vars, res.Seed, -offset)
			if serr := o.sync(); serr != nil {
				klog.Errorf("mezo: resync after failed step: %v", serr)
			}
		}
		return res, err
	}

	var err error
	if err = move(eps); err != nil {
		return restore(err)
	}
	if res.LossPos, err = loss(); err != nil {
		return restore(errors.WithMessage(err, "loss at +eps"))
	}
	if err = move(-2 * eps); err != nil {
		return restore(err)
	}
	if res.LossNeg, err = loss(); err != nil {
		return restore(errors.WithMessage(err, "loss at -eps"))
	}
	Perturb(vars, res.Seed, eps)
	offset = 0
	if !finite(res.LossPos) || !finite(res.LossNeg) {
		if err := o.sync(); err != nil {
			return res, err
		}
		return res, errors.Wrapf(ErrNonFiniteLoss, "step %d: loss+ %v, loss- %v", step, res.LossPos, res.LossNeg)
	}

	res.ProjectedGrad = (res.LossPos - res.LossNeg) / (2 * eps)
	res.LR = o.Schedule.At(step)
	Perturb(vars, res.Seed, -res.LR*res.ProjectedGrad)
	if err := o.sync(); err != nil {
		return res, err
	}
	klog.V(2).Infof("mezo step %d: seed=%#x loss+=%.5f loss-=%.5f g=%.4g lr=%.3g",
		step, res.Seed, res.LossPos, res.LossNeg, res.ProjectedGrad, res.LR)
	return res, nil
}
