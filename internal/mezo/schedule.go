package mezo

import "math"

// WarmupCosine ramps the learning rate linearly from 0 to LR over Warmup
// steps, then decays it along a half cosine to MinLR at step Total.
type WarmupCosine struct {
	LR     float64
	MinLR  float64
	Warmup int
	Total  int
}

// At returns the learning rate for step.
func (s WarmupCosine) At(step int) float32 {
	if step < s.Warmup {
		return float32(s.LR * float64(step) / float64(s.Warmup))
	}
	progress := 1.0
	if span := s.Total - s.Warmup; span > 0 {
		progress = math.Min(1, float64(step-s.Warmup)/float64(span))
	}
	decay := 0.5 * (1 + math.Cos(math.Pi*progress))
	return float32(s.MinLR + (s.LR-s.MinLR)*decay)
}

// Constant is a fixed learning rate.
type Constant float32

func (c Constant) At(int) float32 { return float32(c) }
