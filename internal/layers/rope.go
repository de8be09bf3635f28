package layers

import "math"

// Rope applies rotary position embeddings in the split-half layout: the
// first and second halves of each head vector form the rotated pairs.
type Rope struct {
	HeadDim int
	Theta   float64
	invFreq []float64
	cos     []float32
	sin     []float32
	maxPos  int
}

func NewRope(headDim, maxPos int, theta float64) *Rope {
	half := headDim / 2
	r := &Rope{HeadDim: headDim, Theta: theta, maxPos: maxPos, invFreq: make([]float64, half)}
	for i := 0; i < half; i++ {
		r.invFreq[i] = 1 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	r.cos = make([]float32, maxPos*half)
	r.sin = make([]float32, maxPos*half)
	for p := 0; p < maxPos; p++ {
		for i := 0; i < half; i++ {
			// f32 position times f32 frequency, as the cache is built in f32.
			f := float64(float32(p) * float32(r.invFreq[i]))
			r.cos[p*half+i] = float32(math.Cos(f))
			r.sin[p*half+i] = float32(math.Sin(f))
		}
	}
	return r
}

// Apply rotates one head vector in place for position pos.
func (r *Rope) Apply(v []float32, pos int) {
	half := r.HeadDim / 2
	var cos, sin []float32
	if pos < r.maxPos {
		cos = r.cos[pos*half : (pos+1)*half]
		sin = r.sin[pos*half : (pos+1)*half]
	} else {
		cos = make([]float32, half)
		sin = make([]float32, half)
		for i := range cos {
			f := float64(float32(pos) * float32(r.invFreq[i]))
			cos[i] = float32(math.Cos(f))
			sin[i] = float32(math.Sin(f))
		}
	}
	for i := 0; i < half; i++ {
		x1, x2 := v[i], v[i+half]
		v[i] = x1*cos[i] - x2*sin[i]
		v[i+half] = x1*sin[i] + x2*cos[i]
	}
}
