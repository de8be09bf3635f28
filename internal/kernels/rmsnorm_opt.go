package kernels

import "math"

// sumSquares8 accumulates x² in eight independent float64 lanes.
func sumSquares8(x []float32) float64 {
	var acc [8]float64
	i := 0
	for ; i+8 <= len(x); i += 8 {
		v := x[i : i+8 : i+8]
		for j, f := range v {
			acc[j] += float64(f) * float64(f)
		}
	}
	s := (acc[0] + acc[4]) + (acc[1] + acc[5]) + (acc[2] + acc[6]) + (acc[3] + acc[7])
	for _, f := range x[i:] {
		s += float64(f) * float64(f)
	}
	return s
}

func rmsNormOpt(dst, x, weight []float32, eps float32) {
	n := min(len(dst), len(x), len(weight))
	if n == 0 {
		return
	}
	x, weight, dst = x[:n], weight[:n], dst[:n]
	inv := float32(1 / math.Sqrt(sumSquares8(x)/float64(n)+float64(eps)))
	i := 0
	for ; i+8 <= n; i += 8 {
		xs, ws, ds := x[i:i+8:i+8], weight[i:i+8:i+8], dst[i:i+8:i+8]
		for j := range ds {
			ds[j] = xs[j] * inv * ws[j]
		}
	}
	for ; i < n; i++ {
		dst[i] = x[i] * inv * weight[i]
	}
}
