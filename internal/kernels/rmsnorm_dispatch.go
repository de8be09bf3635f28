package kernels

import "math"

var rmsNormImpl = rmsNormGeneric

// RMSNormInto computes dst[i] = x[i] * inv_rms * weight[i].
func RMSNormInto(dst, x, weight []float32, eps float32) {
	rmsNormImpl(dst, x, weight, eps)
}

func rmsNormGeneric(dst, x, weight []float32, eps float32) {
	n := len(dst)
	if len(x) < n {
		n = len(x)
	}
	if len(weight) < n {
		n = len(weight)
	}
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(x[i])
		sum += v * v
	}
	inv := float32(1.0 / math.Sqrt(sum/float64(n)+float64(eps)))
	for i := 0; i < n; i++ {
		dst[i] = x[i] * inv * weight[i]
	}
}

// L2NormalizeInto writes x / (||x|| + eps) into dst.
func L2NormalizeInto(dst, x []float32, eps float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	inv := float32(1.0 / (math.Sqrt(sum) + float64(eps)))
	for i, v := range x {
		dst[i] = v * inv
	}
}
