package kernels

import "math"

var softmaxImpl = softmaxGeneric

// SoftmaxInPlace normalizes v into a probability distribution. -Inf entries
// get probability zero.
func SoftmaxInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}
	sum := softmaxImpl(v, maxV)
	if sum == 0 {
		return
	}
	Scale(v, 1/sum)
}

// LogSumExp returns log(sum(exp(v))) computed stably.
func LogSumExp(v []float32) float32 {
	if len(v) == 0 {
		return float32(math.Inf(-1))
	}
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}
	var sum float64
	for _, x := range v {
		sum += math.Exp(float64(x - maxV))
	}
	return maxV + float32(math.Log(sum))
}

func softmaxGeneric(v []float32, maxV float32) float32 {
	var sum float32
	for i := range v {
		w := float32(math.Exp(float64(v[i] - maxV)))
		v[i] = w
		sum += w
	}
	return sum
}

func softmaxOpt(v []float32, maxV float32) float32 {
	n := len(v)
	var sum0, sum1, sum2, sum3 float32
	i := 0
	for ; i+3 < n; i += 4 {
		w0 := float32(math.Exp(float64(v[i] - maxV)))
		w1 := float32(math.Exp(float64(v[i+1] - maxV)))
		w2 := float32(math.Exp(float64(v[i+2] - maxV)))
		w3 := float32(math.Exp(float64(v[i+3] - maxV)))
		v[i], v[i+1], v[i+2], v[i+3] = w0, w1, w2, w3
		sum0 += w0
		sum1 += w1
		sum2 += w2
		sum3 += w3
	}
	sum := sum0 + sum1 + sum2 + sum3
	for ; i < n; i++ {
		w := float32(math.Exp(float64(v[i] - maxV)))
		v[i] = w
		sum += w
	}
	return sum
}
