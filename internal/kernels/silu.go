package kernels

import "math"

var siluMulImpl = siluMulGeneric

// SiLUMulInto computes dst[i] = silu(gate[i]) * up[i], the SwiGLU gate.
func SiLUMulInto(dst, gate, up []float32) {
	siluMulImpl(dst, gate, up)
}

func SiLU(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

func siluMulGeneric(dst, gate, up []float32) {
	n := len(dst)
	if len(gate) < n {
		n = len(gate)
	}
	if len(up) < n {
		n = len(up)
	}
	for i := 0; i < n; i++ {
		dst[i] = SiLU(gate[i]) * up[i]
	}
}

func siluMulOpt(dst, gate, up []float32) {
	n := len(dst)
	if len(gate) < n {
		n = len(gate)
	}
	if len(up) < n {
		n = len(up)
	}
	i := 0
	for ; i+3 < n; i += 4 {
		g0, g1, g2, g3 := gate[i], gate[i+1], gate[i+2], gate[i+3]
		dst[i] = g0 / (1 + float32(math.Exp(float64(-g0)))) * up[i]
		dst[i+1] = g1 / (1 + float32(math.Exp(float64(-g1)))) * up[i+1]
		dst[i+2] = g2 / (1 + float32(math.Exp(float64(-g2)))) * up[i+2]
		dst[i+3] = g3 / (1 + float32(math.Exp(float64(-g3)))) * up[i+3]
	}
	for ; i < n; i++ {
		dst[i] = SiLU(gate[i]) * up[i]
	}
}
