package kernels

import "math"

// U8Offset is the zero point of offset-binary 8-bit codes.
const U8Offset = 128

// QuantizeRowU8 quantizes src into offset-binary codes q = round(x/s)+128
// with s = max|x|/127 and returns s. An all-zero row has scale 0 and
// dequantizes to zeros.
func QuantizeRowU8(dst []uint8, src []float32) (scale float32) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	var maxAbs float32
	for i := 0; i < n; i++ {
		v := src[i]
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	if maxAbs == 0 {
		for i := 0; i < n; i++ {
			dst[i] = U8Offset
		}
		return 0
	}
	scale = maxAbs / 127.0
	inv := 1.0 / float64(scale)
	for i := 0; i < n; i++ {
		q := math.Round(float64(src[i])*inv) + U8Offset
		if q < 0 {
			q = 0
		} else if q > 255 {
			q = 255
		}
		dst[i] = uint8(q)
	}
	return scale
}

// DequantizeRowU8 computes dst[i] = (src[i]-128) * scale.
func DequantizeRowU8(dst []float32, src []uint8, scale float32) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(int32(src[i])-U8Offset) * scale
	}
}
