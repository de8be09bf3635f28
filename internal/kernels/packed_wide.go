package kernels

// dotPackedWide handles 32 features per iteration with 16-bit loads of eight
// codes each. coeff = (code & 1) - (code >> 1) maps 01 to +1, 10 to -1 and
// both 00 and 11 to 0. The unaligned head and the sub-32 tail fall back to
// dotPackedGeneric.
func dotPackedWide(codes []byte, off int, x []float32) float32 {
	n := len(x)
	head := (4 - off&3) & 3
	if head > n {
		head = n
	}
	var sum float32
	if head > 0 {
		sum = dotPackedGeneric(codes, off, x[:head])
	}
	k := head
	b := (off + k) >> 2
	var s0, s1, s2, s3 float32
	for ; k+32 <= n; k += 32 {
		xs := x[k : k+32 : k+32]
		s0 += dot8(uint16(codes[b])|uint16(codes[b+1])<<8, xs[0:8:8])
		s1 += dot8(uint16(codes[b+2])|uint16(codes[b+3])<<8, xs[8:16:16])
		s2 += dot8(uint16(codes[b+4])|uint16(codes[b+5])<<8, xs[16:24:24])
		s3 += dot8(uint16(codes[b+6])|uint16(codes[b+7])<<8, xs[24:32:32])
		b += 8
	}
	sum += (s0 + s1) + (s2 + s3)
	if k < n {
		sum += dotPackedGeneric(codes, off+k, x[k:])
	}
	return sum
}

func dot8(bits uint16, x []float32) float32 {
	_ = x[7]
	return coeff(bits, 0)*x[0] + coeff(bits, 1)*x[1] +
		coeff(bits, 2)*x[2] + coeff(bits, 3)*x[3] +
		coeff(bits, 4)*x[4] + coeff(bits, 5)*x[5] +
		coeff(bits, 6)*x[6] + coeff(bits, 7)*x[7]
}

func coeff(bits uint16, i uint) float32 {
	c := bits >> (2 * i)
	return float32(int32(c&1) - int32((c>>1)&1))
}
