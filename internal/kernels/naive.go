package kernels

func Dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func AddScaled(dst, src []float32, scale float32) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] += src[i] * scale
	}
}

// AddInto computes dst[i] += src[i].
func AddInto(dst, src []float32) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] += src[i]
	}
}

func Scale(dst []float32, s float32) {
	for i := range dst {
		dst[i] *= s
	}
}

func Argmax(v []float32) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	bestVal := v[0]
	for i := 1; i < len(v); i++ {
		if v[i] > bestVal {
			bestVal = v[i]
			best = i
		}
	}
	return best
}

// MatVec computes dst = mat * vec where mat is row-major [rows][cols].
func MatVec(dst, mat []float32, rows, cols int, vec []float32) {
	if rows <= 0 || cols <= 0 {
		return
	}
	if len(dst) < rows || len(vec) < cols || len(mat) < rows*cols {
		return
	}
	for r := 0; r < rows; r++ {
		dst[r] = Dot(mat[r*cols:(r+1)*cols], vec[:cols])
	}
}

// MatVecT computes dst = transpose(mat) * vec where mat is row-major [rows][cols].
func MatVecT(dst, mat []float32, rows, cols int, vec []float32) {
	if rows <= 0 || cols <= 0 {
		return
	}
	if len(dst) < cols || len(vec) < rows || len(mat) < rows*cols {
		return
	}
	for c := 0; c < cols; c++ {
		dst[c] = 0
	}
	for r := 0; r < rows; r++ {
		AddScaled(dst[:cols], mat[r*cols:(r+1)*cols], vec[r])
	}
}

// OuterAdd computes mat[r][c] += scale * a[r] * b[c] for a row-major [len(a)][len(b)] mat.
func OuterAdd(mat, a, b []float32, scale float32) {
	cols := len(b)
	for r, av := range a {
		if av == 0 {
			continue
		}
		AddScaled(mat[r*cols:(r+1)*cols], b, av*scale)
	}
}
