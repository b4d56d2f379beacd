package tensor

// MatVec computes dst = x · W for a weight stored transposed as [in, out].
func MatVec(dst, x []float32, w *Tensor) {
	MatVecRange(dst, x, w, 0, w.Cols())
}

// MatVecRange computes output columns [lo, hi) of x · W into dst[lo:hi].
// Rows of W are walked in order so half-precision and quantized rows are
// decoded once each.
func MatVecRange(dst, x []float32, w *Tensor, lo, hi int) {
	in, out := w.Rows(), w.Cols()
	if len(x) != in || len(dst) < out || lo < 0 || hi > out || lo > hi {
		panic("matvec: shape mismatch")
	}
	acc := dst[lo:hi]
	clear(acc)
	switch w.DType {
	case F32:
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			row := w.Data[i*out+lo : i*out+hi]
			for j, v := range row {
				acc[j] += xi * v
			}
		}
	case F16, BF16:
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			row := w.Half[i*out+lo : i*out+hi]
			for j, u := range row {
				acc[j] += xi * w.DType.decode(u)
			}
		}
	default:
		q := w.Quant
		rx, mx := q.RX[lo:hi], q.MX[lo:hi]
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			ry, my := q.RY[i], q.MY[i]
			row := w.Q[i*out+lo : i*out+hi]
			for j, b := range row {
				acc[j] += xi * ((float32(b)+0.5)*ry*rx[j] + my + mx[j])
			}
		}
	}
}

// MatMul applies MatVec to every row of xs.
func MatMul(dst, xs [][]float32, w *Tensor) {
	for t := range xs {
		MatVec(dst[t], xs[t], w)
	}
}
