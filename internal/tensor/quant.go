package tensor

import (
	"errors"
	"math"
)

// Q8 holds the affine corrections of an 8-bit quantized matrix:
//
//	W[i][j] ≈ (Q[i][j] + 0.5) * RY[i] * RX[j] + MY[i] + MX[j]
//
// RX and RY are the per-axis ranges pre-divided by 16, so their product is
// exactly one quantization step. All four vectors are rounded to DType, the
// activation dtype of the owning layer.
type Q8 struct {
	MX, RX []float32 // per column
	MY, RY []float32 // per row
	DType  DType
}

// At dequantizes element (i, j) of a matrix with the given column count.
func (q *Q8) At(data []uint8, i, j, cols int) float32 {
	return (float32(data[i*cols+j])+0.5)*q.RY[i]*q.RX[j] + q.MY[i] + q.MX[j]
}

// RowTo dequantizes row i (given as its quantized bytes) into dst.
func (q *Q8) RowTo(dst []float32, row []uint8, i int) {
	ry, my := q.RY[i], q.MY[i]
	for j, v := range row {
		dst[j] = (float32(v)+0.5)*ry*q.RX[j] + my + q.MX[j]
	}
}

// Step returns the quantization step of element (i, j).
func (q *Q8) Step(i, j int) float32 {
	return q.RY[i] * q.RX[j]
}

func (q *Q8) Bytes() int64 {
	return int64(len(q.MX)+len(q.RX)+len(q.MY)+len(q.RY)) * int64(q.DType.Size())
}

func (q *Q8) clone() *Q8 {
	return &Q8{
		MX:    append([]float32(nil), q.MX...),
		RX:    append([]float32(nil), q.RX...),
		MY:    append([]float32(nil), q.MY...),
		RY:    append([]float32(nil), q.RY...),
		DType: q.DType,
	}
}

var errQuantShape = errors.New("quantize: expected a non-empty 2-D tensor")

// Quantize maps a 2-D matrix to 8 bits with per-row and per-column affine
// corrections stored in atype.
//
// The minima are removed along the longer axis first, which keeps the
// residual range of the shorter axis small and lowers the error.
func Quantize(src *Tensor, atype DType) (*Tensor, error) {
	if len(src.Shape) != 2 || src.Shape[0] == 0 || src.Shape[1] == 0 {
		return nil, errQuantShape
	}
	if src.DType == U8 {
		return src.Clone(), nil
	}
	rows, cols := src.Shape[0], src.Shape[1]
	w := src.Float32()

	var mx, my []float32
	if rows > cols {
		my = rowMin(w, rows, cols)
		subRows(w, my, cols)
		mx = colMin(w, rows, cols)
		subCols(w, mx, cols)
	} else {
		mx = colMin(w, rows, cols)
		subCols(w, mx, cols)
		my = rowMin(w, rows, cols)
		subRows(w, my, cols)
	}
	rx := colMax(w, rows, cols)
	for i := 0; i < rows; i++ {
		row := w[i*cols : (i+1)*cols]
		for j := range row {
			row[j] /= nonZero(rx[j])
		}
	}
	ry := rowMax(w, rows, cols)
	for i := 0; i < rows; i++ {
		d := nonZero(ry[i])
		row := w[i*cols : (i+1)*cols]
		for j := range row {
			row[j] /= d
		}
	}

	q := make([]uint8, len(w))
	for i, v := range w {
		f := math.Floor(float64(v) * 256)
		switch {
		case f < 0 || math.IsNaN(f):
			q[i] = 0
		case f > 255:
			q[i] = 255
		default:
			q[i] = uint8(f)
		}
	}

	for j := range rx {
		rx[j] /= 16
	}
	for i := range ry {
		ry[i] /= 16
	}
	for _, v := range [][]float32{mx, rx, my, ry} {
		atype.RoundSlice(v)
	}

	return &Tensor{
		Shape:  []int{rows, cols},
		DType:  U8,
		Q:      q,
		Quant:  &Q8{MX: mx, RX: rx, MY: my, RY: ry, DType: atype},
		Device: src.Device,
	}, nil
}

// Dequantize expands a quantized tensor back to fp32.
func Dequantize(t *Tensor) *Tensor {
	return FromF32(t.Float32(), t.Shape...)
}

// A zero range means the whole row/column equals its minimum; dividing by one
// keeps those entries at zero and the stored range of zero reproduces them.
func nonZero(v float32) float32 {
	if v == 0 {
		return 1
	}
	return v
}

func rowMin(w []float32, rows, cols int) []float32 {
	out := make([]float32, rows)
	for i := 0; i < rows; i++ {
		row := w[i*cols : (i+1)*cols]
		m := row[0]
		for _, v := range row[1:] {
			m = min(m, v)
		}
		out[i] = m
	}
	return out
}

func rowMax(w []float32, rows, cols int) []float32 {
	out := make([]float32, rows)
	for i := 0; i < rows; i++ {
		row := w[i*cols : (i+1)*cols]
		m := row[0]
		for _, v := range row[1:] {
			m = max(m, v)
		}
		out[i] = m
	}
	return out
}

func colMin(w []float32, rows, cols int) []float32 {
	out := append([]float32(nil), w[:cols]...)
	for i := 1; i < rows; i++ {
		row := w[i*cols : (i+1)*cols]
		for j, v := range row {
			out[j] = min(out[j], v)
		}
	}
	return out
}

func colMax(w []float32, rows, cols int) []float32 {
	out := append([]float32(nil), w[:cols]...)
	for i := 1; i < rows; i++ {
		row := w[i*cols : (i+1)*cols]
		for j, v := range row {
			out[j] = max(out[j], v)
		}
	}
	return out
}

func subRows(w, m []float32, cols int) {
	for i, mi := range m {
		row := w[i*cols : (i+1)*cols]
		for j := range row {
			row[j] -= mi
		}
	}
}

func subCols(w, m []float32, cols int) {
	for i := 0; i < len(w)/cols; i++ {
		row := w[i*cols : (i+1)*cols]
		for j := range row {
			row[j] -= m[j]
		}
	}
}
