package tensor

import (
	"math"
)

// LayerNormEps matches the epsilon the checkpoints were trained with.
const LayerNormEps = 1e-5

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Mul multiplies dst by src element-wise.
func Mul(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// LayerNorm normalizes src to zero mean and unit variance, then applies the
// affine weight and bias. Statistics are accumulated in float64.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := float64(len(src))
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= n
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
	}
}

// Mix writes the token-shift interpolation cur*mix + prev*(1-mix).
func Mix(dst, cur, prev, mix []float32) {
	for i := range dst {
		dst[i] = cur[i]*mix[i] + prev[i]*(1-mix[i])
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// SigmoidInPlace applies Sigmoid to every element of x.
func SigmoidInPlace(x []float32) {
	for i, v := range x {
		x[i] = Sigmoid(v)
	}
}

// SquareReLU computes max(x, 0)^2 in place.
func SquareReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
			continue
		}
		x[i] = v * v
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Argmax returns the index of the largest element (first on ties).
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
