package backend

import "github.com/samcharles93/rwkvrun/internal/tensor"

// ReferenceOps runs every kernel on the calling goroutine. Quantized weights
// are dequantized row by row on the fly.
type ReferenceOps struct{}

func (ReferenceOps) Name() string { return Reference }

func (ReferenceOps) MatMul(dst, x [][]float32, w *tensor.Tensor) {
	tensor.MatMul(dst, x, w)
}

func (ReferenceOps) WKV(out [][]float32, decay, first []float32, k, v [][]float32, st WKVState) {
	wkvChannels(out, decay, first, k, v, st, 0, len(decay))
}
