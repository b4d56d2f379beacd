package backend

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// minSpan is the smallest column or channel range handed to one goroutine.
const minSpan = 64

// ParallelOps splits output columns and recurrence channels across
// goroutines. Each call joins its workers before returning.
type ParallelOps struct {
	workers int
}

// NewParallel returns a ParallelOps with the given worker limit;
// workers <= 0 means GOMAXPROCS.
func NewParallel(workers int) *ParallelOps {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &ParallelOps{workers: workers}
}

func (p *ParallelOps) Name() string { return Parallel }

func (p *ParallelOps) Workers() int { return p.workers }

// span runs fn over [0, n) in contiguous chunks.
func (p *ParallelOps) span(n int, fn func(lo, hi int)) {
	chunk := max((n+p.workers-1)/p.workers, minSpan)
	if chunk >= n {
		fn(0, n)
		return
	}
	var g errgroup.Group
	g.SetLimit(p.workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *ParallelOps) MatMul(dst, x [][]float32, w *tensor.Tensor) {
	p.span(w.Cols(), func(lo, hi int) {
		for t := range x {
			tensor.MatVecRange(dst[t], x[t], w, lo, hi)
		}
	})
}

// MatMulQ8 is the fused i8 kernel. It expands
//
//	Σ_i x_i·((q_ij+0.5)·RY_i·RX_j + MY_i + MX_j)
//
// into RX_j·Σ_i x_i·RY_i·(q_ij+0.5) + Σ_i x_i·MY_i + MX_j·Σ_i x_i so the two
// row sums are computed once per input row instead of once per element.
func (p *ParallelOps) MatMulQ8(dst, x [][]float32, w *tensor.Tensor) bool {
	q := w.Quant
	if w.DType != tensor.U8 || q == nil {
		return false
	}
	in, out := w.Rows(), w.Cols()
	sx := make([]float32, len(x))
	sxmy := make([]float32, len(x))
	xry := make([][]float32, len(x))
	for t, xt := range x {
		if len(xt) != in {
			panic("matvec: shape mismatch")
		}
		xr := make([]float32, in)
		for i, xi := range xt {
			sx[t] += xi
			sxmy[t] += xi * q.MY[i]
			xr[i] = xi * q.RY[i]
		}
		xry[t] = xr
	}
	p.span(out, func(lo, hi int) {
		for t := range x {
			acc := dst[t][lo:hi]
			clear(acc)
			for i, xr := range xry[t] {
				if xr == 0 {
					continue
				}
				row := w.Q[i*out+lo : i*out+hi]
				for j, b := range row {
					acc[j] += xr * (float32(b) + 0.5)
				}
			}
			for j := range acc {
				acc[j] = acc[j]*q.RX[lo+j] + sxmy[t] + q.MX[lo+j]*sx[t]
			}
		}
	})
	return true
}

func (p *ParallelOps) WKV(out [][]float32, decay, first []float32, k, v [][]float32, st WKVState) {
	p.span(len(decay), func(lo, hi int) {
		wkvChannels(out, decay, first, k, v, st, lo, hi)
	})
}
