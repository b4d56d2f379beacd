// Package rwkv implements the two stages of an RWKV-4 block, time mixing
// (attention) and channel mixing (FFN), over one or more tokens.
//
// Both stages work on a [T][n_embd] residual buffer owned by the caller and
// update it in place. Row 0 token-shifts against the carried state; later
// rows shift against the row before them, so T single-token calls and one
// T-token call compute the same thing.
package rwkv

import (
	"github.com/samcharles93/rwkvrun/internal/backend"
	"github.com/samcharles93/rwkvrun/internal/placement"
	"github.com/samcharles93/rwkvrun/internal/strategy"
	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// Variant selects how a layer's projections are multiplied.
type Variant int

const (
	// Dense weights are multiplied as stored (fp32, fp16 or bf16).
	Dense Variant = iota
	// Quantized weights go through the backend's i8 path.
	Quantized
)

func (v Variant) String() string {
	if v == Quantized {
		return "quantized"
	}
	return "dense"
}

// Layer is the engine for one slot. It is resolved once per slot and holds
// no per-call state.
type Layer struct {
	Variant Variant
	AType   tensor.DType
	Ops     backend.Ops
}

// NewLayer resolves the engine for a plan slot.
func NewLayer(slot strategy.Slot, ops backend.Ops) Layer {
	v := Dense
	if slot.Quantized() {
		v = Quantized
	}
	return Layer{Variant: v, AType: slot.AType, Ops: backend.EnsureOps(ops)}
}

// project is the only place projections are dispatched.
func (l Layer) project(dst, x [][]float32, w *tensor.Tensor) {
	switch l.Variant {
	case Quantized:
		backend.Project(l.Ops, dst, x, w)
	default:
		l.Ops.MatMul(dst, x, w)
	}
}

func (l Layer) round(rows [][]float32) {
	if l.AType == tensor.F32 {
		return
	}
	for _, r := range rows {
		l.AType.RoundSlice(r)
	}
}

func (l Layer) norm(x [][]float32, w, b *tensor.Tensor) [][]float32 {
	weight, bias := vec(w), vec(b)
	out := rows(len(x), len(x[0]))
	for t := range x {
		tensor.LayerNorm(out[t], x[t], weight, bias, tensor.LayerNormEps)
	}
	l.round(out)
	return out
}

// shift writes the token-shift mix of xx against prev (row 0) or the row
// before.
func (l Layer) shift(xx [][]float32, prev []float32, mix *tensor.Tensor) [][]float32 {
	m := vec(mix)
	out := rows(len(xx), len(xx[0]))
	for t := range xx {
		p := prev
		if t > 0 {
			p = xx[t-1]
		}
		tensor.Mix(out[t], xx[t], p, m)
	}
	l.round(out)
	return out
}

// Attention runs time mixing over x and advances st.
func (l Layer) Attention(x [][]float32, b *placement.Block, st *LayerState) {
	a := &b.Att
	n, e := len(x), len(x[0])

	xx := l.norm(x, b.LN1W, b.LN1B)
	xk := l.shift(xx, st.AttX, a.MixK)
	xv := l.shift(xx, st.AttX, a.MixV)
	xr := l.shift(xx, st.AttX, a.MixR)
	copy(st.AttX, xx[n-1])

	r := rows(n, e)
	l.project(r, xr, a.Receptance)
	for _, row := range r {
		tensor.SigmoidInPlace(row)
	}
	l.round(r)

	// k and v stay in fp32: they feed exponentials
	k, v := rows(n, e), rows(n, e)
	l.project(k, xk, a.Key)
	l.project(v, xv, a.Value)

	wkv := rows(n, e)
	l.Ops.WKV(wkv, vec(a.TimeDecay), vec(a.TimeFirst), k, v, st.wkv())
	l.round(wkv)
	for t := range wkv {
		tensor.Mul(wkv[t], r[t])
	}
	l.round(wkv)

	out := rows(n, e)
	l.project(out, wkv, a.Output)
	l.round(out)
	l.residual(x, out)
}

// FFN runs channel mixing over x and advances st.
func (l Layer) FFN(x [][]float32, b *placement.Block, st *LayerState) {
	f := &b.FFN
	n, e := len(x), len(x[0])

	xx := l.norm(x, b.LN2W, b.LN2B)
	xk := l.shift(xx, st.FfnX, f.MixK)
	xr := l.shift(xx, st.FfnX, f.MixR)
	copy(st.FfnX, xx[n-1])

	r := rows(n, e)
	l.project(r, xr, f.Receptance)
	for _, row := range r {
		tensor.SigmoidInPlace(row)
	}
	l.round(r)

	k := rows(n, f.Key.Cols())
	l.project(k, xk, f.Key)
	for _, row := range k {
		tensor.SquareReLU(row)
	}
	l.round(k)

	kv := rows(n, e)
	l.project(kv, k, f.Value)
	l.round(kv)
	for t := range kv {
		tensor.Mul(kv[t], r[t])
	}
	l.residual(x, kv)
}

// Head applies the final normalization and the output projection. Scores
// are returned in fp32.
func (l Layer) Head(x [][]float32, lnW, lnB, head *tensor.Tensor) [][]float32 {
	xx := l.norm(x, lnW, lnB)
	out := rows(len(x), head.Cols())
	l.project(out, xx, head)
	return out
}

func (l Layer) residual(x, delta [][]float32) {
	for t := range x {
		tensor.Add(x[t], delta[t])
	}
	l.round(x)
}

// Halve scales the residual stream by 1/2. Paired with the pre-divided
// output matrices it keeps fp16 activations in range without changing the
// result.
func (l Layer) Halve(x [][]float32) {
	for _, row := range x {
		tensor.Scale(row, 0.5)
	}
}

func rows(n, width int) [][]float32 {
	buf := make([]float32, n*width)
	out := make([][]float32, n)
	for i := range out {
		out[i] = buf[i*width : (i+1)*width : (i+1)*width]
	}
	return out
}

// vec returns t's values as fp32, without copying when already fp32.
func vec(t *tensor.Tensor) []float32 {
	if t.DType == tensor.F32 {
		return t.Data
	}
	return t.Float32()
}
