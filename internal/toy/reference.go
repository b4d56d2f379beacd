package toy

import (
	"fmt"
	"math"

	"github.com/samcharles93/rwkvrun/internal/checkpoint"
)

// Reference runs RWKV-4 directly over a raw checkpoint in float64. It applies
// no folding, rescaling or rounding, so it is the ground truth the placed
// runtime is compared against.
type Reference struct {
	set   *checkpoint.Set
	n     int
	embd  int
	vocab int

	attX, aa, bb, pp, ffnX [][]float64
}

// NewReference wraps a raw set produced by New.
func NewReference(set *checkpoint.Set, c Config) *Reference {
	r := &Reference{set: set, n: c.Layers, embd: c.Embd, vocab: c.Vocab}
	alloc := func(fill float64) [][]float64 {
		out := make([][]float64, c.Layers)
		for i := range out {
			out[i] = make([]float64, c.Embd)
			for j := range out[i] {
				out[i][j] = fill
			}
		}
		return out
	}
	r.attX, r.aa, r.bb, r.ffnX = alloc(0), alloc(0), alloc(0), alloc(0)
	r.pp = alloc(-1e30)
	return r
}

func (r *Reference) vec(name string) []float64 {
	t, ok := r.set.Tensors[name]
	if !ok {
		panic(fmt.Sprintf("toy: missing %s", name))
	}
	f := t.Float32()
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}

// apply computes W·x for a [out, in] matrix.
func (r *Reference) apply(name string, x []float64) []float64 {
	t := r.set.Tensors[name]
	w := r.vec(name)
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float64, rows)
	for o := range rows {
		var s float64
		for i := range cols {
			s += w[o*cols+i] * x[i]
		}
		out[o] = s
	}
	return out
}

func layerNorm(x, w, b []float64) []float64 {
	var mean, variance float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	for _, v := range x {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(x))
	inv := 1 / math.Sqrt(variance+1e-5)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v-mean)*inv*w[i] + b[i]
	}
	return out
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// Step consumes one token and returns the scores over the vocabulary.
func (r *Reference) Step(tok int) []float64 {
	emb := r.set.Tensors["emb.weight"].Float32()
	x := make([]float64, r.embd)
	for i := range x {
		x[i] = float64(emb[tok*r.embd+i])
	}
	x = layerNorm(x, r.vec("blocks.0.ln0.weight"), r.vec("blocks.0.ln0.bias"))

	for l := range r.n {
		b := func(s string) string { return blockName(l, s) }

		xx := layerNorm(x, r.vec(b("ln1.weight")), r.vec(b("ln1.bias")))
		mk, mv, mr := r.vec(b("att.time_mix_k")), r.vec(b("att.time_mix_v")), r.vec(b("att.time_mix_r"))
		xk, xv, xr := make([]float64, r.embd), make([]float64, r.embd), make([]float64, r.embd)
		for i := range xx {
			prev := r.attX[l][i]
			xk[i] = xx[i]*mk[i] + prev*(1-mk[i])
			xv[i] = xx[i]*mv[i] + prev*(1-mv[i])
			xr[i] = xx[i]*mr[i] + prev*(1-mr[i])
		}
		r.attX[l] = xx
		rr := r.apply(b("att.receptance.weight"), xr)
		k := r.apply(b("att.key.weight"), xk)
		v := r.apply(b("att.value.weight"), xv)
		first, decay := r.vec(b("att.time_first")), r.vec(b("att.time_decay"))

		rwkv := make([]float64, r.embd)
		for i := range rwkv {
			aa, bb, pp := r.aa[l][i], r.bb[l][i], r.pp[l][i]
			ww := first[i] + k[i]
			p := math.Max(pp, ww)
			e1, e2 := math.Exp(pp-p), math.Exp(ww-p)
			rwkv[i] = sigmoid(rr[i]) * (e1*aa + e2*v[i]) / (e1*bb + e2)

			ww = pp - math.Exp(decay[i])
			p = math.Max(ww, k[i])
			e1, e2 = math.Exp(ww-p), math.Exp(k[i]-p)
			r.aa[l][i] = e1*aa + e2*v[i]
			r.bb[l][i] = e1*bb + e2
			r.pp[l][i] = p
		}
		out := r.apply(b("att.output.weight"), rwkv)
		for i := range x {
			x[i] += out[i]
		}

		xx = layerNorm(x, r.vec(b("ln2.weight")), r.vec(b("ln2.bias")))
		mk, mr = r.vec(b("ffn.time_mix_k")), r.vec(b("ffn.time_mix_r"))
		for i := range xx {
			prev := r.ffnX[l][i]
			xk[i] = xx[i]*mk[i] + prev*(1-mk[i])
			xr[i] = xx[i]*mr[i] + prev*(1-mr[i])
		}
		r.ffnX[l] = xx
		rr = r.apply(b("ffn.receptance.weight"), xr)
		kk := r.apply(b("ffn.key.weight"), xk)
		for i, v := range kk {
			v = math.Max(v, 0)
			kk[i] = v * v
		}
		kv := r.apply(b("ffn.value.weight"), kk)
		for i := range x {
			x[i] += sigmoid(rr[i]) * kv[i]
		}
	}

	x = layerNorm(x, r.vec("ln_out.weight"), r.vec("ln_out.bias"))
	return r.apply("head.weight", x)
}

// Run feeds tokens in order and returns the scores after each one.
func (r *Reference) Run(tokens []int) [][]float64 {
	out := make([][]float64, len(tokens))
	for i, tok := range tokens {
		out[i] = r.Step(tok)
	}
	return out
}
