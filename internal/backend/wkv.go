package backend

import "math"

// PPEmpty is the initial running log-scale: "no mass accumulated yet".
const PPEmpty float32 = -1e30

// WKVState holds the per-channel accumulators of one attention layer:
// numerator AA, denominator BB and their shared log-scale PP.
type WKVState struct {
	AA, BB, PP []float32
}

// WKVOutput returns one step's attention output for a single channel from
// the accumulators as they were before this step.
func WKVOutput(first, k, v, aa, bb, pp float32) float32 {
	ww := first + k
	p := max(pp, ww)
	e1 := exp32(pp - p)
	e2 := exp32(ww - p)
	return (e1*aa + e2*v) / (e1*bb + e2)
}

// WKVAdvance folds step (k, v) into the accumulators with the channel's
// decay and returns the state for the next step.
func WKVAdvance(decay, k, v, aa, bb, pp float32) (float32, float32, float32) {
	ww := decay + pp
	p := max(ww, k)
	e1 := exp32(ww - p)
	e2 := exp32(k - p)
	return e1*aa + e2*v, e1*bb + e2, p
}

// wkvChannels runs the recurrence for channels [lo, hi).
func wkvChannels(out [][]float32, decay, first []float32, k, v [][]float32, st WKVState, lo, hi int) {
	for c := lo; c < hi; c++ {
		aa, bb, pp := st.AA[c], st.BB[c], st.PP[c]
		w, u := decay[c], first[c]
		for t := range k {
			kt, vt := k[t][c], v[t][c]
			out[t][c] = WKVOutput(u, kt, vt, aa, bb, pp)
			aa, bb, pp = WKVAdvance(w, kt, vt, aa, bb, pp)
		}
		st.AA[c], st.BB[c], st.PP[c] = aa, bb, pp
	}
}

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}
