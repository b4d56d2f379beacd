package rwkv

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/rwkvrun/internal/backend"
	"github.com/samcharles93/rwkvrun/internal/device"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/placement"
	"github.com/samcharles93/rwkvrun/internal/strategy"
	"github.com/samcharles93/rwkvrun/internal/tensor"
	"github.com/samcharles93/rwkvrun/internal/toy"
)

func placeToy(t *testing.T, spec string) *placement.Weights {
	t.Helper()
	w, err := placement.Place(toy.New(toy.Small), placement.Options{
		Strategy: spec,
		Logger:   logger.Discard(),
		Registry: device.NewRegistry(logger.Discard()),
	})
	if err != nil {
		t.Fatalf("Place(%q): %v", spec, err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func embed(w *placement.Weights, tokens []int) [][]float32 {
	x := rows(len(tokens), w.NEmbd)
	for i, tok := range tokens {
		w.Emb.RowTo(x[i], tok)
	}
	return x
}

// forward runs every block and the head the way the runner does, without
// streaming.
func forward(w *placement.Weights, ops backend.Ops, tokens []int, st State) [][]float32 {
	x := embed(w, tokens)
	for i := range w.Blocks {
		l := NewLayer(w.Strategy.Slot(i), ops)
		l.Attention(x, &w.Blocks[i], &st[i])
		l.FFN(x, &w.Blocks[i], &st[i])
		if w.RescaleEvery > 0 && (i+1)%w.RescaleEvery == 0 {
			l.Halve(x)
		}
	}
	head := NewLayer(w.Strategy.Slot(w.NLayer), ops)
	return head.Head(x, w.LNOutW, w.LNOutB, w.Head)
}

func TestNewState(t *testing.T) {
	s := NewState(2, 4)
	if err := s.Check(2, 4); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if s[1].PP[3] != backend.PPEmpty || s[0].AA[0] != 0 {
		t.Fatalf("fresh state = %+v", s[1])
	}
	c := s.Clone()
	c[0].AttX[0] = 9
	if s[0].AttX[0] != 0 {
		t.Fatalf("Clone aliases the original")
	}
	if err := s.Check(3, 4); err == nil {
		t.Fatalf("Check accepted a layer count mismatch")
	}
	if err := s.Check(2, 5); err == nil {
		t.Fatalf("Check accepted a width mismatch")
	}
	if State(nil).Clone() != nil {
		t.Fatalf("nil Clone is not nil")
	}
}

func TestNewLayerVariant(t *testing.T) {
	s := strategy.MustParse("cpu fp16i8 *1 -> cpu fp32", 2)
	if l := NewLayer(s.Slot(0), nil); l.Variant != Quantized || l.AType != tensor.F16 || l.Ops == nil {
		t.Fatalf("slot 0 layer = %+v", l)
	}
	if l := NewLayer(s.Slot(2), nil); l.Variant != Dense || l.AType != tensor.F32 {
		t.Fatalf("head layer = %+v", l)
	}
	if Quantized.String() != "quantized" || Dense.String() != "dense" {
		t.Fatalf("variant names")
	}
}

func TestSequenceMatchesSteps(t *testing.T) {
	for _, spec := range []string{"cpu fp32", "cpu fp16", "cpu fp32i8"} {
		t.Run(spec, func(t *testing.T) {
			w := placeToy(t, spec)
			tokens := []int{1, 5, 2, 7, 7, 0}
			l := NewLayer(w.Strategy.Slot(0), backend.ReferenceOps{})
			b := &w.Blocks[0]

			seq := embed(w, tokens)
			seqState := NewState(w.NLayer, w.NEmbd)
			l.Attention(seq, b, &seqState[0])
			l.FFN(seq, b, &seqState[0])

			stepState := NewState(w.NLayer, w.NEmbd)
			var last []float32
			for _, tok := range tokens {
				x := embed(w, []int{tok})
				l.Attention(x, b, &stepState[0])
				l.FFN(x, b, &stepState[0])
				last = x[0]
			}

			opt := cmpopts.EquateApprox(0, 1e-5)
			if diff := cmp.Diff(seq[len(tokens)-1], last, opt); diff != "" {
				t.Fatalf("final output (-sequence +steps):\n%s", diff)
			}
			if diff := cmp.Diff(seqState[0], stepState[0], opt); diff != "" {
				t.Fatalf("final state (-sequence +steps):\n%s", diff)
			}
		})
	}
}

func TestMatchesReference(t *testing.T) {
	tokens := []int{3, 1, 4, 1, 5, 9, 2, 6}
	ref := toy.NewReference(toy.New(toy.Small), toy.Small).Run(tokens)

	w := placeToy(t, "cpu fp32")
	got := forward(w, backend.ReferenceOps{}, tokens, NewState(w.NLayer, w.NEmbd))
	for i := range tokens {
		for j, v := range got[i] {
			if d := math.Abs(float64(v) - ref[i][j]); d > 1e-3 {
				t.Fatalf("token %d score %d: got %v want %v", i, j, v, ref[i][j])
			}
		}
	}
}

func TestHalfPrecisionTracksReference(t *testing.T) {
	tokens := []int{2, 7, 1, 8}
	ref := toy.NewReference(toy.New(toy.Small), toy.Small).Run(tokens)

	for _, spec := range []string{"cpu fp16", "cpu bf16", "cpu fp32i8"} {
		t.Run(spec, func(t *testing.T) {
			w := placeToy(t, spec)
			got := forward(w, backend.ReferenceOps{}, tokens, NewState(w.NLayer, w.NEmbd))
			last := got[len(tokens)-1]
			want := ref[len(tokens)-1]
			var worst float64
			for j, v := range last {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("score %d is %v", j, v)
				}
				worst = max(worst, math.Abs(float64(v)-want[j]))
			}
			if worst > 0.25 {
				t.Fatalf("max deviation from fp64 reference = %v", worst)
			}
		})
	}
}

func TestStateIsCarried(t *testing.T) {
	w := placeToy(t, "cpu fp32")
	st := NewState(w.NLayer, w.NEmbd)
	a := forward(w, backend.ReferenceOps{}, []int{4}, st)
	b := forward(w, backend.ReferenceOps{}, []int{4}, st)
	if cmp.Equal(a, b) {
		t.Fatalf("second call ignored the carried state")
	}
	if st[0].PP[0] == backend.PPEmpty {
		t.Fatalf("accumulators were not advanced")
	}
}
