package runner

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/samcharles93/rwkvrun/internal/backend"
	"github.com/samcharles93/rwkvrun/internal/checkpoint"
	"github.com/samcharles93/rwkvrun/internal/device"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/metrics"
	"github.com/samcharles93/rwkvrun/internal/placement"
	"github.com/samcharles93/rwkvrun/internal/strategy"
	"github.com/samcharles93/rwkvrun/internal/toy"
)

func load(t *testing.T, set *checkpoint.Set, spec string, rescale int) *placement.Weights {
	t.Helper()
	w, err := placement.Place(set, placement.Options{
		Strategy:     spec,
		RescaleEvery: rescale,
		Logger:       logger.Discard(),
		Registry:     device.NewRegistry(logger.Discard()),
	})
	if err != nil {
		t.Fatalf("Place(%q): %v", spec, err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newRunner(t *testing.T, w *placement.Weights, ops backend.Ops) *Runner {
	t.Helper()
	r, err := New(w, Config{Ops: ops, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func forward(t *testing.T, r *Runner, tokens []int, full bool) [][]float32 {
	t.Helper()
	out, _, err := r.Forward(tokens, nil, full)
	if err != nil {
		t.Fatalf("Forward(%v): %v", tokens, err)
	}
	return out
}

func maxDiff(a, b [][]float32) float64 {
	var worst float64
	for i := range a {
		for j := range a[i] {
			worst = max(worst, math.Abs(float64(a[i][j]-b[i][j])))
		}
	}
	return worst
}

func TestForwardMatchesReference(t *testing.T) {
	set := toy.New(toy.Small)
	ref := toy.NewReference(set, toy.Small).Run([]int{5, 3, 11, 0, 23})
	r := newRunner(t, load(t, set, "cpu fp32", 0), backend.ReferenceOps{})

	// two tokens, then three more on the carried state
	first, st, err := r.Forward([]int{5, 3}, nil, true)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	rest, _, err := r.Forward([]int{11, 0, 23}, st, true)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := append(first, rest...)
	for i := range got {
		for j, v := range got[i] {
			if d := math.Abs(float64(v) - ref[i][j]); d > 1e-3 {
				t.Fatalf("token %d score %d: got %v want %v", i, j, v, ref[i][j])
			}
		}
	}
}

func TestForwardOutputShape(t *testing.T) {
	r := newRunner(t, load(t, toy.New(toy.Small), "cpu fp32", 0), backend.ReferenceOps{})
	tokens := []int{1, 2, 3, 4}

	full := forward(t, r, tokens, true)
	last := forward(t, r, tokens, false)
	if len(full) != 4 || len(last) != 1 || len(last[0]) != toy.Small.Vocab {
		t.Fatalf("shapes: full %d rows, last %d rows of %d", len(full), len(last), len(last[0]))
	}
	if diff := cmp.Diff(full[3], last[0]); diff != "" {
		t.Fatalf("last row mismatch (-full +last):\n%s", diff)
	}

	explicit, _, err := r.Forward(tokens, r.NewState(), false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff(last, explicit); diff != "" {
		t.Fatalf("nil state differs from a fresh one (-nil +fresh):\n%s", diff)
	}
}

func TestForwardLeavesCallerState(t *testing.T) {
	r := newRunner(t, load(t, toy.New(toy.Small), "cpu fp32", 0), backend.ReferenceOps{})
	_, st, err := r.Forward([]int{7}, nil, false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	before := st.Clone()
	a, next, err := r.Forward([]int{8, 9}, st, false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff(before, st); diff != "" {
		t.Fatalf("caller state modified (-before +after):\n%s", diff)
	}
	b, _, err := r.Forward([]int{8, 9}, st, false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("replay from the same state differs:\n%s", diff)
	}
	if cmp.Equal(next, st) {
		t.Fatalf("returned state was not advanced")
	}
}

func TestForwardRejects(t *testing.T) {
	r := newRunner(t, load(t, toy.New(toy.Small), "cpu fp32", 0), backend.ReferenceOps{})
	bad := r.NewState()[:1]
	cases := []struct {
		name   string
		tokens []int
	}{
		{"empty", nil},
		{"negative", []int{-1}},
		{"past vocab", []int{1, toy.Small.Vocab}},
	}
	for _, tc := range cases {
		if _, _, err := r.Forward(tc.tokens, nil, false); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: error = %v", tc.name, err)
		}
	}
	if _, _, err := r.Forward([]int{1}, bad, false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short state: error = %v", err)
	}
}

func TestStreamedMatchesResident(t *testing.T) {
	set := toy.New(toy.Small)
	tokens := []int{4, 8, 15, 16, 23}
	resident := newRunner(t, load(t, set, "cuda fp32", 0), backend.ReferenceOps{})
	w := load(t, set, "cuda fp32 *1+", 0)
	streamed := newRunner(t, w, backend.ReferenceOps{})
	if w.Strategy.StreamCount != 3 {
		t.Fatalf("stream count = %d", w.Strategy.StreamCount)
	}

	bytesBefore := testutil.ToFloat64(metrics.StreamedBytes)
	queue := w.Registry().Queue(device.Device{Kind: device.CUDA})
	ranBefore := queue.Executed()

	want := forward(t, resident, tokens, true)
	got := forward(t, streamed, tokens, true)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("streamed output differs (-resident +streamed):\n%s", diff)
	}
	// seven transfers plus the compute for each of the two streamed blocks
	if ran := queue.Executed() - ranBefore; ran != 16 {
		t.Fatalf("queue ran %d commands, want 16", ran)
	}
	if queue.Len() != 0 {
		t.Fatalf("queue left %d commands pending", queue.Len())
	}
	if testutil.ToFloat64(metrics.StreamedBytes) <= bytesBefore {
		t.Fatalf("streamed bytes not recorded")
	}
}

func TestQuantizedTracksDense(t *testing.T) {
	set := toy.New(toy.Small)
	tokens := []int{3, 1, 4}
	dense := forward(t, newRunner(t, load(t, set, "cpu fp32", 0), nil), tokens, false)
	quant := forward(t, newRunner(t, load(t, set, "cpu fp32i8", 0), nil), tokens, false)
	if d := maxDiff(dense, quant); d > 0.25 {
		t.Fatalf("quantized deviates by %v", d)
	}
}

func TestRescaleIsTransparent(t *testing.T) {
	set := toy.New(toy.Small)
	tokens := []int{9, 9, 2}
	off := forward(t, newRunner(t, load(t, set, "cpu fp32", -1), backend.ReferenceOps{}), tokens, true)
	w := load(t, set, "cpu fp32", 1)
	if w.RescaleEvery != 1 {
		t.Fatalf("rescale = %d", w.RescaleEvery)
	}
	on := forward(t, newRunner(t, w, backend.ReferenceOps{}), tokens, true)
	if d := maxDiff(off, on); d > 5e-3 {
		t.Fatalf("rescaled output deviates by %v", d)
	}
}

func TestParallelMatchesReference(t *testing.T) {
	cfg := toy.Config{Layers: 2, Embd: 160, Vocab: 130, Seed: 3}
	set := toy.New(cfg)
	tokens := []int{0, 129, 64, 7}
	for _, spec := range []string{"cpu fp32", "cpu fp32i8", "cpu fp16 *1 -> cpu bf16"} {
		t.Run(spec, func(t *testing.T) {
			w := load(t, set, spec, 0)
			ref := forward(t, newRunner(t, w, backend.ReferenceOps{}), tokens, true)
			par := forward(t, newRunner(t, w, backend.NewParallel(4)), tokens, true)
			if diff := cmp.Diff(ref, par, cmpopts.EquateApprox(1e-3, 1e-3)); diff != "" {
				t.Fatalf("parallel differs (-reference +parallel):\n%s", diff)
			}
		})
	}
}

func TestExportedWeightsRunIdentically(t *testing.T) {
	spec := "cpu fp16i8 *1 -> cpu fp16 *1+"
	w := load(t, toy.New(toy.Small), spec, 0)
	path := filepath.Join(t.TempDir(), "pre.safetensors")
	if err := w.Export(path, ""); err != nil {
		t.Fatalf("Export: %v", err)
	}
	re, err := placement.LoadFile(path, placement.Options{
		Strategy: strategy.UseEmbedded,
		Logger:   logger.Discard(),
		Registry: device.NewRegistry(logger.Discard()),
	})
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	t.Cleanup(func() { _ = re.Close() })

	tokens := []int{6, 1, 6}
	a := forward(t, newRunner(t, w, backend.ReferenceOps{}), tokens, true)
	b := forward(t, newRunner(t, re, backend.ReferenceOps{}), tokens, true)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("reloaded weights differ (-fresh +reloaded):\n%s", diff)
	}
}

func TestNewRejectsBackend(t *testing.T) {
	w := load(t, toy.New(toy.Small), "cpu fp32", 0)
	if _, err := New(w, Config{Backend: "cuda-graphs"}); err == nil {
		t.Fatalf("unknown backend accepted")
	}
	r, err := New(w, Config{Backend: backend.Reference, Logger: logger.Discard()})
	if err != nil || r.Backend() != backend.Reference {
		t.Fatalf("New(reference) = %v, %v", r, err)
	}
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("nil weights accepted")
	}
}
