package placement

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/samcharles93/rwkvrun/internal/checkpoint"
	"github.com/samcharles93/rwkvrun/internal/device"
	"github.com/samcharles93/rwkvrun/internal/errs"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/metrics"
	"github.com/samcharles93/rwkvrun/internal/strategy"
	"github.com/samcharles93/rwkvrun/internal/tensor"
	"github.com/samcharles93/rwkvrun/internal/toy"
)

func opts(spec string) Options {
	return Options{
		Strategy: spec,
		Logger:   logger.Discard(),
		Registry: device.NewRegistry(logger.Discard()),
	}
}

func place(t *testing.T, set *checkpoint.Set, o Options) *Weights {
	t.Helper()
	w, err := Place(set, o)
	if err != nil {
		t.Fatalf("Place(%q): %v", o.Strategy, err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestPlaceFresh(t *testing.T) {
	set := toy.New(toy.Small)
	rawEmb := set.Tensors["emb.weight"].Float32()
	w := place(t, set, opts("cpu fp32"))

	if w.NLayer != 3 || w.NEmbd != 16 || w.NVocab != 24 || w.Preconverted {
		t.Fatalf("dims = %d/%d/%d preconverted=%v", w.NLayer, w.NEmbd, w.NVocab, w.Preconverted)
	}
	if got, want := len(w.Names()), ExpectedParams(3); got != want {
		t.Fatalf("params = %d, want %d", got, want)
	}
	if _, ok := w.Param("blocks.0.ln0.weight"); ok {
		t.Fatalf("ln0 survived the fold")
	}
	if w.RescaleEvery != 0 {
		t.Fatalf("fp32 strategy enabled rescale %d", w.RescaleEvery)
	}

	if diff := cmp.Diff([]int{16, 64}, w.Blocks[1].FFN.Key.Shape); diff != "" {
		t.Fatalf("ffn.key shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{16}, w.Blocks[0].Att.MixK.Shape); diff != "" {
		t.Fatalf("time_mix shape (-want +got):\n%s", diff)
	}

	raw := set.Tensors["blocks.2.att.key.weight"].Float32()
	key := w.Blocks[2].Att.Key.Float32()
	if key[1*16+3] != raw[3*16+1] {
		t.Fatalf("key not transposed")
	}

	rawDecay := set.Tensors["blocks.1.att.time_decay"].Float32()
	decay := w.Blocks[1].Att.TimeDecay
	if decay.DType != tensor.F32 {
		t.Fatalf("time_decay dtype %s", decay.DType)
	}
	if want := -float32(math.Exp(float64(rawDecay[4]))); decay.Data[4] != want {
		t.Fatalf("time_decay[4] = %v, want %v", decay.Data[4], want)
	}

	row := make([]float32, 16)
	tensor.LayerNorm(row, rawEmb[2*16:3*16], set.Tensors["blocks.0.ln0.weight"].Data,
		set.Tensors["blocks.0.ln0.bias"].Data, tensor.LayerNormEps)
	if diff := cmp.Diff(row, w.Emb.Float32()[2*16:3*16]); diff != "" {
		t.Fatalf("folded embedding (-want +got):\n%s", diff)
	}

	// the input set is untouched
	if diff := cmp.Diff(rawEmb, set.Tensors["emb.weight"].Data); diff != "" {
		t.Fatalf("input embedding modified")
	}
	if _, ok := set.Tensors["blocks.0.ln0.weight"]; !ok {
		t.Fatalf("ln0 removed from the input set")
	}
}

func TestPlaceDTypes(t *testing.T) {
	w := place(t, toy.New(toy.Small), opts("cpu fp16i8 *2 -> cpu bf16"))

	b0 := w.Blocks[0]
	if b0.Att.Key.DType != tensor.U8 || b0.Att.Key.Quant == nil || b0.Att.Key.Quant.DType != tensor.F16 {
		t.Fatalf("layer 0 key not quantized with fp16 corrections: %s", b0.Att.Key.DType)
	}
	if b0.LN1W.DType != tensor.F16 || b0.Att.MixK.DType != tensor.F16 {
		t.Fatalf("layer 0 vectors in %s/%s, want fp16", b0.LN1W.DType, b0.Att.MixK.DType)
	}
	if b0.Att.TimeDecay.DType != tensor.F32 || b0.Att.TimeFirst.DType != tensor.F32 {
		t.Fatalf("time_decay/time_first not kept in fp32")
	}
	if w.Emb.DType != tensor.F16 {
		t.Fatalf("emb dtype %s, want layer 0 activation fp16", w.Emb.DType)
	}
	b2 := w.Blocks[2]
	if b2.Att.Key.DType != tensor.BF16 || w.Head.DType != tensor.BF16 {
		t.Fatalf("tail dtypes %s/%s, want bf16", b2.Att.Key.DType, w.Head.DType)
	}
	if w.RescaleEvery != DefaultRescaleEvery {
		t.Fatalf("rescale = %d, want %d", w.RescaleEvery, DefaultRescaleEvery)
	}
}

func TestPlaceRescale(t *testing.T) {
	set := toy.New(toy.Small)
	o := opts("cpu fp32")
	o.RescaleEvery = 1
	w := place(t, set, o)
	if w.RescaleEvery != 1 {
		t.Fatalf("rescale = %d", w.RescaleEvery)
	}
	raw := set.Tensors["blocks.2.att.output.weight"].Float32()
	got := w.Blocks[2].Att.Output.Float32()
	if want := raw[5*16+7] / 4; got[7*16+5] != want {
		t.Fatalf("att.output not pre-divided: got %v want %v", got[7*16+5], want)
	}
	rawV := set.Tensors["blocks.1.ffn.value.weight"].Float32()
	gotV := w.Blocks[1].FFN.Value.Float32()
	if want := rawV[0] / 2; gotV[0] != want {
		t.Fatalf("ffn.value not pre-divided: got %v want %v", gotV[0], want)
	}

	o = opts("cpu fp16")
	o.RescaleEvery = -1
	if w := place(t, set, o); w.RescaleEvery != 0 {
		t.Fatalf("disabled rescale = %d", w.RescaleEvery)
	}
}

func TestPlaceStreamed(t *testing.T) {
	before := testutil.ToFloat64(metrics.PinFailures)
	o := opts("cpu fp32 *1 -> cuda fp16 *1+")
	w := place(t, toy.New(toy.Small), o)

	if !w.Strategy.Streamed() || !w.Strategy.Slot(2).Stream {
		t.Fatalf("strategy not streamed:\n%s", w.Strategy.Report())
	}
	streamed := w.Blocks[2].Att.Key
	if streamed.Device != "cpu" {
		t.Fatalf("streamed key on %s, want cpu", streamed.Device)
	}
	if !streamed.Pinned && testutil.ToFloat64(metrics.PinFailures) <= before {
		t.Fatalf("streamed key neither pinned nor reported as a pin failure")
	}
	if d := w.Blocks[2].LN1W.Device; d != "cuda:0" {
		t.Fatalf("streamed layer vector on %s, want cuda:0", d)
	}
	if d := w.Blocks[1].Att.Key.Device; d != "cuda:0" {
		t.Fatalf("stored key on %s, want cuda:0", d)
	}
	if d := w.Head.Device; d != "cuda:0" {
		t.Fatalf("head on %s, want cuda:0", d)
	}
	if d := w.Emb.Device; d != "cpu" {
		t.Fatalf("emb on %s, want cpu", d)
	}
	if o.Registry.Resident(device.Device{Kind: device.CUDA}) == 0 {
		t.Fatalf("nothing accounted on cuda:0")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := o.Registry.PinnedBytes(); n != 0 {
		t.Fatalf("pinned bytes after close = %d", n)
	}
	if n := o.Registry.Resident(device.Host); n != 0 {
		t.Fatalf("host bytes after close = %d", n)
	}
}

func TestPlaceDisablePinning(t *testing.T) {
	o := opts("cpu fp32 *1+")
	o.DisablePinning = true
	w := place(t, toy.New(toy.Small), o)
	for _, name := range w.Names() {
		if p, _ := w.Param(name); p.Pinned {
			t.Fatalf("%s pinned with pinning disabled", name)
		}
	}
}

func TestPlaceRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*checkpoint.Set)
		spec   string
		kind   error
	}{
		{"bad strategy", nil, "cpu fp64", errs.ErrConfig},
		{"missing param", func(s *checkpoint.Set) { delete(s.Tensors, "blocks.1.att.key.weight") }, "cpu fp32", errs.ErrModelFormat},
		{"missing emb", func(s *checkpoint.Set) { delete(s.Tensors, "emb.weight") }, "cpu fp32", errs.ErrModelFormat},
		{"missing ln0", func(s *checkpoint.Set) { delete(s.Tensors, "blocks.0.ln0.bias") }, "cpu fp32", errs.ErrModelFormat},
		{"extra param", func(s *checkpoint.Set) {
			s.Tensors["blocks.0.att.extra"] = tensor.New(tensor.F32, 16)
		}, "cpu fp32", errs.ErrModelFormat},
		{"swapped param", func(s *checkpoint.Set) {
			s.Tensors["blocks.0.att.extra"] = s.Tensors["blocks.0.ln1.bias"]
			delete(s.Tensors, "blocks.0.ln1.bias")
		}, "cpu fp32", errs.ErrModelFormat},
		{"bad shape", func(s *checkpoint.Set) {
			s.Tensors["blocks.2.att.value.weight"] = tensor.New(tensor.F32, 16, 8)
		}, "cpu fp32", errs.ErrModelFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := toy.New(toy.Small)
			if tc.mutate != nil {
				tc.mutate(set)
			}
			o := opts(tc.spec)
			_, err := Place(set, o)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("Place error = %v, want %v", err, tc.kind)
			}
			if n := o.Registry.Resident(device.Host); n != 0 {
				t.Fatalf("failed load left %d bytes accounted", n)
			}
		})
	}
}

func exportSmall(t *testing.T, spec string) (*Weights, string) {
	t.Helper()
	w := place(t, toy.New(toy.Small), opts(spec))
	path := filepath.Join(t.TempDir(), "pre.safetensors")
	if err := w.Export(path, ""); err != nil {
		t.Fatalf("Export: %v", err)
	}
	return w, path
}

func TestExportReload(t *testing.T) {
	spec := "cpu fp16i8 *1 -> cpu fp32"
	fresh, path := exportSmall(t, spec)

	set, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := "1|3|" + spec; set.Marker != want {
		t.Fatalf("marker = %q, want %q", set.Marker, want)
	}

	o := opts(strategy.UseEmbedded)
	re, err := LoadFile(path, o)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	t.Cleanup(func() { _ = re.Close() })
	if !re.Preconverted || re.Strategy.Spec != spec || re.RescaleEvery != fresh.RescaleEvery {
		t.Fatalf("reloaded: preconverted=%v spec=%q rescale=%d", re.Preconverted, re.Strategy.Spec, re.RescaleEvery)
	}
	if diff := cmp.Diff(fresh.Names(), re.Names()); diff != "" {
		t.Fatalf("names (-fresh +reloaded):\n%s", diff)
	}
	for _, name := range fresh.Names() {
		a, _ := fresh.Param(name)
		b, _ := re.Param(name)
		if a.DType != b.DType {
			t.Fatalf("%s: dtype %s vs %s", name, a.DType, b.DType)
		}
		if diff := cmp.Diff(a.Float32(), b.Float32()); diff != "" {
			t.Fatalf("%s differs after reload (-fresh +reloaded):\n%s", name, diff)
		}
	}

	// a device-only change is accepted and moves the weights
	moved, err := LoadFile(path, opts("cuda:1 fp16i8 *1 -> cuda:1 fp32"))
	if err != nil {
		t.Fatalf("LoadFile on cuda:1: %v", err)
	}
	t.Cleanup(func() { _ = moved.Close() })
	if d := moved.Blocks[1].Att.Key.Device; d != "cuda:1" {
		t.Fatalf("moved key on %s", d)
	}
}

func TestPreconvertedRejects(t *testing.T) {
	_, path := exportSmall(t, "cpu fp16 *2 -> cpu fp32")

	_, err := LoadFile(path, opts("cpu fp32"))
	var mf *errs.ModelFormatError
	if !errors.As(err, &mf) {
		t.Fatalf("incompatible strategy error = %v", err)
	}

	o := opts(strategy.UseEmbedded)
	o.RescaleEvery = 2
	if _, err := LoadFile(path, o); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("conflicting rescale error = %v", err)
	}

	set, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, marker := range []string{"2|3|cpu fp16 *2 -> cpu fp32", "1|x|cpu fp32", "1|3|gpu fp32", "garbage"} {
		set.Marker = marker
		if _, err := Place(set, opts(strategy.UseEmbedded)); !errors.Is(err, errs.ErrModelFormat) {
			t.Fatalf("marker %q: error = %v", marker, err)
		}
	}
	set.Marker = "1|4|cpu fp16 *2 -> cpu fp32"
	if _, err := Place(set, opts(strategy.UseEmbedded)); !errors.Is(err, errs.ErrModelFormat) {
		t.Fatalf("layer count mismatch: error = %v", err)
	}
}

func TestExportFormat(t *testing.T) {
	w := place(t, toy.New(toy.Small), opts("cpu fp32"))
	err := w.Export(filepath.Join(t.TempDir(), "x.gguf"), "gguf")
	var ce *errs.ConfigError
	if !errors.As(err, &ce) || ce.Input != "gguf" {
		t.Fatalf("Export(gguf) error = %v", err)
	}
}

func TestParamNames(t *testing.T) {
	names := ParamNames(2)
	if len(names) != ExpectedParams(2) {
		t.Fatalf("ParamNames(2) has %d names", len(names))
	}
	if layerOf("head.weight", 2) != 2 || layerOf("blocks.1.ffn.key.weight", 2) != 1 || layerOf("emb.weight", 2) != 0 {
		t.Fatalf("layerOf mismatch")
	}
	if !isStreamable("blocks.0.att.output.weight") || isStreamable("head.weight") || isStreamable("blocks.0.ln1.weight") {
		t.Fatalf("isStreamable mismatch")
	}
}
