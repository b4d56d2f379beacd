// Package placement turns a raw RWKV-4 parameter set into one laid out for a
// strategy: folded, transposed, cast or quantized, and assigned to devices.
package placement

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samcharles93/rwkvrun/internal/checkpoint"
	"github.com/samcharles93/rwkvrun/internal/device"
	"github.com/samcharles93/rwkvrun/internal/errs"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/metrics"
	"github.com/samcharles93/rwkvrun/internal/strategy"
	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// FormatVersion is the leading field of the preconverted marker.
const FormatVersion = 1

// DefaultRescaleEvery is the residual halving interval used whenever a slot
// computes in fp16.
const DefaultRescaleEvery = 6

type Options struct {
	// Strategy is a placement descriptor, or strategy.UseEmbedded to adopt
	// the one stored in a preconverted set.
	Strategy string
	// DisablePinning keeps streamed weights in pageable host memory.
	DisablePinning bool
	// RescaleEvery overrides the residual halving interval: > 0 forces it,
	// < 0 disables it, 0 enables DefaultRescaleEvery when any slot is fp16.
	RescaleEvery int
	Logger       logger.Logger
	// Registry tracks residency; nil creates a private one.
	Registry *device.Registry
}

type pipeline struct {
	opts     Options
	log      logger.Logger
	reg      *device.Registry
	strat    *strategy.Strategy
	nLayer   int
	rescale  int
	placed   map[string]*tensor.Tensor
	finished bool
}

// LoadFile reads a safetensors checkpoint and places it.
func LoadFile(path string, opts Options) (*Weights, error) {
	set, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	return Place(set, opts)
}

// Place runs the loading pipeline over set. set itself is left untouched.
// On error nothing stays pinned or accounted.
func Place(set *checkpoint.Set, opts Options) (*Weights, error) {
	start := time.Now()
	p := &pipeline{
		opts:   opts,
		log:    logger.OrDefault(opts.Logger),
		reg:    opts.Registry,
		placed: make(map[string]*tensor.Tensor, set.Len()),
	}
	if p.reg == nil {
		p.reg = device.NewRegistry(p.log)
	}
	defer func() {
		if !p.finished {
			p.rollback()
		}
	}()

	n, err := layerCount(set.Names())
	if err != nil {
		return nil, errs.NewModelFormat("%v", err)
	}
	p.nLayer = n

	mode := "fresh"
	if set.Marker != "" {
		mode = "preconverted"
		err = p.preconverted(set)
	} else {
		err = p.fresh(set)
	}
	if err != nil {
		return nil, err
	}

	w, err := freeze(p.placed, p.nLayer)
	if err != nil {
		return nil, err
	}
	w.Strategy = p.strat
	w.RescaleEvery = p.rescale
	w.Preconverted = set.Marker != ""
	w.registry = p.reg
	p.finished = true

	p.reportResidency()
	metrics.LoadDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	p.log.Info("weights placed",
		"mode", mode,
		"n_layer", w.NLayer,
		"n_embd", w.NEmbd,
		"n_vocab", w.NVocab,
		"rescale_layer", w.RescaleEvery,
		"pinned_bytes", p.reg.PinnedBytes(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return w, nil
}

func (p *pipeline) rollback() {
	for _, t := range p.placed {
		_ = p.reg.Unpin(t)
		p.reg.Release(t)
	}
}

func (p *pipeline) fresh(set *checkpoint.Set) error {
	strat, err := strategy.Parse(p.opts.Strategy, p.nLayer)
	if err != nil {
		return err
	}
	p.strat = strat
	p.rescale = resolveRescale(p.opts.RescaleEvery, strat)
	p.logPlan()

	work := make(map[string]*tensor.Tensor, set.Len())
	for name, t := range set.Tensors {
		work[name] = t
	}
	emb, err := foldEmbedding(work)
	if err != nil {
		return err
	}
	work["emb.weight"] = emb
	delete(work, "blocks.0.ln0.weight")
	delete(work, "blocks.0.ln0.bias")

	if want := ExpectedParams(p.nLayer); len(work) != want {
		return errs.NewModelFormat("not a RWKV-4 model: %d parameters for %d layers, want %d", len(work), p.nLayer, want)
	}
	for _, name := range ParamNames(p.nLayer) {
		if _, ok := work[name]; !ok {
			return errs.NewModelFormat("not a RWKV-4 model: missing parameter %s", name)
		}
	}

	for _, name := range sortedNames(work) {
		layer := layerOf(name, p.nLayer)
		slot := strat.Slot(layer)
		t, err := p.convert(name, work[name], layer, slot)
		if err != nil {
			return fmt.Errorf("convert %s: %w", name, err)
		}
		if err := p.place(name, t, slot); err != nil {
			return err
		}
		p.logParam(name, t, layer)
	}
	return nil
}

func (p *pipeline) preconverted(set *checkpoint.Set) error {
	version, rest, ok := strings.Cut(set.Marker, "|")
	if !ok || version != strconv.Itoa(FormatVersion) {
		return errs.NewModelFormat("preconverted for an incompatible format version: %q", set.Marker)
	}
	nStr, spec, ok := strings.Cut(rest, "|")
	pn, err := strconv.Atoi(nStr)
	if !ok || err != nil {
		return errs.NewModelFormat("malformed preconverted marker %q", set.Marker)
	}
	embedded, err := strategy.Parse(spec, pn)
	if err != nil {
		return errs.NewModelFormat("invalid embedded strategy %q: %v", spec, err)
	}
	p.log.Info("loaded model has embedded strategy", "strategy", embedded.Spec)

	if strings.TrimSpace(p.opts.Strategy) == strategy.UseEmbedded {
		if pn != p.nLayer {
			return errs.NewModelFormat("embedded strategy is for %d layers, checkpoint has %d", pn, p.nLayer)
		}
		p.strat = embedded
	} else {
		req, err := strategy.Parse(p.opts.Strategy, p.nLayer)
		if err != nil {
			return err
		}
		if !req.Compatible(embedded) {
			return errs.NewModelFormat(
				"loading preconverted weights with an incompatible strategy: preconverted [%s](%d), requested [%s](%d)",
				embedded.Spec, pn, req.Spec, p.nLayer)
		}
		p.strat = req
	}

	p.rescale = resolveRescale(0, p.strat)
	if v, ok := set.Metadata[rescaleKey]; ok {
		r, err := strconv.Atoi(v)
		if err != nil || r < 0 {
			return errs.NewModelFormat("invalid %s %q", rescaleKey, v)
		}
		p.rescale = r
	}
	if p.opts.RescaleEvery != 0 && max(p.opts.RescaleEvery, 0) != p.rescale {
		return errs.NewConfig(strconv.Itoa(p.opts.RescaleEvery), "rescale interval is fixed by the preconverted weights")
	}
	p.logPlan()

	for _, name := range set.Names() {
		layer := layerOf(name, p.nLayer)
		c := *set.Tensors[name]
		if err := p.place(name, &c, p.strat.Slot(layer)); err != nil {
			return err
		}
		p.logParam(name, &c, layer)
	}
	return nil
}

// resolveRescale applies the override rules in Options.RescaleEvery.
func resolveRescale(override int, s *strategy.Strategy) int {
	switch {
	case override > 0:
		return override
	case override < 0:
		return 0
	case s.HasActivation(tensor.F16):
		return DefaultRescaleEvery
	default:
		return 0
	}
}

// foldEmbedding applies blocks.0.ln0 to every embedding row, in fp32.
func foldEmbedding(work map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	emb, ok := work["emb.weight"]
	if !ok {
		return nil, errs.NewModelFormat("not a RWKV-4 model: missing parameter emb.weight")
	}
	lw, okW := work["blocks.0.ln0.weight"]
	lb, okB := work["blocks.0.ln0.bias"]
	if !okW || !okB {
		return nil, errs.NewModelFormat("not a RWKV-4 model: missing parameter blocks.0.ln0")
	}
	if len(emb.Shape) != 2 {
		return nil, errs.NewModelFormat("emb.weight must be 2-D, got %v", emb.Shape)
	}
	rows, cols := emb.Shape[0], emb.Shape[1]
	if lw.Len() != cols || lb.Len() != cols {
		return nil, errs.NewModelFormat("blocks.0.ln0 width does not match n_embd %d", cols)
	}
	weight, bias := lw.Float32(), lb.Float32()
	src := emb.Float32()
	out := make([]float32, len(src))
	for i := range rows {
		tensor.LayerNorm(out[i*cols:(i+1)*cols], src[i*cols:(i+1)*cols], weight, bias, tensor.LayerNormEps)
	}
	return tensor.FromF32(out, rows, cols), nil
}

// convert applies the per-parameter transforms of a fresh load.
func (p *pipeline) convert(name string, src *tensor.Tensor, layer int, slot strategy.Slot) (*tensor.Tensor, error) {
	t := tensor.FromF32(src.Float32(), src.Shape...)

	if p.rescale > 0 && isRescaled(name) {
		tensor.Scale(t.Data, float32(1/math.Exp2(float64(layer/p.rescale))))
	}
	if strings.Contains(name, ".time_") {
		t.Squeeze()
	}
	if isProjection(name) {
		if len(t.Shape) != 2 {
			return nil, errs.NewModelFormat("%s must be 2-D, got %v", name, t.Shape)
		}
		t = t.Transpose()
	}

	switch {
	case strings.Contains(name, ".time_decay"):
		return t.Map(func(v float32) float32 { return -float32(math.Exp(float64(v))) }), nil
	case strings.Contains(name, ".time_first"):
		return t, nil
	case len(t.Shape) == 2 && !strings.HasPrefix(name, "emb."):
		if slot.WType == tensor.U8 {
			return tensor.Quantize(t, slot.AType)
		}
		return t.Cast(slot.WType), nil
	default:
		return t.Cast(slot.AType), nil
	}
}

// place assigns t to its device. Embeddings and streamed matrices stay on
// the host; streamed matrices are pinned unless pinning is disabled.
func (p *pipeline) place(name string, t *tensor.Tensor, slot strategy.Slot) error {
	dev, err := device.Parse(slot.Device)
	if err != nil {
		return errs.NewConfig(slot.Device, err.Error())
	}
	switch {
	case strings.HasPrefix(name, "emb."):
		p.reg.Place(t, device.Host)
	case slot.Stream && isStreamable(name):
		p.reg.Place(t, device.Host)
		if !p.opts.DisablePinning {
			if err := p.reg.Pin(t); err != nil {
				metrics.PinFailures.Inc()
				p.log.Warn("running out of pinnable host memory, streamed weight stays pageable",
					"param", name, "error", err)
			}
		}
	default:
		p.reg.Place(t, dev)
	}
	p.placed[name] = t
	metrics.ParamsPlaced.WithLabelValues(t.Device, t.DType.String()).Inc()

	if strings.HasSuffix(name, "ffn.value.weight") {
		p.reg.Reclaim()
	}
	return nil
}

func (p *pipeline) logPlan() {
	p.log.Info("placement plan",
		"strategy", p.strat.Spec,
		"rescale_layer", p.rescale,
		"pinning", !p.opts.DisablePinning,
	)
	for _, line := range strings.Split(p.strat.Report(), "\n") {
		p.log.Debug(line)
	}
}

// logParam reports the first and last layers only; the middle is repetitive.
func (p *pipeline) logParam(name string, t *tensor.Tensor, layer int) {
	if layer != 0 && layer < p.nLayer-1 {
		return
	}
	p.log.Debug("param",
		"name", name,
		"dtype", t.DType.String(),
		"device", t.Device,
		"shape", fmt.Sprint(t.Shape),
		"pinned", t.Pinned,
	)
}

func (p *pipeline) reportResidency() {
	seen := map[device.Device]bool{device.Host: true}
	for _, sl := range p.strat.Slots {
		if d, err := device.Parse(sl.Device); err == nil {
			seen[d] = true
		}
	}
	for d := range seen {
		metrics.DeviceResidentBytes.WithLabelValues(d.String()).Set(float64(p.reg.Resident(d)))
	}
}

func sortedNames(m map[string]*tensor.Tensor) []string {
	s := checkpoint.Set{Tensors: m}
	return s.Names()
}
