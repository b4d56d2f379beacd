package placement

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/rwkvrun/internal/checkpoint"
	"github.com/samcharles93/rwkvrun/internal/device"
	"github.com/samcharles93/rwkvrun/internal/errs"
	"github.com/samcharles93/rwkvrun/internal/strategy"
	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// ExportSafetensors is the only supported export format.
const ExportSafetensors = "safetensors"

// rescaleKey records the rescale interval next to the preconverted marker.
const rescaleKey = "rescale_layer"

// Attention holds one block's time-mixing parameters. Projections are
// [in, out]; TimeDecay already holds -exp(w).
type Attention struct {
	TimeDecay, TimeFirst   *tensor.Tensor
	MixK, MixV, MixR       *tensor.Tensor
	Key, Value, Receptance *tensor.Tensor
	Output                 *tensor.Tensor
}

// FFN holds one block's channel-mixing parameters.
type FFN struct {
	MixK, MixR             *tensor.Tensor
	Key, Receptance, Value *tensor.Tensor
}

type Block struct {
	Index      int
	LN1W, LN1B *tensor.Tensor
	LN2W, LN2B *tensor.Tensor
	Att        Attention
	FFN        FFN
}

// Weights is a placed parameter set. It is not modified after Place
// returns.
type Weights struct {
	Strategy *strategy.Strategy
	NLayer   int
	NEmbd    int
	NVocab   int
	// RescaleEvery is the residual halving interval; 0 disables it.
	RescaleEvery int
	Preconverted bool

	Emb            *tensor.Tensor
	Blocks         []Block
	LNOutW, LNOutB *tensor.Tensor
	Head           *tensor.Tensor

	params   map[string]*tensor.Tensor
	registry *device.Registry
}

// Param returns a placed parameter by its checkpoint name.
func (w *Weights) Param(name string) (*tensor.Tensor, bool) {
	t, ok := w.params[name]
	return t, ok
}

// Names returns the placed parameter names in sorted order.
func (w *Weights) Names() []string {
	names := make([]string, 0, len(w.params))
	for name := range w.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry returns the device registry the weights were placed through.
func (w *Weights) Registry() *device.Registry {
	return w.registry
}

// Close unpins streamed weights and drops them from device accounting.
func (w *Weights) Close() error {
	var errList []error
	for _, t := range w.params {
		if err := w.registry.Unpin(t); err != nil {
			errList = append(errList, err)
		}
		w.registry.Release(t)
	}
	return errors.Join(errList...)
}

// Marker returns the preconverted marker for the current strategy.
func (w *Weights) Marker() string {
	return fmt.Sprintf("%d|%d|%s", FormatVersion, w.Strategy.NLayer, strings.TrimSpace(w.Strategy.Spec))
}

// Export writes the placed weights with an embedded marker so they can be
// reloaded without running the pipeline. An empty format means safetensors.
func (w *Weights) Export(path, format string) error {
	if format == "" {
		format = ExportSafetensors
	}
	if format != ExportSafetensors {
		return errs.NewConfig(format, "unsupported export format")
	}
	set := checkpoint.NewSet()
	for name, t := range w.params {
		set.Tensors[name] = t
	}
	set.Marker = w.Marker()
	set.Metadata[rescaleKey] = strconv.Itoa(w.RescaleEvery)
	if err := checkpoint.Save(path, set); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

// freeze builds the typed view over the working map.
func freeze(params map[string]*tensor.Tensor, nLayer int) (*Weights, error) {
	var missing []string
	get := func(name string) *tensor.Tensor {
		t, ok := params[name]
		if !ok {
			missing = append(missing, name)
		}
		return t
	}
	w := &Weights{
		NLayer: nLayer,
		Emb:    get("emb.weight"),
		LNOutW: get("ln_out.weight"),
		LNOutB: get("ln_out.bias"),
		Head:   get("head.weight"),
		Blocks: make([]Block, nLayer),
		params: params,
	}
	for i := range w.Blocks {
		p := func(s string) *tensor.Tensor { return get(blockName(i, s)) }
		w.Blocks[i] = Block{
			Index: i,
			LN1W:  p("ln1.weight"),
			LN1B:  p("ln1.bias"),
			LN2W:  p("ln2.weight"),
			LN2B:  p("ln2.bias"),
			Att: Attention{
				TimeDecay:  p("att.time_decay"),
				TimeFirst:  p("att.time_first"),
				MixK:       p("att.time_mix_k"),
				MixV:       p("att.time_mix_v"),
				MixR:       p("att.time_mix_r"),
				Key:        p("att.key.weight"),
				Value:      p("att.value.weight"),
				Receptance: p("att.receptance.weight"),
				Output:     p("att.output.weight"),
			},
			FFN: FFN{
				MixK:       p("ffn.time_mix_k"),
				MixR:       p("ffn.time_mix_r"),
				Key:        p("ffn.key.weight"),
				Receptance: p("ffn.receptance.weight"),
				Value:      p("ffn.value.weight"),
			},
		}
	}
	if len(missing) > 0 {
		return nil, errs.NewModelFormat("missing parameters: %s", strings.Join(missing, ", "))
	}
	if len(w.Emb.Shape) != 2 {
		return nil, errs.NewModelFormat("emb.weight must be 2-D, got %v", w.Emb.Shape)
	}
	w.NVocab, w.NEmbd = w.Emb.Shape[0], w.Emb.Shape[1]
	if err := w.checkShapes(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Weights) checkShapes() error {
	e := w.NEmbd
	vec := func(name string, t *tensor.Tensor) error {
		if t.Len() != e {
			return errs.NewModelFormat("%s has %d values, want %d", name, t.Len(), e)
		}
		return nil
	}
	mat := func(name string, t *tensor.Tensor, in, out int) error {
		if len(t.Shape) != 2 || t.Shape[0] != in || t.Shape[1] != out {
			return errs.NewModelFormat("%s has shape %v, want [%d %d]", name, t.Shape, in, out)
		}
		return nil
	}
	if err := errors.Join(vec("ln_out.weight", w.LNOutW), vec("ln_out.bias", w.LNOutB),
		mat("head.weight", w.Head, e, w.NVocab)); err != nil {
		return err
	}
	for _, b := range w.Blocks {
		n := func(s string) string { return blockName(b.Index, s) }
		hidden := b.FFN.Key.Cols()
		err := errors.Join(
			vec(n("ln1.weight"), b.LN1W), vec(n("ln1.bias"), b.LN1B),
			vec(n("ln2.weight"), b.LN2W), vec(n("ln2.bias"), b.LN2B),
			vec(n("att.time_decay"), b.Att.TimeDecay), vec(n("att.time_first"), b.Att.TimeFirst),
			vec(n("att.time_mix_k"), b.Att.MixK), vec(n("att.time_mix_v"), b.Att.MixV),
			vec(n("att.time_mix_r"), b.Att.MixR),
			mat(n("att.key.weight"), b.Att.Key, e, e), mat(n("att.value.weight"), b.Att.Value, e, e),
			mat(n("att.receptance.weight"), b.Att.Receptance, e, e),
			mat(n("att.output.weight"), b.Att.Output, e, e),
			vec(n("ffn.time_mix_k"), b.FFN.MixK), vec(n("ffn.time_mix_r"), b.FFN.MixR),
			mat(n("ffn.key.weight"), b.FFN.Key, e, hidden),
			mat(n("ffn.receptance.weight"), b.FFN.Receptance, e, e),
			mat(n("ffn.value.weight"), b.FFN.Value, hidden, e),
		)
		if err != nil {
			return err
		}
	}
	return nil
}
