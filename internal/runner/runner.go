// Package runner drives a placed model: embedding lookup, every block in plan
// order, then the head.
package runner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/samcharles93/rwkvrun/internal/backend"
	"github.com/samcharles93/rwkvrun/internal/device"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/metrics"
	"github.com/samcharles93/rwkvrun/internal/placement"
	"github.com/samcharles93/rwkvrun/internal/rwkv"
	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// ErrInvalidInput is returned for empty token lists, out-of-vocabulary
// tokens and states that do not fit the model.
var ErrInvalidInput = errors.New("invalid forward input")

type Config struct {
	// Backend is "auto", "reference" or "parallel"; empty means auto.
	Backend string
	// Ops overrides Backend when set.
	Ops    backend.Ops
	Logger logger.Logger
}

// Runner is safe for concurrent Forward calls as long as each call owns its
// state; the weights are never written.
type Runner struct {
	w       *placement.Weights
	ops     backend.Ops
	log     logger.Logger
	layers  []rwkv.Layer
	devices []device.Device
}

// New resolves the per-slot engines once.
func New(w *placement.Weights, cfg Config) (*Runner, error) {
	if w == nil {
		return nil, errors.New("runner: nil weights")
	}
	ops := cfg.Ops
	if ops == nil {
		var err error
		ops, err = backend.New(cfg.Backend)
		if err != nil {
			return nil, err
		}
	}
	r := &Runner{
		w:   w,
		ops: ops,
		log: logger.OrDefault(cfg.Logger),
	}
	for _, slot := range w.Strategy.Slots {
		d, err := device.Parse(slot.Device)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", slot.Index, err)
		}
		r.layers = append(r.layers, rwkv.NewLayer(slot, ops))
		r.devices = append(r.devices, d)
	}
	r.log.Debug("runner ready",
		"backend", ops.Name(),
		"n_layer", w.NLayer,
		"streamed", w.Strategy.StreamCount,
		"rescale_layer", w.RescaleEvery,
	)
	return r, nil
}

// Weights returns the placed weights the runner reads.
func (r *Runner) Weights() *placement.Weights { return r.w }

// Backend returns the name of the kernel backend in use.
func (r *Runner) Backend() string { return r.ops.Name() }

// NewState returns a fresh state for this model.
func (r *Runner) NewState() rwkv.State {
	return rwkv.NewState(r.w.NLayer, r.w.NEmbd)
}

// Forward consumes tokens starting from state (nil for a fresh one) and
// returns the scores for the last token, or for every token when
// fullOutput is set, plus the advanced state. state itself is not modified.
func (r *Runner) Forward(tokens []int, state rwkv.State, fullOutput bool) ([][]float32, rwkv.State, error) {
	start := time.Now()
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("%w: no tokens", ErrInvalidInput)
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= r.w.NVocab {
			return nil, nil, fmt.Errorf("%w: token %d at position %d outside vocabulary of %d", ErrInvalidInput, tok, i, r.w.NVocab)
		}
	}
	if state == nil {
		state = r.NewState()
	} else {
		if err := state.Check(r.w.NLayer, r.w.NEmbd); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		state = state.Clone()
	}

	x := make([][]float32, len(tokens))
	for i, tok := range tokens {
		x[i] = make([]float32, r.w.NEmbd)
		r.w.Emb.RowTo(x[i], tok)
	}

	for i := range r.w.Blocks {
		var err error
		if r.w.Strategy.Slot(i).Stream {
			err = r.streamed(i, x, &state[i])
		} else {
			r.block(i, &r.w.Blocks[i], x, &state[i])
		}
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if r.w.RescaleEvery > 0 && (i+1)%r.w.RescaleEvery == 0 {
			r.layers[i].Halve(x)
		}
	}

	if !fullOutput {
		x = x[len(x)-1:]
	}
	head := r.layers[r.w.NLayer]
	out := head.Head(x, r.w.LNOutW, r.w.LNOutB, r.w.Head)

	if !finite(out) {
		metrics.NonFiniteOutputs.Inc()
		r.log.Warn("non-finite scores", "tokens", len(tokens), "rescale_layer", r.w.RescaleEvery)
	}
	metrics.ObserveForward(len(tokens), time.Since(start))
	return out, state, nil
}

func (r *Runner) block(i int, b *placement.Block, x [][]float32, st *rwkv.LayerState) {
	l := r.layers[i]
	l.Attention(x, b, st)
	l.FFN(x, b, st)
}

// streamed enqueues the layer's matrices on its device queue and runs the
// layer behind them. The queue is in order, so the compute sees the copies
// without waiting on each transfer.
func (r *Runner) streamed(i int, x [][]float32, st *rwkv.LayerState) error {
	src := &r.w.Blocks[i]
	dev := r.devices[i]
	reg := r.w.Registry()

	mats := []**tensor.Tensor{
		&src.Att.Key, &src.Att.Value, &src.Att.Receptance, &src.Att.Output,
		&src.FFN.Key, &src.FFN.Receptance, &src.FFN.Value,
	}
	staged := make([]*device.Staged, len(mats))
	var bytes int64
	for j, m := range mats {
		staged[j] = reg.Transfer(*m, dev)
		bytes += (*m).Bytes()
	}
	metrics.StreamedBytes.Add(float64(bytes))

	return reg.Queue(dev).Do(func() error {
		b := *src
		dst := []**tensor.Tensor{
			&b.Att.Key, &b.Att.Value, &b.Att.Receptance, &b.Att.Output,
			&b.FFN.Key, &b.FFN.Receptance, &b.FFN.Value,
		}
		for j, d := range dst {
			t := staged[j].Tensor()
			if t == nil {
				return fmt.Errorf("streamed weight %d not transferred", j)
			}
			*d = t
		}
		r.block(i, &b, x, st)
		return nil
	})
}

func finite(rows [][]float32) bool {
	for _, row := range rows {
		for _, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return false
			}
		}
	}
	return true
}
