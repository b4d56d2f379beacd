// Package toy builds small synthetic RWKV-4 checkpoints and a plain float64
// reference forward pass used to test and benchmark the runtime.
package toy

import (
	"math/rand"
	"strconv"

	"github.com/samcharles93/rwkvrun/internal/checkpoint"
	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// Config sizes a synthetic model.
type Config struct {
	Layers int
	Embd   int
	Hidden int // ffn width; 0 means 4*Embd
	Vocab  int
	Seed   int64
}

// Small is the configuration most tests use.
var Small = Config{Layers: 3, Embd: 16, Vocab: 24, Seed: 7}

func (c Config) hidden() int {
	if c.Hidden > 0 {
		return c.Hidden
	}
	return 4 * c.Embd
}

type filler struct {
	rng *rand.Rand
}

func (f filler) uniform(lo, hi float32, shape ...int) *tensor.Tensor {
	t := tensor.New(tensor.F32, shape...)
	for i := range t.Data {
		t.Data[i] = lo + f.rng.Float32()*(hi-lo)
	}
	return t
}

// New generates a raw checkpoint in training layout: projections are
// [out, in], time mixes are [1, 1, n_embd] and blocks.0 carries ln0.
func New(c Config) *checkpoint.Set {
	f := filler{rng: rand.New(rand.NewSource(c.Seed))}
	e, h := c.Embd, c.hidden()
	set := checkpoint.NewSet()
	put := func(name string, t *tensor.Tensor) { set.Tensors[name] = t }

	put("emb.weight", f.uniform(-1, 1, c.Vocab, e))
	put("ln_out.weight", f.uniform(0.8, 1.2, e))
	put("ln_out.bias", f.uniform(-0.1, 0.1, e))
	put("head.weight", f.uniform(-0.5, 0.5, c.Vocab, e))

	for i := range c.Layers {
		b := func(s string) string { return blockName(i, s) }
		if i == 0 {
			put(b("ln0.weight"), f.uniform(0.8, 1.2, e))
			put(b("ln0.bias"), f.uniform(-0.1, 0.1, e))
		}
		put(b("ln1.weight"), f.uniform(0.8, 1.2, e))
		put(b("ln1.bias"), f.uniform(-0.1, 0.1, e))
		put(b("ln2.weight"), f.uniform(0.8, 1.2, e))
		put(b("ln2.bias"), f.uniform(-0.1, 0.1, e))

		put(b("att.time_decay"), f.uniform(-2, 1, e))
		put(b("att.time_first"), f.uniform(-1, 1, e))
		put(b("att.time_mix_k"), f.uniform(0, 1, 1, 1, e))
		put(b("att.time_mix_v"), f.uniform(0, 1, 1, 1, e))
		put(b("att.time_mix_r"), f.uniform(0, 1, 1, 1, e))
		put(b("att.key.weight"), f.uniform(-0.5, 0.5, e, e))
		put(b("att.value.weight"), f.uniform(-0.5, 0.5, e, e))
		put(b("att.receptance.weight"), f.uniform(-0.5, 0.5, e, e))
		put(b("att.output.weight"), f.uniform(-0.5, 0.5, e, e))

		put(b("ffn.time_mix_k"), f.uniform(0, 1, 1, 1, e))
		put(b("ffn.time_mix_r"), f.uniform(0, 1, 1, 1, e))
		put(b("ffn.key.weight"), f.uniform(-0.5, 0.5, h, e))
		put(b("ffn.receptance.weight"), f.uniform(-0.5, 0.5, e, e))
		put(b("ffn.value.weight"), f.uniform(-0.3, 0.3, e, h))
	}
	return set
}

// Write generates a model and saves it as safetensors at path.
func Write(path string, c Config) error {
	return checkpoint.Save(path, New(c))
}

func blockName(i int, s string) string {
	return "blocks." + strconv.Itoa(i) + "." + s
}
