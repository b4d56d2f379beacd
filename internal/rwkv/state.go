package rwkv

import (
	"fmt"

	"github.com/samcharles93/rwkvrun/internal/backend"
)

// LayerState is what one block carries from one forward call to the next:
// the last normalized input of each stage for token-shift, and the attention
// accumulators.
type LayerState struct {
	AttX []float32
	AA   []float32
	BB   []float32
	PP   []float32
	FfnX []float32
}

// State holds one LayerState per block.
type State []LayerState

// NewState returns the state of a model that has seen no tokens.
func NewState(nLayer, nEmbd int) State {
	s := make(State, nLayer)
	for i := range s {
		pp := make([]float32, nEmbd)
		for j := range pp {
			pp[j] = backend.PPEmpty
		}
		s[i] = LayerState{
			AttX: make([]float32, nEmbd),
			AA:   make([]float32, nEmbd),
			BB:   make([]float32, nEmbd),
			PP:   pp,
			FfnX: make([]float32, nEmbd),
		}
	}
	return s
}

// Clone deep-copies s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for i, l := range s {
		out[i] = LayerState{
			AttX: append([]float32(nil), l.AttX...),
			AA:   append([]float32(nil), l.AA...),
			BB:   append([]float32(nil), l.BB...),
			PP:   append([]float32(nil), l.PP...),
			FfnX: append([]float32(nil), l.FfnX...),
		}
	}
	return out
}

// Check reports whether s fits a model of the given size.
func (s State) Check(nLayer, nEmbd int) error {
	if len(s) != nLayer {
		return fmt.Errorf("state has %d layers, model has %d", len(s), nLayer)
	}
	for i, l := range s {
		for _, v := range [][]float32{l.AttX, l.AA, l.BB, l.PP, l.FfnX} {
			if len(v) != nEmbd {
				return fmt.Errorf("state layer %d has width %d, model has %d", i, len(v), nEmbd)
			}
		}
	}
	return nil
}

func (l *LayerState) wkv() backend.WKVState {
	return backend.WKVState{AA: l.AA, BB: l.BB, PP: l.PP}
}
