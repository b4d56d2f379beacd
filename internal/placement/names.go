package placement

import (
	"fmt"
	"strconv"
	"strings"
)

// ParamsPerBlock is the number of parameters in one RWKV-4 block.
const ParamsPerBlock = 4 + 9 + 5

// ExpectedParams returns the parameter count of a fresh RWKV-4 set with the
// first block's ln0 already folded into the embedding.
func ExpectedParams(nLayer int) int {
	return 4 + ParamsPerBlock*nLayer
}

var blockParams = []string{
	"ln1.weight", "ln1.bias", "ln2.weight", "ln2.bias",
	"att.time_decay", "att.time_first",
	"att.time_mix_k", "att.time_mix_v", "att.time_mix_r",
	"att.key.weight", "att.value.weight", "att.receptance.weight", "att.output.weight",
	"ffn.time_mix_k", "ffn.time_mix_r",
	"ffn.key.weight", "ffn.receptance.weight", "ffn.value.weight",
}

var topParams = []string{"emb.weight", "ln_out.weight", "ln_out.bias", "head.weight"}

// ParamNames lists every parameter of an n-layer model after the ln0 fold.
func ParamNames(nLayer int) []string {
	out := append([]string(nil), topParams...)
	for i := range nLayer {
		for _, p := range blockParams {
			out = append(out, blockName(i, p))
		}
	}
	return out
}

func blockName(i int, p string) string {
	return "blocks." + strconv.Itoa(i) + "." + p
}

// blockIndex returns i for "blocks.<i>.*".
func blockIndex(name string) (int, bool, error) {
	rest, ok := strings.CutPrefix(name, "blocks.")
	if !ok {
		return 0, false, nil
	}
	idx, _, _ := strings.Cut(rest, ".")
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("bad block index in %q", name)
	}
	return n, true, nil
}

// layerCount is one past the highest block index.
func layerCount(names []string) (int, error) {
	n := 0
	for _, name := range names {
		i, ok, err := blockIndex(name)
		if err != nil {
			return 0, err
		}
		if ok {
			n = max(n, i+1)
		}
	}
	return n, nil
}

// layerOf maps a parameter to the slot that owns it: its block, the head
// slot for ln_out and head, and slot 0 for everything else.
func layerOf(name string, nLayer int) int {
	if strings.HasPrefix(name, "ln_out.") || strings.HasPrefix(name, "head.") {
		return nLayer
	}
	if i, ok, err := blockIndex(name); ok && err == nil {
		return i
	}
	return 0
}

// isProjection reports a 2-D matrix that is stored transposed as [in, out].
func isProjection(name string) bool {
	for _, suf := range []string{"key.weight", "value.weight", "receptance.weight", "output.weight", "head.weight"} {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// isStreamable reports a block matrix that streamed slots keep on the host.
func isStreamable(name string) bool {
	return isProjection(name) && !strings.HasPrefix(name, "head.")
}

// isRescaled reports the matrices pre-divided to offset residual halving.
func isRescaled(name string) bool {
	return strings.HasSuffix(name, "att.output.weight") || strings.HasSuffix(name, "ffn.value.weight")
}
