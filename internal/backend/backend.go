// Package backend provides the numeric kernels the layer engine runs on.
// A backend is picked once, when the runner is built, and is then used for
// every projection and recurrence.
package backend

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/samcharles93/rwkvrun/internal/tensor"
)

const (
	Reference = "reference"
	Parallel  = "parallel"
	Auto      = "auto"
)

// Ops is the kernel set. Every method is synchronous: any fan-out happens
// inside the call and is joined before it returns.
type Ops interface {
	Name() string
	// MatMul computes dst[t] = x[t] · W for each row t, where W is stored
	// as [in, out] in any dtype, quantized included.
	MatMul(dst, x [][]float32, w *tensor.Tensor)
	// WKV runs the attention recurrence over the rows of k and v, writing
	// one output row per step and leaving the final accumulators in st.
	WKV(out [][]float32, decay, first []float32, k, v [][]float32, st WKVState)
}

// fusedQ8 is implemented by backends with a kernel that consumes quantized
// weights and their corrections directly.
type fusedQ8 interface {
	MatMulQ8(dst, x [][]float32, w *tensor.Tensor) bool
}

// Project multiplies x by w, using the fused i8 kernel when the backend has
// one and falling back to MatMul otherwise.
func Project(ops Ops, dst, x [][]float32, w *tensor.Tensor) {
	if w.DType == tensor.U8 {
		if f, ok := ops.(fusedQ8); ok && f.MatMulQ8(dst, x, w) {
			return
		}
	}
	ops.MatMul(dst, x, w)
}

// Normalize validates a backend name; empty means auto.
func Normalize(name string) (string, error) {
	b := strings.ToLower(strings.TrimSpace(name))
	if b == "" {
		return Auto, nil
	}
	switch b {
	case Reference, Parallel, Auto:
		return b, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, reference, or parallel)", name)
	}
}

// New returns the named backend. Auto picks parallel when more than one
// CPU is available.
func New(name string) (Ops, error) {
	b, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if b == Auto {
		b = Reference
		if runtime.GOMAXPROCS(0) > 1 {
			b = Parallel
		}
	}
	if b == Parallel {
		return NewParallel(0), nil
	}
	return ReferenceOps{}, nil
}

// EnsureOps returns ops, or the reference backend when ops is nil.
func EnsureOps(ops Ops) Ops {
	if ops == nil {
		return ReferenceOps{}
	}
	return ops
}
