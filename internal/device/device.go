// Package device names compute devices, tracks what is resident on each and
// provides the per-device in-order command queue used for streamed weights.
//
// There are no device-native kernels: a cuda device is a host-memory
// emulation with its own residency accounting and queue, which keeps the
// placement and streaming logic identical to a real multi-device setup.
package device

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/tensor"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
)

// Device identifies a compute device such as "cpu" or "cuda:1".
type Device struct {
	Kind    string
	Ordinal int
}

// Host is the device streamed weights and embeddings live on.
var Host = Device{Kind: CPU}

// Parse accepts "cpu", "cuda" and "cuda:N". "cuda" is shorthand for "cuda:0".
func Parse(name string) (Device, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == CPU {
		return Host, nil
	}
	kind, ord, hasOrd := strings.Cut(name, ":")
	if kind != CUDA {
		return Device{}, fmt.Errorf("unknown device %q (expected cpu, cuda or cuda:N)", name)
	}
	if !hasOrd {
		return Device{Kind: CUDA}, nil
	}
	n, err := strconv.Atoi(ord)
	if err != nil || n < 0 {
		return Device{}, fmt.Errorf("invalid device ordinal in %q", name)
	}
	return Device{Kind: CUDA, Ordinal: n}, nil
}

func (d Device) String() string {
	if d.Kind == CPU {
		return CPU
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// IsHost reports whether d is host memory.
func (d Device) IsHost() bool {
	return d.Kind == CPU
}

// Registry owns the set of devices a model is placed on.
type Registry struct {
	log logger.Logger

	mu      sync.Mutex
	devices map[Device]*slot
	placed  map[*tensor.Tensor]Device
}

type slot struct {
	resident int64
	pinned   int64
	queue    *Queue
}

// NewRegistry returns an empty registry. A nil logger uses logger.Default().
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		log:     log,
		devices: make(map[Device]*slot),
		placed:  make(map[*tensor.Tensor]Device),
	}
}

func (r *Registry) get(d Device) *slot {
	s, ok := r.devices[d]
	if !ok {
		s = &slot{queue: &Queue{}}
		r.devices[d] = s
		if !d.IsHost() {
			r.log.Debug("device emulated on host memory", "device", d.String())
		}
	}
	return s
}

// Place moves t onto d and accounts its bytes there. Host and device share
// memory, so no copy is made.
func (r *Registry) Place(t *tensor.Tensor, d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.placed[t]; ok {
		r.devices[prev].resident -= t.Bytes()
	}
	r.get(d).resident += t.Bytes()
	r.placed[t] = d
	t.Device = d.String()
}

// Release drops t from the accounting of its device.
func (r *Registry) Release(t *tensor.Tensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.placed[t]; ok {
		r.devices[d].resident -= t.Bytes()
		delete(r.placed, t)
	}
}

// Resident returns the bytes currently placed on d.
func (r *Registry) Resident(d Device) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.devices[d]; ok {
		return s.resident
	}
	return 0
}

// PinnedBytes returns the host bytes page-locked through this registry.
func (r *Registry) PinnedBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.devices[Host]; ok {
		return s.pinned
	}
	return 0
}

// Pin page-locks the host buffer of t. On failure t is left unpinned and the
// error is returned for the caller to report.
func (r *Registry) Pin(t *tensor.Tensor) error {
	if t.Pinned {
		return nil
	}
	buf := t.Buffer()
	if err := pin(buf); err != nil {
		return fmt.Errorf("pin %d bytes: %w", len(buf), err)
	}
	t.Pinned = true
	r.mu.Lock()
	r.get(Host).pinned += int64(len(buf))
	r.mu.Unlock()
	return nil
}

// Unpin releases a page lock taken by Pin.
func (r *Registry) Unpin(t *tensor.Tensor) error {
	if !t.Pinned {
		return nil
	}
	buf := t.Buffer()
	if err := unpin(buf); err != nil {
		return fmt.Errorf("unpin %d bytes: %w", len(buf), err)
	}
	t.Pinned = false
	r.mu.Lock()
	r.get(Host).pinned -= int64(len(buf))
	r.mu.Unlock()
	return nil
}

// Queue returns the in-order command queue of d.
func (r *Registry) Queue(d Device) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(d).queue
}

// Transfer enqueues a copy of src onto d's queue and returns immediately.
// The copy is available from the returned Staged once the queue has run past
// it, which is guaranteed for any work enqueued later on the same queue.
func (r *Registry) Transfer(src *tensor.Tensor, d Device) *Staged {
	st := &Staged{}
	r.Queue(d).Enqueue(func() error {
		c := src.Clone()
		c.Device = d.String()
		st.t = c
		return nil
	})
	return st
}

// Reclaim returns freed scratch memory to the OS.
func (r *Registry) Reclaim() {
	debug.FreeOSMemory()
}

// Staged is the destination of an enqueued transfer.
type Staged struct {
	t *tensor.Tensor
}

// Tensor returns the transferred copy, or nil if the transfer has not run.
func (s *Staged) Tensor() *tensor.Tensor {
	return s.t
}
