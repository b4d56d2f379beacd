// Package checkpoint reads and writes RWKV parameter sets as safetensors
// files.
//
// Quantized matrices are stored as U8 tensors with their four correction
// vectors alongside under "<name>_mx", "<name>_rx", "<name>_my" and
// "<name>_ry". A preconverted set carries its marker in the header metadata.
package checkpoint

import (
	"bufio"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"

	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// MarkerKey is the metadata key of the preconverted marker.
const MarkerKey = "preconverted_for_strategy"

var correctionSuffixes = []string{"_mx", "_rx", "_my", "_ry"}

// Set is a named parameter set plus an optional preconverted marker.
type Set struct {
	Tensors map[string]*tensor.Tensor
	// Marker is "<format_version>|<n_layer>|<strategy>" for a preconverted
	// set and empty otherwise.
	Marker string
	// Metadata holds any other header metadata.
	Metadata map[string]string
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{Tensors: make(map[string]*tensor.Tensor), Metadata: make(map[string]string)}
}

// Names returns the parameter names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.Tensors))
	for name := range s.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of parameters.
func (s *Set) Len() int {
	return len(s.Tensors)
}

// Load reads every tensor of the file at path into host memory.
func Load(path string) (*Set, error) {
	f, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()

	set := NewSet()
	for k, v := range f.Metadata {
		if k == MarkerKey {
			set.Marker = v
			continue
		}
		set.Metadata[k] = v
	}

	corrections := make(map[string]bool)
	for _, name := range f.Names() {
		if base, ok := correctionBase(name); ok {
			if info, ok := f.Tensors[base]; ok && info.DType == tensor.U8.SafetensorsName() {
				corrections[name] = true
			}
		}
	}

	for _, name := range f.Names() {
		if corrections[name] {
			continue
		}
		t, err := readTensor(f, fh, name)
		if err != nil {
			return nil, err
		}
		if t.DType == tensor.U8 {
			q, err := readCorrections(f, fh, name, t.Shape)
			if err != nil {
				return nil, err
			}
			t.Quant = q
		}
		set.Tensors[name] = t
	}
	return set, nil
}

func correctionBase(name string) (string, bool) {
	for _, suf := range correctionSuffixes {
		if base, ok := strings.CutSuffix(name, suf); ok {
			return base, true
		}
	}
	return "", false
}

func readTensor(f *File, fh *os.File, name string) (*tensor.Tensor, error) {
	raw, info, err := f.ReadTensor(fh, name)
	if err != nil {
		return nil, err
	}
	dt, err := tensor.ParseSafetensorsDType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	t, err := tensor.FromRaw(dt, info.Shape, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return t, nil
}

func readCorrections(f *File, fh *os.File, name string, shape []int) (*tensor.Q8, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("tensor %s: quantized tensor must be 2-D, got %v", name, shape)
	}
	rows, cols := shape[0], shape[1]
	vecs := make([][]float32, len(correctionSuffixes))
	var dtype tensor.DType
	for i, suf := range correctionSuffixes {
		t, err := readTensor(f, fh, name+suf)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: missing correction: %w", name, err)
		}
		want := cols
		if suf == "_my" || suf == "_ry" {
			want = rows
		}
		if t.Len() != want {
			return nil, fmt.Errorf("tensor %s%s: %d values, want %d", name, suf, t.Len(), want)
		}
		vecs[i] = t.Float32()
		dtype = t.DType
	}
	return &tensor.Q8{MX: vecs[0], RX: vecs[1], MY: vecs[2], RY: vecs[3], DType: dtype}, nil
}

// Save writes s to path, replacing any existing file.
func Save(path string, s *Set) error {
	var entries []entry
	for _, name := range s.Names() {
		t := s.Tensors[name]
		entries = append(entries, entry{
			name:  name,
			dtype: t.DType.SafetensorsName(),
			shape: t.Shape,
			data:  t.Raw(),
		})
		if t.DType != tensor.U8 {
			continue
		}
		if t.Quant == nil {
			return fmt.Errorf("tensor %s: quantized without corrections", name)
		}
		q := t.Quant
		for i, v := range [][]float32{q.MX, q.RX, q.MY, q.RY} {
			c := tensor.FromF32(append([]float32(nil), v...), len(v)).Cast(q.DType)
			entries = append(entries, entry{
				name:  name + correctionSuffixes[i],
				dtype: c.DType.SafetensorsName(),
				shape: c.Shape,
				data:  c.Raw(),
			})
		}
	}
	meta := make(map[string]string, len(s.Metadata)+1)
	maps.Copy(meta, s.Metadata)
	if s.Marker != "" {
		meta[MarkerKey] = s.Marker
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(out)
	if err := write(bw, entries, meta); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
