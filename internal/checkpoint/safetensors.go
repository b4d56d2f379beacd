package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// maxHeader bounds the JSON header we are willing to allocate.
const maxHeader = 100 << 20

// TensorInfo locates one tensor inside a safetensors file.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors header. Tensor bytes are read on demand.
type File struct {
	Path      string
	DataStart int64
	DataSize  int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// Open parses the header of the safetensors file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeader || int64(headerLen)+8 > st.Size() {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	out := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		DataSize:  st.Size() - int64(8+headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(meta, &out.Metadata); err != nil {
			return nil, fmt.Errorf("parse %s: %w", metadataKey, err)
		}
		delete(raw, metadataKey)
	}
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > out.DataSize {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d) outside data section of %d bytes", name, info.Start, info.End, out.DataSize)
		}
		out.Tensors[name] = info
	}
	return out, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadTensor reads the raw bytes of one tensor using r, which must be the
// file at f.Path.
func (f *File) ReadTensor(r io.ReaderAt, name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	buf := make([]byte, t.End-t.Start)
	if _, err := r.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

type entry struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// write lays out entries in the given order after a JSON header.
func write(w io.Writer, entries []entry, meta map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	var off int64
	for _, e := range entries {
		header[e.name] = tensorHeader{
			DType:       e.dtype,
			Shape:       e.shape,
			DataOffsets: []int64{off, off + int64(len(e.data))},
		}
		off += int64(len(e.data))
	}
	if len(meta) > 0 {
		header[metadataKey] = meta
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// the data section starts 8-byte aligned
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := w.Write(e.data); err != nil {
			return fmt.Errorf("write tensor %s: %w", e.name, err)
		}
	}
	return nil
}
