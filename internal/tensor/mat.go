package tensor

import (
	"encoding/binary"
	"math"
	"math/rand"
	"unsafe"
)

// Tensor is a dense row-major array with a storage dtype and a residency tag.
//
// F32 tensors keep their values in Data. F16/BF16 tensors keep the encoded
// halves in Half and decode inline when read, so a half-precision weight
// occupies half the memory of its fp32 source. U8 tensors keep quantized
// bytes in Q and the affine corrections in Quant.
type Tensor struct {
	Shape []int
	DType DType

	Data  []float32
	Half  []uint16
	Q     []uint8
	Quant *Q8

	// Device names where the buffer lives ("cpu", "cuda:0", ...).
	Device string
	// Pinned is set once the host buffer has been page-locked.
	Pinned bool
}

// New allocates a zeroed tensor. U8 tensors must be built with Quantize.
func New(dtype DType, shape ...int) *Tensor {
	n := numel(shape)
	t := &Tensor{Shape: append([]int(nil), shape...), DType: dtype, Device: "cpu"}
	switch {
	case dtype == F32:
		t.Data = make([]float32, n)
	case dtype.Half():
		t.Half = make([]uint16, n)
	default:
		panic("tensor.New: unsupported dtype " + dtype.String())
	}
	return t
}

// FromF32 wraps data as an fp32 tensor. len(data) must match shape.
func FromF32(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic("tensor.FromF32: data length mismatch")
	}
	return &Tensor{Shape: append([]int(nil), shape...), DType: F32, Data: data, Device: "cpu"}
}

// FromRaw decodes little-endian bytes in the given dtype.
func FromRaw(dtype DType, shape []int, raw []byte) (*Tensor, error) {
	n := numel(shape)
	if dtype.Size() == 0 {
		return nil, errUnsupportedDType
	}
	if n*dtype.Size() != len(raw) {
		return nil, errRawSizeMismatch
	}
	t := &Tensor{Shape: append([]int(nil), shape...), DType: dtype, Device: "cpu"}
	switch dtype {
	case F32:
		t.Data = make([]float32, n)
		for i := range t.Data {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F16, BF16:
		t.Half = make([]uint16, n)
		for i := range t.Half {
			t.Half[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
	case U8:
		t.Q = append([]uint8(nil), raw...)
	}
	return t, nil
}

// Raw encodes the primary buffer as little-endian bytes. Quantization
// corrections are not included.
func (t *Tensor) Raw() []byte {
	switch t.DType {
	case F32:
		out := make([]byte, len(t.Data)*4)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	case F16, BF16:
		out := make([]byte, len(t.Half)*2)
		for i, v := range t.Half {
			binary.LittleEndian.PutUint16(out[i*2:], v)
		}
		return out
	default:
		return append([]byte(nil), t.Q...)
	}
}

// Buffer returns the primary backing storage viewed as bytes, without copying.
// It is what gets page-locked when a streamed weight is pinned.
func (t *Tensor) Buffer() []byte {
	switch {
	case len(t.Data) > 0:
		return unsafe.Slice((*byte)(unsafe.Pointer(&t.Data[0])), len(t.Data)*4)
	case len(t.Half) > 0:
		return unsafe.Slice((*byte)(unsafe.Pointer(&t.Half[0])), len(t.Half)*2)
	case len(t.Q) > 0:
		return t.Q
	}
	return nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return numel(t.Shape)
}

// Bytes returns the storage footprint including quantization corrections.
func (t *Tensor) Bytes() int64 {
	n := int64(t.Len()) * int64(t.DType.Size())
	if t.Quant != nil {
		n += t.Quant.Bytes()
	}
	return n
}

// Rows returns the leading dimension of a 2-D tensor (1 for vectors).
func (t *Tensor) Rows() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return t.Shape[0]
}

// Cols returns the trailing dimension.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[len(t.Shape)-1]
}

// At decodes element i of the flattened tensor.
func (t *Tensor) At(i int) float32 {
	switch t.DType {
	case F32:
		return t.Data[i]
	case F16, BF16:
		return t.DType.decode(t.Half[i])
	default:
		c := t.Cols()
		return t.Quant.At(t.Q, i/c, i%c, c)
	}
}

// RowTo decodes row i into dst. dst must have length >= Cols().
func (t *Tensor) RowTo(dst []float32, i int) {
	c := t.Cols()
	if i < 0 || i >= t.Rows() {
		panic("row index out of range")
	}
	if len(dst) < c {
		panic("row buffer too small")
	}
	off := i * c
	switch t.DType {
	case F32:
		copy(dst[:c], t.Data[off:off+c])
	case F16, BF16:
		for j := 0; j < c; j++ {
			dst[j] = t.DType.decode(t.Half[off+j])
		}
	default:
		t.Quant.RowTo(dst[:c], t.Q[off:off+c], i)
	}
}

// Float32 decodes the whole tensor into a fresh fp32 slice.
func (t *Tensor) Float32() []float32 {
	out := make([]float32, t.Len())
	switch t.DType {
	case F32:
		copy(out, t.Data)
	case U8:
		c := t.Cols()
		for i := 0; i < t.Rows(); i++ {
			t.RowTo(out[i*c:(i+1)*c], i)
		}
	default:
		for i, u := range t.Half {
			out[i] = t.DType.decode(u)
		}
	}
	return out
}

// Cast returns a copy of t stored in dtype. Casting to U8 goes through
// Quantize instead.
func (t *Tensor) Cast(dtype DType) *Tensor {
	if dtype == U8 {
		panic("tensor.Cast: use Quantize for i8")
	}
	if dtype == t.DType {
		return t.Clone()
	}
	vals := t.Float32()
	out := &Tensor{Shape: append([]int(nil), t.Shape...), DType: dtype, Device: t.Device}
	if dtype == F32 {
		out.Data = vals
		return out
	}
	out.Half = make([]uint16, len(vals))
	for i, v := range vals {
		out.Half[i] = dtype.encode(v)
	}
	return out
}

// Clone deep-copies the buffers. The copy is never pinned.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		DType:  t.DType,
		Device: t.Device,
	}
	if t.Data != nil {
		out.Data = append([]float32(nil), t.Data...)
	}
	if t.Half != nil {
		out.Half = append([]uint16(nil), t.Half...)
	}
	if t.Q != nil {
		out.Q = append([]uint8(nil), t.Q...)
	}
	if t.Quant != nil {
		out.Quant = t.Quant.clone()
	}
	return out
}

// Squeeze drops every dimension of size 1 in place. A tensor whose dimensions
// are all 1 keeps a single dimension.
func (t *Tensor) Squeeze() *Tensor {
	shape := t.Shape[:0:0]
	for _, d := range t.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	t.Shape = shape
	return t
}

// Transpose returns the transpose of a 2-D tensor in the same dtype.
func (t *Tensor) Transpose() *Tensor {
	if len(t.Shape) != 2 {
		panic("tensor.Transpose: expected 2-D tensor")
	}
	if t.DType == U8 {
		panic("tensor.Transpose: cannot transpose quantized tensor")
	}
	r, c := t.Shape[0], t.Shape[1]
	out := &Tensor{Shape: []int{c, r}, DType: t.DType, Device: t.Device}
	if t.DType == F32 {
		out.Data = make([]float32, r*c)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out.Data[j*r+i] = t.Data[i*c+j]
			}
		}
		return out
	}
	out.Half = make([]uint16, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Half[j*r+i] = t.Half[i*c+j]
		}
	}
	return out
}

// Map applies fn to every element and stores the result back in t's dtype.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	if t.DType == U8 {
		panic("tensor.Map: cannot map quantized tensor")
	}
	if t.DType == F32 {
		for i, v := range t.Data {
			t.Data[i] = fn(v)
		}
		return t
	}
	for i, u := range t.Half {
		t.Half[i] = t.DType.encode(fn(t.DType.decode(u)))
	}
	return t
}

// FillRand fills an fp32 tensor with reproducible values in (-scale, scale).
func FillRand(t *Tensor, seed int64, scale float32) {
	if t.DType != F32 {
		panic("FillRand only supports f32 tensors")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return n
}

var (
	errUnsupportedDType = fmtError("unsupported dtype for raw tensor")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
