package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType describes the storage encoding of a tensor.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
	// U8 is the 8-bit affine quantized encoding. Only 2-D weight matrices use
	// it and they always carry Q8 correction vectors.
	U8
)

func (d DType) String() string {
	switch d {
	case F32:
		return "fp32"
	case F16:
		return "fp16"
	case BF16:
		return "bf16"
	case U8:
		return "i8"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the byte size of one element.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case U8:
		return 1
	default:
		return 0
	}
}

// Half reports whether values are stored as 16-bit floats.
func (d DType) Half() bool {
	return d == F16 || d == BF16
}

// SafetensorsName returns the dtype tag used in safetensors headers.
func (d DType) SafetensorsName() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case U8:
		return "U8"
	default:
		return ""
	}
}

// ParseSafetensorsDType maps a safetensors dtype tag back to a DType.
func ParseSafetensorsDType(s string) (DType, error) {
	switch strings.ToUpper(s) {
	case "F32":
		return F32, nil
	case "F16":
		return F16, nil
	case "BF16":
		return BF16, nil
	case "U8":
		return U8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", s)
	}
}

// Round returns v as it would read back after being stored in d.
// F16 overflows to ±Inf above 65504, which is what the rescale logic in the
// runner guards against.
func (d DType) Round(v float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bf16ToF32(f32ToBF16(v))
	default:
		return v
	}
}

// RoundSlice rounds every element of x to d in place.
func (d DType) RoundSlice(x []float32) {
	if d != F16 && d != BF16 {
		return
	}
	for i, v := range x {
		x[i] = d.Round(v)
	}
}

func (d DType) encode(v float32) uint16 {
	if d == BF16 {
		return f32ToBF16(v)
	}
	return float16.Fromfloat32(v).Bits()
}

func (d DType) decode(u uint16) float32 {
	if d == BF16 {
		return bf16ToF32(u)
	}
	return float16.Frombits(u).Float32()
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// f32ToBF16 rounds to nearest even.
func f32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if bits&0x7f800000 == 0x7f800000 && bits&0x007fffff != 0 {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}
