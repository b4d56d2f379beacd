// Package strategy turns a placement descriptor such as
// "cuda fp16 *10 -> cpu fp32" into a per-slot device and precision plan.
//
// A model with n_layer blocks has n_layer+1 slots: one per block plus one for
// the output head.
package strategy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samcharles93/rwkvrun/internal/errs"
	"github.com/samcharles93/rwkvrun/internal/tensor"
)

// UseEmbedded requests the strategy stored inside a preconverted checkpoint.
const UseEmbedded = "preconverted"

var descriptorRE = regexp.MustCompile(`^(?:(?:^|->) *(?:cuda(?::\d+)?|cpu) (?:fp(?:16|32)|bf16)(?:i8)?(?: \*\d+\+?)? *)+$`)

// Slot is the plan entry for a single layer.
type Slot struct {
	Index  int
	Device string
	AType  tensor.DType
	WType  tensor.DType
	Stream bool
}

func (s Slot) String() string {
	out := fmt.Sprintf("%d-%s-%s-%s", s.Index, s.Device, s.AType, s.WType)
	if s.Stream {
		out += "-stream"
	}
	return out
}

// Quantized reports whether the slot stores its matrices as i8.
func (s Slot) Quantized() bool {
	return s.WType == tensor.U8
}

// Segment is one "->" separated part of the descriptor with its allocation.
type Segment struct {
	Device string
	AType  tensor.DType
	WType  tensor.DType
	// Count is the explicit "*N" count, or -1 when the segment has none.
	Count int
	// Plus marks the "*N+" streaming segment.
	Plus bool

	// Store is the number of resident slots, Streamed the number of slots
	// transferred on demand.
	Store    int
	Streamed int
}

func (s Segment) dtypeToken() string {
	if s.WType == tensor.U8 {
		return s.AType.String() + "i8"
	}
	return s.AType.String()
}

// Strategy is an immutable placement plan.
type Strategy struct {
	Spec        string
	NLayer      int
	Slots       []Slot
	Segments    []Segment
	StreamCount int
}

// Parse validates spec and allocates its segments over nLayer+1 slots.
//
// Explicit counts are reserved in order; the segment that reaches the total is
// trimmed to fit and anything after it gets nothing. The "+" segment absorbs
// the shortfall as streamed slots. Without one, uncounted segments split the
// remainder by integer division, the last of them taking what is left, and a
// remaining shortfall goes to the final segment.
func Parse(spec string, nLayer int) (*Strategy, error) {
	spec = strings.TrimSpace(spec)
	if !descriptorRE.MatchString(spec) {
		return nil, errs.NewConfig(spec, "invalid strategy")
	}
	if nLayer < 0 {
		return nil, errs.NewConfig(spec, "negative layer count")
	}

	parts := strings.Split(spec, "->")
	segs := make([]Segment, len(parts))
	plus := 0
	for i, p := range parts {
		seg, err := parseSegment(strings.Fields(p))
		if err != nil {
			return nil, errs.NewConfig(spec, err.Error())
		}
		if seg.Plus {
			plus++
		}
		segs[i] = seg
	}
	if plus > 1 {
		return nil, errs.NewConfig(spec, "more than one streaming segment")
	}

	total := nLayer + 1
	plan := make([]int, len(segs))
	allocated, free := 0, 0
	streamIdx := -1
	for i, seg := range segs {
		if seg.Count < 0 {
			free++
			continue
		}
		plan[i] = seg.Count
		if seg.Plus {
			streamIdx = i
		}
		allocated += seg.Count
		if allocated >= total {
			plan[i] += total - allocated
			allocated = total
			break
		}
	}

	stream := 0
	if streamIdx < 0 {
		if free > 0 && total > allocated {
			for i, seg := range segs {
				if seg.Count >= 0 || free == 0 {
					continue
				}
				plan[i] = (total - allocated) / free
				allocated += plan[i]
				free--
			}
		}
		if total > allocated {
			plan[len(plan)-1] += total - allocated
		}
	} else if total > allocated {
		stream = total - allocated
		plan[streamIdx] += stream
	}

	ends := make([]int, len(segs))
	for i := range segs {
		segs[i].Store = plan[i]
		if i == streamIdx {
			segs[i].Store -= stream
			segs[i].Streamed = stream
		}
		ends[i] = plan[i]
		if i > 0 {
			ends[i] += ends[i-1]
		}
	}

	slots := make([]Slot, total)
	for n := range slots {
		for i, seg := range segs {
			if n >= ends[i] {
				continue
			}
			slots[n] = Slot{
				Index:  n,
				Device: seg.Device,
				AType:  seg.AType,
				WType:  seg.WType,
				Stream: i == streamIdx && n >= ends[i]-stream,
			}
			break
		}
	}

	return &Strategy{
		Spec:        spec,
		NLayer:      nLayer,
		Slots:       slots,
		Segments:    segs,
		StreamCount: stream,
	}, nil
}

// MustParse is Parse for descriptors known to be valid.
func MustParse(spec string, nLayer int) *Strategy {
	s, err := Parse(spec, nLayer)
	if err != nil {
		panic(err)
	}
	return s
}

func parseSegment(fields []string) (Segment, error) {
	if len(fields) < 2 || len(fields) > 3 {
		return Segment{}, fmt.Errorf("malformed segment %q", strings.Join(fields, " "))
	}
	seg := Segment{Device: fields[0], Count: -1}

	dt := fields[1]
	if base, ok := strings.CutSuffix(dt, "i8"); ok {
		seg.WType = tensor.U8
		dt = base
	}
	switch dt {
	case "fp32":
		seg.AType = tensor.F32
	case "fp16":
		seg.AType = tensor.F16
	case "bf16":
		seg.AType = tensor.BF16
	default:
		return Segment{}, fmt.Errorf("unknown dtype %q", fields[1])
	}
	if seg.WType != tensor.U8 {
		seg.WType = seg.AType
	}

	if len(fields) == 3 {
		c, ok := strings.CutPrefix(fields[2], "*")
		if !ok {
			return Segment{}, fmt.Errorf("expected * in %q", fields[2])
		}
		c, seg.Plus = strings.CutSuffix(c, "+")
		n, err := strconv.Atoi(c)
		if err != nil {
			return Segment{}, fmt.Errorf("bad layer count %q", fields[2])
		}
		seg.Count = n
	}
	return seg, nil
}

// Slot returns the plan entry for layer i (n_layer is the head).
func (s *Strategy) Slot(i int) Slot {
	return s.Slots[i]
}

// Compatible reports whether weights placed for s can be used under other:
// same layer count and the same activation and weight dtypes per slot.
// Devices may differ.
func (s *Strategy) Compatible(other *Strategy) bool {
	if other == nil || s.NLayer != other.NLayer || len(s.Slots) != len(other.Slots) {
		return false
	}
	for i, a := range s.Slots {
		b := other.Slots[i]
		if a.AType != b.AType || a.WType != b.WType {
			return false
		}
	}
	return true
}

// HasActivation reports whether any slot computes in dtype d.
func (s *Strategy) HasActivation(d tensor.DType) bool {
	for _, sl := range s.Slots {
		if sl.AType == d {
			return true
		}
	}
	return false
}

// UsesDevice reports whether any slot is placed on a device of the given kind
// ("cpu" or "cuda"); ordinals are ignored.
func (s *Strategy) UsesDevice(kind string) bool {
	for _, sl := range s.Slots {
		if sl.Device == kind || strings.HasPrefix(sl.Device, kind+":") {
			return true
		}
	}
	return false
}

// Streamed reports whether any slot is streamed.
func (s *Strategy) Streamed() bool {
	return s.StreamCount > 0
}

// Report renders the allocation the way it is printed at load time.
func (s *Strategy) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: (total %d+1=%d layers)\n", s.NLayer, s.NLayer+1)
	for _, seg := range s.Segments {
		fmt.Fprintf(&b, "* %s %s, store %d layers", seg.Device, seg.dtypeToken(), seg.Store)
		if seg.Plus && seg.Streamed > 0 {
			fmt.Fprintf(&b, ", stream %d layers", seg.Streamed)
		}
		b.WriteByte('\n')
	}
	for i, sl := range s.Slots {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(sl.String())
	}
	return b.String()
}

func (s *Strategy) String() string {
	return s.Report()
}
