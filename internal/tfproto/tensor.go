package tfproto

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Shape is a decoded TensorShapeProto. Unknown dimensions are -1.
type Shape struct {
	Dims        []int64
	UnknownRank bool
}

// NewShape returns a fully or partially known shape.
func NewShape(dims ...int64) Shape {
	return Shape{Dims: dims}
}

// Rank returns the number of dimensions, or -1 when unknown.
func (s Shape) Rank() int {
	if s.UnknownRank {
		return -1
	}
	return len(s.Dims)
}

// NumElements returns the element count, or -1 if any dimension is unknown.
func (s Shape) NumElements() int64 {
	if s.UnknownRank {
		return -1
	}
	n := int64(1)
	for _, d := range s.Dims {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func (s Shape) String() string {
	if s.UnknownRank {
		return "<unknown>"
	}
	parts := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		if d < 0 {
			parts[i] = "?"
		} else {
			parts[i] = strconv.FormatInt(d, 10)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// UnmarshalShape decodes a TensorShapeProto.
func UnmarshalShape(b []byte) (Shape, error) {
	var s Shape
	err := eachField("TensorShapeProto", b, func(f field) error {
		switch f.num {
		case 2:
			size := int64(0)
			if err := eachField("TensorShapeProto.Dim", f.b, func(d field) error {
				if d.num == 1 {
					size = int64(d.u)
				}
				return nil
			}); err != nil {
				return err
			}
			s.Dims = append(s.Dims, size)
		case 3:
			s.UnknownRank = f.u != 0
		}
		return nil
	})
	return s, err
}

// Marshal encodes s as a TensorShapeProto.
func (s Shape) Marshal() []byte {
	var b []byte
	for _, d := range s.Dims {
		var dim []byte
		dim = appendVarint(dim, 1, uint64(d))
		b = appendBytes(b, 2, dim)
	}
	return appendBool(b, 3, s.UnknownRank)
}

// Tensor is a decoded TensorProto or checkpoint value. Numeric data is kept
// as packed little-endian bytes; string tensors use Strings.
type Tensor struct {
	DType   DataType
	Shape   Shape
	Content []byte
	Strings [][]byte
}

// NumElements returns the element count of the tensor.
func (t *Tensor) NumElements() int64 {
	return t.Shape.NumElements()
}

// NewFloatTensor builds a float32 tensor.
func NewFloatTensor(dims []int64, vals []float32) *Tensor {
	content := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(content[4*i:], math.Float32bits(v))
	}
	return &Tensor{DType: DTFloat, Shape: NewShape(dims...), Content: content}
}

// NewInt32Tensor builds an int32 tensor.
func NewInt32Tensor(dims []int64, vals []int32) *Tensor {
	content := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(content[4*i:], uint32(v))
	}
	return &Tensor{DType: DTInt32, Shape: NewShape(dims...), Content: content}
}

// NewStringTensor builds a scalar string tensor.
func NewStringTensor(v []byte) *Tensor {
	return &Tensor{DType: DTString, Shape: NewShape(), Strings: [][]byte{v}}
}

// Float32s returns the elements of a float32 tensor.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.DType.Base() != DTFloat {
		return nil, fmt.Errorf("tfproto: tensor is %s, not float32", t.DType)
	}
	out := make([]float32, len(t.Content)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Content[4*i:]))
	}
	return out, nil
}

// Ints returns the elements of an int32 or int64 tensor widened to int64.
func (t *Tensor) Ints() ([]int64, error) {
	switch t.DType.Base() {
	case DTInt32:
		out := make([]int64, len(t.Content)/4)
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(t.Content[4*i:])))
		}
		return out, nil
	case DTInt64:
		out := make([]int64, len(t.Content)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(t.Content[8*i:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tfproto: tensor is %s, not an integer type", t.DType)
	}
}

// MaxTensorBytes bounds the content of a single tensor. Protobuf messages and
// TFLite flatbuffers share this 2GiB limit.
const MaxTensorBytes = math.MaxInt32

// ByteSize returns the content length t's shape and dtype call for. It fails
// for variable-width dtypes, partially known shapes and tensors larger than
// MaxTensorBytes.
func (t *Tensor) ByteSize() (int64, error) {
	size := int64(t.DType.Size())
	if size == 0 {
		return 0, fmt.Errorf("unsupported dtype %s", t.DType)
	}
	if t.Shape.UnknownRank {
		return 0, fmt.Errorf("shape %s is not fully defined", t.Shape)
	}

	total := size
	for _, d := range t.Shape.Dims {
		if d < 0 {
			return 0, fmt.Errorf("shape %s is not fully defined", t.Shape)
		}
		if d != 0 && total > MaxTensorBytes/d {
			return 0, fmt.Errorf("shape %s of %s exceeds %d bytes", t.Shape, t.DType, MaxTensorBytes)
		}
		total *= d
	}
	return total, nil
}

// UnmarshalTensor decodes a TensorProto. Typed value fields shorter than the
// element count repeat their last value, as TensorFlow does.
func UnmarshalTensor(b []byte) (*Tensor, error) {
	t := &Tensor{}

	var (
		content  []byte
		hasRaw   bool
		floats   []uint32
		doubles  []uint64
		ints     []uint64
		int64s   []uint64
		uint64s  []uint64
		bools    []uint64
		halfs    []uint64
		uint32s  []uint64
		complexs []uint32
	)

	err := eachField("TensorProto", b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			t.DType = DataType(f.u)
		case 2:
			t.Shape, err = UnmarshalShape(f.b)
		case 4:
			content, hasRaw = f.b, true
		case 5:
			var vs []uint32
			vs, err = fixed32s(f)
			floats = append(floats, vs...)
		case 6:
			var vs []uint64
			vs, err = fixed64s(f)
			doubles = append(doubles, vs...)
		case 7:
			var vs []uint64
			vs, err = varints(f)
			ints = append(ints, vs...)
		case 8:
			t.Strings = append(t.Strings, f.b)
		case 9:
			var vs []uint32
			vs, err = fixed32s(f)
			complexs = append(complexs, vs...)
		case 10:
			var vs []uint64
			vs, err = varints(f)
			int64s = append(int64s, vs...)
		case 11:
			var vs []uint64
			vs, err = varints(f)
			bools = append(bools, vs...)
		case 13:
			var vs []uint64
			vs, err = varints(f)
			halfs = append(halfs, vs...)
		case 16:
			var vs []uint64
			vs, err = varints(f)
			uint32s = append(uint32s, vs...)
		case 17:
			var vs []uint64
			vs, err = varints(f)
			uint64s = append(uint64s, vs...)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if t.DType.Base() == DTString {
		return t, nil
	}

	size := t.DType.Size()
	if hasRaw && size == 0 {
		// Variable-width contents cannot be checked against the shape.
		t.Content = content
		return t, nil
	}

	want, err := t.ByteSize()
	if err != nil {
		return nil, malformed("TensorProto", err)
	}
	if hasRaw {
		if int64(len(content)) != want {
			return nil, malformed("TensorProto", fmt.Errorf("%d bytes of tensor_content for shape %s of %s, want %d",
				len(content), t.Shape, t.DType, want))
		}
		t.Content = content
		return t, nil
	}

	n := want / int64(size)
	t.Content = make([]byte, want)
	put := func(i int, v uint64) {
		off := i * size
		switch size {
		case 1:
			t.Content[off] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(t.Content[off:], uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(t.Content[off:], uint32(v))
		case 8:
			binary.LittleEndian.PutUint64(t.Content[off:], v)
		}
	}
	fill := func(vals []uint64) {
		if len(vals) == 0 {
			return
		}
		for i := 0; i < int(n); i++ {
			j := min(i, len(vals)-1)
			put(i, vals[j])
		}
	}

	switch t.DType.Base() {
	case DTFloat:
		fill(widen32(floats))
	case DTDouble:
		fill(doubles)
	case DTInt32, DTInt16, DTInt8, DTUint8, DTUint16, DTQint8, DTQuint8, DTQint16, DTQuint16, DTQint32:
		fill(ints)
	case DTInt64:
		fill(int64s)
	case DTUint64:
		fill(uint64s)
	case DTUint32:
		fill(uint32s)
	case DTBool:
		fill(bools)
	case DTHalf, DTBfloat16:
		fill(halfs)
	case DTComplex64:
		pairs := make([]uint64, 0, len(complexs)/2)
		for i := 0; i+1 < len(complexs); i += 2 {
			pairs = append(pairs, uint64(complexs[i])|uint64(complexs[i+1])<<32)
		}
		fill(pairs)
	}

	return t, nil
}

func widen32(vs []uint32) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

// Marshal encodes t as a TensorProto using tensor_content for numeric data.
func (t *Tensor) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(t.DType))
	b = appendBytes(b, 2, t.Shape.Marshal())
	if t.DType.Base() == DTString {
		for _, s := range t.Strings {
			b = appendBytes(b, 8, s)
		}
		return b
	}
	if len(t.Content) > 0 {
		b = appendBytes(b, 4, t.Content)
	}
	return b
}
