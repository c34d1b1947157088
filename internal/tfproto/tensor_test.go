package tfproto

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestUnmarshalTensor_BroadcastsLastValue(t *testing.T) {
	var b []byte
	b = appendVarint(b, 1, uint64(DTFloat))
	b = appendBytes(b, 2, NewShape(2, 2).Marshal())
	b = appendPackedFloats(b, 5, []float32{1.5, 2.5})

	tensor, err := UnmarshalTensor(b)
	require.NoError(t, err)

	vals, err := tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5, 2.5, 2.5}, vals)
}

func TestUnmarshalTensor_UnpackedInts(t *testing.T) {
	var b []byte
	b = appendVarint(b, 1, uint64(DTInt32))
	b = appendBytes(b, 2, NewShape(3).Marshal())
	for _, v := range []int64{4, -1, 7} {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}

	tensor, err := UnmarshalTensor(b)
	require.NoError(t, err)

	vals, err := tensor.Ints()
	require.NoError(t, err)
	assert.Equal(t, []int64{4, -1, 7}, vals)
}

func TestUnmarshalTensor_ScalarWithoutValuesIsZero(t *testing.T) {
	var b []byte
	b = appendVarint(b, 1, uint64(DTFloat))
	b = appendBytes(b, 2, NewShape().Marshal())

	tensor, err := UnmarshalTensor(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, tensor.Content)
}

func TestUnmarshalTensor_RejectsPartialShape(t *testing.T) {
	var b []byte
	b = appendVarint(b, 1, uint64(DTFloat))
	b = appendBytes(b, 2, NewShape(-1, 2).Marshal())
	b = appendPackedFloats(b, 5, []float32{1})

	_, err := UnmarshalTensor(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalTensor_Truncated(t *testing.T) {
	b := NewFloatTensor([]int64{2}, []float32{1, 2}).Marshal()

	_, err := UnmarshalTensor(b[:len(b)-3])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalTensor_RejectsContentLengthMismatch(t *testing.T) {
	var b []byte
	b = appendVarint(b, 1, uint64(DTFloat))
	b = appendBytes(b, 2, NewShape(2, 3).Marshal())
	b = appendBytes(b, 4, []byte{0, 0, 128, 63})

	_, err := UnmarshalTensor(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalTensor_RejectsOversizedShape(t *testing.T) {
	var b []byte
	b = appendVarint(b, 1, uint64(DTFloat))
	b = appendBytes(b, 2, NewShape(1<<40, 1<<22).Marshal())
	b = appendPackedFloats(b, 5, []float32{1})

	_, err := UnmarshalTensor(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTensor_ByteSize(t *testing.T) {
	tests := []struct {
		name    string
		tensor  *Tensor
		want    int64
		wantErr bool
	}{
		{"matrix", &Tensor{DType: DTFloat, Shape: NewShape(2, 3)}, 24, false},
		{"scalar", &Tensor{DType: DTInt64, Shape: NewShape()}, 8, false},
		{"empty", &Tensor{DType: DTFloat, Shape: NewShape(0, 1<<40)}, 0, false},
		{"unknown dim", &Tensor{DType: DTFloat, Shape: NewShape(-1, 3)}, 0, true},
		{"string", &Tensor{DType: DTString, Shape: NewShape(1)}, 0, true},
		{"overflow", &Tensor{DType: DTFloat, Shape: NewShape(1<<40, 1<<22)}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.tensor.ByteSize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShape(t *testing.T) {
	assert.Equal(t, int64(6), NewShape(2, 3).NumElements())
	assert.Equal(t, int64(1), NewShape().NumElements())
	assert.Equal(t, int64(-1), NewShape(-1, 3).NumElements())
	assert.Equal(t, "(?, 3)", NewShape(-1, 3).String())
	assert.Equal(t, -1, Shape{UnknownRank: true}.Rank())
}

func TestTensorMarshalKeepsNegativeDims(t *testing.T) {
	s, err := UnmarshalShape(NewShape(-1, 28, 28, 1).Marshal())
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 28, 28, 1}, s.Dims)
}

func TestDataType(t *testing.T) {
	assert.Equal(t, "float32", DTFloat.String())
	assert.Equal(t, "float32_ref", (DTFloat + 100).String())
	assert.Equal(t, DTFloat, (DTFloat + 100).Base())
	assert.Equal(t, 4, DTFloat.Size())
	assert.Equal(t, 0, DTString.Size())
	assert.Equal(t, 2, DTHalf.Size())
}

func TestNodeDefAttrs(t *testing.T) {
	n := &NodeDef{Name: "conv", Op: "Conv2D", Input: []string{"x", "w"}}
	n.SetAttr("T", TypeAttr(DTFloat))
	n.SetAttr("strides", ListAttr(&ListValue{I: []int64{1, 2, 2, 1}}))
	n.SetAttr("padding", StringAttr("SAME"))
	n.SetAttr("use_cudnn_on_gpu", BoolAttr(false))
	n.SetAttr("alpha", FloatAttr(float32(math.Pi)))

	decoded, err := UnmarshalNodeDef(n.Marshal())
	require.NoError(t, err)

	assert.Equal(t, "conv", decoded.Name)
	assert.Equal(t, []string{"x", "w"}, decoded.Input)

	dtype, ok := decoded.AttrType("T")
	assert.True(t, ok)
	assert.Equal(t, DTFloat, dtype)

	strides, ok := decoded.AttrInts("strides")
	assert.True(t, ok)
	assert.Equal(t, []int64{1, 2, 2, 1}, strides)

	padding, _ := decoded.AttrString("padding")
	assert.Equal(t, "SAME", padding)

	// A false bool must survive encoding so the attr kind is kept.
	b, ok := decoded.AttrBool("use_cudnn_on_gpu")
	assert.True(t, ok)
	assert.False(t, b)

	_, ok = decoded.AttrString("T")
	assert.False(t, ok, "kind mismatch must not match")
}
