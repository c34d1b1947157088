package tflite

import (
	"fmt"

	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// FileIdentifier marks a TFLite flatbuffer.
const FileIdentifier = "TFL3"

// SchemaVersion is the TFLite schema version written into every model.
const SchemaVersion = 3

// TensorType is the element type of a TFLite tensor.
type TensorType int8

const (
	TypeFloat32   TensorType = 0
	TypeFloat16   TensorType = 1
	TypeInt32     TensorType = 2
	TypeUint8     TensorType = 3
	TypeInt64     TensorType = 4
	TypeString    TensorType = 5
	TypeBool      TensorType = 6
	TypeInt16     TensorType = 7
	TypeComplex64 TensorType = 8
	TypeInt8      TensorType = 9
	TypeFloat64   TensorType = 10
)

var tensorTypeNames = map[TensorType]string{
	TypeFloat32:   "FLOAT32",
	TypeFloat16:   "FLOAT16",
	TypeInt32:     "INT32",
	TypeUint8:     "UINT8",
	TypeInt64:     "INT64",
	TypeString:    "STRING",
	TypeBool:      "BOOL",
	TypeInt16:     "INT16",
	TypeComplex64: "COMPLEX64",
	TypeInt8:      "INT8",
	TypeFloat64:   "FLOAT64",
}

func (t TensorType) String() string {
	if s, ok := tensorTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TensorType(%d)", int8(t))
}

var tensorTypes = map[tfproto.DataType]TensorType{
	tfproto.DTFloat:     TypeFloat32,
	tfproto.DTHalf:      TypeFloat16,
	tfproto.DTInt32:     TypeInt32,
	tfproto.DTUint8:     TypeUint8,
	tfproto.DTInt64:     TypeInt64,
	tfproto.DTString:    TypeString,
	tfproto.DTBool:      TypeBool,
	tfproto.DTInt16:     TypeInt16,
	tfproto.DTComplex64: TypeComplex64,
	tfproto.DTInt8:      TypeInt8,
	tfproto.DTDouble:    TypeFloat64,
}

// TensorTypeOf maps a TensorFlow dtype to its TFLite equivalent.
func TensorTypeOf(dt tfproto.DataType) (TensorType, bool) {
	t, ok := tensorTypes[dt.Base()]
	return t, ok
}

// BuiltinOperator identifies a TFLite builtin op.
type BuiltinOperator int32

const (
	OpAdd             BuiltinOperator = 0
	OpAveragePool2D   BuiltinOperator = 1
	OpConcatenation   BuiltinOperator = 2
	OpConv2D          BuiltinOperator = 3
	OpDepthwiseConv2D BuiltinOperator = 4
	OpFullyConnected  BuiltinOperator = 9
	OpLogistic        BuiltinOperator = 14
	OpMaxPool2D       BuiltinOperator = 17
	OpMul             BuiltinOperator = 18
	OpRelu            BuiltinOperator = 19
	OpRelu6           BuiltinOperator = 21
	OpReshape         BuiltinOperator = 22
	OpSoftmax         BuiltinOperator = 25
	OpTanh            BuiltinOperator = 28
	OpPad             BuiltinOperator = 34
	OpGather          BuiltinOperator = 36
	OpTranspose       BuiltinOperator = 39
	OpMean            BuiltinOperator = 40
	OpSub             BuiltinOperator = 41
	OpDiv             BuiltinOperator = 42
	OpSqueeze         BuiltinOperator = 43
	OpExp             BuiltinOperator = 47
	OpCast            BuiltinOperator = 53
	OpMaximum         BuiltinOperator = 55
	OpMinimum         BuiltinOperator = 57
)

var builtinNames = map[BuiltinOperator]string{
	OpAdd:             "ADD",
	OpAveragePool2D:   "AVERAGE_POOL_2D",
	OpConcatenation:   "CONCATENATION",
	OpConv2D:          "CONV_2D",
	OpDepthwiseConv2D: "DEPTHWISE_CONV_2D",
	OpFullyConnected:  "FULLY_CONNECTED",
	OpLogistic:        "LOGISTIC",
	OpMaxPool2D:       "MAX_POOL_2D",
	OpMul:             "MUL",
	OpRelu:            "RELU",
	OpRelu6:           "RELU6",
	OpReshape:         "RESHAPE",
	OpSoftmax:         "SOFTMAX",
	OpTanh:            "TANH",
	OpPad:             "PAD",
	OpGather:          "GATHER",
	OpTranspose:       "TRANSPOSE",
	OpMean:            "MEAN",
	OpSub:             "SUB",
	OpDiv:             "DIV",
	OpSqueeze:         "SQUEEZE",
	OpExp:             "EXP",
	OpCast:            "CAST",
	OpMaximum:         "MAXIMUM",
	OpMinimum:         "MINIMUM",
}

func (op BuiltinOperator) String() string {
	if s, ok := builtinNames[op]; ok {
		return s
	}
	return fmt.Sprintf("BuiltinOperator(%d)", int32(op))
}

// BuiltinOptions is the union tag of an operator's options table.
type BuiltinOptions uint8

const (
	OptionsNone            BuiltinOptions = 0
	OptionsConv2D          BuiltinOptions = 1
	OptionsDepthwiseConv2D BuiltinOptions = 2
	OptionsPool2D          BuiltinOptions = 5
	OptionsFullyConnected  BuiltinOptions = 8
	OptionsSoftmax         BuiltinOptions = 9
	OptionsConcatenation   BuiltinOptions = 10
	OptionsAdd             BuiltinOptions = 11
	OptionsReshape         BuiltinOptions = 17
	OptionsMul             BuiltinOptions = 21
	OptionsPad             BuiltinOptions = 22
	OptionsGather          BuiltinOptions = 23
	OptionsTranspose       BuiltinOptions = 26
	OptionsReducer         BuiltinOptions = 27
	OptionsSub             BuiltinOptions = 28
	OptionsDiv             BuiltinOptions = 29
	OptionsSqueeze         BuiltinOptions = 30
	OptionsExp             BuiltinOptions = 33
	OptionsCast            BuiltinOptions = 37
	OptionsMaximumMinimum  BuiltinOptions = 39
)

// Padding is the padding scheme of convolutions and pools.
type Padding int8

const (
	PaddingSame  Padding = 0
	PaddingValid Padding = 1
)

// Table slots, as vtable field indices.
const (
	modelVersion       = 0
	modelOperatorCodes = 1
	modelSubgraphs     = 2
	modelDescription   = 3
	modelBuffers       = 4
	modelSignatureDefs = 7
	modelNumFields     = 8

	opcodeDeprecatedBuiltin = 0
	opcodeVersion           = 2
	opcodeBuiltin           = 3
	opcodeNumFields         = 4

	subgraphTensors   = 0
	subgraphInputs    = 1
	subgraphOutputs   = 2
	subgraphOperators = 3
	subgraphName      = 4
	subgraphNumFields = 5

	tensorShape          = 0
	tensorType           = 1
	tensorBuffer         = 2
	tensorName           = 3
	tensorShapeSignature = 7
	tensorNumFields      = 8

	operatorOpcodeIndex = 0
	operatorInputs      = 1
	operatorOutputs     = 2
	operatorOptionsType = 3
	operatorOptions     = 4
	operatorNumFields   = 5

	bufferData      = 0
	bufferNumFields = 1

	signatureInputs        = 0
	signatureOutputs       = 1
	signatureKey           = 2
	signatureSubgraphIndex = 4
	signatureNumFields     = 5

	tensorMapName      = 0
	tensorMapIndex     = 1
	tensorMapNumFields = 2
)
