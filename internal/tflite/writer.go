package tflite

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// tensor is a subgraph tensor. Unknown dims are -1.
type tensor struct {
	name   string
	dtype  TensorType
	shape  []int64
	buffer uint32
}

type operator struct {
	code    BuiltinOperator
	inputs  []int32
	outputs []int32
	options options
}

// options is a builtin options table.
type options interface {
	kind() BuiltinOptions
	build(b *flatbuffers.Builder) flatbuffers.UOffsetT
}

type tensorMap struct {
	name  string
	index int32
}

// model is a single-subgraph TFLite model under construction.
type model struct {
	description string
	subgraph    string
	signature   string

	tensors   []*tensor
	operators []*operator
	buffers   [][]byte
	inputs    []int32
	outputs   []int32

	sigInputs  []tensorMap
	sigOutputs []tensorMap
}

func newModel() *model {
	// Buffer 0 is the empty sentinel tensors without data point at.
	return &model{buffers: [][]byte{nil}}
}

func (m *model) addTensor(t *tensor) int32 {
	m.tensors = append(m.tensors, t)
	return int32(len(m.tensors) - 1)
}

func (m *model) addBuffer(data []byte) uint32 {
	m.buffers = append(m.buffers, data)
	return uint32(len(m.buffers) - 1)
}

// serialize encodes m as a TFLite flatbuffer. Output is a pure function of m.
func (m *model) serialize() []byte {
	b := flatbuffers.NewBuilder(1024)

	// Opcodes in order of first use.
	var codes []BuiltinOperator
	codeIndex := make(map[BuiltinOperator]uint32)
	for _, op := range m.operators {
		if _, ok := codeIndex[op.code]; !ok {
			codeIndex[op.code] = uint32(len(codes))
			codes = append(codes, op.code)
		}
	}

	buffers := make([]flatbuffers.UOffsetT, len(m.buffers))
	for i, data := range m.buffers {
		var dataOff flatbuffers.UOffsetT
		if len(data) > 0 {
			b.Prep(16, len(data))
			dataOff = b.CreateByteVector(data)
		}
		b.StartObject(bufferNumFields)
		if dataOff != 0 {
			b.PrependUOffsetTSlot(bufferData, dataOff, 0)
		}
		buffers[i] = b.EndObject()
	}

	tensors := make([]flatbuffers.UOffsetT, len(m.tensors))
	for i, t := range m.tensors {
		tensors[i] = t.build(b)
	}

	operators := make([]flatbuffers.UOffsetT, len(m.operators))
	for i, op := range m.operators {
		inputs := int32Vector(b, op.inputs)
		outputs := int32Vector(b, op.outputs)

		var optOff flatbuffers.UOffsetT
		if op.options != nil {
			optOff = op.options.build(b)
		}

		b.StartObject(operatorNumFields)
		b.PrependUint32Slot(operatorOpcodeIndex, codeIndex[op.code], 0)
		b.PrependUOffsetTSlot(operatorInputs, inputs, 0)
		b.PrependUOffsetTSlot(operatorOutputs, outputs, 0)
		if op.options != nil {
			b.PrependByteSlot(operatorOptionsType, byte(op.options.kind()), 0)
			b.PrependUOffsetTSlot(operatorOptions, optOff, 0)
		}
		operators[i] = b.EndObject()
	}

	nameOff := b.CreateString(m.subgraph)
	tensorsVec := offsetVector(b, tensors)
	inputsVec := int32Vector(b, m.inputs)
	outputsVec := int32Vector(b, m.outputs)
	operatorsVec := offsetVector(b, operators)

	b.StartObject(subgraphNumFields)
	b.PrependUOffsetTSlot(subgraphTensors, tensorsVec, 0)
	b.PrependUOffsetTSlot(subgraphInputs, inputsVec, 0)
	b.PrependUOffsetTSlot(subgraphOutputs, outputsVec, 0)
	b.PrependUOffsetTSlot(subgraphOperators, operatorsVec, 0)
	b.PrependUOffsetTSlot(subgraphName, nameOff, 0)
	subgraph := b.EndObject()

	opcodes := make([]flatbuffers.UOffsetT, len(codes))
	for i, code := range codes {
		deprecated := int8(127) // PLACEHOLDER_FOR_GREATER_OP_CODES
		if code < 127 {
			deprecated = int8(code)
		}
		b.StartObject(opcodeNumFields)
		b.PrependInt8Slot(opcodeDeprecatedBuiltin, deprecated, 0)
		b.PrependInt32Slot(opcodeVersion, 1, 1)
		b.PrependInt32Slot(opcodeBuiltin, int32(code), 0)
		opcodes[i] = b.EndObject()
	}

	signature := m.buildSignature(b)

	description := b.CreateString(m.description)
	opcodesVec := offsetVector(b, opcodes)
	subgraphsVec := offsetVector(b, []flatbuffers.UOffsetT{subgraph})
	buffersVec := offsetVector(b, buffers)
	signaturesVec := offsetVector(b, []flatbuffers.UOffsetT{signature})

	b.StartObject(modelNumFields)
	b.PrependUint32Slot(modelVersion, SchemaVersion, 0)
	b.PrependUOffsetTSlot(modelOperatorCodes, opcodesVec, 0)
	b.PrependUOffsetTSlot(modelSubgraphs, subgraphsVec, 0)
	b.PrependUOffsetTSlot(modelDescription, description, 0)
	b.PrependUOffsetTSlot(modelBuffers, buffersVec, 0)
	b.PrependUOffsetTSlot(modelSignatureDefs, signaturesVec, 0)
	root := b.EndObject()

	b.FinishWithFileIdentifier(root, []byte(FileIdentifier))

	return b.FinishedBytes()
}

func (t *tensor) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	name := b.CreateString(t.name)

	dims := make([]int32, len(t.shape))
	dynamic := false
	for i, d := range t.shape {
		if d < 0 {
			dims[i] = 1
			dynamic = true
			continue
		}
		dims[i] = int32(d)
	}
	shape := int32Vector(b, dims)

	var signature flatbuffers.UOffsetT
	if dynamic {
		sig := make([]int32, len(t.shape))
		for i, d := range t.shape {
			sig[i] = int32(d)
		}
		signature = int32Vector(b, sig)
	}

	b.StartObject(tensorNumFields)
	b.PrependUOffsetTSlot(tensorShape, shape, 0)
	b.PrependInt8Slot(tensorType, int8(t.dtype), 0)
	b.PrependUint32Slot(tensorBuffer, t.buffer, 0)
	b.PrependUOffsetTSlot(tensorName, name, 0)
	if dynamic {
		b.PrependUOffsetTSlot(tensorShapeSignature, signature, 0)
	}
	return b.EndObject()
}

func (m *model) buildSignature(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	inputs := offsetVector(b, buildTensorMaps(b, m.sigInputs))
	outputs := offsetVector(b, buildTensorMaps(b, m.sigOutputs))
	key := b.CreateString(m.signature)

	b.StartObject(signatureNumFields)
	b.PrependUOffsetTSlot(signatureInputs, inputs, 0)
	b.PrependUOffsetTSlot(signatureOutputs, outputs, 0)
	b.PrependUOffsetTSlot(signatureKey, key, 0)
	b.PrependUint32Slot(signatureSubgraphIndex, 0, 0)
	return b.EndObject()
}

func buildTensorMaps(b *flatbuffers.Builder, maps []tensorMap) []flatbuffers.UOffsetT {
	out := make([]flatbuffers.UOffsetT, len(maps))
	for i, tm := range maps {
		name := b.CreateString(tm.name)
		b.StartObject(tensorMapNumFields)
		b.PrependUOffsetTSlot(tensorMapName, name, 0)
		b.PrependUint32Slot(tensorMapIndex, uint32(tm.index), 0)
		out[i] = b.EndObject()
	}
	return out
}

func int32Vector(b *flatbuffers.Builder, vs []int32) flatbuffers.UOffsetT {
	b.StartVector(4, len(vs), 4)
	for i := len(vs) - 1; i >= 0; i-- {
		b.PrependInt32(vs[i])
	}
	return b.EndVector(len(vs))
}

func offsetVector(b *flatbuffers.Builder, offs []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(4, len(offs), 4)
	for i := len(offs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offs[i])
	}
	return b.EndVector(len(offs))
}
