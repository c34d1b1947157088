package tflite

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// ErrNotTFLite is returned by Read for buffers that are not TFLite models.
var ErrNotTFLite = errors.New("tflite: not a TFLite flatbuffer")

// ModelInfo summarizes a TFLite model.
type ModelInfo struct {
	Version     uint32
	Description string
	Opcodes     []BuiltinOperator
	Buffers     [][]byte
	Subgraphs   []SubgraphInfo
	Signatures  []SignatureInfo
}

// SubgraphInfo describes one subgraph.
type SubgraphInfo struct {
	Name      string
	Tensors   []TensorInfo
	Inputs    []int32
	Outputs   []int32
	Operators []OperatorInfo
}

// TensorInfo describes one tensor. ShapeSignature is nil for static shapes.
type TensorInfo struct {
	Name           string
	Type           TensorType
	Shape          []int32
	ShapeSignature []int32
	Buffer         uint32
}

// OperatorInfo describes one operator.
type OperatorInfo struct {
	Opcode      BuiltinOperator
	Inputs      []int32
	Outputs     []int32
	OptionsType BuiltinOptions
	// Options is the raw options table, decodable with the Option* helpers.
	Options *flatbuffers.Table
}

// SignatureInfo describes a SignatureDef.
type SignatureInfo struct {
	Key      string
	Subgraph uint32
	Inputs   map[string]int32
	Outputs  map[string]int32
}

// Read decodes the parts of a TFLite model the converter writes.
func Read(buf []byte) (info *ModelInfo, err error) {
	if len(buf) < 8 || string(buf[4:8]) != FileIdentifier {
		return nil, ErrNotTFLite
	}

	// Malformed offsets panic inside the flatbuffers accessors.
	defer func() {
		if r := recover(); r != nil {
			info, err = nil, fmt.Errorf("%w: %v", ErrNotTFLite, r)
		}
	}()

	root := &flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}

	info = &ModelInfo{
		Version:     uint32Field(root, modelVersion, 0),
		Description: stringField(root, modelDescription),
	}

	var codes []BuiltinOperator
	for _, t := range tableVector(root, modelOperatorCodes) {
		code := BuiltinOperator(int32Field(t, opcodeBuiltin, 0))
		if dep := BuiltinOperator(int8Field(t, opcodeDeprecatedBuiltin)); dep > code {
			code = dep
		}
		codes = append(codes, code)
	}
	info.Opcodes = codes

	for _, t := range tableVector(root, modelBuffers) {
		info.Buffers = append(info.Buffers, bytesField(t, bufferData))
	}

	for _, sg := range tableVector(root, modelSubgraphs) {
		s := SubgraphInfo{
			Name:    stringField(sg, subgraphName),
			Inputs:  int32sField(sg, subgraphInputs),
			Outputs: int32sField(sg, subgraphOutputs),
		}
		for _, t := range tableVector(sg, subgraphTensors) {
			s.Tensors = append(s.Tensors, TensorInfo{
				Name:           stringField(t, tensorName),
				Type:           TensorType(int8Field(t, tensorType)),
				Shape:          int32sField(t, tensorShape),
				ShapeSignature: int32sField(t, tensorShapeSignature),
				Buffer:         uint32Field(t, tensorBuffer, 0),
			})
		}
		for _, t := range tableVector(sg, subgraphOperators) {
			idx := uint32Field(t, operatorOpcodeIndex, 0)
			if int(idx) >= len(codes) {
				return nil, fmt.Errorf("%w: opcode index %d out of range", ErrNotTFLite, idx)
			}
			s.Operators = append(s.Operators, OperatorInfo{
				Opcode:      codes[idx],
				Inputs:      int32sField(t, operatorInputs),
				Outputs:     int32sField(t, operatorOutputs),
				OptionsType: BuiltinOptions(byteField(t, operatorOptionsType)),
				Options:     tableField(t, operatorOptions),
			})
		}
		info.Subgraphs = append(info.Subgraphs, s)
	}

	for _, t := range tableVector(root, modelSignatureDefs) {
		sig := SignatureInfo{
			Key:      stringField(t, signatureKey),
			Subgraph: uint32Field(t, signatureSubgraphIndex, 0),
			Inputs:   make(map[string]int32),
			Outputs:  make(map[string]int32),
		}
		for _, tm := range tableVector(t, signatureInputs) {
			sig.Inputs[stringField(tm, tensorMapName)] = int32(uint32Field(tm, tensorMapIndex, 0))
		}
		for _, tm := range tableVector(t, signatureOutputs) {
			sig.Outputs[stringField(tm, tensorMapName)] = int32(uint32Field(tm, tensorMapIndex, 0))
		}
		info.Signatures = append(info.Signatures, sig)
	}

	return info, nil
}

// OptionInt32 reads an int32 field of an options table.
func OptionInt32(t *flatbuffers.Table, slot int, def int32) int32 {
	if t == nil {
		return def
	}
	return int32Field(t, slot, def)
}

// OptionInt8 reads an int8 or enum field of an options table.
func OptionInt8(t *flatbuffers.Table, slot int) int8 {
	if t == nil {
		return 0
	}
	return int8Field(t, slot)
}

// OptionBool reads a bool field of an options table.
func OptionBool(t *flatbuffers.Table, slot int) bool {
	if t == nil {
		return false
	}
	return byteField(t, slot) != 0
}

// OptionFloat32 reads a float field of an options table.
func OptionFloat32(t *flatbuffers.Table, slot int, def float32) float32 {
	if t == nil {
		return def
	}
	if o := fieldOffset(t, slot); o != 0 {
		return t.GetFloat32(o + t.Pos)
	}
	return def
}

// OptionInt32s reads an int vector field of an options table.
func OptionInt32s(t *flatbuffers.Table, slot int) []int32 {
	if t == nil {
		return nil
	}
	return int32sField(t, slot)
}

func fieldOffset(t *flatbuffers.Table, slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func uint32Field(t *flatbuffers.Table, slot int, def uint32) uint32 {
	if o := fieldOffset(t, slot); o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return def
}

func int32Field(t *flatbuffers.Table, slot int, def int32) int32 {
	if o := fieldOffset(t, slot); o != 0 {
		return t.GetInt32(o + t.Pos)
	}
	return def
}

func int8Field(t *flatbuffers.Table, slot int) int8 {
	if o := fieldOffset(t, slot); o != 0 {
		return t.GetInt8(o + t.Pos)
	}
	return 0
}

func byteField(t *flatbuffers.Table, slot int) byte {
	if o := fieldOffset(t, slot); o != 0 {
		return t.GetByte(o + t.Pos)
	}
	return 0
}

func stringField(t *flatbuffers.Table, slot int) string {
	if o := fieldOffset(t, slot); o != 0 {
		return t.String(o + t.Pos)
	}
	return ""
}

func bytesField(t *flatbuffers.Table, slot int) []byte {
	if o := fieldOffset(t, slot); o != 0 {
		return t.ByteVector(o + t.Pos)
	}
	return nil
}

func int32sField(t *flatbuffers.Table, slot int) []int32 {
	o := fieldOffset(t, slot)
	if o == 0 {
		return nil
	}
	n := t.VectorLen(o)
	start := t.Vector(o)
	out := make([]int32, n)
	for i := range out {
		out[i] = t.GetInt32(start + flatbuffers.UOffsetT(4*i))
	}
	return out
}

func tableField(t *flatbuffers.Table, slot int) *flatbuffers.Table {
	o := fieldOffset(t, slot)
	if o == 0 {
		return nil
	}
	return &flatbuffers.Table{Bytes: t.Bytes, Pos: t.Indirect(o + t.Pos)}
}

func tableVector(t *flatbuffers.Table, slot int) []*flatbuffers.Table {
	o := fieldOffset(t, slot)
	if o == 0 {
		return nil
	}
	n := t.VectorLen(o)
	start := t.Vector(o)
	out := make([]*flatbuffers.Table, n)
	for i := range out {
		elem := start + flatbuffers.UOffsetT(4*i)
		out[i] = &flatbuffers.Table{Bytes: t.Bytes, Pos: t.Indirect(elem)}
	}
	return out
}
