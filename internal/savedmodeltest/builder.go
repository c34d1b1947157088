// Package savedmodeltest writes small SavedModel bundles for tests.
package savedmodeltest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/tfconv/internal/checkpoint"
	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// Builder describes a bundle to write.
type Builder struct {
	Tags        []string
	Nodes       []*tfproto.NodeDef
	Functions   []*tfproto.FunctionDef
	Signatures  map[string]*tfproto.SignatureDef
	Variables   map[string]*tfproto.Tensor
	ObjectGraph *tfproto.TrackableObjectGraph
	Objects     *tfproto.SavedObjectGraph
}

// Node builds a NodeDef.
func Node(name, op string, inputs []string, attrs map[string]*tfproto.AttrValue) *tfproto.NodeDef {
	return &tfproto.NodeDef{Name: name, Op: op, Input: inputs, Attr: attrs}
}

// Float is the float32 type attribute shared by most nodes.
func Float() map[string]*tfproto.AttrValue {
	return map[string]*tfproto.AttrValue{"T": tfproto.TypeAttr(tfproto.DTFloat)}
}

// Placeholder builds a float32 Placeholder with the given shape.
func Placeholder(name string, dims ...int64) *tfproto.NodeDef {
	return Node(name, "Placeholder", nil, map[string]*tfproto.AttrValue{
		"dtype": tfproto.TypeAttr(tfproto.DTFloat),
		"shape": tfproto.ShapeAttr(tfproto.NewShape(dims...)),
	})
}

// Const builds a Const node holding t.
func Const(name string, t *tfproto.Tensor) *tfproto.NodeDef {
	return Node(name, "Const", nil, map[string]*tfproto.AttrValue{
		"dtype": tfproto.TypeAttr(t.DType),
		"value": tfproto.TensorAttr(t),
	})
}

// VarHandle builds a resource variable handle.
func VarHandle(name, sharedName string, dims ...int64) *tfproto.NodeDef {
	return Node(name, "VarHandleOp", nil, map[string]*tfproto.AttrValue{
		"dtype":       tfproto.TypeAttr(tfproto.DTFloat),
		"shape":       tfproto.ShapeAttr(tfproto.NewShape(dims...)),
		"shared_name": tfproto.StringAttr(sharedName),
	})
}

// Signature builds a single-input, single-output signature.
func Signature(inKey, inTensor, outKey, outTensor string) *tfproto.SignatureDef {
	return &tfproto.SignatureDef{
		Inputs:     map[string]*tfproto.TensorInfo{inKey: {Name: inTensor, DType: tfproto.DTFloat}},
		Outputs:    map[string]*tfproto.TensorInfo{outKey: {Name: outTensor, DType: tfproto.DTFloat}},
		MethodName: "tensorflow/serving/predict",
	}
}

// Write writes the bundle into dir.
func (b *Builder) Write(t testing.TB, dir string) {
	t.Helper()

	tags := b.Tags
	if tags == nil {
		tags = []string{"serve"}
	}

	sm := &tfproto.SavedModel{
		SchemaVersion: 1,
		MetaGraphs: []*tfproto.MetaGraphDef{{
			Tags:              tags,
			TensorflowVersion: "2.15.0",
			Graph: &tfproto.GraphDef{
				Node:     b.Nodes,
				Library:  b.Functions,
				Producer: 1645,
			},
			Signatures:  b.Signatures,
			ObjectGraph: b.Objects,
		}},
	}

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "saved_model.pb"), sm.Marshal(), 0o644))

	if len(b.Variables) == 0 && b.ObjectGraph == nil {
		return
	}

	w := checkpoint.NewWriter(filepath.Join(dir, "variables", "variables"))
	for key, v := range b.Variables {
		require.NoError(t, w.Add(key, v))
	}
	if b.ObjectGraph != nil {
		require.NoError(t, w.AddObjectGraph(b.ObjectGraph))
	}
	require.NoError(t, w.Finish())
}

const (
	kernelKey = "layer_with_weights-0/kernel/.ATTRIBUTES/VARIABLE_VALUE"
	biasKey   = "layer_with_weights-0/bias/.ATTRIBUTES/VARIABLE_VALUE"
)

// Kernel is the [4, 2] weight matrix of Dense.
var Kernel = []float32{
	1, 2,
	3, 4,
	5, 6,
	7, 8,
}

// Bias is the bias vector of Dense.
var Bias = []float32{0.5, -0.5}

// Dense returns a TF2-style bundle: a serving_default signature calling a
// function that computes relu(x @ kernel + bias) over two resource variables
// tracked through the object graph.
func Dense() *Builder {
	callAttrs := map[string]*tfproto.AttrValue{
		"f":    tfproto.FuncAttr("__inference_signature_wrapper_95"),
		"Tin":  tfproto.ListAttr(&tfproto.ListValue{Type: []tfproto.DataType{tfproto.DTFloat, tfproto.DTResource, tfproto.DTResource}}),
		"Tout": tfproto.ListAttr(&tfproto.ListValue{Type: []tfproto.DataType{tfproto.DTFloat}}),
	}

	read := map[string]*tfproto.AttrValue{"dtype": tfproto.TypeAttr(tfproto.DTFloat)}

	fn := &tfproto.FunctionDef{
		Signature: &tfproto.OpDef{
			Name: "__inference_signature_wrapper_95",
			InputArg: []*tfproto.ArgDef{
				{Name: "x", Type: tfproto.DTFloat},
				{Name: "matmul_readvariableop_resource", Type: tfproto.DTResource},
				{Name: "biasadd_readvariableop_resource", Type: tfproto.DTResource},
			},
			OutputArg: []*tfproto.ArgDef{{Name: "identity", Type: tfproto.DTFloat}},
		},
		NodeDef: []*tfproto.NodeDef{
			Node("MatMul/ReadVariableOp", "ReadVariableOp", []string{"matmul_readvariableop_resource"}, read),
			Node("MatMul", "MatMul", []string{"x", "MatMul/ReadVariableOp:value:0"}, Float()),
			Node("BiasAdd/ReadVariableOp", "ReadVariableOp", []string{"biasadd_readvariableop_resource"}, read),
			Node("BiasAdd", "BiasAdd", []string{"MatMul:product:0", "BiasAdd/ReadVariableOp:value:0"}, Float()),
			Node("Relu", "Relu", []string{"BiasAdd:output:0"}, Float()),
			Node("Identity", "Identity", []string{"Relu:activations:0", "^MatMul/ReadVariableOp", "^BiasAdd/ReadVariableOp"}, Float()),
		},
		Ret:        map[string]string{"identity": "Identity:output:0"},
		ControlRet: map[string]string{},
	}

	return &Builder{
		Nodes: []*tfproto.NodeDef{
			Placeholder("serving_default_x", -1, 4),
			VarHandle("dense/kernel", "dense/kernel", 4, 2),
			VarHandle("dense/bias", "dense/bias", 2),
			Node("StatefulPartitionedCall", "StatefulPartitionedCall",
				[]string{"serving_default_x", "dense/kernel", "dense/bias"}, callAttrs),
			Node("saver_filename", "Placeholder", nil, map[string]*tfproto.AttrValue{
				"dtype": tfproto.TypeAttr(tfproto.DTString),
			}),
		},
		Functions: []*tfproto.FunctionDef{fn},
		Signatures: map[string]*tfproto.SignatureDef{
			"serving_default": Signature("x", "serving_default_x:0", "output_0", "StatefulPartitionedCall:0"),
		},
		Variables: map[string]*tfproto.Tensor{
			kernelKey: tfproto.NewFloatTensor([]int64{4, 2}, Kernel),
			biasKey:   tfproto.NewFloatTensor([]int64{2}, Bias),
		},
		ObjectGraph: &tfproto.TrackableObjectGraph{Nodes: []*tfproto.TrackableObject{
			{Children: []tfproto.ObjectReference{{NodeID: 1, LocalName: "layer_with_weights-0"}}},
			{Children: []tfproto.ObjectReference{{NodeID: 2, LocalName: "kernel"}, {NodeID: 3, LocalName: "bias"}}},
			{Attributes: []tfproto.SerializedTensor{{Name: "VARIABLE_VALUE", FullName: "dense/kernel", CheckpointKey: kernelKey}}},
			{Attributes: []tfproto.SerializedTensor{{Name: "VARIABLE_VALUE", FullName: "dense/bias", CheckpointKey: biasKey}}},
		}},
		Objects: &tfproto.SavedObjectGraph{Nodes: []*tfproto.SavedObject{
			{},
			{},
			{Variable: &tfproto.SavedVariable{DType: tfproto.DTFloat, Shape: tfproto.NewShape(4, 2), Trainable: true, Name: "dense/kernel"}},
			{Variable: &tfproto.SavedVariable{DType: tfproto.DTFloat, Shape: tfproto.NewShape(2), Trainable: true, Name: "dense/bias"}},
		}},
	}
}

// Legacy returns a TF1-style bundle with a VariableV2 read through Identity
// and checkpoint keys equal to variable names.
func Legacy() *Builder {
	return &Builder{
		Nodes: []*tfproto.NodeDef{
			Placeholder("x", -1, 4),
			Node("w", "VariableV2", nil, map[string]*tfproto.AttrValue{
				"dtype": tfproto.TypeAttr(tfproto.DTFloat),
				"shape": tfproto.ShapeAttr(tfproto.NewShape(4, 2)),
			}),
			Node("w/read", "Identity", []string{"w"}, Float()),
			Node("y", "MatMul", []string{"x", "w/read"}, Float()),
			Node("probs", "Softmax", []string{"y"}, Float()),
		},
		Signatures: map[string]*tfproto.SignatureDef{
			"infer":  Signature("x", "x:0", "probs", "probs:0"),
			"logits": Signature("x", "x:0", "y", "y:0"),
		},
		Variables: map[string]*tfproto.Tensor{
			"w": tfproto.NewFloatTensor([]int64{4, 2}, Kernel),
		},
	}
}
