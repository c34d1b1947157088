package freeze_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/tfconv/internal/freeze"
	"github.com/ekisa-team/tfconv/internal/savedmodel"
	"github.com/ekisa-team/tfconv/internal/savedmodeltest"
	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// memSource serves a graph and variables from memory.
type memSource struct {
	graph *tfproto.GraphDef
	vars  map[string]*tfproto.Tensor
	reads []string
}

func (m *memSource) Graph() *tfproto.GraphDef { return m.graph }

func (m *memSource) ReadVariable(name string) (*tfproto.Tensor, error) {
	m.reads = append(m.reads, name)
	v, ok := m.vars[name]
	if !ok {
		return nil, fmt.Errorf("no variable %q", name)
	}
	return v, nil
}

func sourceOf(b *savedmodeltest.Builder, vars map[string]*tfproto.Tensor) *memSource {
	return &memSource{
		graph: &tfproto.GraphDef{Node: b.Nodes, Library: b.Functions},
		vars:  vars,
	}
}

func signature(b *savedmodeltest.Builder, key string) *savedmodel.Signature {
	return &savedmodel.Signature{Key: key, Def: b.Signatures[key]}
}

func nodeNames(g *freeze.Graph) []string {
	names := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		names[i] = n.Name
	}
	return names
}

func denseVars() map[string]*tfproto.Tensor {
	return map[string]*tfproto.Tensor{
		"dense/kernel": tfproto.NewFloatTensor([]int64{4, 2}, savedmodeltest.Kernel),
		"dense/bias":   tfproto.NewFloatTensor([]int64{2}, savedmodeltest.Bias),
	}
}

func TestFreeze_InlinesCallsAndFreezesVariables(t *testing.T) {
	b := savedmodeltest.Dense()
	src := sourceOf(b, denseVars())

	g, err := freeze.Freeze(context.Background(), src, signature(b, "serving_default"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"serving_default_x",
		"dense/kernel",
		"dense/bias",
		"StatefulPartitionedCall/MatMul/ReadVariableOp",
		"StatefulPartitionedCall/MatMul",
		"StatefulPartitionedCall/BiasAdd/ReadVariableOp",
		"StatefulPartitionedCall/BiasAdd",
		"StatefulPartitionedCall/Relu",
		"StatefulPartitionedCall/Identity",
	}, nodeNames(g))

	assert.Equal(t, 2, g.Variables)
	assert.Equal(t, 1, g.Inlined)

	require.Len(t, g.Inputs, 1)
	assert.Equal(t, freeze.TensorSpec{Key: "x", Name: "serving_default_x:0", DType: tfproto.DTFloat}, g.Inputs[0])
	require.Len(t, g.Outputs, 1)
	assert.Equal(t, "output_0", g.Outputs[0].Key)
	assert.Equal(t, "StatefulPartitionedCall/Identity:0", g.Outputs[0].Name)

	kernel, ok := g.Node("dense/kernel")
	require.True(t, ok)
	assert.Equal(t, "Const", kernel.Op)
	value, ok := kernel.AttrTensor("value")
	require.True(t, ok)
	got, err := value.Float32s()
	require.NoError(t, err)
	assert.Equal(t, savedmodeltest.Kernel, got)

	read, _ := g.Node("StatefulPartitionedCall/MatMul/ReadVariableOp")
	assert.Equal(t, "Identity", read.Op)
	assert.Equal(t, []string{"dense/kernel"}, read.Input)

	matmul, _ := g.Node("StatefulPartitionedCall/MatMul")
	assert.Equal(t, []string{"serving_default_x", "StatefulPartitionedCall/MatMul/ReadVariableOp"}, matmul.Input)

	// Control inputs are gone.
	identity, _ := g.Node("StatefulPartitionedCall/Identity")
	assert.Equal(t, []string{"StatefulPartitionedCall/Relu"}, identity.Input)
}

func TestFreeze_NoVariableOpsRemain(t *testing.T) {
	for _, b := range []*savedmodeltest.Builder{savedmodeltest.Dense(), savedmodeltest.Legacy()} {
		vars := denseVars()
		vars["w"] = tfproto.NewFloatTensor([]int64{4, 2}, savedmodeltest.Kernel)

		for key := range b.Signatures {
			g, err := freeze.Freeze(context.Background(), sourceOf(b, vars), signature(b, key))
			require.NoError(t, err)

			for _, n := range g.Nodes {
				assert.NotContains(t, []string{"VarHandleOp", "VariableV2", "Variable", "ReadVariableOp"}, n.Op, n.Name)
			}
		}
	}
}

func TestFreeze_OnlyReachableNodes(t *testing.T) {
	b := savedmodeltest.Legacy()
	vars := map[string]*tfproto.Tensor{"w": tfproto.NewFloatTensor([]int64{4, 2}, savedmodeltest.Kernel)}

	g, err := freeze.Freeze(context.Background(), sourceOf(b, vars), signature(b, "logits"))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "w", "w/read", "y"}, nodeNames(g))
	assert.Equal(t, "y:0", g.Outputs[0].Name)
}

func TestFreeze_DoesNotMutateSource(t *testing.T) {
	b := savedmodeltest.Dense()
	src := sourceOf(b, denseVars())
	before := src.graph.Marshal()

	_, err := freeze.Freeze(context.Background(), src, signature(b, "serving_default"))
	require.NoError(t, err)

	assert.Equal(t, before, src.graph.Marshal())
}

func TestFreeze_MissingVariable(t *testing.T) {
	b := savedmodeltest.Dense()
	vars := denseVars()
	delete(vars, "dense/bias")

	_, err := freeze.Freeze(context.Background(), sourceOf(b, vars), signature(b, "serving_default"))

	var fe *freeze.FreezeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "serving_default", fe.Signature)
	assert.Equal(t, "dense/bias", fe.Node)
	assert.ErrorIs(t, err, freeze.ErrVariable)
}

func TestFreeze_ControlFlow(t *testing.T) {
	b := &savedmodeltest.Builder{
		Nodes: []*tfproto.NodeDef{
			savedmodeltest.Placeholder("x", 2),
			savedmodeltest.Placeholder("pred"),
			savedmodeltest.Node("sw", "Switch", []string{"x", "pred"}, savedmodeltest.Float()),
			savedmodeltest.Node("y", "Relu", []string{"sw:1"}, savedmodeltest.Float()),
		},
		Signatures: map[string]*tfproto.SignatureDef{
			"serving_default": savedmodeltest.Signature("x", "x:0", "y", "y:0"),
		},
	}

	_, err := freeze.Freeze(context.Background(), sourceOf(b, nil), signature(b, "serving_default"))

	var fe *freeze.FreezeError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "sw", fe.Node)
	assert.ErrorIs(t, err, freeze.ErrControlFlow)
}

func TestFreeze_GraphErrors(t *testing.T) {
	tests := []struct {
		name   string
		nodes  []*tfproto.NodeDef
		output string
		target error
	}{
		{
			name:   "dangling input",
			nodes:  []*tfproto.NodeDef{savedmodeltest.Node("y", "Relu", []string{"ghost"}, savedmodeltest.Float())},
			output: "y:0",
			target: freeze.ErrUnknownNode,
		},
		{
			name:   "unknown output",
			output: "missing:0",
			target: freeze.ErrUnknownNode,
		},
		{
			name: "cycle",
			nodes: []*tfproto.NodeDef{
				savedmodeltest.Node("a", "Relu", []string{"b"}, savedmodeltest.Float()),
				savedmodeltest.Node("b", "Relu", []string{"a"}, savedmodeltest.Float()),
			},
			output: "a:0",
			target: freeze.ErrCycle,
		},
		{
			name: "unknown function",
			nodes: []*tfproto.NodeDef{
				savedmodeltest.Node("call", "PartitionedCall", nil, map[string]*tfproto.AttrValue{
					"f": tfproto.FuncAttr("__inference_missing_1"),
				}),
			},
			output: "call:0",
			target: freeze.ErrUnknownFunction,
		},
		{
			name:   "malformed output name",
			output: "y:zero",
			target: freeze.ErrBadReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &savedmodeltest.Builder{
				Nodes: append([]*tfproto.NodeDef{savedmodeltest.Placeholder("x", 2)}, tt.nodes...),
				Signatures: map[string]*tfproto.SignatureDef{
					"s": savedmodeltest.Signature("x", "x:0", "out", tt.output),
				},
			}

			_, err := freeze.Freeze(context.Background(), sourceOf(b, nil), signature(b, "s"))

			var fe *freeze.FreezeError
			require.ErrorAs(t, err, &fe)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestFreeze_NestedCallsAndMultiOutputOps(t *testing.T) {
	inner := &tfproto.FunctionDef{
		Signature: &tfproto.OpDef{
			Name:      "inner",
			InputArg:  []*tfproto.ArgDef{{Name: "a", Type: tfproto.DTFloat}},
			OutputArg: []*tfproto.ArgDef{{Name: "first", Type: tfproto.DTFloat}, {Name: "second", Type: tfproto.DTInt32}},
		},
		NodeDef: []*tfproto.NodeDef{
			savedmodeltest.Node("uniq", "Unique", []string{"a"}, savedmodeltest.Float()),
		},
		Ret: map[string]string{"first": "uniq:y:0", "second": "uniq:idx:0"},
	}
	outer := &tfproto.FunctionDef{
		Signature: &tfproto.OpDef{
			Name:      "outer",
			InputArg:  []*tfproto.ArgDef{{Name: "x", Type: tfproto.DTFloat}},
			OutputArg: []*tfproto.ArgDef{{Name: "out", Type: tfproto.DTInt32}},
		},
		NodeDef: []*tfproto.NodeDef{
			savedmodeltest.Node("call", "inner", []string{"x"}, nil),
			savedmodeltest.Node("id", "Identity", []string{"call:second:0"}, nil),
		},
		Ret: map[string]string{"out": "id:output:0"},
	}

	b := &savedmodeltest.Builder{
		Nodes: []*tfproto.NodeDef{
			savedmodeltest.Placeholder("x", 4),
			savedmodeltest.Node("pc", "PartitionedCall", []string{"x"}, map[string]*tfproto.AttrValue{
				"f": tfproto.FuncAttr("outer"),
			}),
		},
		Functions: []*tfproto.FunctionDef{inner, outer},
		Signatures: map[string]*tfproto.SignatureDef{
			"serving_default": savedmodeltest.Signature("x", "x:0", "idx", "pc:0"),
		},
	}

	g, err := freeze.Freeze(context.Background(), sourceOf(b, nil), signature(b, "serving_default"))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "pc/call/uniq", "pc/id"}, nodeNames(g))
	assert.Equal(t, 2, g.Inlined)

	id, _ := g.Node("pc/id")
	assert.Equal(t, []string{"pc/call/uniq:1"}, id.Input)
	assert.Equal(t, "pc/id:0", g.Outputs[0].Name)
}

func TestFreeze_ResourceIdentityIsAlias(t *testing.T) {
	b := &savedmodeltest.Builder{
		Nodes: []*tfproto.NodeDef{
			savedmodeltest.Placeholder("x", 2),
			savedmodeltest.VarHandle("v", "v", 2),
			savedmodeltest.Node("v/alias", "Identity", []string{"v"}, map[string]*tfproto.AttrValue{
				"T": tfproto.TypeAttr(tfproto.DTResource),
			}),
			savedmodeltest.Node("read", "ReadVariableOp", []string{"v/alias"}, map[string]*tfproto.AttrValue{
				"dtype": tfproto.TypeAttr(tfproto.DTFloat),
			}),
			savedmodeltest.Node("y", "Mul", []string{"x", "read"}, savedmodeltest.Float()),
		},
		Signatures: map[string]*tfproto.SignatureDef{
			"serving_default": savedmodeltest.Signature("x", "x:0", "y", "y:0"),
		},
	}
	vars := map[string]*tfproto.Tensor{"v": tfproto.NewFloatTensor([]int64{2}, []float32{2, 3})}

	g, err := freeze.Freeze(context.Background(), sourceOf(b, vars), signature(b, "serving_default"))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "v", "read", "y"}, nodeNames(g))
	read, _ := g.Node("read")
	assert.Equal(t, []string{"v"}, read.Input)
}

func TestFreeze_Cancelled(t *testing.T) {
	var nodes []*tfproto.NodeDef
	nodes = append(nodes, savedmodeltest.Placeholder("n0", 1))
	for i := 1; i < 600; i++ {
		nodes = append(nodes, savedmodeltest.Node(fmt.Sprintf("n%d", i), "Relu", []string{fmt.Sprintf("n%d", i-1)}, savedmodeltest.Float()))
	}
	b := &savedmodeltest.Builder{
		Nodes: nodes,
		Signatures: map[string]*tfproto.SignatureDef{
			"s": savedmodeltest.Signature("x", "n0:0", "y", "n599:0"),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := freeze.Freeze(ctx, sourceOf(b, nil), signature(b, "s"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseTensorName(t *testing.T) {
	tests := []struct {
		in      string
		node    string
		index   int
		wantErr bool
	}{
		{"x", "x", 0, false},
		{"x:0", "x", 0, false},
		{"scope/split:2", "scope/split", 2, false},
		{"", "", 0, true},
		{"^x", "", 0, true},
		{":1", "", 0, true},
		{"x:-1", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			node, idx, err := freeze.ParseTensorName(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, freeze.ErrBadReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.node, node)
			assert.Equal(t, tt.index, idx)
		})
	}
}
