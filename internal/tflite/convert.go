// Package tflite lowers frozen TensorFlow graphs to TFLite flatbuffers.
package tflite

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/ekisa-team/tfconv/internal/freeze"
	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// DefaultDescription is written into the description field of every model.
const DefaultDescription = "tfconv"

const mainSubgraph = "main"

// Options configures Convert.
type Options struct {
	// SignatureKey names the model's SignatureDef. Empty means the frozen
	// graph's signature key.
	SignatureKey string
	// Description overrides DefaultDescription.
	Description string
}

// Convert lowers g to a TFLite model. Every op that cannot be lowered is
// collected into a single *ConversionError; no partial model is returned.
// The output depends only on g and opts.
func Convert(g *freeze.Graph, opts Options) ([]byte, error) {
	m, err := lower(g, opts)
	if err != nil {
		return nil, err
	}
	return m.serialize(), nil
}

// node is a frozen NodeDef with its inputs normalized to "name:index".
type node struct {
	*tfproto.NodeDef
	inputs []string
}

type lowerFunc func(c *converter, n *node) error

type converter struct {
	m *model

	// Tensors of the frozen graph keyed by "name:index".
	tensors map[string]int32
	consts  map[string]*tfproto.Tensor
	shapes  map[string][]int64
	dtypes  map[string]tfproto.DataType
	aliases map[string]string

	signatureInputs map[string]bool
	failed          map[string]bool
	unsupported     map[string]struct{}
	details         []string
}

func lower(g *freeze.Graph, opts Options) (*model, error) {
	c := &converter{
		m:               newModel(),
		tensors:         make(map[string]int32),
		consts:          make(map[string]*tfproto.Tensor),
		shapes:          make(map[string][]int64),
		dtypes:          make(map[string]tfproto.DataType),
		aliases:         make(map[string]string),
		signatureInputs: make(map[string]bool),
		failed:          make(map[string]bool),
		unsupported:     make(map[string]struct{}),
	}

	c.m.description = opts.Description
	if c.m.description == "" {
		c.m.description = DefaultDescription
	}
	c.m.signature = opts.SignatureKey
	if c.m.signature == "" {
		c.m.signature = g.Signature
	}
	c.m.subgraph = mainSubgraph

	for _, in := range g.Inputs {
		c.signatureInputs[in.Name] = true
	}

	for _, nd := range g.Nodes {
		n, err := parseNode(nd)
		if err != nil {
			c.reject(nd, err)
			continue
		}

		fn, ok := lowerings[nd.Op]
		if !ok {
			c.reject(nd, ErrUnsupportedOp)
			continue
		}
		if c.poisoned(n) {
			c.failed[nd.Name] = true
			continue
		}
		if err := fn(c, n); err != nil {
			c.reject(nd, err)
		}
	}

	if len(c.unsupported) > 0 {
		return nil, &ConversionError{
			Ops:     slices.Sorted(maps.Keys(c.unsupported)),
			Details: c.details,
		}
	}

	for _, in := range g.Inputs {
		idx, ok := c.tensors[in.Name]
		if !ok {
			return nil, fmt.Errorf("tflite: signature input %s (%s) is not a placeholder", in.Key, in.Name)
		}
		c.m.inputs = append(c.m.inputs, idx)
		c.m.sigInputs = append(c.m.sigInputs, tensorMap{name: in.Key, index: idx})
	}

	for _, out := range g.Outputs {
		idx, err := c.tensor(out.Name)
		if err != nil {
			return nil, fmt.Errorf("tflite: signature output %s: %w", out.Key, err)
		}
		c.m.outputs = append(c.m.outputs, idx)
		c.m.sigOutputs = append(c.m.sigOutputs, tensorMap{name: out.Key, index: idx})
	}

	slog.Debug("Graph lowered",
		"signature", c.m.signature,
		"tensors", len(c.m.tensors),
		"operators", len(c.m.operators),
		"buffers", len(c.m.buffers),
	)

	return c.m, nil
}

func parseNode(nd *tfproto.NodeDef) (*node, error) {
	n := &node{NodeDef: nd, inputs: make([]string, 0, len(nd.Input))}
	for _, in := range nd.Input {
		name, idx, err := freeze.ParseTensorName(in)
		if err != nil {
			return nil, err
		}
		n.inputs = append(n.inputs, key(name, idx))
	}
	return n, nil
}

func key(name string, idx int) string {
	return name + ":" + strconv.Itoa(idx)
}

func (c *converter) reject(nd *tfproto.NodeDef, err error) {
	c.failed[nd.Name] = true
	c.unsupported[nd.Op] = struct{}{}
	c.details = append(c.details, fmt.Sprintf("%s (%s): %v", nd.Name, nd.Op, err))
}

// poisoned reports whether n consumes the output of a node that failed.
func (c *converter) poisoned(n *node) bool {
	for _, in := range n.inputs {
		name, _, _ := freeze.ParseTensorName(in)
		if c.failed[name] {
			return true
		}
	}
	return false
}

func (c *converter) input(n *node, i int) (string, error) {
	if i >= len(n.inputs) {
		return "", fmt.Errorf("expected at least %d inputs, have %d", i+1, len(n.inputs))
	}
	return n.inputs[i], nil
}

func (c *converter) shape(k string) []int64 {
	k = c.resolve(k)
	if v, ok := c.consts[k]; ok {
		return v.Shape.Dims
	}
	return c.shapes[k]
}

func (c *converter) dtype(k string) tfproto.DataType {
	k = c.resolve(k)
	if v, ok := c.consts[k]; ok {
		return v.DType
	}
	return c.dtypes[k]
}

// tensor returns the subgraph tensor of k, materializing constants on
// first use.
func (c *converter) tensor(k string) (int32, error) {
	k = c.resolve(k)
	if idx, ok := c.tensors[k]; ok {
		return idx, nil
	}
	v, ok := c.consts[k]
	if !ok {
		return 0, fmt.Errorf("no tensor %s", k)
	}

	name, idx, _ := freeze.ParseTensorName(k)
	if idx != 0 {
		name = k
	}
	t, err := c.addConst(name, v)
	if err != nil {
		return 0, err
	}
	c.tensors[k] = t
	return t, nil
}

// addConst creates a buffer-backed tensor holding v.
func (c *converter) addConst(name string, v *tfproto.Tensor) (int32, error) {
	tt, ok := TensorTypeOf(v.DType)
	if !ok || tt == TypeString {
		return 0, fmt.Errorf("%w: constant %s of %s", ErrUnsupportedType, name, v.DType)
	}
	return c.m.addTensor(&tensor{
		name:   name,
		dtype:  tt,
		shape:  slices.Clone(v.Shape.Dims),
		buffer: c.m.addBuffer(v.Content),
	}), nil
}

// constant returns the value of k, which must be produced by a Const.
func (c *converter) constant(k string) (*tfproto.Tensor, error) {
	v, ok := c.consts[c.resolve(k)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNeedsConstant, k)
	}
	return v, nil
}

func (c *converter) constInts(k string) ([]int64, error) {
	v, err := c.constant(k)
	if err != nil {
		return nil, err
	}
	return v.Ints()
}

// int32Input returns k as an int32 tensor, narrowing int64 constants.
func (c *converter) int32Input(n *node, k, role string) (int32, []int64, error) {
	vals, err := c.constInts(k)
	if err != nil {
		return 0, nil, err
	}
	if c.dtype(k) == tfproto.DTInt32 {
		idx, err := c.tensor(k)
		return idx, vals, err
	}

	narrow := make([]int32, len(vals))
	for i, v := range vals {
		narrow[i] = int32(v)
	}
	t := tfproto.NewInt32Tensor(c.shape(k), narrow)
	idx, err := c.addConst(n.Name+"/"+role, t)
	return idx, vals, err
}

// output registers output i of n as a new tensor.
func (c *converter) output(n *node, i int, dt tfproto.DataType, shape []int64) (int32, error) {
	tt, ok := TensorTypeOf(dt)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}

	name := n.Name
	if i != 0 {
		name = key(n.Name, i)
	}

	k := key(n.Name, i)
	idx := c.m.addTensor(&tensor{name: name, dtype: tt, shape: shape})
	c.tensors[k] = idx
	c.shapes[k] = shape
	c.dtypes[k] = dt.Base()
	return idx, nil
}

// alias makes output 0 of n refer to src.
func (c *converter) alias(n *node, src string) {
	c.aliases[key(n.Name, 0)] = c.resolve(src)
}

// resolve follows aliases to the tensor that produces k.
func (c *converter) resolve(k string) string {
	if src, ok := c.aliases[k]; ok {
		return src
	}
	return k
}

func (c *converter) emit(code BuiltinOperator, inputs, outputs []int32, opts options) {
	c.m.operators = append(c.m.operators, &operator{
		code:    code,
		inputs:  inputs,
		outputs: outputs,
		options: opts,
	})
}

// tensorsOf resolves keys to subgraph tensors.
func (c *converter) tensorsOf(keys ...string) ([]int32, error) {
	out := make([]int32, len(keys))
	for i, k := range keys {
		idx, err := c.tensor(k)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}
