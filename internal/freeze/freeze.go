// Package freeze turns one signature of a SavedModel into a self-contained
// graph: variables become constants, function calls are inlined and
// everything the signature outputs do not depend on is dropped.
package freeze

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/ekisa-team/tfconv/internal/savedmodel"
	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// Source provides the graph and variable values of a loaded model.
type Source interface {
	Graph() *tfproto.GraphDef
	ReadVariable(name string) (*tfproto.Tensor, error)
}

// TensorSpec is a signature argument bound to a tensor of the frozen graph.
type TensorSpec struct {
	Key   string
	Name  string
	DType tfproto.DataType
	Shape tfproto.Shape
}

func (s TensorSpec) String() string {
	return fmt.Sprintf("%s: %s %s %s", s.Key, s.Name, s.DType, s.Shape)
}

// Graph is a frozen signature. Nodes are in topological order.
type Graph struct {
	Signature string
	Nodes     []*tfproto.NodeDef
	Inputs    []TensorSpec
	Outputs   []TensorSpec

	// Variables is the number of variables replaced by constants.
	Variables int
	// Inlined is the number of function calls inlined.
	Inlined int
}

// GraphDef returns the frozen graph as a GraphDef.
func (g *Graph) GraphDef() *tfproto.GraphDef {
	return &tfproto.GraphDef{Node: g.Nodes}
}

// Node returns the node called name.
func (g *Graph) Node(name string) (*tfproto.NodeDef, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

const (
	maxInlineDepth = 64
	checkEvery     = 256
)

var controlFlowOps = map[string]bool{
	"If": true, "StatelessIf": true,
	"While": true, "StatelessWhile": true,
	"Case": true, "StatelessCase": true,
	"Switch": true, "RefSwitch": true,
	"Merge": true, "RefMerge": true,
	"Enter": true, "RefEnter": true,
	"Exit": true, "RefExit": true,
	"NextIteration": true, "RefNextIteration": true,
	"LoopCond": true,
}

var variableOps = map[string]bool{
	"VarHandleOp": true,
	"VariableV2":  true,
	"Variable":    true,
}

// multiOutputs lists the output args of ops with more than one, so that
// function-body references like "bn:batch_mean:0" map to a flat index.
var multiOutputs = map[string][]string{
	"FusedBatchNorm":   {"y", "batch_mean", "batch_variance", "reserve_space_1", "reserve_space_2"},
	"FusedBatchNormV2": {"y", "batch_mean", "batch_variance", "reserve_space_1", "reserve_space_2"},
	"FusedBatchNormV3": {"y", "batch_mean", "batch_variance", "reserve_space_1", "reserve_space_2", "reserve_space_3"},
	"Unique":           {"y", "idx"},
	"TopKV2":           {"values", "indices"},
}

// ParseTensorName splits a graph tensor name such as "dense/BiasAdd:0" into
// its node name and output index. A bare node name refers to output 0.
func ParseTensorName(s string) (string, int, error) {
	if s == "" || strings.HasPrefix(s, "^") {
		return "", 0, fmt.Errorf("%w: %q", ErrBadReference, s)
	}

	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, 0, nil
	}

	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 || i == 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadReference, s)
	}

	return s[:i], idx, nil
}

// ref is a tensor of the frozen graph.
type ref struct {
	node  string
	index int
}

// input formats r the way NodeDef inputs spell it.
func (r ref) input() string {
	if r.index == 0 {
		return r.node
	}
	return r.node + ":" + strconv.Itoa(r.index)
}

func (r ref) tensorName() string {
	return r.node + ":" + strconv.Itoa(r.index)
}

type visit int

const (
	unvisited visit = iota
	visiting
	done
)

// scope is a namespace nodes are looked up in: the top-level graph, or the
// body of one inlined call.
type scope struct {
	prefix string
	nodes  map[string]*tfproto.NodeDef
	fn     *tfproto.FunctionDef
	args   map[string]ref
	depth  int
}

type freezer struct {
	ctx     context.Context
	src     Source
	sig     string
	lib     map[string]*tfproto.FunctionDef
	state   map[string]visit
	aliases map[string]ref
	calls   map[string]*scope
	steps   int
	g       *Graph
}

// Freeze extracts the subgraph computing sig's outputs from src and replaces
// every variable it reads with a constant holding the variable's current
// value. src is not modified.
func Freeze(ctx context.Context, src Source, sig *savedmodel.Signature) (*Graph, error) {
	gd := src.Graph()

	f := &freezer{
		ctx:     ctx,
		src:     src,
		sig:     sig.Key,
		lib:     make(map[string]*tfproto.FunctionDef, len(gd.Library)),
		state:   make(map[string]visit),
		aliases: make(map[string]ref),
		calls:   make(map[string]*scope),
		g:       &Graph{Signature: sig.Key},
	}
	for _, fn := range gd.Library {
		f.lib[fn.Signature.Name] = fn
	}

	top := &scope{nodes: indexNodes(gd.Node)}

	// Inputs first so placeholders lead the node list.
	for _, in := range sig.Inputs() {
		spec, err := f.bind(top, in)
		if err != nil {
			return nil, err
		}
		f.g.Inputs = append(f.g.Inputs, spec)
	}

	for _, out := range sig.Outputs() {
		spec, err := f.bind(top, out)
		if err != nil {
			return nil, err
		}
		f.g.Outputs = append(f.g.Outputs, spec)
	}

	slog.Debug("Signature frozen",
		"signature", sig.Key,
		"nodes", len(f.g.Nodes),
		"variables", f.g.Variables,
		"inlined_calls", f.g.Inlined,
	)

	return f.g, nil
}

func (f *freezer) bind(top *scope, nt savedmodel.NamedTensor) (TensorSpec, error) {
	r, err := f.resolve(top, nt.Info.Name)
	if err != nil {
		return TensorSpec{}, err
	}
	return TensorSpec{
		Key:   nt.Key,
		Name:  r.tensorName(),
		DType: nt.Info.DType,
		Shape: nt.Info.Shape,
	}, nil
}

func (f *freezer) fail(node string, err error) error {
	return &FreezeError{Signature: f.sig, Node: node, Err: err}
}

// resolve maps a tensor reference written in scope s to a tensor of the
// frozen graph, emitting its producer first.
func (f *freezer) resolve(s *scope, input string) (ref, error) {
	var (
		name   string
		outArg string
		idx    int
		err    error
	)

	if s.fn != nil {
		if r, ok := s.args[input]; ok {
			return r, nil
		}
		name, outArg, idx, err = parseFunctionRef(input)
	} else {
		name, idx, err = ParseTensorName(input)
	}
	if err != nil {
		return ref{}, f.fail(s.prefix+input, err)
	}

	node, ok := s.nodes[name]
	if !ok {
		return ref{}, f.fail(s.prefix+name, fmt.Errorf("%w: %q", ErrUnknownNode, input))
	}

	if fnName, ok := f.callee(node); ok {
		body, err := f.inline(s, node, fnName)
		if err != nil {
			return ref{}, err
		}
		if outArg != "" && !isCallOp(node.Op) {
			off, ok := argIndex(body.fn.Signature.OutputArg, outArg)
			if !ok {
				return ref{}, f.fail(s.prefix+name, fmt.Errorf("%w: %q", ErrBadReference, input))
			}
			idx += off
		}
		return f.ret(body, idx)
	}

	if node.Op == "Identity" && isResource(node) {
		return f.alias(s, node)
	}

	flat, err := f.emit(s, node)
	if err != nil {
		return ref{}, err
	}

	if outArg != "" {
		if args, ok := multiOutputs[node.Op]; ok {
			off := slices.Index(args, outArg)
			if off < 0 {
				return ref{}, f.fail(flat, fmt.Errorf("%w: %q", ErrBadReference, input))
			}
			idx += off
		}
	}

	return ref{node: flat, index: idx}, nil
}

// callee reports the library function node invokes, if any.
func (f *freezer) callee(node *tfproto.NodeDef) (string, bool) {
	if isCallOp(node.Op) {
		name, ok := node.AttrFunc("f")
		return name, ok
	}
	if _, ok := f.lib[node.Op]; ok {
		return node.Op, true
	}
	return "", false
}

func isCallOp(op string) bool {
	return op == "PartitionedCall" || op == "StatefulPartitionedCall"
}

func isResource(node *tfproto.NodeDef) bool {
	t, ok := node.AttrType("T")
	return ok && t == tfproto.DTResource
}

// inline binds the call's arguments and returns the scope of its body. Each
// call node is inlined once no matter how many of its outputs are used.
func (f *freezer) inline(s *scope, node *tfproto.NodeDef, fnName string) (*scope, error) {
	flat := s.prefix + node.Name
	if body, ok := f.calls[flat]; ok {
		return body, nil
	}
	if f.state[flat] == visiting {
		return nil, f.fail(flat, ErrCycle)
	}
	if s.depth >= maxInlineDepth {
		return nil, f.fail(flat, fmt.Errorf("%w: calls nested deeper than %d", ErrCycle, maxInlineDepth))
	}

	fn, ok := f.lib[fnName]
	if !ok {
		return nil, f.fail(flat, fmt.Errorf("%w: %q", ErrUnknownFunction, fnName))
	}

	inputs := dataInputs(node.Input)
	if len(inputs) != len(fn.Signature.InputArg) {
		return nil, f.fail(flat, fmt.Errorf("%w: %d arguments passed to %s, which takes %d",
			ErrBadReference, len(inputs), fnName, len(fn.Signature.InputArg)))
	}

	f.state[flat] = visiting
	body := &scope{
		prefix: flat + "/",
		nodes:  indexNodes(fn.NodeDef),
		fn:     fn,
		args:   make(map[string]ref, len(inputs)),
		depth:  s.depth + 1,
	}
	for i, in := range inputs {
		r, err := f.resolve(s, in)
		if err != nil {
			return nil, err
		}
		body.args[fn.Signature.InputArg[i].Name] = r
	}
	f.state[flat] = done
	f.calls[flat] = body
	f.g.Inlined++

	slog.Debug("Inlined function call", "call", flat, "function", fnName)

	return body, nil
}

// ret resolves output i of an inlined call.
func (f *freezer) ret(body *scope, i int) (ref, error) {
	outs := body.fn.Signature.OutputArg
	if i >= len(outs) {
		return ref{}, f.fail(strings.TrimSuffix(body.prefix, "/"),
			fmt.Errorf("%w: output %d of %s, which has %d", ErrBadReference, i, body.fn.Signature.Name, len(outs)))
	}

	target, ok := body.fn.Ret[outs[i].Name]
	if !ok {
		return ref{}, f.fail(strings.TrimSuffix(body.prefix, "/"),
			fmt.Errorf("%w: %s returns nothing for %q", ErrBadReference, body.fn.Signature.Name, outs[i].Name))
	}

	return f.resolve(body, target)
}

// alias resolves a resource Identity to the tensor it forwards.
func (f *freezer) alias(s *scope, node *tfproto.NodeDef) (ref, error) {
	flat := s.prefix + node.Name
	if r, ok := f.aliases[flat]; ok {
		return r, nil
	}
	if f.state[flat] == visiting {
		return ref{}, f.fail(flat, ErrCycle)
	}

	inputs := dataInputs(node.Input)
	if len(inputs) != 1 {
		return ref{}, f.fail(flat, fmt.Errorf("%w: Identity with %d inputs", ErrBadReference, len(inputs)))
	}

	f.state[flat] = visiting
	r, err := f.resolve(s, inputs[0])
	if err != nil {
		return ref{}, err
	}
	f.state[flat] = done
	f.aliases[flat] = r

	return r, nil
}

// emit appends the frozen form of node after its inputs and returns its name.
func (f *freezer) emit(s *scope, node *tfproto.NodeDef) (string, error) {
	flat := s.prefix + node.Name
	switch f.state[flat] {
	case done:
		return flat, nil
	case visiting:
		return "", f.fail(flat, ErrCycle)
	}

	if controlFlowOps[node.Op] {
		return "", f.fail(flat, fmt.Errorf("%w: %s", ErrControlFlow, node.Op))
	}

	f.steps++
	if f.steps%checkEvery == 0 {
		if err := f.ctx.Err(); err != nil {
			return "", f.fail(flat, err)
		}
	}

	f.state[flat] = visiting

	var out *tfproto.NodeDef
	if variableOps[node.Op] {
		c, err := f.constant(flat, node)
		if err != nil {
			return "", err
		}
		out = c
	} else {
		out = &tfproto.NodeDef{Name: flat, Op: node.Op, Attr: keepAttrs(node.Attr)}
		rewrite(out, node)

		for _, in := range dataInputs(node.Input) {
			r, err := f.resolve(s, in)
			if err != nil {
				return "", err
			}
			out.Input = append(out.Input, r.input())
		}
	}

	f.state[flat] = done
	f.g.Nodes = append(f.g.Nodes, out)

	return flat, nil
}

// constant replaces a variable node with a Const holding its value.
func (f *freezer) constant(flat string, node *tfproto.NodeDef) (*tfproto.NodeDef, error) {
	key := node.Name
	if shared, ok := node.AttrString("shared_name"); ok && shared != "" {
		key = shared
	}

	val, err := f.src.ReadVariable(key)
	if err != nil {
		return nil, f.fail(flat, fmt.Errorf("%w: %w", ErrVariable, err))
	}

	if want, ok := node.AttrType("dtype"); ok && want.Base() != val.DType.Base() {
		return nil, f.fail(flat, fmt.Errorf("%w: checkpoint holds %s, variable is %s", ErrVariable, val.DType, want.Base()))
	}

	f.g.Variables++

	c := &tfproto.NodeDef{Name: flat, Op: "Const"}
	c.SetAttr("dtype", tfproto.TypeAttr(val.DType.Base()))
	c.SetAttr("value", tfproto.TensorAttr(val))

	return c, nil
}

// rewrite turns resource reads into their value-semantics equivalents.
func rewrite(out, node *tfproto.NodeDef) {
	switch node.Op {
	case "ReadVariableOp":
		dtype, _ := node.AttrType("dtype")
		out.Op = "Identity"
		out.Attr = map[string]*tfproto.AttrValue{"T": tfproto.TypeAttr(dtype)}
	case "ResourceGather":
		dtype, _ := node.AttrType("dtype")
		tidx, ok := node.AttrType("Tindices")
		if !ok {
			tidx = tfproto.DTInt32
		}
		out.Op = "Gather"
		out.Attr = map[string]*tfproto.AttrValue{
			"Tparams":  tfproto.TypeAttr(dtype),
			"Tindices": tfproto.TypeAttr(tidx),
		}
	}
}

// keepAttrs copies attrs, dropping internal ones that may reference nodes
// outside the frozen graph. Inferred output shapes are kept.
func keepAttrs(attrs map[string]*tfproto.AttrValue) map[string]*tfproto.AttrValue {
	out := make(map[string]*tfproto.AttrValue, len(attrs))
	for k, v := range attrs {
		if strings.HasPrefix(k, "_") && k != "_output_shapes" {
			continue
		}
		out[k] = v
	}
	return out
}

func dataInputs(inputs []string) []string {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if !strings.HasPrefix(in, "^") {
			out = append(out, in)
		}
	}
	return out
}

// parseFunctionRef splits a function-body reference "node:out_arg:idx".
// A bare name refers to output 0 of node.
func parseFunctionRef(s string) (string, string, int, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return parts[0], "", 0, nil
	case 2:
		return parts[0], parts[1], 0, nil
	case 3:
		idx, err := strconv.Atoi(parts[2])
		if err != nil || idx < 0 {
			return "", "", 0, fmt.Errorf("%w: %q", ErrBadReference, s)
		}
		return parts[0], parts[1], idx, nil
	default:
		return "", "", 0, fmt.Errorf("%w: %q", ErrBadReference, s)
	}
}

func argIndex(args []*tfproto.ArgDef, name string) (int, bool) {
	for i, a := range args {
		if a.Name == name {
			return i, true
		}
	}
	return 0, false
}

func indexNodes(nodes []*tfproto.NodeDef) map[string]*tfproto.NodeDef {
	m := make(map[string]*tfproto.NodeDef, len(nodes))
	for _, n := range nodes {
		m[n.Name] = n
	}
	return m
}
