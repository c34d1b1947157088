package tfproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// AttrKind identifies which value of an AttrValue is set.
type AttrKind int

const (
	AttrNone AttrKind = iota
	AttrString
	AttrInt
	AttrFloat
	AttrBool
	AttrType
	AttrShape
	AttrTensor
	AttrList
	AttrFunc
	AttrPlaceholder
)

// AttrValue is a decoded AttrValue oneof.
type AttrValue struct {
	Kind        AttrKind
	S           []byte
	I           int64
	F           float32
	B           bool
	Type        DataType
	Shape       Shape
	Tensor      *Tensor
	List        *ListValue
	Func        *NameAttrList
	Placeholder string
}

// ListValue is the list form of an AttrValue.
type ListValue struct {
	S      [][]byte
	I      []int64
	F      []float32
	B      []bool
	Type   []DataType
	Shape  []Shape
	Tensor []*Tensor
	Func   []*NameAttrList
}

// NameAttrList names a function and its attributes.
type NameAttrList struct {
	Name string
	Attr map[string]*AttrValue
}

// StringAttr returns a string-valued attribute.
func StringAttr(s string) *AttrValue { return &AttrValue{Kind: AttrString, S: []byte(s)} }

// IntAttr returns an int-valued attribute.
func IntAttr(i int64) *AttrValue { return &AttrValue{Kind: AttrInt, I: i} }

// FloatAttr returns a float-valued attribute.
func FloatAttr(f float32) *AttrValue { return &AttrValue{Kind: AttrFloat, F: f} }

// BoolAttr returns a bool-valued attribute.
func BoolAttr(b bool) *AttrValue { return &AttrValue{Kind: AttrBool, B: b} }

// TypeAttr returns a type-valued attribute.
func TypeAttr(t DataType) *AttrValue { return &AttrValue{Kind: AttrType, Type: t} }

// ShapeAttr returns a shape-valued attribute.
func ShapeAttr(s Shape) *AttrValue { return &AttrValue{Kind: AttrShape, Shape: s} }

// TensorAttr returns a tensor-valued attribute.
func TensorAttr(t *Tensor) *AttrValue { return &AttrValue{Kind: AttrTensor, Tensor: t} }

// FuncAttr returns a function-valued attribute.
func FuncAttr(name string) *AttrValue {
	return &AttrValue{Kind: AttrFunc, Func: &NameAttrList{Name: name}}
}

// ListAttr returns a list-valued attribute.
func ListAttr(l *ListValue) *AttrValue { return &AttrValue{Kind: AttrList, List: l} }

// UnmarshalAttrValue decodes an AttrValue.
func UnmarshalAttrValue(b []byte) (*AttrValue, error) {
	a := &AttrValue{}
	err := eachField("AttrValue", b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			a.Kind = AttrList
			a.List, err = unmarshalListValue(f.b)
		case 2:
			a.Kind, a.S = AttrString, f.b
		case 3:
			a.Kind, a.I = AttrInt, int64(f.u)
		case 4:
			a.Kind, a.F = AttrFloat, math.Float32frombits(uint32(f.u))
		case 5:
			a.Kind, a.B = AttrBool, f.u != 0
		case 6:
			a.Kind, a.Type = AttrType, DataType(f.u)
		case 7:
			a.Kind = AttrShape
			a.Shape, err = UnmarshalShape(f.b)
		case 8:
			a.Kind = AttrTensor
			a.Tensor, err = UnmarshalTensor(f.b)
		case 9:
			a.Kind, a.Placeholder = AttrPlaceholder, string(f.b)
		case 10:
			a.Kind = AttrFunc
			a.Func, err = unmarshalNameAttrList(f.b)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func unmarshalListValue(b []byte) (*ListValue, error) {
	l := &ListValue{}
	err := eachField("AttrValue.ListValue", b, func(f field) error {
		switch f.num {
		case 2:
			l.S = append(l.S, f.b)
		case 3:
			vs, err := varints(f)
			if err != nil {
				return err
			}
			for _, v := range vs {
				l.I = append(l.I, int64(v))
			}
		case 4:
			vs, err := fixed32s(f)
			if err != nil {
				return err
			}
			for _, v := range vs {
				l.F = append(l.F, math.Float32frombits(v))
			}
		case 5:
			vs, err := varints(f)
			if err != nil {
				return err
			}
			for _, v := range vs {
				l.B = append(l.B, v != 0)
			}
		case 6:
			vs, err := varints(f)
			if err != nil {
				return err
			}
			for _, v := range vs {
				l.Type = append(l.Type, DataType(v))
			}
		case 7:
			s, err := UnmarshalShape(f.b)
			if err != nil {
				return err
			}
			l.Shape = append(l.Shape, s)
		case 8:
			t, err := UnmarshalTensor(f.b)
			if err != nil {
				return err
			}
			l.Tensor = append(l.Tensor, t)
		case 9:
			fn, err := unmarshalNameAttrList(f.b)
			if err != nil {
				return err
			}
			l.Func = append(l.Func, fn)
		}
		return nil
	})
	return l, err
}

func unmarshalNameAttrList(b []byte) (*NameAttrList, error) {
	n := &NameAttrList{}
	err := eachField("NameAttrList", b, func(f field) error {
		switch f.num {
		case 1:
			n.Name = string(f.b)
		case 2:
			return unmarshalAttrEntry(f.b, &n.Attr)
		}
		return nil
	})
	return n, err
}

func unmarshalAttrEntry(b []byte, dst *map[string]*AttrValue) error {
	key, raw, err := mapEntry("attr entry", b)
	if err != nil {
		return err
	}
	v, err := UnmarshalAttrValue(raw)
	if err != nil {
		return fmt.Errorf("attr %q: %w", key, err)
	}
	if *dst == nil {
		*dst = make(map[string]*AttrValue)
	}
	(*dst)[key] = v
	return nil
}

// Marshal encodes a as an AttrValue.
func (a *AttrValue) Marshal() []byte {
	var b []byte
	switch a.Kind {
	case AttrList:
		b = appendBytes(b, 1, a.List.marshal())
	case AttrString:
		b = appendBytes(b, 2, a.S)
	case AttrInt:
		b = appendInt(b, 3, a.I)
	case AttrFloat:
		b = appendFixed32(b, 4, math.Float32bits(a.F))
	case AttrBool:
		b = appendInt(b, 5, boolInt(a.B))
	case AttrType:
		b = appendInt(b, 6, int64(a.Type))
	case AttrShape:
		b = appendBytes(b, 7, a.Shape.Marshal())
	case AttrTensor:
		b = appendBytes(b, 8, a.Tensor.Marshal())
	case AttrPlaceholder:
		b = appendBytes(b, 9, []byte(a.Placeholder))
	case AttrFunc:
		b = appendBytes(b, 10, a.Func.marshal())
	}
	return b
}

func (l *ListValue) marshal() []byte {
	var b []byte
	for _, s := range l.S {
		b = appendBytes(b, 2, s)
	}
	b = appendPackedVarints(b, 3, l.I)
	b = appendPackedFloats(b, 4, l.F)
	if len(l.B) > 0 {
		bs := make([]int64, len(l.B))
		for i, v := range l.B {
			bs[i] = boolInt(v)
		}
		b = appendPackedVarints(b, 5, bs)
	}
	if len(l.Type) > 0 {
		ts := make([]int64, len(l.Type))
		for i, v := range l.Type {
			ts[i] = int64(v)
		}
		b = appendPackedVarints(b, 6, ts)
	}
	for _, s := range l.Shape {
		b = appendBytes(b, 7, s.Marshal())
	}
	for _, t := range l.Tensor {
		b = appendBytes(b, 8, t.Marshal())
	}
	for _, fn := range l.Func {
		b = appendBytes(b, 9, fn.marshal())
	}
	return b
}

func (n *NameAttrList) marshal() []byte {
	var b []byte
	b = appendString(b, 1, n.Name)
	return appendAttrMap(b, 2, n.Attr)
}

func appendAttrMap(b []byte, num protowire.Number, attrs map[string]*AttrValue) []byte {
	for _, k := range sortedKeys(attrs) {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendBytes(entry, 2, attrs[k].Marshal())
		b = appendBytes(b, num, entry)
	}
	return b
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// NodeDef is a single graph node.
type NodeDef struct {
	Name   string
	Op     string
	Input  []string
	Device string
	Attr   map[string]*AttrValue
}

// UnmarshalNodeDef decodes a NodeDef.
func UnmarshalNodeDef(b []byte) (*NodeDef, error) {
	n := &NodeDef{}
	err := eachField("NodeDef", b, func(f field) error {
		switch f.num {
		case 1:
			n.Name = string(f.b)
		case 2:
			n.Op = string(f.b)
		case 3:
			n.Input = append(n.Input, string(f.b))
		case 4:
			n.Device = string(f.b)
		case 5:
			return unmarshalAttrEntry(f.b, &n.Attr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", n.Name, err)
	}
	return n, nil
}

// Marshal encodes n as a NodeDef.
func (n *NodeDef) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, n.Name)
	b = appendString(b, 2, n.Op)
	for _, in := range n.Input {
		b = appendString(b, 3, in)
	}
	b = appendString(b, 4, n.Device)
	return appendAttrMap(b, 5, n.Attr)
}

// SetAttr sets attribute key on n.
func (n *NodeDef) SetAttr(key string, v *AttrValue) {
	if n.Attr == nil {
		n.Attr = make(map[string]*AttrValue)
	}
	n.Attr[key] = v
}

func (n *NodeDef) attr(key string, kind AttrKind) (*AttrValue, bool) {
	a, ok := n.Attr[key]
	if !ok || a.Kind != kind {
		return nil, false
	}
	return a, true
}

// AttrString returns a string attribute.
func (n *NodeDef) AttrString(key string) (string, bool) {
	a, ok := n.attr(key, AttrString)
	if !ok {
		return "", false
	}
	return string(a.S), true
}

// AttrInt returns an int attribute.
func (n *NodeDef) AttrInt(key string) (int64, bool) {
	a, ok := n.attr(key, AttrInt)
	if !ok {
		return 0, false
	}
	return a.I, true
}

// AttrBool returns a bool attribute.
func (n *NodeDef) AttrBool(key string) (bool, bool) {
	a, ok := n.attr(key, AttrBool)
	if !ok {
		return false, false
	}
	return a.B, true
}

// AttrType returns a type attribute.
func (n *NodeDef) AttrType(key string) (DataType, bool) {
	a, ok := n.attr(key, AttrType)
	if !ok {
		return DTInvalid, false
	}
	return a.Type, true
}

// AttrShape returns a shape attribute.
func (n *NodeDef) AttrShape(key string) (Shape, bool) {
	a, ok := n.attr(key, AttrShape)
	if !ok {
		return Shape{}, false
	}
	return a.Shape, true
}

// AttrTensor returns a tensor attribute.
func (n *NodeDef) AttrTensor(key string) (*Tensor, bool) {
	a, ok := n.attr(key, AttrTensor)
	if !ok {
		return nil, false
	}
	return a.Tensor, true
}

// AttrFunc returns the function name of a func attribute.
func (n *NodeDef) AttrFunc(key string) (string, bool) {
	a, ok := n.attr(key, AttrFunc)
	if !ok {
		return "", false
	}
	return a.Func.Name, true
}

// AttrInts returns a list(int) attribute.
func (n *NodeDef) AttrInts(key string) ([]int64, bool) {
	a, ok := n.attr(key, AttrList)
	if !ok {
		return nil, false
	}
	return a.List.I, true
}

// AttrShapes returns a list(shape) attribute.
func (n *NodeDef) AttrShapes(key string) ([]Shape, bool) {
	a, ok := n.attr(key, AttrList)
	if !ok {
		return nil, false
	}
	return a.List.Shape, true
}

// ArgDef describes one input or output of an OpDef.
type ArgDef struct {
	Name         string
	Type         DataType
	TypeAttr     string
	NumberAttr   string
	TypeListAttr string
	IsRef        bool
}

// OpDef is the signature of a function.
type OpDef struct {
	Name      string
	InputArg  []*ArgDef
	OutputArg []*ArgDef
}

// FunctionDef is a function from the graph's function library.
type FunctionDef struct {
	Signature  *OpDef
	NodeDef    []*NodeDef
	Ret        map[string]string
	ControlRet map[string]string
}

// GraphDef is a decoded computation graph.
type GraphDef struct {
	Node     []*NodeDef
	Library  []*FunctionDef
	Producer int32
}

// Function returns the library function named name.
func (g *GraphDef) Function(name string) (*FunctionDef, bool) {
	for _, fn := range g.Library {
		if fn.Signature != nil && fn.Signature.Name == name {
			return fn, true
		}
	}
	return nil, false
}

// UnmarshalGraphDef decodes a GraphDef.
func UnmarshalGraphDef(b []byte) (*GraphDef, error) {
	g := &GraphDef{}
	err := eachField("GraphDef", b, func(f field) error {
		switch f.num {
		case 1:
			n, err := UnmarshalNodeDef(f.b)
			if err != nil {
				return err
			}
			g.Node = append(g.Node, n)
		case 2:
			return eachField("FunctionDefLibrary", f.b, func(lf field) error {
				if lf.num != 1 {
					return nil
				}
				fn, err := unmarshalFunctionDef(lf.b)
				if err != nil {
					return err
				}
				g.Library = append(g.Library, fn)
				return nil
			})
		case 4:
			return eachField("VersionDef", f.b, func(vf field) error {
				if vf.num == 1 {
					g.Producer = int32(vf.u)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Marshal encodes g as a GraphDef.
func (g *GraphDef) Marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendBytes(b, 1, n.Marshal())
	}
	if len(g.Library) > 0 {
		var lib []byte
		for _, fn := range g.Library {
			lib = appendBytes(lib, 1, fn.marshal())
		}
		b = appendBytes(b, 2, lib)
	}
	if g.Producer != 0 {
		var v []byte
		v = appendVarint(v, 1, uint64(g.Producer))
		b = appendBytes(b, 4, v)
	}
	return b
}

func unmarshalFunctionDef(b []byte) (*FunctionDef, error) {
	fn := &FunctionDef{Ret: map[string]string{}, ControlRet: map[string]string{}}
	err := eachField("FunctionDef", b, func(f field) error {
		switch f.num {
		case 1:
			sig, err := unmarshalOpDef(f.b)
			if err != nil {
				return err
			}
			fn.Signature = sig
		case 3:
			n, err := UnmarshalNodeDef(f.b)
			if err != nil {
				return err
			}
			fn.NodeDef = append(fn.NodeDef, n)
		case 4, 6:
			k, v, err := mapEntry("FunctionDef.ret", f.b)
			if err != nil {
				return err
			}
			if f.num == 4 {
				fn.Ret[k] = string(v)
			} else {
				fn.ControlRet[k] = string(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fn.Signature == nil {
		return nil, malformed("FunctionDef", fmt.Errorf("missing signature"))
	}
	return fn, nil
}

func (fn *FunctionDef) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, fn.Signature.marshal())
	for _, n := range fn.NodeDef {
		b = appendBytes(b, 3, n.Marshal())
	}
	b = appendStringMap(b, 4, fn.Ret)
	return appendStringMap(b, 6, fn.ControlRet)
}

func unmarshalOpDef(b []byte) (*OpDef, error) {
	op := &OpDef{}
	err := eachField("OpDef", b, func(f field) error {
		switch f.num {
		case 1:
			op.Name = string(f.b)
		case 2, 3:
			arg, err := unmarshalArgDef(f.b)
			if err != nil {
				return err
			}
			if f.num == 2 {
				op.InputArg = append(op.InputArg, arg)
			} else {
				op.OutputArg = append(op.OutputArg, arg)
			}
		}
		return nil
	})
	return op, err
}

func (op *OpDef) marshal() []byte {
	var b []byte
	b = appendString(b, 1, op.Name)
	for _, a := range op.InputArg {
		b = appendBytes(b, 2, a.marshal())
	}
	for _, a := range op.OutputArg {
		b = appendBytes(b, 3, a.marshal())
	}
	return b
}

func unmarshalArgDef(b []byte) (*ArgDef, error) {
	a := &ArgDef{}
	err := eachField("ArgDef", b, func(f field) error {
		switch f.num {
		case 1:
			a.Name = string(f.b)
		case 3:
			a.Type = DataType(f.u)
		case 4:
			a.TypeAttr = string(f.b)
		case 5:
			a.NumberAttr = string(f.b)
		case 6:
			a.TypeListAttr = string(f.b)
		case 16:
			a.IsRef = f.u != 0
		}
		return nil
	})
	return a, err
}

func (a *ArgDef) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	b = appendVarint(b, 3, uint64(a.Type))
	b = appendString(b, 4, a.TypeAttr)
	b = appendString(b, 5, a.NumberAttr)
	b = appendString(b, 6, a.TypeListAttr)
	return appendBool(b, 16, a.IsRef)
}
