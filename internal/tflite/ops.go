package tflite

import (
	"fmt"
	"slices"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// lowerings maps TensorFlow ops to their TFLite lowering. Ops missing here
// make the conversion fail.
var lowerings = map[string]lowerFunc{
	"Placeholder":            lowerPlaceholder,
	"PlaceholderWithDefault": lowerAlias,
	"Const":                  lowerConst,
	"Identity":               lowerAlias,
	"Snapshot":               lowerAlias,
	"StopGradient":           lowerAlias,

	"Add":     binary(OpAdd, emptyOptions(OptionsAdd)),
	"AddV2":   binary(OpAdd, emptyOptions(OptionsAdd)),
	"BiasAdd": binary(OpAdd, emptyOptions(OptionsAdd)),
	"Sub":     binary(OpSub, emptyOptions(OptionsSub)),
	"Mul":     binary(OpMul, emptyOptions(OptionsMul)),
	"RealDiv": binary(OpDiv, emptyOptions(OptionsDiv)),
	"Maximum": binary(OpMaximum, emptyOptions(OptionsMaximumMinimum)),
	"Minimum": binary(OpMinimum, emptyOptions(OptionsMaximumMinimum)),

	"Relu":    unary(OpRelu, nil),
	"Relu6":   unary(OpRelu6, nil),
	"Tanh":    unary(OpTanh, nil),
	"Sigmoid": unary(OpLogistic, nil),
	"Exp":     unary(OpExp, emptyOptions(OptionsExp)),
	"Softmax": unary(OpSoftmax, softmaxOptions{beta: 1}),

	"Reshape":   lowerReshape,
	"Squeeze":   lowerSqueeze,
	"Mean":      lowerMean,
	"ConcatV2":  lowerConcat,
	"Transpose": lowerTranspose,
	"Pad":       lowerPad,
	"Cast":      lowerCast,
	"GatherV2":  lowerGather,
	"Gather":    lowerGather,

	"MatMul":                lowerMatMul,
	"Conv2D":                lowerConv2D,
	"DepthwiseConv2dNative": lowerDepthwiseConv2D,
	"MaxPool":               pool(OpMaxPool2D),
	"AvgPool":               pool(OpAveragePool2D),
}

// Supported reports whether op can be lowered.
func Supported(op string) bool {
	_, ok := lowerings[op]
	return ok
}

// Options tables
// -------------------------

// emptyOptions is an options table whose fields all keep their defaults.
type emptyOptions BuiltinOptions

func (o emptyOptions) kind() BuiltinOptions { return BuiltinOptions(o) }

func (o emptyOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(0)
	return b.EndObject()
}

type softmaxOptions struct {
	beta float32
}

func (softmaxOptions) kind() BuiltinOptions { return OptionsSoftmax }

func (o softmaxOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(1)
	b.PrependFloat32Slot(0, o.beta, 0)
	return b.EndObject()
}

type reshapeOptions struct {
	newShape []int64
}

func (reshapeOptions) kind() BuiltinOptions { return OptionsReshape }

func (o reshapeOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	shape := int32Vector(b, narrow(o.newShape))
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, shape, 0)
	return b.EndObject()
}

type squeezeOptions struct {
	dims []int64
}

func (squeezeOptions) kind() BuiltinOptions { return OptionsSqueeze }

func (o squeezeOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	dims := int32Vector(b, narrow(o.dims))
	b.StartObject(1)
	b.PrependUOffsetTSlot(0, dims, 0)
	return b.EndObject()
}

type reducerOptions struct {
	keepDims bool
}

func (reducerOptions) kind() BuiltinOptions { return OptionsReducer }

func (o reducerOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(1)
	b.PrependBoolSlot(0, o.keepDims, false)
	return b.EndObject()
}

type concatenationOptions struct {
	axis int32
}

func (concatenationOptions) kind() BuiltinOptions { return OptionsConcatenation }

func (o concatenationOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(2)
	b.PrependInt32Slot(0, o.axis, 0)
	return b.EndObject()
}

type gatherOptions struct {
	axis      int32
	batchDims int32
}

func (gatherOptions) kind() BuiltinOptions { return OptionsGather }

func (o gatherOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(2)
	b.PrependInt32Slot(0, o.axis, 0)
	b.PrependInt32Slot(1, o.batchDims, 0)
	return b.EndObject()
}

type castOptions struct {
	in, out TensorType
}

func (castOptions) kind() BuiltinOptions { return OptionsCast }

func (o castOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(2)
	b.PrependInt8Slot(0, int8(o.in), 0)
	b.PrependInt8Slot(1, int8(o.out), 0)
	return b.EndObject()
}

type conv2DOptions struct {
	padding              Padding
	strideW, strideH     int32
	dilationW, dilationH int32
}

func (conv2DOptions) kind() BuiltinOptions { return OptionsConv2D }

func (o conv2DOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(6)
	b.PrependInt8Slot(0, int8(o.padding), 0)
	b.PrependInt32Slot(1, o.strideW, 0)
	b.PrependInt32Slot(2, o.strideH, 0)
	b.PrependInt32Slot(4, o.dilationW, 1)
	b.PrependInt32Slot(5, o.dilationH, 1)
	return b.EndObject()
}

type depthwiseConv2DOptions struct {
	conv2DOptions
	depthMultiplier int32
}

func (depthwiseConv2DOptions) kind() BuiltinOptions { return OptionsDepthwiseConv2D }

func (o depthwiseConv2DOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(7)
	b.PrependInt8Slot(0, int8(o.padding), 0)
	b.PrependInt32Slot(1, o.strideW, 0)
	b.PrependInt32Slot(2, o.strideH, 0)
	b.PrependInt32Slot(3, o.depthMultiplier, 0)
	b.PrependInt32Slot(5, o.dilationW, 1)
	b.PrependInt32Slot(6, o.dilationH, 1)
	return b.EndObject()
}

type pool2DOptions struct {
	padding          Padding
	strideW, strideH int32
	filterW, filterH int32
}

func (pool2DOptions) kind() BuiltinOptions { return OptionsPool2D }

func (o pool2DOptions) build(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(6)
	b.PrependInt8Slot(0, int8(o.padding), 0)
	b.PrependInt32Slot(1, o.strideW, 0)
	b.PrependInt32Slot(2, o.strideH, 0)
	b.PrependInt32Slot(3, o.filterW, 0)
	b.PrependInt32Slot(4, o.filterH, 0)
	return b.EndObject()
}

func narrow(vs []int64) []int32 {
	out := make([]int32, len(vs))
	for i, v := range vs {
		out[i] = int32(v)
	}
	return out
}

// Lowerings
// -------------------------

func lowerPlaceholder(c *converter, n *node) error {
	if !c.signatureInputs[key(n.Name, 0)] {
		return fmt.Errorf("placeholder %s is not bound to a signature input", n.Name)
	}

	dt, ok := n.AttrType("dtype")
	if !ok {
		return fmt.Errorf("placeholder %s has no dtype", n.Name)
	}

	shape, ok := n.AttrShape("shape")
	if !ok || shape.UnknownRank {
		if shapes, ok := n.AttrShapes("_output_shapes"); ok && len(shapes) > 0 {
			shape = shapes[0]
		}
	}
	if shape.UnknownRank {
		return fmt.Errorf("%w: placeholder %s has unknown rank", ErrUnsupportedShape, n.Name)
	}

	_, err := c.output(n, 0, dt, slices.Clone(shape.Dims))
	return err
}

func lowerConst(c *converter, n *node) error {
	v, ok := n.AttrTensor("value")
	if !ok {
		return fmt.Errorf("const %s has no value", n.Name)
	}
	if tt, ok := TensorTypeOf(v.DType); !ok || tt == TypeString {
		return fmt.Errorf("%w: constant of %s", ErrUnsupportedType, v.DType)
	}
	want, err := v.ByteSize()
	if err != nil {
		return fmt.Errorf("%w: constant %s: %v", ErrUnsupportedShape, n.Name, err)
	}
	if int64(len(v.Content)) != want {
		return fmt.Errorf("%w: constant %s holds %d bytes, shape %s of %s needs %d",
			ErrUnsupportedShape, n.Name, len(v.Content), v.Shape, v.DType, want)
	}
	c.consts[key(n.Name, 0)] = v
	return nil
}

func lowerAlias(c *converter, n *node) error {
	src, err := c.input(n, 0)
	if err != nil {
		return err
	}
	c.alias(n, src)
	return nil
}

func binary(code BuiltinOperator, opts options) lowerFunc {
	return func(c *converter, n *node) error {
		if n.Op == "BiasAdd" {
			if err := requireNHWC(n); err != nil {
				return err
			}
		}

		a, err := c.input(n, 0)
		if err != nil {
			return err
		}
		b, err := c.input(n, 1)
		if err != nil {
			return err
		}

		shape, err := broadcast(c.shape(a), c.shape(b))
		if err != nil {
			return err
		}

		ins, err := c.tensorsOf(a, b)
		if err != nil {
			return err
		}
		out, err := c.output(n, 0, c.dtype(a), shape)
		if err != nil {
			return err
		}

		c.emit(code, ins, []int32{out}, opts)
		return nil
	}
}

func unary(code BuiltinOperator, opts options) lowerFunc {
	return func(c *converter, n *node) error {
		x, err := c.input(n, 0)
		if err != nil {
			return err
		}

		in, err := c.tensor(x)
		if err != nil {
			return err
		}
		out, err := c.output(n, 0, c.dtype(x), slices.Clone(c.shape(x)))
		if err != nil {
			return err
		}

		c.emit(code, []int32{in}, []int32{out}, opts)
		return nil
	}
}

func lowerReshape(c *converter, n *node) error {
	x, err := c.input(n, 0)
	if err != nil {
		return err
	}
	s, err := c.input(n, 1)
	if err != nil {
		return err
	}

	shapeIdx, target, err := c.int32Input(n, s, "shape")
	if err != nil {
		return err
	}
	shape, err := reshape(c.shape(x), target)
	if err != nil {
		return err
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, c.dtype(x), shape)
	if err != nil {
		return err
	}

	c.emit(OpReshape, []int32{in, shapeIdx}, []int32{out}, reshapeOptions{newShape: target})
	return nil
}

func lowerSqueeze(c *converter, n *node) error {
	x, err := c.input(n, 0)
	if err != nil {
		return err
	}
	inShape := c.shape(x)

	dims, _ := n.AttrInts("squeeze_dims")
	drop := make(map[int64]bool, len(dims))
	for _, d := range dims {
		axis, err := normalizeAxis(d, len(inShape))
		if err != nil {
			return err
		}
		drop[axis] = true
	}

	var shape []int64
	for i, d := range inShape {
		squeeze := drop[int64(i)] || (len(dims) == 0 && d == 1)
		if squeeze && d > 1 {
			return fmt.Errorf("%w: cannot squeeze dimension %d of size %d", ErrUnsupportedShape, i, d)
		}
		if !squeeze {
			shape = append(shape, d)
		}
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, c.dtype(x), shape)
	if err != nil {
		return err
	}

	c.emit(OpSqueeze, []int32{in}, []int32{out}, squeezeOptions{dims: dims})
	return nil
}

func lowerMean(c *converter, n *node) error {
	x, err := c.input(n, 0)
	if err != nil {
		return err
	}
	a, err := c.input(n, 1)
	if err != nil {
		return err
	}

	axesIdx, axes, err := c.int32Input(n, a, "axes")
	if err != nil {
		return err
	}
	keep, _ := n.AttrBool("keep_dims")

	inShape := c.shape(x)
	reduced := make(map[int64]bool, len(axes))
	for _, ax := range axes {
		axis, err := normalizeAxis(ax, len(inShape))
		if err != nil {
			return err
		}
		reduced[axis] = true
	}

	shape := []int64{}
	for i, d := range inShape {
		switch {
		case !reduced[int64(i)]:
			shape = append(shape, d)
		case keep:
			shape = append(shape, 1)
		}
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, c.dtype(x), shape)
	if err != nil {
		return err
	}

	c.emit(OpMean, []int32{in, axesIdx}, []int32{out}, reducerOptions{keepDims: keep})
	return nil
}

func lowerConcat(c *converter, n *node) error {
	if len(n.inputs) < 2 {
		return fmt.Errorf("ConcatV2 needs values and an axis, have %d inputs", len(n.inputs))
	}
	values := n.inputs[:len(n.inputs)-1]

	axes, err := c.constInts(n.inputs[len(n.inputs)-1])
	if err != nil {
		return err
	}
	if len(axes) != 1 {
		return fmt.Errorf("%w: concat axis must be a scalar", ErrUnsupportedShape)
	}

	first := c.shape(values[0])
	axis, err := normalizeAxis(axes[0], len(first))
	if err != nil {
		return err
	}

	shape := slices.Clone(first)
	for _, v := range values[1:] {
		s := c.shape(v)
		if len(s) != len(first) {
			return fmt.Errorf("%w: concat of rank %d and %d", ErrUnsupportedShape, len(first), len(s))
		}
		if shape[axis] < 0 || s[axis] < 0 {
			shape[axis] = -1
			continue
		}
		shape[axis] += s[axis]
	}

	ins, err := c.tensorsOf(values...)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, c.dtype(values[0]), shape)
	if err != nil {
		return err
	}

	c.emit(OpConcatenation, ins, []int32{out}, concatenationOptions{axis: int32(axis)})
	return nil
}

func lowerTranspose(c *converter, n *node) error {
	x, err := c.input(n, 0)
	if err != nil {
		return err
	}
	p, err := c.input(n, 1)
	if err != nil {
		return err
	}

	permIdx, perm, err := c.int32Input(n, p, "perm")
	if err != nil {
		return err
	}

	inShape := c.shape(x)
	if len(perm) != len(inShape) {
		return fmt.Errorf("%w: permutation %v for rank %d", ErrUnsupportedShape, perm, len(inShape))
	}
	shape := make([]int64, len(perm))
	for i, axis := range perm {
		if axis < 0 || axis >= int64(len(inShape)) {
			return fmt.Errorf("%w: permutation %v", ErrUnsupportedShape, perm)
		}
		shape[i] = inShape[axis]
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, c.dtype(x), shape)
	if err != nil {
		return err
	}

	c.emit(OpTranspose, []int32{in, permIdx}, []int32{out}, emptyOptions(OptionsTranspose))
	return nil
}

func lowerPad(c *converter, n *node) error {
	x, err := c.input(n, 0)
	if err != nil {
		return err
	}
	p, err := c.input(n, 1)
	if err != nil {
		return err
	}

	padIdx, pads, err := c.int32Input(n, p, "paddings")
	if err != nil {
		return err
	}

	inShape := c.shape(x)
	if len(pads) != 2*len(inShape) {
		return fmt.Errorf("%w: %d paddings for rank %d", ErrUnsupportedShape, len(pads), len(inShape))
	}
	shape := make([]int64, len(inShape))
	for i, d := range inShape {
		if d < 0 {
			shape[i] = -1
			continue
		}
		shape[i] = d + pads[2*i] + pads[2*i+1]
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, c.dtype(x), shape)
	if err != nil {
		return err
	}

	c.emit(OpPad, []int32{in, padIdx}, []int32{out}, emptyOptions(OptionsPad))
	return nil
}

func lowerCast(c *converter, n *node) error {
	x, err := c.input(n, 0)
	if err != nil {
		return err
	}

	dst, ok := n.AttrType("DstT")
	if !ok {
		return fmt.Errorf("cast %s has no DstT", n.Name)
	}
	inType, ok := TensorTypeOf(c.dtype(x))
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, c.dtype(x))
	}
	outType, ok := TensorTypeOf(dst)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, dst)
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, dst, slices.Clone(c.shape(x)))
	if err != nil {
		return err
	}

	c.emit(OpCast, []int32{in}, []int32{out}, castOptions{in: inType, out: outType})
	return nil
}

func lowerGather(c *converter, n *node) error {
	params, err := c.input(n, 0)
	if err != nil {
		return err
	}
	indices, err := c.input(n, 1)
	if err != nil {
		return err
	}

	var axis int64
	if n.Op == "GatherV2" {
		a, err := c.input(n, 2)
		if err != nil {
			return err
		}
		axes, err := c.constInts(a)
		if err != nil {
			return err
		}
		if len(axes) != 1 {
			return fmt.Errorf("%w: gather axis must be a scalar", ErrUnsupportedShape)
		}
		axis = axes[0]
	}
	batchDims, _ := n.AttrInt("batch_dims")

	ps, is := c.shape(params), c.shape(indices)
	axis, err = normalizeAxis(axis, len(ps))
	if err != nil {
		return err
	}
	if batchDims < 0 {
		batchDims += int64(len(is))
	}
	if batchDims < 0 || batchDims > int64(len(is)) || batchDims > axis {
		return fmt.Errorf("%w: batch_dims %d", ErrUnsupportedShape, batchDims)
	}

	shape := slices.Clone(ps[:axis])
	shape = append(shape, is[batchDims:]...)
	shape = append(shape, ps[axis+1:]...)

	ins, err := c.tensorsOf(params, indices)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, c.dtype(params), shape)
	if err != nil {
		return err
	}

	c.emit(OpGather, ins, []int32{out}, gatherOptions{axis: int32(axis), batchDims: int32(batchDims)})
	return nil
}

// lowerMatMul maps x @ W with a constant W onto FULLY_CONNECTED, which
// expects weights as [units, depth].
func lowerMatMul(c *converter, n *node) error {
	if ta, _ := n.AttrBool("transpose_a"); ta {
		return fmt.Errorf("%w: transpose_a", ErrUnsupportedShape)
	}

	x, err := c.input(n, 0)
	if err != nil {
		return err
	}
	wk, err := c.input(n, 1)
	if err != nil {
		return err
	}

	w, err := c.constant(wk)
	if err != nil {
		return fmt.Errorf("right operand: %w", err)
	}
	if w.DType.Base() != tfproto.DTFloat || c.dtype(x) != tfproto.DTFloat {
		return fmt.Errorf("%w: MatMul of %s and %s", ErrUnsupportedType, c.dtype(x), w.DType)
	}
	if len(w.Shape.Dims) != 2 {
		return fmt.Errorf("%w: weights of rank %d", ErrUnsupportedShape, len(w.Shape.Dims))
	}

	data, wshape := w.Content, w.Shape.Dims
	if tb, _ := n.AttrBool("transpose_b"); !tb {
		data, wshape = transpose(w.Content, w.Shape.Dims, []int{1, 0}, 4)
	}
	units, depth := wshape[0], wshape[1]

	xs := c.shape(x)
	if len(xs) != 2 {
		return fmt.Errorf("%w: MatMul input of rank %d", ErrUnsupportedShape, len(xs))
	}
	if xs[1] >= 0 && xs[1] != depth {
		return fmt.Errorf("%w: input depth %d, weights depth %d", ErrUnsupportedShape, xs[1], depth)
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	weights, bias, err := c.weightsAndBias(n, data, wshape, units)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, tfproto.DTFloat, []int64{xs[0], units})
	if err != nil {
		return err
	}

	c.emit(OpFullyConnected, []int32{in, weights, bias}, []int32{out}, emptyOptions(OptionsFullyConnected))
	return nil
}

func lowerConv2D(c *converter, n *node) error {
	x, filter, xs, err := convInputs(c, n)
	if err != nil {
		return err
	}
	opts, err := convOptions(n)
	if err != nil {
		return err
	}

	// HWIO -> OHWI
	fs := filter.Shape.Dims
	data, wshape := transpose(filter.Content, fs, []int{3, 0, 1, 2}, 4)
	if xs[3] >= 0 && xs[3] != fs[2] {
		return fmt.Errorf("%w: input has %d channels, filter expects %d", ErrUnsupportedShape, xs[3], fs[2])
	}

	return c.emitConv(n, OpConv2D, x, xs, data, wshape, fs[0], fs[1], fs[3], opts)
}

func lowerDepthwiseConv2D(c *converter, n *node) error {
	x, filter, xs, err := convInputs(c, n)
	if err != nil {
		return err
	}
	opts, err := convOptions(n)
	if err != nil {
		return err
	}

	// [H, W, C, M] and [1, H, W, C*M] share a memory layout.
	fs := filter.Shape.Dims
	channels := fs[2] * fs[3]
	wshape := []int64{1, fs[0], fs[1], channels}
	if xs[3] >= 0 && xs[3] != fs[2] {
		return fmt.Errorf("%w: input has %d channels, filter expects %d", ErrUnsupportedShape, xs[3], fs[2])
	}

	dw := depthwiseConv2DOptions{conv2DOptions: opts, depthMultiplier: int32(fs[3])}
	return c.emitConv(n, OpDepthwiseConv2D, x, xs, filter.Content, wshape, fs[0], fs[1], channels, dw)
}

func convInputs(c *converter, n *node) (string, *tfproto.Tensor, []int64, error) {
	if err := requireNHWC(n); err != nil {
		return "", nil, nil, err
	}

	x, err := c.input(n, 0)
	if err != nil {
		return "", nil, nil, err
	}
	fk, err := c.input(n, 1)
	if err != nil {
		return "", nil, nil, err
	}

	filter, err := c.constant(fk)
	if err != nil {
		return "", nil, nil, fmt.Errorf("filter: %w", err)
	}
	if filter.DType.Base() != tfproto.DTFloat || c.dtype(x) != tfproto.DTFloat {
		return "", nil, nil, fmt.Errorf("%w: convolution of %s with %s", ErrUnsupportedType, c.dtype(x), filter.DType)
	}
	if len(filter.Shape.Dims) != 4 {
		return "", nil, nil, fmt.Errorf("%w: filter of rank %d", ErrUnsupportedShape, len(filter.Shape.Dims))
	}

	xs := c.shape(x)
	if len(xs) != 4 {
		return "", nil, nil, fmt.Errorf("%w: convolution input of rank %d", ErrUnsupportedShape, len(xs))
	}

	return x, filter, xs, nil
}

func convOptions(n *node) (conv2DOptions, error) {
	pad, err := padding(n)
	if err != nil {
		return conv2DOptions{}, err
	}
	sh, sw, err := spatial(n, "strides")
	if err != nil {
		return conv2DOptions{}, err
	}
	dh, dw, err := spatial(n, "dilations")
	if err != nil {
		return conv2DOptions{}, err
	}
	return conv2DOptions{
		padding:   pad,
		strideW:   int32(sw),
		strideH:   int32(sh),
		dilationW: int32(dw),
		dilationH: int32(dh),
	}, nil
}

func (c *converter) emitConv(n *node, code BuiltinOperator, x string, xs []int64, data []byte, wshape []int64, kh, kw, channels int64, opts options) error {
	var base conv2DOptions
	switch o := opts.(type) {
	case conv2DOptions:
		base = o
	case depthwiseConv2DOptions:
		base = o.conv2DOptions
	}

	oh, err := windowOutput(xs[1], kh, int64(base.strideH), int64(base.dilationH), base.padding)
	if err != nil {
		return err
	}
	ow, err := windowOutput(xs[2], kw, int64(base.strideW), int64(base.dilationW), base.padding)
	if err != nil {
		return err
	}

	in, err := c.tensor(x)
	if err != nil {
		return err
	}
	weights, bias, err := c.weightsAndBias(n, data, wshape, channels)
	if err != nil {
		return err
	}
	out, err := c.output(n, 0, tfproto.DTFloat, []int64{xs[0], oh, ow, channels})
	if err != nil {
		return err
	}

	c.emit(code, []int32{in, weights, bias}, []int32{out}, opts)
	return nil
}

// weightsAndBias adds the float32 weights of a layer and a zero bias.
func (c *converter) weightsAndBias(n *node, data []byte, wshape []int64, units int64) (int32, int32, error) {
	weights, err := c.addConst(n.Name+"/weights", &tfproto.Tensor{
		DType:   tfproto.DTFloat,
		Shape:   tfproto.NewShape(wshape...),
		Content: data,
	})
	if err != nil {
		return 0, 0, err
	}
	bias, err := c.addConst(n.Name+"/bias", &tfproto.Tensor{
		DType:   tfproto.DTFloat,
		Shape:   tfproto.NewShape(units),
		Content: zeros(units),
	})
	return weights, bias, err
}

func pool(code BuiltinOperator) lowerFunc {
	return func(c *converter, n *node) error {
		if err := requireNHWC(n); err != nil {
			return err
		}
		pad, err := padding(n)
		if err != nil {
			return err
		}
		kh, kw, err := spatial(n, "ksize")
		if err != nil {
			return err
		}
		sh, sw, err := spatial(n, "strides")
		if err != nil {
			return err
		}

		x, err := c.input(n, 0)
		if err != nil {
			return err
		}
		xs := c.shape(x)
		if len(xs) != 4 {
			return fmt.Errorf("%w: pooling input of rank %d", ErrUnsupportedShape, len(xs))
		}

		oh, err := windowOutput(xs[1], kh, sh, 1, pad)
		if err != nil {
			return err
		}
		ow, err := windowOutput(xs[2], kw, sw, 1, pad)
		if err != nil {
			return err
		}

		in, err := c.tensor(x)
		if err != nil {
			return err
		}
		out, err := c.output(n, 0, c.dtype(x), []int64{xs[0], oh, ow, xs[3]})
		if err != nil {
			return err
		}

		c.emit(code, []int32{in}, []int32{out}, pool2DOptions{
			padding: pad,
			strideW: int32(sw),
			strideH: int32(sh),
			filterW: int32(kw),
			filterH: int32(kh),
		})
		return nil
	}
}

func requireNHWC(n *node) error {
	if f, ok := n.AttrString("data_format"); ok && f != "" && f != "NHWC" {
		return fmt.Errorf("%w: data_format %s", ErrUnsupportedShape, f)
	}
	return nil
}

func padding(n *node) (Padding, error) {
	p, _ := n.AttrString("padding")
	switch p {
	case "SAME":
		return PaddingSame, nil
	case "VALID":
		return PaddingValid, nil
	default:
		return 0, fmt.Errorf("%w: padding %q", ErrUnsupportedShape, p)
	}
}

// spatial reads the height and width of an NHWC window attribute. Missing
// attributes default to 1.
func spatial(n *node, attr string) (int64, int64, error) {
	v, ok := n.AttrInts(attr)
	if !ok {
		return 1, 1, nil
	}
	if len(v) != 4 || v[0] != 1 || v[3] != 1 {
		return 0, 0, fmt.Errorf("%w: %s %v", ErrUnsupportedShape, attr, v)
	}
	return v[1], v[2], nil
}
