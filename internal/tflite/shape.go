package tflite

import (
	"fmt"
	"slices"
)

// Shapes use -1 for dimensions unknown until inference time.

func broadcast(a, b []int64) ([]int64, error) {
	n := max(len(a), len(b))
	out := make([]int64, n)
	for i := range n {
		da, db := dimFromRight(a, n-1-i), dimFromRight(b, n-1-i)
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		case da < 0:
			out[i] = db
		case db < 0:
			out[i] = da
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v", ErrUnsupportedShape, a, b)
		}
	}
	return out, nil
}

// dimFromRight returns dimension i counted from the right, or 1 past the rank.
func dimFromRight(s []int64, i int) int64 {
	if i >= len(s) {
		return 1
	}
	return s[len(s)-1-i]
}

func numElements(s []int64) (int64, bool) {
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func normalizeAxis(axis int64, rank int) (int64, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return 0, fmt.Errorf("%w: axis %d out of range for rank %d", ErrUnsupportedShape, axis, rank)
	}
	return axis, nil
}

// reshape resolves a single -1 in target against the element count of in.
func reshape(in, target []int64) ([]int64, error) {
	out := slices.Clone(target)
	unknown := -1
	known := int64(1)
	for i, d := range out {
		switch {
		case d == -1 && unknown >= 0:
			return nil, fmt.Errorf("%w: reshape to %v has more than one -1", ErrUnsupportedShape, target)
		case d == -1:
			unknown = i
		case d < 0:
			return nil, fmt.Errorf("%w: reshape to %v", ErrUnsupportedShape, target)
		default:
			known *= d
		}
	}
	if unknown < 0 {
		return out, nil
	}

	total, ok := numElements(in)
	if !ok || known == 0 {
		return out, nil
	}
	if total%known != 0 {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrUnsupportedShape, in, target)
	}
	out[unknown] = total / known
	return out, nil
}

// windowOutput computes a convolution or pooling output extent.
func windowOutput(in, k, stride, dilation int64, pad Padding) (int64, error) {
	if in < 0 {
		return -1, nil
	}
	if stride <= 0 || dilation <= 0 {
		return 0, fmt.Errorf("%w: stride %d dilation %d", ErrUnsupportedShape, stride, dilation)
	}
	if pad == PaddingSame {
		return (in + stride - 1) / stride, nil
	}
	eff := (k-1)*dilation + 1
	if in < eff {
		return 0, fmt.Errorf("%w: window %d larger than input %d", ErrUnsupportedShape, eff, in)
	}
	return (in-eff)/stride + 1, nil
}

// transpose permutes a dense little-endian tensor.
func transpose(data []byte, shape []int64, perm []int, elemSize int) ([]byte, []int64) {
	rank := len(shape)
	outShape := make([]int64, rank)
	for i, p := range perm {
		outShape[i] = shape[p]
	}

	inStrides := strides(shape)
	outStrides := strides(outShape)
	total, _ := numElements(shape)

	out := make([]byte, len(data))
	idx := make([]int64, rank)
	for o := range total {
		rem := o
		var src int64
		for i := range rank {
			idx[i] = rem / outStrides[i]
			rem %= outStrides[i]
			src += idx[i] * inStrides[perm[i]]
		}
		copy(out[o*int64(elemSize):(o+1)*int64(elemSize)], data[src*int64(elemSize):])
	}

	return out, outShape
}

func strides(shape []int64) []int64 {
	s := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func zeros(n int64) []byte {
	return make([]byte, 4*n)
}
