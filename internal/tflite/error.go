package tflite

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions for the tflite package.
var (
	ErrUnsupportedOp    = errors.New("unsupported op")
	ErrUnsupportedType  = errors.New("unsupported dtype")
	ErrUnsupportedShape = errors.New("unsupported shape")
	ErrNeedsConstant    = errors.New("input must be constant")
)

// ConversionError lists every TensorFlow op that could not be lowered.
// Ops is sorted and holds each op name once; Details carries one message per
// failing node.
type ConversionError struct {
	Ops     []string
	Details []string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("tflite: %d op(s) cannot be converted: %s", len(e.Ops), strings.Join(e.Ops, ", "))
}

func (e *ConversionError) Is(target error) bool {
	return target == ErrUnsupportedOp
}
