package tfproto

import (
	"maps"
	"slices"
	"strconv"
)

// DataType mirrors the TensorFlow DataType enum.
type DataType int32

// Data types used by SavedModels. Reference types are offset by 100.
const (
	DTInvalid    DataType = 0
	DTFloat      DataType = 1
	DTDouble     DataType = 2
	DTInt32      DataType = 3
	DTUint8      DataType = 4
	DTInt16      DataType = 5
	DTInt8       DataType = 6
	DTString     DataType = 7
	DTComplex64  DataType = 8
	DTInt64      DataType = 9
	DTBool       DataType = 10
	DTQint8      DataType = 11
	DTQuint8     DataType = 12
	DTQint32     DataType = 13
	DTBfloat16   DataType = 14
	DTQint16     DataType = 15
	DTQuint16    DataType = 16
	DTUint16     DataType = 17
	DTComplex128 DataType = 18
	DTHalf       DataType = 19
	DTResource   DataType = 20
	DTVariant    DataType = 21
	DTUint32     DataType = 22
	DTUint64     DataType = 23

	refOffset DataType = 100
)

var dtypeNames = map[DataType]string{
	DTFloat:      "float32",
	DTDouble:     "float64",
	DTInt32:      "int32",
	DTUint8:      "uint8",
	DTInt16:      "int16",
	DTInt8:       "int8",
	DTString:     "string",
	DTComplex64:  "complex64",
	DTInt64:      "int64",
	DTBool:       "bool",
	DTQint8:      "qint8",
	DTQuint8:     "quint8",
	DTQint32:     "qint32",
	DTBfloat16:   "bfloat16",
	DTQint16:     "qint16",
	DTQuint16:    "quint16",
	DTUint16:     "uint16",
	DTComplex128: "complex128",
	DTHalf:       "float16",
	DTResource:   "resource",
	DTVariant:    "variant",
	DTUint32:     "uint32",
	DTUint64:     "uint64",
}

// Base strips the reference bit.
func (t DataType) Base() DataType {
	if t > refOffset {
		return t - refOffset
	}
	return t
}

// IsRef reports whether t is a reference type.
func (t DataType) IsRef() bool {
	return t > refOffset
}

// Size returns the element size in bytes, or 0 for variable-width types.
func (t DataType) Size() int {
	switch t.Base() {
	case DTInt8, DTUint8, DTBool, DTQint8, DTQuint8:
		return 1
	case DTInt16, DTUint16, DTHalf, DTBfloat16, DTQint16, DTQuint16:
		return 2
	case DTFloat, DTInt32, DTUint32, DTQint32:
		return 4
	case DTDouble, DTInt64, DTUint64, DTComplex64:
		return 8
	case DTComplex128:
		return 16
	default:
		return 0
	}
}

func (t DataType) String() string {
	if name, ok := dtypeNames[t.Base()]; ok {
		if t.IsRef() {
			return name + "_ref"
		}
		return name
	}
	return "DataType(" + strconv.Itoa(int(t)) + ")"
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
