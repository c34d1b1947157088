package tfproto

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message cannot be decoded.
var ErrMalformed = errors.New("tfproto: malformed message")

// field is a single decoded protobuf field.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}

// eachField walks the top-level fields of a message.
func eachField(what string, b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(what, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed(what, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}

	return nil
}

// varints decodes a repeated varint field in either packed or unpacked form.
func varints(f field) ([]uint64, error) {
	if f.typ == protowire.VarintType {
		return []uint64{f.u}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, malformed("packed varint", fmt.Errorf("unexpected wire type %d", f.typ))
	}

	var out []uint64
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, malformed("packed varint", protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}

	return out, nil
}

func fixed32s(f field) ([]uint32, error) {
	if f.typ == protowire.Fixed32Type {
		return []uint32{uint32(f.u)}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, malformed("packed fixed32", fmt.Errorf("unexpected wire type %d", f.typ))
	}

	var out []uint32
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, malformed("packed fixed32", protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}

	return out, nil
}

func fixed64s(f field) ([]uint64, error) {
	if f.typ == protowire.Fixed64Type {
		return []uint64{f.u}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, malformed("packed fixed64", fmt.Errorf("unexpected wire type %d", f.typ))
	}

	var out []uint64
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, malformed("packed fixed64", protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}

	return out, nil
}

// mapEntry decodes a map<string, V> entry, returning the key and raw value.
func mapEntry(what string, b []byte) (string, []byte, error) {
	var (
		key   string
		value []byte
	)
	err := eachField(what, b, func(f field) error {
		switch f.num {
		case 1:
			key = string(f.b)
		case 2:
			value = f.b
		}
		return nil
	})

	return key, value, err
}

// -------------------------
// Encoding helpers
// -------------------------

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendPackedVarints(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendBytes(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendBytes(b, num, packed)
}

func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	for _, k := range sortedKeys(m) {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m[k])
		b = appendBytes(b, num, entry)
	}
	return b
}

// appendInt always emits the field, so zero values survive in oneofs.
func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}
