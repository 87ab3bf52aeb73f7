package transport

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Number is the set of element types the collectives exchange.
type Number interface {
	int | int64 | float32 | float64
}

const (
	kindInt     = 1
	kindFloat32 = 2
	kindFloat64 = 3

	kindField   protowire.Number = 1
	valuesField protowire.Number = 2
)

func kindOf[T Number]() uint64 {
	var zero T
	switch any(zero).(type) {
	case int, int64:
		return kindInt
	case float32:
		return kindFloat32
	default:
		return kindFloat64
	}
}

// Encode serializes a slice of numbers as a protobuf message carrying the
// element kind and the packed values.
func Encode[T Number](values []T) []byte {
	var packed []byte

	switch vs := any(values).(type) {
	case []int:
		for _, v := range vs {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
		}
	case []int64:
		for _, v := range vs {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
		}
	case []float32:
		packed = make([]byte, 0, 4*len(vs))
		for _, v := range vs {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
	case []float64:
		packed = make([]byte, 0, 8*len(vs))
		for _, v := range vs {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
	}

	b := make([]byte, 0, len(packed)+8)
	b = protowire.AppendTag(b, kindField, protowire.VarintType)
	b = protowire.AppendVarint(b, kindOf[T]())
	b = protowire.AppendTag(b, valuesField, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

// Decode parses a payload produced by Encode with the same element type.
func Decode[T Number](b []byte) ([]T, error) {
	var kind uint64
	var packed []byte

	for len(b) != 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == kindField && typ == protowire.VarintType:
			kind, n = protowire.ConsumeVarint(b)
		case num == valuesField && typ == protowire.BytesType:
			packed, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]
	}

	if want := kindOf[T](); kind != want {
		return nil, errors.New("unexpected payload kind").
			WithType(ErrTypeMalformedData).
			WithTag("kind", kind).
			WithTag("expected_kind", want)
	}

	var out any

	switch any(*new(T)).(type) {
	case int:
		vs, err := consumeVarints(packed)
		if err != nil {
			return nil, err
		}
		ints := make([]int, len(vs))
		for i, v := range vs {
			ints[i] = int(v)
		}
		out = ints

	case int64:
		vs, err := consumeVarints(packed)
		if err != nil {
			return nil, err
		}
		out = vs

	case float32:
		if len(packed)%4 != 0 {
			return nil, malformed(nil)
		}
		vs := make([]float32, 0, len(packed)/4)
		for len(packed) != 0 {
			v, n := protowire.ConsumeFixed32(packed)
			vs = append(vs, math.Float32frombits(v))
			packed = packed[n:]
		}
		out = vs

	case float64:
		if len(packed)%8 != 0 {
			return nil, malformed(nil)
		}
		vs := make([]float64, 0, len(packed)/8)
		for len(packed) != 0 {
			v, n := protowire.ConsumeFixed64(packed)
			vs = append(vs, math.Float64frombits(v))
			packed = packed[n:]
		}
		out = vs
	}

	return out.([]T), nil
}

func consumeVarints(b []byte) ([]int64, error) {
	var vs []int64
	for len(b) != 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		vs = append(vs, protowire.DecodeZigZag(v))
		b = b[n:]
	}
	return vs, nil
}

func malformed(err error) error {
	e := errors.New("malformed payload").WithType(ErrTypeMalformedData)
	if err != nil {
		return e.Wrap(err)
	}
	return e
}
