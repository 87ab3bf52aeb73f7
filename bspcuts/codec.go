package bspcuts

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/segmentio/encoding/json"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	boundsField protowire.Number = iota + 1
	dimField
	coordField
	lowerField
	upperField
	lowerDataField
	upperDataField
	npointsField
)

// MarshalBinary encodes the arrays as a protobuf message with one packed
// field per array.
func (a Arrays) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendFloats(b, boundsField, a.Bounds[:])
	b = appendInts(b, dimField, a.Dim)
	b = appendFloats(b, coordField, a.Coord)
	b = appendInts(b, lowerField, a.Lower)
	b = appendInts(b, upperField, a.Upper)
	b = appendFloats(b, lowerDataField, a.LowerDataCoord)
	b = appendFloats(b, upperDataField, a.UpperDataCoord)
	b = appendInts(b, npointsField, a.NumPoints)
	return b, nil
}

// UnmarshalBinary decodes arrays encoded with MarshalBinary.
func (a *Arrays) UnmarshalBinary(b []byte) error {
	*a = Arrays{}

	for len(b) != 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch num {
		case boundsField:
			var bounds []float64
			if bounds, err = consumeFloats(packed); err == nil {
				if len(bounds) != 6 {
					return malformed(nil)
				}
				copy(a.Bounds[:], bounds)
			}
		case dimField:
			a.Dim, err = consumeInts(packed)
		case coordField:
			a.Coord, err = consumeFloats(packed)
		case lowerField:
			a.Lower, err = consumeInts(packed)
		case upperField:
			a.Upper, err = consumeInts(packed)
		case lowerDataField:
			a.LowerDataCoord, err = consumeFloats(packed)
		case upperDataField:
			a.UpperDataCoord, err = consumeFloats(packed)
		case npointsField:
			a.NumPoints, err = consumeInts(packed)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes the arrays with their JSON field names.
func (c *Cuts) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.arrays)
}

// UnmarshalJSON replaces the partition with the one described by JSON
// arrays.
func (c *Cuts) UnmarshalJSON(b []byte) error {
	var a Arrays
	if err := json.Unmarshal(b, &a); err != nil {
		return errors.New("decoding cuts failed").
			WithType(ErrTypeInvalidCuts).
			Wrap(err)
	}
	return c.CreateCutsFromArrays(a)
}

// Fingerprint returns the Keccak-256 hash of the binary encoding, as hex.
// Two processes holding equal partitions get equal fingerprints.
func (a Arrays) Fingerprint() string {
	b, _ := a.MarshalBinary()
	return crypto.Keccak256Hash(b).Hex()
}

// Fingerprint returns the fingerprint of the flat form.
func (c *Cuts) Fingerprint() string {
	return c.arrays.Fingerprint()
}

func appendInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendFloats(b []byte, num protowire.Number, values []float64) []byte {
	packed := make([]byte, 0, 8*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func consumeInts(b []byte) ([]int, error) {
	values := []int{}
	for len(b) != 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n))
		}
		values = append(values, int(protowire.DecodeZigZag(v)))
		b = b[n:]
	}
	return values, nil
}

func consumeFloats(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, malformed(nil)
	}

	values := make([]float64, 0, len(b)/8)
	for len(b) != 0 {
		v, n := protowire.ConsumeFixed64(b)
		values = append(values, math.Float64frombits(v))
		b = b[n:]
	}
	return values, nil
}

func malformed(err error) error {
	e := errors.New("malformed cut arrays").WithType(ErrTypeInvalidCuts)
	if err != nil {
		return e.Wrap(err)
	}
	return e
}
