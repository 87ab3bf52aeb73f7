package websocket

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	ErrTypeMalformedFrame = "mesh-malformed-frame"

	frameTagField     protowire.Number = 1
	framePayloadField protowire.Number = 2
)

// encodeFrame wraps a payload with the tag it is sent with.
func encodeFrame(tag int, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+16)
	b = protowire.AppendTag(b, frameTagField, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(tag)))
	b = protowire.AppendTag(b, framePayloadField, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

func decodeFrame(b []byte) (int, []byte, error) {
	var tag int64
	var payload []byte
	var hasTag bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, malformed(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == frameTagField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, nil, malformed(protowire.ParseError(n))
			}
			tag = protowire.DecodeZigZag(v)
			hasTag = true
			b = b[n:]

		case num == framePayloadField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, nil, malformed(protowire.ParseError(n))
			}
			payload = append([]byte{}, v...)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, nil, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !hasTag {
		return 0, nil, errors.New("frame without tag").
			WithType(ErrTypeMalformedFrame)
	}
	return int(tag), payload, nil
}

func malformed(err error) error {
	return errors.New("decoding frame failed").
		WithType(ErrTypeMalformedFrame).
		Wrap(err)
}
