// Package transport moves opaque payloads between the ranks of a fixed
// process set.
package transport

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeTransport     = "transport-error"
	ErrTypeInvalidRank   = "transport-invalid-rank"
	ErrTypeClosed        = "transport-closed"
	ErrTypeMalformedData = "transport-malformed-data"
)

// Transport is the point-to-point layer the collectives are built on.
//
// Send hands the payload over and returns without waiting for the matching
// Receive. Receive blocks until a payload sent by src with the given tag is
// available or ctx is done. Payloads between the same pair of ranks with the
// same tag are delivered in the order they were sent.
type Transport interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dst, tag int, payload []byte) error
	Receive(ctx context.Context, src, tag int) ([]byte, error)
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return errors.New("rank out of range").
			WithType(ErrTypeInvalidRank).
			WithTag("rank", rank).
			WithTag("size", size)
	}
	return nil
}
