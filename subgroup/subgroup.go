// Package subgroup implements collectives over a contiguous range of ranks.
//
// Every collective uses a binary fan-in tree over the members: the member at
// position p reports to p with its lowest set bit cleared, and the root is at
// position 0. When a collective is rooted elsewhere, the root and position 0
// swap places for the duration of the call.
//
// All members of a group must call the same collectives in the same order.
// The library does not detect a member skipping a collective; the others
// block until their context is done.
package subgroup

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/transport"
)

const (
	ErrTypeInvalidGroup = "subgroup-invalid"
	ErrTypeNotMember    = "subgroup-not-member"
	ErrTypeMismatch     = "subgroup-communication-mismatch"
)

// Group is a contiguous range of ranks sharing a message tag.
type Group struct {
	transport transport.Transport
	tag       int
	first     int
	members   []int
	me        int
}

// New creates the group of ranks p0 to p1 inclusive. The calling rank does
// not have to be a member; LocalRank is still usable.
func New(t transport.Transport, p0, p1, tag int) (*Group, error) {
	if p0 < 0 || p1 < p0 || p1 >= t.Size() {
		return nil, errors.New("invalid subgroup range").
			WithType(ErrTypeInvalidGroup).
			WithTag("first", p0).
			WithTag("last", p1).
			WithTag("size", t.Size())
	}

	members := make([]int, p1-p0+1)
	for i := range members {
		members[i] = p0 + i
	}

	me := -1
	if r := t.Rank(); r >= p0 && r <= p1 {
		me = r - p0
	}

	return &Group{
		transport: t,
		tag:       tag,
		first:     p0,
		members:   members,
		me:        me,
	}, nil
}

// Size returns the number of members.
func (g *Group) Size() int {
	return len(g.members)
}

func (g *Group) Tag() int {
	return g.tag
}

// Rank returns the local rank of the caller, -1 when it is not a member.
func (g *Group) Rank() int {
	return g.me
}

// IsMember reports whether the caller belongs to the group.
func (g *Group) IsMember() bool {
	return g.me >= 0
}

// LocalRank maps a global rank to its position in the group, -1 for
// non-members.
func (g *Group) LocalRank(global int) int {
	if global < g.first || global >= g.first+len(g.members) {
		return -1
	}
	return global - g.first
}

// GlobalRank maps a local rank back to the transport rank.
func (g *Group) GlobalRank(local int) int {
	return g.first + local
}

// Transport returns the transport the group communicates over.
func (g *Group) Transport() transport.Transport {
	return g.transport
}

// Send sends values to the member with the given local rank.
func Send[T transport.Number](ctx context.Context, g *Group, values []T, to int) error {
	if err := g.checkLocal(to); err != nil {
		return err
	}
	return g.transport.Send(ctx, g.GlobalRank(to), g.tag, transport.Encode(values))
}

// Receive receives values from the member with the given local rank.
func Receive[T transport.Number](ctx context.Context, g *Group, from int) ([]T, error) {
	if err := g.checkLocal(from); err != nil {
		return nil, err
	}

	b, err := g.transport.Receive(ctx, g.GlobalRank(from), g.tag)
	if err != nil {
		return nil, err
	}
	return transport.Decode[T](b)
}

// AllCheckForFailure runs a group-wide vote and reports whether any member
// failed. The caller's failure is reported as local, the others as remote.
func (g *Group) AllCheckForFailure(ctx context.Context, failed bool, where, how string) (bool, error) {
	vote := 0
	if failed {
		vote = 1
	}

	total, err := AllReduceSum(ctx, g, []int{vote})
	if err != nil {
		return false, err
	}

	if total[0] == 0 {
		return false, nil
	}

	entry := logs.WithTag("where", where).WithTag("tag", g.tag)
	if failed {
		entry.Warn(how + " on my node")
	} else {
		entry.Warn(how + " on a remote node")
	}
	return true, nil
}

func (g *Group) checkMember() error {
	if g.me < 0 {
		return errors.New("caller is not a member of the subgroup").
			WithType(ErrTypeNotMember).
			WithTag("rank", g.transport.Rank()).
			WithTag("first", g.first).
			WithTag("size", len(g.members))
	}
	return nil
}

func (g *Group) checkLocal(local int) error {
	if err := g.checkMember(); err != nil {
		return err
	}

	if local < 0 || local >= len(g.members) {
		return errors.New("local rank out of range").
			WithType(ErrTypeInvalidGroup).
			WithTag("local_rank", local).
			WithTag("size", len(g.members))
	}
	return nil
}

// setUpRoot makes root the member at position 0 of the fan-in tree.
func (g *Group) setUpRoot(root int) {
	if root == 0 {
		return
	}

	g.members[0], g.members[root] = g.members[root], g.members[0]
	switch g.me {
	case root:
		g.me = 0
	case 0:
		g.me = root
	}
}

func (g *Group) restoreRoot(root int) {
	g.setUpRoot(root)
}

func (g *Group) sendTo(ctx context.Context, pos int, payload []byte) error {
	return g.transport.Send(ctx, g.members[pos], g.tag, payload)
}

func (g *Group) receiveFrom(ctx context.Context, pos int) ([]byte, error) {
	return g.transport.Receive(ctx, g.members[pos], g.tag)
}

// parent returns the position pos reports to, -1 for the root.
func parent(pos int) int {
	if pos == 0 {
		return -1
	}
	return pos & (pos - 1)
}

// children returns the positions reporting to pos, in increasing order.
func children(pos, n int) []int {
	var c []int
	for mask := 1; mask < n && pos&mask == 0; mask <<= 1 {
		if child := pos | mask; child < n {
			c = append(c, child)
		}
	}
	return c
}

// subtreeEnd returns the position after the last one in the subtree rooted
// at pos.
func subtreeEnd(pos, n int) int {
	if pos == 0 {
		return n
	}
	return min(pos+(pos&-pos), n)
}
