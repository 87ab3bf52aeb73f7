package subgroup

import (
	"context"
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/transport"
)

// ReduceMin combines values element-wise with min. The result is only
// meaningful on root.
func ReduceMin[T transport.Number](ctx context.Context, g *Group, values []T, root int) ([]T, error) {
	return reduce(ctx, g, values, root, func(a, b T) T { return min(a, b) })
}

// ReduceMax combines values element-wise with max. The result is only
// meaningful on root.
func ReduceMax[T transport.Number](ctx context.Context, g *Group, values []T, root int) ([]T, error) {
	return reduce(ctx, g, values, root, func(a, b T) T { return max(a, b) })
}

// ReduceSum combines values element-wise with +. The result is only
// meaningful on root.
func ReduceSum[T transport.Number](ctx context.Context, g *Group, values []T, root int) ([]T, error) {
	return reduce(ctx, g, values, root, func(a, b T) T { return a + b })
}

// AllReduceMin reduces with min on local rank 0 and broadcasts the result.
func AllReduceMin[T transport.Number](ctx context.Context, g *Group, values []T) ([]T, error) {
	r, err := ReduceMin(ctx, g, values, 0)
	if err != nil {
		return nil, err
	}
	return Broadcast(ctx, g, r, 0)
}

// AllReduceMax reduces with max on local rank 0 and broadcasts the result.
func AllReduceMax[T transport.Number](ctx context.Context, g *Group, values []T) ([]T, error) {
	r, err := ReduceMax(ctx, g, values, 0)
	if err != nil {
		return nil, err
	}
	return Broadcast(ctx, g, r, 0)
}

// AllReduceSum reduces with + on local rank 0 and broadcasts the result.
func AllReduceSum[T transport.Number](ctx context.Context, g *Group, values []T) ([]T, error) {
	r, err := ReduceSum(ctx, g, values, 0)
	if err != nil {
		return nil, err
	}
	return Broadcast(ctx, g, r, 0)
}

func reduce[T transport.Number](ctx context.Context, g *Group, values []T, root int, op func(a, b T) T) ([]T, error) {
	if err := g.checkLocal(root); err != nil {
		return nil, err
	}

	out := slices.Clone(values)
	n := g.Size()
	if n == 1 {
		return out, nil
	}

	g.setUpRoot(root)
	defer g.restoreRoot(root)

	for _, c := range children(g.me, n) {
		b, err := g.receiveFrom(ctx, c)
		if err != nil {
			return nil, err
		}

		in, err := transport.Decode[T](b)
		if err != nil {
			return nil, err
		}
		if len(in) != len(out) {
			return nil, mismatch("reduce", len(out), len(in))
		}

		for i := range out {
			out[i] = op(out[i], in[i])
		}
	}

	if p := parent(g.me); p >= 0 {
		if err := g.sendTo(ctx, p, transport.Encode(out)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Broadcast sends the root's values to every member and returns them. The
// values passed by non-root members are ignored.
func Broadcast[T transport.Number](ctx context.Context, g *Group, values []T, root int) ([]T, error) {
	if err := g.checkLocal(root); err != nil {
		return nil, err
	}

	n := g.Size()
	if n == 1 {
		return slices.Clone(values), nil
	}

	g.setUpRoot(root)
	defer g.restoreRoot(root)

	var payload []byte
	out := values

	if p := parent(g.me); p >= 0 {
		b, err := g.receiveFrom(ctx, p)
		if err != nil {
			return nil, err
		}

		if out, err = transport.Decode[T](b); err != nil {
			return nil, err
		}
		payload = b
	} else {
		out = slices.Clone(values)
		payload = transport.Encode(out)
	}

	for _, c := range children(g.me, n) {
		if err := g.sendTo(ctx, c, payload); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Gather collects the same number of values from every member on root. The
// result on root holds the values of local rank 0 first, then rank 1, and so
// on. Other members get nil.
func Gather[T transport.Number](ctx context.Context, g *Group, values []T, root int) ([]T, error) {
	if err := g.checkLocal(root); err != nil {
		return nil, err
	}

	n := g.Size()
	if n == 1 {
		return slices.Clone(values), nil
	}

	g.setUpRoot(root)
	defer g.restoreRoot(root)

	stride := len(values)
	buf := make([]T, 0, (subtreeEnd(g.me, n)-g.me)*stride)
	buf = append(buf, values...)

	for _, c := range children(g.me, n) {
		b, err := g.receiveFrom(ctx, c)
		if err != nil {
			return nil, err
		}

		in, err := transport.Decode[T](b)
		if err != nil {
			return nil, err
		}
		if want := (subtreeEnd(c, n) - c) * stride; len(in) != want {
			return nil, mismatch("gather", want, len(in))
		}
		buf = append(buf, in...)
	}

	if p := parent(g.me); p >= 0 {
		return nil, g.sendTo(ctx, p, transport.Encode(buf))
	}

	// buf is ordered by tree position; put the root's block back in its
	// local rank slot.
	if root != 0 {
		a := buf[:stride]
		b := buf[root*stride : (root+1)*stride]
		for i := range a {
			a[i], b[i] = b[i], a[i]
		}
	}
	return buf, nil
}

// AllGather gathers on local rank 0 and broadcasts the result.
func AllGather[T transport.Number](ctx context.Context, g *Group, values []T) ([]T, error) {
	r, err := Gather(ctx, g, values, 0)
	if err != nil {
		return nil, err
	}
	return Broadcast(ctx, g, r, 0)
}

// AllReduceUniqueList merges the sorted lists of unique integers of every
// member into one sorted list of unique integers known by all.
func AllReduceUniqueList(ctx context.Context, g *Group, list []int) ([]int, error) {
	if err := g.checkMember(); err != nil {
		return nil, err
	}

	out := slices.Clone(list)
	slices.Sort(out)
	out = slices.Compact(out)

	n := g.Size()
	if n == 1 {
		return out, nil
	}

	for _, c := range children(g.me, n) {
		b, err := g.receiveFrom(ctx, c)
		if err != nil {
			return nil, err
		}

		in, err := transport.Decode[int](b)
		if err != nil {
			return nil, err
		}
		out = MergeSortedUnique(out, in)
	}

	if p := parent(g.me); p >= 0 {
		if err := g.sendTo(ctx, p, transport.Encode(out)); err != nil {
			return nil, err
		}
	}
	return Broadcast(ctx, g, out, 0)
}

// MergeSortedUnique merges two sorted lists of unique integers.
func MergeSortedUnique(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}

	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func mismatch(op string, want, got int) error {
	return errors.New("collective payload length mismatch").
		WithType(ErrTypeMismatch).
		WithTag("op", op).
		WithTag("expected", want).
		WithTag("received", got)
}
