package pkdtree

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/subgroup"
	"github.com/aukilabs/kdpart/transport"
)

// divider holds the state of one rank during a parallel build.
type divider struct {
	t      transport.Transport
	me     int
	params kdtree.Params
	index  *GlobalIndex
	shard  *shardBuffers
	tree   *kdtree.Tree
	budget uint64
}

type pendingRegion struct {
	node  kdtree.NodeID
	L     int
	level int
	tag   int
}

// breadthFirstDivide divides the regions level by level. A rank only works
// on the regions whose points it holds, so its tree is partial until
// completeTree runs.
func (d *divider) breadthFirstDivide(ctx context.Context, volume kdtree.Box, dataBounds kdtree.Box) error {
	root := d.tree.Root()
	n := d.tree.Node(root)
	n.Bounds = volume
	n.DataBounds = dataBounds
	n.NumPoints = d.index.TotalNumCells

	queue := []pendingRegion{{node: root, L: 0, level: 0, tag: 1}}

	var failure error
	for len(queue) != 0 {
		r := queue[0]
		queue = queue[1:]

		midpt, divided, err := d.divideRegion(ctx, r.node, r.L, r.level, r.tag)
		if err != nil {
			// Voted failures are known to the whole region group, which
			// keeps going so that no rank is left waiting.
			if !errors.IsType(err, ErrTypeBuildFailed) {
				return err
			}
			failure = err
			continue
		}
		if !divided {
			continue
		}

		node := d.tree.Node(r.node)
		queue = append(queue,
			pendingRegion{node: node.Left, L: r.L, level: r.level + 1, tag: r.tag << 1},
			pendingRegion{node: node.Right, L: midpt, level: r.level + 1, tag: r.tag<<1 | 1},
		)
	}
	return failure
}

// divideRegion splits a region in two halves with the same number of points
// and returns the global position of the first point of the upper half. It
// returns false when the region is not split, or when the calling rank
// holds none of its points.
func (d *divider) divideRegion(ctx context.Context, id kdtree.NodeID, L, level, tag int) (int, bool, error) {
	n := d.tree.Node(id)
	numPoints := n.NumPoints
	if !d.params.DivideTest(numPoints, level) {
		return 0, false, nil
	}

	R := L + numPoints - 1

	if numPoints < 2 {
		return d.divideTinyRegion(id, L)
	}

	p1 := d.index.WhoHas(L)
	p2 := d.index.WhoHas(R)
	if d.me < p1 || d.me > p2 {
		return 0, false, nil
	}

	start := time.Now()

	group, err := subgroup.New(d.t, p1, p2, tag)
	if err != nil {
		return 0, false, err
	}
	sc := &selectContext{divider: d, group: group}

	maxdim := d.params.SelectCutDirection(n.DataBounds)
	dim := maxdim

	midpt, err := sc.Select(ctx, dim, L, R)
	if err != nil {
		return 0, false, err
	}

	if midpt < L+1 {
		// The median along maxdim is also its minimum.
		for _, other := range d.params.OtherDirections(maxdim) {
			if midpt, err = sc.Select(ctx, other, L, R); err != nil {
				return 0, false, err
			}
			if midpt >= L+1 {
				dim = other
				break
			}
		}
	}

	if midpt < L+1 {
		// No axis separates the points: split them by count.
		dim = maxdim
		midpt = (L+R)/2 + 1

		logs.WithTag("tag", tag).
			WithTag("points", numPoints).
			Debug("dividing coincident points")
	}

	covered := d.shard.covers(max(L, d.shard.start), min(R, d.shard.end()))
	failed, err := group.AllCheckForFailure(ctx, !covered, "divideRegion", "point buffer check")
	if err != nil {
		return 0, false, err
	}
	if failed {
		return 0, false, errors.New("dividing region failed").
			WithType(ErrTypeBuildFailed).
			WithTag("tag", tag).
			WithTag("level", level)
	}

	leftData, rightData, err := sc.dataBounds(ctx, L, midpt, R)
	if err != nil {
		return 0, false, err
	}

	coord := (leftData.Hi(dim) + rightData.Lo(dim)) / 2
	left, right := d.tree.Split(id, dim, coord)

	ln := d.tree.Node(left)
	ln.NumPoints = midpt - L
	ln.DataBounds = leftData

	rn := d.tree.Node(right)
	rn.NumPoints = R - midpt + 1
	rn.DataBounds = rightData

	instrumentDivide(level, start)
	return midpt, true, nil
}

// divideTinyRegion splits a region holding at most one point. Only the rank
// holding position L does it; the left half gets the point.
func (d *divider) divideTinyRegion(id kdtree.NodeID, L int) (int, bool, error) {
	if d.index.WhoHas(L) != d.me {
		return 0, false, nil
	}

	n := d.tree.Node(id)
	numPoints := n.NumPoints
	dim := d.params.SelectCutDirection(n.DataBounds)
	bounds := n.Bounds
	data := n.DataBounds

	coord := (bounds.Lo(dim) + bounds.Hi(dim)) / 2
	if numPoints == 1 {
		v := d.shard.val(L)
		coord = float64(v[dim])
		data = kdtree.NewBox(float64(v[0]), float64(v[0]), float64(v[1]), float64(v[1]), float64(v[2]), float64(v[2]))
	}

	left, right := d.tree.Split(id, dim, coord)

	ln := d.tree.Node(left)
	ln.NumPoints = numPoints
	ln.DataBounds = data

	rn := d.tree.Node(right)
	rn.NumPoints = 0
	rn.DataBounds = data

	return L, true, nil
}
