package pkdtree

import (
	"context"
	"slices"
	"unsafe"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/subgroup"
)

// packedNodeSize is the number of values describing a split: its axis, the
// point counts of both children, then per axis the bounds and data bounds
// of the left and right child.
const packedNodeSize = 27

// completeTree turns the partial trees left by breadthFirstDivide into the
// same complete tree on every rank. Every rank must call it.
func (d *divider) completeTree(ctx context.Context) error {
	g, err := subgroup.New(d.t, 0, d.t.Size()-1, tagCompleteTree)
	if err != nil {
		return err
	}
	p2p, err := subgroup.New(d.t, 0, d.t.Size()-1, tagReduceData)
	if err != nil {
		return err
	}

	depth, err := subgroup.AllReduceMax(ctx, g, []int{d.tree.Depth(d.tree.Root())})
	if err != nil {
		return err
	}

	nodes := 1<<(depth[0]+1) - 1
	allocErr := checkBudget(d.budget, nodes*int(unsafe.Sizeof(kdtree.Node{})), "complete tree")
	if err := vote(ctx, g, allocErr, ErrTypeAllocation, "completeTree", "memory allocation"); err != nil {
		return err
	}

	fillOutTree(d.tree, d.tree.Root(), depth[0])

	if err := d.reduceData(ctx, g, p2p, d.tree.Root()); err != nil {
		return err
	}
	if d.me == 0 {
		checkFixRegionBoundaries(d.tree, d.tree.Root())
	}
	if err := d.broadcastData(ctx, g, d.tree.Root()); err != nil {
		return err
	}

	d.tree = d.tree.Copy()
	d.tree.BuildRegionList()

	logs.WithTag("rank", d.me).
		WithTag("depth", d.tree.Level()).
		WithTag("regions", d.tree.NumberOfRegions()).
		Debug("tree completed")
	return nil
}

// fillOutTree gives placeholder children to every leaf above the given
// number of levels, so that every rank walks the same tree shape.
func fillOutTree(t *kdtree.Tree, id kdtree.NodeID, levels int) {
	if levels == 0 {
		return
	}
	if t.IsLeaf(id) {
		t.AddChildren(id)
	}

	n := t.Node(id)
	left, right := n.Left, n.Right
	fillOutTree(t, left, levels-1)
	fillOutTree(t, right, levels-1)
}

// reduceData sends to rank 0 the splits it did not take part in. A split is
// sent by the lowest rank that did it. Nodes nobody split lose their
// placeholder children.
func (d *divider) reduceData(ctx context.Context, g, p2p *subgroup.Group, id kdtree.NodeID) error {
	n := d.tree.Node(id)
	if n.IsLeaf() {
		return nil
	}

	ihave := 0
	if n.Dim < kdtree.NoDim {
		ihave = 1
	}

	sources, err := subgroup.AllGather(ctx, g, []int{ihave})
	if err != nil {
		return err
	}

	if sources[0] == 0 {
		root := slices.Index(sources, 1)
		if root == -1 {
			d.tree.DeleteDescendants(id)
			return nil
		}

		switch d.me {
		case root:
			if err := subgroup.Send(ctx, p2p, packData(d.tree, id), 0); err != nil {
				return err
			}

		case 0:
			data, err := subgroup.Receive[float64](ctx, p2p, root)
			if err != nil {
				return err
			}
			if err := unpackData(d.tree, id, data); err != nil {
				return err
			}
		}
	}

	n = d.tree.Node(id)
	left, right := n.Left, n.Right
	if err := d.reduceData(ctx, g, p2p, left); err != nil {
		return err
	}
	return d.reduceData(ctx, g, p2p, right)
}

// broadcastData copies the splits of rank 0 to every other rank.
func (d *divider) broadcastData(ctx context.Context, g *subgroup.Group, id kdtree.NodeID) error {
	n := d.tree.Node(id)
	if n.IsLeaf() {
		return nil
	}

	data := make([]float64, packedNodeSize)
	if d.me == 0 {
		data = packData(d.tree, id)
	}

	data, err := subgroup.Broadcast(ctx, g, data, 0)
	if err != nil {
		return err
	}
	if d.me != 0 {
		if err := unpackData(d.tree, id, data); err != nil {
			return err
		}
	}

	n = d.tree.Node(id)
	left, right := n.Left, n.Right
	if err := d.broadcastData(ctx, g, left); err != nil {
		return err
	}
	return d.broadcastData(ctx, g, right)
}

func packData(t *kdtree.Tree, id kdtree.NodeID) []float64 {
	n := t.Node(id)
	l := t.Node(n.Left)
	r := t.Node(n.Right)

	data := make([]float64, 0, packedNodeSize)
	data = append(data, float64(n.Dim), float64(l.NumPoints), float64(r.NumPoints))
	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		data = append(data,
			l.Bounds.Lo(dim), l.Bounds.Hi(dim),
			l.DataBounds.Lo(dim), l.DataBounds.Hi(dim),
			r.Bounds.Lo(dim), r.Bounds.Hi(dim),
			r.DataBounds.Lo(dim), r.DataBounds.Hi(dim),
		)
	}
	return data
}

func unpackData(t *kdtree.Tree, id kdtree.NodeID, data []float64) error {
	if len(data) != packedNodeSize {
		return errors.New("unexpected node data size").
			WithType(subgroup.ErrTypeMismatch).
			WithTag("expected", packedNodeSize).
			WithTag("received", len(data))
	}

	n := t.Node(id)
	n.Dim = int(data[0])
	l := t.Node(n.Left)
	r := t.Node(n.Right)
	l.NumPoints = int(data[1])
	r.NumPoints = int(data[2])

	v := 3
	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		l.Bounds.SetLo(dim, data[v])
		l.Bounds.SetHi(dim, data[v+1])
		l.DataBounds.SetLo(dim, data[v+2])
		l.DataBounds.SetHi(dim, data[v+3])
		r.Bounds.SetLo(dim, data[v+4])
		r.Bounds.SetHi(dim, data[v+5])
		r.DataBounds.SetLo(dim, data[v+6])
		r.DataBounds.SetHi(dim, data[v+7])
		v += 8
	}
	return nil
}

// checkFixRegionBoundaries makes the faces children share with their parent
// and with each other exactly equal.
func checkFixRegionBoundaries(t *kdtree.Tree, id kdtree.NodeID) {
	n := t.Node(id)
	if n.IsLeaf() {
		return
	}

	bounds := n.Bounds
	split := n.Dim
	left, right := n.Left, n.Right
	l := &t.Node(left).Bounds
	r := &t.Node(right).Bounds

	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		l.SetLo(dim, bounds.Lo(dim))
		r.SetHi(dim, bounds.Hi(dim))

		if dim != split {
			l.SetHi(dim, bounds.Hi(dim))
			r.SetLo(dim, bounds.Lo(dim))
		} else {
			l.SetHi(dim, r.Lo(dim))
		}
	}

	checkFixRegionBoundaries(t, left)
	checkFixRegionBoundaries(t, right)
}
