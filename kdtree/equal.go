package kdtree

import (
	"gonum.org/v1/gonum/floats"
)

// Equal reports whether two trees have the same shape, split axes, point
// counts, region ids and bounds within tolerance.
func (t *Tree) Equal(o *Tree, tolerance float64) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.equalNode(t.root, o, o.root, tolerance)
}

func (t *Tree) equalNode(id NodeID, o *Tree, oid NodeID, tolerance float64) bool {
	a := &t.nodes[id]
	b := &o.nodes[oid]

	if a.IsLeaf() != b.IsLeaf() || a.Dim != b.Dim || a.NumPoints != b.NumPoints || a.ID != b.ID {
		return false
	}

	ab, bb := a.Bounds.Bounds(), b.Bounds.Bounds()
	if !floats.EqualApprox(ab[:], bb[:], tolerance) {
		return false
	}

	ad, bd := a.DataBounds.Bounds(), b.DataBounds.Bounds()
	if !floats.EqualApprox(ad[:], bd[:], tolerance) {
		return false
	}

	if a.IsLeaf() {
		return true
	}
	return t.equalNode(a.Left, o, b.Left, tolerance) &&
		t.equalNode(a.Right, o, b.Right, tolerance)
}
