package kdtree

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

func (t *Tree) box(id NodeID, useData bool) Box {
	if useData {
		return t.nodes[id].DataBounds
	}
	return t.nodes[id].Bounds
}

// ContainsPoint reports whether p is inside the node. Boxes are open below
// and closed above so a point on a split plane has a single owner.
func (t *Tree) ContainsPoint(id NodeID, p r3.Vec, useData bool) bool {
	b := t.box(id, useData)
	return b.Min.X < p.X && p.X <= b.Max.X &&
		b.Min.Y < p.Y && p.Y <= b.Max.Y &&
		b.Min.Z < p.Z && p.Z <= b.Max.Z
}

// IntersectsBox reports whether the node overlaps q.
func (t *Tree) IntersectsBox(id NodeID, q Box, useData bool) bool {
	b := t.box(id, useData)
	for dim := XDim; dim <= ZDim; dim++ {
		if b.Lo(dim) >= q.Hi(dim) || b.Hi(dim) < q.Lo(dim) {
			return false
		}
	}
	return true
}

// ContainsBox reports whether q lies inside the node.
func (t *Tree) ContainsBox(id NodeID, q Box, useData bool) bool {
	b := t.box(id, useData)
	for dim := XDim; dim <= ZDim; dim++ {
		if b.Lo(dim) >= q.Lo(dim) || b.Hi(dim) < q.Hi(dim) {
			return false
		}
	}
	return true
}

// Distance2ToBoundary returns the squared distance from p to the closest
// face of the node. For an outside point that is the distance to the box.
func (t *Tree) Distance2ToBoundary(id NodeID, p r3.Vec, useData bool) float64 {
	b := t.box(id, useData)

	if b.ContainsClosed(p) {
		d := math.Inf(1)
		for dim := XDim; dim <= ZDim; dim++ {
			x := Component(p, dim)
			d = math.Min(d, math.Min(x-b.Lo(dim), b.Hi(dim)-x))
		}
		return d * d
	}

	var d2 float64
	for dim := XDim; dim <= ZDim; dim++ {
		x := Component(p, dim)
		switch {
		case x < b.Lo(dim):
			d2 += (b.Lo(dim) - x) * (b.Lo(dim) - x)
		case x > b.Hi(dim):
			d2 += (x - b.Hi(dim)) * (x - b.Hi(dim))
		}
	}
	return d2
}

// IntersectsSphere2 reports whether the sphere of squared radius r2 around
// center reaches into the node.
func (t *Tree) IntersectsSphere2(id NodeID, center r3.Vec, r2 float64, useData bool) bool {
	if t.ContainsPoint(id, center, useData) {
		return true
	}
	return t.Distance2ToBoundary(id, center, useData) < r2
}

// IntersectsCell reports whether cell reaches into the node. cellRegion is
// the region known to hold the cell, -1 when unknown.
func (t *Tree) IntersectsCell(id NodeID, cell Cell, cellRegion int, useData bool) bool {
	n := &t.nodes[id]
	if !useData && cellRegion >= 0 && cellRegion >= n.MinID && cellRegion <= n.MaxID {
		return true
	}

	cb := cell.Bounds()
	if !t.IntersectsBox(id, cb, useData) {
		return false
	}
	if t.ContainsBox(id, cb, useData) {
		return true
	}

	for _, p := range cell.Points {
		if t.ContainsPoint(id, p, useData) {
			return true
		}
	}

	return cell.intersects(t.box(id, useData))
}
