// Package bspcuts describes a spatial partition as a flat set of cuts that
// can be shipped between processes, and answers intersection queries on it.
package bspcuts

import (
	"sync/atomic"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/kdtree"
	"gonum.org/v1/gonum/floats"
)

const (
	ErrTypeInvalidCuts = "invalid-cuts"
)

var stamps atomic.Uint64

// Arrays is the flat form of a partition. There is one slot per tree node
// in depth-first order, left before right. An internal node stores its cut
// axis, the cut coordinate, the slots of its children and the inner data
// bounds of its children along the cut axis. A leaf stores Dim -1 and the
// negated region id in Lower and Upper.
type Arrays struct {
	Bounds         [6]float64 `json:"bounds"`
	Dim            []int      `json:"dim"`
	Coord          []float64  `json:"coord"`
	Lower          []int      `json:"lower"`
	Upper          []int      `json:"upper"`
	LowerDataCoord []float64  `json:"lower_data_coord"`
	UpperDataCoord []float64  `json:"upper_data_coord"`
	NumPoints      []int      `json:"npoints"`
}

// NumberOfCuts returns the number of slots.
func (a Arrays) NumberOfCuts() int {
	return len(a.Dim)
}

func (a Arrays) validate() error {
	n := len(a.Dim)
	if len(a.Coord) != n || len(a.Lower) != n || len(a.Upper) != n ||
		!optionalLen(len(a.LowerDataCoord), n) ||
		!optionalLen(len(a.UpperDataCoord), n) ||
		!optionalLen(len(a.NumPoints), n) {
		return errors.New("cut arrays have different lengths").
			WithType(ErrTypeInvalidCuts).
			WithTag("number_of_cuts", n)
	}
	if n == 0 {
		return errors.New("no cuts").WithType(ErrTypeInvalidCuts)
	}
	return nil
}

// Data coordinates and point counts may be left out.
func optionalLen(l, n int) bool {
	return l == 0 || l == n
}

func (a Arrays) hasDataCoords() bool {
	return len(a.LowerDataCoord) != 0 && len(a.UpperDataCoord) != 0
}

func (a Arrays) numPoints(slot int) int {
	if len(a.NumPoints) == 0 {
		return 0
	}
	return a.NumPoints[slot]
}

// Equal reports whether both arrays describe the same partition, comparing
// coordinates within tolerance.
func (a Arrays) Equal(b Arrays, tolerance float64) bool {
	if len(a.Dim) != len(b.Dim) || len(a.Coord) != len(b.Coord) {
		return false
	}

	if !floats.EqualApprox(a.Bounds[:], b.Bounds[:], tolerance) ||
		!floats.EqualApprox(a.Coord, b.Coord, tolerance) ||
		!floats.EqualApprox(a.LowerDataCoord, b.LowerDataCoord, tolerance) ||
		!floats.EqualApprox(a.UpperDataCoord, b.UpperDataCoord, tolerance) {
		return false
	}

	return equalInts(a.Dim, b.Dim) &&
		equalInts(a.Lower, b.Lower) &&
		equalInts(a.Upper, b.Upper) &&
		equalInts(a.NumPoints, b.NumPoints)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Cuts is a partition in both its tree and its flat form.
type Cuts struct {
	top    *kdtree.Tree
	arrays Arrays
	stamp  uint64
}

// FromTree copies a built tree into a new set of cuts. The leaves are
// renumbered in depth-first order.
func FromTree(t *kdtree.Tree) *Cuts {
	c := &Cuts{}
	c.CreateCuts(t)
	return c
}

// FromArrays builds the tree described by flat cut arrays.
func FromArrays(a Arrays) (*Cuts, error) {
	c := &Cuts{}
	if err := c.CreateCutsFromArrays(a); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCuts replaces the partition with a copy of t.
func (c *Cuts) CreateCuts(t *kdtree.Tree) {
	top := t.Copy()
	top.BuildRegionList()

	c.top = top
	c.arrays = flatten(top)
	c.stamp = stamps.Add(1)
}

// CreateCutsFromArrays replaces the partition with the one described by a.
func (c *Cuts) CreateCutsFromArrays(a Arrays) error {
	if err := a.validate(); err != nil {
		return err
	}

	top := kdtree.New(kdtree.BoxFromBounds(a.Bounds))
	top.Node(top.Root()).NumPoints = a.numPoints(0)

	visited := make([]bool, len(a.Dim))
	if err := buildNode(top, top.Root(), a, 0, visited); err != nil {
		return err
	}
	if err := top.RegisterRegions(); err != nil {
		return err
	}

	c.top = top
	c.arrays = flatten(top)
	c.stamp = stamps.Add(1)
	return nil
}

func buildNode(t *kdtree.Tree, id kdtree.NodeID, a Arrays, slot int, visited []bool) error {
	if slot >= len(a.Dim) || visited[slot] {
		return errors.New("cut arrays do not describe a tree").
			WithType(ErrTypeInvalidCuts).
			WithTag("slot", slot)
	}
	visited[slot] = true

	dim := a.Dim[slot]
	if dim < 0 {
		t.Node(id).ID = -a.Lower[slot]
		return nil
	}
	if dim > kdtree.ZDim {
		return errors.New("invalid cut axis").
			WithType(ErrTypeInvalidCuts).
			WithTag("slot", slot).
			WithTag("dim", dim)
	}

	parentData := t.Node(id).DataBounds
	left, right := t.Split(id, dim, a.Coord[slot])

	ln := t.Node(left)
	rn := t.Node(right)
	if a.hasDataCoords() {
		ln.DataBounds = parentData
		ln.DataBounds.SetHi(dim, a.LowerDataCoord[slot])

		rn.DataBounds = parentData
		rn.DataBounds.SetLo(dim, a.UpperDataCoord[slot])
	} else {
		ln.DataBounds = ln.Bounds
		rn.DataBounds = rn.Bounds
	}

	ls, rs := a.Lower[slot], a.Upper[slot]
	if ls <= slot || rs <= slot || ls >= len(a.Dim) || rs >= len(a.Dim) {
		return errors.New("cut child slots out of range").
			WithType(ErrTypeInvalidCuts).
			WithTag("slot", slot)
	}
	t.Node(left).NumPoints = a.numPoints(ls)
	t.Node(right).NumPoints = a.numPoints(rs)

	if err := buildNode(t, left, a, ls, visited); err != nil {
		return err
	}
	return buildNode(t, right, a, rs, visited)
}

func flatten(t *kdtree.Tree) Arrays {
	var a Arrays
	a.Bounds = t.Node(t.Root()).Bounds.Bounds()
	writeNode(t, t.Root(), &a)
	return a
}

func writeNode(t *kdtree.Tree, id kdtree.NodeID, a *Arrays) {
	slot := len(a.Dim)
	n := t.Node(id)

	a.Dim = append(a.Dim, -1)
	a.Coord = append(a.Coord, 0)
	a.Lower = append(a.Lower, -n.ID)
	a.Upper = append(a.Upper, -n.ID)
	a.LowerDataCoord = append(a.LowerDataCoord, 0)
	a.UpperDataCoord = append(a.UpperDataCoord, 0)
	a.NumPoints = append(a.NumPoints, n.NumPoints)

	if n.IsLeaf() {
		return
	}

	dim, left, right := n.Dim, n.Left, n.Right
	a.Dim[slot] = dim
	a.Coord[slot] = t.SplitCoord(id)
	a.LowerDataCoord[slot] = t.Node(left).DataBounds.Hi(dim)
	a.UpperDataCoord[slot] = t.Node(right).DataBounds.Lo(dim)

	a.Lower[slot] = len(a.Dim)
	writeNode(t, left, a)
	a.Upper[slot] = len(a.Dim)
	writeNode(t, right, a)
}

// Tree returns the partition tree. It must not be modified.
func (c *Cuts) Tree() *kdtree.Tree {
	return c.top
}

// Arrays returns the flat form of the partition.
func (c *Cuts) Arrays() Arrays {
	return c.arrays
}

// NumberOfCuts returns the number of slots of the flat form.
func (c *Cuts) NumberOfCuts() int {
	return c.arrays.NumberOfCuts()
}

// Stamp changes every time the partition is replaced.
func (c *Cuts) Stamp() uint64 {
	return c.stamp
}

// Equals compares the flat forms of two partitions.
func (c *Cuts) Equals(o *Cuts, tolerance float64) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.arrays.Equal(o.arrays, tolerance)
}
