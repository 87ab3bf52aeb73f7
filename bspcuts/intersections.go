package bspcuts

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	ErrTypeNoCuts = "no-cuts"
)

// Intersections answers which regions of a partition a box, a sphere or a
// cell reaches into.
//
// Single-region tests check one region. Multi-region queries descend from
// the root and skip the subtrees the query misses.
type Intersections struct {
	cuts          *Cuts
	useDataBounds bool

	builtStamp uint64
	regions    int
	visited    int
}

// NewIntersections returns a query layer over c.
func NewIntersections(c *Cuts) *Intersections {
	return &Intersections{cuts: c}
}

// SetCuts changes the partition the queries run on.
func (x *Intersections) SetCuts(c *Cuts) {
	x.cuts = c
	x.builtStamp = 0
}

// Cuts returns the partition the queries run on.
func (x *Intersections) Cuts() *Cuts {
	return x.cuts
}

// SetComputeIntersectionsUsingDataBounds makes queries test against the
// bounds of the data inside regions instead of their spatial bounds.
func (x *Intersections) SetComputeIntersectionsUsingDataBounds(v bool) {
	x.useDataBounds = v
}

func (x *Intersections) ComputeIntersectionsUsingDataBounds() bool {
	return x.useDataBounds
}

// NodesVisited returns the number of nodes tested by the last
// multi-region query.
func (x *Intersections) NodesVisited() int {
	return x.visited
}

// tree returns the partition tree, refreshing the region table when the
// cuts changed since the last query.
func (x *Intersections) tree() (*kdtree.Tree, error) {
	if x.cuts == nil || x.cuts.Tree() == nil {
		return nil, errors.New("no cuts defined").WithType(ErrTypeNoCuts)
	}

	if x.builtStamp != x.cuts.Stamp() {
		x.regions = x.cuts.Tree().NumberOfRegions()
		x.builtStamp = x.cuts.Stamp()
	}
	return x.cuts.Tree(), nil
}

// NumberOfRegions returns the number of regions of the partition.
func (x *Intersections) NumberOfRegions() int {
	if _, err := x.tree(); err != nil {
		return 0
	}
	return x.regions
}

// Bounds returns the bounds of the whole partition.
func (x *Intersections) Bounds() (kdtree.Box, error) {
	t, err := x.tree()
	if err != nil {
		return kdtree.Box{}, err
	}
	return t.Node(t.Root()).Bounds, nil
}

// RegionBounds returns the spatial bounds of a region.
func (x *Intersections) RegionBounds(regionID int) (kdtree.Box, error) {
	t, err := x.tree()
	if err != nil {
		return kdtree.Box{}, err
	}
	return t.RegionBounds(regionID)
}

// RegionDataBounds returns the bounds of the data inside a region.
func (x *Intersections) RegionDataBounds(regionID int) (kdtree.Box, error) {
	t, err := x.tree()
	if err != nil {
		return kdtree.Box{}, err
	}
	return t.RegionDataBounds(regionID)
}

func (x *Intersections) region(regionID int) (*kdtree.Tree, kdtree.NodeID, error) {
	t, err := x.tree()
	if err != nil {
		return nil, kdtree.Nil, err
	}

	id, err := t.Region(regionID)
	return t, id, err
}

// IntersectsBox reports whether a region overlaps box.
func (x *Intersections) IntersectsBox(regionID int, box kdtree.Box) (bool, error) {
	t, id, err := x.region(regionID)
	if err != nil {
		return false, err
	}
	return t.IntersectsBox(id, box, x.useDataBounds), nil
}

// IntersectsSphere2 reports whether a region is reached by the sphere of
// squared radius r2 around center.
func (x *Intersections) IntersectsSphere2(regionID int, center r3.Vec, r2 float64) (bool, error) {
	t, id, err := x.region(regionID)
	if err != nil {
		return false, err
	}
	return t.IntersectsSphere2(id, center, r2, x.useDataBounds), nil
}

// IntersectsCell reports whether a region is reached by cell. cellRegion is
// the region known to hold the cell, -1 when unknown.
func (x *Intersections) IntersectsCell(regionID int, cell kdtree.Cell, cellRegion int) (bool, error) {
	t, id, err := x.region(regionID)
	if err != nil {
		return false, err
	}
	return t.IntersectsCell(id, cell, cellRegion, x.useDataBounds), nil
}

// IntersectingRegionsBox returns the ids of the regions overlapping box.
func (x *Intersections) IntersectingRegionsBox(box kdtree.Box) ([]int, error) {
	return x.collect(func(t *kdtree.Tree, id kdtree.NodeID) bool {
		return t.IntersectsBox(id, box, x.useDataBounds)
	})
}

// IntersectingRegionsSphere2 returns the ids of the regions reached by the
// sphere of squared radius r2 around center.
func (x *Intersections) IntersectingRegionsSphere2(center r3.Vec, r2 float64) ([]int, error) {
	return x.collect(func(t *kdtree.Tree, id kdtree.NodeID) bool {
		return t.IntersectsSphere2(id, center, r2, x.useDataBounds)
	})
}

// IntersectingRegionsCell returns the ids of the regions reached by cell.
func (x *Intersections) IntersectingRegionsCell(cell kdtree.Cell, cellRegion int) ([]int, error) {
	return x.collect(func(t *kdtree.Tree, id kdtree.NodeID) bool {
		return t.IntersectsCell(id, cell, cellRegion, x.useDataBounds)
	})
}

func (x *Intersections) collect(hit func(t *kdtree.Tree, id kdtree.NodeID) bool) ([]int, error) {
	t, err := x.tree()
	if err != nil {
		return nil, err
	}

	x.visited = 0
	ids := []int{}

	var visit func(id kdtree.NodeID)
	visit = func(id kdtree.NodeID) {
		x.visited++
		if !hit(t, id) {
			return
		}

		n := t.Node(id)
		if n.IsLeaf() {
			ids = append(ids, n.ID)
			return
		}
		visit(n.Left)
		visit(n.Right)
	}

	visit(t.Root())
	return ids, nil
}
