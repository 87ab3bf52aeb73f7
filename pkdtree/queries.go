package pkdtree

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/bspcuts"
	"github.com/aukilabs/kdpart/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// Tree returns the decomposition tree, nil before a successful build. It
// must not be modified.
func (l *Locator) Tree() *kdtree.Tree {
	if l.cuts == nil {
		return nil
	}
	return l.cuts.Tree()
}

// Cuts returns the decomposition in its flat form, nil before a
// successful build.
func (l *Locator) Cuts() *bspcuts.Cuts {
	return l.cuts
}

// Intersections returns the region query layer over the decomposition.
func (l *Locator) Intersections() *bspcuts.Intersections {
	return l.intersections
}

func (l *Locator) NumberOfRegions() int {
	if t := l.Tree(); t != nil {
		return t.NumberOfRegions()
	}
	return 0
}

// Level returns the depth of the tree.
func (l *Locator) Level() int {
	if t := l.Tree(); t != nil {
		return t.Level()
	}
	return 0
}

// FudgeFactor returns the distance the outer faces of the tree were pushed
// out by.
func (l *Locator) FudgeFactor() float64 {
	return l.fudgeFactor
}

// TotalNumberOfCells returns the number of points over all ranks used by
// the last build. It is zero when the build used user cuts.
func (l *Locator) TotalNumberOfCells() int {
	return l.totalNumCells
}

// BuiltAt returns when the tree was last built.
func (l *Locator) BuiltAt() time.Time {
	return l.builtAt
}

// Assignment returns the region assignment, nil when none applies.
func (l *Locator) Assignment() *Assignment {
	return l.assignment
}

func (l *Locator) tree() (*kdtree.Tree, error) {
	t := l.Tree()
	if t == nil {
		return nil, errors.New("decomposition is not built").
			WithType(ErrTypeNoTree)
	}
	return t, nil
}

func (l *Locator) assigned() (*Assignment, error) {
	if l.assignment == nil {
		return nil, errors.New("regions are not assigned").
			WithType(ErrTypeNoTree).
			WithTag("policy", l.opts.Assignment.String())
	}
	return l.assignment, nil
}

// Bounds returns the bounds of the whole decomposition.
func (l *Locator) Bounds() (kdtree.Box, error) {
	return l.intersections.Bounds()
}

func (l *Locator) RegionBounds(regionID int) (kdtree.Box, error) {
	return l.intersections.RegionBounds(regionID)
}

func (l *Locator) RegionDataBounds(regionID int) (kdtree.Box, error) {
	return l.intersections.RegionDataBounds(regionID)
}

// RegionContainingPoint returns the region holding p, -1 when p is outside
// the decomposition or when there is none.
func (l *Locator) RegionContainingPoint(p r3.Vec) int {
	t := l.Tree()
	if t == nil {
		return -1
	}
	return t.RegionContainingPoint(p)
}

// RegionsAtLevel returns the region ids below each node at the given depth,
// one list per node, left to right.
func (l *Locator) RegionsAtLevel(level int) ([][]int, error) {
	t, err := l.tree()
	if err != nil {
		return nil, err
	}

	var regions [][]int
	for _, id := range t.RegionsAtLevel(level) {
		regions = append(regions, t.LeafIDs(id))
	}
	return regions, nil
}

// IntersectingRegionsBox returns the regions a box reaches into. Without a
// tree, it returns none.
func (l *Locator) IntersectingRegionsBox(box kdtree.Box) []int {
	ids, _ := l.intersections.IntersectingRegionsBox(box)
	return ids
}

// IntersectingRegionsSphere2 returns the regions a sphere reaches into.
func (l *Locator) IntersectingRegionsSphere2(center r3.Vec, r2 float64) []int {
	ids, _ := l.intersections.IntersectingRegionsSphere2(center, r2)
	return ids
}

// IntersectingRegionsCell returns the regions a cell reaches into.
// cellRegion is the region known to hold the cell, or -1.
func (l *Locator) IntersectingRegionsCell(cell kdtree.Cell, cellRegion int) []int {
	ids, _ := l.intersections.IntersectingRegionsCell(cell, cellRegion)
	return ids
}

// ViewOrderAllRegionsInDirection returns every region, front to back when
// looking along dir.
func (l *Locator) ViewOrderAllRegionsInDirection(dir r3.Vec) ([]int, error) {
	t, err := l.tree()
	if err != nil {
		return nil, err
	}
	return t.ViewOrderRegionsInDirection(nil, dir)
}

// ViewOrderRegionsInDirection returns the given regions, front to back
// when looking along dir.
func (l *Locator) ViewOrderRegionsInDirection(regions []int, dir r3.Vec) ([]int, error) {
	t, err := l.tree()
	if err != nil {
		return nil, err
	}
	return t.ViewOrderRegionsInDirection(regions, dir)
}

// ViewOrderAllRegionsFromPosition returns every region, nearest first
// when looking from pos.
func (l *Locator) ViewOrderAllRegionsFromPosition(pos r3.Vec) ([]int, error) {
	t, err := l.tree()
	if err != nil {
		return nil, err
	}
	return t.ViewOrderRegionsFromPosition(nil, pos)
}

func (l *Locator) ViewOrderRegionsFromPosition(regions []int, pos r3.Vec) ([]int, error) {
	t, err := l.tree()
	if err != nil {
		return nil, err
	}
	return t.ViewOrderRegionsFromPosition(regions, pos)
}

// MinimalNumberOfConvexSubRegions returns the fewest boxes whose union is
// the union of the given regions.
func (l *Locator) MinimalNumberOfConvexSubRegions(regions []int) ([]kdtree.Box, error) {
	t, err := l.tree()
	if err != nil {
		return nil, err
	}
	return t.MinimalNumberOfConvexSubRegions(regions)
}
