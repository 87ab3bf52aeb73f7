package kdtree

import (
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// ViewOrderRegionsInDirection orders regions front to back for a viewer
// looking along dir. A nil list orders every region.
func (t *Tree) ViewOrderRegionsInDirection(list []int, dir r3.Vec) ([]int, error) {
	return t.viewOrder(list, func(id NodeID) bool {
		// The viewer sits on the side dir points away from.
		return -Component(dir, t.nodes[id].Dim) < 0
	})
}

// ViewOrderRegionsFromPosition orders regions front to back for a viewer
// standing at pos. A nil list orders every region.
func (t *Tree) ViewOrderRegionsFromPosition(list []int, pos r3.Vec) ([]int, error) {
	return t.viewOrder(list, func(id NodeID) bool {
		return Component(pos, t.nodes[id].Dim)-t.SplitCoord(id) < 0
	})
}

func (t *Tree) viewOrder(list []int, leftIsNear func(id NodeID) bool) ([]int, error) {
	if len(t.regions) == 0 {
		return nil, errors.New("region list not built").WithType(ErrTypeNoTree)
	}

	var wanted []int
	if list != nil {
		var err error
		if wanted, err = t.sortedRegionIDs(list); err != nil {
			return nil, err
		}
	}

	ordered := make([]int, 0, len(t.regions))
	t.viewOrderNode(t.root, wanted, list != nil, leftIsNear, &ordered)
	return ordered, nil
}

func (t *Tree) viewOrderNode(id NodeID, wanted []int, filter bool, leftIsNear func(NodeID) bool, ordered *[]int) {
	n := &t.nodes[id]
	if filter && !anyInRange(wanted, n.MinID, n.MaxID) {
		return
	}

	if n.Left == Nil {
		*ordered = append(*ordered, n.ID)
		return
	}

	near, far := n.Left, n.Right
	if !leftIsNear(id) {
		near, far = far, near
	}

	t.viewOrderNode(near, wanted, filter, leftIsNear, ordered)
	t.viewOrderNode(far, wanted, filter, leftIsNear, ordered)
}

// MinimalNumberOfConvexSubRegions returns the fewest tree nodes whose union
// is exactly the union of the given regions, as boxes.
func (t *Tree) MinimalNumberOfConvexSubRegions(regionIDs []int) ([]Box, error) {
	ids, err := t.sortedRegionIDs(regionIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if len(ids) == len(t.regions) {
		return []Box{t.nodes[t.root].Bounds}, nil
	}

	var boxes []Box
	t.convexSubRegions(t.root, ids, &boxes)
	return boxes, nil
}

// convexSubRegions emits the largest subtrees fully covered by ids, which
// are sorted and all within the node's id range.
func (t *Tree) convexSubRegions(id NodeID, ids []int, boxes *[]Box) {
	n := &t.nodes[id]
	if len(ids) == n.MaxID-n.MinID+1 {
		*boxes = append(*boxes, n.Bounds)
		return
	}

	left, right := n.Left, n.Right
	split, _ := slices.BinarySearch(ids, t.nodes[right].MinID)

	if split > 0 {
		t.convexSubRegions(left, ids[:split], boxes)
	}
	if split < len(ids) {
		t.convexSubRegions(right, ids[split:], boxes)
	}
}

func (t *Tree) sortedRegionIDs(list []int) ([]int, error) {
	ids := slices.Clone(list)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	for _, id := range ids {
		if id < 0 || id >= len(t.regions) {
			return nil, errors.New("invalid region id").
				WithType(ErrTypeInvalidArgument).
				WithTag("region_id", id).
				WithTag("regions", len(t.regions))
		}
	}
	return ids, nil
}

func anyInRange(sorted []int, lo, hi int) bool {
	i, _ := slices.BinarySearch(sorted, lo)
	return i < len(sorted) && sorted[i] <= hi
}
