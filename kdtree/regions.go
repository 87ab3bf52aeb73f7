package kdtree

import (
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// BuildRegionList numbers the leaves 0 to N-1 in depth-first order, left
// before right, and indexes them for region queries.
func (t *Tree) BuildRegionList() {
	next := 0
	t.selfOrder(t.root, &next)

	t.regions = make([]NodeID, next)
	t.Walk(func(id NodeID, n *Node) {
		if n.IsLeaf() {
			t.regions[n.ID] = id
		}
	})
	t.level = t.Depth(t.root)
}

func (t *Tree) selfOrder(id NodeID, next *int) {
	n := &t.nodes[id]
	if n.Left == Nil {
		n.ID = *next
		n.MinID = *next
		n.MaxID = *next
		*next++
		return
	}

	left, right := n.Left, n.Right
	t.selfOrder(left, next)
	t.selfOrder(right, next)

	n = &t.nodes[id]
	n.ID = -1
	n.MinID = t.nodes[left].MinID
	n.MaxID = t.nodes[right].MaxID
}

// RegisterRegions indexes the leaves by the ids they already carry. The ids
// must be 0 to N-1 and increase in depth-first order.
func (t *Tree) RegisterRegions() error {
	var leaves []NodeID
	t.Walk(func(id NodeID, n *Node) {
		if n.IsLeaf() {
			leaves = append(leaves, id)
		}
	})

	for i, id := range leaves {
		if t.nodes[id].ID != i {
			return errors.New("region ids are not dense in depth-first order").
				WithType(ErrTypeInvalidArgument).
				WithTag("position", i).
				WithTag("id", t.nodes[id].ID)
		}
	}

	t.registerRange(t.root)
	t.regions = leaves
	t.level = t.Depth(t.root)
	return nil
}

func (t *Tree) registerRange(id NodeID) {
	n := &t.nodes[id]
	if n.Left == Nil {
		n.MinID = n.ID
		n.MaxID = n.ID
		return
	}

	left, right := n.Left, n.Right
	t.registerRange(left)
	t.registerRange(right)

	n = &t.nodes[id]
	n.ID = -1
	n.MinID = t.nodes[left].MinID
	n.MaxID = t.nodes[right].MaxID
}

func (t *Tree) sortRegions() {
	slices.SortFunc(t.regions, func(a, b NodeID) int {
		return t.nodes[a].ID - t.nodes[b].ID
	})
}

// NumberOfRegions returns the number of leaves indexed by the last
// BuildRegionList or RegisterRegions.
func (t *Tree) NumberOfRegions() int {
	return len(t.regions)
}

// Region returns the leaf with the given region id.
func (t *Tree) Region(regionID int) (NodeID, error) {
	if regionID < 0 || regionID >= len(t.regions) {
		return Nil, errors.New("invalid region id").
			WithType(ErrTypeInvalidArgument).
			WithTag("region_id", regionID).
			WithTag("regions", len(t.regions))
	}
	return t.regions[regionID], nil
}

// RegionBounds returns the spatial bounds of a region.
func (t *Tree) RegionBounds(regionID int) (Box, error) {
	id, err := t.Region(regionID)
	if err != nil {
		return Box{}, err
	}
	return t.nodes[id].Bounds, nil
}

// RegionDataBounds returns the bounds of the data inside a region.
func (t *Tree) RegionDataBounds(regionID int) (Box, error) {
	id, err := t.Region(regionID)
	if err != nil {
		return Box{}, err
	}
	return t.nodes[id].DataBounds, nil
}

// RegionContainingPoint returns the id of the region holding p, -1 when p
// is outside the tree. Points on a split plane belong to the lower side.
func (t *Tree) RegionContainingPoint(p r3.Vec) int {
	if !t.ContainsPoint(t.root, p, false) {
		return -1
	}

	id := t.root
	for !t.IsLeaf(id) {
		n := &t.nodes[id]
		if t.ContainsPoint(n.Left, p, false) {
			id = n.Left
		} else {
			id = n.Right
		}
	}
	return t.nodes[id].ID
}

// RegionsAtLevel returns the nodes at the given depth, left to right. Leaves
// above that depth are not included.
func (t *Tree) RegionsAtLevel(level int) []NodeID {
	var nodes []NodeID
	t.regionsAtLevel(t.root, level, &nodes)
	return nodes
}

func (t *Tree) regionsAtLevel(id NodeID, level int, nodes *[]NodeID) {
	if level == 0 {
		*nodes = append(*nodes, id)
		return
	}

	n := &t.nodes[id]
	if n.Left == Nil {
		return
	}
	t.regionsAtLevel(n.Left, level-1, nodes)
	t.regionsAtLevel(n.Right, level-1, nodes)
}

// LeafIDs returns the region ids of the leaves below id, in increasing order.
func (t *Tree) LeafIDs(id NodeID) []int {
	n := &t.nodes[id]
	if n.MinID < 0 {
		return nil
	}

	ids := make([]int, 0, n.MaxID-n.MinID+1)
	for i := n.MinID; i <= n.MaxID; i++ {
		ids = append(ids, i)
	}
	return ids
}
