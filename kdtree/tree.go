// Package kdtree holds the spatial partition tree shared by the serial and
// parallel builders, together with the geometric queries answered on it.
package kdtree

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeInvalidArgument = "invalid-argument"
	ErrTypeNoTree          = "no-tree"
)

// NodeID indexes a node in its tree.
type NodeID int32

// Nil is the NodeID of a missing node.
const Nil NodeID = -1

// Node is a box of space. An internal node has exactly two children split
// along Dim; the left child's upper bound along Dim is the split coordinate.
type Node struct {
	Bounds     Box
	DataBounds Box
	NumPoints  int
	Dim        int

	// ID is the region id of a leaf, -1 for internal nodes. MinID and
	// MaxID span the ids of the leaves below.
	ID    int
	MinID int
	MaxID int

	Left   NodeID
	Right  NodeID
	Parent NodeID
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return n.Left == Nil
}

// Tree is a binary space partition stored in a node arena.
type Tree struct {
	nodes   []Node
	root    NodeID
	regions []NodeID
	level   int
}

// New returns a tree made of a single root node.
func New(bounds Box) *Tree {
	t := &Tree{}
	t.root = t.add(Node{
		Bounds:     bounds,
		DataBounds: bounds,
		Parent:     Nil,
	})
	return t
}

func (t *Tree) add(n Node) NodeID {
	n.Left = Nil
	n.Right = Nil
	n.Dim = NoDim
	n.ID = -1
	n.MinID = -1
	n.MaxID = -1

	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

// Root returns the root node id.
func (t *Tree) Root() NodeID {
	return t.root
}

// Node returns the node with the given id. The pointer is invalidated by
// any call that adds nodes.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// IsLeaf reports whether the node has no children.
func (t *Tree) IsLeaf(id NodeID) bool {
	return t.nodes[id].Left == Nil
}

// Split divides a leaf along dim at coord. The children inherit the parent
// bounds, except along dim where the left child ends and the right child
// starts at coord. Data bounds are inherited unchanged and should be
// refined by the caller.
func (t *Tree) Split(id NodeID, dim int, coord float64) (NodeID, NodeID) {
	parent := t.nodes[id]

	lb := parent.Bounds
	lb.SetHi(dim, coord)
	rb := parent.Bounds
	rb.SetLo(dim, coord)

	left := t.add(Node{Bounds: lb, DataBounds: parent.DataBounds, Parent: id})
	right := t.add(Node{Bounds: rb, DataBounds: parent.DataBounds, Parent: id})

	p := &t.nodes[id]
	p.Dim = dim
	p.Left = left
	p.Right = right
	return left, right
}

// AddChildren attaches two placeholder children to a leaf: bounds at -1,
// no points and no split.
func (t *Tree) AddChildren(id NodeID) (NodeID, NodeID) {
	placeholder := Node{
		Bounds:     NewBox(-1, -1, -1, -1, -1, -1),
		DataBounds: NewBox(-1, -1, -1, -1, -1, -1),
		NumPoints:  -1,
		Parent:     id,
	}

	left := t.add(placeholder)
	right := t.add(placeholder)

	p := &t.nodes[id]
	p.Left = left
	p.Right = right
	return left, right
}

// DeleteDescendants turns a node back into a leaf. The detached nodes stay
// in the arena until the tree is compacted with Copy.
func (t *Tree) DeleteDescendants(id NodeID) {
	n := &t.nodes[id]
	if n.Left != Nil {
		t.nodes[n.Left].Parent = Nil
		t.nodes[n.Right].Parent = Nil
	}
	n.Left = Nil
	n.Right = Nil
	n.Dim = NoDim
}

// Depth returns the number of levels below id along its deepest branch.
func (t *Tree) Depth(id NodeID) int {
	n := &t.nodes[id]
	if n.Left == Nil {
		return 0
	}
	return 1 + max(t.Depth(n.Left), t.Depth(n.Right))
}

// Level returns the depth computed by the last BuildRegionList.
func (t *Tree) Level() int {
	return t.level
}

// SplitCoord returns the coordinate an internal node is divided at.
func (t *Tree) SplitCoord(id NodeID) float64 {
	n := &t.nodes[id]
	return t.nodes[n.Left].Bounds.Hi(n.Dim)
}

// Walk calls fn on every node reachable from the root in depth-first order,
// left before right.
func (t *Tree) Walk(fn func(id NodeID, n *Node)) {
	t.walk(t.root, fn)
}

func (t *Tree) walk(id NodeID, fn func(id NodeID, n *Node)) {
	fn(id, &t.nodes[id])
	if n := &t.nodes[id]; n.Left != Nil {
		left, right := n.Left, n.Right
		t.walk(left, fn)
		t.walk(right, fn)
	}
}

// Copy returns a deep copy holding only the nodes reachable from the root.
func (t *Tree) Copy() *Tree {
	c := &Tree{
		nodes: make([]Node, 0, len(t.nodes)),
		level: t.level,
	}
	c.root = c.copyFrom(t, t.root, Nil)

	if t.regions != nil {
		c.regions = make([]NodeID, 0, len(t.regions))
		c.Walk(func(id NodeID, n *Node) {
			if n.IsLeaf() {
				c.regions = append(c.regions, id)
			}
		})
		c.sortRegions()
	}
	return c
}

func (t *Tree) copyFrom(src *Tree, id NodeID, parent NodeID) NodeID {
	n := src.nodes[id]
	n.Parent = parent

	t.nodes = append(t.nodes, n)
	nid := NodeID(len(t.nodes) - 1)

	if n.Left != Nil {
		left := t.copyFrom(src, n.Left, nid)
		right := t.copyFrom(src, n.Right, nid)
		t.nodes[nid].Left = left
		t.nodes[nid].Right = right
	}
	return nid
}

// SetDataBoundsToSpatialBounds makes every node's data bounds its bounds.
func (t *Tree) SetDataBoundsToSpatialBounds() {
	t.Walk(func(_ NodeID, n *Node) {
		n.DataBounds = n.Bounds
	})
}

// ZeroNumberOfPoints resets the point count of every node.
func (t *Tree) ZeroNumberOfPoints() {
	t.Walk(func(_ NodeID, n *Node) {
		n.NumPoints = 0
	})
}

// SetNewBounds grows the tree so the root covers volume. Outer faces move
// outward; split planes stay where they are.
func (t *Tree) SetNewBounds(volume Box) error {
	root := t.nodes[t.root].Bounds
	for dim := XDim; dim <= ZDim; dim++ {
		if volume.Lo(dim) > root.Lo(dim) || volume.Hi(dim) < root.Hi(dim) {
			return errors.New("new bounds must contain the tree bounds").
				WithType(ErrTypeInvalidArgument).
				WithTag("dim", dim)
		}
	}

	var fixLo, fixHi [3]bool
	t.setNewBounds(t.root, volume, fixLo, fixHi)
	return nil
}

// setNewBounds moves the faces of id that lie on the outer boundary.
// fixLo and fixHi flag the faces that are split planes of an ancestor.
func (t *Tree) setNewBounds(id NodeID, volume Box, fixLo, fixHi [3]bool) {
	n := &t.nodes[id]
	for dim := XDim; dim <= ZDim; dim++ {
		if !fixLo[dim] {
			n.Bounds.SetLo(dim, volume.Lo(dim))
		}
		if !fixHi[dim] {
			n.Bounds.SetHi(dim, volume.Hi(dim))
		}
	}

	if n.Left == Nil {
		return
	}

	left, right, dim := n.Left, n.Right, n.Dim

	leftHi := fixHi
	leftHi[dim] = true
	t.setNewBounds(left, volume, fixLo, leftHi)

	rightLo := fixLo
	rightLo[dim] = true
	t.setNewBounds(right, volume, rightLo, fixHi)
}
