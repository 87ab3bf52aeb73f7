package pkdtree

import (
	"math/bits"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/kdtree"
)

// AssignmentPolicy decides which process is responsible for each region.
type AssignmentPolicy int

const (
	NoAssignment AssignmentPolicy = iota
	ContiguousAssignment
	RoundRobinAssignment
	UserDefinedAssignment
)

func (p AssignmentPolicy) String() string {
	switch p {
	case ContiguousAssignment:
		return "contiguous"
	case RoundRobinAssignment:
		return "round-robin"
	case UserDefinedAssignment:
		return "user-defined"
	default:
		return "none"
	}
}

// ParseAssignmentPolicy returns the policy with the given name.
func ParseAssignmentPolicy(s string) (AssignmentPolicy, error) {
	for _, p := range []AssignmentPolicy{NoAssignment, ContiguousAssignment, RoundRobinAssignment, UserDefinedAssignment} {
		if p.String() == s {
			return p, nil
		}
	}
	return NoAssignment, errors.New("unknown assignment policy").
		WithType(ErrTypeInvalidArgument).
		WithTag("policy", s)
}

// Assignment maps every region to one process and every process to the
// regions it is responsible for.
type Assignment struct {
	Policy AssignmentPolicy

	// RegionAssignmentMap holds the process of every region.
	RegionAssignmentMap []int

	// ProcessAssignmentMap holds the regions of every process, in
	// increasing order.
	ProcessAssignmentMap [][]int

	NumRegionsAssigned []int
}

func newAssignment(policy AssignmentPolicy, regions, procs int) *Assignment {
	return &Assignment{
		Policy:               policy,
		RegionAssignmentMap:  make([]int, regions),
		ProcessAssignmentMap: make([][]int, procs),
		NumRegionsAssigned:   make([]int, procs),
	}
}

func (a *Assignment) assign(region, proc int) {
	a.RegionAssignmentMap[region] = proc
	a.NumRegionsAssigned[proc]++
}

func (a *Assignment) buildRegionListsForProcesses() {
	for p, n := range a.NumRegionsAssigned {
		a.ProcessAssignmentMap[p] = make([]int, 0, n)
	}
	for r, p := range a.RegionAssignmentMap {
		a.ProcessAssignmentMap[p] = append(a.ProcessAssignmentMap[p], r)
	}
}

// AssignRegionsRoundRobin gives region i to process i mod procs.
func AssignRegionsRoundRobin(t *kdtree.Tree, procs int) *Assignment {
	a := newAssignment(RoundRobinAssignment, t.NumberOfRegions(), procs)
	for r := range a.RegionAssignmentMap {
		a.assign(r, r%procs)
	}
	a.buildRegionListsForProcesses()
	return a
}

// AssignRegions applies a user map giving the process of every region.
func AssignRegions(t *kdtree.Tree, procs int, regionMap []int) (*Assignment, error) {
	if len(regionMap) != t.NumberOfRegions() {
		return nil, errors.New("region map length does not match the number of regions").
			WithType(ErrTypeInvalidArgument).
			WithTag("length", len(regionMap)).
			WithTag("regions", t.NumberOfRegions())
	}

	a := newAssignment(UserDefinedAssignment, len(regionMap), procs)
	for r, p := range regionMap {
		if p < 0 || p >= procs {
			return nil, errors.New("invalid process id in region map").
				WithType(ErrTypeInvalidArgument).
				WithTag("region_id", r).
				WithTag("process", p)
		}
		a.assign(r, p)
	}
	a.buildRegionListsForProcesses()
	return a, nil
}

// AssignRegionsContiguous gives every process the leaves of one subtree, so
// that the union of a process' regions is box shaped. When procs is not a
// power of two, some subtrees are shared between the two processes of
// their children. A tree that is not deep enough falls back to round
// robin.
func AssignRegionsContiguous(t *kdtree.Tree, procs int) *Assignment {
	regions := t.NumberOfRegions()
	if regions <= procs {
		a := AssignRegionsRoundRobin(t, procs)
		a.Policy = ContiguousAssignment
		return a
	}

	floorLogP := bits.Len(uint(procs)) - 1
	P := 1 << floorLogP

	nodes := t.RegionsAtLevel(floorLogP)
	if !contiguousFits(t, nodes, P, procs) {
		logs.WithTag("procs", procs).
			WithTag("regions", regions).
			Warn("tree is not deep enough for a contiguous assignment, using round robin")
		a := AssignRegionsRoundRobin(t, procs)
		a.Policy = ContiguousAssignment
		return a
	}

	a := newAssignment(ContiguousAssignment, regions, procs)
	addProcessRegions := func(proc int, id kdtree.NodeID) {
		for _, r := range t.LeafIDs(id) {
			a.assign(r, proc)
		}
	}

	if P == procs {
		for p := 0; p < procs; p++ {
			addProcessRegions(p, nodes[p])
		}
	} else {
		nodesLeft := 2 * P
		procsLeft := procs
		proc := 0

		for _, id := range nodes {
			if nodesLeft > procsLeft {
				addProcessRegions(proc, id)
				procsLeft--
				proc++
			} else {
				n := t.Node(id)
				addProcessRegions(proc, n.Left)
				addProcessRegions(proc+1, n.Right)
				procsLeft -= 2
				proc += 2
			}
			nodesLeft -= 2
		}
	}

	a.buildRegionListsForProcesses()
	return a
}

// contiguousFits reports whether the nodes at level floor(log2(procs)) are
// all present, and split when a process pair needs their children.
func contiguousFits(t *kdtree.Tree, nodes []kdtree.NodeID, P, procs int) bool {
	if len(nodes) != P {
		return false
	}
	if P == procs {
		return true
	}

	nodesLeft := 2 * P
	procsLeft := procs
	for _, id := range nodes {
		if nodesLeft > procsLeft {
			procsLeft--
		} else {
			if t.IsLeaf(id) {
				return false
			}
			procsLeft -= 2
		}
		nodesLeft -= 2
	}
	return true
}

// GetProcessAssignedToRegion returns the process responsible for a region.
func (a *Assignment) GetProcessAssignedToRegion(regionID int) (int, error) {
	if regionID < 0 || regionID >= len(a.RegionAssignmentMap) {
		return -1, errors.New("invalid region id").
			WithType(ErrTypeInvalidArgument).
			WithTag("region_id", regionID)
	}
	return a.RegionAssignmentMap[regionID], nil
}

// GetRegionAssignmentList returns the regions a process is responsible for.
func (a *Assignment) GetRegionAssignmentList(proc int) ([]int, error) {
	if proc < 0 || proc >= len(a.ProcessAssignmentMap) {
		return nil, errors.New("invalid process id").
			WithType(ErrTypeInvalidArgument).
			WithTag("process", proc)
	}
	return a.ProcessAssignmentMap[proc], nil
}

// HasRegion reports whether a process is responsible for a region.
func (a *Assignment) HasRegion(proc, regionID int) bool {
	p, err := a.GetProcessAssignedToRegion(regionID)
	return err == nil && p == proc
}
