package pkdtree

import (
	"slices"

	"github.com/aukilabs/kdpart/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// GetProcessAssignedToRegion returns the process responsible for a region.
func (l *Locator) GetProcessAssignedToRegion(regionID int) (int, error) {
	a, err := l.assigned()
	if err != nil {
		return -1, err
	}
	return a.GetProcessAssignedToRegion(regionID)
}

// GetRegionAssignmentList returns the regions a process is responsible
// for.
func (l *Locator) GetRegionAssignmentList(proc int) ([]int, error) {
	a, err := l.assigned()
	if err != nil {
		return nil, err
	}
	return a.GetRegionAssignmentList(proc)
}

// ViewOrderAllProcessesInDirection returns the processes, front to back
// when looking along dir. Each process is listed where its first region
// shows up, which orders processes properly when they were assigned
// contiguous regions.
func (l *Locator) ViewOrderAllProcessesInDirection(dir r3.Vec) ([]int, error) {
	regions, err := l.ViewOrderAllRegionsInDirection(dir)
	if err != nil {
		return nil, err
	}
	return l.processOrder(regions)
}

// ViewOrderAllProcessesFromPosition returns the processes, nearest first
// when looking from pos.
func (l *Locator) ViewOrderAllProcessesFromPosition(pos r3.Vec) ([]int, error) {
	regions, err := l.ViewOrderAllRegionsFromPosition(pos)
	if err != nil {
		return nil, err
	}
	return l.processOrder(regions)
}

func (l *Locator) processOrder(regions []int) ([]int, error) {
	a, err := l.assigned()
	if err != nil {
		return nil, err
	}

	seen := make([]bool, len(a.NumRegionsAssigned))
	procs := make([]int, 0, len(seen))
	for _, r := range regions {
		p := a.RegionAssignmentMap[r]
		if !seen[p] {
			seen[p] = true
			procs = append(procs, p)
		}
	}
	return procs, nil
}

// GetAllProcessesBorderingOnPoint returns the processes whose assigned
// space has p on its boundary.
func (l *Locator) GetAllProcessesBorderingOnPoint(p r3.Vec) ([]int, error) {
	a, err := l.assigned()
	if err != nil {
		return nil, err
	}

	var procs []int
	for proc, regions := range a.ProcessAssignmentMap {
		if len(regions) == 0 {
			continue
		}

		boxes, err := l.MinimalNumberOfConvexSubRegions(regions)
		if err != nil {
			return nil, err
		}

		if slices.ContainsFunc(boxes, func(b kdtree.Box) bool {
			return onBoundary(b, p)
		}) {
			procs = append(procs, proc)
		}
	}
	return procs, nil
}

// onBoundary reports whether p lies on a face of b.
func onBoundary(b kdtree.Box, p r3.Vec) bool {
	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		v := kdtree.Component(p, dim)
		if v != b.Lo(dim) && v != b.Hi(dim) {
			continue
		}

		inside := true
		for other := kdtree.XDim; other <= kdtree.ZDim; other++ {
			if other == dim {
				continue
			}
			w := kdtree.Component(p, other)
			if w < b.Lo(other) || w > b.Hi(other) {
				inside = false
				break
			}
		}
		if inside {
			return true
		}
	}
	return false
}
