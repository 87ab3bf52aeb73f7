package pkdtree

import (
	"context"
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/subgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// CellCounts tells how many of its points every process holds in every
// region.
type CellCounts struct {
	procs   int
	regions int

	// DataLocationMap holds, for every process then every region, whether
	// the process has points in the region.
	DataLocationMap []bool

	NumProcessesInRegion []int
	NumRegionsInProcess  []int

	// ProcessList holds, for every region, the processes having points in
	// it. CellCountList holds their point counts, in the same order.
	ProcessList   [][]int
	CellCountList [][]int

	// RegionList holds, for every process, the regions it has points in.
	RegionList [][]int
}

// NewCellCounts builds the tables from the point count of every process in
// every region, given process after process.
func NewCellCounts(counts []int, procs, regions int) (*CellCounts, error) {
	if len(counts) != procs*regions {
		return nil, errors.New("cell count table size mismatch").
			WithType(ErrTypeInvalidArgument).
			WithTag("counts", len(counts)).
			WithTag("procs", procs).
			WithTag("regions", regions)
	}

	c := &CellCounts{
		procs:                procs,
		regions:              regions,
		DataLocationMap:      make([]bool, procs*regions),
		NumProcessesInRegion: make([]int, regions),
		NumRegionsInProcess:  make([]int, procs),
		ProcessList:          make([][]int, regions),
		CellCountList:        make([][]int, regions),
		RegionList:           make([][]int, procs),
	}

	for proc := 0; proc < procs; proc++ {
		for reg := 0; reg < regions; reg++ {
			n := counts[proc*regions+reg]
			if n <= 0 {
				continue
			}

			c.DataLocationMap[proc*regions+reg] = true
			c.NumProcessesInRegion[reg]++
			c.NumRegionsInProcess[proc]++
			c.ProcessList[reg] = append(c.ProcessList[reg], proc)
			c.CellCountList[reg] = append(c.CellCountList[reg], n)
			c.RegionList[proc] = append(c.RegionList[proc], reg)
		}
	}
	return c, nil
}

// HasData reports whether a process has points in a region.
func (c *CellCounts) HasData(proc, regionID int) (bool, error) {
	if err := c.checkRegion(regionID); err != nil {
		return false, err
	}
	if err := c.checkProcess(proc); err != nil {
		return false, err
	}
	return c.DataLocationMap[proc*c.regions+regionID], nil
}

// GetTotalProcessesInRegion returns the number of processes having points
// in a region.
func (c *CellCounts) GetTotalProcessesInRegion(regionID int) (int, error) {
	if err := c.checkRegion(regionID); err != nil {
		return 0, err
	}
	return c.NumProcessesInRegion[regionID], nil
}

// GetProcessListForRegion returns the processes having points in a region.
func (c *CellCounts) GetProcessListForRegion(regionID int) ([]int, error) {
	if err := c.checkRegion(regionID); err != nil {
		return nil, err
	}
	return c.ProcessList[regionID], nil
}

// GetProcessesCellCountForRegion returns the point counts of the processes
// listed by GetProcessListForRegion.
func (c *CellCounts) GetProcessesCellCountForRegion(regionID int) ([]int, error) {
	if err := c.checkRegion(regionID); err != nil {
		return nil, err
	}
	return c.CellCountList[regionID], nil
}

// GetProcessCellCountForRegion returns the number of points a process has
// in a region.
func (c *CellCounts) GetProcessCellCountForRegion(proc, regionID int) (int, error) {
	if err := c.checkRegion(regionID); err != nil {
		return 0, err
	}
	if err := c.checkProcess(proc); err != nil {
		return 0, err
	}

	i := slices.Index(c.ProcessList[regionID], proc)
	if i < 0 {
		return 0, nil
	}
	return c.CellCountList[regionID][i], nil
}

// GetTotalRegionsForProcess returns the number of regions a process has
// points in.
func (c *CellCounts) GetTotalRegionsForProcess(proc int) (int, error) {
	if err := c.checkProcess(proc); err != nil {
		return 0, err
	}
	return c.NumRegionsInProcess[proc], nil
}

// GetRegionListForProcess returns the regions a process has points in.
func (c *CellCounts) GetRegionListForProcess(proc int) ([]int, error) {
	if err := c.checkProcess(proc); err != nil {
		return nil, err
	}
	return c.RegionList[proc], nil
}

// GetRegionsCellCountForProcess returns the point counts of a process in
// the regions listed by GetRegionListForProcess.
func (c *CellCounts) GetRegionsCellCountForProcess(proc int) ([]int, error) {
	if err := c.checkProcess(proc); err != nil {
		return nil, err
	}

	counts := make([]int, 0, len(c.RegionList[proc]))
	for _, reg := range c.RegionList[proc] {
		i := slices.Index(c.ProcessList[reg], proc)
		counts = append(counts, c.CellCountList[reg][i])
	}
	return counts, nil
}

func (c *CellCounts) checkRegion(regionID int) error {
	if regionID < 0 || regionID >= c.regions {
		return errors.New("invalid region id").
			WithType(ErrTypeInvalidArgument).
			WithTag("region_id", regionID)
	}
	return nil
}

func (c *CellCounts) checkProcess(proc int) error {
	if proc < 0 || proc >= c.procs {
		return errors.New("invalid process id").
			WithType(ErrTypeInvalidArgument).
			WithTag("process", proc)
	}
	return nil
}

// CellCounts returns the tables made by the last
// CreateProcessCellCountData, nil when there are none.
func (l *Locator) CellCounts() *CellCounts {
	return l.cellCounts
}

// CreateProcessCellCountData shares how many points every rank holds in
// every region. Every rank must call it after a build.
func (l *Locator) CreateProcessCellCountData(ctx context.Context) error {
	l.cellCounts = nil

	g, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagCellCounts)
	if err != nil {
		return err
	}

	var noTree error
	t := l.Tree()
	if t == nil {
		noTree = errors.New("decomposition is not built").WithType(ErrTypeNoTree)
	}
	if err := vote(ctx, g, noTree, ErrTypeNoTree, "createProcessCellCountData", "tree check"); err != nil {
		return err
	}

	local, countErr := l.collectLocalRegionProcessData(t)
	if err := vote(ctx, g, countErr, ErrTypeInvalidArgument, "createProcessCellCountData", "cell region lookup"); err != nil {
		return err
	}

	counts, err := subgroup.AllGather(ctx, g, local)
	if err != nil {
		return err
	}

	c, err := NewCellCounts(counts, l.transport.Size(), t.NumberOfRegions())
	if err != nil {
		return err
	}
	l.cellCounts = c
	return nil
}

// collectLocalRegionProcessData counts the local points in every region.
func (l *Locator) collectLocalRegionProcessData(t *kdtree.Tree) ([]int, error) {
	counts := make([]int, t.NumberOfRegions())

	for set, s := range l.datasets {
		for i := 0; i < s.Len(); i++ {
			reg := t.RegionContainingPoint(float32Point(s.Point(i)))
			if reg < 0 {
				logs.WithTag("rank", l.transport.Rank()).
					WithTag("set", set).
					WithTag("cell", i).
					Debug("cell outside of the decomposition")

				return nil, errors.New("cell outside of the decomposition").
					WithType(ErrTypeInvalidArgument).
					WithTag("set", set).
					WithTag("cell", i)
			}
			counts[reg]++
		}
	}
	return counts, nil
}

// CellListForProcessRegions returns the indices of the points of a local
// set lying in the regions assigned to a process.
func (l *Locator) CellListForProcessRegions(proc, set int) ([]int, error) {
	t, err := l.tree()
	if err != nil {
		return nil, err
	}
	a, err := l.assigned()
	if err != nil {
		return nil, err
	}
	if set < 0 || set >= len(l.datasets) {
		return nil, errors.New("no such data set").
			WithType(ErrTypeInvalidArgument).
			WithTag("set", set)
	}
	if _, err := a.GetRegionAssignmentList(proc); err != nil {
		return nil, err
	}

	s := l.datasets[set]
	var cells []int
	for i := 0; i < s.Len(); i++ {
		reg := t.RegionContainingPoint(float32Point(s.Point(i)))
		if reg >= 0 && a.RegionAssignmentMap[reg] == proc {
			cells = append(cells, i)
		}
	}
	return cells, nil
}

// float32Point rounds p the way build coordinates are, so that a point is
// found in the region it was sorted into.
func float32Point(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: float64(float32(p.X)),
		Y: float64(float32(p.Y)),
		Z: float64(float32(p.Z)),
	}
}
