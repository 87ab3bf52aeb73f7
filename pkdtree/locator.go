// Package pkdtree builds a k-d tree decomposition of points spread over the
// ranks of a transport. Every rank ends up with the same tree, and with the
// tables telling which rank is responsible for which region.
//
// Building is collective: every rank must call BuildLocator, with the same
// parameters, for the build to make progress.
package pkdtree

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/bspcuts"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/subgroup"
	"github.com/aukilabs/kdpart/transport"
	"github.com/ethereum/go-ethereum/common"
)

const numParameters = 10

// Options configure a Locator.
type Options struct {
	Params kdtree.Params

	// Assignment is the policy applied after every build. UserAssignment
	// gives the process of every region when it is UserDefinedAssignment.
	Assignment     AssignmentPolicy
	UserAssignment []int

	// The number of bytes the point buffers of a build may take. Zero
	// means no limit.
	MemoryBudget uint64

	// Makes every rank check that it built the same decomposition.
	CheckFingerprint bool

	// Makes region queries test against the bounds of the data inside
	// regions.
	UseDataBounds bool
}

// Locator is the decomposition of the points held by the ranks of a
// transport.
type Locator struct {
	transport transport.Transport
	opts      Options

	datasets []pointset.Set
	modified bool
	userCuts *bspcuts.Cuts

	cuts          *bspcuts.Cuts
	intersections *bspcuts.Intersections
	fudgeFactor   float64
	totalNumCells int
	builtAt       time.Time

	assignment  *Assignment
	cellCounts  *CellCounts
	arrayRanges map[string]ArrayRange
}

// NewLocator returns a locator for the calling rank of t.
func NewLocator(t transport.Transport, opts Options) *Locator {
	return &Locator{
		transport:     t,
		opts:          opts,
		intersections: bspcuts.NewIntersections(nil),
	}
}

// SetDatasets replaces the local point sets.
func (l *Locator) SetDatasets(sets ...pointset.Set) {
	l.datasets = sets
	l.modified = true
}

// AddDataset adds a local point set.
func (l *Locator) AddDataset(s pointset.Set) {
	l.datasets = append(l.datasets, s)
	l.modified = true
}

// Datasets returns the local point sets.
func (l *Locator) Datasets() []pointset.Set {
	return l.datasets
}

// SetCuts makes the next builds use the given partition instead of
// dividing the points. A nil partition restores the division.
func (l *Locator) SetCuts(c *bspcuts.Cuts) {
	l.userCuts = c
	l.modified = true
}

// SetParams changes the build parameters.
func (l *Locator) SetParams(p kdtree.Params) {
	l.opts.Params = p
	l.modified = true
}

// Params returns the build parameters, as agreed with rank 0 by the last
// build.
func (l *Locator) Params() kdtree.Params {
	return l.opts.Params
}

// SetAssignment changes the region assignment policy. It is applied by the
// next BuildLocator or UpdateRegionAssignment.
func (l *Locator) SetAssignment(policy AssignmentPolicy, userMap []int) {
	l.opts.Assignment = policy
	l.opts.UserAssignment = userMap
}

// Modified marks the points as changed, so that the next BuildLocator
// rebuilds the tree.
func (l *Locator) Modified() {
	l.modified = true
}

// BuildLocator builds the decomposition. Every rank must call it. The tree
// is rebuilt when any rank's points or parameters changed since the last
// build, and the region assignment is updated in any case. A failed build
// leaves the locator without a tree.
func (l *Locator) BuildLocator(ctx context.Context) error {
	start := time.Now()
	path := "parallel"
	if l.transport.Size() == 1 {
		path = "serial"
	}

	rebuilt, err := l.buildLocator(ctx)
	if err != nil {
		l.FreeSearchStructure()
		instrumentBuild(path, start, 0, err)
		return errors.New("building decomposition failed").
			WithType(errors.Type(err)).
			WithTag("rank", l.transport.Rank()).
			Wrap(err)
	}

	if rebuilt {
		instrumentBuild(path, start, l.NumberOfRegions(), nil)
		logs.WithTag("rank", l.transport.Rank()).
			WithTag("regions", l.NumberOfRegions()).
			WithTag("cells", l.totalNumCells).
			WithTag("level", l.Level()).
			WithTag("duration", time.Since(start)).
			Info("decomposition built")
	}
	return l.UpdateRegionAssignment()
}

func (l *Locator) buildLocator(ctx context.Context) (bool, error) {
	if l.transport.Size() == 1 {
		if !l.modified && l.cuts != nil {
			return false, nil
		}
		return true, l.singleProcessBuild()
	}

	g, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagRebuildVote)
	if err != nil {
		return false, err
	}

	rebuild := 0
	if l.modified || l.cuts == nil {
		rebuild = 1
	}
	votes, err := subgroup.AllReduceSum(ctx, g, []int{rebuild})
	if err != nil {
		return false, err
	}
	if votes[0] == 0 {
		return false, nil
	}

	l.FreeSearchStructure()
	l.ReleaseTables()

	if err := l.allCheckParameters(ctx); err != nil {
		return true, err
	}

	vg, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagVolumeBounds)
	if err != nil {
		return true, err
	}
	volume, fudge, err := volumeBounds(ctx, vg, l.localBounds())
	if err != nil {
		return true, err
	}

	var tree *kdtree.Tree
	if l.userCuts != nil {
		tree, err = l.processUserDefinedCuts(volume)
	} else {
		tree, err = l.multiProcessBuild(ctx, volume)
	}
	if err != nil {
		return true, err
	}

	l.setTree(tree, fudge)
	if l.opts.CheckFingerprint {
		if err := l.checkFingerprint(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (l *Locator) singleProcessBuild() error {
	l.FreeSearchStructure()
	l.ReleaseTables()

	b := l.localBounds()
	if b.IsEmpty() {
		return errors.New("no points to decompose").
			WithType(ErrTypeInvalidArgument)
	}
	volume, fudge := WidenVolume(b)

	if l.userCuts != nil {
		tree, err := l.processUserDefinedCuts(volume)
		if err != nil {
			return err
		}
		l.setTree(tree, fudge)
		return nil
	}

	centers, err := l.computeCellCenters()
	if err != nil {
		return err
	}
	l.setTree(kdtree.Build(centers, volume, l.opts.Params), fudge)
	return nil
}

func (l *Locator) multiProcessBuild(ctx context.Context, volume kdtree.Box) (*kdtree.Tree, error) {
	me := l.transport.Rank()
	g, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagBuild)
	if err != nil {
		return nil, err
	}

	centers, centersErr := l.computeCellCenters()
	if err := vote(ctx, g, centersErr, ErrTypeAllocation, "multiProcessBuild", "memory allocation"); err != nil {
		return nil, err
	}

	index, err := BuildGlobalIndex(ctx, g, len(centers)/3)
	if err != nil {
		return nil, err
	}

	shard, shardErr := newShardBuffers(centers, index.StartVal[me], l.opts.MemoryBudget)
	if err := vote(ctx, g, shardErr, ErrTypeAllocation, "multiProcessBuild", "memory allocation"); err != nil {
		return nil, err
	}

	dataBounds, err := globalBounds(ctx, g, kdtree.PointBounds(centers, 0, len(centers)/3-1))
	if err != nil {
		return nil, err
	}

	d := &divider{
		t:      l.transport,
		me:     me,
		params: l.opts.Params,
		index:  index,
		shard:  shard,
		tree:   kdtree.New(volume),
		budget: l.opts.MemoryBudget,
	}

	divideErr := d.breadthFirstDivide(ctx, volume, dataBounds)
	if divideErr != nil && !errors.IsType(divideErr, ErrTypeBuildFailed) {
		return nil, divideErr
	}

	vg, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagBuildVote)
	if err != nil {
		return nil, err
	}
	if err := vote(ctx, vg, divideErr, ErrTypeBuildFailed, "breadthFirstDivide", "dividing regions"); err != nil {
		return nil, err
	}

	if err := d.completeTree(ctx); err != nil {
		return nil, err
	}
	return d.tree, nil
}

// vote shares a local failure with every rank of g. It returns the local
// error, or an error of type remoteType standing for a remote one.
func vote(ctx context.Context, g *subgroup.Group, local error, remoteType, where, how string) error {
	failed, err := g.AllCheckForFailure(ctx, local != nil, where, how)
	if err != nil {
		return err
	}
	if !failed {
		return nil
	}
	if local != nil {
		return local
	}
	return errors.New(how + " failed on a remote rank").
		WithType(remoteType).
		WithTag("where", where)
}

// processUserDefinedCuts makes the tree of the user cuts cover volume. The
// data bounds and point counts of the cuts belong to other data and are
// reset.
func (l *Locator) processUserDefinedCuts(volume kdtree.Box) (*kdtree.Tree, error) {
	src := l.userCuts.Tree()
	if src == nil {
		return nil, errors.New("no cuts defined").
			WithType(bspcuts.ErrTypeNoCuts)
	}

	tree := src.Copy()
	bounds := tree.Node(tree.Root()).Bounds
	if err := tree.SetNewBounds(bounds.Union(volume)); err != nil {
		return nil, err
	}
	tree.SetDataBoundsToSpatialBounds()
	tree.ZeroNumberOfPoints()
	return tree, nil
}

// allCheckParameters makes every rank use the parameters of rank 0.
func (l *Locator) allCheckParameters(ctx context.Context) error {
	g, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagParameters)
	if err != nil {
		return err
	}

	p := l.opts.Params
	params := []int{
		p.ValidDirections,
		p.MinCells,
		p.NumberOfRegionsOrLess,
		p.NumberOfRegionsOrMore,
		int(l.opts.Assignment),
		p.MaxLevel,
	}
	params = append(params, make([]int, numParameters-len(params))...)

	params0, err := subgroup.Broadcast(ctx, g, params, 0)
	if err != nil {
		return err
	}

	for i := range params {
		if params[i] != params0[i] {
			logs.WithTag("rank", l.transport.Rank()).
				WithTag("params", params).
				WithTag("rank_0_params", params0).
				Warn("changing my parameters to match rank 0")

			l.opts.Params = kdtree.Params{
				ValidDirections:       params0[0],
				MinCells:              params0[1],
				NumberOfRegionsOrLess: params0[2],
				NumberOfRegionsOrMore: params0[3],
				MaxLevel:              params0[5],
			}
			l.opts.Assignment = AssignmentPolicy(params0[4])
			break
		}
	}
	return nil
}

// checkFingerprint makes sure every rank holds the same decomposition.
func (l *Locator) checkFingerprint(ctx context.Context) error {
	g, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagFingerprint)
	if err != nil {
		return err
	}

	hash := common.HexToHash(l.cuts.Fingerprint())
	words := make([]int64, common.HashLength/8)
	for i := range words {
		words[i] = int64(binary.BigEndian.Uint64(hash[8*i:]))
	}

	lo, err := subgroup.AllReduceMin(ctx, g, words)
	if err != nil {
		return err
	}
	hi, err := subgroup.AllReduceMax(ctx, g, words)
	if err != nil {
		return err
	}

	for i := range words {
		if lo[i] != hi[i] {
			return errors.New("ranks built different decompositions").
				WithType(ErrTypeClusterMismatch).
				WithTag("fingerprint", hash.Hex())
		}
	}
	return nil
}

func (l *Locator) localBounds() kdtree.Box {
	b := kdtree.EmptyBox()
	for _, s := range l.datasets {
		if s.Len() > 0 {
			b = b.Union(s.Bounds())
		}
	}
	return b
}

func (l *Locator) numberOfCells() int {
	n := 0
	for _, s := range l.datasets {
		n += s.Len()
	}
	return n
}

// computeCellCenters returns the local points as one x, y, z array.
func (l *Locator) computeCellCenters() ([]float32, error) {
	n := l.numberOfCells()
	if err := checkBudget(l.opts.MemoryBudget, 3*n*float32Size, "cell centers"); err != nil {
		return nil, err
	}

	centers := make([]float32, 0, 3*n)
	for _, s := range l.datasets {
		for i := 0; i < s.Len(); i++ {
			p := s.Point(i)
			centers = append(centers, float32(p.X), float32(p.Y), float32(p.Z))
		}
	}
	return centers, nil
}

func (l *Locator) setTree(t *kdtree.Tree, fudge float64) {
	l.cuts = bspcuts.FromTree(t)
	l.intersections.SetCuts(l.cuts)
	l.intersections.SetComputeIntersectionsUsingDataBounds(l.opts.UseDataBounds)
	l.fudgeFactor = fudge
	l.totalNumCells = t.Node(t.Root()).NumPoints
	l.builtAt = time.Now()
	l.modified = false
}

// FreeSearchStructure drops the tree. Queries on a locator without a tree
// find no regions.
func (l *Locator) FreeSearchStructure() {
	l.cuts = nil
	l.intersections.SetCuts(nil)
	l.assignment = nil
	l.totalNumCells = 0
}

// ReleaseTables drops the cell count tables and the array ranges.
func (l *Locator) ReleaseTables() {
	l.cellCounts = nil
	l.arrayRanges = nil
}

// UpdateRegionAssignment applies the assignment policy to the current
// tree.
func (l *Locator) UpdateRegionAssignment() error {
	t := l.Tree()
	if t == nil {
		l.assignment = nil
		return nil
	}

	procs := l.transport.Size()
	switch l.opts.Assignment {
	case ContiguousAssignment:
		l.assignment = AssignRegionsContiguous(t, procs)
	case RoundRobinAssignment:
		l.assignment = AssignRegionsRoundRobin(t, procs)
	case UserDefinedAssignment:
		a, err := AssignRegions(t, procs, l.opts.UserAssignment)
		if err != nil {
			l.assignment = nil
			return err
		}
		l.assignment = a
	default:
		l.assignment = nil
	}
	return nil
}
