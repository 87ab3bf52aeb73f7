package pkdtree

import (
	"context"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/bspcuts"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/transport"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func runRanks(t *testing.T, size int, fn func(ctx context.Context, tr transport.Transport) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for rank, err := range transport.Run(ctx, size, fn) {
		require.NoError(t, err, "rank %d", rank)
	}
}

func buildAll(t *testing.T, size int, points *pointset.Points, opts Options) []*Locator {
	locators := make([]*Locator, size)
	runRanks(t, size, func(ctx context.Context, tr transport.Transport) error {
		l := NewLocator(tr, opts)
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))
		locators[tr.Rank()] = l
		return l.BuildLocator(ctx)
	})
	return locators
}

func unitCube() kdtree.Box {
	return kdtree.NewBox(0, 1, 0, 1, 0, 1)
}

func paramsWith(fn func(p *kdtree.Params)) kdtree.Params {
	p := kdtree.DefaultParams()
	fn(&p)
	return p
}

func TestGlobalIndex(t *testing.T) {
	idx := NewGlobalIndex([]int{3, 0, 2})
	require.Equal(t, []int{0, 3, 3}, idx.StartVal)
	require.Equal(t, []int{2, 2, 4}, idx.EndVal)
	require.Equal(t, 5, idx.TotalNumCells)

	require.Equal(t, 0, idx.WhoHas(0))
	require.Equal(t, 0, idx.WhoHas(2))
	require.Equal(t, 2, idx.WhoHas(3))
	require.Equal(t, 2, idx.WhoHas(4))
	require.Equal(t, -1, idx.WhoHas(5))
	require.Equal(t, -1, idx.WhoHas(-1))
}

func TestWidenVolume(t *testing.T) {
	t.Run("flat axis", func(t *testing.T) {
		b, fudge := WidenVolume(kdtree.NewBox(0, 10, 0, 0, 0, 5))
		require.InDelta(t, 1e-4, fudge, 1e-12)
		require.InDelta(t, -1e-4, b.Lo(kdtree.XDim), 1e-12)
		require.InDelta(t, 10+1e-4, b.Hi(kdtree.XDim), 1e-12)
		require.InDelta(t, -0.1, b.Lo(kdtree.YDim), 1e-12)
		require.InDelta(t, 0.1, b.Hi(kdtree.YDim), 1e-12)
		require.InDelta(t, 5+1e-4, b.Hi(kdtree.ZDim), 1e-12)
	})

	t.Run("single point", func(t *testing.T) {
		b, _ := WidenVolume(kdtree.NewBox(1, 1, 2, 2, 3, 3))
		require.Equal(t, kdtree.NewBox(0.5, 1.5, 1.5, 2.5, 2.5, 3.5), b)
	})
}

func eightRegionTree() *kdtree.Tree {
	points := pointset.Random(1000, 3, unitCube())

	centers := make([]float32, 0, 3000)
	for _, p := range points.Coords {
		centers = append(centers, float32(p.X), float32(p.Y), float32(p.Z))
	}

	return kdtree.Build(centers, unitCube(), paramsWith(func(p *kdtree.Params) {
		p.MinCells = 1
		p.NumberOfRegionsOrLess = 8
	}))
}

func TestAssignment(t *testing.T) {
	tree := eightRegionTree()
	require.Equal(t, 8, tree.NumberOfRegions())

	t.Run("round robin", func(t *testing.T) {
		a := AssignRegionsRoundRobin(tree, 3)
		require.Equal(t, []int{0, 1, 2, 0, 1, 2, 0, 1}, a.RegionAssignmentMap)
		require.Equal(t, []int{3, 3, 2}, a.NumRegionsAssigned)
		require.Equal(t, []int{2, 5}, a.ProcessAssignmentMap[2])
	})

	t.Run("contiguous", func(t *testing.T) {
		tests := []struct {
			procs    int
			expected []int
		}{
			{procs: 1, expected: []int{0, 0, 0, 0, 0, 0, 0, 0}},
			{procs: 2, expected: []int{0, 0, 0, 0, 1, 1, 1, 1}},
			{procs: 3, expected: []int{0, 0, 0, 0, 1, 1, 2, 2}},
			{procs: 4, expected: []int{0, 0, 1, 1, 2, 2, 3, 3}},
			{procs: 5, expected: []int{0, 0, 1, 1, 2, 2, 3, 4}},
			{procs: 16, expected: []int{0, 1, 2, 3, 4, 5, 6, 7}},
		}

		for _, test := range tests {
			a := AssignRegionsContiguous(tree, test.procs)
			require.Equal(t, ContiguousAssignment, a.Policy)
			require.Equal(t, test.expected, a.RegionAssignmentMap, "%d procs", test.procs)
		}
	})

	t.Run("every region is in one process list", func(t *testing.T) {
		for procs := 1; procs <= 9; procs++ {
			a := AssignRegionsContiguous(tree, procs)

			seen := make(map[int]int)
			for p, regions := range a.ProcessAssignmentMap {
				require.Len(t, regions, a.NumRegionsAssigned[p])
				for _, r := range regions {
					seen[r]++
					require.Equal(t, p, a.RegionAssignmentMap[r])
				}
			}
			require.Len(t, seen, 8)
			for _, n := range seen {
				require.Equal(t, 1, n)
			}
		}
	})

	t.Run("contiguous falls back on shallow trees", func(t *testing.T) {
		tr := kdtree.New(unitCube())
		left, _ := tr.Split(tr.Root(), kdtree.XDim, 0.5)
		_, b := tr.Split(left, kdtree.YDim, 0.5)
		tr.Split(b, kdtree.ZDim, 0.5)
		tr.BuildRegionList()

		a := AssignRegionsContiguous(tr, 3)
		require.Equal(t, ContiguousAssignment, a.Policy)
		require.Equal(t, []int{0, 1, 2, 0}, a.RegionAssignmentMap)
	})

	t.Run("user defined", func(t *testing.T) {
		a, err := AssignRegions(tree, 2, []int{1, 1, 1, 0, 0, 0, 1, 0})
		require.NoError(t, err)
		require.Equal(t, []int{3, 4, 5, 7}, a.ProcessAssignmentMap[0])

		p, err := a.GetProcessAssignedToRegion(6)
		require.NoError(t, err)
		require.Equal(t, 1, p)
		require.True(t, a.HasRegion(0, 7))

		_, err = AssignRegions(tree, 2, []int{0, 1})
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))

		_, err = AssignRegions(tree, 2, []int{0, 1, 2, 0, 0, 0, 0, 0})
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))

		_, err = a.GetProcessAssignedToRegion(8)
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
		_, err = a.GetRegionAssignmentList(2)
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
	})

	t.Run("policy names", func(t *testing.T) {
		p, err := ParseAssignmentPolicy("round-robin")
		require.NoError(t, err)
		require.Equal(t, RoundRobinAssignment, p)

		_, err = ParseAssignmentPolicy("random")
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
	})
}

func TestCellCounts(t *testing.T) {
	c, err := NewCellCounts([]int{
		2, 0, 1,
		0, 3, 1,
	}, 2, 3)
	require.NoError(t, err)

	has, err := c.HasData(1, 1)
	require.NoError(t, err)
	require.True(t, has)
	has, _ = c.HasData(0, 1)
	require.False(t, has)

	n, _ := c.GetTotalProcessesInRegion(2)
	require.Equal(t, 2, n)

	procs, _ := c.GetProcessListForRegion(2)
	require.Equal(t, []int{0, 1}, procs)
	counts, _ := c.GetProcessesCellCountForRegion(2)
	require.Equal(t, []int{1, 1}, counts)

	n, _ = c.GetProcessCellCountForRegion(1, 0)
	require.Zero(t, n)
	n, _ = c.GetProcessCellCountForRegion(0, 0)
	require.Equal(t, 2, n)

	n, _ = c.GetTotalRegionsForProcess(0)
	require.Equal(t, 2, n)
	regions, _ := c.GetRegionListForProcess(1)
	require.Equal(t, []int{1, 2}, regions)
	counts, _ = c.GetRegionsCellCountForProcess(1)
	require.Equal(t, []int{3, 1}, counts)

	_, err = c.HasData(2, 0)
	require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
	_, err = c.GetProcessListForRegion(3)
	require.True(t, errors.IsType(err, ErrTypeInvalidArgument))

	_, err = NewCellCounts([]int{1, 2, 3}, 2, 3)
	require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
}

func TestParallelBuildMatchesSerialBuild(t *testing.T) {
	points := pointset.Random(100, 5, unitCube())
	opts := Options{
		Params: paramsWith(func(p *kdtree.Params) { p.MinCells = 1 }),
	}

	serial := buildAll(t, 1, points, opts)[0]
	require.Equal(t, 100, serial.NumberOfRegions())
	require.Equal(t, 100, serial.TotalNumberOfCells())

	again := buildAll(t, 1, points, opts)[0]
	require.True(t, serial.Cuts().Equals(again.Cuts(), 0))

	for _, size := range []int{2, 3, 4} {
		for rank, l := range buildAll(t, size, points, opts) {
			require.True(t, serial.Tree().Equal(l.Tree(), 0), "%d ranks, rank %d", size, rank)
			require.Equal(t, serial.Cuts().Fingerprint(), l.Cuts().Fingerprint())
		}
	}
}

func TestContiguousDecomposition(t *testing.T) {
	const size = 4

	points := pointset.Random(1000, 8, kdtree.NewBox(-5, 5, 0, 2, 10, 11))
	opts := Options{
		Params:           paramsWith(func(p *kdtree.Params) { p.NumberOfRegionsOrLess = 8 }),
		Assignment:       ContiguousAssignment,
		CheckFingerprint: true,
	}

	locators := make([]*Locator, size)
	runRanks(t, size, func(ctx context.Context, tr transport.Transport) error {
		l := NewLocator(tr, opts)
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))
		locators[tr.Rank()] = l

		if err := l.BuildLocator(ctx); err != nil {
			return err
		}
		return l.CreateProcessCellCountData(ctx)
	})

	for _, l := range locators {
		tree := l.Tree()
		require.Equal(t, 8, l.NumberOfRegions())
		require.Equal(t, 1000, l.TotalNumberOfCells())
		require.True(t, locators[0].Tree().Equal(tree, 0))

		t.Run("two contiguous regions per process", func(t *testing.T) {
			for p := 0; p < size; p++ {
				regions, err := l.GetRegionAssignmentList(p)
				require.NoError(t, err)
				require.Equal(t, []int{2 * p, 2*p + 1}, regions)

				boxes, err := l.MinimalNumberOfConvexSubRegions(regions)
				require.NoError(t, err)
				require.Len(t, boxes, 1)
			}
		})

		t.Run("every point is counted in its region", func(t *testing.T) {
			counts := l.CellCounts()
			require.NotNil(t, counts)

			total := 0
			for r := 0; r < 8; r++ {
				node, err := tree.Region(r)
				require.NoError(t, err)

				regionCounts, err := counts.GetProcessesCellCountForRegion(r)
				require.NoError(t, err)

				sum := 0
				for _, n := range regionCounts {
					sum += n
				}
				require.Equal(t, tree.Node(node).NumPoints, sum)
				total += sum
			}
			require.Equal(t, 1000, total)
		})

		t.Run("leaf data bounds cover the root data bounds", func(t *testing.T) {
			union := kdtree.EmptyBox()
			for r := 0; r < 8; r++ {
				b, err := l.RegionDataBounds(r)
				require.NoError(t, err)
				union = union.Union(b)
			}
			require.Equal(t, tree.Node(tree.Root()).DataBounds, union)
		})

		t.Run("box query matches brute force", func(t *testing.T) {
			queries := []kdtree.Box{
				kdtree.NewBox(-1, 1, 0.5, 1.5, 10.2, 10.4),
				kdtree.NewBox(-10, 10, -10, 10, -10, 20),
				kdtree.NewBox(4, 4.5, 1.9, 3, 10.9, 12),
			}

			for _, q := range queries {
				var expected []int
				for r := 0; r < 8; r++ {
					node, _ := tree.Region(r)
					if tree.IntersectsBox(node, q, false) {
						expected = append(expected, r)
					}
				}
				require.ElementsMatch(t, expected, l.IntersectingRegionsBox(q))
			}
		})

		t.Run("process queries", func(t *testing.T) {
			order, err := l.ViewOrderAllProcessesInDirection(r3.Vec{X: 1, Y: 0.5, Z: -0.2})
			require.NoError(t, err)
			require.ElementsMatch(t, []int{0, 1, 2, 3}, order)

			order, err = l.ViewOrderAllProcessesFromPosition(r3.Vec{X: -100, Y: -100, Z: -100})
			require.NoError(t, err)
			require.Equal(t, 0, order[0])

			bounds, err := l.Bounds()
			require.NoError(t, err)
			procs, err := l.GetAllProcessesBorderingOnPoint(bounds.Min)
			require.NoError(t, err)
			require.Equal(t, []int{0}, procs)
		})
	}
}

func TestCoincidentPoints(t *testing.T) {
	points := &pointset.Points{Coords: make([]r3.Vec, 300)}
	for i := range points.Coords {
		points.Coords[i] = r3.Vec{X: 1, Y: 2, Z: 3}
	}
	widened := kdtree.NewBox(0.5, 1.5, 1.5, 2.5, 2.5, 3.5)

	for _, size := range []int{1, 3} {
		for _, l := range buildAll(t, size, points, Options{Params: kdtree.DefaultParams()}) {
			require.GreaterOrEqual(t, l.NumberOfRegions(), 1)

			bounds, err := l.Bounds()
			require.NoError(t, err)
			require.Equal(t, widened, bounds)
			require.Equal(t, 0, l.RegionContainingPoint(r3.Vec{X: 1, Y: 2, Z: 3}))
		}
	}
}

func TestQueryOutsideDecomposition(t *testing.T) {
	points := pointset.Random(500, 21, unitCube())
	l := buildAll(t, 2, points, Options{Params: paramsWith(func(p *kdtree.Params) { p.MinCells = 10 })})[1]
	require.Greater(t, l.NumberOfRegions(), 1)

	require.Empty(t, l.IntersectingRegionsBox(kdtree.NewBox(5, 6, 5, 6, 5, 6)))
	require.Equal(t, 1, l.Intersections().NodesVisited())
	require.Equal(t, -1, l.RegionContainingPoint(r3.Vec{X: 5, Y: 5, Z: 5}))

	l.FreeSearchStructure()
	require.Nil(t, l.Tree())
	require.Empty(t, l.IntersectingRegionsBox(unitCube()))
	require.Equal(t, -1, l.RegionContainingPoint(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}))

	_, err := l.ViewOrderAllRegionsInDirection(r3.Vec{X: 1})
	require.True(t, errors.IsType(err, ErrTypeNoTree))
}

func TestAllocationFailure(t *testing.T) {
	const size = 3
	points := pointset.Random(300, 2, unitCube())
	locators := make([]*Locator, size)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	errs := transport.Run(ctx, size, func(ctx context.Context, tr transport.Transport) error {
		opts := Options{Params: kdtree.DefaultParams()}
		if tr.Rank() == 1 {
			opts.MemoryBudget = 1
		}

		l := NewLocator(tr, opts)
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))
		locators[tr.Rank()] = l
		return l.BuildLocator(ctx)
	})

	for rank, err := range errs {
		require.Error(t, err, "rank %d", rank)
		require.True(t, errors.IsType(err, ErrTypeAllocation), "rank %d", rank)
		require.Nil(t, locators[rank].Tree())
		require.Empty(t, locators[rank].IntersectingRegionsBox(unitCube()))
	}
}

func TestRebuildVote(t *testing.T) {
	const size = 2
	points := pointset.Random(400, 4, unitCube())

	var first, unchanged, rebuilt [size]*bspcuts.Cuts
	runRanks(t, size, func(ctx context.Context, tr transport.Transport) error {
		l := NewLocator(tr, Options{Params: kdtree.DefaultParams()})
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))

		if err := l.BuildLocator(ctx); err != nil {
			return err
		}
		first[tr.Rank()] = l.Cuts()

		if err := l.BuildLocator(ctx); err != nil {
			return err
		}
		unchanged[tr.Rank()] = l.Cuts()

		if tr.Rank() == 1 {
			l.Modified()
		}
		if err := l.BuildLocator(ctx); err != nil {
			return err
		}
		rebuilt[tr.Rank()] = l.Cuts()
		return nil
	})

	for rank := 0; rank < size; rank++ {
		require.Same(t, first[rank], unchanged[rank])
		require.NotSame(t, first[rank], rebuilt[rank])
		require.True(t, first[rank].Equals(rebuilt[rank], 0))
	}
}

func TestParameterAgreement(t *testing.T) {
	const size = 2
	points := pointset.Random(400, 6, unitCube())
	locators := make([]*Locator, size)

	runRanks(t, size, func(ctx context.Context, tr transport.Transport) error {
		params := paramsWith(func(p *kdtree.Params) { p.MinCells = 10 })
		if tr.Rank() == 1 {
			params.MinCells = 50
			params.ValidDirections = kdtree.XDir
		}

		l := NewLocator(tr, Options{Params: params})
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))
		locators[tr.Rank()] = l
		return l.BuildLocator(ctx)
	})

	require.Equal(t, locators[0].Params(), locators[1].Params())
	require.Equal(t, 10, locators[1].Params().MinCells)
	require.True(t, locators[0].Tree().Equal(locators[1].Tree(), 0))
}

func TestUserDefinedCuts(t *testing.T) {
	const size = 2

	cuts := bspcuts.FromTree(eightRegionTree())
	points := pointset.Random(200, 9, kdtree.NewBox(-1, 2, -1, 2, -1, 2))
	locators := make([]*Locator, size)

	runRanks(t, size, func(ctx context.Context, tr transport.Transport) error {
		l := NewLocator(tr, Options{Assignment: RoundRobinAssignment})
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))
		l.SetCuts(cuts)
		locators[tr.Rank()] = l

		if err := l.BuildLocator(ctx); err != nil {
			return err
		}
		return l.CreateProcessCellCountData(ctx)
	})

	for _, l := range locators {
		tree := l.Tree()
		require.Equal(t, 8, l.NumberOfRegions())

		tree.Walk(func(id kdtree.NodeID, n *kdtree.Node) {
			require.Equal(t, n.Bounds, n.DataBounds)
			require.Zero(t, n.NumPoints)
		})

		for _, p := range points.Coords {
			require.GreaterOrEqual(t, l.RegionContainingPoint(p), 0)
		}

		total := 0
		for p := 0; p < size; p++ {
			counts, err := l.CellCounts().GetRegionsCellCountForProcess(p)
			require.NoError(t, err)
			for _, n := range counts {
				total += n
			}
		}
		require.Equal(t, 200, total)

		p, err := l.GetProcessAssignedToRegion(5)
		require.NoError(t, err)
		require.Equal(t, 1, p)
	}
}

func TestUserDefinedAssignment(t *testing.T) {
	const size = 2
	points := pointset.Random(400, 12, unitCube())
	opts := Options{
		Params:         paramsWith(func(p *kdtree.Params) { p.NumberOfRegionsOrLess = 4 }),
		Assignment:     UserDefinedAssignment,
		UserAssignment: []int{1, 1, 0, 0},
	}

	for _, l := range buildAll(t, size, points, opts) {
		p, err := l.GetProcessAssignedToRegion(0)
		require.NoError(t, err)
		require.Equal(t, 1, p)

		cells, err := l.CellListForProcessRegions(0, 0)
		require.NoError(t, err)
		for _, i := range cells {
			r := l.RegionContainingPoint(l.Datasets()[0].Point(i))
			require.Contains(t, []int{2, 3}, r)
		}

		l.SetAssignment(UserDefinedAssignment, []int{0, 1})
		err = l.UpdateRegionAssignment()
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
		require.NotNil(t, l.Tree())

		_, err = l.GetRegionAssignmentList(0)
		require.True(t, errors.IsType(err, ErrTypeNoTree))
	}
}

func TestArrayRanges(t *testing.T) {
	const size = 3

	points := pointset.Random(200, 13, unitCube())
	temp := make([]float64, 200)
	for i := range temp {
		temp[i] = float64(i) - 50
	}
	points.Arrays = map[string][]float64{"temp": temp}

	locators := make([]*Locator, size)
	runRanks(t, size, func(ctx context.Context, tr transport.Transport) error {
		l := NewLocator(tr, Options{Params: kdtree.DefaultParams()})
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))
		locators[tr.Rank()] = l
		return l.CreateGlobalDataArrayBounds(ctx, []string{"temp", "pressure"})
	})

	for _, l := range locators {
		require.Equal(t, []string{"temp"}, l.ArrayNames())

		r, err := l.GetCellArrayGlobalRange("temp")
		require.NoError(t, err)
		require.Equal(t, ArrayRange{Min: -50, Max: 149}, r)

		_, err = l.GetCellArrayGlobalRange("pressure")
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
	}
}

func TestMessageTags(t *testing.T) {
	phases := []int{
		tagBuild,
		tagVolumeBounds,
		tagParameters,
		tagRebuildVote,
		tagBuildVote,
		tagCompleteTree,
		tagReduceData,
		tagCellCounts,
		tagArrayBounds,
		tagFingerprint,
	}

	seen := make(map[int]bool)
	for _, tag := range phases {
		require.Less(t, tag, 0)
		require.False(t, seen[tag], "tag %d", tag)
		seen[tag] = true
	}

	// Deepest region numbers, as handed out by the breadth-first division.
	first := 1 << kdtree.MaxTreeLevel
	last := first<<1 - 1
	require.Greater(t, first, 0)
	require.Greater(t, last, 0)
}
