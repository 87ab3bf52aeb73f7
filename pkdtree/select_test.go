package pkdtree

import (
	"context"
	"testing"

	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/subgroup"
	"github.com/aukilabs/kdpart/transport"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/spatial/r3"
)

// fewValues returns n points whose x takes only the values 0 to 3, with
// distinct y and z.
func fewValues(n int, seed uint32) []float32 {
	var rng fastrand.RNG
	rng.Seed(seed)

	points := make([]float32, 3*n)
	for i := 0; i < n; i++ {
		points[3*i] = float32(rng.Uint32n(4))
		points[3*i+1] = float32(i)
		points[3*i+2] = float32(rng.Uint32n(1_000_000)) / 1000
	}
	return points
}

// selectAcrossRanks runs Select along x over points split between size
// ranks and returns the index found by every rank and the reassembled
// points.
func selectAcrossRanks(t *testing.T, points []float32, size int) ([]int, []float32) {
	n := len(points) / 3

	counts := make([]int, size)
	for rank := range counts {
		counts[rank] = (rank+1)*n/size - rank*n/size
	}

	ks := make([]int, size)
	shards := make([][]float32, size)

	runRanks(t, size, func(ctx context.Context, tr transport.Transport) error {
		rank := tr.Rank()
		index := NewGlobalIndex(counts)

		start := index.StartVal[rank]
		local := append([]float32{}, points[3*start:3*(start+counts[rank])]...)

		shard, err := newShardBuffers(local, start, 0)
		if err != nil {
			return err
		}

		g, err := subgroup.New(tr, 0, size-1, 1)
		if err != nil {
			return err
		}

		sc := &selectContext{
			divider: &divider{
				t:      tr,
				me:     rank,
				params: kdtree.DefaultParams(),
				index:  index,
				shard:  shard,
			},
			group: g,
		}

		k, err := sc.Select(ctx, kdtree.XDim, 0, n-1)
		if err != nil {
			return err
		}
		ks[rank] = k
		shards[rank] = shard.current
		return nil
	})

	var all []float32
	for _, s := range shards {
		all = append(all, s...)
	}
	return ks, all
}

func pointCounts(points []float32) map[[3]float32]int {
	m := make(map[[3]float32]int)
	for i := 0; i < len(points); i += 3 {
		m[[3]float32{points[i], points[i+1], points[i+2]}]++
	}
	return m
}

func TestSelectWithDuplicates(t *testing.T) {
	const n = 2000
	points := fewValues(n, 21)

	var k0 int
	for i, size := range []int{1, 2, 3, 4, 7} {
		ks, all := selectAcrossRanks(t, points, size)

		for rank, k := range ks {
			require.Equal(t, ks[0], k, "%d ranks, rank %d", size, rank)
		}
		k := ks[0]
		if i == 0 {
			k0 = k
		}
		require.Equal(t, k0, k, "%d ranks", size)

		require.Len(t, all, 3*n)
		require.Equal(t, pointCounts(points), pointCounts(all))

		median := all[3*k]
		for pos := 0; pos < n; pos++ {
			if pos < k {
				require.Less(t, all[3*pos], median, "%d ranks, position %d", size, pos)
			} else {
				require.GreaterOrEqual(t, all[3*pos], median, "%d ranks, position %d", size, pos)
			}
		}
	}

	require.Greater(t, k0, 0)
	require.Less(t, k0, n/2+1)
}

// gridPoints returns copies points at every node of a side^3 integer grid,
// shuffled.
func gridPoints(side, copies int, seed uint32) *pointset.Points {
	var coords []r3.Vec
	for c := 0; c < copies; c++ {
		for x := 0; x < side; x++ {
			for y := 0; y < side; y++ {
				for z := 0; z < side; z++ {
					coords = append(coords, r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})
				}
			}
		}
	}

	var rng fastrand.RNG
	rng.Seed(seed)
	for i := len(coords) - 1; i > 0; i-- {
		j := int(rng.Uint32n(uint32(i + 1)))
		coords[i], coords[j] = coords[j], coords[i]
	}
	return &pointset.Points{Coords: coords}
}

func TestParallelBuildOnGrid(t *testing.T) {
	points := gridPoints(8, 2, 5)
	opts := Options{
		Params: paramsWith(func(p *kdtree.Params) { p.MinCells = 8 }),
	}

	serial := buildAll(t, 1, points, opts)[0]
	require.Equal(t, 1024, serial.TotalNumberOfCells())
	require.Greater(t, serial.NumberOfRegions(), 1)

	for _, size := range []int{2, 3, 5} {
		for rank, l := range buildAll(t, size, points, opts) {
			require.True(t, serial.Tree().Equal(l.Tree(), 0), "%d ranks, rank %d", size, rank)
			require.Equal(t, serial.Cuts().Fingerprint(), l.Cuts().Fingerprint())
		}
	}
}
