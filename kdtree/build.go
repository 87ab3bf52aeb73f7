package kdtree

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/logs"
)

const (
	DefaultMaxLevel = 20
	DefaultMinCells = 100

	// MaxTreeLevel bounds MaxLevel so region numbers fit in an int.
	MaxTreeLevel = 30

	// Ranges longer than this are narrowed around a sample before being
	// partitioned.
	selectSampleThreshold = 600
)

// Params are the knobs deciding how deep a tree is built and along which
// axes.
type Params struct {
	MaxLevel              int `json:"max_level"`
	MinCells              int `json:"min_cells"`
	NumberOfRegionsOrLess int `json:"regions_or_less"`
	NumberOfRegionsOrMore int `json:"regions_or_more"`
	ValidDirections       int `json:"valid_directions"`
}

// DefaultParams returns the parameters used when none are set.
func DefaultParams() Params {
	return Params{
		MaxLevel:        DefaultMaxLevel,
		MinCells:        DefaultMinCells,
		ValidDirections: AllDirs,
	}
}

// DivideTest reports whether a region holding size points at the given
// level should be split.
func (p Params) DivideTest(size, level int) bool {
	if level >= p.MaxLevel || level >= MaxTreeLevel {
		return false
	}
	if p.MinCells > 0 && p.MinCells > size/2 {
		return false
	}

	regionsNow := 1 << level
	regionsNext := regionsNow << 1

	if p.NumberOfRegionsOrLess > 0 && regionsNext > p.NumberOfRegionsOrLess {
		return false
	}
	if p.NumberOfRegionsOrMore > 0 && regionsNow >= p.NumberOfRegionsOrMore {
		return false
	}
	return true
}

func (p Params) validDirections() int {
	if p.ValidDirections&AllDirs == 0 {
		return AllDirs
	}
	return p.ValidDirections & AllDirs
}

// SelectCutDirection returns the valid axis along which dataBounds is the
// widest. Ties go to the earlier axis.
func (p Params) SelectCutDirection(dataBounds Box) int {
	valid := p.validDirections()
	switch valid {
	case XDir:
		return XDim
	case YDir:
		return YDim
	case ZDir:
		return ZDim
	}

	best, width := -1, 0.0
	for dim := XDim; dim <= ZDim; dim++ {
		if valid&(1<<dim) == 0 {
			continue
		}
		if w := dataBounds.Extent(dim); best < 0 || w > width {
			best, width = dim, w
		}
	}
	return best
}

// OtherDirections returns the valid axes other than dim, in x, y, z order.
func (p Params) OtherDirections(dim int) []int {
	valid := p.validDirections()

	var dims []int
	for d := XDim; d <= ZDim; d++ {
		if d != dim && valid&(1<<d) != 0 {
			dims = append(dims, d)
		}
	}
	return dims
}

// SampleRange returns the subrange of [L, R] around which the K-th smallest
// value is expected, narrowed from a sample.
func SampleRange(L, R, K int) (int, int) {
	n := float64(R - L + 1)
	i := float64(K - L + 1)
	z := math.Log(n)
	s := math.Trunc(0.5 * math.Exp(2*z/3))

	sign := 1.0
	if i-n/2 < 0 {
		sign = -1
	}
	sd := int(0.5 * math.Sqrt(z*s*(n-s)/n) * sign)

	ll := max(L, K-int(i*s/n)+sd)
	rr := min(R, K+int((n-i)*s/n)+sd)
	return ll, rr
}

// Partition3 reorders the points in [L, R] around t along dim: values below
// t first, then values equal to t, then values above. It returns the first
// index of the equal and of the above ranges.
func Partition3(points []float32, dim, L, R int, t float32) (int, int) {
	if R < L {
		return L, L
	}

	lt, i, gt := L, L, R
	for i <= gt {
		v := points[3*i+dim]
		switch {
		case v < t:
			swapPoints(points, lt, i)
			lt++
			i++
		case v > t:
			swapPoints(points, i, gt)
			gt--
		default:
			i++
		}
	}
	return lt, gt + 1
}

func swapPoints(points []float32, a, b int) {
	if a == b {
		return
	}
	a, b = 3*a, 3*b
	points[a], points[b] = points[b], points[a]
	points[a+1], points[b+1] = points[b+1], points[a+1]
	points[a+2], points[b+2] = points[b+2], points[a+2]
}

// SelectK moves the K-th smallest value of [L, R] along dim to position K,
// with smaller values before and larger values after. Values equal to it
// end up right before K.
func SelectK(points []float32, dim, L, R, K int) {
	for R > L {
		if R-L > selectSampleThreshold {
			ll, rr := SampleRange(L, R, K)
			SelectK(points, dim, ll, rr, K)
		}

		i, j := Partition3(points, dim, L, R, points[3*K+dim])
		switch {
		case K >= j:
			L = j
		case K >= i:
			return
		default:
			R = i - 1
		}
	}
}

// PointBounds returns the bounds of the points in [L, R].
func PointBounds(points []float32, L, R int) Box {
	b := EmptyBox()
	for i := L; i <= R; i++ {
		p := 3 * i
		for dim := XDim; dim <= ZDim; dim++ {
			v := float64(points[p+dim])
			b.SetLo(dim, math.Min(b.Lo(dim), v))
			b.SetHi(dim, math.Max(b.Hi(dim), v))
		}
	}
	return b
}

// Build builds a tree over a flat x, y, z point array in a single process.
// The points are reordered so that every region's points are contiguous.
func Build(points []float32, volume Box, params Params) *Tree {
	n := len(points) / 3

	t := New(volume)
	root := t.Node(t.Root())
	root.NumPoints = n
	if n > 0 {
		root.DataBounds = PointBounds(points, 0, n-1)
	}

	b := serialBuilder{
		tree:   t,
		points: points,
		params: params,
	}
	b.divide(t.Root(), 0, 0)

	t.BuildRegionList()
	return t
}

type serialBuilder struct {
	tree   *Tree
	points []float32
	params Params
}

func (b *serialBuilder) divide(id NodeID, L, level int) {
	n := b.tree.Node(id).NumPoints
	if !b.params.DivideTest(n, level) {
		return
	}

	if n < 2 {
		b.divideTiny(id, L, level)
		return
	}

	R := L + n - 1
	maxdim := b.params.SelectCutDirection(b.tree.Node(id).DataBounds)

	for _, dim := range append([]int{maxdim}, b.params.OtherDirections(maxdim)...) {
		mid, coord, ok := b.medianSplit(dim, L, R)
		if !ok {
			continue
		}

		left, right := b.tree.Split(id, dim, coord)

		ln := b.tree.Node(left)
		ln.NumPoints = mid - L
		ln.DataBounds = PointBounds(b.points, L, mid-1)

		rn := b.tree.Node(right)
		rn.NumPoints = R - mid + 1
		rn.DataBounds = PointBounds(b.points, mid, R)

		b.divide(left, L, level+1)
		b.divide(right, mid, level+1)
		return
	}

	logs.WithTag("level", level).
		WithTag("points", n).
		Debug("region points are coincident along every valid axis")
}

// divideTiny splits a region holding at most one point: at the point when
// there is one, the left half getting it, or else at the middle.
func (b *serialBuilder) divideTiny(id NodeID, L, level int) {
	n := b.tree.Node(id)
	numPoints := n.NumPoints
	dim := b.params.SelectCutDirection(n.DataBounds)
	data := n.DataBounds

	coord := (n.Bounds.Lo(dim) + n.Bounds.Hi(dim)) / 2
	if numPoints == 1 {
		data = PointBounds(b.points, L, L)
		coord = data.Lo(dim)
	}

	left, right := b.tree.Split(id, dim, coord)

	ln := b.tree.Node(left)
	ln.NumPoints = numPoints
	ln.DataBounds = data

	rn := b.tree.Node(right)
	rn.NumPoints = 0
	rn.DataBounds = data

	b.divide(left, L, level+1)
	b.divide(right, L, level+1)
}

// medianSplit finds the index of the first point of the upper half along
// dim and the split coordinate, or false when every point in [L, R] has the
// same value along dim.
func (b *serialBuilder) medianSplit(dim, L, R int) (int, float64, bool) {
	K := (L+R)/2 + 1
	SelectK(b.points, dim, L, R, K)

	kval := b.points[3*K+dim]
	mid := K
	for mid > L && b.points[3*(mid-1)+dim] == kval {
		mid--
	}
	if mid == L {
		return 0, 0, false
	}

	leftMax := b.points[3*L+dim]
	for i := L + 1; i < mid; i++ {
		leftMax = max(leftMax, b.points[3*i+dim])
	}
	return mid, (float64(kval) + float64(leftMax)) / 2, true
}
