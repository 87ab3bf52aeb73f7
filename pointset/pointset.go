// Package pointset holds the point data a locator partitions.
package pointset

import (
	"io"
	"math"
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/segmentio/encoding/json"
	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	ErrTypeInvalidPoints = "invalid-points"
)

// Set is a sequence of 3-D points, one per cell centroid.
type Set interface {
	Len() int
	Point(i int) r3.Vec
	Bounds() kdtree.Box
}

// ArraySet is a Set carrying named scalar arrays with one value per point.
type ArraySet interface {
	Set
	ArrayNames() []string
	Array(name string) []float64
}

// Points is an in-memory Set.
type Points struct {
	Coords []r3.Vec
	Arrays map[string][]float64
}

func (p *Points) Len() int {
	return len(p.Coords)
}

func (p *Points) Point(i int) r3.Vec {
	return p.Coords[i]
}

func (p *Points) Bounds() kdtree.Box {
	b := kdtree.EmptyBox()
	for _, c := range p.Coords {
		b = b.AddPoint(c)
	}
	return b
}

// ArrayNames returns the array names in lexical order.
func (p *Points) ArrayNames() []string {
	names := make([]string, 0, len(p.Arrays))
	for name := range p.Arrays {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (p *Points) Array(name string) []float64 {
	return p.Arrays[name]
}

// Random returns n points drawn uniformly in box. The same seed gives the
// same points.
func Random(n int, seed uint32, box kdtree.Box) *Points {
	var rng fastrand.RNG
	rng.Seed(seed)

	next := func(lo, hi float64) float64 {
		return lo + (hi-lo)*float64(rng.Uint32())/math.MaxUint32
	}

	coords := make([]r3.Vec, n)
	for i := range coords {
		coords[i] = r3.Vec{
			X: next(box.Min.X, box.Max.X),
			Y: next(box.Min.Y, box.Max.Y),
			Z: next(box.Min.Z, box.Max.Z),
		}
	}
	return &Points{Coords: coords}
}

// Slice returns the points of the given rank when the set is split into
// size contiguous chunks of nearly equal length.
func Slice(p *Points, rank, size int) *Points {
	n := len(p.Coords)
	lo := rank * n / size
	hi := (rank + 1) * n / size

	s := &Points{Coords: p.Coords[lo:hi]}
	if len(p.Arrays) != 0 {
		s.Arrays = make(map[string][]float64, len(p.Arrays))
		for name, values := range p.Arrays {
			s.Arrays[name] = values[lo:hi]
		}
	}
	return s
}

type jsonPoints struct {
	Points [][3]float64          `json:"points"`
	Arrays map[string][]float64 `json:"arrays,omitempty"`
}

// Load reads points encoded as {"points": [[x, y, z], ...], "arrays":
// {"name": [...]}}.
func Load(r io.Reader) (*Points, error) {
	var in jsonPoints
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, errors.New("decoding points failed").
			WithType(ErrTypeInvalidPoints).
			Wrap(err)
	}

	for name, values := range in.Arrays {
		if len(values) != len(in.Points) {
			return nil, errors.New("array length does not match the number of points").
				WithType(ErrTypeInvalidPoints).
				WithTag("array", name).
				WithTag("length", len(values)).
				WithTag("points", len(in.Points))
		}
	}

	coords := make([]r3.Vec, len(in.Points))
	for i, p := range in.Points {
		coords[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	return &Points{Coords: coords, Arrays: in.Arrays}, nil
}

// Save writes points in the format read by Load.
func Save(w io.Writer, p *Points) error {
	out := jsonPoints{
		Points: make([][3]float64, len(p.Coords)),
		Arrays: p.Arrays,
	}
	for i, c := range p.Coords {
		out.Points[i] = [3]float64{c.X, c.Y, c.Z}
	}
	return json.NewEncoder(w).Encode(out)
}
