package kdtree

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Cell is a geometric primitive tested against regions.
//
// Dim 0 is a set of vertices, 1 a polyline, 2 a planar convex polygon and 3
// the convex hull of its points.
type Cell struct {
	Dim    int
	Points []r3.Vec
}

// Bounds returns the bounding box of the cell points.
func (c Cell) Bounds() Box {
	b := EmptyBox()
	for _, p := range c.Points {
		b = b.AddPoint(p)
	}
	return b
}

// Centroid returns the mean of the cell points.
func (c Cell) Centroid() r3.Vec {
	var sum r3.Vec
	for _, p := range c.Points {
		sum = r3.Add(sum, p)
	}
	if len(c.Points) == 0 {
		return sum
	}
	return r3.Scale(1/float64(len(c.Points)), sum)
}

// intersects reports whether the cell shares a point with the closed box.
// Vertices inside the box are expected to have been checked already.
func (c Cell) intersects(b Box) bool {
	switch c.Dim {
	case 0:
		return false

	case 1:
		for i := 1; i < len(c.Points); i++ {
			if segmentIntersectsBox(c.Points[i-1], c.Points[i], b) {
				return true
			}
		}
		return false

	case 2:
		n := len(c.Points)
		for i := 0; i < n; i++ {
			if segmentIntersectsBox(c.Points[i], c.Points[(i+1)%n], b) {
				return true
			}
		}
		for _, e := range b.Edges() {
			for i := 2; i < n; i++ {
				if segmentIntersectsTriangle(e[0], e[1], c.Points[0], c.Points[i-1], c.Points[i]) {
					return true
				}
			}
		}
		return false

	default:
		return hullIntersectsBox(c.Points, b)
	}
}

// hullIntersectsBox tests the convex hull of pts against a box. Every pair
// and triple of points is used so no face list is needed.
func hullIntersectsBox(pts []r3.Vec, b Box) bool {
	n := len(pts)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if segmentIntersectsBox(pts[i], pts[j], b) {
				return true
			}
		}
	}

	edges := b.Edges()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				for _, e := range edges {
					if segmentIntersectsTriangle(e[0], e[1], pts[i], pts[j], pts[k]) {
						return true
					}
				}
			}
		}
	}

	// The box may sit entirely inside the hull.
	corner := b.Min
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				for l := k + 1; l < n; l++ {
					if pointInTetrahedron(corner, pts[i], pts[j], pts[k], pts[l]) {
						return true
					}
				}
			}
		}
	}
	return false
}

// segmentIntersectsBox clips the segment against the box slabs.
func segmentIntersectsBox(a, b r3.Vec, box Box) bool {
	d := r3.Sub(b, a)
	t0, t1 := 0.0, 1.0

	for dim := XDim; dim <= ZDim; dim++ {
		o := Component(a, dim)
		v := Component(d, dim)
		lo, hi := box.Lo(dim), box.Hi(dim)

		if v == 0 {
			if o < lo || o > hi {
				return false
			}
			continue
		}

		ta := (lo - o) / v
		tb := (hi - o) / v
		if ta > tb {
			ta, tb = tb, ta
		}

		t0 = math.Max(t0, ta)
		t1 = math.Min(t1, tb)
		if t0 > t1 {
			return false
		}
	}
	return true
}

const geomEpsilon = 1e-12

// segmentIntersectsTriangle is the Moller-Trumbore test restricted to the
// segment a-b.
func segmentIntersectsTriangle(a, b, v0, v1, v2 r3.Vec) bool {
	d := r3.Sub(b, a)
	e1 := r3.Sub(v1, v0)
	e2 := r3.Sub(v2, v0)

	p := r3.Cross(d, e2)
	det := r3.Dot(e1, p)
	if math.Abs(det) < geomEpsilon {
		return false
	}
	inv := 1 / det

	s := r3.Sub(a, v0)
	u := r3.Dot(s, p) * inv
	if u < 0 || u > 1 {
		return false
	}

	q := r3.Cross(s, e1)
	v := r3.Dot(d, q) * inv
	if v < 0 || u+v > 1 {
		return false
	}

	t := r3.Dot(e2, q) * inv
	return t >= 0 && t <= 1
}

func pointInTetrahedron(p, a, b, c, d r3.Vec) bool {
	vol := orient(a, b, c, d)
	if math.Abs(vol) < geomEpsilon {
		return false
	}

	s1 := orient(p, b, c, d)
	s2 := orient(a, p, c, d)
	s3 := orient(a, b, p, d)
	s4 := orient(a, b, c, p)

	if vol > 0 {
		return s1 >= 0 && s2 >= 0 && s3 >= 0 && s4 >= 0
	}
	return s1 <= 0 && s2 <= 0 && s3 <= 0 && s4 <= 0
}

func orient(a, b, c, d r3.Vec) float64 {
	return r3.Dot(r3.Sub(b, a), r3.Cross(r3.Sub(c, a), r3.Sub(d, a)))
}
