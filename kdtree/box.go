package kdtree

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Axis identifiers. NoDim marks a node that has not been split.
const (
	XDim  = 0
	YDim  = 1
	ZDim  = 2
	NoDim = 3
)

// Direction masks restricting the axes a build may cut along.
const (
	XDir    = 1 << XDim
	YDir    = 1 << YDim
	ZDir    = 1 << ZDim
	AllDirs = XDir | YDir | ZDir
	XYDirs  = XDir | YDir
	YZDirs  = YDir | ZDir
	XZDirs  = XDir | ZDir
)

// Box is an axis-aligned box.
type Box struct {
	Min r3.Vec
	Max r3.Vec
}

// NewBox returns the box with the given extents.
func NewBox(xmin, xmax, ymin, ymax, zmin, zmax float64) Box {
	return Box{
		Min: r3.Vec{X: xmin, Y: ymin, Z: zmin},
		Max: r3.Vec{X: xmax, Y: ymax, Z: zmax},
	}
}

// BoxFromBounds converts xmin, xmax, ymin, ymax, zmin, zmax bounds.
func BoxFromBounds(b [6]float64) Box {
	return NewBox(b[0], b[1], b[2], b[3], b[4], b[5])
}

// EmptyBox returns an inverted box that any union overrides.
func EmptyBox() Box {
	inf := math.Inf(1)
	return NewBox(inf, -inf, inf, -inf, inf, -inf)
}

// Bounds returns the box as xmin, xmax, ymin, ymax, zmin, zmax.
func (b Box) Bounds() [6]float64 {
	return [6]float64{b.Min.X, b.Max.X, b.Min.Y, b.Max.Y, b.Min.Z, b.Max.Z}
}

func (b Box) Lo(dim int) float64 {
	return Component(b.Min, dim)
}

func (b Box) Hi(dim int) float64 {
	return Component(b.Max, dim)
}

func (b *Box) SetLo(dim int, v float64) {
	SetComponent(&b.Min, dim, v)
}

func (b *Box) SetHi(dim int, v float64) {
	SetComponent(&b.Max, dim, v)
}

// Extent returns the width of the box along dim.
func (b Box) Extent(dim int) float64 {
	return b.Hi(dim) - b.Lo(dim)
}

// IsEmpty reports whether the box is inverted along any axis.
func (b Box) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Union returns the smallest box holding both boxes.
func (b Box) Union(o Box) Box {
	return Box{
		Min: r3.Vec{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		Max: r3.Vec{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	}
}

// AddPoint grows the box to hold p.
func (b Box) AddPoint(p r3.Vec) Box {
	return b.Union(Box{Min: p, Max: p})
}

// Center returns the middle of the box.
func (b Box) Center() r3.Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// ContainsClosed reports whether p lies in the closed box.
func (b Box) ContainsClosed(p r3.Vec) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Overlaps reports whether two closed boxes share at least one point.
func (b Box) Overlaps(o Box) bool {
	return b.Min.X <= o.Max.X && o.Min.X <= b.Max.X &&
		b.Min.Y <= o.Max.Y && o.Min.Y <= b.Max.Y &&
		b.Min.Z <= o.Max.Z && o.Min.Z <= b.Max.Z
}

// Corners returns the 8 corners of the box.
func (b Box) Corners() [8]r3.Vec {
	var c [8]r3.Vec
	for i := range c {
		c[i] = b.Min
		if i&1 != 0 {
			c[i].X = b.Max.X
		}
		if i&2 != 0 {
			c[i].Y = b.Max.Y
		}
		if i&4 != 0 {
			c[i].Z = b.Max.Z
		}
	}
	return c
}

// Edges returns the 12 edges of the box as corner pairs.
func (b Box) Edges() [12][2]r3.Vec {
	c := b.Corners()
	var e [12][2]r3.Vec

	n := 0
	for i := 0; i < 8; i++ {
		for _, bit := range []int{1, 2, 4} {
			if i&bit == 0 {
				e[n] = [2]r3.Vec{c[i], c[i|bit]}
				n++
			}
		}
	}
	return e
}

// Component returns the coordinate of v along dim.
func Component(v r3.Vec, dim int) float64 {
	switch dim {
	case XDim:
		return v.X
	case YDim:
		return v.Y
	default:
		return v.Z
	}
}

// SetComponent sets the coordinate of v along dim.
func SetComponent(v *r3.Vec, dim int, x float64) {
	switch dim {
	case XDim:
		v.X = x
	case YDim:
		v.Y = x
	default:
		v.Z = x
	}
}
