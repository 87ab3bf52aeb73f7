package pkdtree

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/subgroup"
)

// degenerateWidening is the distance flat axes are pushed out by when every
// point is at the same place.
const degenerateWidening = 0.5

// WidenVolume pushes the faces of the data bounds out a little so that no
// point lies on the outer boundary. Axes without extent are pushed out by a
// hundredth of the largest extent, the others by the returned fudge factor.
func WidenVolume(b kdtree.Box) (kdtree.Box, float64) {
	aLittle := 0.0
	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		aLittle = max(aLittle, b.Extent(dim))
	}
	aLittle /= 100

	if aLittle <= 0 {
		logs.WithTag("bounds", b.Bounds()).
			Warn("degenerate volume: every point is at the same place")
		aLittle = degenerateWidening
	}

	fudge := aLittle * 1e-3
	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		d := fudge
		if b.Extent(dim) <= 0 {
			d = aLittle
		}
		b.SetLo(dim, b.Lo(dim)-d)
		b.SetHi(dim, b.Hi(dim)+d)
	}
	return b, fudge
}

// globalBounds returns the union of the local bounds of every rank of g.
func globalBounds(ctx context.Context, g *subgroup.Group, local kdtree.Box) (kdtree.Box, error) {
	values := make([]float64, 6)
	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		values[dim] = local.Lo(dim)
		values[dim+3] = -local.Hi(dim)
	}

	values, err := subgroup.AllReduceMin(ctx, g, values)
	if err != nil {
		return kdtree.Box{}, err
	}

	var b kdtree.Box
	for dim := kdtree.XDim; dim <= kdtree.ZDim; dim++ {
		b.SetLo(dim, values[dim])
		b.SetHi(dim, -values[dim+3])
	}
	return b, nil
}

// volumeBounds returns the widened bounds of the points of every rank.
func volumeBounds(ctx context.Context, g *subgroup.Group, local kdtree.Box) (kdtree.Box, float64, error) {
	b, err := globalBounds(ctx, g, local)
	if err != nil {
		return kdtree.Box{}, 0, err
	}
	if b.IsEmpty() {
		return kdtree.Box{}, 0, errors.New("no points to decompose").
			WithType(ErrTypeDegenerateGeometry)
	}

	volume, fudge := WidenVolume(b)
	return volume, fudge, nil
}
