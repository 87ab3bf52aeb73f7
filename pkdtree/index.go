package pkdtree

import (
	"context"
	"sort"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/subgroup"
)

// GlobalIndex maps the positions of the global point array to the ranks
// holding them. Rank p holds positions StartVal[p] to EndVal[p]; an empty
// rank has EndVal[p] == StartVal[p]-1.
type GlobalIndex struct {
	NumCells      []int
	StartVal      []int
	EndVal        []int
	TotalNumCells int
}

// BuildGlobalIndex shares the local point counts of every rank of g.
func BuildGlobalIndex(ctx context.Context, g *subgroup.Group, numCells int) (*GlobalIndex, error) {
	counts, err := subgroup.AllGather(ctx, g, []int{numCells})
	if err != nil {
		return nil, errors.New("sharing point counts failed").Wrap(err)
	}
	return NewGlobalIndex(counts), nil
}

// NewGlobalIndex builds the index from the point count of every rank.
func NewGlobalIndex(counts []int) *GlobalIndex {
	idx := &GlobalIndex{
		NumCells: counts,
		StartVal: make([]int, len(counts)),
		EndVal:   make([]int, len(counts)),
	}

	next := 0
	for p, n := range counts {
		idx.StartVal[p] = next
		idx.EndVal[p] = next + n - 1
		next += n
	}
	idx.TotalNumCells = next
	return idx
}

// WhoHas returns the rank holding position pos, -1 when pos is out of the
// array.
func (g *GlobalIndex) WhoHas(pos int) int {
	if pos < 0 || pos >= g.TotalNumCells {
		return -1
	}
	return sort.Search(len(g.EndVal), func(p int) bool {
		return g.EndVal[p] >= pos
	})
}
