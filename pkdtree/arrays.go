package pkdtree

import (
	"context"
	"math"
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/subgroup"
)

// ArrayRange is the global range of a named per-cell array.
type ArrayRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CreateGlobalDataArrayBounds computes the range of each named array over
// the points of every rank. Every rank must call it with the same names.
// Names no rank holds get no range.
func (l *Locator) CreateGlobalDataArrayBounds(ctx context.Context, names []string) error {
	l.arrayRanges = nil

	g, err := subgroup.New(l.transport, 0, l.transport.Size()-1, tagArrayBounds)
	if err != nil {
		return err
	}

	values := make([]float64, 2*len(names))
	for i, name := range names {
		lo, hi := l.localArrayRange(name)
		values[2*i] = lo
		values[2*i+1] = -hi
	}

	values, err = subgroup.AllReduceMin(ctx, g, values)
	if err != nil {
		return err
	}

	ranges := make(map[string]ArrayRange, len(names))
	for i, name := range names {
		r := ArrayRange{Min: values[2*i], Max: -values[2*i+1]}
		if r.Min <= r.Max {
			ranges[name] = r
		}
	}
	l.arrayRanges = ranges
	return nil
}

// localArrayRange returns the range of an array over the local sets, an
// inverted range when none has it.
func (l *Locator) localArrayRange(name string) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range l.datasets {
		as, ok := s.(pointset.ArraySet)
		if !ok {
			continue
		}
		for _, v := range as.Array(name) {
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	return lo, hi
}

// ArrayNames returns the names of the arrays of the local sets, sorted.
func (l *Locator) ArrayNames() []string {
	var names []string
	for _, s := range l.datasets {
		if as, ok := s.(pointset.ArraySet); ok {
			names = append(names, as.ArrayNames()...)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// GetCellArrayGlobalRange returns the global range of an array computed by
// the last CreateGlobalDataArrayBounds.
func (l *Locator) GetCellArrayGlobalRange(name string) (ArrayRange, error) {
	r, ok := l.arrayRanges[name]
	if !ok {
		return ArrayRange{}, errors.New("no global range for array").
			WithType(ErrTypeInvalidArgument).
			WithTag("array", name)
	}
	return r, nil
}
