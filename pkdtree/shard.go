package pkdtree

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/pbnjay/memory"
)

const float32Size = 4

// shardBuffers holds the slice of the global point array owned by a rank:
// positions start to start+n-1, as x, y, z triples. Transfers write into
// next, then the two buffers are swapped.
type shardBuffers struct {
	start   int
	current []float32
	next    []float32
}

// DefaultMemoryBudget returns the number of bytes a build may allocate for
// point buffers: half of the physical memory, or no limit when it cannot be
// read.
func DefaultMemoryBudget() uint64 {
	return memory.TotalMemory() / 2
}

func checkBudget(budget uint64, bytes int, what string) error {
	if budget != 0 && uint64(bytes) > budget {
		return errors.New("memory allocation failed").
			WithType(ErrTypeAllocation).
			WithTag("what", what).
			WithTag("bytes", bytes).
			WithTag("budget", budget)
	}
	return nil
}

// newShardBuffers allocates the double buffer for n points starting at
// global position start. points is used as the current buffer.
func newShardBuffers(points []float32, start int, budget uint64) (*shardBuffers, error) {
	if err := checkBudget(budget, 2*len(points)*float32Size, "double buffer"); err != nil {
		return nil, err
	}

	return &shardBuffers{
		start:   start,
		current: points,
		next:    make([]float32, len(points)),
	}, nil
}

func (s *shardBuffers) len() int {
	return len(s.current) / 3
}

func (s *shardBuffers) end() int {
	return s.start + s.len() - 1
}

func (s *shardBuffers) local(pos int) int {
	return pos - s.start
}

// val returns the point at global position pos.
func (s *shardBuffers) val(pos int) []float32 {
	i := 3 * s.local(pos)
	return s.current[i : i+3]
}

func (s *shardBuffers) covers(L, R int) bool {
	return L > R || (L >= s.start && R <= s.end())
}

func (s *shardBuffers) switchBuffers() {
	s.current, s.next = s.next, s.current
}
