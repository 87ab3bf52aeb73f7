package models

import (
	"sort"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/bspcuts"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/pkdtree"
	"github.com/google/uuid"
)

const (
	ErrTypeBuildNotFound = "build-not-found"

	defaultBuildLimit = 16
)

// Build is the record of a completed decomposition.
type Build struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	Duration    time.Duration `json:"duration"`
	Rank        int           `json:"rank"`
	Size        int           `json:"size"`
	Regions     int           `json:"regions"`
	Level       int           `json:"level"`
	TotalCells  int           `json:"total_cells"`
	FudgeFactor float64       `json:"fudge_factor"`
	Fingerprint string        `json:"fingerprint"`
	Params      kdtree.Params `json:"params"`
	Policy      string        `json:"assignment_policy"`

	// The process of every region, empty when regions are not assigned.
	Assignment []int `json:"assignment,omitempty"`

	Cuts *bspcuts.Cuts `json:"-"`
}

// NewBuild snapshots the decomposition held by a locator.
func NewBuild(l *pkdtree.Locator, rank, size int, duration time.Duration) (*Build, error) {
	cuts := l.Cuts()
	if cuts == nil {
		return nil, errors.New("decomposition is not built").
			WithType(pkdtree.ErrTypeNoTree)
	}

	b := &Build{
		ID:          uuid.NewString(),
		CreatedAt:   l.BuiltAt(),
		Duration:    duration,
		Rank:        rank,
		Size:        size,
		Regions:     l.NumberOfRegions(),
		Level:       l.Level(),
		TotalCells:  l.TotalNumberOfCells(),
		FudgeFactor: l.FudgeFactor(),
		Fingerprint: cuts.Fingerprint(),
		Params:      l.Params(),
		Policy:      pkdtree.NoAssignment.String(),
		Cuts:        cuts,
	}

	if a := l.Assignment(); a != nil {
		b.Policy = a.Policy.String()
		b.Assignment = append([]int{}, a.RegionAssignmentMap...)
	}
	return b, nil
}

// BuildStore keeps the most recent builds in memory.
type BuildStore struct {
	// The number of builds kept. Older builds are dropped first.
	Limit int

	initOnce sync.Once
	mutex    sync.RWMutex
	builds   map[string]*Build
	order    []string
}

func (s *BuildStore) init() {
	s.builds = make(map[string]*Build)

	if s.Limit <= 0 {
		s.Limit = defaultBuildLimit
	}
}

func (s *BuildStore) Add(b *Build) {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.builds[b.ID]; ok {
		return
	}

	s.builds[b.ID] = b
	s.order = append(s.order, b.ID)
	instrumentAddBuild(b.Regions)

	for len(s.order) > s.Limit {
		delete(s.builds, s.order[0])
		s.order = s.order[1:]
		instrumentDropBuild()
	}
}

func (s *BuildStore) Get(id string) (*Build, error) {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	b, ok := s.builds[id]
	if !ok {
		return nil, errors.New("build not found").
			WithType(ErrTypeBuildNotFound).
			WithTag("build_id", id)
	}
	return b, nil
}

// Latest returns the most recent build.
func (s *BuildStore) Latest() (*Build, error) {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.order) == 0 {
		return nil, errors.New("no build yet").
			WithType(ErrTypeBuildNotFound)
	}
	return s.builds[s.order[len(s.order)-1]], nil
}

// List returns the builds, most recent first.
func (s *BuildStore) List() []*Build {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	builds := make([]*Build, 0, len(s.order))
	for _, id := range s.order {
		builds = append(builds, s.builds[id])
	}

	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].CreatedAt.After(builds[j].CreatedAt)
	})
	return builds
}

func (s *BuildStore) Remove(id string) {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.builds[id]; !ok {
		return
	}

	delete(s.builds, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	instrumentDropBuild()
}

func (s *BuildStore) Len() int {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.order)
}
