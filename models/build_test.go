package models

import (
	"context"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/pkdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/transport"
	"github.com/stretchr/testify/require"
)

func builtLocator(t *testing.T) *pkdtree.Locator {
	params := kdtree.DefaultParams()
	params.MinCells = 10

	l := pkdtree.NewLocator(transport.NewCluster(1).Rank(0), pkdtree.Options{
		Params:     params,
		Assignment: pkdtree.RoundRobinAssignment,
	})
	l.SetDatasets(pointset.Random(200, 1, kdtree.NewBox(0, 1, 0, 1, 0, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, l.BuildLocator(ctx))
	return l
}

func TestNewBuild(t *testing.T) {
	t.Run("snapshots a locator", func(t *testing.T) {
		l := builtLocator(t)

		b, err := NewBuild(l, 0, 1, time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, b.ID)
		require.Equal(t, l.NumberOfRegions(), b.Regions)
		require.Equal(t, 200, b.TotalCells)
		require.Equal(t, l.Cuts().Fingerprint(), b.Fingerprint)
		require.Equal(t, "round-robin", b.Policy)
		require.Len(t, b.Assignment, b.Regions)
	})

	t.Run("fails without a tree", func(t *testing.T) {
		l := pkdtree.NewLocator(transport.NewCluster(1).Rank(0), pkdtree.Options{})
		_, err := NewBuild(l, 0, 1, 0)
		require.True(t, errors.IsType(err, pkdtree.ErrTypeNoTree))
	})
}

func TestBuildStore(t *testing.T) {
	newBuild := func(id string, at time.Time) *Build {
		return &Build{ID: id, CreatedAt: at, Regions: 4}
	}
	now := time.Now()

	t.Run("add and get", func(t *testing.T) {
		var store BuildStore

		_, err := store.Latest()
		require.True(t, errors.IsType(err, ErrTypeBuildNotFound))

		store.Add(newBuild("a", now))
		store.Add(newBuild("b", now.Add(time.Second)))

		b, err := store.Get("a")
		require.NoError(t, err)
		require.Equal(t, "a", b.ID)

		b, err = store.Latest()
		require.NoError(t, err)
		require.Equal(t, "b", b.ID)

		_, err = store.Get("c")
		require.True(t, errors.IsType(err, ErrTypeBuildNotFound))
	})

	t.Run("drops the oldest builds", func(t *testing.T) {
		store := BuildStore{Limit: 2}

		store.Add(newBuild("a", now))
		store.Add(newBuild("b", now.Add(time.Second)))
		store.Add(newBuild("c", now.Add(2*time.Second)))
		require.Equal(t, 2, store.Len())

		_, err := store.Get("a")
		require.Error(t, err)

		builds := store.List()
		require.Len(t, builds, 2)
		require.Equal(t, "c", builds[0].ID)
		require.Equal(t, "b", builds[1].ID)
	})

	t.Run("remove", func(t *testing.T) {
		var store BuildStore

		store.Add(newBuild("a", now))
		store.Add(newBuild("a", now))
		require.Equal(t, 1, store.Len())

		store.Remove("a")
		store.Remove("a")
		require.Zero(t, store.Len())
	})
}
