package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/pkdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/subgroup"
	"github.com/aukilabs/kdpart/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newTestMeshes(t *testing.T, size int) ([]*Mesh, func()) {
	clusterID := NewClusterID()
	meshes := make([]*Mesh, size)
	servers := make([]*httptest.Server, size)
	peers := make([]string, size)

	for i := range servers {
		i := i
		servers[i] = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meshes[i].ServeHTTP(w, r)
		}))
		peers[i] = strings.ReplaceAll(servers[i].URL, "http://", "ws://")
	}

	for i := range meshes {
		m, err := NewMesh(Config{
			Rank:              i,
			Peers:             peers,
			ClusterID:         clusterID,
			DialRetryInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		meshes[i] = m
	}

	return meshes, func() {
		for _, m := range meshes {
			m.Close()
		}
		for _, s := range servers {
			s.Close()
		}
	}
}

// forEachRank runs fn for every mesh concurrently.
func forEachRank(t *testing.T, meshes []*Mesh, fn func(ctx context.Context, m *Mesh) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make([]error, len(meshes))

	var wg sync.WaitGroup
	wg.Add(len(meshes))
	for i, m := range meshes {
		go func(i int, m *Mesh) {
			defer wg.Done()
			errs[i] = fn(ctx, m)
		}(i, m)
	}
	wg.Wait()

	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func connect(t *testing.T, meshes []*Mesh) {
	forEachRank(t, meshes, func(ctx context.Context, m *Mesh) error {
		return m.Connect(ctx)
	})
	for _, m := range meshes {
		require.True(t, m.IsConnected())
	}
}

func TestMesh(t *testing.T) {
	t.Run("point to point", func(t *testing.T) {
		meshes, closeMeshes := newTestMeshes(t, 3)
		defer closeMeshes()
		connect(t, meshes)

		forEachRank(t, meshes, func(ctx context.Context, m *Mesh) error {
			for dst := 0; dst < m.Size(); dst++ {
				for seq := 0; seq < 2; seq++ {
					if err := m.Send(ctx, dst, 7, []byte{byte(m.Rank()), byte(dst), byte(seq)}); err != nil {
						return err
					}
				}
			}

			for src := m.Size() - 1; src >= 0; src-- {
				for seq := 0; seq < 2; seq++ {
					payload, err := m.Receive(ctx, src, 7)
					if err != nil {
						return err
					}
					if string(payload) != string([]byte{byte(src), byte(m.Rank()), byte(seq)}) {
						return errors.New("unexpected payload").
							WithTag("src", src).
							WithTag("payload", payload)
					}
				}
			}
			return nil
		})
	})

	t.Run("collectives", func(t *testing.T) {
		meshes, closeMeshes := newTestMeshes(t, 4)
		defer closeMeshes()
		connect(t, meshes)

		sums := make([][]int, len(meshes))
		forEachRank(t, meshes, func(ctx context.Context, m *Mesh) error {
			g, err := subgroup.New(m, 0, m.Size()-1, 42)
			if err != nil {
				return err
			}

			sum, err := subgroup.AllReduceSum(ctx, g, []int{m.Rank(), 1})
			sums[m.Rank()] = sum
			return err
		})

		for _, sum := range sums {
			require.Equal(t, []int{6, 4}, sum)
		}
	})

	t.Run("decomposition", func(t *testing.T) {
		const size = 3

		meshes, closeMeshes := newTestMeshes(t, size)
		defer closeMeshes()
		connect(t, meshes)

		points := pointset.Random(600, 17, kdtree.NewBox(0, 4, 0, 2, 0, 1))
		params := kdtree.DefaultParams()
		params.MinCells = 20

		locators := make([]*pkdtree.Locator, size)
		forEachRank(t, meshes, func(ctx context.Context, m *Mesh) error {
			l := pkdtree.NewLocator(m, pkdtree.Options{
				Params:           params,
				Assignment:       pkdtree.ContiguousAssignment,
				CheckFingerprint: true,
			})
			l.SetDatasets(pointset.Slice(points, m.Rank(), size))
			locators[m.Rank()] = l
			return l.BuildLocator(ctx)
		})

		for _, l := range locators {
			require.Equal(t, 600, l.TotalNumberOfCells())
			require.True(t, locators[0].Tree().Equal(l.Tree(), 0))
		}
	})

	t.Run("self send without peers", func(t *testing.T) {
		m, err := NewMesh(Config{
			Peers:     []string{"ws://localhost:1"},
			ClusterID: NewClusterID(),
		})
		require.NoError(t, err)
		defer m.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		require.NoError(t, m.Connect(ctx))
		require.NoError(t, m.Send(ctx, 0, 1, []byte("hello")))

		payload, err := m.Receive(ctx, 0, 1)
		require.NoError(t, err)
		require.Equal(t, "hello", string(payload))

		err = m.Send(ctx, 1, 1, nil)
		require.True(t, errors.IsType(err, transport.ErrTypeInvalidRank))
	})

	t.Run("close fails pending receives", func(t *testing.T) {
		m, err := NewMesh(Config{
			Peers:     []string{"ws://localhost:1"},
			ClusterID: NewClusterID(),
		})
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() {
			_, err := m.Receive(context.Background(), 0, 3)
			errc <- err
		}()

		time.Sleep(10 * time.Millisecond)
		m.Close()

		select {
		case err := <-errc:
			require.True(t, errors.IsType(err, transport.ErrTypeClosed))
		case <-time.After(5 * time.Second):
			t.Fatal("receive did not return")
		}
	})

	t.Run("lost peer fails pending receives", func(t *testing.T) {
		meshes, closeMeshes := newTestMeshes(t, 2)
		defer closeMeshes()
		connect(t, meshes)

		meshes[1].Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := meshes[0].Receive(ctx, 1, 9)
		require.True(t, errors.IsType(err, transport.ErrTypeClosed))

		require.False(t, meshes[0].IsConnected())
		require.False(t, meshes[1].IsConnected())
		require.Zero(t, meshes[0].connectedPeers())

		err = meshes[0].Send(ctx, 1, 9, []byte{1})
		require.True(t, errors.IsType(err, ErrTypeNotConnected))
	})

	t.Run("lost peer among three", func(t *testing.T) {
		meshes, closeMeshes := newTestMeshes(t, 3)
		defer closeMeshes()
		connect(t, meshes)

		meshes[2].Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, m := range meshes[:2] {
			_, err := m.Receive(ctx, 2, 3)
			require.True(t, errors.IsType(err, transport.ErrTypeClosed))
			require.False(t, m.IsConnected())
		}
	})

	t.Run("connect times out", func(t *testing.T) {
		meshes, closeMeshes := newTestMeshes(t, 2)
		defer closeMeshes()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := meshes[0].Connect(ctx)
		require.True(t, errors.IsType(err, ErrTypeNotConnected))
	})
}

func TestMeshHandshake(t *testing.T) {
	meshes, closeMeshes := newTestMeshes(t, 2)
	defer closeMeshes()

	dial := func(clusterID string, rank, target int) error {
		config, err := websocket.NewConfig(meshes[0].peers[0], origin)
		require.NoError(t, err)

		config.Header.Set(HeaderClusterID, clusterID)
		config.Header.Set(HeaderRank, strconv.Itoa(rank))
		config.Header.Set(HeaderTargetRank, strconv.Itoa(target))

		conn, err := websocket.DialConfig(config)
		if err == nil {
			conn.Close()
		}
		return err
	}

	require.Error(t, dial(NewClusterID(), 1, 0))
	require.Error(t, dial(meshes[0].clusterID, 1, 1))
	require.Error(t, dial(meshes[0].clusterID, 0, 0))
	require.Error(t, dial(meshes[0].clusterID, 2, 0))
	require.False(t, meshes[0].IsConnected())
}

func TestNewMesh(t *testing.T) {
	_, err := NewMesh(Config{ClusterID: NewClusterID()})
	require.True(t, errors.IsType(err, ErrTypeInvalidConfig))

	_, err = NewMesh(Config{Rank: 2, Peers: []string{"ws://a", "ws://b"}, ClusterID: NewClusterID()})
	require.True(t, errors.IsType(err, ErrTypeInvalidConfig))

	_, err = NewMesh(Config{Peers: []string{"ws://a"}, ClusterID: "cluster"})
	require.True(t, errors.IsType(err, ErrTypeInvalidConfig))
}

func TestFrame(t *testing.T) {
	tag, payload, err := decodeFrame(encodeFrame(-12, []byte{1, 2, 3}))
	require.NoError(t, err)
	require.Equal(t, -12, tag)
	require.Equal(t, []byte{1, 2, 3}, payload)

	tag, payload, err = decodeFrame(encodeFrame(0x1000, nil))
	require.NoError(t, err)
	require.Equal(t, 0x1000, tag)
	require.Empty(t, payload)

	_, _, err = decodeFrame([]byte{0x0a, 0xff})
	require.True(t, errors.IsType(err, ErrTypeMalformedFrame))

	_, _, err = decodeFrame(nil)
	require.True(t, errors.IsType(err, ErrTypeMalformedFrame))
}
