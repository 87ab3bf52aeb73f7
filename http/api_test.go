package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aukilabs/kdpart/bspcuts"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/models"
	"github.com/aukilabs/kdpart/pkdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/transport"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*API, *models.Build) {
	const size = 2

	points := pointset.Random(1000, 4, kdtree.NewBox(0, 8, 0, 1, 0, 1))
	params := kdtree.DefaultParams()
	params.NumberOfRegionsOrLess = 8

	locators := make([]*pkdtree.Locator, size)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := transport.Run(ctx, size, func(ctx context.Context, tr transport.Transport) error {
		l := pkdtree.NewLocator(tr, pkdtree.Options{
			Params:     params,
			Assignment: pkdtree.ContiguousAssignment,
		})
		l.SetDatasets(pointset.Slice(points, tr.Rank(), size))
		locators[tr.Rank()] = l
		return l.BuildLocator(ctx)
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	b, err := models.NewBuild(locators[0], 0, size, time.Millisecond)
	require.NoError(t, err)

	store := &models.BuildStore{}
	store.Add(b)

	return &API{
		Builds: store,
		Cluster: ClusterInfo{
			ClusterID: "cluster",
			Size:      size,
		},
	}, b
}

func serve(t *testing.T, h http.Handler, method, path string, body string, v any) int {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if v != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
	}
	return w.Code
}

func TestAPI(t *testing.T) {
	api, build := newTestAPI(t)
	h := api.Handler()

	t.Run("cluster", func(t *testing.T) {
		var res clusterStatus
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/cluster", "", &res))
		require.Equal(t, 2, res.Size)
		require.True(t, res.Connected)
	})

	t.Run("builds", func(t *testing.T) {
		var res struct {
			Builds []models.Build `json:"builds"`
		}
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds", "", &res))
		require.Len(t, res.Builds, 1)
		require.Equal(t, build.ID, res.Builds[0].ID)

		var b models.Build
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds/latest", "", &b))
		require.Equal(t, build.ID, b.ID)
		require.Equal(t, 8, b.Regions)
		require.Equal(t, "contiguous", b.Policy)

		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds/"+build.ID, "", nil))
		require.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/api/v1/builds/unknown", "", nil))
	})

	t.Run("cuts", func(t *testing.T) {
		var cuts bspcuts.Cuts
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds/latest/cuts", "", &cuts))
		require.True(t, build.Cuts.Equals(&cuts, 0))
	})

	t.Run("regions", func(t *testing.T) {
		var res struct {
			Regions []region `json:"regions"`
		}
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds/latest/regions", "", &res))
		require.Len(t, res.Regions, 8)

		total := 0
		for i, r := range res.Regions {
			require.Equal(t, i, r.ID)
			require.Equal(t, i/4, r.Process)
			require.True(t, strings.HasPrefix(r.Color, "#"))
			total += r.NumPoints
		}
		require.Equal(t, 1000, total)
		require.Equal(t, res.Regions[0].Color, res.Regions[3].Color)
		require.NotEqual(t, res.Regions[0].Color, res.Regions[4].Color)
	})

	t.Run("region containing a point", func(t *testing.T) {
		var res struct {
			Region int `json:"region"`
		}
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds/latest/regions/containing?x=7.9&y=0.5&z=0.5", "", &res))
		require.Equal(t, 7, res.Region)

		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds/latest/regions/containing?x=70&y=0.5&z=0.5", "", &res))
		require.Equal(t, -1, res.Region)

		require.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodGet, "/api/v1/builds/latest/regions/containing?x=a&y=0&z=0", "", nil))
	})

	t.Run("process regions", func(t *testing.T) {
		var res struct {
			Regions          []int        `json:"regions"`
			ConvexSubRegions [][6]float64 `json:"convex_sub_regions"`
		}
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/api/v1/builds/latest/processes/1/regions", "", &res))
		require.Equal(t, []int{4, 5, 6, 7}, res.Regions)
		require.Len(t, res.ConvexSubRegions, 1)

		require.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodGet, "/api/v1/builds/latest/processes/2/regions", "", nil))
	})

	t.Run("box intersections", func(t *testing.T) {
		var res struct {
			Regions      []int `json:"regions"`
			NodesVisited int   `json:"nodes_visited"`
		}
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/api/v1/builds/latest/intersections/box",
			`{"bounds": [-1, 9, -1, 2, -1, 2]}`, &res))
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, res.Regions)

		require.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/api/v1/builds/latest/intersections/box",
			`{"bounds": [20, 21, 20, 21, 20, 21]}`, &res))
		require.Empty(t, res.Regions)
		require.Equal(t, 1, res.NodesVisited)

		require.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/api/v1/builds/latest/intersections/box", `{}`, nil))
	})

	t.Run("sphere intersections", func(t *testing.T) {
		var res struct {
			Regions []int `json:"regions"`
		}
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/api/v1/builds/latest/intersections/sphere",
			`{"center": [0.5, 0.5, 0.5], "radius": 0.001}`, &res))
		require.Equal(t, []int{0}, res.Regions)

		require.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/api/v1/builds/latest/intersections/sphere",
			`{"center": [0, 0, 0], "radius": -1}`, nil))
	})

	t.Run("view order", func(t *testing.T) {
		var res struct {
			Regions []int `json:"regions"`
		}
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/api/v1/builds/latest/view-order",
			`{"direction": [-1, 0, 0]}`, &res))
		require.Equal(t, []int{7, 6, 5, 4, 3, 2, 1, 0}, res.Regions)

		require.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/api/v1/builds/latest/view-order",
			`{"position": [-5, 0, 0], "regions": [6, 1]}`, &res))
		require.Equal(t, []int{1, 6}, res.Regions)

		require.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/api/v1/builds/latest/view-order",
			`{"position": [0, 0, 0], "direction": [1, 0, 0]}`, nil))
	})
}

func TestMetricsPathFormatter(t *testing.T) {
	require.Empty(t, MetricsPathFormatter(http.StatusNotFound, "/api/v1/builds/x"))
	require.Equal(t, "/health", MetricsPathFormatter(http.StatusOK, "/health"))
	require.Equal(t, "/api/v1/builds/:id/regions", MetricsPathFormatter(http.StatusOK, "/api/v1/builds/1234/regions"))
	require.Equal(t, "/api/v1/builds/latest/cuts", MetricsPathFormatter(http.StatusOK, "/api/v1/builds/latest/cuts"))
	require.Equal(t, "/api/v1/builds/:id/processes/:rank/regions", MetricsPathFormatter(http.StatusOK, "/api/v1/builds/abc/processes/3/regions"))
}

func TestVerifyClusterID(t *testing.T) {
	h := VerifyClusterID("cluster", HandleHealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/smoke-test", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set(HeaderClusterID, "cluster")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleWithCORS(t *testing.T) {
	h := HandleWithCORS(http.HandlerFunc(HandleVersion("v1.0.0")))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/version", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, "v1.0.0", w.Body.String())
}

func TestHandleReadyCheck(t *testing.T) {
	ready := false
	h := HandleReadyCheck(func() bool { return ready })

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready = true
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
