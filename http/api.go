package http

import (
	"math"
	"net/http"
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/bspcuts"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/models"
	"github.com/aukilabs/kdpart/pkdtree"
	"github.com/gin-gonic/gin"
	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	ErrTypeBadRequest = "bad-request"

	latestBuild = "latest"
)

// API answers region queries on the builds of a store. Builds are
// immutable once stored, so requests never wait for a build in progress.
type API struct {
	Builds  *models.BuildStore
	Cluster ClusterInfo
}

// Handler returns the routes of the API.
func (a *API) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/cluster", a.getCluster)
			v1.GET("/builds", a.getBuilds)
			v1.GET("/builds/:id", a.getBuild)
			v1.GET("/builds/:id/cuts", a.getCuts)
			v1.GET("/builds/:id/regions", a.getRegions)
			v1.GET("/builds/:id/regions/containing", a.getRegionContaining)
			v1.GET("/builds/:id/processes/:rank/regions", a.getProcessRegions)
			v1.POST("/builds/:id/intersections/box", a.postBoxIntersections)
			v1.POST("/builds/:id/intersections/sphere", a.postSphereIntersections)
			v1.POST("/builds/:id/view-order", a.postViewOrder)
		}
	}
	return r
}

func (a *API) getCluster(c *gin.Context) {
	c.JSON(http.StatusOK, a.Cluster.status())
}

func (a *API) getBuilds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"builds": a.Builds.List()})
}

func (a *API) getBuild(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b)
}

func (a *API) getCuts(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, b.Cuts)
}

type region struct {
	ID         int        `json:"id"`
	Bounds     [6]float64 `json:"bounds"`
	DataBounds [6]float64 `json:"data_bounds"`
	NumPoints  int        `json:"num_points"`
	Process    int        `json:"process"`
	Color      string     `json:"color"`
}

func (a *API) getRegions(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}

	t := b.Cuts.Tree()
	regions := make([]region, t.NumberOfRegions())
	for r := range regions {
		id, err := t.Region(r)
		if err != nil {
			a.abort(c, err)
			return
		}
		n := t.Node(id)

		process := -1
		colorKey := r
		if len(b.Assignment) != 0 {
			process = b.Assignment[r]
			colorKey = process
		}

		regions[r] = region{
			ID:         r,
			Bounds:     n.Bounds.Bounds(),
			DataBounds: n.DataBounds.Bounds(),
			NumPoints:  n.NumPoints,
			Process:    process,
			Color:      regionColor(colorKey),
		}
	}
	c.JSON(http.StatusOK, gin.H{"regions": regions})
}

// regionColor spreads hues by the golden angle, so that neighbor keys get
// distinct colors.
func regionColor(key int) string {
	hue := math.Mod(float64(key)*137.508, 360)
	return colorful.Hsv(hue, 0.65, 0.9).Hex()
}

func (a *API) getRegionContaining(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}

	var p [3]float64
	for i, name := range []string{"x", "y", "z"} {
		v, err := strconv.ParseFloat(c.Query(name), 64)
		if err != nil {
			a.abort(c, errors.New("invalid coordinate").
				WithType(ErrTypeBadRequest).
				WithTag("coordinate", name).
				Wrap(err))
			return
		}
		p[i] = v
	}

	id := b.Cuts.Tree().RegionContainingPoint(vec(p))
	c.JSON(http.StatusOK, gin.H{"region": id})
}

func (a *API) getProcessRegions(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}

	rank, err := strconv.Atoi(c.Param("rank"))
	if err != nil || rank < 0 || rank >= b.Size {
		a.abort(c, errors.New("invalid process").
			WithType(ErrTypeBadRequest).
			WithTag("rank", c.Param("rank")))
		return
	}
	if len(b.Assignment) == 0 {
		a.abort(c, errors.New("regions are not assigned").
			WithType(ErrTypeBadRequest).
			WithTag("build_id", b.ID))
		return
	}

	regions := []int{}
	for r, p := range b.Assignment {
		if p == rank {
			regions = append(regions, r)
		}
	}

	boxes, err := b.Cuts.Tree().MinimalNumberOfConvexSubRegions(regions)
	if err != nil {
		a.abort(c, err)
		return
	}

	bounds := make([][6]float64, len(boxes))
	for i, box := range boxes {
		bounds[i] = box.Bounds()
	}
	c.JSON(http.StatusOK, gin.H{
		"regions":            regions,
		"convex_sub_regions": bounds,
	})
}

type boxQuery struct {
	Bounds        *[6]float64 `json:"bounds" binding:"required"`
	UseDataBounds bool        `json:"use_data_bounds"`
}

func (a *API) postBoxIntersections(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}

	var q boxQuery
	if !a.bind(c, &q) {
		return
	}

	x := bspcuts.NewIntersections(b.Cuts)
	x.SetComputeIntersectionsUsingDataBounds(q.UseDataBounds)

	ids, err := x.IntersectingRegionsBox(kdtree.BoxFromBounds(*q.Bounds))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"regions":       ids,
		"nodes_visited": x.NodesVisited(),
	})
}

type sphereQuery struct {
	Center        *[3]float64 `json:"center" binding:"required"`
	Radius        float64     `json:"radius" binding:"gte=0"`
	UseDataBounds bool        `json:"use_data_bounds"`
}

func (a *API) postSphereIntersections(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}

	var q sphereQuery
	if !a.bind(c, &q) {
		return
	}

	x := bspcuts.NewIntersections(b.Cuts)
	x.SetComputeIntersectionsUsingDataBounds(q.UseDataBounds)

	ids, err := x.IntersectingRegionsSphere2(vec(*q.Center), q.Radius*q.Radius)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"regions":       ids,
		"nodes_visited": x.NodesVisited(),
	})
}

type viewOrderQuery struct {
	Direction *[3]float64 `json:"direction"`
	Position  *[3]float64 `json:"position"`
	Regions   []int       `json:"regions"`
}

func (a *API) postViewOrder(c *gin.Context) {
	b, ok := a.build(c)
	if !ok {
		return
	}

	var q viewOrderQuery
	if !a.bind(c, &q) {
		return
	}

	t := b.Cuts.Tree()
	var ids []int
	var err error

	switch {
	case q.Direction != nil && q.Position == nil:
		ids, err = t.ViewOrderRegionsInDirection(q.Regions, vec(*q.Direction))
	case q.Position != nil && q.Direction == nil:
		ids, err = t.ViewOrderRegionsFromPosition(q.Regions, vec(*q.Position))
	default:
		err = errors.New("either a direction or a position is required").
			WithType(ErrTypeBadRequest)
	}
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"regions": ids})
}

func (a *API) build(c *gin.Context) (*models.Build, bool) {
	var b *models.Build
	var err error

	if id := c.Param("id"); id == latestBuild {
		b, err = a.Builds.Latest()
	} else {
		b, err = a.Builds.Get(id)
	}
	if err != nil {
		a.abort(c, err)
		return nil, false
	}
	return b, true
}

func (a *API) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		a.abort(c, errors.New("invalid request body").
			WithType(ErrTypeBadRequest).
			Wrap(err))
		return false
	}
	return true
}

func (a *API) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.Type(err) {
	case models.ErrTypeBuildNotFound:
		status = http.StatusNotFound
	case ErrTypeBadRequest, pkdtree.ErrTypeInvalidArgument:
		status = http.StatusBadRequest
	default:
		logs.WithTag("path", c.FullPath()).Warn(err)
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"type":  errors.Type(err),
	})
}

func vec(v [3]float64) r3.Vec {
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}
