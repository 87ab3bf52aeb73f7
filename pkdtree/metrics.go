package pkdtree

import (
	"strconv"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errTypeLabel = "error_type"
	levelLabel   = "level"
	pathLabel    = "path"
)

var (
	builds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkdtree_builds",
		Help: "The number of decompositions built, by build path.",
	}, []string{
		pathLabel,
	})

	buildErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkdtree_build_errors",
		Help: "The errors that occurred while building a decomposition.",
	}, []string{
		errTypeLabel,
	})

	buildLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pkdtree_build_latency_seconds",
		Help:    "The time taken to build a decomposition.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 3, 12),
	}, []string{
		pathLabel,
	})

	divideLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pkdtree_divide_latency_seconds",
		Help:    "The time taken to divide a region, by tree level.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	}, []string{
		levelLabel,
	})

	regionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pkdtree_regions",
		Help: "The number of regions of the last decomposition.",
	})
)

func instrumentBuild(path string, start time.Time, regions int, err error) {
	if err != nil {
		buildErrors.With(prometheus.Labels{
			errTypeLabel: errors.Type(err),
		}).Inc()
		return
	}

	labels := prometheus.Labels{pathLabel: path}
	builds.With(labels).Inc()
	buildLatency.With(labels).Observe(time.Since(start).Seconds())
	regionsGauge.Set(float64(regions))
}

func instrumentDivide(level int, start time.Time) {
	divideLatency.With(prometheus.Labels{
		levelLabel: strconv.Itoa(level),
	}).Observe(time.Since(start).Seconds())
}
