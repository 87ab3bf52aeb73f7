package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storedBuilds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stored_builds",
		Help: "The number of builds kept in memory.",
	})

	storedBuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stored_builds_total",
		Help: "The total number of builds stored.",
	})

	storedBuildRegions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stored_build_regions",
		Help:    "The number of regions of the stored builds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})
)

func instrumentAddBuild(regions int) {
	storedBuilds.Inc()
	storedBuildsTotal.Inc()
	storedBuildRegions.Observe(float64(regions))
}

func instrumentDropBuild() {
	storedBuilds.Dec()
}
