package websocket

import (
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	errTypeLabel = "error_type"
	peerLabel    = "peer"
)

var (
	meshConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connected_peers",
		Help: "The number of ranks connected to this one.",
	})

	meshDialAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_dial_attempts",
		Help: "The number of times a peer was dialed.",
	})

	meshReceivedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_received_frames",
		Help: "The number of frames received from peers.",
	}, []string{
		peerLabel,
	})

	meshReceivedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_received_bytes",
		Help: "The number of bytes received from peers.",
	}, []string{
		peerLabel,
	})

	meshFrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_frame_errors",
		Help: "The errors that occurred while sending or decoding a frame.",
	}, []string{
		errTypeLabel,
	})
)

func instrumentConnectedPeers(delta int) {
	meshConnectedPeers.Add(float64(delta))
}

func instrumentDial() {
	meshDialAttempts.Inc()
}

func instrumentReceivedFrame(peer, size int) {
	labels := prometheus.Labels{peerLabel: strconv.Itoa(peer)}
	meshReceivedFrames.With(labels).Inc()
	meshReceivedBytes.With(labels).Add(float64(size))
}

func instrumentFrameError(err error) {
	meshFrameErrors.With(prometheus.Labels{
		errTypeLabel: errors.Type(err),
	}).Inc()
}
