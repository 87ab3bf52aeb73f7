package transport

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	backendLabel = "backend"
	errTypeLabel = "error_type"
)

var (
	sentMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_sent_msgs",
		Help: "The number of payloads handed to a transport.",
	}, []string{
		backendLabel,
	})

	sentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_sent_bytes",
		Help: "The number of bytes handed to a transport.",
	}, []string{
		backendLabel,
	})

	receivedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_received_bytes",
		Help: "The number of bytes received from a transport.",
	}, []string{
		backendLabel,
	})

	receiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_receive_errors",
		Help: "The errors that occurred while waiting for a payload.",
	}, []string{
		backendLabel,
		errTypeLabel,
	})

	receiveWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transport_receive_wait_seconds",
		Help:    "The time spent blocked waiting for a payload.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{
		backendLabel,
	})
)

// InstrumentSend records a payload handed to a transport backend.
func InstrumentSend(backend string, size int) {
	labels := prometheus.Labels{backendLabel: backend}
	sentMsgs.With(labels).Inc()
	sentBytes.With(labels).Add(float64(size))
}

// InstrumentReceive records a completed or failed receive on a transport
// backend.
func InstrumentReceive(backend string, start time.Time, size int, err error) {
	if err != nil {
		receiveErrors.With(prometheus.Labels{
			backendLabel: backend,
			errTypeLabel: errors.Type(err),
		}).Inc()
		return
	}

	labels := prometheus.Labels{backendLabel: backend}
	receivedBytes.With(labels).Add(float64(size))
	receiveWait.With(labels).Observe(time.Since(start).Seconds())
}
