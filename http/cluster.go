package http

import (
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/websocket"
)

// HeaderClusterID carries the cluster id on requests that only members of
// the cluster may make.
const HeaderClusterID = websocket.HeaderClusterID

// ClusterInfo describes the rank serving a request.
type ClusterInfo struct {
	ClusterID string `json:"-"`
	Rank      int    `json:"rank"`
	Size      int    `json:"size"`

	// Reports whether every peer is connected.
	Connected func() bool `json:"-"`
}

type clusterStatus struct {
	Rank      int  `json:"rank"`
	Size      int  `json:"size"`
	Connected bool `json:"connected"`
}

func (c ClusterInfo) status() clusterStatus {
	connected := true
	if c.Connected != nil {
		connected = c.Connected()
	}

	return clusterStatus{
		Rank:      c.Rank,
		Size:      c.Size,
		Connected: connected,
	}
}

// VerifyClusterID refuses the requests that do not carry the cluster id.
func VerifyClusterID(clusterID string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(HeaderClusterID); id != clusterID {
			logs.WithTag("remote_addr", r.RemoteAddr).
				WithTag("path", r.URL.Path).
				Warn("request with an unknown cluster id")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	}
}
