// Package websocket connects the ranks of a decomposition cluster to each
// other over websockets.
//
// Every rank serves the mesh endpoint and dials the ranks below its own, so
// that each pair of ranks shares a single connection. Payloads travel as
// frames tagged with the transport tag and are queued on arrival, which
// lets a rank receive them in any order.
package websocket

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/transport"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeInvalidConfig = "mesh-invalid-config"
	ErrTypeHandshake     = "mesh-handshake-error"
	ErrTypeNotConnected  = "mesh-not-connected"

	HeaderClusterID  = "Kdpart-Cluster-Id"
	HeaderRank       = "Kdpart-Rank"
	HeaderTargetRank = "Kdpart-Target-Rank"

	backend = "websocket"
	origin  = "http://localhost"

	defaultDialRetryInterval = time.Second
	defaultDialTimeout       = 5 * time.Second
	defaultMaxFrameBytes     = 1 << 30
)

// Config describes a rank and the mesh it belongs to.
type Config struct {
	// The rank of the local process.
	Rank int

	// The websocket URLs of the mesh endpoint of every rank, the local one
	// included.
	Peers []string

	// The id shared by every rank of the cluster. Connections from another
	// cluster are refused.
	ClusterID string

	// The time to wait before dialing a rank again.
	DialRetryInterval time.Duration

	// The interval between inbound frame summaries. Zero disables them.
	SummaryInterval time.Duration

	// The largest frame accepted from a peer.
	MaxFrameBytes int
}

// Mesh is a Transport whose ranks are connected over websockets.
type Mesh struct {
	rank          int
	peers         []string
	clusterID     string
	retryInterval time.Duration
	maxFrameBytes int

	server  websocket.Server
	mailbox *transport.Mailbox
	summary *summary

	mutex        sync.Mutex
	conns        []*peerConn
	numConnected int
	connected    chan struct{}
	lost         bool
	closed       bool
	done         chan struct{}

	wg sync.WaitGroup
}

type peerConn struct {
	rank       int
	conn       *websocket.Conn
	writeMutex sync.Mutex
}

// NewClusterID returns a fresh cluster id.
func NewClusterID() string {
	return uuid.NewString()
}

// NewMesh creates the mesh transport of a rank. It serves the connections
// of the ranks above it as an http.Handler; Connect dials the ones below.
func NewMesh(conf Config) (*Mesh, error) {
	if len(conf.Peers) == 0 {
		return nil, errors.New("no peers").WithType(ErrTypeInvalidConfig)
	}
	if conf.Rank < 0 || conf.Rank >= len(conf.Peers) {
		return nil, errors.New("rank out of range").
			WithType(ErrTypeInvalidConfig).
			WithTag("rank", conf.Rank).
			WithTag("size", len(conf.Peers))
	}
	if _, err := uuid.Parse(conf.ClusterID); err != nil {
		return nil, errors.New("invalid cluster id").
			WithType(ErrTypeInvalidConfig).
			WithTag("cluster_id", conf.ClusterID).
			Wrap(err)
	}

	if conf.DialRetryInterval <= 0 {
		conf.DialRetryInterval = defaultDialRetryInterval
	}
	if conf.MaxFrameBytes <= 0 {
		conf.MaxFrameBytes = defaultMaxFrameBytes
	}

	m := &Mesh{
		rank:          conf.Rank,
		peers:         conf.Peers,
		clusterID:     conf.ClusterID,
		retryInterval: conf.DialRetryInterval,
		maxFrameBytes: conf.MaxFrameBytes,
		mailbox:       transport.NewMailbox(),
		summary:       newSummary(conf.Rank, conf.SummaryInterval),
		conns:         make([]*peerConn, len(conf.Peers)),
		connected:     make(chan struct{}),
		done:          make(chan struct{}),
	}
	m.server = websocket.Server{
		Handshake: m.handshake,
		Handler:   m.accept,
	}

	if len(conf.Peers) == 1 {
		close(m.connected)
	}
	return m, nil
}

func (m *Mesh) Rank() int {
	return m.rank
}

func (m *Mesh) Size() int {
	return len(m.peers)
}

// ServeHTTP accepts the connections of the ranks above the local one.
func (m *Mesh) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.server.ServeHTTP(w, r)
}

// Connected returns a channel closed once every peer is connected.
func (m *Mesh) Connected() <-chan struct{} {
	return m.connected
}

// IsConnected reports whether every peer is connected. It turns false for
// good once a peer is lost or the mesh is closed.
func (m *Mesh) IsConnected() bool {
	select {
	case <-m.connected:
	default:
		return false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	return !m.closed && !m.lost && m.numConnected == m.Size()-1
}

// Connect dials the ranks below the local one, retrying until they answer,
// then waits for the ranks above to connect.
func (m *Mesh) Connect(ctx context.Context) error {
	for peer := 0; peer < m.rank; peer++ {
		m.wg.Add(1)
		go func(peer int) {
			defer m.wg.Done()
			m.dialLoop(ctx, peer)
		}(peer)
	}

	select {
	case <-m.connected:
		logs.WithTag("rank", m.rank).
			WithTag("size", m.Size()).
			Info("mesh connected")
		return nil

	case <-ctx.Done():
		return errors.New("connecting the mesh failed").
			WithType(ErrTypeNotConnected).
			WithTag("rank", m.rank).
			WithTag("connected_peers", m.connectedPeers()).
			Wrap(ctx.Err())
	}
}

func (m *Mesh) dialLoop(ctx context.Context, peer int) {
	for {
		conn, err := m.dial(peer)
		if err == nil {
			pc, err := m.register(peer, conn)
			if err != nil {
				conn.Close()
				logs.WithTag("rank", m.rank).
					WithTag("peer", peer).
					Warn(err)
				return
			}
			m.read(pc)
			return
		}

		logs.WithTag("rank", m.rank).
			WithTag("peer", peer).
			WithTag("endpoint", m.peers[peer]).
			Debug(errors.New("dialing peer failed").Wrap(err))

		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-time.After(m.retryInterval):
		}
	}
}

func (m *Mesh) dial(peer int) (*websocket.Conn, error) {
	instrumentDial()

	config, err := websocket.NewConfig(m.peers[peer], origin)
	if err != nil {
		return nil, errors.New("invalid peer endpoint").
			WithType(ErrTypeInvalidConfig).
			WithTag("endpoint", m.peers[peer]).
			Wrap(err)
	}
	config.Header.Set(HeaderClusterID, m.clusterID)
	config.Header.Set(HeaderRank, strconv.Itoa(m.rank))
	config.Header.Set(HeaderTargetRank, strconv.Itoa(peer))
	config.Dialer = &net.Dialer{Timeout: defaultDialTimeout}

	return websocket.DialConfig(config)
}

func (m *Mesh) handshake(config *websocket.Config, r *http.Request) error {
	if clusterID := r.Header.Get(HeaderClusterID); clusterID != m.clusterID {
		return errors.New("cluster id mismatch").
			WithType(ErrTypeHandshake).
			WithTag("cluster_id", clusterID)
	}

	target, err := strconv.Atoi(r.Header.Get(HeaderTargetRank))
	if err != nil || target != m.rank {
		return errors.New("connection is meant for another rank").
			WithType(ErrTypeHandshake).
			WithTag("target", r.Header.Get(HeaderTargetRank))
	}

	rank, err := strconv.Atoi(r.Header.Get(HeaderRank))
	if err != nil || rank <= m.rank || rank >= m.Size() {
		return errors.New("unexpected peer rank").
			WithType(ErrTypeHandshake).
			WithTag("peer", r.Header.Get(HeaderRank))
	}
	return nil
}

func (m *Mesh) accept(conn *websocket.Conn) {
	defer conn.Close()

	rank, _ := strconv.Atoi(conn.Request().Header.Get(HeaderRank))
	pc, err := m.register(rank, conn)
	if err != nil {
		logs.WithTag("rank", m.rank).
			WithTag("peer", rank).
			Warn(err)
		return
	}
	m.read(pc)
}

func (m *Mesh) register(rank int, conn *websocket.Conn) (*peerConn, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, errors.New("mesh is closed").WithType(transport.ErrTypeClosed)
	}
	if m.conns[rank] != nil {
		return nil, errors.New("peer is already connected").
			WithType(ErrTypeHandshake).
			WithTag("peer", rank)
	}

	conn.PayloadType = websocket.BinaryFrame
	conn.MaxPayloadBytes = m.maxFrameBytes

	pc := &peerConn{rank: rank, conn: conn}
	m.conns[rank] = pc
	m.numConnected++
	instrumentConnectedPeers(1)

	logs.WithTag("rank", m.rank).
		WithTag("peer", rank).
		Info("peer connected")

	if m.numConnected == m.Size()-1 {
		close(m.connected)
	}
	return pc, nil
}

// read queues the frames of a peer until its connection ends.
func (m *Mesh) read(pc *peerConn) {
	for {
		var frame []byte
		if err := websocket.Message.Receive(pc.conn, &frame); err != nil {
			m.disconnected(pc, err)
			return
		}

		tag, payload, err := decodeFrame(frame)
		if err != nil {
			instrumentFrameError(err)
			m.disconnected(pc, err)
			return
		}

		instrumentReceivedFrame(pc.rank, len(frame))
		m.summary.inc(pc.rank)
		m.mailbox.Put(pc.rank, tag, payload)
	}
}

// disconnected forgets a peer. The mesh cannot recover from a lost peer:
// its mailbox is closed so that pending receives fail instead of waiting
// forever.
func (m *Mesh) disconnected(pc *peerConn, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.conns[pc.rank] != pc {
		return
	}
	m.conns[pc.rank] = nil
	m.numConnected--
	instrumentConnectedPeers(-1)

	if m.closed {
		return
	}
	m.lost = true

	logs.WithTag("rank", m.rank).
		WithTag("peer", pc.rank).
		Warn(errors.New("peer disconnected").
			WithType(transport.ErrTypeTransport).
			Wrap(err))
	m.mailbox.Close()
}

func (m *Mesh) peer(rank int) *peerConn {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.conns[rank]
}

func (m *Mesh) connectedPeers() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.numConnected
}

func (m *Mesh) checkRank(rank int) error {
	if rank < 0 || rank >= m.Size() {
		return errors.New("rank out of range").
			WithType(transport.ErrTypeInvalidRank).
			WithTag("rank", rank).
			WithTag("size", m.Size())
	}
	return nil
}

func (m *Mesh) Send(ctx context.Context, dst, tag int, payload []byte) error {
	if err := m.checkRank(dst); err != nil {
		return err
	}
	transport.InstrumentSend(backend, len(payload))

	if dst == m.rank {
		m.mailbox.Put(m.rank, tag, append([]byte{}, payload...))
		return nil
	}

	pc := m.peer(dst)
	if pc == nil {
		return errors.New("peer is not connected").
			WithType(ErrTypeNotConnected).
			WithTag("peer", dst)
	}

	frame := encodeFrame(tag, payload)

	pc.writeMutex.Lock()
	defer pc.writeMutex.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetWriteDeadline(deadline)
		defer pc.conn.SetWriteDeadline(time.Time{})
	}

	if err := websocket.Message.Send(pc.conn, frame); err != nil {
		err = errors.New("sending frame failed").
			WithType(transport.ErrTypeTransport).
			WithTag("peer", dst).
			WithTag("tag", tag).
			Wrap(err)
		instrumentFrameError(err)
		return err
	}
	return nil
}

func (m *Mesh) Receive(ctx context.Context, src, tag int) ([]byte, error) {
	if err := m.checkRank(src); err != nil {
		return nil, err
	}

	start := time.Now()
	payload, err := m.mailbox.Take(ctx, src, tag)
	transport.InstrumentReceive(backend, start, len(payload), err)
	return payload, err
}

// Close disconnects every peer and fails the pending receives.
func (m *Mesh) Close() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.closed = true
	close(m.done)

	conns := make([]*peerConn, 0, len(m.conns))
	for _, pc := range m.conns {
		if pc != nil {
			conns = append(conns, pc)
		}
	}
	m.mutex.Unlock()

	for _, pc := range conns {
		pc.conn.Close()
	}
	m.mailbox.Close()
	m.wg.Wait()
	m.summary.close()
}
