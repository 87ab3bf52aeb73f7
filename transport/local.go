package transport

import (
	"context"
	"sync"
	"time"
)

const localBackend = "local"

// Cluster is a set of ranks living in the same process. Each rank gets its
// own Local transport; payloads go through shared mailboxes.
type Cluster struct {
	boxes []*Mailbox
}

// NewCluster creates an in-process cluster of the given size.
func NewCluster(size int) *Cluster {
	boxes := make([]*Mailbox, size)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	return &Cluster{boxes: boxes}
}

func (c *Cluster) Size() int {
	return len(c.boxes)
}

// Rank returns the transport of the given rank.
func (c *Cluster) Rank(rank int) *Local {
	return &Local{
		cluster: c,
		rank:    rank,
	}
}

// Close releases every rank blocked in Receive.
func (c *Cluster) Close() {
	for _, b := range c.boxes {
		b.Close()
	}
}

// Local is the transport of one rank of a Cluster.
type Local struct {
	cluster *Cluster
	rank    int
}

func (l *Local) Rank() int {
	return l.rank
}

func (l *Local) Size() int {
	return len(l.cluster.boxes)
}

func (l *Local) Send(ctx context.Context, dst, tag int, payload []byte) error {
	if err := checkRank(dst, l.Size()); err != nil {
		return err
	}

	// The receiver owns what it takes.
	data := make([]byte, len(payload))
	copy(data, payload)

	l.cluster.boxes[dst].Put(l.rank, tag, data)
	InstrumentSend(localBackend, len(data))
	return nil
}

func (l *Local) Receive(ctx context.Context, src, tag int) ([]byte, error) {
	if err := checkRank(src, l.Size()); err != nil {
		return nil, err
	}

	start := time.Now()
	payload, err := l.cluster.boxes[l.rank].Take(ctx, src, tag)
	InstrumentReceive(localBackend, start, len(payload), err)
	return payload, err
}

// Run executes fn once per rank of a new in-process cluster, each call on its
// own goroutine, and returns the per-rank errors once every call returned.
func Run(ctx context.Context, size int, fn func(ctx context.Context, t Transport) error) []error {
	cluster := NewCluster(size)
	defer cluster.Close()

	errs := make([]error, size)

	var wg sync.WaitGroup
	wg.Add(size)

	for rank := 0; rank < size; rank++ {
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(ctx, cluster.Rank(rank))
		}(rank)
	}

	wg.Wait()
	return errs
}
