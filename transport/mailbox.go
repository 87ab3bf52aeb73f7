package transport

import (
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

type mailKey struct {
	src int
	tag int
}

// Mailbox queues the inbound payloads of one rank by source and tag.
type Mailbox struct {
	mutex   sync.Mutex
	queues  map[mailKey][][]byte
	waiters map[mailKey]chan struct{}
	closed  bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		queues:  make(map[mailKey][][]byte),
		waiters: make(map[mailKey]chan struct{}),
	}
}

// Put enqueues a payload and wakes up a pending Take on the same source and
// tag. Payloads put after Close are dropped.
func (m *Mailbox) Put(src, tag int, payload []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}

	k := mailKey{src: src, tag: tag}
	m.queues[k] = append(m.queues[k], payload)

	if w, ok := m.waiters[k]; ok {
		close(w)
		delete(m.waiters, k)
	}
}

// Take dequeues the oldest payload from src with the given tag, waiting for
// one when the queue is empty.
func (m *Mailbox) Take(ctx context.Context, src, tag int) ([]byte, error) {
	k := mailKey{src: src, tag: tag}

	for {
		m.mutex.Lock()
		if q := m.queues[k]; len(q) != 0 {
			payload := q[0]
			if len(q) == 1 {
				delete(m.queues, k)
			} else {
				m.queues[k] = q[1:]
			}
			m.mutex.Unlock()
			return payload, nil
		}

		if m.closed {
			m.mutex.Unlock()
			return nil, errors.New("mailbox closed").
				WithType(ErrTypeClosed).
				WithTag("src", src).
				WithTag("tag", tag)
		}

		w, ok := m.waiters[k]
		if !ok {
			w = make(chan struct{})
			m.waiters[k] = w
		}
		m.mutex.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			return nil, errors.New("receive canceled").
				WithType(ErrTypeTransport).
				WithTag("src", src).
				WithTag("tag", tag).
				Wrap(ctx.Err())
		}
	}
}

// Pending returns the number of queued payloads.
func (m *Mailbox) Pending() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// Close wakes up every waiting Take. Queued payloads can still be taken.
func (m *Mailbox) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for k, w := range m.waiters {
		close(w)
		delete(m.waiters, k)
	}
}
