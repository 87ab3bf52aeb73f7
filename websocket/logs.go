package websocket

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
)

// summary counts the frames received from every peer and logs the counts
// at a regular interval.
type summary struct {
	rank               int
	interval           time.Duration
	closeSummaryWorker func()

	counterMutex sync.Mutex
	counter      map[string]int
}

func newSummary(rank int, interval time.Duration) *summary {
	ctx, cancel := context.WithCancel(context.Background())

	s := &summary{
		rank:               rank,
		interval:           interval,
		closeSummaryWorker: cancel,
		counter:            make(map[string]int),
	}

	if interval > 0 {
		go s.startSummaryWorker(ctx)
	}
	return s
}

func (s *summary) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.logSummary()
		}
	}
}

func (s *summary) inc(peer int) {
	s.counterMutex.Lock()
	defer s.counterMutex.Unlock()

	s.counter["peer_"+strconv.Itoa(peer)]++
}

func (s *summary) logSummary() {
	s.counterMutex.Lock()
	defer s.counterMutex.Unlock()

	if len(s.counter) == 0 {
		return
	}

	entry := logs.
		WithTag("rank", s.rank).
		WithTag("time_interval", s.interval)

	for k, v := range s.counter {
		entry = entry.WithTag(k, v)
		delete(s.counter, k)
	}

	entry.Info("inbound frame summary")
}

func (s *summary) close() {
	s.closeSummaryWorker()
	s.logSummary()
}
