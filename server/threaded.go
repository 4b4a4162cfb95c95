package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mpimg/srmilter"
)

// threadPool bounds concurrent connection workers with a weighted
// semaphore: before starting a worker, dispatch blocks until a slot is
// free, mirroring a (mutex, condvar) pair with a fixed capacity.
type threadPool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	active atomic.Int64
}

func newThreadPool(limit int) *threadPool {
	return &threadPool{sem: semaphore.NewWeighted(int64(limit))}
}

// dispatch blocks until a worker slot is available, then serves conn on
// a new goroutine.
func (p *threadPool) dispatch(conn net.Conn, cfg *srmilter.Config) {
	if err := p.sem.Acquire(context.Background(), 1); err != nil {
		LogWarning("thread pool acquire: %v", err)
		_ = conn.Close()
		return
	}
	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)
		defer p.sem.Release(1)
		serveInline(conn, cfg)
	}()
}

// wait blocks until every dispatched worker has returned, logging the
// remaining count once a second.
func (p *threadPool) wait() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := p.active.Load(); n > 0 {
				LogWarning("waiting for %d worker(s) to finish", n)
			}
		}
	}
}
