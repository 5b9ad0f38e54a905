package cache

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/util"
)

// prefetcher runs at most one drain task at a time on a single-worker pool.
type prefetcher struct {
	c       *Cache
	pool    *ants.Pool
	lock    *sync.Mutex // protects pending, running, closed
	idle    *sync.Cond  // signaled when running becomes false
	pending []common.Snum
	running bool
	closed  bool
}

func mkPrefetcher(c *Cache) (*prefetcher, error) {
	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, fmt.Errorf("prefetch pool: %w", err)
	}
	p := &prefetcher{
		c:    c,
		pool: pool,
		lock: new(sync.Mutex),
	}
	p.idle = sync.NewCond(p.lock)
	return p, nil
}

func (p *prefetcher) enqueue(s common.Snum) {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.pending = append(p.pending, s)
	if p.running {
		p.lock.Unlock()
		return
	}
	p.running = true
	p.lock.Unlock()

	err := p.pool.Submit(p.drain)
	if err != nil {
		util.DPrintf(1, "prefetch submit: %v\n", err)
		p.lock.Lock()
		p.running = false
		p.pending = nil
		p.idle.Broadcast()
		p.lock.Unlock()
	}
}

func (p *prefetcher) drain() {
	for {
		p.lock.Lock()
		if len(p.pending) == 0 {
			p.running = false
			p.idle.Broadcast()
			p.lock.Unlock()
			return
		}
		s := p.pending[0]
		p.pending = p.pending[1:]
		p.lock.Unlock()
		p.c.warm(s)
	}
}

// wait blocks until the queue is empty and no drain task is running.
func (p *prefetcher) wait() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for p.running || len(p.pending) > 0 {
		p.idle.Wait()
	}
}

func (p *prefetcher) stop() {
	p.lock.Lock()
	p.closed = true
	p.pending = nil
	for p.running {
		p.idle.Wait()
	}
	p.lock.Unlock()
	p.pool.Release()
}
