// lockmap is a sharded map of per-sector locks.
//
// LockMap behaves as if every sector number had its own mutex: Acquire(s)
// blocks until no one else holds s. Only held sectors have state; shard i
// tracks the sectors s with s % NSHARD == i.
package lockmap

import (
	"sync"

	"github.com/mit-pdos/inodefs/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.Snum]*lockState
}

func mkLockShard() *lockShard {
	return &lockShard{
		mu:    new(sync.Mutex),
		state: make(map[common.Snum]*lockState),
	}
}

func (shard *lockShard) acquire(s common.Snum) {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[s]
	if !ok {
		state = &lockState{cond: sync.NewCond(shard.mu)}
		shard.state[s] = state
	}
	for state.held {
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	state.held = true
}

func (shard *lockShard) release(s common.Snum) {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[s]
	if !ok || !state.held {
		panic("lockmap: release of unheld sector")
	}
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, s)
	}
}

func (shard *lockShard) size() int {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return len(shard.state)
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, NSHARD)
	for i := range shards {
		shards[i] = mkLockShard()
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) shard(s common.Snum) *lockShard {
	return lmap.shards[uint64(s)%NSHARD]
}

func (lmap *LockMap) Acquire(s common.Snum) {
	lmap.shard(s).acquire(s)
}

func (lmap *LockMap) Release(s common.Snum) {
	lmap.shard(s).release(s)
}

// Len reports how many sectors have lock state, for tests.
func (lmap *LockMap) Len() int {
	n := 0
	for _, shard := range lmap.shards {
		n += shard.size()
	}
	return n
}
