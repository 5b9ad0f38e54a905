package inode

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/inodefs/common"
)

// Inode is the in-memory handle of an open file. All openers of a record
// share one handle.
type Inode struct {
	// mu is held shared by readers and exclusive by writers, so a reader
	// never sees a length whose sectors are not in place yet.
	mu  *sync.RWMutex
	rec *Record

	snum  common.Snum
	ix    *Index
	table *Table

	// protected by table.lock
	openCnt      uint64
	denyWriteCnt uint64
	removed      bool
}

func (ip *Inode) String() string {
	return fmt.Sprintf("inode %d", ip.snum)
}

// Inumber returns the sector holding ip's record.
func (ip *Inode) Inumber() common.Snum {
	return ip.snum
}

func (ip *Inode) Length() uint64 {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.rec.Length
}

// Record returns a copy of ip's record.
func (ip *Inode) Record() Record {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return *ip.rec
}

func (ip *Inode) ReadAt(p []byte, off uint64) (int, error) {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.ix.ReadAt(ip, p, off)
}

func (ip *Inode) WriteAt(p []byte, off uint64) (int, error) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.ix.WriteAt(ip, p, off)
}

func (ip *Inode) Grow(length uint64) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.ix.Grow(ip, length)
}

func (ip *Inode) Sector(off uint64) (common.Snum, error) {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.ix.Sector(ip, off)
}

func (ip *Inode) writeDenied() bool {
	ip.table.lock.Lock()
	defer ip.table.lock.Unlock()
	return ip.denyWriteCnt > 0
}
