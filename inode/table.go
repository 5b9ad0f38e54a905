package inode

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/disk"
	"github.com/mit-pdos/inodefs/lockmap"
	"github.com/mit-pdos/inodefs/util"
)

// Table keeps at most one handle per record sector and reference counts its
// openers. A removed inode is released when its last opener closes it.
//
// The first open and the last close of a sector are serialized by a per-sector
// lock, so device reads and releases happen without holding the table lock.
type Table struct {
	lock    *sync.Mutex
	ix      *Index
	open    map[common.Snum]*Inode
	sectors *lockmap.LockMap
}

func MkTable(ix *Index) *Table {
	return &Table{
		lock:    new(sync.Mutex),
		ix:      ix,
		open:    make(map[common.Snum]*Inode),
		sectors: lockmap.MkLockMap(),
	}
}

func (t *Table) lookup(snum common.Snum) *Inode {
	t.lock.Lock()
	defer t.lock.Unlock()
	ip, ok := t.open[snum]
	if ok {
		ip.openCnt += 1
	}
	return ip
}

// readRecord reads the record at snum from the device, after writing back any
// dirty cached copy of it.
func (t *Table) readRecord(snum common.Snum) (*Record, error) {
	c := t.ix.cache
	err := c.Sync(snum)
	if err != nil {
		return nil, err
	}
	data := make(disk.Sector, disk.SectorSize)
	err = c.Disk().ReadTo(snum, data)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (t *Table) Open(snum common.Snum) (*Inode, error) {
	t.sectors.Acquire(snum)
	defer t.sectors.Release(snum)
	if ip := t.lookup(snum); ip != nil {
		return ip, nil
	}
	rec, err := t.readRecord(snum)
	if err != nil {
		return nil, fmt.Errorf("open inode %d: %w", snum, err)
	}
	ip := &Inode{
		mu:      new(sync.RWMutex),
		rec:     rec,
		snum:    snum,
		ix:      t.ix,
		table:   t,
		openCnt: 1,
	}
	t.lock.Lock()
	t.open[snum] = ip
	t.lock.Unlock()
	util.DPrintf(3, "Open: %d len %d\n", snum, rec.Length)
	return ip, nil
}

func (t *Table) Reopen(ip *Inode) *Inode {
	t.lock.Lock()
	defer t.lock.Unlock()
	if ip.openCnt == 0 {
		panic("Reopen: inode is not open")
	}
	ip.openCnt += 1
	return ip
}

// dropRef drops one reference to ip and reports whether ip must now be
// released.
func (t *Table) dropRef(ip *Inode) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if ip.openCnt == 0 {
		panic("Close: inode is not open")
	}
	if ip.denyWriteCnt > ip.openCnt-1 {
		panic("Close: deny-write outstanding")
	}
	ip.openCnt -= 1
	if ip.openCnt > 0 {
		return false
	}
	delete(t.open, ip.snum)
	return ip.removed
}

// Close drops one reference to ip. Closing the last reference to a removed
// inode releases its sectors.
func (t *Table) Close(ip *Inode) error {
	t.sectors.Acquire(ip.snum)
	defer t.sectors.Release(ip.snum)
	if !t.dropRef(ip) {
		return nil
	}
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return t.ix.Release(ip)
}

// Remove marks ip for deletion when it is last closed.
func (t *Table) Remove(ip *Inode) {
	t.lock.Lock()
	ip.removed = true
	t.lock.Unlock()
}

func (t *Table) DenyWrite(ip *Inode) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if ip.denyWriteCnt+1 > ip.openCnt {
		panic("DenyWrite: more denials than openers")
	}
	ip.denyWriteCnt += 1
}

func (t *Table) AllowWrite(ip *Inode) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if ip.denyWriteCnt == 0 {
		panic("AllowWrite: write not denied")
	}
	ip.denyWriteCnt -= 1
}

func (t *Table) IsRemoved(ip *Inode) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return ip.removed
}

// NumOpen reports how many inodes have a handle.
func (t *Table) NumOpen() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return uint64(len(t.open))
}
