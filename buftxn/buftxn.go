package buftxn

import (
	"fmt"

	"github.com/mit-pdos/inodefs/alloc"
	"github.com/mit-pdos/inodefs/buf"
	"github.com/mit-pdos/inodefs/cache"
	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/disk"
	"github.com/mit-pdos/inodefs/util"
)

//
// Txn layer used to grow an inode. A transaction tracks the index blocks it
// has read or written and every sector it has allocated, so that a growth that
// fails part way can give all of them back.
//

type BufTxn struct {
	cache     *cache.Cache
	alloc     alloc.Allocator
	bufs      *buf.IndexMap // index blocks read/written by this transaction
	allocated []common.Snum
}

func Begin(c *cache.Cache, a alloc.Allocator) *BufTxn {
	trans := &BufTxn{
		cache: c,
		alloc: a,
		bufs:  buf.MkIndexMap(),
	}
	return trans
}

func (buftxn *BufTxn) allocSector() (common.Snum, error) {
	nums, err := buftxn.alloc.Allocate(1)
	if err != nil {
		return common.NULLSNUM, fmt.Errorf("%w: %w", common.ErrAllocationFailed, err)
	}
	buftxn.allocated = append(buftxn.allocated, nums[0])
	return nums[0], nil
}

// ReadBuf returns the index block stored at snum.
func (buftxn *BufTxn) ReadBuf(snum common.Snum) (*buf.IndexBlock, error) {
	b := buftxn.bufs.Lookup(snum)
	if b != nil {
		return b, nil
	}
	data := make([]byte, disk.SectorSize)
	err := buftxn.cache.Read(snum, data)
	if err != nil {
		return nil, err
	}
	b, err = buf.MkIndexBlockLoad(snum, data)
	if err != nil {
		return nil, err
	}
	buftxn.bufs.Insert(b)
	return b, nil
}

// NewBuf allocates a sector for an empty index block.
func (buftxn *BufTxn) NewBuf() (*buf.IndexBlock, error) {
	snum, err := buftxn.allocSector()
	if err != nil {
		return nil, err
	}
	b := buf.MkIndexBlock(snum)
	buftxn.bufs.Insert(b)
	return b, nil
}

// AllocData allocates a data sector and zero-fills it.
func (buftxn *BufTxn) AllocData() (common.Snum, error) {
	snum, err := buftxn.allocSector()
	if err != nil {
		return common.NULLSNUM, err
	}
	err = buftxn.cache.Write(snum, make([]byte, disk.SectorSize))
	if err != nil {
		return common.NULLSNUM, err
	}
	return snum, nil
}

func (buftxn *BufTxn) NDirty() uint64 {
	return buftxn.bufs.Ndirty()
}

// Allocated returns the sectors this transaction has allocated so far.
func (buftxn *BufTxn) Allocated() []common.Snum {
	return buftxn.allocated
}

// Commit writes the dirty index blocks of this transaction, inner blocks
// before the root.
func (buftxn *BufTxn) Commit() error {
	dirty := buftxn.bufs.DirtyBlocks()
	util.DPrintf(3, "Commit: %d index blocks, %d sectors allocated\n",
		len(dirty), len(buftxn.allocated))
	for _, b := range dirty {
		err := buftxn.cache.Write(b.Snum, b.Encode())
		if err != nil {
			return fmt.Errorf("index block %d: %w", b.Snum, err)
		}
		b.ClearDirty()
	}
	return nil
}

// Abort gives back every sector the transaction allocated.
func (buftxn *BufTxn) Abort() {
	util.DPrintf(3, "Abort: releasing %v\n", buftxn.allocated)
	for _, s := range buftxn.allocated {
		buftxn.cache.Discard(s)
		buftxn.alloc.Release(s, 1)
	}
	buftxn.allocated = nil
}
