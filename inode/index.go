package inode

import (
	"fmt"

	"github.com/mit-pdos/inodefs/addr"
	"github.com/mit-pdos/inodefs/alloc"
	"github.com/mit-pdos/inodefs/buf"
	"github.com/mit-pdos/inodefs/buftxn"
	"github.com/mit-pdos/inodefs/cache"
	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/disk"
	"github.com/mit-pdos/inodefs/util"
)

// Index maps file offsets to sectors and owns growth and reclamation of an
// inode's sectors. All sector I/O goes through the cache.
//
// Methods taking an *Inode expect the caller to hold ip.mu (shared for
// ReadAt and Sector, exclusive otherwise).
type Index struct {
	cache *cache.Cache
	alloc alloc.Allocator
}

func MkIndex(c *cache.Cache, a alloc.Allocator) *Index {
	return &Index{cache: c, alloc: a}
}

func (ix *Index) Cache() *cache.Cache {
	return ix.cache
}

// growth extends a working copy of a record, one sector at a time in
// increasing order.
type growth struct {
	txn   *buftxn.BufTxn
	rec   *Record
	oldN  uint64 // data sectors covered by the old length
	root  *buf.IndexBlock
	inner *buf.IndexBlock
	outer uint64 // root entry holding inner
}

func (g *growth) rootBlock() (*buf.IndexBlock, error) {
	if g.root != nil {
		return g.root, nil
	}
	var err error
	if g.oldN > common.NDIRECT {
		g.root, err = g.txn.ReadBuf(g.rec.Indirect)
	} else {
		// entries past the old length are stale; start from an empty root
		g.root, err = g.txn.NewBuf()
		if err == nil {
			g.rec.Indirect = g.root.Snum
		}
	}
	return g.root, err
}

func (g *growth) innerBlock(outer uint64) (*buf.IndexBlock, error) {
	if g.inner != nil && g.outer == outer {
		return g.inner, nil
	}
	root, err := g.rootBlock()
	if err != nil {
		return nil, err
	}
	var inner *buf.IndexBlock
	if g.oldN > common.NDIRECT+outer*common.NINDIRECT {
		inner, err = g.txn.ReadBuf(root.Get(outer))
	} else {
		inner, err = g.txn.NewBuf()
		if err == nil {
			root.Put(outer, inner.Snum)
		}
	}
	if err != nil {
		return nil, err
	}
	g.inner = inner
	g.outer = outer
	return inner, nil
}

func (g *growth) add(idx uint64) error {
	a, err := addr.Locate(idx)
	if err != nil {
		return err
	}
	var inner *buf.IndexBlock
	if a.Level == addr.Indirect {
		inner, err = g.innerBlock(a.Outer)
		if err != nil {
			return err
		}
	}
	s, err := g.txn.AllocData()
	if err != nil {
		return err
	}
	if a.Level == addr.Direct {
		g.rec.Direct[a.Slot] = s
	} else {
		inner.Put(a.Inner, s)
	}
	return nil
}

// extend returns a copy of rec grown to length, with every new sector
// allocated, zeroed and indexed. On error nothing stays allocated.
func (ix *Index) extend(rec *Record, length uint64) (*Record, *buftxn.BufTxn, error) {
	if length > common.MAXFILESIZE {
		return nil, nil, fmt.Errorf("length %d: %w", length, common.ErrCapacityExceeded)
	}
	nrec := *rec
	g := &growth{
		txn:  buftxn.Begin(ix.cache, ix.alloc),
		rec:  &nrec,
		oldN: addr.NumSectors(rec.Length),
	}
	newN := addr.NumSectors(length)
	for idx := g.oldN; idx < newN; idx++ {
		err := g.add(idx)
		if err != nil {
			g.txn.Abort()
			return nil, nil, err
		}
	}
	util.DPrintf(5, "extend: %d new sectors, %d index blocks to write\n",
		len(g.txn.Allocated()), g.txn.NDirty())
	err := g.txn.Commit()
	if err != nil {
		g.txn.Abort()
		return nil, nil, err
	}
	nrec.Length = length
	return &nrec, g.txn, nil
}

// Create writes a new record of length bytes at snum, with all of its sectors
// allocated and zeroed.
func (ix *Index) Create(snum common.Snum, length uint64) error {
	util.DPrintf(3, "Create: %d len %d\n", snum, length)
	rec, txn, err := ix.extend(&Record{}, length)
	if err != nil {
		return err
	}
	err = ix.cache.Write(snum, rec.Encode())
	if err != nil {
		txn.Abort()
		return fmt.Errorf("write record %d: %w", snum, err)
	}
	return nil
}

// Grow extends ip to length bytes. The record is written only after the new
// sectors are in place; on failure ip is unchanged.
func (ix *Index) Grow(ip *Inode, length uint64) error {
	if length <= ip.rec.Length {
		return nil
	}
	util.DPrintf(3, "Grow: %d %d -> %d\n", ip.snum, ip.rec.Length, length)
	rec, txn, err := ix.extend(ip.rec, length)
	if err != nil {
		return err
	}
	err = ix.cache.Write(ip.snum, rec.Encode())
	if err != nil {
		txn.Abort()
		return fmt.Errorf("write record %d: %w", ip.snum, err)
	}
	ip.rec = rec
	return nil
}

func (ix *Index) readBlock(snum common.Snum) (*buf.IndexBlock, error) {
	if snum == common.NULLSNUM {
		return nil, fmt.Errorf("null index block: %w", common.ErrCorrupt)
	}
	data := make([]byte, disk.SectorSize)
	err := ix.cache.Read(snum, data)
	if err != nil {
		return nil, err
	}
	return buf.MkIndexBlockLoad(snum, data)
}

// sector returns the data sector idx of rec, which must be within its length.
func (ix *Index) sector(rec *Record, idx uint64) (common.Snum, error) {
	a, err := addr.Locate(idx)
	if err != nil {
		return common.NULLSNUM, err
	}
	var s common.Snum
	if a.Level == addr.Direct {
		s = rec.Direct[a.Slot]
	} else {
		root, err := ix.readBlock(rec.Indirect)
		if err != nil {
			return common.NULLSNUM, err
		}
		inner, err := ix.readBlock(root.Get(a.Outer))
		if err != nil {
			return common.NULLSNUM, err
		}
		s = inner.Get(a.Inner)
	}
	if s == common.NULLSNUM {
		return common.NULLSNUM, fmt.Errorf("%v of sector %d: %w", a, idx, common.ErrCorrupt)
	}
	return s, nil
}

// Sector returns the sector holding byte off of ip.
func (ix *Index) Sector(ip *Inode, off uint64) (common.Snum, error) {
	idx := off / common.SECTORSZ
	if idx >= common.MAXSECTORS {
		return common.NULLSNUM, fmt.Errorf("offset %d: %w", off, common.ErrCapacityExceeded)
	}
	if off >= ip.rec.Length {
		return common.NULLSNUM, nil
	}
	return ix.sector(ip.rec, idx)
}

// ReadAt reads up to len(p) bytes at off. Reading past the end of the file
// returns fewer bytes, not an error.
func (ix *Index) ReadAt(ip *Inode, p []byte, off uint64) (int, error) {
	length := ip.rec.Length
	if off >= length {
		return 0, nil
	}
	n := util.Min(uint64(len(p)), length-off)
	var bounce []byte
	var done uint64
	var idx uint64
	for done < n {
		pos := off + done
		idx = pos / common.SECTORSZ
		s, err := ix.sector(ip.rec, idx)
		if err != nil {
			return int(done), err
		}
		sectorOff := pos % common.SECTORSZ
		chunk := util.Min(common.SECTORSZ-sectorOff, n-done)
		if chunk == common.SECTORSZ {
			err = ix.cache.Read(s, p[done:done+chunk])
		} else {
			if bounce == nil {
				bounce = make([]byte, disk.SectorSize)
			}
			err = ix.cache.Read(s, bounce)
			copy(p[done:done+chunk], bounce[sectorOff:])
		}
		if err != nil {
			return int(done), err
		}
		done += chunk
	}
	if ix.cache.Prefetching() && idx+1 < addr.NumSectors(length) {
		next, err := ix.sector(ip.rec, idx+1)
		if err == nil {
			ix.cache.Prefetch(next)
		}
	}
	return int(done), nil
}

// WriteAt writes p at off, growing ip first if the write ends past its
// length. A write-denied inode accepts nothing.
func (ix *Index) WriteAt(ip *Inode, p []byte, off uint64) (int, error) {
	if ip.writeDenied() {
		return 0, nil
	}
	n := uint64(len(p))
	if util.SumOverflows(off, n) || off+n > common.MAXFILESIZE {
		return 0, fmt.Errorf("write of %d at %d: %w", n, off, common.ErrCapacityExceeded)
	}
	if n == 0 {
		return 0, nil
	}
	err := ix.Grow(ip, off+n)
	if err != nil {
		return 0, err
	}
	var bounce []byte
	var done uint64
	for done < n {
		pos := off + done
		s, err := ix.sector(ip.rec, pos/common.SECTORSZ)
		if err != nil {
			return int(done), err
		}
		sectorOff := pos % common.SECTORSZ
		chunk := util.Min(common.SECTORSZ-sectorOff, n-done)
		if chunk == common.SECTORSZ {
			err = ix.cache.Write(s, p[done:done+chunk])
		} else {
			if bounce == nil {
				bounce = make([]byte, disk.SectorSize)
			}
			err = ix.cache.Read(s, bounce)
			if err == nil {
				copy(bounce[sectorOff:], p[done:done+chunk])
				err = ix.cache.Write(s, bounce)
			}
		}
		if err != nil {
			return int(done), err
		}
		done += chunk
	}
	return int(done), nil
}

// sectors lists every sector ip uses: data sectors, index blocks and its
// record.
func (ix *Index) sectors(ip *Inode) ([]common.Snum, error) {
	n := addr.NumSectors(ip.rec.Length)
	used := make([]common.Snum, 0, n+addr.IndexBlocks(n)+1)
	for i := uint64(0); i < util.Min(n, common.NDIRECT); i++ {
		used = append(used, ip.rec.Direct[i])
	}
	if n > common.NDIRECT {
		root, err := ix.readBlock(ip.rec.Indirect)
		if err != nil {
			return nil, err
		}
		r := n - common.NDIRECT
		for outer := uint64(0); outer*common.NINDIRECT < r; outer++ {
			inner, err := ix.readBlock(root.Get(outer))
			if err != nil {
				return nil, err
			}
			cnt := util.Min(common.NINDIRECT, r-outer*common.NINDIRECT)
			for i := uint64(0); i < cnt; i++ {
				used = append(used, inner.Get(i))
			}
			used = append(used, inner.Snum)
		}
		used = append(used, root.Snum)
	}
	used = append(used, ip.snum)
	for _, s := range used {
		if s == common.NULLSNUM {
			return nil, fmt.Errorf("inode %d: null sector: %w", ip.snum, common.ErrCorrupt)
		}
	}
	return used, nil
}

// Release returns every sector of ip, its record included, to the allocator.
// Nothing is freed if the index cannot be read.
func (ix *Index) Release(ip *Inode) error {
	used, err := ix.sectors(ip)
	if err != nil {
		return err
	}
	util.DPrintf(3, "Release: %d: %d sectors\n", ip.snum, len(used))
	for _, s := range used {
		ix.cache.Discard(s)
		ix.alloc.Release(s, 1)
	}
	return nil
}
