package fs

import (
	"errors"
	"fmt"

	"github.com/mit-pdos/inodefs/alloc"
	"github.com/mit-pdos/inodefs/cache"
	"github.com/mit-pdos/inodefs/common"
	"github.com/mit-pdos/inodefs/config"
	"github.com/mit-pdos/inodefs/disk"
	"github.com/mit-pdos/inodefs/inode"
	"github.com/mit-pdos/inodefs/util"
)

var ErrReserved = errors.New("reserved inode")

// Fs is the storage engine of one mounted image. The allocator bitmap lives
// in the free-map file, whose record is sector 0.
type Fs struct {
	d        disk.Disk
	nsectors uint64
	cache    *cache.Cache
	alloc    *alloc.Alloc
	ix       *inode.Index
	table    *inode.Table
	freeMap  *inode.Inode
}

func bitmapLen(nsectors uint64) uint64 {
	return util.RoundUp(nsectors, 8)
}

func diskSize(d disk.Disk) (uint64, error) {
	n, err := d.Size()
	if err != nil {
		return 0, err
	}
	if n < config.MinSectors || n > config.MaxSectors {
		return 0, fmt.Errorf("disk of %d sectors is not in [%d, %d]",
			n, config.MinSectors, config.MaxSectors)
	}
	return n, nil
}

// Format writes an empty file system to d: a free-map file covering every
// sector of d, and nothing else.
func Format(d disk.Disk, cfg *config.Config) error {
	n, err := diskSize(d)
	if err != nil {
		return err
	}
	util.DPrintf(1, "Format: %d sectors\n", n)
	opts := cfg.CacheOpts()
	opts.Prefetch = false
	c, err := cache.MkCache(d, opts)
	if err != nil {
		return err
	}
	a := alloc.MkMaxAlloc(n)
	ix := inode.MkIndex(c, a)
	err = ix.Create(common.FREEMAPSNUM, bitmapLen(n))
	if err != nil {
		return fmt.Errorf("creating free map: %w", err)
	}
	table := inode.MkTable(ix)
	ip, err := table.Open(common.FREEMAPSNUM)
	if err != nil {
		return err
	}
	_, err = ip.WriteAt(a.Bitmap(), 0)
	if err != nil {
		return fmt.Errorf("writing free map: %w", err)
	}
	err = table.Close(ip)
	if err != nil {
		return err
	}
	return c.Close()
}

// Mount loads the free map of a formatted disk.
func Mount(d disk.Disk, cfg *config.Config) (*Fs, error) {
	n, err := diskSize(d)
	if err != nil {
		return nil, err
	}
	c, err := cache.MkCache(d, cfg.CacheOpts())
	if err != nil {
		return nil, err
	}
	bitmap, err := readFreeMap(c, n)
	if err != nil {
		c.Close()
		return nil, err
	}
	fs := &Fs{
		d:        d,
		nsectors: n,
		cache:    c,
		alloc:    alloc.MkAlloc(bitmap),
	}
	fs.ix = inode.MkIndex(c, fs.alloc)
	fs.table = inode.MkTable(fs.ix)
	fs.freeMap, err = fs.table.Open(common.FREEMAPSNUM)
	if err != nil {
		c.Close()
		return nil, err
	}
	util.DPrintf(1, "Mount: %d sectors, %d free\n", n, fs.alloc.NumFree())
	return fs, nil
}

// readFreeMap reads the bitmap before an allocator exists; nothing allocates
// through this index.
func readFreeMap(c *cache.Cache, n uint64) ([]byte, error) {
	table := inode.MkTable(inode.MkIndex(c, nil))
	ip, err := table.Open(common.FREEMAPSNUM)
	if err != nil {
		return nil, fmt.Errorf("opening free map: %w", err)
	}
	defer table.Close(ip)
	if ip.Length() != bitmapLen(n) {
		return nil, fmt.Errorf("free map of %d bytes for %d sectors: %w",
			ip.Length(), n, common.ErrCorrupt)
	}
	bitmap := make([]byte, bitmapLen(n))
	_, err = ip.ReadAt(bitmap, 0)
	if err != nil {
		return nil, fmt.Errorf("reading free map: %w", err)
	}
	return bitmap, nil
}

// Create makes a file of length zero-filled bytes and returns its inode
// number.
func (fs *Fs) Create(length uint64) (common.Snum, error) {
	nums, err := fs.alloc.Allocate(1)
	if err != nil {
		return common.NULLSNUM, fmt.Errorf("%w: %w", common.ErrAllocationFailed, err)
	}
	snum := nums[0]
	err = fs.ix.Create(snum, length)
	if err != nil {
		fs.alloc.Release(snum, 1)
		return common.NULLSNUM, err
	}
	return snum, nil
}

func (fs *Fs) Open(snum common.Snum) (*inode.Inode, error) {
	if snum == common.FREEMAPSNUM {
		return nil, fmt.Errorf("inode %d: %w", snum, ErrReserved)
	}
	return fs.table.Open(snum)
}

func (fs *Fs) Close(ip *inode.Inode) error {
	return fs.table.Close(ip)
}

func (fs *Fs) Remove(ip *inode.Inode) {
	fs.table.Remove(ip)
}

func (fs *Fs) DenyWrite(ip *inode.Inode) {
	fs.table.DenyWrite(ip)
}

func (fs *Fs) AllowWrite(ip *inode.Inode) {
	fs.table.AllowWrite(ip)
}

func (fs *Fs) NumFree() uint64 {
	return fs.alloc.NumFree()
}

func (fs *Fs) NumSectors() uint64 {
	return fs.nsectors
}

// Sync writes the free map and every dirty cached sector to the disk.
func (fs *Fs) Sync() error {
	_, err := fs.freeMap.WriteAt(fs.alloc.Bitmap(), 0)
	if err != nil {
		return fmt.Errorf("writing free map: %w", err)
	}
	return fs.cache.Flush()
}

// Unmount writes back the free map and the cache. The disk stays open.
func (fs *Fs) Unmount() error {
	err := fs.Sync()
	if err != nil {
		return err
	}
	err = fs.table.Close(fs.freeMap)
	if err != nil {
		return err
	}
	util.DPrintf(1, "Unmount: %d free\n", fs.alloc.NumFree())
	return fs.cache.Close()
}
